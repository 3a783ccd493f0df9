package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rbaliyan/cepstream/internal/engine"
	"github.com/rbaliyan/cepstream/internal/patterns"
)

// NewPatternsCommand creates the patterns command group.
func NewPatternsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Work with pattern definitions",
	}
	cmd.AddCommand(newPatternsValidateCommand(rootOpts))
	return cmd
}

func newPatternsValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Compile every pattern in a definitions file",
		Long: `Load a pattern definitions file and compile every query without
connecting to a broker. Defaults to patterns.file from the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := rootOpts.config().Patterns.File
			if len(args) == 1 {
				file = args[0]
			}
			return validatePatterns(cmd, file)
		},
	}
}

func validatePatterns(cmd *cobra.Command, file string) error {
	defs, err := patterns.Load(file)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var errs error
	for _, def := range defs {
		if err := engine.Compile(def); err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", def.Name, err)
			errs = multierr.Append(errs, err)
			continue
		}
		fmt.Fprintf(out, "✓ %s\n", def.Name)
	}
	if errs != nil {
		return fmt.Errorf("%d of %d patterns invalid: %w", len(multierr.Errors(errs)), len(defs), errs)
	}
	fmt.Fprintf(out, "%d patterns valid\n", len(defs))
	return nil
}
