// Package cli implements the cepstream command line.
package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/cepstream/internal/config"
	"github.com/rbaliyan/cepstream/internal/observability"
	"github.com/rbaliyan/cepstream/transport/channel"
)

// RootOptions holds global flags and the state they produce.
type RootOptions struct {
	ConfigFile string
	LogLevel   string

	cfg    *config.Config
	logger *slog.Logger

	// hub backs the memory transport; created on first use
	hub *channel.Hub
}

// NewRootCommand creates the root command for the cepstream CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cepstream",
		Short: "cepstream - complex event processing over a message bus",
		Long: `cepstream ingests measurement events from a broker, evaluates pattern
definitions over them and publishes matches back to the broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewPatternsCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.NewLoader().Load(o.ConfigFile)
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}

	var w io.Writer = cmd.OutOrStdout()
	if strings.EqualFold(cfg.Logging.Output, "stderr") {
		w = cmd.ErrOrStderr()
	}
	o.logger = observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: w,
	})
	slog.SetDefault(o.logger)
	o.cfg = cfg
	return nil
}

// config returns the loaded configuration. It panics if called before the
// root pre-run hook.
func (o *RootOptions) config() *config.Config {
	if o.cfg == nil {
		panic("cli: configuration not loaded")
	}
	return o.cfg
}
