package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/cepstream"
	"github.com/rbaliyan/cepstream/internal/engine"
	"github.com/rbaliyan/cepstream/internal/observability"
	"github.com/rbaliyan/cepstream/internal/patterns"
	"github.com/rbaliyan/cepstream/transport/codec"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	PatternsFile string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pattern-matching pipeline",
		Long: `Connect to the configured broker, wait for the snapshot handshake, then
feed every event of the input partition to the pattern engine and publish
each match to the matched partition. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.PatternsFile, "patterns", "p", "", "pattern definitions file (overrides patterns.file)")

	return cmd
}

func runPipeline(ctx context.Context, rootOpts *RootOptions, opts *RunOptions) error {
	cfg := rootOpts.config()
	logger := rootOpts.logger

	file := opts.PatternsFile
	if file == "" {
		file = cfg.Patterns.File
	}
	defs, err := patterns.Load(file)
	if err != nil {
		return err
	}

	c, err := codec.ByName(cfg.Bus.Codec)
	if err != nil {
		return err
	}

	tr, err := rootOpts.connect()
	if err != nil {
		return err
	}

	reg := observability.NewRegistry()
	metrics := cepstream.NewMetric("cepstream", "bus")
	if err := metrics.Register(reg); err != nil {
		tr.Close(context.Background())
		return fmt.Errorf("register metrics: %w", err)
	}

	bus, err := cepstream.NewBus(tr,
		cepstream.WithName(cfg.Bus.Name),
		cepstream.WithCodec(c),
		cepstream.WithLogger(logger),
		cepstream.WithMetrics(metrics),
	)
	if err != nil {
		tr.Close(context.Background())
		return err
	}
	defer bus.Stop(context.Background())

	adapter := cepstream.NewMatchAdapter(bus, cepstream.WithMatchLogger(logger))
	eng := engine.New(adapter.MatchFunc(), engine.WithLogger(logger))
	if err := eng.Deploy(defs...); err != nil {
		return err
	}

	ingestor, err := cepstream.NewIngestor(bus, eng, cepstream.IngestFrom(cfg.Bus.InputPartition))
	if err != nil {
		return err
	}
	if err := ingestor.Start(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := observability.NewMetricsServer(cfg.Metrics.Addr, reg, bus.Health)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	logger.Info("pipeline starting",
		"transport", cfg.Transport.Kind,
		"patterns", len(defs),
		"input", cfg.Bus.InputPartition)

	err = bus.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
