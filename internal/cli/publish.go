package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/cepstream"
	"github.com/rbaliyan/cepstream/transport/codec"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	Partition string
	StreamID  string
	JSON      string
	Datatype  string
	Unit      string
	Value     float64
	Timestamp float64
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event",
		Long: `Publish a single event on <partition>.<stream-id>. The event is built from
flags, or decoded from --json using the event wire schema; --stream-id
overrides the decoded stream id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := opts.event(cmd)
			if err != nil {
				return err
			}
			if err := publishEvent(cmd.Context(), rootOpts, opts.Partition, ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", cepstream.Topic(opts.Partition, ev.StreamID))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Partition, "partition", cepstream.PartitionImputed, "partition to publish to")
	cmd.Flags().StringVarP(&opts.StreamID, "stream-id", "s", "", "stream id")
	cmd.Flags().StringVar(&opts.JSON, "json", "", "event as JSON")
	cmd.Flags().StringVar(&opts.Datatype, "datatype", "", "event datatype")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "event unit")
	cmd.Flags().Float64Var(&opts.Value, "value", 0, "event value")
	cmd.Flags().Float64Var(&opts.Timestamp, "timestamp", 0, "event timestamp in seconds (default now)")

	return cmd
}

func (o *PublishOptions) event(cmd *cobra.Command) (*cepstream.Event, error) {
	ev := &cepstream.Event{}
	if o.JSON != "" {
		decoded, err := codec.JSON{}.Decode([]byte(o.JSON))
		if err != nil {
			return nil, err
		}
		ev = decoded
	} else {
		ev.Datatype = o.Datatype
		ev.Unit = o.Unit
		if cmd.Flags().Changed("value") {
			v := o.Value
			ev.Value = &v
		}
		ev.Timestamp = o.Timestamp
		if !cmd.Flags().Changed("timestamp") {
			ev.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
		}
	}
	if o.StreamID != "" {
		ev.StreamID = o.StreamID
	}
	if ev.StreamID == "" {
		return nil, errors.New("--stream-id is required")
	}
	return ev, nil
}

func publishEvent(ctx context.Context, rootOpts *RootOptions, partition string, ev *cepstream.Event) error {
	cfg := rootOpts.config()

	c, err := codec.ByName(cfg.Bus.Codec)
	if err != nil {
		return err
	}
	tr, err := rootOpts.connect()
	if err != nil {
		return err
	}
	bus, err := cepstream.NewBus(tr,
		cepstream.WithName(cfg.Bus.Name),
		cepstream.WithCodec(c),
		cepstream.WithLogger(rootOpts.logger),
	)
	if err != nil {
		tr.Close(context.Background())
		return err
	}
	defer bus.Stop(context.Background())

	return bus.Publish(ctx, partition, ev.StreamID, ev)
}
