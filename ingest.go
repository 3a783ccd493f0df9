package cepstream

import (
	"context"
	"fmt"
)

type ingestOptions struct {
	partition string
}

// IngestOption configures an Ingestor
type IngestOption func(*ingestOptions)

// IngestFrom sets the partition the ingestor consumes (default PartitionImputed).
func IngestFrom(partition string) IngestOption {
	return func(o *ingestOptions) {
		if partition != "" {
			o.partition = partition
		}
	}
}

// Ingestor feeds every event of one partition into an Engine.
type Ingestor struct {
	bus       *Bus
	engine    Engine
	partition string
}

// NewIngestor creates an ingestor. Call Start to subscribe it.
func NewIngestor(bus *Bus, engine Engine, opts ...IngestOption) (*Ingestor, error) {
	if bus == nil {
		return nil, ErrBusRequired
	}
	if engine == nil {
		return nil, ErrEngineRequired
	}
	o := &ingestOptions{partition: PartitionImputed}
	for _, opt := range opts {
		opt(o)
	}
	return &Ingestor{bus: bus, engine: engine, partition: o.partition}, nil
}

// Partition returns the partition the ingestor consumes.
func (i *Ingestor) Partition() string {
	return i.partition
}

// Start registers the ingestor as the wildcard handler of its partition.
// Exact subscriptions on the same partition take precedence over it.
func (i *Ingestor) Start() error {
	if err := i.bus.Subscribe(i.partition, Wildcard, i.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", i.partition, err)
	}
	return nil
}

func (i *Ingestor) handle(ctx context.Context, ev *Event) error {
	if err := i.engine.Ingest(ctx, ev); err != nil {
		return fmt.Errorf("ingest %s: %w", ev.StreamID, err)
	}
	return nil
}
