// Package cepstream bridges a stream of measurement events to a pattern
// matching engine and republishes the matches.
//
// The Bus sits on top of a transport.Transport. It routes inbound frames by
// topic to registered handlers and publishes encoded events back out:
//
//	hub := channel.NewHub()
//	tr, err := transport.New(hub.Connect())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bus, err := cepstream.NewBus(tr, cepstream.WithName("cep"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Exact subscription: only imputed.sensor-1
//	bus.Subscribe(cepstream.PartitionImputed, "sensor-1", handler)
//
//	// Wildcard subscription: every stream in the partition
//	bus.Subscribe(cepstream.PartitionImputed, cepstream.Wildcard, handler)
//
//	// Blocks until ctx is done, Stop is called or the inbound channel fails
//	err = bus.Start(ctx)
//
// Topics are "<partition>.<stream id>". Dispatch prefers an exact
// subscription over the partition wildcard; frames with no matching handler
// are dropped. Handler errors and panics are contained and logged; they never
// stop the read loop.
//
// Bus Options:
//   - WithCodec: payload codec. Default is JSON.
//   - WithLogger: set logger for the bus.
//   - WithMetrics: Prometheus metrics (see NewMetric). Default is no-op.
//   - WithTracing: enable/disable OpenTelemetry spans. Default is true.
//   - WithTickHandler: callback run on every heartbeat tick.
//   - WithName: bus name used in logs, spans and status.
//
// Pattern engines plug in through Engine. An Ingestor feeds the inbound
// partition into the engine and a MatchAdapter turns matches into events on
// the "matched" partition.
package cepstream
