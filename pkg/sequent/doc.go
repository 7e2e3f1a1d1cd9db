// Package sequent provides ordered event delivery with retries for an
// order lifecycle spread across asynchronous services.
//
// The core pieces compose as a pipeline:
//
//	sequence.Allocator  — monotonic per-entity sequence numbers
//	retry.Do            — bounded retries with exponential backoff
//	buffer.Buffer       — strict in-order release per entity
//	sequent.Publisher   — allocate, admit, then emit to broker sinks
//
// A Publisher stamps every outgoing event with a sequence number from the
// allocator, optionally feeds its own ordered buffer for local application,
// and emits the wire envelope to one or more sinks through the retry
// executor. Consumers on the far side admit received envelopes into their
// own buffer, which reassembles the per-entity order regardless of how the
// broker interleaved delivery.
//
//	alloc, _ := sequence.NewSQLiteStore("sequences.db")
//	buf, _ := buffer.New(applyEvent, buffer.DefaultConfig)
//	pub, _ := sequent.NewPublisher(alloc, sequent.PublisherConfig{
//		Emitters: []sequent.Emitter{sink},
//		Buffer:   buf,
//	})
//	evt, err := pub.PublishOrderCreated(ctx, orderID, order)
package sequent
