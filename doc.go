// Package ringbus provides a lock-free, multi-segment, multi-producer
// multi-consumer in-process message bus.
//
// Producers and consumers attach independently; each producer owns exactly
// one segment for its lifetime, and consumers round-robin-scan every live
// segment looking for messages addressed to them. Delivery feedback
// (ACK/NACK/TIMEOUT/CORRUPT) flows back to the producer through a separate
// pull-only channel rather than a callback.
//
// # Quick start
//
//	bus, err := ringbus.New("orders")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer bus.Close()
//
//	producerID, _ := bus.AttachProducer()
//	consumerID, _ := bus.AttachConsumer()
//
//	if err := bus.Produce(producerID, consumerID, 0, nil, []byte("hello")); err != nil {
//		log.Fatal(err)
//	}
//
//	msg, ticket, err := bus.Consume(consumerID)
//	if err != nil {
//		log.Fatal(err)
//	}
//	bus.Feedback(ticket, ringbus.FeedbackAck, nil)
//
// # Admission control
//
// Each segment refuses new writes once it holds HWMFraction (80% by
// default) of its slots, returning ErrThrottled rather than overwriting a
// slot still in use. A throttled write never consumes a sequence number and
// always counts against Stats().FailedWrites.
//
// # Configuration
//
// NewWithConfig accepts a Config for explicit control over segment size,
// payload ceiling, and admission threshold:
//
//	bus, err := ringbus.NewWithConfig(&ringbus.Config{
//		Name:         "orders",
//		SegmentSlots: 4096,
//		MaxPayload:   8192,
//		HWMFraction:  0.9,
//	})
//
// # Observability
//
// Stats returns a point-in-time counter snapshot. NewPrometheusCollector
// adapts those counters to a prometheus.Collector for embedders that want
// to register them with a prometheus.Registry. A Janitor can optionally be
// started to reclaim slots left stuck in CONSUMING by a consumer that never
// calls Feedback.
package ringbus
