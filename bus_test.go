// bus_test.go: Bus façade integration tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"bytes"
	"testing"
)

func newTestBus(t *testing.T, cfg *Config) *Bus {
	t.Helper()
	bus, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestProduceConsumeRoundTrip(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 256})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	if err := bus.Produce(p, c, 7, []byte("meta"), []byte("payload")); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	msg, ticket, err := bus.Consume(c)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !bytes.Equal(msg.Payload, []byte("payload")) {
		t.Errorf("Payload = %q", msg.Payload)
	}
	if !bytes.Equal(msg.Meta, []byte("meta")) {
		t.Errorf("Meta = %q", msg.Meta)
	}
	if msg.MetaType != 7 {
		t.Errorf("MetaType = %d, want 7", msg.MetaType)
	}
	if msg.ProducerID != p || msg.ConsumerID != c {
		t.Errorf("ProducerID/ConsumerID = %d/%d, want %d/%d", msg.ProducerID, msg.ConsumerID, p, c)
	}

	if err := bus.Feedback(ticket, FeedbackAck, nil); err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	fb, err := bus.CollectFeedback(p)
	if err != nil {
		t.Fatalf("CollectFeedback: %v", err)
	}
	if fb.Status != FeedbackAck {
		t.Errorf("feedback status = %v, want ACK", fb.Status)
	}
}

func TestConsumeEmptyReturnsBufferEmpty(t *testing.T) {
	bus := newTestBus(t, nil)
	c, _ := bus.AttachConsumer()

	if _, _, err := bus.Consume(c); err != ErrBufferEmpty {
		t.Fatalf("Consume(empty) = %v, want ErrBufferEmpty", err)
	}
}

func TestFeedbackRejectsDoubleUse(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 64})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()
	bus.Produce(p, c, 0, nil, []byte("x"))

	_, ticket, err := bus.Consume(c)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := bus.Feedback(ticket, FeedbackAck, nil); err != nil {
		t.Fatalf("first Feedback: %v", err)
	}
	if err := bus.Feedback(ticket, FeedbackAck, nil); err != ErrInvalidTicket {
		t.Fatalf("second Feedback = %v, want ErrInvalidTicket", err)
	}
}

func TestProduceRejectsOversizedPayload(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 16})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	err := bus.Produce(p, c, 0, nil, bytes.Repeat([]byte{1}, 17))
	if err != ErrMsgTooLarge {
		t.Fatalf("Produce(oversized) = %v, want ErrMsgTooLarge", err)
	}
}

func TestProduceThrottlesAtHighWaterMark(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 16, HWMFraction: 0.5})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	for i := 0; i < 8; i++ {
		if err := bus.Produce(p, c, 0, nil, []byte("x")); err != nil {
			t.Fatalf("Produce #%d: %v", i, err)
		}
	}
	if err := bus.Produce(p, c, 0, nil, []byte("x")); err != ErrThrottled {
		t.Fatalf("Produce at HWM = %v, want ErrThrottled", err)
	}

	stats := bus.Stats()
	if stats.FailedWrites != 1 || stats.Throttled != 1 {
		t.Fatalf("stats = %+v, want FailedWrites=1 Throttled=1", stats)
	}
}

func TestProduceUnknownProducerID(t *testing.T) {
	bus := newTestBus(t, nil)
	if err := bus.Produce(999, 1, 0, nil, nil); err != ErrUnknownID {
		t.Fatalf("Produce(unknown producer) = %v, want ErrUnknownID", err)
	}
}

func TestEachProducerGetsItsOwnSegment(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 16})
	p1, _ := bus.AttachProducer()
	p2, _ := bus.AttachProducer()

	bus.producersMu.RLock()
	idx1 := bus.producers[p1].segIdx
	idx2 := bus.producers[p2].segIdx
	bus.producersMu.RUnlock()

	if idx1 == idx2 {
		t.Fatalf("two producers share segment %d", idx1)
	}
}

func TestConsumerSeesMessagesFromAllSegments(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 16})
	p1, _ := bus.AttachProducer()
	p2, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	bus.Produce(p1, c, 0, nil, []byte("from-p1"))
	bus.Produce(p2, c, 0, nil, []byte("from-p2"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, ticket, err := bus.Consume(c)
		if err != nil {
			t.Fatalf("Consume #%d: %v", i, err)
		}
		seen[string(msg.Payload)] = true
		bus.Feedback(ticket, FeedbackAck, nil)
	}
	if !seen["from-p1"] || !seen["from-p2"] {
		t.Fatalf("did not observe both producers' messages: %v", seen)
	}
}

func TestStatsTrackWritesAndReads(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 16})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	bus.Produce(p, c, 0, nil, []byte("12345"))
	_, ticket, _ := bus.Consume(c)
	bus.Feedback(ticket, FeedbackAck, nil)

	stats := bus.Stats()
	if stats.Written != 1 || stats.Read != 1 {
		t.Fatalf("stats = %+v, want Written=1 Read=1", stats)
	}
	if stats.BytesWritten != 5 || stats.BytesRead != 5 {
		t.Fatalf("stats = %+v, want 5 bytes each way", stats)
	}
}

func TestCloseInvalidatesHandleAndOperations(t *testing.T) {
	bus, err := NewWithConfig(&Config{Name: "close-test"})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()
	h := bus.Handle()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := Lookup(h); err != ErrInvalidHandle {
		t.Fatalf("Lookup after Close = %v, want ErrInvalidHandle", err)
	}
	if err := bus.Produce(p, c, 0, nil, []byte("x")); err != ErrClosed {
		t.Fatalf("Produce after Close = %v, want ErrClosed", err)
	}
	if _, _, err := bus.Consume(c); err != ErrClosed {
		t.Fatalf("Consume after Close = %v, want ErrClosed", err)
	}
	// Close must be idempotent.
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConsumeConsultsTryOffloadAboveThreshold(t *testing.T) {
	var calledWith []byte
	bus := newTestBus(t, &Config{
		SegmentSlots:     16,
		MaxPayload:       64,
		OffloadThreshold: 4,
		TryOffload: func(payload []byte) bool {
			calledWith = append([]byte(nil), payload...)
			return true
		},
	})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	bus.Produce(p, c, 0, nil, []byte("small"))
	if _, _, err := bus.Consume(c); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !bytes.Equal(calledWith, []byte("small")) {
		t.Fatalf("TryOffload called with %q, want %q", calledWith, "small")
	}
}

func TestConsumeSkipsTryOffloadBelowThreshold(t *testing.T) {
	called := false
	bus := newTestBus(t, &Config{
		SegmentSlots:     16,
		MaxPayload:       64,
		OffloadThreshold: 1024,
		TryOffload:       func([]byte) bool { called = true; return true },
	})
	p, _ := bus.AttachProducer()
	c, _ := bus.AttachConsumer()

	bus.Produce(p, c, 0, nil, []byte("tiny"))
	if _, _, err := bus.Consume(c); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if called {
		t.Fatal("TryOffload was called for a payload below the threshold")
	}
}

func TestDetachProducerTwiceReturnsUnknownID(t *testing.T) {
	bus := newTestBus(t, &Config{SegmentSlots: 16, MaxPayload: 16})
	p, _ := bus.AttachProducer()

	if err := bus.DetachProducer(p); err != nil {
		t.Fatalf("DetachProducer: %v", err)
	}
	if err := bus.DetachProducer(p); err != ErrUnknownID {
		t.Fatalf("DetachProducer(already detached) = %v, want ErrUnknownID", err)
	}
}
