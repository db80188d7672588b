// feedback.go: pull-only feedback channel — Ticket issuance and the
// per-producer feedback queue fed by Bus.publishFeedback.
//
// Grounded on spec §4.5 directly; status vocabulary trimmed from
// original_source/include/feedback_handshake.h's ACK/NACK/TIMEOUT set, with
// CORRUPT added for the validate-on-read failure path (spec §4.1, §6.1).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import "sync/atomic"

// Ticket identifies a slot currently owned by a consumer in CONSUMING state,
// returned by Bus.Consume alongside the message. It is single-use: calling
// Bus.Feedback with it transitions the slot to FEEDBACK and the ticket
// becomes stale.
type Ticket struct {
	segmentIdx int
	slotIdx    uint64
	msgID      uint64
}

// Feedback is a delivery outcome record collected by the producer side via
// Bus.CollectFeedback (spec §3.1, §4.5).
type Feedback struct {
	MsgID  uint64
	Status FeedbackStatus
	Detail []byte
}

const feedbackQueueCapacity = 1024

// feedbackQueue is a bounded, lossy-under-pressure mailbox for one producer
// binding. Feedback is best-effort: a record pushed while the queue already
// holds feedbackQueueCapacity uncollected records is dropped and counted in
// dropped. The slot's own FEEDBACK→FREE reclaim does not depend on whether
// its record was collected.
type feedbackQueue struct {
	ch      chan Feedback
	dropped atomic.Uint64
}

func newFeedbackQueue() *feedbackQueue {
	return &feedbackQueue{ch: make(chan Feedback, feedbackQueueCapacity)}
}

func (q *feedbackQueue) push(f Feedback) {
	select {
	case q.ch <- f:
	default:
		q.dropped.Add(1)
	}
}

// pop returns the oldest pending feedback record, or ErrBufferEmpty if none
// is queued.
func (q *feedbackQueue) pop() (Feedback, error) {
	select {
	case f := <-q.ch:
		return f, nil
	default:
		return Feedback{}, ErrBufferEmpty
	}
}

// writeFeedback stores a status/detail pair into a CONSUMING slot ahead of
// the CONSUMING→FEEDBACK CAS. detail is truncated to maxMetaSize bytes.
func writeFeedback(s *slot, status FeedbackStatus, detail []byte) {
	n := copy(s.feedbackDetail[:], detail)
	atomic.StoreUint32(&s.feedbackDetailLen, uint32(n))
	atomic.StoreUint32(&s.feedbackStatus, uint32(status))
}
