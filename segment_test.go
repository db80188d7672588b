// segment_test.go: slot state machine and admission controller tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import "testing"

func produceTestMessage(t *testing.T, seg *segment, payload []byte) {
	t.Helper()
	s, pos, err := seg.claim(nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	s.msgID = pos + 1
	encodeFrame(s.frameBuf, pos, 0, payload)
	if !seg.commit(s, pos) {
		t.Fatalf("commit failed")
	}
}

func TestSegmentClaimCommitScan(t *testing.T) {
	seg := newSegment(1, 16, 64, 0.8)
	produceTestMessage(t, seg, []byte("hi"))

	res, ok := seg.scanFor(0)
	if !ok {
		t.Fatal("expected to find the committed message")
	}
	if res.corrupt {
		t.Fatal("message should not be flagged corrupt")
	}
	if string(res.payload) != "hi" {
		t.Fatalf("payload = %q, want %q", res.payload, "hi")
	}
	if slotState(res.s.state.Load()) != slotConsuming {
		t.Fatalf("slot state after scanFor = %v, want CONSUMING", res.s.state.Load())
	}
}

func TestSegmentScanForSkipsOtherConsumers(t *testing.T) {
	seg := newSegment(1, 16, 64, 0.8)
	s, pos, err := seg.claim(nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	s.consumerID = 7
	encodeFrame(s.frameBuf, pos, 0, []byte("x"))
	seg.commit(s, pos)

	if _, ok := seg.scanFor(3); ok {
		t.Fatal("scanFor matched a message addressed to a different consumer")
	}
	if _, ok := seg.scanFor(7); !ok {
		t.Fatal("scanFor failed to match the message's actual consumer")
	}
}

func TestSegmentAdmissionThrottles(t *testing.T) {
	seg := newSegment(1, 16, 64, 0.5) // hwm = 8
	for i := 0; i < 8; i++ {
		produceTestMessage(t, seg, []byte("x"))
	}
	_, _, err := seg.claim(nil)
	if err != ErrThrottled {
		t.Fatalf("claim at HWM = %v, want ErrThrottled", err)
	}
}

func TestSegmentClaimRefusesOverwriteWhenWrapped(t *testing.T) {
	seg := newSegment(1, 16, 64, 1.0) // hwm = slotCount, i.e. disabled in practice
	// Simulate a consumer mid-read on slot 0 while admission (occupied well
	// under hwm) would otherwise allow the claim through: the slot-level
	// check must still refuse rather than overwrite a live reader.
	seg.slots[0].state.Store(int32(slotConsuming))
	seg.occupied.Store(1)

	_, _, err := seg.claim(nil)
	if err != ErrBufferFull {
		t.Fatalf("claim into a CONSUMING slot = %v, want ErrBufferFull", err)
	}
}

func TestSegmentLazyReclaimOnNextClaim(t *testing.T) {
	seg := newSegment(1, 16, 64, 1.0)
	produceTestMessage(t, seg, []byte("x"))

	res, ok := seg.scanFor(0)
	if !ok {
		t.Fatal("expected a message")
	}
	writeFeedback(res.s, FeedbackAck, nil)
	if !res.s.state.CompareAndSwap(int32(slotConsuming), int32(slotFeedback)) {
		t.Fatal("failed to transition to FEEDBACK")
	}

	// Slot 0 is FEEDBACK, not FREE, yet occupied still counts it — reclaim
	// must not have happened yet (spec's lazy reclaim decision).
	if slotState(seg.slots[0].state.Load()) != slotFeedback {
		t.Fatal("slot transitioned out of FEEDBACK before any reclaim attempt")
	}

	var collected []Feedback
	sink := func(msgID uint64, status FeedbackStatus, detail []byte) {
		collected = append(collected, Feedback{MsgID: msgID, Status: status, Detail: detail})
	}

	// head is at 1 after the first commit; the ring has 16 slots so the
	// next 15 claims land elsewhere. Drain them all before wrapping back to
	// slot 0 to force the lazy reclaim.
	for i := 0; i < 15; i++ {
		s, pos, err := seg.claim(sink)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		encodeFrame(s.frameBuf, pos, 0, []byte("y"))
		seg.commit(s, pos)
	}

	if len(collected) != 0 {
		t.Fatalf("feedback collected before wraparound: %d records", len(collected))
	}

	if _, _, err := seg.claim(sink); err != nil {
		t.Fatalf("wraparound claim: %v", err)
	}
	if len(collected) != 1 {
		t.Fatalf("expected exactly one reclaimed feedback record, got %d", len(collected))
	}
	if collected[0].Status != FeedbackAck {
		t.Fatalf("reclaimed status = %v, want FeedbackAck", collected[0].Status)
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 16: 16, 17: 32}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
