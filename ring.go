// ring.go: SegmentRing — a fixed-indexed collection of segments with
// round-robin attach/detach and consumer scanning.
//
// Grounded on original_source/include/segment_ring.h's segment_ring_next
// (round-robin over a fixed BiBuffer array), kept as a fixed-length Go slice
// of segments built at construction, with a lightweight read-write mutex
// around segment lookups (spec §5: "attach/detach may serialize on a
// per-bus lightweight mutex" — the segment-level claim/commit/scanFor code
// never takes it).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"sync"
	"sync/atomic"
)

// segmentRing owns the fixed set of segments a Bus multiplexes over.
// Segments are allocated up front at construction time and never added to
// or removed from the slice afterward (spec §3.3 "memory is allocated up
// front", §6.3 "SEGMENT_COUNT fixed at creation time"); a detached segment
// is only ever marked DRAINING then TOMBSTONE and left in place, so
// consumer cursors and outstanding tickets keep referring to a stable index
// for the bus's lifetime, and its index is never handed to a new producer
// (spec §3.2 invariant 6, §3.1 "Indices are never reused after detach").
type segmentRing struct {
	mu       sync.RWMutex
	segments []*segment
}

// newSegmentRing preallocates count segments, each with slotCount slots
// (spec §3.3). count is clamped to at least 1.
func newSegmentRing(count, slotCount, maxPayload int, hwmFraction float64) *segmentRing {
	if count < 1 {
		count = 1
	}
	segs := make([]*segment, count)
	for i := range segs {
		segs[i] = newSegment(uint32(i), slotCount, maxPayload, hwmFraction)
	}
	return &segmentRing{segments: segs}
}

// attachProducer binds producerID to the first ACTIVE segment without a
// live producer. Segments that have already drained a previous producer are
// DRAINING or TOMBSTONE, never ACTIVE again, so they are never handed to a
// new producer (spec §3.1 "Indices are never reused after detach"). Returns
// the segment index and true on success, or false if every segment is
// already bound or retired — the fixed segment count is exhausted (spec
// §6.1 attach_producer's OOM error).
func (r *segmentRing) attachProducer(producerID uint32) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, seg := range r.segments {
		if !seg.isOpen() {
			continue
		}
		if seg.attachProducer(producerID) {
			return i, true
		}
	}
	return -1, false
}

// detachSegment moves the segment at idx into DRAINING (spec §4.3). It does
// not advance the segment to TOMBSTONE; only tryAdvanceTombstone does that.
func (r *segmentRing) detachSegment(idx int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.segments) {
		return ErrUnknownID
	}
	r.segments[idx].detachProducer()
	return nil
}

func (r *segmentRing) segmentAt(idx int) (*segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.segments) {
		return nil, false
	}
	return r.segments[idx], true
}

func (r *segmentRing) snapshot() []*segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*segment, len(r.segments))
	copy(out, r.segments)
	return out
}

// consumerCursor is the per-consumer round-robin position over segments, so
// repeated Consume calls from the same consumer sweep the ring fairly
// instead of always starting at segment 0 (spec §4.3's starvation bound:
// "every READY slot addressed to a live consumer is eventually observed
// within N*S scan steps").
type consumerCursor struct {
	pos atomic.Uint32
}

// scanNext performs one fairness-rotated sweep over all segments looking for
// a READY slot addressed to consumerID. It advances the cursor regardless of
// whether a match was found, so a busy segment cannot starve the others.
func (r *segmentRing) scanNext(cur *consumerCursor, consumerID uint32) (scanResult, int, bool) {
	segs := r.snapshot()
	n := len(segs)
	if n == 0 {
		return scanResult{}, -1, false
	}
	start := int(cur.pos.Add(1)-1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		seg := segs[idx]
		if segmentState(seg.state.Load()) == segmentTombstone {
			continue
		}
		if res, ok := seg.scanFor(consumerID); ok {
			return res, idx, true
		}
	}
	return scanResult{}, -1, false
}
