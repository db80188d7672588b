// segment.go: one fixed-size ring of slots with per-slot atomic state.
// Single writer cursor (the segment's bound producer), many readers scan.
//
// Grounded on agilira-lethe/buffer.go's ringBuffer (CAS-based slot
// reservation, "reserve first, then write" ordering) generalized from a
// 2-state empty/full ring to the 4-state FREE/READY/CONSUMING/FEEDBACK
// lifecycle required by spec §3.2.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"math/bits"
	"sync/atomic"
)

// slotState enumerates the four legal states of a Slot (spec §3.1/§3.2).
// Transitions: FREE→READY→CONSUMING→FEEDBACK→FREE. No other transition is
// valid; only a CAS ever moves a slot between states.
type slotState int32

const (
	slotFree slotState = iota
	slotReady
	slotConsuming
	slotFeedback
)

// segmentState is the per-segment lifecycle state machine of spec §4.3:
// ACTIVE ↔ DRAINING → TOMBSTONE.
type segmentState int32

const (
	segmentActive segmentState = iota
	segmentDraining
	segmentTombstone
)

// FeedbackStatus is the status byte of a Feedback record (spec §3.1).
type FeedbackStatus uint8

const (
	FeedbackNone    FeedbackStatus = 0
	FeedbackAck     FeedbackStatus = 1
	FeedbackNack    FeedbackStatus = 2
	FeedbackTimeout FeedbackStatus = 3
	FeedbackCorrupt FeedbackStatus = 4
)

const maxMetaSize = 64

// slot is one fixed-capacity cell owning one in-flight message plus its
// feedback record (spec §3.1). Fields other than state are only ever
// touched by whichever role currently owns the slot under the state
// machine's single-owner contract (spec §8.1 invariant 1); the atomic CAS
// transitions themselves provide the happens-before edges that make plain
// field reads/writes safe across goroutines.
type slot struct {
	state atomic.Int32

	// Envelope fields, written by the producer before publish, read by the
	// consumer after it wins the READY→CONSUMING CAS.
	msgID      uint64
	producerID uint32
	consumerID uint32
	metaType   uint32
	metaLen    uint32
	meta       [maxMetaSize]byte

	// frameBuf holds the bit-exact wire frame (header+payload+trailer) for
	// this slot's current occupant, sized to the segment's configured
	// capacity at construction time. Slot bytes serve as the arena: there
	// is no separate heap allocation on the hot path (spec §9 "Arena
	// allocation" note — arena_alloc disappears, a deliberate simplification
	// vs. the original's bump allocator).
	frameBuf []byte

	// Feedback fields, written by the consumer during CONSUMING→FEEDBACK,
	// read by the producer (or a feedback collector) once FEEDBACK is
	// observed.
	feedbackStatus    uint32
	feedbackDetailLen uint32
	feedbackDetail    [maxMetaSize]byte
}

// segment owns a contiguous array of slotCount slots (power of two) and a
// monotone head counter. Slot i maps to index head_i mod slotCount (spec
// §4.2).
type segment struct {
	id       uint32
	mask     uint64
	slots    []slot
	head     atomic.Uint64 // producer cursor
	occupied atomic.Int64  // cheap in-flight estimate: not-FREE slot count
	hwm      int64         // admission threshold (spec §4.4)
	state    atomic.Int32  // segmentState

	producerID  atomic.Uint32 // bound producer id; 0 = unattached
	hasProducer atomic.Bool
}

// newSegment allocates slotCount slots (rounded up to a power of two), each
// sized to carry a payload up to maxPayload bytes plus framing overhead.
// Memory is allocated up front and zeroed (spec §3.3).
func newSegment(id uint32, slotCount int, maxPayload int, hwmFraction float64) *segment {
	n := nextPow2(uint64(slotCount))
	seg := &segment{
		id:    id,
		mask:  n - 1,
		slots: make([]slot, n),
		hwm:   int64(float64(n) * hwmFraction),
	}
	if seg.hwm < 1 {
		seg.hwm = 1
	}
	cap := frameSize(maxPayload)
	for i := range seg.slots {
		seg.slots[i].frameBuf = make([]byte, cap)
	}
	seg.state.Store(int32(segmentActive))
	return seg
}

func nextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(x-1))
}

func (seg *segment) slotCount() int { return len(seg.slots) }

func (seg *segment) attachProducer(producerID uint32) bool {
	if !seg.hasProducer.CompareAndSwap(false, true) {
		return false
	}
	seg.producerID.Store(producerID)
	return true
}

func (seg *segment) detachProducer() {
	seg.state.Store(int32(segmentDraining))
	seg.hasProducer.Store(false)
}

// isOpen reports whether the segment currently accepts new writes at all
// (ACTIVE, open for admission) irrespective of HWM.
func (seg *segment) isOpen() bool {
	return segmentState(seg.state.Load()) == segmentActive
}

// tryAdvanceTombstone moves a DRAINING segment to TOMBSTONE once every slot
// has returned to FREE (spec §4.3).
func (seg *segment) tryAdvanceTombstone() {
	if segmentState(seg.state.Load()) != segmentDraining {
		return
	}
	if seg.occupied.Load() == 0 {
		seg.state.CompareAndSwap(int32(segmentDraining), int32(segmentTombstone))
	}
}

// claim reserves the next slot for writing. It first opportunistically
// reclaims a FEEDBACK slot at that index (the producer "implicitly ACKs by
// reclaiming", spec §4.5, §9 Open Question 3), pushing the collected record
// to the supplied sink before freeing the slot. When the segment is at its
// high-water mark, it also sweeps every slot once and reclaims all FEEDBACK
// slots before deciding. It returns ErrThrottled if the segment's high-water
// mark is still reached after that sweep, or ErrBufferFull if the
// candidate slot is not free after reclaim (the producer wrapped around
// into a slot still CONSUMING/FEEDBACK-owned-by-someone-else — spec §4.2's
// "does not overwrite" rule).
func (seg *segment) claim(reclaimSink func(seq uint64, status FeedbackStatus, detail []byte)) (*slot, uint64, error) {
	if !seg.isOpen() {
		return nil, 0, ErrClosed
	}

	pos := seg.head.Load()
	idx := pos & seg.mask
	s := &seg.slots[idx]

	// Opportunistic reclaim happens before the admission check: a producer
	// that is about to overwrite its own backlog of collected-or-not
	// feedback should not be throttled by capacity its own reclaim is about
	// to free (spec §4.5's "implicitly ACKs by reclaiming").
	if slotState(s.state.Load()) == slotFeedback {
		seg.reclaim(s, reclaimSink)
	}

	if seg.occupied.Load() >= seg.hwm {
		// FEEDBACK slots still count as occupied; without this sweep a
		// segment whose hwm is below its slot count would stay throttled
		// forever, since the head never reaches those slots to reclaim them.
		for i := range seg.slots {
			seg.reclaim(&seg.slots[i], reclaimSink)
		}
		if seg.occupied.Load() >= seg.hwm {
			return nil, 0, ErrThrottled
		}
	}

	if slotState(s.state.Load()) != slotFree {
		// Wrapped around into a slot still owned by a reader (CONSUMING) or
		// by a reclaim that raced and lost. Refuse rather than overwrite.
		return nil, 0, ErrBufferFull
	}
	return s, pos, nil
}

// reclaim transitions a FEEDBACK slot back to FREE, handing its feedback
// record to reclaimSink first. Only the producer ever calls this (invariant
// 2: only the producer drives FEEDBACK→FREE).
func (seg *segment) reclaim(s *slot, sink func(seq uint64, status FeedbackStatus, detail []byte)) {
	if slotState(s.state.Load()) != slotFeedback {
		return
	}
	if sink != nil {
		status := FeedbackStatus(atomic.LoadUint32(&s.feedbackStatus))
		n := atomic.LoadUint32(&s.feedbackDetailLen)
		detail := append([]byte(nil), s.feedbackDetail[:n]...)
		sink(s.msgID, status, detail)
	}
	s.state.CompareAndSwap(int32(slotFeedback), int32(slotFree))
	seg.occupied.Add(-1)
}

// commit publishes a slot previously returned by claim. It must be called
// exactly once per successful claim, after the slot's bytes have been fully
// written (commit is one-shot: spec §4.2 — "failing after the CAS is a
// protocol violation").
func (seg *segment) commit(s *slot, pos uint64) bool {
	if !s.state.CompareAndSwap(int32(slotFree), int32(slotReady)) {
		return false
	}
	seg.head.CompareAndSwap(pos, pos+1)
	seg.occupied.Add(1)
	return true
}

// scanResult carries everything a winning consumer needs out of a single
// slot examination.
type scanResult struct {
	s       *slot
	idx     uint64
	hdr     frameHeader
	payload []byte
	corrupt bool
}

// scanFor looks for a READY slot addressed to consumerID, in index order
// (spec §4.3: "within a segment, scan slots in index order"). It wins
// ownership via CAS before returning so the caller has exclusive read
// access. Returns false if no matching slot was found this pass.
func (seg *segment) scanFor(consumerID uint32) (scanResult, bool) {
	n := uint64(len(seg.slots))
	for i := uint64(0); i < n; i++ {
		s := &seg.slots[i]
		if slotState(s.state.Load()) != slotReady {
			continue
		}
		if atomic.LoadUint32(&s.consumerID) != consumerID {
			continue
		}
		if !s.state.CompareAndSwap(int32(slotReady), int32(slotConsuming)) {
			continue // another consumer won the race
		}
		hdr, payload, ok := validateFrame(s.frameBuf)
		return scanResult{s: s, idx: i, hdr: hdr, payload: payload, corrupt: !ok}, true
	}
	return scanResult{}, false
}
