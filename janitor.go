// janitor.go: optional background reclaimer for slots stuck in CONSUMING
// past a staleness threshold. NOT part of the core bus — spec §5 explicitly
// scopes this out of the required surface while inviting it to be "possible
// to build from the primitives". It works on the bus's package-internal
// state directly (segment snapshot, slot state CAS, frame validation,
// feedback publication), not through the exported Bus methods.
//
// Grounded on agilira-lethe/rotation.go's BackgroundWorkers: a ctx-cancel
// goroutine pool with a stopOnce-guarded shutdown, narrowed from a
// multi-task worker queue to a single periodic reap loop.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically scans a Bus for CONSUMING slots whose message was
// produced at least staleAfter ago (age is measured from the frame's
// timestamp, not from when consumption began) and forces them into FEEDBACK
// with a TIMEOUT record, so a crashed or hung consumer cannot wedge a slot
// forever. It is
// an embedder convenience, not a requirement for correct bus operation.
type Janitor struct {
	bus        *Bus
	staleAfter time.Duration
	interval   time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	reapCount atomic.Uint64
}

// NewJanitor starts a background goroutine that reaps stuck CONSUMING
// slots on bus every interval, once their message's frame timestamp is at
// least staleAfter old. Call Stop to shut it down.
func NewJanitor(bus *Bus, staleAfter, interval time.Duration) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		bus:        bus,
		staleAfter: staleAfter,
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
	}
	j.wg.Add(1)
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.reapOnce()
		}
	}
}

// reapOnce sweeps every segment for CONSUMING slots whose frame timestamp
// is older than staleAfter and forces a TIMEOUT feedback record, matching
// the outcome a well-behaved consumer would have produced by calling
// Bus.Feedback itself.
func (j *Janitor) reapOnce() {
	now := j.bus.timeCache.CachedTime().UnixMicro()
	threshold := uint64(j.staleAfter.Microseconds())

	for _, seg := range j.bus.ring.snapshot() {
		for i := range seg.slots {
			s := &seg.slots[i]
			if slotState(s.state.Load()) != slotConsuming {
				continue
			}
			hdr, _, ok := validateFrame(s.frameBuf)
			if !ok {
				continue
			}
			age := uint64(now) - hdr.timestampUs
			if age < threshold {
				continue
			}
			writeFeedback(s, FeedbackTimeout, nil)
			if s.state.CompareAndSwap(int32(slotConsuming), int32(slotFeedback)) {
				j.bus.publishFeedback(s.producerID, Feedback{MsgID: s.msgID, Status: FeedbackTimeout})
				j.reapCount.Add(1)
				j.bus.logger.Warn("janitor reclaimed stuck slot",
					zap.Uint32("segment", seg.id), zap.Int("slot", i))
			}
		}
	}
}

// ReapCount returns how many slots this janitor has forced into FEEDBACK so
// far.
func (j *Janitor) ReapCount() uint64 { return j.reapCount.Load() }

// Stop halts the janitor's background goroutine and waits for it to exit.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		j.cancel()
		j.wg.Wait()
	})
}
