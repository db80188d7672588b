// bus.go: Bus façade — attach/detach, Produce, Consume, Feedback,
// CollectFeedback, Stats, Close.
//
// Grounded on agilira-lethe/lethe.go's constructor ladder (New/
// NewWithConfig/Config) and closeOnce-guarded Close, generalized from a
// single-file logger to a multi-segment, multi-producer, multi-consumer
// bus.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"sync"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

// producerBinding is the state a single attached producer owns: which
// segment it writes to, and its private feedback mailbox.
type producerBinding struct {
	id       uint32
	segIdx   int
	feedback *feedbackQueue
}

// MessageView is a consumed message, copied out of its slot (spec §4.2:
// "consumers must not retain pointers into the slot"). Meta and Payload are
// independently owned byte slices, safe to keep past the Consume call.
type MessageView struct {
	MsgID       uint64
	ProducerID  uint32
	ConsumerID  uint32
	MetaType    uint32
	Meta        []byte
	Payload     []byte
	Seq         uint64
	TimestampUs uint64
}

// Bus is a multi-segment, multi-producer, multi-consumer in-process message
// bus (spec §2). Zero locks guard the claim/commit/scan/consume hot path;
// a Bus is safe for concurrent use by any number of attached producers and
// consumers.
type Bus struct {
	name   string
	cfg    Config
	ring   *segmentRing
	logger *zap.Logger

	timeCache *timecache.TimeCache
	seq       atomic.Uint64
	stats     busStats

	handle uint32

	producersMu    sync.RWMutex
	producers      map[uint32]*producerBinding
	nextProducerID atomic.Uint32

	consumersMu    sync.RWMutex
	consumers      map[uint32]*consumerCursor
	nextConsumerID atomic.Uint32

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a Bus with default configuration (spec §6.1 bus_create).
func New(name string) (*Bus, error) {
	return NewWithConfig(&Config{Name: name})
}

// NewWithConfig creates a Bus from an explicit Config, filling unset fields
// with safe defaults (mirrors the teacher's NewWithConfig default-filling
// pattern in lethe.go).
func NewWithConfig(cfg *Config) (*Bus, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}

	b := &Bus{
		name:      c.Name,
		cfg:       c,
		ring:      newSegmentRing(c.SegmentCount, c.SegmentSlots, c.MaxPayload, c.HWMFraction),
		logger:    c.Logger,
		timeCache: timecache.NewWithResolution(time.Microsecond),
		producers: make(map[uint32]*producerBinding),
		consumers: make(map[uint32]*consumerCursor),
	}
	b.handle = globalRegistry.register(b)
	b.logger.Info("bus created",
		zap.String("name", b.name),
		zap.Int("segment_count", c.SegmentCount),
		zap.Int("segment_slots", c.SegmentSlots),
		zap.Int("max_payload", c.MaxPayload),
		zap.Float64("hwm_fraction", c.HWMFraction),
	)
	return b, nil
}

// Handle returns the process-wide handle for this Bus, resolvable via the
// package-level Lookup function (spec §4.7, §6.1).
func (b *Bus) Handle() uint32 { return b.handle }

// AttachProducer binds a new producer to a free segment among the bus's
// fixed segment count and returns its id (spec §4.3 "a segment has exactly
// one logical producer at a time"). Once every segment has been attached to
// and later detached from, the bus has no ACTIVE segment left to offer and
// AttachProducer returns ErrOOM (spec §6.1 attach_producer, §6.3
// "SEGMENT_COUNT fixed at creation time").
func (b *Bus) AttachProducer() (uint32, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	id := b.nextProducerID.Add(1)
	segIdx, ok := b.ring.attachProducer(id)
	if !ok {
		return 0, ErrOOM
	}

	b.producersMu.Lock()
	b.producers[id] = &producerBinding{id: id, segIdx: segIdx, feedback: newFeedbackQueue()}
	b.producersMu.Unlock()

	b.logger.Debug("producer attached", zap.Uint32("producer_id", id), zap.Int("segment", segIdx))
	return id, nil
}

// DetachProducer releases a producer's segment binding. The segment moves
// to DRAINING (spec §4.3): producers can no longer write to it, and
// consumers still read its READY slots. The Bus never advances a DRAINING
// segment to TOMBSTONE; it stays DRAINING for the rest of the bus's life.
func (b *Bus) DetachProducer(producerID uint32) error {
	b.producersMu.Lock()
	binding, ok := b.producers[producerID]
	if ok {
		delete(b.producers, producerID)
	}
	b.producersMu.Unlock()
	if !ok {
		return ErrUnknownID
	}
	b.logger.Debug("producer detached", zap.Uint32("producer_id", producerID))
	return b.ring.detachSegment(binding.segIdx)
}

// AttachConsumer registers a new consumer and returns its id. A consumer
// scans all non-tombstoned segments round-robin (spec §4.3).
func (b *Bus) AttachConsumer() (uint32, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	id := b.nextConsumerID.Add(1)
	b.consumersMu.Lock()
	b.consumers[id] = &consumerCursor{}
	b.consumersMu.Unlock()
	b.logger.Debug("consumer attached", zap.Uint32("consumer_id", id))
	return id, nil
}

// DetachConsumer removes a consumer's round-robin cursor. Messages already
// addressed to it stay READY in their slots: no other consumer takes them
// and the producer's reclaim only frees FEEDBACK slots, so a claim that
// wraps around to one of those slots returns ErrBufferFull.
func (b *Bus) DetachConsumer(consumerID uint32) error {
	b.consumersMu.Lock()
	_, ok := b.consumers[consumerID]
	delete(b.consumers, consumerID)
	b.consumersMu.Unlock()
	if !ok {
		return ErrUnknownID
	}
	b.logger.Debug("consumer detached", zap.Uint32("consumer_id", consumerID))
	return nil
}

// Produce admits a message onto producerID's bound segment, addressed to
// consumerID (spec §4.2, §6.1 submit_message). It returns ErrThrottled if
// the segment's high-water mark is reached, ErrBufferFull if the segment is
// physically full, and ErrMsgTooLarge if payload exceeds the bus's
// configured MaxPayload.
func (b *Bus) Produce(producerID, consumerID uint32, metaType uint32, meta, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(payload) > b.cfg.MaxPayload {
		return ErrMsgTooLarge
	}

	b.producersMu.RLock()
	binding, ok := b.producers[producerID]
	b.producersMu.RUnlock()
	if !ok {
		return ErrUnknownID
	}

	seg, ok := b.ring.segmentAt(binding.segIdx)
	if !ok {
		return ErrUnknownID
	}

	// No reclaim sink is passed here: feedback is already delivered to the
	// producer's queue eagerly, at the moment the slot transitions to
	// FEEDBACK (see publishFeedback). claim's opportunistic reclaim only
	// needs to free the slot's bytes for reuse, not redeliver the record.
	s, pos, err := seg.claim(nil)
	if err != nil {
		b.stats.recordFailedWrite(err == ErrThrottled)
		return err
	}

	msgID := b.seq.Add(1)
	s.msgID = msgID
	s.producerID = producerID
	s.consumerID = consumerID
	s.metaType = metaType
	s.metaLen = uint32(copy(s.meta[:], meta))

	ts := uint64(b.timeCache.CachedTime().UnixMicro())
	encodeFrame(s.frameBuf, msgID, ts, payload)

	if !seg.commit(s, pos) {
		b.stats.recordFailedWrite(false)
		return ErrBufferFull
	}
	b.stats.recordWrite(len(payload))
	return nil
}

// Consume looks for the next message addressed to consumerID, scanning all
// live segments round-robin (spec §4.2, §6.1 read_message). It returns
// ErrBufferEmpty if nothing is currently available, or ErrCorruptedData if
// the next addressed message failed its integrity check — in that case the
// slot is moved straight to FEEDBACK with a CORRUPT record and no
// MessageView is produced.
func (b *Bus) Consume(consumerID uint32) (MessageView, Ticket, error) {
	if b.closed.Load() {
		return MessageView{}, Ticket{}, ErrClosed
	}
	b.consumersMu.RLock()
	cur, ok := b.consumers[consumerID]
	b.consumersMu.RUnlock()
	if !ok {
		return MessageView{}, Ticket{}, ErrUnknownID
	}

	res, segIdx, ok := b.ring.scanNext(cur, consumerID)
	if !ok {
		b.stats.recordFailedRead()
		return MessageView{}, Ticket{}, ErrBufferEmpty
	}

	if res.corrupt {
		writeFeedback(res.s, FeedbackCorrupt, nil)
		res.s.state.CompareAndSwap(int32(slotConsuming), int32(slotFeedback))
		b.publishFeedback(res.s.producerID, Feedback{MsgID: res.s.msgID, Status: FeedbackCorrupt})
		b.stats.recordCorruption()
		b.stats.recordFailedRead()
		b.logger.Warn("corrupted message dropped",
			zap.Int("segment", segIdx), zap.Uint64("slot", res.idx))
		return MessageView{}, Ticket{}, ErrCorruptedData
	}

	if b.cfg.TryOffload != nil && len(res.payload) >= b.cfg.OffloadThreshold {
		b.cfg.TryOffload(res.payload)
	}

	view := MessageView{
		MsgID:       res.s.msgID,
		ProducerID:  res.s.producerID,
		ConsumerID:  res.s.consumerID,
		MetaType:    res.s.metaType,
		Meta:        append([]byte(nil), res.s.meta[:res.s.metaLen]...),
		Payload:     append([]byte(nil), res.payload...),
		Seq:         res.hdr.seq,
		TimestampUs: res.hdr.timestampUs,
	}
	ticket := Ticket{segmentIdx: segIdx, slotIdx: res.idx, msgID: res.s.msgID}

	b.stats.recordRead(len(view.Payload))
	return view, ticket, nil
}

// Feedback records a delivery outcome for a message previously returned by
// Consume and transitions its slot CONSUMING→FEEDBACK (spec §4.5, §6.1
// send_feedback). A Ticket is single-use: calling Feedback twice with the
// same Ticket returns ErrInvalidTicket.
func (b *Bus) Feedback(ticket Ticket, status FeedbackStatus, detail []byte) error {
	seg, ok := b.ring.segmentAt(ticket.segmentIdx)
	if !ok {
		return ErrInvalidTicket
	}
	if ticket.slotIdx >= uint64(len(seg.slots)) {
		return ErrInvalidTicket
	}
	s := &seg.slots[ticket.slotIdx]
	if slotState(s.state.Load()) != slotConsuming || s.msgID != ticket.msgID {
		return ErrInvalidTicket
	}
	writeFeedback(s, status, detail)
	if !s.state.CompareAndSwap(int32(slotConsuming), int32(slotFeedback)) {
		return ErrInvalidTicket
	}
	b.publishFeedback(s.producerID, Feedback{MsgID: s.msgID, Status: status, Detail: detail})
	return nil
}

// publishFeedback makes a feedback record visible to CollectFeedback(producerID)
// immediately upon the slot's CONSUMING→FEEDBACK transition. This is
// independent of the slot's own FEEDBACK→FREE reclaim, which still happens
// lazily on the producer's next claim at that index (spec §4.5, §9 Open
// Question 3) — only the physical slot bytes wait for reclaim; the
// feedback record itself does not. A producer that has since detached has
// no binding to deliver to, and the record is simply dropped.
func (b *Bus) publishFeedback(producerID uint32, fb Feedback) {
	b.producersMu.RLock()
	binding, ok := b.producers[producerID]
	b.producersMu.RUnlock()
	if ok {
		binding.feedback.push(fb)
	}
}

// CollectFeedback pulls the oldest pending feedback record for a producer
// (spec §4.5, §6.1 poll_feedback — pull-only, never a callback). Returns
// ErrBufferEmpty if nothing is queued.
func (b *Bus) CollectFeedback(producerID uint32) (Feedback, error) {
	b.producersMu.RLock()
	binding, ok := b.producers[producerID]
	b.producersMu.RUnlock()
	if !ok {
		return Feedback{}, ErrUnknownID
	}
	return binding.feedback.pop()
}

// Stats returns a point-in-time snapshot of bus-wide counters (spec §7).
func (b *Bus) Stats() Stats { return b.stats.snapshot() }

// Close destroys the bus: the handle registry entry is removed and the time
// cache is stopped; segments are left as they are. After Close,
// AttachProducer, AttachConsumer, Produce and Consume return ErrClosed,
// Lookup of the handle returns ErrInvalidHandle, and Handle's value is never
// reissued to another Bus (spec §3.2 invariant 7). DetachProducer,
// DetachConsumer, Feedback, CollectFeedback and Stats do not check for
// Close and keep working on the bus's existing state.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		globalRegistry.unregister(b.handle)
		b.timeCache.Stop()
		b.logger.Info("bus closed", zap.String("name", b.name))
	})
	return nil
}
