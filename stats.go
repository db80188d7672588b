// stats.go: atomic counters and the Stats snapshot, plus an optional
// prometheus.Collector adapter.
//
// Grounded on agilira-lethe/lethe.go's Stats()/Stats struct shape (atomic
// loads assembled into a plain struct on demand); Prometheus export follows
// github.com/prometheus/client_golang/prometheus's documented
// Describe/Collect contract (grafana-tempo's direct dependency — no file in
// the pack hand-rolls a Collector, so this is out-of-pack but grounded in
// the library's own documented interface, not guessed at).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// busStats holds the bus-wide atomic counters described in spec §3.1/§7.
type busStats struct {
	written        atomic.Uint64
	read           atomic.Uint64
	bytesWritten   atomic.Uint64
	bytesRead      atomic.Uint64
	failedWrites   atomic.Uint64
	failedReads    atomic.Uint64
	throttled      atomic.Uint64
	corrupted      atomic.Uint64
	currentPending atomic.Int64
	peakPending    atomic.Int64
}

func (st *busStats) recordWrite(n int) {
	st.written.Add(1)
	st.bytesWritten.Add(uint64(n))
	pending := st.currentPending.Add(1)
	for {
		peak := st.peakPending.Load()
		if pending <= peak || st.peakPending.CompareAndSwap(peak, pending) {
			break
		}
	}
}

func (st *busStats) recordRead(n int) {
	st.read.Add(1)
	st.bytesRead.Add(uint64(n))
	st.currentPending.Add(-1)
}

func (st *busStats) recordFailedWrite(throttled bool) {
	st.failedWrites.Add(1)
	if throttled {
		st.throttled.Add(1)
	}
}

func (st *busStats) recordFailedRead() { st.failedReads.Add(1) }

// recordCorruption moves a message out of currentPending into the corrupted
// bucket, preserving the conservation invariant
// written == read + current_pending + corrupted at quiescence (spec §8.1
// invariant 3).
func (st *busStats) recordCorruption() {
	st.corrupted.Add(1)
	st.currentPending.Add(-1)
}

// Stats is a point-in-time snapshot of a Bus's counters (spec §7). All
// fields are read with a single atomic load each; the snapshot as a whole
// is not transactionally consistent across fields, matching the teacher's
// own Stats() semantics.
type Stats struct {
	Written        uint64 `json:"written"`
	Read           uint64 `json:"read"`
	BytesWritten   uint64 `json:"bytes_written"`
	BytesRead      uint64 `json:"bytes_read"`
	FailedWrites   uint64 `json:"failed_writes"`
	FailedReads    uint64 `json:"failed_reads"`
	Throttled      uint64 `json:"throttled"`
	Corrupted      uint64 `json:"corrupted"`
	CurrentPending int64  `json:"current_pending"`
	PeakPending    int64  `json:"peak_pending"`
}

func (st *busStats) snapshot() Stats {
	return Stats{
		Written:        st.written.Load(),
		Read:           st.read.Load(),
		BytesWritten:   st.bytesWritten.Load(),
		BytesRead:      st.bytesRead.Load(),
		FailedWrites:   st.failedWrites.Load(),
		FailedReads:    st.failedReads.Load(),
		Throttled:      st.throttled.Load(),
		Corrupted:      st.corrupted.Load(),
		CurrentPending: st.currentPending.Load(),
		PeakPending:    st.peakPending.Load(),
	}
}

// PrometheusCollector adapts a Bus's Stats to prometheus.Collector so it can
// be registered with a prometheus.Registry. It is entirely optional: nothing
// in the core bus requires it (spec §7 names it as an "optionally exposed"
// surface).
type PrometheusCollector struct {
	bus *Bus

	written      *prometheus.Desc
	read         *prometheus.Desc
	bytesWritten *prometheus.Desc
	bytesRead    *prometheus.Desc
	failedWrites *prometheus.Desc
	failedReads  *prometheus.Desc
	throttled    *prometheus.Desc
	corrupted    *prometheus.Desc
	pending      *prometheus.Desc
	peakPending  *prometheus.Desc
}

// NewPrometheusCollector builds a collector over bus's counters, labeled with
// the bus's configured name (or "default" if unnamed).
func NewPrometheusCollector(bus *Bus) *PrometheusCollector {
	labels := prometheus.Labels{"bus": bus.name}
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("ringbus_"+name, help, nil, labels)
	}
	return &PrometheusCollector{
		bus:          bus,
		written:      mk("messages_written_total", "Messages successfully admitted."),
		read:         mk("messages_read_total", "Messages successfully consumed."),
		bytesWritten: mk("bytes_written_total", "Payload bytes successfully admitted."),
		bytesRead:    mk("bytes_read_total", "Payload bytes successfully consumed."),
		failedWrites: mk("failed_writes_total", "Produce calls that did not admit a message."),
		failedReads:  mk("failed_reads_total", "Consume calls that found nothing available or hit a failed integrity check."),
		throttled:    mk("throttled_writes_total", "Produce calls rejected by the high-water mark."),
		corrupted:    mk("corrupted_reads_total", "Consume calls that hit a failed integrity check."),
		pending:      mk("pending_messages", "Messages currently admitted but not yet consumed."),
		peakPending:  mk("peak_pending_messages", "High-water mark of pending_messages observed so far."),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.written
	ch <- c.read
	ch <- c.bytesWritten
	ch <- c.bytesRead
	ch <- c.failedWrites
	ch <- c.failedReads
	ch <- c.throttled
	ch <- c.corrupted
	ch <- c.pending
	ch <- c.peakPending
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.written, prometheus.CounterValue, float64(s.Written))
	ch <- prometheus.MustNewConstMetric(c.read, prometheus.CounterValue, float64(s.Read))
	ch <- prometheus.MustNewConstMetric(c.bytesWritten, prometheus.CounterValue, float64(s.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.bytesRead, prometheus.CounterValue, float64(s.BytesRead))
	ch <- prometheus.MustNewConstMetric(c.failedWrites, prometheus.CounterValue, float64(s.FailedWrites))
	ch <- prometheus.MustNewConstMetric(c.failedReads, prometheus.CounterValue, float64(s.FailedReads))
	ch <- prometheus.MustNewConstMetric(c.throttled, prometheus.CounterValue, float64(s.Throttled))
	ch <- prometheus.MustNewConstMetric(c.corrupted, prometheus.CounterValue, float64(s.Corrupted))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.CurrentPending))
	ch <- prometheus.MustNewConstMetric(c.peakPending, prometheus.GaugeValue, float64(s.PeakPending))
}
