// config.go: Bus configuration, validation, and the string-size parsing
// helper carried over from the teacher's config idiom.
//
// Grounded on agilira-lethe/config.go's ParseSize suffix-parsing (kept
// verbatim in spirit: same unit table, same case-insensitive matching),
// narrowed to this package's simpler numeric bounds — no duration strings
// are needed since the bus has no time-based rotation.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// MinSegmentSlots and MaxSegmentSlots bound the slot_count of a single
	// segment (spec §3.3, §6.3).
	MinSegmentSlots = 16
	MaxSegmentSlots = 1 << 20

	// MinMaxPayload and MaxMaxPayload bound Config.MaxPayload, the
	// per-message payload ceiling a segment is built to carry (spec §6.3).
	MinMaxPayload = 1
	MaxMaxPayload = MaxMessageSize

	// DefaultHWMFraction is the default admission threshold: 80% of
	// slot_count (spec §4.4, §9 Open Question 2).
	DefaultHWMFraction = 0.8

	// MinBufferSizeMiB and MaxBufferSizeMiB bound Config.SizeMiB/Config.Size
	// (spec §6.1 create_buffer's size_mib ∈ [1,64], §6.3
	// MIN_BUFFER_SIZE/MAX_BUFFER_SIZE).
	MinBufferSizeMiB = 1
	MaxBufferSizeMiB = 64

	// DefaultSegmentCount and MaxSegmentCount bound Config.SegmentCount, the
	// fixed number of segments a Bus allocates up front at construction time
	// (spec §3.3, §6.3: "SEGMENT_COUNT fixed at creation time ... any power
	// of two in [1, 64] is conforming").
	DefaultSegmentCount = 4
	MaxSegmentCount     = 64
)

// Config configures a new Bus (spec §3.3, §6.1 bus_create). Zero-value
// fields are replaced with safe defaults by NewWithConfig, mirroring the
// teacher's NewWithConfig default-filling pattern in lethe.go.
type Config struct {
	// Name labels the bus in logs and Prometheus label values. Defaults to
	// "default".
	Name string

	// SizeMiB is the total memory budget for the bus, in mebibytes (spec
	// §6.1 create_buffer's size_mib, §6.3 MIN_BUFFER_SIZE/MAX_BUFFER_SIZE).
	// Must be in [MinBufferSizeMiB, MaxBufferSizeMiB] when set. When set and
	// SegmentSlots is left at zero, SegmentSlots is derived from
	// SizeMiB/SegmentCount and MaxPayload instead of defaulting to 1024, so
	// the whole budget is allocated up front across the fixed segment count
	// (spec §3.3: "memory is allocated up front"). Leave at zero to size the
	// bus directly via SegmentSlots instead.
	SizeMiB int

	// Size is a human-readable alternative to SizeMiB, parsed with
	// ParseSize (e.g. "4MB", "64MB"). If both are set, SizeMiB wins.
	Size string

	// SegmentCount is the fixed number of segments allocated up front at
	// construction time (spec §3.3, §6.3). Rounded up to the next power of
	// two. Defaults to DefaultSegmentCount (4). A segment's index is never
	// reused once its producer detaches (spec §3.2 invariant 6, §4.3): once
	// every segment has been attached to and detached from, the bus can no
	// longer accept new producers and AttachProducer returns ErrOOM.
	SegmentCount int

	// SegmentSlots is the number of slots per segment, rounded up to the
	// next power of two. Defaults to 1024, or to a value derived from
	// SizeMiB/SegmentCount when SizeMiB is set.
	SegmentSlots int

	// MaxPayload is the largest payload, in bytes, any message on this bus
	// may carry. Defaults to 4096. Must not exceed MaxMessageSize.
	MaxPayload int

	// HWMFraction is the fraction of SegmentSlots at which a segment starts
	// refusing admission (spec §4.4). Defaults to DefaultHWMFraction. Must
	// be in (0, 1].
	HWMFraction float64

	// Logger receives lifecycle events (create/close, attach/detach,
	// corruption detections, janitor reclaims) — never called from the
	// claim/commit/scan hot path. Defaults to a no-op logger.
	Logger *zap.Logger

	// TryOffload is the opt-in GPU/external-processor hook (spec §6.4): for
	// payloads at or above OffloadThreshold, Consume calls it after a
	// successful integrity check, purely as a signal to the embedder. Its
	// return value has no effect on correctness — the message is always
	// delivered to the caller regardless of what TryOffload reports. nil
	// (the default) means the hook is never consulted.
	TryOffload func(payload []byte) bool

	// OffloadThreshold is the payload size, in bytes, at or above which
	// TryOffload is consulted. Defaults to 1 MiB (spec §6.4). Ignored if
	// TryOffload is nil.
	OffloadThreshold int
}

// validate fills defaults and checks bounds, returning ErrInvalidParams
// wrapped with a descriptive message on failure.
func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "default"
	}

	if c.SegmentCount == 0 {
		c.SegmentCount = DefaultSegmentCount
	}
	if c.SegmentCount < 1 || c.SegmentCount > MaxSegmentCount {
		return fmt.Errorf("%w: segment_count %d out of range [1, %d]", ErrInvalidParams, c.SegmentCount, MaxSegmentCount)
	}
	c.SegmentCount = int(nextPow2(uint64(c.SegmentCount)))

	if c.MaxPayload == 0 {
		c.MaxPayload = 4096
	}
	if c.MaxPayload < MinMaxPayload || c.MaxPayload > MaxMaxPayload {
		return fmt.Errorf("%w: max_payload %d out of range [%d, %d]", ErrInvalidParams, c.MaxPayload, MinMaxPayload, MaxMaxPayload)
	}

	if c.Size != "" {
		bytes, err := ParseSize(c.Size)
		if err != nil {
			return fmt.Errorf("%w: size %q: %v", ErrInvalidParams, c.Size, err)
		}
		if c.SizeMiB == 0 {
			c.SizeMiB = int(bytes / (1024 * 1024))
		}
	}

	if c.SizeMiB != 0 {
		if c.SizeMiB < MinBufferSizeMiB || c.SizeMiB > MaxBufferSizeMiB {
			return fmt.Errorf("%w: size_mib %d out of range [%d, %d]", ErrInvalidParams, c.SizeMiB, MinBufferSizeMiB, MaxBufferSizeMiB)
		}
		if c.SegmentSlots == 0 {
			totalBytes := int64(c.SizeMiB) * 1024 * 1024
			perSegmentBytes := totalBytes / int64(c.SegmentCount)
			slots := perSegmentBytes / int64(frameSize(c.MaxPayload))
			if slots < MinSegmentSlots {
				slots = MinSegmentSlots
			}
			c.SegmentSlots = int(slots)
		}
	}

	if c.SegmentSlots == 0 {
		c.SegmentSlots = 1024
	}
	if c.SegmentSlots < MinSegmentSlots || c.SegmentSlots > MaxSegmentSlots {
		return fmt.Errorf("%w: segment_slots %d out of range [%d, %d]", ErrInvalidParams, c.SegmentSlots, MinSegmentSlots, MaxSegmentSlots)
	}

	if c.HWMFraction == 0 {
		c.HWMFraction = DefaultHWMFraction
	}
	if c.HWMFraction <= 0 || c.HWMFraction > 1 {
		return fmt.Errorf("%w: hwm_fraction %f out of range (0, 1]", ErrInvalidParams, c.HWMFraction)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.OffloadThreshold == 0 {
		c.OffloadThreshold = 1024 * 1024
	}
	return nil
}

// ParseSize converts size strings like "100MB", "1GB", or plain byte counts
// to an int64 byte count. Same unit table and case-insensitive matching as
// the teacher's ParseSize, reused here to parse Config.Size into
// Config.SizeMiB.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}

	s = strings.ToUpper(s)

	var multiplier int64
	var numStr string

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	default:
		return 0, fmt.Errorf("unknown size suffix in %q (supported: KB/K, MB/M, GB/G)", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number in %q: %v", s, err)
	}

	result := val * multiplier
	if result < 0 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return result, nil
}
