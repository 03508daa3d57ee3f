package types

import (
	"errors"
	"fmt"
)

// SinceMetric is the unit a since lock is expressed in.
type SinceMetric uint8

const (
	SinceMetricBlockNumber SinceMetric = 0
	SinceMetricEpoch       SinceMetric = 1
	SinceMetricTimestamp   SinceMetric = 2
)

// String returns a string representation of the metric.
func (m SinceMetric) String() string {
	switch m {
	case SinceMetricBlockNumber:
		return "block_number"
	case SinceMetricEpoch:
		return "epoch"
	case SinceMetricTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("[unknown metric: %d]", uint8(m))
	}
}

const (
	sinceRelativeFlag  = uint64(1) << 63
	sinceMetricShift   = 61
	sinceMetricMask    = uint64(0x3) << sinceMetricShift
	sinceReservedMask  = uint64(0x1f) << 56
	sinceMaxPayload    = uint64(1)<<56 - 1
	sinceInvalidMetric = SinceMetric(3)
)

// ErrMalformedSince is the error returned when a since value can not be
// encoded or decoded.
var ErrMalformedSince = errors.New("types: malformed since")

// Since is the encoded lock on a transaction input.
//
// Bit 63 is the relative flag, bits 62..61 the metric, bits 60..56 are
// reserved and must be zero, bits 55..0 carry the value.
type Since uint64

// DecodedSince is the decoded form of a Since.
type DecodedSince struct {
	Relative bool
	Metric   SinceMetric
	Value    uint64
}

// NewSince encodes a since lock.
func NewSince(relative bool, metric SinceMetric, value uint64) (Since, error) {
	if metric >= sinceInvalidMetric {
		return 0, fmt.Errorf("%w: invalid metric %d", ErrMalformedSince, metric)
	}
	if value > sinceMaxPayload {
		return 0, fmt.Errorf("%w: value %d exceeds 56 bits", ErrMalformedSince, value)
	}

	v := uint64(metric)<<sinceMetricShift | value
	if relative {
		v |= sinceRelativeFlag
	}
	return Since(v), nil
}

// SinceFromRelativeTimestamp encodes a relative timestamp lock of the given
// number of seconds.
func SinceFromRelativeTimestamp(secs uint64) (Since, error) {
	return NewSince(true, SinceMetricTimestamp, secs)
}

// Decode decodes the since lock.
func (s Since) Decode() (DecodedSince, error) {
	v := uint64(s)
	if v&sinceReservedMask != 0 {
		return DecodedSince{}, fmt.Errorf("%w: reserved bits set: %#x", ErrMalformedSince, v)
	}
	metric := SinceMetric((v & sinceMetricMask) >> sinceMetricShift)
	if metric >= sinceInvalidMetric {
		return DecodedSince{}, fmt.Errorf("%w: invalid metric %d", ErrMalformedSince, metric)
	}
	return DecodedSince{
		Relative: v&sinceRelativeFlag != 0,
		Metric:   metric,
		Value:    v & sinceMaxPayload,
	}, nil
}

// String returns a hex representation of the since value.
func (s Since) String() string {
	return fmt.Sprintf("0x%016x", uint64(s))
}
