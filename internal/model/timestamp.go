package model

import (
	"strconv"
	"time"
)

// MicrosFromMillis converts a millisecond epoch timestamp (Bitfinex trades)
// to microseconds.
func MicrosFromMillis(ms int64) uint64 {
	if ms < 0 {
		return 0
	}
	return uint64(ms) * 1000
}

// MicrosNow samples the wall clock as microseconds since epoch. The market
// data provider calls this exactly once per order-book publication and
// stamps the archived price record with it.
func MicrosNow() uint64 {
	return uint64(time.Now().UnixMicro())
}

// ParseISO8601Micros parses an RFC3339-ish timestamp with fractional
// seconds (Coinbase's "2022-01-02T03:04:05.678901Z", BitMEX's
// "2022-01-02T03:04:05.678Z") and returns microseconds since epoch.
func ParseISO8601Micros(s string) (uint64, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05Z07:00",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return uint64(t.UnixMicro()), nil
		}
	}
	// Fall back to a strict RFC3339Nano parse.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return uint64(t.UnixMicro()), nil
}

// ParseFloatOrZero parses s as a float64, returning 0 on failure. Venue
// adapters use this for defensively-typed numeric fields that occasionally
// arrive as empty strings.
func ParseFloatOrZero(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
