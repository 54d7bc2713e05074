package store

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTimeLexicalOrderMatchesChronological(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Sub-second fractions with differing digit counts are the case a
	// trimming encoder gets wrong: ".12" sorts after ".125" as strings.
	times := []time.Time{
		base,
		base.Add(1 * time.Nanosecond),
		base.Add(120 * time.Millisecond),
		base.Add(125 * time.Millisecond),
		base.Add(200 * time.Millisecond),
		base.Add(time.Second),
	}

	encoded := make([]string, len(times))
	for i, ts := range times {
		encoded[i] = encodeTime(ts)
	}

	assert.True(t, sort.StringsAreSorted(encoded), "encoded timestamps must sort chronologically: %v", encoded)
}

func TestEncodeTimeFixedWidth(t *testing.T) {
	with := encodeTime(time.Date(2026, 3, 1, 10, 0, 0, 120_000_000, time.UTC))
	without := encodeTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	assert.Len(t, with, len(without))
}

func TestEncodeTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123_456_789, time.UTC)

	decoded, err := decodeTime(encodeTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(decoded))
}
