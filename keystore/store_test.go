// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/absmach/fluxsub/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, encryption.KeyLength)
}

func starts(keys []encryption.GroupKey) []int64 {
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Start)
	}
	return out
}

func TestHistoryAdd(t *testing.T) {
	h := NewHistory()

	require.NoError(t, h.Add(key(1), 10))
	require.NoError(t, h.Add(key(2), 10), "equal start is allowed")
	require.NoError(t, h.Add(key(3), 20))

	err := h.Add(key(4), 5)
	assert.ErrorIs(t, err, ErrNonMonotonicStart)
	assert.Equal(t, 3, h.Len())

	err = h.Add([]byte("short"), 30)
	var ige *encryption.InvalidGroupKeyError
	assert.True(t, errors.As(err, &ige))
	assert.Equal(t, 3, h.Len())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(20), latest.Start)
	assert.Equal(t, key(3), latest.Key)
}

func TestHistoryAddCopiesKey(t *testing.T) {
	h := NewHistory()
	k := key(1)
	require.NoError(t, h.Add(k, 1))
	k[0] = 9

	latest, _ := h.Latest()
	assert.Equal(t, byte(1), latest.Key[0])
}

func TestHistoryBetween(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.Add(key(1), 10))
	require.NoError(t, h.Add(key(2), 20))
	require.NoError(t, h.Add(key(3), 30))

	tests := []struct {
		name       string
		start, end int64
		want       []int64
	}{
		{"before all keys", 0, 5, nil},
		{"touching first start", 0, 10, []int64{10}},
		{"inside first interval", 12, 15, []int64{10}},
		{"first interval end", 19, 19, []int64{10}},
		{"spanning two", 15, 25, []int64{10, 20}},
		{"spanning all", 0, 100, []int64{10, 20, 30}},
		{"last key is open ended", 1000, 2000, []int64{30}},
		{"exact second start", 20, 20, []int64{20}},
		{"inverted range", 25, 15, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Between(tt.start, tt.end)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, starts(got))
		})
	}
}

func TestHistoryBetweenSkipsSupersededKey(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.Add(key(1), 10))
	require.NoError(t, h.Add(key(2), 10))

	got := h.Between(0, 100)
	require.Len(t, got, 1)
	assert.Equal(t, key(2), got[0].Key)
}

// Brute-force check of the interval semantics over many non-decreasing starts.
func TestHistoryBetweenMatchesIntervals(t *testing.T) {
	startsIn := []int64{0, 3, 3, 7, 12, 12, 13, 40}
	h := NewHistory()
	for i, s := range startsIn {
		require.NoError(t, h.Add(key(byte(i+1)), s))
	}

	for a := int64(-2); a <= 45; a++ {
		for b := a; b <= 45; b++ {
			var want []byte
			for i, s := range startsIn {
				end := int64(1 << 62)
				if i+1 < len(startsIn) {
					end = startsIn[i+1] - 1
				}
				if s <= end && s <= b && end >= a {
					want = append(want, byte(i+1))
				}
			}
			var got []byte
			for _, k := range h.Between(a, b) {
				got = append(got, k.Key[0])
			}
			assert.Equal(t, want, got, "range [%d,%d]", a, b)
		}
	}
}

func TestMemoryStoreHistoryMode(t *testing.T) {
	s := NewMemoryStore(ModeHistory)
	assert.Equal(t, ModeHistory, s.Mode())
	assert.False(t, s.HasKey("stream"))

	_, ok := s.LatestKey("stream")
	assert.False(t, ok)

	keys, err := s.KeysBetween("stream", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.AddKey("stream", key(1), 1))
	require.NoError(t, s.AddKey("stream", key(2), 5))
	assert.True(t, s.HasKey("stream"))
	assert.False(t, s.HasKey("other"))

	latest, ok := s.LatestKey("stream")
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.Start)

	keys, err = s.KeysBetween("stream", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5}, starts(keys))

	assert.ErrorIs(t, s.AddKey("stream", key(3), 2), ErrNonMonotonicStart)
}

func TestMemoryStoreLatestMode(t *testing.T) {
	s := NewMemoryStore(ModeLatest)

	require.NoError(t, s.AddKey("stream", key(1), 1))
	require.NoError(t, s.AddKey("stream", key(2), 5))

	latest, ok := s.LatestKey("stream")
	require.True(t, ok)
	assert.Equal(t, key(2), latest.Key)

	_, err := s.KeysBetween("stream", 0, 10)
	assert.ErrorIs(t, err, ErrRangeQueryUnsupported)

	assert.ErrorIs(t, s.AddKey("stream", key(3), 2), ErrNonMonotonicStart)

	var ige *encryption.InvalidGroupKeyError
	assert.True(t, errors.As(s.AddKey("stream", []byte{1}, 10), &ige))
	latest, _ = s.LatestKey("stream")
	assert.Equal(t, key(2), latest.Key, "rejected key must not replace the latest")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("history")
	require.NoError(t, err)
	assert.Equal(t, ModeHistory, m)

	m, err = ParseMode("latest")
	require.NoError(t, err)
	assert.Equal(t, ModeLatest, m)

	_, err = ParseMode("both")
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, "unknown", Mode(7).String())
}
