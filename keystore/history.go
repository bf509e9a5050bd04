// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"

	"github.com/absmach/fluxsub/encryption"
)

// History is an append-only, start-ordered list of group keys for one stream.
// It is not safe for concurrent use; stores guard it with their own lock.
type History struct {
	keys []encryption.GroupKey
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Add appends a key. Its start must not precede the last stored start.
func (h *History) Add(key []byte, start int64) error {
	if err := encryption.ValidateGroupKey(key); err != nil {
		return err
	}
	if n := len(h.keys); n > 0 && start < h.keys[n-1].Start {
		return ErrNonMonotonicStart
	}
	h.keys = append(h.keys, encryption.GroupKey{Key: bytes.Clone(key), Start: start})
	return nil
}

// Len returns the number of stored keys.
func (h *History) Len() int {
	return len(h.keys)
}

// Latest returns the newest key.
func (h *History) Latest() (encryption.GroupKey, bool) {
	if len(h.keys) == 0 {
		return encryption.GroupKey{}, false
	}
	return h.keys[len(h.keys)-1], true
}

// Between returns every key whose validity interval [start, nextStart-1]
// intersects [start, end], in start order. The last key is open-ended.
func (h *History) Between(start, end int64) []encryption.GroupKey {
	if start > end {
		return nil
	}

	var out []encryption.GroupKey
	for i, k := range h.keys {
		if k.Start > end {
			break
		}
		if i+1 < len(h.keys) {
			validTo := h.keys[i+1].Start - 1
			if validTo < start {
				continue
			}
			// A key immediately superseded by one with the same start never applies.
			if validTo < k.Start {
				continue
			}
		}
		out = append(out, k)
	}
	return out
}

// All returns a copy of the stored keys.
func (h *History) All() []encryption.GroupKey {
	out := make([]encryption.GroupKey, len(h.keys))
	copy(out, h.keys)
	return out
}
