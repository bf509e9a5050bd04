// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxsub/encryption"
)

// Key store errors.
var (
	ErrNonMonotonicStart     = errors.New("group key start precedes the last stored start")
	ErrRangeQueryUnsupported = errors.New("range queries require a history key store")
	ErrInvalidMode           = errors.New("invalid key store mode (must be history or latest)")
)

// Mode selects how many keys a store retains per stream.
type Mode uint8

// Store modes.
const (
	// ModeHistory keeps every key so ranges of past keys can be served.
	ModeHistory Mode = iota
	// ModeLatest keeps only the newest key per stream.
	ModeLatest
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeHistory:
		return "history"
	case ModeLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name as used in configuration.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "history":
		return ModeHistory, nil
	case "latest":
		return ModeLatest, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Store holds a publisher's group keys per stream.
type Store interface {
	// HasKey reports whether any key is known for the stream.
	HasKey(streamID string) bool

	// LatestKey returns the newest key of the stream.
	LatestKey(streamID string) (encryption.GroupKey, bool)

	// KeysBetween returns keys valid within [start, end].
	KeysBetween(streamID string, start, end int64) ([]encryption.GroupKey, error)

	// AddKey stores a key valid from start.
	AddKey(streamID string, key []byte, start int64) error

	// Mode returns the retention strategy chosen at construction.
	Mode() Mode
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mode    Mode
	mu      sync.RWMutex
	streams map[string]*History
}

// NewMemoryStore creates an in-memory store with the given retention mode.
func NewMemoryStore(mode Mode) *MemoryStore {
	return &MemoryStore{
		mode:    mode,
		streams: make(map[string]*History),
	}
}

// Mode returns the retention mode.
func (s *MemoryStore) Mode() Mode {
	return s.mode
}

// HasKey reports whether the stream has a key.
func (s *MemoryStore) HasKey(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.streams[streamID]
	return ok && h.Len() > 0
}

// LatestKey returns the newest key of the stream.
func (s *MemoryStore) LatestKey(streamID string) (encryption.GroupKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.streams[streamID]
	if !ok {
		return encryption.GroupKey{}, false
	}
	return h.Latest()
}

// KeysBetween returns the keys valid within [start, end].
func (s *MemoryStore) KeysBetween(streamID string, start, end int64) ([]encryption.GroupKey, error) {
	if s.mode != ModeHistory {
		return nil, ErrRangeQueryUnsupported
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.streams[streamID]
	if !ok {
		return nil, nil
	}
	return h.Between(start, end), nil
}

// AddKey stores a key for the stream.
func (s *MemoryStore) AddKey(streamID string, key []byte, start int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Apply(s.streams, s.mode, streamID, key, start)
}

// Apply adds key to streams using the rules of mode. Persistent stores keep
// their in-memory index consistent with MemoryStore through it.
func Apply(streams map[string]*History, mode Mode, streamID string, key []byte, start int64) error {
	h, ok := streams[streamID]
	if !ok {
		h = NewHistory()
	}

	if mode == ModeLatest {
		// Same monotonic rule, but only the newest key survives.
		if latest, ok := h.Latest(); ok && start < latest.Start {
			return ErrNonMonotonicStart
		}
		fresh := NewHistory()
		if err := fresh.Add(key, start); err != nil {
			return err
		}
		streams[streamID] = fresh
		return nil
	}

	if err := h.Add(key, start); err != nil {
		return err
	}
	streams[streamID] = h
	return nil
}
