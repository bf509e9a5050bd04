// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keystore"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "groupkey:"

var _ keystore.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	GCInterval time.Duration // Value log GC interval (0 = 5 minutes)
}

// Store is a keystore.Store persisted in BadgerDB. Keys are indexed in
// memory on open and written through on every AddKey.
//
// Key format: groupkey:{streamID}:{index}
type Store struct {
	db      *badger.DB
	mode    keystore.Mode
	mu      sync.RWMutex
	streams map[string]*keystore.History

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	closeMu  sync.Mutex
}

type record struct {
	Key   []byte `json:"key"`
	Start int64  `json:"start"`
}

// New opens a BadgerDB-backed key store.
func New(cfg Config, mode keystore.Mode) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Group keys are tiny and rarely written; losing one means re-requesting it.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	s := &Store{
		db:       db,
		mode:     mode,
		streams:  make(map[string]*keystore.History),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go s.runGC(interval)

	return s, nil
}

func (s *Store) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			streamID, _, err := parseKey(string(item.Key()))
			if err != nil {
				return err
			}
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal group key: %w", err)
			}
			if err := keystore.Apply(s.streams, s.mode, streamID, rec.Key, rec.Start); err != nil {
				return fmt.Errorf("corrupt group key history for %s: %w", streamID, err)
			}
		}
		return nil
	})
}

// Mode returns the retention mode.
func (s *Store) Mode() keystore.Mode {
	return s.mode
}

// HasKey reports whether the stream has a key.
func (s *Store) HasKey(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.streams[streamID]
	return ok && h.Len() > 0
}

// LatestKey returns the newest key of the stream.
func (s *Store) LatestKey(streamID string) (encryption.GroupKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.streams[streamID]
	if !ok {
		return encryption.GroupKey{}, false
	}
	return h.Latest()
}

// KeysBetween returns the keys valid within [start, end].
func (s *Store) KeysBetween(streamID string, start, end int64) ([]encryption.GroupKey, error) {
	if s.mode != keystore.ModeHistory {
		return nil, keystore.ErrRangeQueryUnsupported
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.streams[streamID]
	if !ok {
		return nil, nil
	}
	return h.Between(start, end), nil
}

// AddKey validates and persists a key, then indexes it.
func (s *Store) AddKey(streamID string, key []byte, start int64) error {
	if err := encryption.ValidateGroupKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := 0
	if h, ok := s.streams[streamID]; ok {
		if latest, ok := h.Latest(); ok && start < latest.Start {
			return keystore.ErrNonMonotonicStart
		}
		if s.mode == keystore.ModeHistory {
			index = h.Len()
		}
	}

	data, err := json.Marshal(record{Key: key, Start: start})
	if err != nil {
		return fmt.Errorf("failed to marshal group key: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(formatKey(streamID, index)), data)
	}); err != nil {
		return fmt.Errorf("failed to persist group key: %w", err)
	}

	return keystore.Apply(s.streams, s.mode, streamID, key, start)
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there is nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func formatKey(streamID string, index int) string {
	return fmt.Sprintf("%s%s:%010d", keyPrefix, streamID, index)
}

// parseKey splits a storage key; stream ids may themselves contain ':'.
func parseKey(k string) (string, int, error) {
	rest := strings.TrimPrefix(k, keyPrefix)
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed group key entry %q", k)
	}
	index, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed group key entry %q: %w", k, err)
	}
	return rest[:i], index, nil
}
