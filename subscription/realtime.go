// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"fmt"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
)

// RealTime is a subscription to live broadcast messages. It keeps one
// current group key per publisher.
type RealTime struct {
	*engine

	// mailbox goroutine only
	groupKeys map[string][]byte
}

// NewRealTime creates and starts a real-time subscription.
func NewRealTime(cfg Config) (*RealTime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	rt := &RealTime{groupKeys: make(map[string][]byte)}
	for pub, keys := range cfg.GroupKeys {
		if len(keys) > 0 {
			rt.groupKeys[pub] = keys[len(keys)-1].Key
		}
	}
	rt.engine = newEngine(cfg, rt)
	rt.start()
	return rt, nil
}

func (rt *RealTime) decrypt(msg *message.StreamMessage) ([]byte, error) {
	return encryption.DecryptStreamMessage(msg, rt.groupKeys[msg.PublisherID()])
}

func (rt *RealTime) canRequestKey(string) bool {
	return true
}

func (rt *RealTime) installKeys(publisherID string, keys []encryption.GroupKey) error {
	switch len(keys) {
	case 0:
		return ErrNoGroupKeys
	case 1:
	default:
		return fmt.Errorf("%w: got %d from %s", ErrTooManyGroupKeys, len(keys), publisherID)
	}
	if err := encryption.ValidateGroupKey(keys[0].Key); err != nil {
		return err
	}
	rt.groupKeys[publisherID] = keys[0].Key
	return nil
}

// promoteKey adopts the key a publisher rotated to.
func (rt *RealTime) promoteKey(publisherID string, key []byte) {
	if key != nil {
		rt.groupKeys[publisherID] = key
	}
}

func (rt *RealTime) keyRange(*message.StreamMessage) (int64, int64) {
	return 0, 0
}
