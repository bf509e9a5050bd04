// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"fmt"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keystore"
	"github.com/absmach/fluxsub/message"
)

// Historical is a subscription replaying past messages. Each publisher gets a
// DecryptionSequence over the keys valid during the resend range.
type Historical struct {
	*engine

	now func() time.Time

	// mailbox goroutine only
	sequences map[string]*keystore.DecryptionSequence
}

// NewHistorical creates and starts a historical subscription. The resend
// options must select exactly one mode.
func NewHistorical(cfg Config) (*Historical, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Resend.IsZero() {
		return nil, ErrResendRequired
	}
	cfg = cfg.withDefaults()

	h := &Historical{
		now:       time.Now,
		sequences: make(map[string]*keystore.DecryptionSequence),
	}
	for pub, keys := range cfg.GroupKeys {
		h.sequences[pub] = keystore.NewDecryptionSequence(keys)
	}
	h.engine = newEngine(cfg, h)
	h.trackInitialResend = true
	h.start()
	return h, nil
}

// HandleBroadcastMessage reports an error: historical subscriptions only
// accept resent messages.
func (h *Historical) HandleBroadcastMessage(msg *message.StreamMessage, _ VerifyFunc) {
	ref := msg.ID.Ref()
	h.post(func() {
		h.fail(fmt.Errorf("%w: %s", ErrBroadcastOnHistorical, ref))
	})
}

func (h *Historical) decrypt(msg *message.StreamMessage) ([]byte, error) {
	seq, ok := h.sequences[msg.PublisherID()]
	if !ok {
		return nil, &encryption.UnableToDecryptError{Ref: msg.ID.Ref().String(), Err: encryption.ErrNoKey}
	}
	return seq.TryDecrypt(msg)
}

// canRequestKey is false once a sequence exists: its keys cover the whole
// resend range and a second installation is rejected.
func (h *Historical) canRequestKey(publisherID string) bool {
	_, ok := h.sequences[publisherID]
	return !ok
}

func (h *Historical) installKeys(publisherID string, keys []encryption.GroupKey) error {
	if len(keys) == 0 {
		return ErrNoGroupKeys
	}
	if _, ok := h.sequences[publisherID]; ok {
		return fmt.Errorf("%w %s", ErrDuplicateGroupKeys, publisherID)
	}
	for _, k := range keys {
		if err := encryption.ValidateGroupKey(k.Key); err != nil {
			return err
		}
	}
	h.sequences[publisherID] = keystore.NewDecryptionSequence(keys)
	return nil
}

func (h *Historical) promoteKey(string, []byte) {}

// keyRange asks for the keys from the message up to the end of the resend.
func (h *Historical) keyRange(msg *message.StreamMessage) (int64, int64) {
	end := h.now().UnixMilli()
	if to := h.cfg.Resend.To; to != nil {
		end = to.Timestamp
	}
	return msg.Timestamp(), end
}

// currentKeys returns the key each sequence settled on. It must only be
// called once the engine stopped.
func (h *Historical) currentKeys() map[string][]encryption.GroupKey {
	keys := make(map[string][]encryption.GroupKey, len(h.sequences))
	for pub, seq := range h.sequences {
		if k, ok := seq.Current(); ok {
			keys[pub] = []encryption.GroupKey{k}
		}
	}
	return keys
}
