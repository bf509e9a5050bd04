// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
)

// DecryptionSequence tries the historical keys of one publisher in order
// during a resend. The publisher may rotate keys mid-resend, so a failing
// message is retried once with the next key; the cursor never moves back.
type DecryptionSequence struct {
	keys   []encryption.GroupKey
	cursor int
}

// NewDecryptionSequence creates a sequence over keys ordered by start.
func NewDecryptionSequence(keys []encryption.GroupKey) *DecryptionSequence {
	ks := make([]encryption.GroupKey, len(keys))
	copy(ks, keys)
	return &DecryptionSequence{keys: ks}
}

// Len returns the number of candidate keys.
func (s *DecryptionSequence) Len() int {
	return len(s.keys)
}

// Cursor returns the index of the key currently in use.
func (s *DecryptionSequence) Cursor() int {
	return s.cursor
}

// Current returns the key at the cursor.
func (s *DecryptionSequence) Current() (encryption.GroupKey, bool) {
	if s.cursor >= len(s.keys) {
		return encryption.GroupKey{}, false
	}
	return s.keys[s.cursor], true
}

// TryDecrypt decrypts msg with the current key, falling back to the next one.
// It returns the rotated key announced by the message, if any.
func (s *DecryptionSequence) TryDecrypt(msg *message.StreamMessage) ([]byte, error) {
	newKey, err := encryption.DecryptStreamMessage(msg, s.current())
	if err == nil || !encryption.IsUnableToDecrypt(err) {
		return newKey, err
	}
	if s.cursor+1 >= len(s.keys) {
		return nil, err
	}

	newKey, err = encryption.DecryptStreamMessage(msg, s.keys[s.cursor+1].Key)
	if err != nil {
		return nil, err
	}
	s.cursor++
	return newKey, nil
}

func (s *DecryptionSequence) current() []byte {
	if s.cursor >= len(s.keys) {
		return nil
	}
	return s.keys[s.cursor].Key
}
