// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxsub/message"
)

// KeyLength is the size of a group key in bytes (AES-256).
const KeyLength = 32

// GroupKey is a symmetric key valid from Start (ms) until the next key's start.
type GroupKey struct {
	Key   []byte
	Start int64
}

// ValidateGroupKey checks that key is a 256-bit key.
func ValidateGroupKey(key []byte) error {
	if len(key) != KeyLength {
		return &InvalidGroupKeyError{Length: len(key)}
	}
	return nil
}

// GenerateGroupKey returns a fresh random group key.
func GenerateGroupKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate group key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts data with AES-256-CTR and prefixes the random IV.
func Encrypt(data, key []byte) ([]byte, error) {
	if err := ValidateGroupKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, aes.BlockSize+len(data))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], data)
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if err := ValidateGroupKey(key); err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, ErrCiphertextTooShort
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	out := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext[aes.BlockSize:])
	return out, nil
}

// EncryptWithNewKey encrypts newKey followed by data, announcing a key rotation.
func EncryptWithNewKey(data, key, newKey []byte) ([]byte, error) {
	if err := ValidateGroupKey(newKey); err != nil {
		return nil, err
	}
	plain := make([]byte, 0, KeyLength+len(data))
	plain = append(plain, newKey...)
	plain = append(plain, data...)
	return Encrypt(plain, key)
}

// EncryptStreamMessage encrypts the message content in place. A non-nil
// newKey produces a rotation message.
func EncryptStreamMessage(msg *message.StreamMessage, key, newKey []byte) error {
	var (
		out []byte
		err error
	)
	if newKey != nil {
		out, err = EncryptWithNewKey(msg.SerializedContent, key, newKey)
		msg.EncryptionType = message.EncryptionNewKeyAndAES
	} else {
		out, err = Encrypt(msg.SerializedContent, key)
		msg.EncryptionType = message.EncryptionAES
	}
	if err != nil {
		return err
	}
	msg.SerializedContent = out
	return nil
}

// DecryptStreamMessage decrypts msg with key. On success the message content
// becomes plaintext; rotation messages also return the announced key. The
// message is left untouched on failure.
func DecryptStreamMessage(msg *message.StreamMessage, key []byte) ([]byte, error) {
	if !msg.IsEncrypted() {
		return nil, nil
	}
	ref := msg.ID.Ref().String()
	if key == nil {
		return nil, &UnableToDecryptError{Ref: ref, Err: ErrNoKey}
	}

	plain, err := Decrypt(msg.SerializedContent, key)
	if err != nil {
		return nil, &UnableToDecryptError{Ref: ref, Err: err}
	}

	var newKey []byte
	if msg.EncryptionType == message.EncryptionNewKeyAndAES {
		if len(plain) < KeyLength {
			return nil, &UnableToDecryptError{Ref: ref, Err: ErrCiphertextTooShort}
		}
		newKey = bytes.Clone(plain[:KeyLength])
		plain = plain[KeyLength:]
	}

	// CTR has no integrity check: a wrong key shows up as garbage content.
	// Content is always a JSON object, which also rules out short garbage
	// that happens to be a valid scalar.
	if !isJSONObject(plain) {
		return nil, &UnableToDecryptError{Ref: ref, Err: message.ErrInvalidContent}
	}

	msg.SetDecryptedContent(plain)
	return newKey, nil
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
