// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package encryption

import (
	"errors"
	"fmt"
)

// Encryption errors.
var (
	ErrNoKey              = errors.New("no group key")
	ErrCiphertextTooShort = errors.New("ciphertext shorter than IV")
	ErrInvalidPEM         = errors.New("invalid PEM block")
	ErrNotRSAKey          = errors.New("key is not an RSA key")
)

// InvalidGroupKeyError reports a group key of the wrong size or type.
type InvalidGroupKeyError struct {
	Length int
}

func (e *InvalidGroupKeyError) Error() string {
	return fmt.Sprintf("group key must be %d bytes, got %d", KeyLength, e.Length)
}

// UnableToDecryptError reports that a message could not be decrypted with
// the key at hand. It is recoverable: the key may simply not be known yet.
type UnableToDecryptError struct {
	Ref string
	Err error
}

func (e *UnableToDecryptError) Error() string {
	return fmt.Sprintf("unable to decrypt message %s: %v", e.Ref, e.Err)
}

func (e *UnableToDecryptError) Unwrap() error {
	return e.Err
}

// IsUnableToDecrypt reports whether err is an UnableToDecryptError.
func IsUnableToDecrypt(err error) bool {
	var target *UnableToDecryptError
	return errors.As(err, &target)
}
