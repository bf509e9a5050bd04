// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keyexchange

import (
	"errors"
	"fmt"
)

// Key exchange errors.
var (
	// Configuration errors.
	ErrNoStore       = errors.New("key store is required")
	ErrNoSender      = errors.New("sender is required")
	ErrNoProvider    = errors.New("metadata provider is required")
	ErrEmptyAddress  = errors.New("local address cannot be empty")
	ErrNoSubscribers = errors.New("subscription lookup is required")

	ErrEmptyRequestID = errors.New("request id cannot be empty")

	// Protocol errors, wrapped by InvalidGroupKeyRequestError and
	// InvalidGroupKeyResponseError.
	ErrUnsigned      = errors.New("message is not signed")
	ErrUnknownStream = errors.New("unknown stream")
	ErrNoGroupKey    = errors.New("no group key for stream")
	ErrNotAuthorized = errors.New("requester is not a subscriber of the stream")
	ErrNotSubscribed = errors.New("not subscribed to stream")
	ErrNoPrivateKey  = errors.New("no private key to decrypt group keys")

	ErrRequestRateLimited = errors.New("group key request rate limited")
)

// InvalidGroupKeyRequestError reports a malformed or unauthorized request.
type InvalidGroupKeyRequestError struct {
	RequestID string
	Err       error
}

func (e *InvalidGroupKeyRequestError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("invalid group key request: %v", e.Err)
	}
	return fmt.Sprintf("invalid group key request %s: %v", e.RequestID, e.Err)
}

func (e *InvalidGroupKeyRequestError) Unwrap() error {
	return e.Err
}

// InvalidGroupKeyResponseError reports a response that cannot be installed.
type InvalidGroupKeyResponseError struct {
	RequestID string
	Err       error
}

func (e *InvalidGroupKeyResponseError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("invalid group key response: %v", e.Err)
	}
	return fmt.Sprintf("invalid group key response %s: %v", e.RequestID, e.Err)
}

func (e *InvalidGroupKeyResponseError) Unwrap() error {
	return e.Err
}
