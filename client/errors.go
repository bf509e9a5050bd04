// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNilOptions   = errors.New("options cannot be nil")
	ErrEmptyAddress = errors.New("address cannot be empty")
	ErrNoProvider   = errors.New("metadata provider is required")
	ErrNoSender     = errors.New("key exchange sender is required")
	ErrNoOrdering   = errors.New("ordered delivery requires an ordering factory")

	// Operation errors.
	ErrClientClosed        = errors.New("client has been closed")
	ErrNoResender          = errors.New("resend requested but no resender configured")
	ErrSubscriptionUnknown = errors.New("subscription not found")
	ErrUnknownRequest      = errors.New("unknown resend request id")
	ErrUnknownResponseKind = errors.New("unknown resend response kind")
	ErrResendFailed        = errors.New("resend request failed")
)
