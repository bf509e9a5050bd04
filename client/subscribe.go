// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/subscription"
)

// SubscribeOption represents per-subscription options.
type SubscribeOption struct {
	// StreamID is the stream to subscribe to.
	StreamID string

	// Partition is the stream partition. Default is 0.
	Partition int

	// Resend replays historical messages before or instead of live ones.
	// Zero value subscribes to live messages only.
	Resend subscription.ResendOptions

	// Historical stops after the resend instead of switching to live
	// messages. Requires Resend.
	Historical bool

	// GroupKeys are keys already known per publisher.
	GroupKeys map[string][]encryption.GroupKey

	// Listener receives the events of this subscription.
	Listener subscription.Listener

	// OnUnableToDecrypt receives messages given up on. Without it they are
	// reported as error events.
	OnUnableToDecrypt subscription.UnableToDecryptHandler
}

// NewSubscribeOption creates a live subscribe option for one stream partition.
func NewSubscribeOption(streamID string, partition int) *SubscribeOption {
	return &SubscribeOption{
		StreamID:  streamID,
		Partition: partition,
	}
}

// SetResend sets the resend options.
func (o *SubscribeOption) SetResend(resend subscription.ResendOptions) *SubscribeOption {
	o.Resend = resend
	return o
}

// SetHistorical limits the subscription to the resend.
func (o *SubscribeOption) SetHistorical(historical bool) *SubscribeOption {
	o.Historical = historical
	return o
}

// SetGroupKeys sets the keys known at subscription time.
func (o *SubscribeOption) SetGroupKeys(keys map[string][]encryption.GroupKey) *SubscribeOption {
	o.GroupKeys = keys
	return o
}

// SetListener sets the event listener.
func (o *SubscribeOption) SetListener(l subscription.Listener) *SubscribeOption {
	o.Listener = l
	return o
}

// SetOnUnableToDecrypt sets the handler for messages that cannot be decrypted.
func (o *SubscribeOption) SetOnUnableToDecrypt(fn subscription.UnableToDecryptHandler) *SubscribeOption {
	o.OnUnableToDecrypt = fn
	return o
}
