// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
)

// Engine defaults.
const (
	MaxGroupKeyRequests       = 10
	DefaultPropagationTimeout = 5 * time.Second
)

// Handler receives decrypted content in delivery order.
type Handler func(content map[string]any, msg *message.StreamMessage)

// VerifyFunc checks the signature and authorization of one message. It is
// started as soon as the message arrives and may run concurrently with the
// verification of other messages.
type VerifyFunc func(ctx context.Context) (bool, error)

// Listener receives subscription events.
type Listener func(Event)

// UnableToDecryptHandler is called for every message given up on after the
// group key request limit is reached.
type UnableToDecryptHandler func(msg *message.StreamMessage, err error)

// ResendOptions selects the historical messages to replay. At most one of
// Last and From may be set.
type ResendOptions struct {
	Last        int                 `yaml:"last"`
	From        *message.MessageRef `yaml:"from"`
	To          *message.MessageRef `yaml:"to"`
	PublisherID string              `yaml:"publisher_id"`
	MsgChainID  string              `yaml:"msg_chain_id"`
}

// IsZero reports whether no resend was requested.
func (o ResendOptions) IsZero() bool {
	return o.Last == 0 && o.From == nil && o.To == nil && o.PublisherID == "" && o.MsgChainID == ""
}

// Validate checks that at most one resend mode is active.
func (o ResendOptions) Validate() error {
	if o.Last < 0 {
		return ErrInvalidLast
	}
	if o.Last > 0 && o.From != nil {
		return ErrConflictingResendOptions
	}
	if o.To != nil && o.From == nil {
		return ErrToWithoutFrom
	}
	if o.MsgChainID != "" && o.PublisherID == "" {
		return ErrChainWithoutPublisher
	}
	return nil
}

// Config configures a subscription engine.
type Config struct {
	StreamID        string
	StreamPartition int
	Handler         Handler
	Listener        Listener
	Resend          ResendOptions

	// GroupKeys are the keys known at construction, per publisher.
	GroupKeys map[string][]encryption.GroupKey

	PropagationTimeout  time.Duration
	MaxGroupKeyRequests int

	// Ordering builds the ordering collaborator. Nil delivers in arrival order.
	Ordering OrderingFactory

	OnUnableToDecrypt UnableToDecryptHandler
	Logger            *slog.Logger
	Metrics           Metrics

	// shared replaces Ordering with an already built collaborator whose
	// callbacks are owned by a Combined subscription.
	shared OrderingUtil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StreamID == "" {
		return ErrEmptyStreamID
	}
	if c.Handler == nil && c.shared == nil {
		return ErrNoHandler
	}
	return c.Resend.Validate()
}

func (c Config) withDefaults() Config {
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = DefaultPropagationTimeout
	}
	if c.MaxGroupKeyRequests <= 0 {
		c.MaxGroupKeyRequests = MaxGroupKeyRequests
	}
	if c.Ordering == nil {
		c.Ordering = Unordered
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics()
	}
	return c
}
