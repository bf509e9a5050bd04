// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keyexchange"
	"github.com/absmach/fluxsub/keystore"
	"github.com/absmach/fluxsub/ratelimit"
	"github.com/absmach/fluxsub/subscription"
)

// Default values.
const (
	DefaultPropagationTimeout  = subscription.DefaultPropagationTimeout
	DefaultMaxGroupKeyRequests = subscription.MaxGroupKeyRequests
	DefaultSubscriberTTL       = keyexchange.DefaultSubscriberTTL
	DefaultRequestTimeout      = 10 * time.Second
)

// Resender asks the network for historical messages. Resent messages and
// resend responses come back through HandleResentMessage and
// HandleResendResponse carrying requestID.
type Resender interface {
	Resend(ctx context.Context, streamID string, partition int, requestID string, opts subscription.ResendOptions) error
}

// Metrics records both engine and key exchange activity.
type Metrics interface {
	subscription.Metrics
	keyexchange.Metrics
}

// Options configures the subscriber client.
type Options struct {
	// Identity
	Address string              // Local address, publisher id of outgoing key exchange messages
	KeyPair *encryption.KeyPair // RSA key pair receiving group keys (nil = generated)
	KeyBits int                 // Size of a generated key pair

	// Collaborators
	Store    keystore.Store               // Group keys of streams we publish (nil = in-memory history)
	Provider keyexchange.MetadataProvider // Stream metadata and subscriber lookups
	Sender   keyexchange.Sender           // Transport of key exchange messages
	Signer   keyexchange.Signer           // Signs key exchange messages (nil = unsigned)
	Resender Resender                     // Transport of resend requests (nil = no resends)
	Ordering subscription.OrderingFactory // Message chain ordering collaborator

	// Engine
	PropagationTimeout  time.Duration // Interval between group key requests
	MaxGroupKeyRequests int           // Requests per publisher before giving up
	OrderMessages       bool          // Deliver through Ordering instead of arrival order
	RequestTimeout      time.Duration // Timeout of outgoing key and resend requests

	// Key exchange
	RateLimit          ratelimit.Config          // Throttling of incoming key requests
	CircuitBreaker     keyexchange.BreakerConfig // Breaker around Provider
	SubscriberTTL      time.Duration             // Lifetime of cached subscriber lists
	SendErrorResponses bool                      // Answer refused key requests

	// Observability
	Logger  *slog.Logger
	Metrics Metrics
	OnEvent func(*subscription.Envelope) // Called for every subscription event
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		KeyBits:             encryption.DefaultRSABits,
		PropagationTimeout:  DefaultPropagationTimeout,
		MaxGroupKeyRequests: DefaultMaxGroupKeyRequests,
		RequestTimeout:      DefaultRequestTimeout,
		RateLimit:           ratelimit.DefaultConfig(),
		CircuitBreaker:      keyexchange.DefaultBreakerConfig(),
		SubscriberTTL:       DefaultSubscriberTTL,
	}
}

// SetAddress sets the local address.
func (o *Options) SetAddress(address string) *Options {
	o.Address = address
	return o
}

// SetKeyPair sets the RSA key pair.
func (o *Options) SetKeyPair(kp *encryption.KeyPair) *Options {
	o.KeyPair = kp
	return o
}

// SetStore sets the publisher group key store.
func (o *Options) SetStore(store keystore.Store) *Options {
	o.Store = store
	return o
}

// SetProvider sets the stream metadata provider.
func (o *Options) SetProvider(p keyexchange.MetadataProvider) *Options {
	o.Provider = p
	return o
}

// SetSender sets the key exchange transport.
func (o *Options) SetSender(s keyexchange.Sender) *Options {
	o.Sender = s
	return o
}

// SetSigner sets the key exchange message signer.
func (o *Options) SetSigner(s keyexchange.Signer) *Options {
	o.Signer = s
	return o
}

// SetResender sets the resend transport.
func (o *Options) SetResender(r Resender) *Options {
	o.Resender = r
	return o
}

// SetOrdering enables ordered delivery through factory.
func (o *Options) SetOrdering(factory subscription.OrderingFactory) *Options {
	o.Ordering = factory
	o.OrderMessages = factory != nil
	return o
}

// SetPropagationTimeout sets the interval between group key requests.
func (o *Options) SetPropagationTimeout(d time.Duration) *Options {
	o.PropagationTimeout = d
	return o
}

// SetMaxGroupKeyRequests sets how many times a missing key is requested.
func (o *Options) SetMaxGroupKeyRequests(n int) *Options {
	o.MaxGroupKeyRequests = n
	return o
}

// SetRequestTimeout sets the timeout of outgoing requests.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetRateLimit sets the incoming key request rate limit.
func (o *Options) SetRateLimit(cfg ratelimit.Config) *Options {
	o.RateLimit = cfg
	return o
}

// SetCircuitBreaker sets the metadata provider circuit breaker.
func (o *Options) SetCircuitBreaker(cfg keyexchange.BreakerConfig) *Options {
	o.CircuitBreaker = cfg
	return o
}

// SetSubscriberTTL sets how long subscriber lists are cached.
func (o *Options) SetSubscriberTTL(d time.Duration) *Options {
	o.SubscriberTTL = d
	return o
}

// SetSendErrorResponses answers refused key requests with an error response.
func (o *Options) SetSendErrorResponses(send bool) *Options {
	o.SendErrorResponses = send
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metrics recorder.
func (o *Options) SetMetrics(m Metrics) *Options {
	o.Metrics = m
	return o
}

// SetOnEvent sets the subscription event callback.
func (o *Options) SetOnEvent(fn func(*subscription.Envelope)) *Options {
	o.OnEvent = fn
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.Address == "" {
		return ErrEmptyAddress
	}
	if o.Provider == nil {
		return ErrNoProvider
	}
	if o.Sender == nil {
		return ErrNoSender
	}
	if o.OrderMessages && o.Ordering == nil {
		return ErrNoOrdering
	}
	if o.PropagationTimeout <= 0 {
		o.PropagationTimeout = DefaultPropagationTimeout
	}
	if o.MaxGroupKeyRequests <= 0 {
		o.MaxGroupKeyRequests = DefaultMaxGroupKeyRequests
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.KeyBits <= 0 {
		o.KeyBits = encryption.DefaultRSABits
	}
	return nil
}
