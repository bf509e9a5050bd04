// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keyexchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// DefaultSubscriberTTL bounds how long a stream's subscriber list is trusted.
const DefaultSubscriberTTL = 5 * time.Minute

// Stream is the stream metadata needed by the key exchange.
type Stream struct {
	ID         string
	Name       string
	Partitions int
}

// MetadataProvider answers authorization questions about streams.
type MetadataProvider interface {
	// IsStreamSubscriber checks a single address.
	IsStreamSubscriber(ctx context.Context, streamID, address string) (bool, error)

	// GetStreamSubscribers lists every authorized subscriber address.
	GetStreamSubscribers(ctx context.Context, streamID string) ([]string, error)

	// GetStream returns stream metadata.
	GetStream(ctx context.Context, streamID string) (*Stream, error)
}

// BreakerConfig configures the circuit breaker around the provider.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns sensible breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

type subscriberSet struct {
	addresses map[string]struct{}
	fetchedAt time.Time
}

type streamEntry struct {
	stream    *Stream
	fetchedAt time.Time
}

// AuthCache memoizes MetadataProvider answers. A stream's subscriber list is
// fetched at most once per TTL and concurrent callers share one in-flight
// fetch. Addresses missing from the list are checked individually and a
// positive answer is remembered for good.
type AuthCache struct {
	provider MetadataProvider
	ttl      time.Duration
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time

	mu          sync.Mutex
	subscribers map[string]subscriberSet
	confirmed   map[string]struct{}
	streams     map[string]streamEntry
}

// NewAuthCache creates a cache in front of provider.
func NewAuthCache(provider MetadataProvider, ttl time.Duration, bc BreakerConfig, logger *slog.Logger) (*AuthCache, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultSubscriberTTL
	}
	if bc.FailureThreshold == 0 {
		bc = DefaultBreakerConfig()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "metadata-provider",
		MaxRequests: 1,
		Timeout:     bc.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("metadata provider circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &AuthCache{
		provider:    provider,
		ttl:         ttl,
		breaker:     breaker,
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[string]subscriberSet),
		confirmed:   make(map[string]struct{}),
		streams:     make(map[string]streamEntry),
	}, nil
}

// IsSubscriber reports whether address may receive the stream's group keys.
func (c *AuthCache) IsSubscriber(ctx context.Context, streamID, address string) (bool, error) {
	address = normalize(address)
	confirmedKey := streamID + "\x00" + address

	c.mu.Lock()
	_, ok := c.confirmed[confirmedKey]
	c.mu.Unlock()
	if ok {
		return true, nil
	}

	set, err := c.subscriberSet(ctx, streamID)
	if err != nil {
		c.logger.Debug("subscriber list unavailable, falling back to point check",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
	} else if _, ok := set[address]; ok {
		return true, nil
	}

	v, err, _ := c.group.Do("sub:"+confirmedKey, func() (any, error) {
		return c.breaker.Execute(func() (any, error) {
			return c.provider.IsStreamSubscriber(ctx, streamID, address)
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to check subscriber %s of %s: %w", address, streamID, err)
	}

	isSub := v.(bool)
	if isSub {
		c.mu.Lock()
		c.confirmed[confirmedKey] = struct{}{}
		c.mu.Unlock()
	}
	return isSub, nil
}

func (c *AuthCache) subscriberSet(ctx context.Context, streamID string) (map[string]struct{}, error) {
	c.mu.Lock()
	entry, ok := c.subscribers[streamID]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.addresses, nil
	}

	v, err, _ := c.group.Do("subs:"+streamID, func() (any, error) {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.provider.GetStreamSubscribers(ctx, streamID)
		})
		if err != nil {
			return nil, err
		}

		list := res.([]string)
		set := make(map[string]struct{}, len(list))
		for _, a := range list {
			set[normalize(a)] = struct{}{}
		}
		c.mu.Lock()
		c.subscribers[streamID] = subscriberSet{addresses: set, fetchedAt: c.now()}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]struct{}), nil
}

// Stream returns the stream metadata, cached for the TTL.
func (c *AuthCache) Stream(ctx context.Context, streamID string) (*Stream, error) {
	c.mu.Lock()
	entry, ok := c.streams[streamID]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.stream, nil
	}

	v, err, _ := c.group.Do("stream:"+streamID, func() (any, error) {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.provider.GetStream(ctx, streamID)
		})
		if err != nil {
			return nil, err
		}
		stream := res.(*Stream)
		if stream == nil {
			return nil, ErrUnknownStream
		}
		c.mu.Lock()
		c.streams[streamID] = streamEntry{stream: stream, fetchedAt: c.now()}
		c.mu.Unlock()
		return stream, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stream), nil
}

// Invalidate drops everything cached for the stream.
func (c *AuthCache) Invalidate(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, streamID)
	delete(c.streams, streamID)
	prefix := streamID + "\x00"
	for k := range c.confirmed {
		if strings.HasPrefix(k, prefix) {
			delete(c.confirmed, k)
		}
	}
}

// Addresses are hex account ids; compare them case-insensitively.
func normalize(address string) string {
	return strings.ToLower(address)
}
