// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keyexchange"
	"github.com/absmach/fluxsub/subscription"
)

var _ keyexchange.Subscriptions = (*subscriptionRegistry)(nil)

type streamKey struct {
	streamID  string
	partition int
}

type subscriptionRecord struct {
	sub         subscription.Subscription
	key         streamKey
	requests    map[string]struct{}
	keyRequests map[string]struct{}
}

// subscriptionRegistry indexes subscriptions by id, by stream partition, by
// pending resend request id and by pending group key request id.
type subscriptionRegistry struct {
	mu          sync.RWMutex
	subs        map[string]*subscriptionRecord
	byStream    map[streamKey][]*subscriptionRecord
	requests    map[string]*subscriptionRecord
	keyRequests map[string]*subscriptionRecord
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs:        make(map[string]*subscriptionRecord),
		byStream:    make(map[streamKey][]*subscriptionRecord),
		requests:    make(map[string]*subscriptionRecord),
		keyRequests: make(map[string]*subscriptionRecord),
	}
}

func (r *subscriptionRegistry) add(sub subscription.Subscription) {
	rec := &subscriptionRecord{
		sub:         sub,
		key:         streamKey{sub.StreamID(), sub.StreamPartition()},
		requests:    make(map[string]struct{}),
		keyRequests: make(map[string]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID()] = rec
	r.byStream[rec.key] = append(r.byStream[rec.key], rec)
}

// remove drops the subscription and every request id routed to it.
func (r *subscriptionRegistry) remove(id string) (subscription.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	delete(r.subs, id)
	for reqID := range rec.requests {
		delete(r.requests, reqID)
	}
	for reqID := range rec.keyRequests {
		delete(r.keyRequests, reqID)
	}

	recs := r.byStream[rec.key]
	for i, other := range recs {
		if other == rec {
			recs = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(recs) == 0 {
		delete(r.byStream, rec.key)
	} else {
		r.byStream[rec.key] = recs
	}
	return rec.sub, true
}

// addRequest routes resend responses carrying requestID to subscription id.
func (r *subscriptionRegistry) addRequest(id, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[id]
	if !ok {
		return false
	}
	rec.requests[requestID] = struct{}{}
	r.requests[requestID] = rec
	return true
}

func (r *subscriptionRegistry) removeRequest(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.requests[requestID]; ok {
		delete(rec.requests, requestID)
		delete(r.requests, requestID)
	}
}

// addKeyRequest routes the group key response answering requestID to
// subscription id.
func (r *subscriptionRegistry) addKeyRequest(id, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.subs[id]
	if !ok {
		return false
	}
	rec.keyRequests[requestID] = struct{}{}
	r.keyRequests[requestID] = rec
	return true
}

// takeKeyRequest forgets requestID and returns the subscription it belonged to.
func (r *subscriptionRegistry) takeKeyRequest(requestID string) (*subscriptionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keyRequests[requestID]
	if !ok {
		return nil, false
	}
	delete(rec.keyRequests, requestID)
	delete(r.keyRequests, requestID)
	return rec, true
}

func (r *subscriptionRegistry) byRequest(requestID string) (subscription.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.requests[requestID]
	if !ok {
		return nil, false
	}
	return rec.sub, true
}

func (r *subscriptionRegistry) get(id string) (subscription.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	return rec.sub, true
}

func (r *subscriptionRegistry) forPartition(streamID string, partition int) []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.byStream[streamKey{streamID, partition}]
	subs := make([]subscription.Subscription, len(recs))
	for i, rec := range recs {
		subs[i] = rec.sub
	}
	return subs
}

func (r *subscriptionRegistry) forStream(streamID string) []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var subs []subscription.Subscription
	for key, recs := range r.byStream {
		if key.streamID != streamID {
			continue
		}
		for _, rec := range recs {
			subs = append(subs, rec.sub)
		}
	}
	return subs
}

func (r *subscriptionRegistry) snapshot() []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]subscription.Subscription, 0, len(r.subs))
	for _, rec := range r.subs {
		subs = append(subs, rec.sub)
	}
	return subs
}

func (r *subscriptionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// IsSubscribed reports whether any partition of streamID is subscribed.
func (r *subscriptionRegistry) IsSubscribed(streamID string) bool {
	return len(r.forStream(streamID)) > 0
}

// SetGroupKeys installs keys on the subscription that issued requestID and
// returns how many subscriptions received them. A response to a request we
// do not know, for instance one sent directly through the exchange, can only
// carry a current key: it goes to the real-time subscriptions of the stream.
// Historical key sequences are built from their own ranged requests only.
func (r *subscriptionRegistry) SetGroupKeys(requestID, streamID, publisherID string, keys []encryption.GroupKey) int {
	if rec, ok := r.takeKeyRequest(requestID); ok {
		if rec.key.streamID != streamID {
			return 0
		}
		rec.sub.SetGroupKeys(publisherID, keys)
		return 1
	}
	if len(keys) != 1 {
		return 0
	}

	n := 0
	for _, sub := range r.forStream(streamID) {
		if _, ok := sub.(*subscription.RealTime); !ok {
			continue
		}
		sub.SetGroupKeys(publisherID, keys)
		n++
	}
	return n
}
