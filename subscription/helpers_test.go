// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
	"github.com/stretchr/testify/require"
)

const (
	testStream = "stream"
	pubA       = "0xaaa"
	pubB       = "0xbbb"
)

type recorder struct {
	mu        sync.Mutex
	events    []Event
	delivered []*message.StreamMessage
	unable    []*message.StreamMessage
}

func (r *recorder) handle(_ map[string]any, msg *message.StreamMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, msg)
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onUnable(msg *message.StreamMessage, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unable = append(r.unable, msg)
}

// timestamps returns the timestamps of delivered messages.
func (r *recorder) timestamps() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := make([]int64, len(r.delivered))
	for i, m := range r.delivered {
		ts[i] = m.ID.Timestamp
	}
	return ts
}

func (r *recorder) unableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unable)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type()
	}
	return types
}

func eventsOf[T Event](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, ev := range r.events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) config(resend ResendOptions) Config {
	return Config{
		StreamID:           testStream,
		Handler:            r.handle,
		Listener:           r.listen,
		Resend:             resend,
		PropagationTimeout: time.Hour,
		OnUnableToDecrypt:  r.onUnable,
	}
}

func groupKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, encryption.KeyLength)
}

func plainMsg(t *testing.T, pub string, ts int64, prev *message.MessageRef, content map[string]any) *message.StreamMessage {
	t.Helper()
	if content == nil {
		content = map[string]any{"ts": ts}
	}
	msg, err := message.NewJSONMessage(message.MessageID{
		StreamID:    testStream,
		Timestamp:   ts,
		PublisherID: pub,
		MsgChainID:  "chain-" + pub,
	}, prev, content)
	require.NoError(t, err)
	return msg
}

func encryptedMsg(t *testing.T, pub string, ts int64, key, newKey []byte) *message.StreamMessage {
	t.Helper()
	msg := plainMsg(t, pub, ts, nil, nil)
	require.NoError(t, encryption.EncryptStreamMessage(msg, key, newKey))
	return msg
}

func verified(ok bool, err error) VerifyFunc {
	return func(_ context.Context) (bool, error) {
		return ok, err
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// gapDetector is a minimal ordering collaborator: it forwards messages and
// reports a gap when a message points past the last one seen in its chain.
type gapDetector struct {
	mu      sync.Mutex
	inOrder func(*message.StreamMessage)
	gap     GapHandler
	last    map[string]message.MessageRef
	cleared int
}

func newGapDetector(_ string, _ int, inOrder func(*message.StreamMessage), gap GapHandler) OrderingUtil {
	return &gapDetector{inOrder: inOrder, gap: gap, last: make(map[string]message.MessageRef)}
}

func (g *gapDetector) Add(msg *message.StreamMessage) {
	g.mu.Lock()
	chain := msg.PublisherID() + "/" + msg.ID.MsgChainID
	last, seen := g.last[chain]
	g.last[chain] = msg.ID.Ref()
	g.mu.Unlock()

	if seen && msg.PrevRef != nil && msg.PrevRef.Compare(last) > 0 {
		from := message.MessageRef{Timestamp: last.Timestamp, SequenceNumber: last.SequenceNumber + 1}
		g.gap(from, *msg.PrevRef, msg.PublisherID(), msg.ID.MsgChainID)
	}
	g.inOrder(msg)
}

func (g *gapDetector) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared++
	clear(g.last)
}
