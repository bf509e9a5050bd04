// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keyexchange"
	"github.com/absmach/fluxsub/message"
	"github.com/absmach/fluxsub/subscription"
	"github.com/stretchr/testify/require"
)

const (
	testStream     = "stream-1"
	publisherAddr  = "0xpublisher"
	subscriberAddr = "0xsubscriber"
)

// testKeyPair is shared to keep RSA generation out of every test.
var testKeyPair = func() *encryption.KeyPair {
	kp, err := encryption.GenerateKeyPair(1024)
	if err != nil {
		panic(err)
	}
	return kp
}()

type staticProvider struct {
	subscribers map[string][]string
}

func (p *staticProvider) IsStreamSubscriber(_ context.Context, streamID, address string) (bool, error) {
	for _, s := range p.subscribers[streamID] {
		if strings.EqualFold(s, address) {
			return true, nil
		}
	}
	return false, nil
}

func (p *staticProvider) GetStreamSubscribers(_ context.Context, streamID string) ([]string, error) {
	return p.subscribers[streamID], nil
}

func (p *staticProvider) GetStream(_ context.Context, streamID string) (*keyexchange.Stream, error) {
	if _, ok := p.subscribers[streamID]; !ok {
		return nil, errors.New("stream not found")
	}
	return &keyexchange.Stream{ID: streamID, Partitions: 1}, nil
}

type testSigner struct{}

func (testSigner) Sign(msg *message.StreamMessage) error {
	msg.SignatureType = message.SignatureETH
	msg.Signature = "sig:" + msg.PublisherID()
	return nil
}

// network delivers key exchange messages to the inbox of the client whose
// address is the message stream id.
type network struct {
	mu      sync.Mutex
	clients map[string]*Client
	sent    []*message.StreamMessage
	errs    []error
}

func newNetwork() *network {
	return &network{clients: make(map[string]*Client)}
}

func (n *network) Send(ctx context.Context, msg *message.StreamMessage) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	dst := n.clients[msg.ID.StreamID]
	n.mu.Unlock()

	if dst == nil {
		return nil
	}
	if err := dst.HandleInboxMessage(ctx, msg); err != nil {
		n.mu.Lock()
		n.errs = append(n.errs, err)
		n.mu.Unlock()
	}
	return nil
}

func (n *network) join(address string, c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[address] = c
}

func (n *network) sentOf(typ message.MessageType) []*message.StreamMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*message.StreamMessage
	for _, m := range n.sent {
		if m.MessageType == typ {
			out = append(out, m)
		}
	}
	return out
}

type resendCall struct {
	streamID  string
	partition int
	requestID string
	opts      subscription.ResendOptions
}

type fakeResender struct {
	mu    sync.Mutex
	calls []resendCall
	err   error
}

func (r *fakeResender) Resend(_ context.Context, streamID string, partition int, requestID string, opts subscription.ResendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, resendCall{streamID, partition, requestID, opts})
	return nil
}

func (r *fakeResender) snapshot() []resendCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resendCall(nil), r.calls...)
}

type inbox struct {
	mu        sync.Mutex
	delivered []*message.StreamMessage
	events    []subscription.Event
}

func (i *inbox) handle(_ map[string]any, msg *message.StreamMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delivered = append(i.delivered, msg)
}

func (i *inbox) listen(ev subscription.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, ev)
}

func (i *inbox) timestamps() []int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	ts := make([]int64, len(i.delivered))
	for n, m := range i.delivered {
		ts[n] = m.ID.Timestamp
	}
	return ts
}

func (i *inbox) types() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	types := make([]string, len(i.events))
	for n, ev := range i.events {
		types[n] = ev.Type()
	}
	return types
}

func testOptions(address string, net *network, provider *staticProvider) *Options {
	return NewOptions().
		SetAddress(address).
		SetKeyPair(testKeyPair).
		SetProvider(provider).
		SetSender(net).
		SetSigner(testSigner{}).
		SetPropagationTimeout(time.Hour)
}

func newTestClient(t *testing.T, opts *Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dataMsg(t *testing.T, publisher string, ts int64, prev *message.MessageRef) *message.StreamMessage {
	t.Helper()
	msg, err := message.NewJSONMessage(message.MessageID{
		StreamID:    testStream,
		Timestamp:   ts,
		PublisherID: publisher,
		MsgChainID:  "chain",
	}, prev, map[string]any{"ts": ts})
	require.NoError(t, err)
	return msg
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
