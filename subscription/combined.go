// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
)

// Combined replays history first and then follows the live stream. It
// starts with a Historical engine and buffers broadcasts until the resend
// is done, then switches to a RealTime engine and replays the buffer.
// Identity and state belong to Combined, never to the inner engines.
type Combined struct {
	id       string
	cfg      Config
	state    *stateManager
	ordering OrderingUtil
	delivery *delivery
	ctx      context.Context
	cancel   context.CancelFunc
	gen      atomic.Uint64
	switched chan struct{}

	mu         sync.Mutex
	current    *engine
	historical *Historical
	realtime   *RealTime
	buffer     []*admission
	held       []func(e *engine)
	swapping   bool
	stopped    bool
}

// NewCombined creates and starts a combined subscription.
func NewCombined(cfg Config) (*Combined, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Resend.IsZero() {
		return nil, ErrResendRequired
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Combined{
		id:       nextID(),
		cfg:      cfg,
		state:    newStateManager(),
		ctx:      ctx,
		cancel:   cancel,
		switched: make(chan struct{}),
	}
	c.delivery = &delivery{
		streamID: cfg.StreamID,
		handler:  cfg.Handler,
		emit:     c.emit,
		metrics:  cfg.Metrics,
	}
	c.ordering = cfg.Ordering(cfg.StreamID, cfg.StreamPartition, c.delivery.deliver, c.onGap)

	h, err := NewHistorical(c.innerConfig(c.gen.Load()))
	if err != nil {
		cancel()
		return nil, err
	}
	c.historical = h
	c.current = h.engine
	return c, nil
}

func (c *Combined) innerConfig(gen uint64) Config {
	cfg := c.cfg
	cfg.shared = c.ordering
	cfg.Listener = c.forward(gen)
	return cfg
}

// forward relays events of the inner engine of generation gen. State events
// are dropped since Combined emits its own.
func (c *Combined) forward(gen uint64) Listener {
	return func(ev Event) {
		if c.gen.Load() != gen {
			return
		}
		if _, ok := ev.(StateEvent); ok {
			return
		}
		c.notify(ev)
		if _, ok := ev.(InitialResendDoneEvent); ok {
			go c.switchToRealTime(gen)
		}
	}
}

func (c *Combined) emit(ev Event) {
	if ee, ok := ev.(ErrorEvent); ok {
		c.cfg.Metrics.RecordError(c.cfg.StreamID, errorKind(ee.Err))
	}
	c.notify(ev)
}

// notify hands ev to the listener. Inner engines already recorded it.
func (c *Combined) notify(ev Event) {
	if c.cfg.Listener != nil {
		guard(c.cfg.Logger, c.id, "listener", func() { c.cfg.Listener(ev) })
	}
}

func (c *Combined) onGap(from, to message.MessageRef, publisherID, msgChainID string) {
	c.emit(GapEvent{From: from, To: to, PublisherID: publisherID, MsgChainID: msgChainID})
}

// switchToRealTime stops the historical engine, starts a real-time engine
// sharing the ordering state and replays the buffered broadcasts into it.
func (c *Combined) switchToRealTime(gen uint64) {
	h, ok := c.beginSwitch(gen)
	if !ok {
		return
	}
	// The ordering collaborator must have a single user at a time.
	h.Stop()
	<-h.done
	c.finishSwitch(h)
}

// beginSwitch detaches the historical engine. From here until finishSwitch,
// calls for the inner engine are held.
func (c *Combined) beginSwitch(gen uint64) (*Historical, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.swapping || c.gen.Load() != gen {
		return nil, false
	}
	c.swapping = true
	c.gen.Add(1)
	return c.historical, true
}

// finishSwitch starts the real-time engine once h is done, then replays the
// held calls followed by the buffered broadcasts.
func (c *Combined) finishSwitch(h *Historical) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held = nil
	if c.stopped {
		c.ordering.Clear()
		return
	}

	cfg := c.innerConfig(c.gen.Load())
	cfg.GroupKeys = h.currentKeys()
	rt, err := NewRealTime(cfg)
	if err != nil {
		c.emit(ErrorEvent{Err: err})
		return
	}
	rt.state.set(c.state.get())

	for _, fn := range held {
		fn(rt.engine)
	}
	for _, a := range c.buffer {
		rt.post(func() { rt.handle(a) })
	}
	c.cfg.Logger.Debug("historical resend done, switched to real-time",
		slog.String("subscription_id", c.id),
		slog.String("stream_id", c.cfg.StreamID),
		slog.Int("held", len(held)),
		slog.Int("replayed", len(c.buffer)))

	c.buffer = nil
	c.realtime = rt
	c.current = rt.engine
	close(c.switched)
}

func (c *Combined) active() *engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// onActive runs fn on the active engine, or holds it for the real-time
// engine while the switch is in progress.
func (c *Combined) onActive(fn func(e *engine)) {
	c.mu.Lock()
	if c.swapping && c.realtime == nil {
		if !c.stopped {
			c.held = append(c.held, fn)
		}
		c.mu.Unlock()
		return
	}
	cur := c.current
	c.mu.Unlock()
	fn(cur)
}

func (c *Combined) ID() string                   { return c.id }
func (c *Combined) StreamID() string             { return c.cfg.StreamID }
func (c *Combined) StreamPartition() int         { return c.cfg.StreamPartition }
func (c *Combined) State() State                 { return c.state.get() }
func (c *Combined) ResendOptions() ResendOptions { return c.cfg.Resend }
func (c *Combined) IsResending() bool            { return c.active().IsResending() }
func (c *Combined) SetResending(resending bool) {
	c.onActive(func(e *engine) { e.SetResending(resending) })
}

// SetState changes the state of the subscription and of the inner engine.
func (c *Combined) SetState(s State) {
	if prev := c.state.set(s); prev != s {
		c.emit(StateEvent{State: s})
	}
	c.onActive(func(e *engine) { e.SetState(s) })
}

// HandleBroadcastMessage buffers the message until the switch to real-time.
// Verification starts right away either way.
func (c *Combined) HandleBroadcastMessage(msg *message.StreamMessage, verify VerifyFunc) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if rt := c.realtime; rt != nil {
		c.mu.Unlock()
		rt.HandleBroadcastMessage(msg, verify)
		return
	}
	c.buffer = append(c.buffer, admit(c.ctx, msg, verify, c.cfg.StreamID, c.cfg.Metrics))
	c.mu.Unlock()
}

func (c *Combined) HandleResentMessage(msg *message.StreamMessage, requestID string, verify VerifyFunc) {
	c.onActive(func(e *engine) { e.HandleResentMessage(msg, requestID, verify) })
}

func (c *Combined) AddPendingResendRequestID(requestID string) {
	c.onActive(func(e *engine) { e.AddPendingResendRequestID(requestID) })
}

func (c *Combined) HandleResending(resp message.ResendResponse) {
	c.onActive(func(e *engine) { e.HandleResending(resp) })
}

func (c *Combined) HandleResent(resp message.ResendResponse) {
	c.onActive(func(e *engine) { e.HandleResent(resp) })
}

func (c *Combined) HandleNoResend(resp message.ResendResponse) {
	c.onActive(func(e *engine) { e.HandleNoResend(resp) })
}

func (c *Combined) SetGroupKeys(publisherID string, keys []encryption.GroupKey) {
	c.onActive(func(e *engine) { e.SetGroupKeys(publisherID, keys) })
}

func (c *Combined) OnDisconnected() {
	c.onActive(func(e *engine) { e.OnDisconnected() })
}

// Stop stops the active engine and drops buffered broadcasts.
func (c *Combined) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cur := c.current
	c.buffer = nil
	c.held = nil
	c.mu.Unlock()

	c.cancel()
	cur.clearOrdering.Store(true)
	cur.Stop()
}
