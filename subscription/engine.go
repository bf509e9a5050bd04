// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
)

// Subscription is the contract shared by the real-time, historical and
// combined engines. Every method is safe for concurrent use; processing
// happens asynchronously and failures are reported as ErrorEvent.
type Subscription interface {
	ID() string
	StreamID() string
	StreamPartition() int
	State() State
	SetState(s State)
	IsResending() bool
	SetResending(resending bool)
	ResendOptions() ResendOptions

	AddPendingResendRequestID(requestID string)
	HandleBroadcastMessage(msg *message.StreamMessage, verify VerifyFunc)
	HandleResentMessage(msg *message.StreamMessage, requestID string, verify VerifyFunc)
	HandleResending(resp message.ResendResponse)
	HandleResent(resp message.ResendResponse)
	HandleNoResend(resp message.ResendResponse)

	// SetGroupKeys installs keys of a publisher and drains its queue.
	SetGroupKeys(publisherID string, keys []encryption.GroupKey)
	OnDisconnected()
	Stop()
}

var lastID atomic.Uint64

func nextID() string {
	return strconv.FormatUint(lastID.Add(1), 10)
}

// keyStrategy is the variant specific part of group key handling.
type keyStrategy interface {
	decrypt(msg *message.StreamMessage) ([]byte, error)
	canRequestKey(publisherID string) bool
	installKeys(publisherID string, keys []encryption.GroupKey) error
	promoteKey(publisherID string, key []byte)
	keyRange(msg *message.StreamMessage) (start, end int64)
}

type keyRetry struct {
	timer    *time.Timer
	attempts int
	start    int64
	end      int64
}

// admission is a message whose verification already started.
type admission struct {
	msg  *message.StreamMessage
	done chan struct{}
	ok   bool
	err  error
}

func admit(ctx context.Context, msg *message.StreamMessage, verify VerifyFunc, streamID string, metrics Metrics) *admission {
	a := &admission{msg: msg, done: make(chan struct{})}
	if verify == nil {
		a.ok = true
		close(a.done)
		return a
	}
	go func() {
		defer close(a.done)
		start := time.Now()
		a.ok, a.err = verify(ctx)
		metrics.RecordVerification(streamID, time.Since(start))
	}()
	return a
}

// engine runs one subscription. Messages, key installs, retry ticks and
// resend responses are all tasks of one mailbox, so the state below the
// marker is only touched by the mailbox goroutine.
type engine struct {
	id        string
	cfg       Config
	strategy  keyStrategy
	state     *stateManager
	resending atomic.Bool
	mailbox   *mailbox
	ordering  OrderingUtil
	delivery  *delivery
	logger    *slog.Logger
	metrics   Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
	done      chan struct{}

	// clearOrdering is set when the engine owns the ordering collaborator.
	clearOrdering atomic.Bool

	// mailbox goroutine only
	queues             map[string][]*message.StreamMessage
	retries            map[string]*keyRetry
	exhausted          map[string]bool
	pending            map[string]struct{}
	resendDone         bool
	trackInitialResend bool
	initialResendDone  bool
}

func newEngine(cfg Config, strategy keyStrategy) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		id:        nextID(),
		cfg:       cfg,
		strategy:  strategy,
		state:     newStateManager(),
		mailbox:   newMailbox(),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queues:    make(map[string][]*message.StreamMessage),
		retries:   make(map[string]*keyRetry),
		exhausted: make(map[string]bool),
		pending:   make(map[string]struct{}),
	}
	e.delivery = &delivery{
		streamID: cfg.StreamID,
		handler:  cfg.Handler,
		emit:     e.emit,
		metrics:  cfg.Metrics,
	}
	if cfg.shared != nil {
		e.ordering = cfg.shared
	} else {
		e.ordering = cfg.Ordering(cfg.StreamID, cfg.StreamPartition, e.delivery.deliver, e.onGap)
		e.clearOrdering.Store(true)
	}
	return e
}

func (e *engine) start() {
	go e.run()
}

func (e *engine) run() {
	defer close(e.done)

	for {
		task, ok := e.mailbox.next()
		if !ok {
			break
		}
		task()
	}

	e.cancelRetries()
	discarded := 0
	for _, q := range e.queues {
		discarded += len(q)
	}
	if discarded > 0 {
		e.metrics.RecordQueued(e.cfg.StreamID, -discarded)
		e.logger.Debug("discarded queued messages",
			slog.String("subscription_id", e.id),
			slog.String("stream_id", e.cfg.StreamID),
			slog.Int("count", discarded))
	}
	clear(e.queues)
	if e.clearOrdering.Load() {
		e.ordering.Clear()
	}
}

func (e *engine) post(task func()) {
	e.mailbox.post(task)
}

// barrier waits until every task posted before it has run.
func (e *engine) barrier() {
	ch := make(chan struct{})
	e.post(func() { close(ch) })
	select {
	case <-ch:
	case <-e.done:
	}
}

func (e *engine) emit(ev Event) {
	if ee, ok := ev.(ErrorEvent); ok {
		e.metrics.RecordError(e.cfg.StreamID, errorKind(ee.Err))
		e.logger.Debug("subscription error",
			slog.String("subscription_id", e.id),
			slog.String("stream_id", e.cfg.StreamID),
			slog.String("error", ee.Err.Error()))
	}
	if e.cfg.Listener != nil {
		guard(e.logger, e.id, "listener", func() { e.cfg.Listener(ev) })
	}
}

func (e *engine) fail(err error) {
	e.emit(ErrorEvent{Err: err})
}

func (e *engine) onGap(from, to message.MessageRef, publisherID, msgChainID string) {
	e.emit(GapEvent{From: from, To: to, PublisherID: publisherID, MsgChainID: msgChainID})
}

func (e *engine) ID() string                   { return e.id }
func (e *engine) StreamID() string             { return e.cfg.StreamID }
func (e *engine) StreamPartition() int         { return e.cfg.StreamPartition }
func (e *engine) State() State                 { return e.state.get() }
func (e *engine) IsResending() bool            { return e.resending.Load() }
func (e *engine) SetResending(resending bool)  { e.resending.Store(resending) }
func (e *engine) ResendOptions() ResendOptions { return e.cfg.Resend }

// SetState changes the state. Unsubscribing cancels every key request.
func (e *engine) SetState(s State) {
	if prev := e.state.set(s); prev == s {
		return
	}
	if s == StateUnsubscribed {
		e.resending.Store(false)
	}
	// State events outlive Stop so an Unsubscribe followed by Stop still
	// reports both transitions.
	e.mailbox.postKept(func() {
		if s == StateUnsubscribed {
			e.cancelRetries()
		}
		e.emit(StateEvent{State: s})
	})
}

// OnDisconnected cancels every key request and resets resending.
func (e *engine) OnDisconnected() {
	e.resending.Store(false)
	e.post(e.cancelRetries)
}

// Stop terminates the engine and discards everything still queued except
// pending state events. It does not wait and may be called from a Handler or
// Listener.
func (e *engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.mailbox.close()
	})
}

func (e *engine) HandleBroadcastMessage(msg *message.StreamMessage, verify VerifyFunc) {
	a := admit(e.ctx, msg, verify, e.cfg.StreamID, e.metrics)
	e.post(func() { e.handle(a) })
}

func (e *engine) HandleResentMessage(msg *message.StreamMessage, requestID string, verify VerifyFunc) {
	a := admit(e.ctx, msg, verify, e.cfg.StreamID, e.metrics)
	e.post(func() {
		if _, ok := e.pending[requestID]; !ok {
			e.fail(fmt.Errorf("%w %s", ErrUnknownResendRequest, requestID))
			return
		}
		e.handle(a)
	})
}

func (e *engine) AddPendingResendRequestID(requestID string) {
	e.post(func() {
		e.pending[requestID] = struct{}{}
		e.resendDone = false
	})
}

func (e *engine) HandleResending(resp message.ResendResponse) {
	e.post(func() {
		if _, ok := e.pending[resp.RequestID]; !ok {
			e.fail(fmt.Errorf("%w %s", ErrUnknownResendRequest, resp.RequestID))
			return
		}
		e.resending.Store(true)
		e.emit(ResendingEvent{Response: resp})
	})
}

func (e *engine) HandleResent(resp message.ResendResponse) {
	e.post(func() { e.resolveResend(resp, ResentEvent{Response: resp}) })
}

func (e *engine) HandleNoResend(resp message.ResendResponse) {
	e.post(func() { e.resolveResend(resp, NoResendEvent{Response: resp}) })
}

func (e *engine) SetGroupKeys(publisherID string, keys []encryption.GroupKey) {
	ks := make([]encryption.GroupKey, len(keys))
	copy(ks, keys)
	e.post(func() { e.installKeys(publisherID, ks) })
}

// Every message goes through handle in arrival order.
func (e *engine) handle(a *admission) {
	select {
	case <-a.done:
	case <-e.ctx.Done():
		return
	}

	msg := a.msg
	switch {
	case a.err != nil:
		e.fail(&VerificationFailedError{Ref: msg.ID.Ref(), Err: a.err})
	case !a.ok:
		e.fail(&InvalidSignatureError{Ref: msg.ID.Ref(), PublisherID: msg.PublisherID()})
	default:
		e.process(msg)
	}
}

func (e *engine) process(msg *message.StreamMessage) {
	if msg.MessageType != message.TypeMessage {
		e.fail(fmt.Errorf("%w %s", ErrUnexpectedMessageType, msg.MessageType))
		return
	}
	if !msg.IsEncrypted() {
		e.ordering.Add(msg)
		return
	}

	pub := msg.PublisherID()
	if len(e.queues[pub]) > 0 {
		e.enqueue(msg)
		e.requestKey(pub, msg)
		return
	}
	e.decryptOrQueue(msg)
}

// decryptOrQueue reports false when msg was queued to wait for a key.
func (e *engine) decryptOrQueue(msg *message.StreamMessage) bool {
	pub := msg.PublisherID()
	newKey, err := e.strategy.decrypt(msg)
	switch {
	case err == nil:
		e.strategy.promoteKey(pub, newKey)
		e.ordering.Add(msg)
	case !encryption.IsUnableToDecrypt(err):
		e.fail(err)
	case e.exhausted[pub] || !e.strategy.canRequestKey(pub):
		e.unableToDecrypt(msg, err)
	default:
		e.enqueue(msg)
		e.requestKey(pub, msg)
		return false
	}
	return true
}

func (e *engine) enqueue(msg *message.StreamMessage) {
	pub := msg.PublisherID()
	e.queues[pub] = append(e.queues[pub], msg)
	e.metrics.RecordQueued(e.cfg.StreamID, 1)
}

func (e *engine) installKeys(publisherID string, keys []encryption.GroupKey) {
	if err := e.strategy.installKeys(publisherID, keys); err != nil {
		e.fail(err)
		return
	}
	e.cancelRetry(publisherID)
	delete(e.exhausted, publisherID)
	e.drain(publisherID)
	e.checkResendDone()
}

// drain retries the queue of a publisher in FIFO order. Messages behind one
// that still cannot be decrypted stay queued.
func (e *engine) drain(publisherID string) {
	q := e.queues[publisherID]
	if len(q) == 0 {
		return
	}
	delete(e.queues, publisherID)
	e.metrics.RecordQueued(e.cfg.StreamID, -len(q))

	for i, msg := range q {
		if e.decryptOrQueue(msg) {
			continue
		}
		rest := q[i+1:]
		e.queues[publisherID] = append(e.queues[publisherID], rest...)
		e.metrics.RecordQueued(e.cfg.StreamID, len(rest))
		return
	}
}

// requestKey starts the retry loop of a publisher unless one is running.
func (e *engine) requestKey(publisherID string, msg *message.StreamMessage) {
	if _, ok := e.retries[publisherID]; ok {
		return
	}
	start, end := e.strategy.keyRange(msg)
	r := &keyRetry{start: start, end: end}
	e.retries[publisherID] = r
	e.requestAttempt(publisherID, r)
}

func (e *engine) requestAttempt(publisherID string, r *keyRetry) {
	r.attempts++
	e.metrics.RecordKeyMissing(e.cfg.StreamID)
	e.logger.Debug("group key missing",
		slog.String("subscription_id", e.id),
		slog.String("stream_id", e.cfg.StreamID),
		slog.String("publisher_id", publisherID),
		slog.Int("attempt", r.attempts))
	e.emit(GroupKeyMissingEvent{
		StreamID:    e.cfg.StreamID,
		PublisherID: publisherID,
		Start:       r.start,
		End:         r.end,
		Attempt:     r.attempts,
	})

	r.timer = time.AfterFunc(e.cfg.PropagationTimeout, func() {
		e.post(func() { e.retryTick(publisherID, r) })
	})
}

func (e *engine) retryTick(publisherID string, r *keyRetry) {
	if e.retries[publisherID] != r {
		return
	}
	if r.attempts >= e.cfg.MaxGroupKeyRequests {
		e.giveUp(publisherID)
		return
	}
	e.requestAttempt(publisherID, r)
}

// giveUp hands every queued message of the publisher to the unable to
// decrypt hook. Later messages go there directly until a key arrives.
func (e *engine) giveUp(publisherID string) {
	delete(e.retries, publisherID)
	e.exhausted[publisherID] = true

	q := e.queues[publisherID]
	delete(e.queues, publisherID)
	e.metrics.RecordQueued(e.cfg.StreamID, -len(q))
	e.logger.Warn("group key not received, giving up",
		slog.String("subscription_id", e.id),
		slog.String("stream_id", e.cfg.StreamID),
		slog.String("publisher_id", publisherID),
		slog.Int("attempts", e.cfg.MaxGroupKeyRequests),
		slog.Int("messages", len(q)))

	for _, msg := range q {
		e.unableToDecrypt(msg, &encryption.UnableToDecryptError{
			Ref: msg.ID.Ref().String(),
			Err: encryption.ErrNoKey,
		})
	}
	e.checkResendDone()
}

func (e *engine) unableToDecrypt(msg *message.StreamMessage, err error) {
	e.metrics.RecordUnableToDecrypt(e.cfg.StreamID)
	if e.cfg.OnUnableToDecrypt != nil {
		guard(e.logger, e.id, "unable_to_decrypt", func() { e.cfg.OnUnableToDecrypt(msg, err) })
		return
	}
	e.fail(err)
}

func (e *engine) cancelRetry(publisherID string) {
	if r, ok := e.retries[publisherID]; ok {
		r.timer.Stop()
		delete(e.retries, publisherID)
	}
}

func (e *engine) cancelRetries() {
	for pub := range e.retries {
		e.cancelRetry(pub)
	}
}

func (e *engine) resolveResend(resp message.ResendResponse, ev Event) {
	if _, ok := e.pending[resp.RequestID]; !ok {
		e.fail(fmt.Errorf("%w %s", ErrUnknownResendRequest, resp.RequestID))
		return
	}
	delete(e.pending, resp.RequestID)
	e.emit(ev)

	if len(e.pending) == 0 {
		e.resendDone = true
		e.checkResendDone()
	}
}

// checkResendDone finishes the resend once every request resolved and no
// message waits for a key.
func (e *engine) checkResendDone() {
	if !e.resendDone {
		return
	}
	for _, q := range e.queues {
		if len(q) > 0 {
			return
		}
	}

	e.resendDone = false
	e.resending.Store(false)
	if e.trackInitialResend && !e.initialResendDone {
		e.initialResendDone = true
		e.emit(InitialResendDoneEvent{})
	}
}
