// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keyexchange"
	"github.com/absmach/fluxsub/keystore"
	"github.com/absmach/fluxsub/message"
	"github.com/absmach/fluxsub/ratelimit"
	"github.com/absmach/fluxsub/subscription"
	"github.com/google/uuid"
)

// Client is a thread-safe subscriber. It owns the subscription engines of
// every stream partition it follows and answers their group key needs
// through the key exchange.
type Client struct {
	opts     *Options
	logger   *slog.Logger
	keyPair  *encryption.KeyPair
	exchange *keyexchange.Exchange
	limiter  *ratelimit.RequesterLimiter
	subs     *subscriptionRegistry

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// subscriptionRef lets a listener reach the subscription it was built for.
type subscriptionRef struct {
	sub subscription.Subscription
}

// New creates a new client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, ErrNilOptions
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kp := opts.KeyPair
	if kp == nil {
		var err error
		if kp, err = encryption.GenerateKeyPair(opts.KeyBits); err != nil {
			return nil, err
		}
	}

	store := opts.Store
	if store == nil {
		store = keystore.NewMemoryStore(keystore.ModeHistory)
	}

	auth, err := keyexchange.NewAuthCache(opts.Provider, opts.SubscriberTTL, opts.CircuitBreaker, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		logger:  logger,
		keyPair: kp,
		limiter: ratelimit.New(opts.RateLimit),
		subs:    newSubscriptionRegistry(),
		ctx:     ctx,
		cancel:  cancel,
	}

	var metrics keyexchange.Metrics
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	c.exchange, err = keyexchange.New(keyexchange.Config{
		Address:            opts.Address,
		Store:              store,
		KeyPair:            kp,
		Auth:               auth,
		Limiter:            c.limiter,
		Sender:             opts.Sender,
		Signer:             opts.Signer,
		Subscriptions:      c.subs,
		Logger:             logger,
		Metrics:            metrics,
		SendErrorResponses: opts.SendErrorResponses,
	})
	if err != nil {
		c.limiter.Stop()
		cancel()
		return nil, err
	}

	return c, nil
}

// PublicKey returns the PEM public key publishers encrypt group keys with.
func (c *Client) PublicKey() string {
	return c.keyPair.PublicKeyPEM()
}

// Subscribe creates a subscription for opt and returns it once it is
// subscribed. Live subscriptions with resend options replay history first.
func (c *Client) Subscribe(ctx context.Context, opt *SubscribeOption, handler subscription.Handler) (subscription.Subscription, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if opt == nil {
		return nil, subscription.ErrEmptyStreamID
	}
	resend := !opt.Resend.IsZero()
	if resend && c.opts.Resender == nil {
		return nil, ErrNoResender
	}

	ref := &subscriptionRef{}
	cfg := subscription.Config{
		StreamID:            opt.StreamID,
		StreamPartition:     opt.Partition,
		Handler:             handler,
		Listener:            c.listener(ref, opt.Listener),
		Resend:              opt.Resend,
		GroupKeys:           opt.GroupKeys,
		PropagationTimeout:  c.opts.PropagationTimeout,
		MaxGroupKeyRequests: c.opts.MaxGroupKeyRequests,
		OnUnableToDecrypt:   opt.OnUnableToDecrypt,
		Logger:              c.logger,
	}
	if c.opts.OrderMessages {
		cfg.Ordering = c.opts.Ordering
	}
	if c.opts.Metrics != nil {
		cfg.Metrics = c.opts.Metrics
	}

	sub, err := newSubscription(cfg, opt.Historical)
	if err != nil {
		return nil, err
	}
	ref.sub = sub

	sub.SetState(subscription.StateSubscribing)
	c.subs.add(sub)
	if resend {
		if err := c.resend(ctx, sub, sub.ResendOptions()); err != nil {
			c.subs.remove(sub.ID())
			sub.SetState(subscription.StateUnsubscribed)
			sub.Stop()
			return nil, err
		}
	}
	sub.SetState(subscription.StateSubscribed)

	c.logger.Debug("subscribed",
		slog.String("subscription_id", sub.ID()),
		slog.String("stream_id", sub.StreamID()),
		slog.Int("partition", sub.StreamPartition()),
		slog.Bool("resend", resend),
		slog.Bool("historical", opt.Historical))
	return sub, nil
}

func newSubscription(cfg subscription.Config, historical bool) (subscription.Subscription, error) {
	switch {
	case historical:
		h, err := subscription.NewHistorical(cfg)
		if err != nil {
			return nil, err
		}
		return h, nil
	case !cfg.Resend.IsZero():
		cs, err := subscription.NewCombined(cfg)
		if err != nil {
			return nil, err
		}
		return cs, nil
	default:
		rt, err := subscription.NewRealTime(cfg)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}

// Unsubscribe stops sub and forgets its pending resends.
func (c *Client) Unsubscribe(sub subscription.Subscription) error {
	if _, ok := c.subs.remove(sub.ID()); !ok {
		return ErrSubscriptionUnknown
	}
	sub.SetState(subscription.StateUnsubscribing)
	sub.SetState(subscription.StateUnsubscribed)
	sub.Stop()

	c.logger.Debug("unsubscribed",
		slog.String("subscription_id", sub.ID()),
		slog.String("stream_id", sub.StreamID()))
	return nil
}

// Subscription returns the subscription with the given id.
func (c *Client) Subscription(id string) (subscription.Subscription, bool) {
	return c.subs.get(id)
}

// Subscriptions returns every active subscription.
func (c *Client) Subscriptions() []subscription.Subscription {
	return c.subs.snapshot()
}

// Resend requests historical messages for an existing subscription, for
// instance to fill a gap. It returns the resend request id.
func (c *Client) Resend(ctx context.Context, sub subscription.Subscription, opts subscription.ResendOptions) (string, error) {
	if c.isClosed() {
		return "", ErrClientClosed
	}
	if c.opts.Resender == nil {
		return "", ErrNoResender
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if _, ok := c.subs.get(sub.ID()); !ok {
		return "", ErrSubscriptionUnknown
	}
	return c.resendID(ctx, sub, opts)
}

func (c *Client) resend(ctx context.Context, sub subscription.Subscription, opts subscription.ResendOptions) error {
	_, err := c.resendID(ctx, sub, opts)
	return err
}

func (c *Client) resendID(ctx context.Context, sub subscription.Subscription, opts subscription.ResendOptions) (string, error) {
	requestID := uuid.NewString()
	if !c.subs.addRequest(sub.ID(), requestID) {
		return "", ErrSubscriptionUnknown
	}
	sub.AddPendingResendRequestID(requestID)
	sub.SetResending(true)

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.opts.Resender.Resend(ctx, sub.StreamID(), sub.StreamPartition(), requestID, opts); err != nil {
		c.subs.removeRequest(requestID)
		return "", fmt.Errorf("%w: %v", ErrResendFailed, err)
	}
	return requestID, nil
}

// HandleBroadcastMessage routes a live message to every subscription of its
// stream partition.
func (c *Client) HandleBroadcastMessage(msg *message.StreamMessage, verify subscription.VerifyFunc) {
	subs := c.subs.forPartition(msg.ID.StreamID, msg.ID.StreamPartition)
	if len(subs) == 0 {
		c.logger.Debug("broadcast message without subscription",
			slog.String("stream_id", msg.ID.StreamID),
			slog.Int("partition", msg.ID.StreamPartition))
		return
	}
	// Each subscription decrypts in place, so all but the first get a copy
	// taken before any of them starts.
	msgs := make([]*message.StreamMessage, len(subs))
	msgs[0] = msg
	for i := 1; i < len(subs); i++ {
		msgs[i] = msg.Clone()
	}
	for i, sub := range subs {
		sub.HandleBroadcastMessage(msgs[i], verify)
	}
}

// HandleResentMessage routes a resent message to the subscription that
// issued requestID.
func (c *Client) HandleResentMessage(msg *message.StreamMessage, requestID string, verify subscription.VerifyFunc) error {
	sub, ok := c.subs.byRequest(requestID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownRequest, requestID)
	}
	sub.HandleResentMessage(msg, requestID, verify)
	return nil
}

// HandleResendResponse routes a resend control response by request id.
func (c *Client) HandleResendResponse(kind message.ResendResponseKind, resp message.ResendResponse) error {
	sub, ok := c.subs.byRequest(resp.RequestID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownRequest, resp.RequestID)
	}

	switch kind {
	case message.ResendResponseResending:
		sub.HandleResending(resp)
	case message.ResendResponseResent:
		c.subs.removeRequest(resp.RequestID)
		sub.HandleResent(resp)
	case message.ResendResponseNoResend:
		c.subs.removeRequest(resp.RequestID)
		sub.HandleNoResend(resp)
	default:
		return fmt.Errorf("%w %d", ErrUnknownResponseKind, kind)
	}
	return nil
}

// HandleGroupKeyRequest answers a subscriber asking for our group keys.
func (c *Client) HandleGroupKeyRequest(ctx context.Context, msg *message.StreamMessage) error {
	return c.exchange.HandleGroupKeyRequest(ctx, msg)
}

// HandleGroupKeyResponse installs group keys a publisher sent us.
func (c *Client) HandleGroupKeyResponse(ctx context.Context, msg *message.StreamMessage) error {
	return c.exchange.HandleGroupKeyResponse(ctx, msg)
}

// HandleGroupKeyErrorResponse records a refused group key request.
func (c *Client) HandleGroupKeyErrorResponse(ctx context.Context, msg *message.StreamMessage) error {
	return c.exchange.HandleGroupKeyErrorResponse(ctx, msg)
}

// HandleInboxMessage dispatches a key exchange message received in our inbox.
func (c *Client) HandleInboxMessage(ctx context.Context, msg *message.StreamMessage) error {
	switch msg.MessageType {
	case message.TypeGroupKeyRequest:
		return c.HandleGroupKeyRequest(ctx, msg)
	case message.TypeGroupKeyResponse:
		return c.HandleGroupKeyResponse(ctx, msg)
	case message.TypeGroupKeyErrorResponse:
		return c.HandleGroupKeyErrorResponse(ctx, msg)
	default:
		return fmt.Errorf("%w %s", subscription.ErrUnexpectedMessageType, msg.MessageType)
	}
}

// OnDisconnected tells every subscription the transport went away.
func (c *Client) OnDisconnected() {
	for _, sub := range c.subs.snapshot() {
		sub.OnDisconnected()
	}
}

// Close stops every subscription and waits for outstanding requests.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		for _, sub := range c.subs.snapshot() {
			c.subs.remove(sub.ID())
			sub.SetState(subscription.StateUnsubscribed)
			sub.Stop()
		}
		c.cancel()
		c.wg.Wait()
		c.limiter.Stop()
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) listener(ref *subscriptionRef, user subscription.Listener) subscription.Listener {
	return func(ev subscription.Event) {
		switch e := ev.(type) {
		case subscription.GroupKeyMissingEvent:
			c.requestGroupKey(ref.sub, e)
		case subscription.GapEvent:
			c.fillGap(ref.sub, e)
		}
		if user != nil {
			user(ev)
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(subscription.Wrap(ref.sub, ev))
		}
	}
}

// requestGroupKey asks the publisher for the keys sub is missing. The request
// id is registered first so the response reaches sub and no other
// subscription of the stream.
func (c *Client) requestGroupKey(sub subscription.Subscription, e subscription.GroupKeyMissingEvent) {
	requestID := uuid.NewString()
	if !c.subs.addKeyRequest(sub.ID(), requestID) {
		return
	}
	c.async(func(ctx context.Context) {
		if err := c.exchange.SendGroupKeyRequest(ctx, requestID, e.StreamID, e.PublisherID, e.Start, e.End); err != nil {
			c.subs.takeKeyRequest(requestID)
			c.logger.Warn("group key request failed",
				slog.String("stream_id", e.StreamID),
				slog.String("publisher_id", e.PublisherID),
				slog.Int("attempt", e.Attempt),
				slog.String("error", err.Error()))
		}
	})
}

// fillGap asks for the messages of a gap the ordering collaborator found.
func (c *Client) fillGap(sub subscription.Subscription, e subscription.GapEvent) {
	if c.opts.Resender == nil {
		return
	}
	from, to := e.From, e.To
	opts := subscription.ResendOptions{
		From:        &from,
		To:          &to,
		PublisherID: e.PublisherID,
		MsgChainID:  e.MsgChainID,
	}
	c.async(func(ctx context.Context) {
		if err := c.resend(ctx, sub, opts); err != nil {
			c.logger.Warn("gap fill request failed",
				slog.String("subscription_id", sub.ID()),
				slog.String("stream_id", sub.StreamID()),
				slog.String("publisher_id", e.PublisherID),
				slog.String("error", err.Error()))
		}
	})
}

// async runs fn in the background unless the client is closed.
func (c *Client) async(fn func(ctx context.Context)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}
