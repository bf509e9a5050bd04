// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keyexchange

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/keystore"
	"github.com/absmach/fluxsub/message"
	"github.com/absmach/fluxsub/ratelimit"
	"github.com/google/uuid"
)

// Sender delivers key exchange messages to the transport.
type Sender interface {
	Send(ctx context.Context, msg *message.StreamMessage) error
}

// Signer signs outgoing key exchange messages.
type Signer interface {
	Sign(msg *message.StreamMessage) error
}

// Subscriptions is the view of the local subscriptions the exchange installs
// received keys into. SetGroupKeys gets the request id the response answers
// so the keys reach the subscription that asked for them.
type Subscriptions interface {
	IsSubscribed(streamID string) bool
	SetGroupKeys(requestID, streamID, publisherID string, keys []encryption.GroupKey) int
}

// Metrics records key exchange outcomes.
type Metrics interface {
	RecordKeyRequest(outcome string)
	RecordKeysInstalled(streamID string, count int)
}

type nopMetrics struct{}

func (nopMetrics) RecordKeyRequest(string)         {}
func (nopMetrics) RecordKeysInstalled(string, int) {}

// Key request outcomes reported to Metrics.
const (
	OutcomeAnswered    = "answered"
	OutcomeRejected    = "rejected"
	OutcomeRateLimited = "rate_limited"
	OutcomeSent        = "sent"
	OutcomeErrored     = "error_response"
)

// Config wires the exchange collaborators.
type Config struct {
	// Address is the local identity used as publisher of outgoing messages.
	Address string
	Store   keystore.Store
	// KeyPair decrypts received group keys. Publisher-only clients may omit it.
	KeyPair       *encryption.KeyPair
	Auth          *AuthCache
	Limiter       *ratelimit.RequesterLimiter
	Sender        Sender
	Signer        Signer
	Subscriptions Subscriptions
	Logger        *slog.Logger
	Metrics       Metrics

	// SendErrorResponses answers refused requests with a GroupKeyErrorResponse.
	SendErrorResponses bool
}

// Exchange answers group key requests for streams we publish and installs
// group keys received for streams we subscribe to.
type Exchange struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// New validates cfg and creates an Exchange.
func New(cfg Config) (*Exchange, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Sender == nil {
		return nil, ErrNoSender
	}
	if cfg.Auth == nil {
		return nil, ErrNoProvider
	}
	if cfg.Subscriptions == nil {
		return nil, ErrNoSubscribers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Exchange{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// HandleGroupKeyRequest answers a subscriber asking for group keys of a
// stream published by us.
func (e *Exchange) HandleGroupKeyRequest(ctx context.Context, msg *message.StreamMessage) error {
	if !msg.IsSigned() {
		e.metrics.RecordKeyRequest(OutcomeRejected)
		return &InvalidGroupKeyRequestError{Err: ErrUnsigned}
	}

	req, err := message.DecodeGroupKeyRequest(msg)
	if err != nil {
		e.metrics.RecordKeyRequest(OutcomeRejected)
		return &InvalidGroupKeyRequestError{Err: err}
	}

	requester := msg.PublisherID()
	if !e.cfg.Limiter.Allow(requester) {
		e.metrics.RecordKeyRequest(OutcomeRateLimited)
		e.logger.Warn("group key request rate limited",
			slog.String("requester", requester),
			slog.String("stream_id", req.StreamID))
		return ErrRequestRateLimited
	}

	keys, err := e.resolveKeys(ctx, req, requester)
	if err != nil {
		e.metrics.RecordKeyRequest(OutcomeRejected)
		e.refuse(ctx, msg, req, err)
		return err
	}

	encrypted := make([]message.EncryptedGroupKey, 0, len(keys))
	for _, k := range keys {
		ct, err := encryption.EncryptWithPublicKey(k.Key, req.PublicKey)
		if err != nil {
			e.metrics.RecordKeyRequest(OutcomeRejected)
			return &InvalidGroupKeyRequestError{RequestID: req.RequestID, Err: err}
		}
		encrypted = append(encrypted, message.EncryptedGroupKey{
			GroupKey: hex.EncodeToString(ct),
			Start:    k.Start,
		})
	}

	resp := message.GroupKeyResponse{
		RequestID: req.RequestID,
		StreamID:  req.StreamID,
		Keys:      encrypted,
	}
	if err := e.send(ctx, requester, message.TypeGroupKeyResponse, resp); err != nil {
		return err
	}

	e.metrics.RecordKeyRequest(OutcomeAnswered)
	e.logger.Debug("group key request answered",
		slog.String("request_id", req.RequestID),
		slog.String("requester", requester),
		slog.String("stream_id", req.StreamID),
		slog.Int("keys", len(encrypted)))
	return nil
}

func (e *Exchange) resolveKeys(ctx context.Context, req *message.GroupKeyRequest, requester string) ([]encryption.GroupKey, error) {
	invalid := func(err error) error {
		return &InvalidGroupKeyRequestError{RequestID: req.RequestID, Err: err}
	}

	if _, err := e.cfg.Auth.Stream(ctx, req.StreamID); err != nil {
		return nil, invalid(fmt.Errorf("%w %s: %w", ErrUnknownStream, req.StreamID, err))
	}

	var keys []encryption.GroupKey
	if req.Range != nil {
		ks, err := e.cfg.Store.KeysBetween(req.StreamID, req.Range.Start, req.Range.End)
		if err != nil {
			return nil, invalid(err)
		}
		keys = ks
	} else if k, ok := e.cfg.Store.LatestKey(req.StreamID); ok {
		keys = []encryption.GroupKey{k}
	}
	if len(keys) == 0 {
		return nil, invalid(ErrNoGroupKey)
	}

	ok, err := e.cfg.Auth.IsSubscriber(ctx, req.StreamID, requester)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalid(ErrNotAuthorized)
	}
	return keys, nil
}

func (e *Exchange) refuse(ctx context.Context, msg *message.StreamMessage, req *message.GroupKeyRequest, cause error) {
	e.logger.Warn("group key request refused",
		slog.String("request_id", req.RequestID),
		slog.String("requester", msg.PublisherID()),
		slog.String("stream_id", req.StreamID),
		slog.String("error", cause.Error()))

	if !e.cfg.SendErrorResponses {
		return
	}

	code := message.ErrorCodeInvalid
	switch {
	case errors.Is(cause, ErrNotAuthorized):
		code = message.ErrorCodeUnauthorized
	case errors.Is(cause, ErrNoGroupKey):
		code = message.ErrorCodeNoKey
	}
	resp := message.GroupKeyErrorResponse{
		RequestID:    req.RequestID,
		StreamID:     req.StreamID,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
	}
	if err := e.send(ctx, msg.PublisherID(), message.TypeGroupKeyErrorResponse, resp); err != nil {
		e.logger.Error("failed to send group key error response",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}
}

// HandleGroupKeyResponse decrypts and installs group keys a publisher sent us.
func (e *Exchange) HandleGroupKeyResponse(_ context.Context, msg *message.StreamMessage) error {
	if !msg.IsSigned() {
		return &InvalidGroupKeyResponseError{Err: ErrUnsigned}
	}

	resp, err := message.DecodeGroupKeyResponse(msg)
	if err != nil {
		return &InvalidGroupKeyResponseError{Err: err}
	}
	invalid := func(err error) error {
		return &InvalidGroupKeyResponseError{RequestID: resp.RequestID, Err: err}
	}

	if !e.cfg.Subscriptions.IsSubscribed(resp.StreamID) {
		return invalid(fmt.Errorf("%w %s", ErrNotSubscribed, resp.StreamID))
	}
	if e.cfg.KeyPair == nil {
		return invalid(ErrNoPrivateKey)
	}

	keys := make([]encryption.GroupKey, 0, len(resp.Keys))
	for _, ek := range resp.Keys {
		ct, err := hex.DecodeString(ek.GroupKey)
		if err != nil {
			return invalid(fmt.Errorf("failed to decode group key: %w", err))
		}
		key, err := e.cfg.KeyPair.Decrypt(ct)
		if err != nil {
			return invalid(err)
		}
		if err := encryption.ValidateGroupKey(key); err != nil {
			return invalid(err)
		}
		keys = append(keys, encryption.GroupKey{Key: key, Start: ek.Start})
	}

	publisher := msg.PublisherID()
	n := e.cfg.Subscriptions.SetGroupKeys(resp.RequestID, resp.StreamID, publisher, keys)
	e.metrics.RecordKeysInstalled(resp.StreamID, len(keys))
	e.logger.Debug("group keys installed",
		slog.String("request_id", resp.RequestID),
		slog.String("publisher", publisher),
		slog.String("stream_id", resp.StreamID),
		slog.Int("keys", len(keys)),
		slog.Int("subscriptions", n))
	return nil
}

// HandleGroupKeyErrorResponse records a publisher's refusal.
func (e *Exchange) HandleGroupKeyErrorResponse(_ context.Context, msg *message.StreamMessage) error {
	if !msg.IsSigned() {
		return &InvalidGroupKeyResponseError{Err: ErrUnsigned}
	}
	resp, err := message.DecodeGroupKeyErrorResponse(msg)
	if err != nil {
		return &InvalidGroupKeyResponseError{Err: err}
	}

	e.metrics.RecordKeyRequest(OutcomeErrored)
	e.logger.Warn("group key request refused by publisher",
		slog.String("request_id", resp.RequestID),
		slog.String("publisher", msg.PublisherID()),
		slog.String("stream_id", resp.StreamID),
		slog.String("code", resp.ErrorCode),
		slog.String("reason", resp.ErrorMessage))
	return nil
}

// RequestGroupKey asks publisherID for the keys of streamID. A zero range
// asks for the latest key only. It returns the request id.
func (e *Exchange) RequestGroupKey(ctx context.Context, streamID, publisherID string, start, end int64) (string, error) {
	requestID := uuid.NewString()
	if err := e.SendGroupKeyRequest(ctx, requestID, streamID, publisherID, start, end); err != nil {
		return "", err
	}
	return requestID, nil
}

// SendGroupKeyRequest is RequestGroupKey with a caller chosen request id, so
// the response can be routed before the request is even sent.
func (e *Exchange) SendGroupKeyRequest(ctx context.Context, requestID, streamID, publisherID string, start, end int64) error {
	if e.cfg.KeyPair == nil {
		return ErrNoPrivateKey
	}
	if requestID == "" {
		return ErrEmptyRequestID
	}

	req := message.GroupKeyRequest{
		RequestID: requestID,
		StreamID:  streamID,
		PublicKey: e.cfg.KeyPair.PublicKeyPEM(),
	}
	if start != 0 || end != 0 {
		req.Range = &message.KeyRange{Start: start, End: end}
	}

	if err := e.send(ctx, publisherID, message.TypeGroupKeyRequest, req); err != nil {
		return err
	}
	e.metrics.RecordKeyRequest(OutcomeSent)
	e.logger.Debug("group key requested",
		slog.String("request_id", req.RequestID),
		slog.String("publisher", publisherID),
		slog.String("stream_id", streamID))
	return nil
}

// send addresses payload to the inbox of recipient.
func (e *Exchange) send(ctx context.Context, recipient string, typ message.MessageType, payload any) error {
	id := message.MessageID{
		StreamID:    recipient,
		Timestamp:   e.now().UnixMilli(),
		PublisherID: e.cfg.Address,
		MsgChainID:  e.cfg.Address,
	}
	msg, err := message.NewKeyExchangeMessage(id, typ, payload)
	if err != nil {
		return err
	}
	if e.cfg.Signer != nil {
		if err := e.cfg.Signer.Sign(msg); err != nil {
			return fmt.Errorf("failed to sign %s: %w", typ, err)
		}
	}
	if err := e.cfg.Sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return nil
}
