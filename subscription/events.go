// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"encoding/json"
	"time"

	"github.com/absmach/fluxsub/message"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeError             = "error"
	TypeGap               = "gap"
	TypeGroupKeyMissing   = "groupKeyMissing"
	TypeResending         = "resending"
	TypeResent            = "resent"
	TypeNoResend          = "no_resend"
	TypeDone              = "done"
	TypeInitialResendDone = "initial_resend_done"
)

// Event is emitted by a subscription to its Listener.
type Event interface {
	// Type returns the event type identifier. State events use the state name.
	Type() string
}

// Envelope wraps an event with delivery metadata.
type Envelope struct {
	EventType      string `json:"event_type"`
	EventID        string `json:"event_id"`
	Timestamp      string `json:"timestamp"`
	SubscriptionID string `json:"subscription_id"`
	StreamID       string `json:"stream_id"`
	Data           any    `json:"data"`
}

// Wrap wraps ev in an envelope for the given subscription.
func Wrap(sub Subscription, ev Event) *Envelope {
	return &Envelope{
		EventType:      ev.Type(),
		EventID:        uuid.New().String(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SubscriptionID: sub.ID(),
		StreamID:       sub.StreamID(),
		Data:           ev,
	}
}

// ErrorEvent reports a failure while processing a message or response.
type ErrorEvent struct {
	Err error
}

func (e ErrorEvent) Type() string { return TypeError }

// MarshalJSON encodes the error message.
func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Error string `json:"error"`
	}{msg})
}

// GapEvent reports missing messages in a chain.
type GapEvent struct {
	From        message.MessageRef `json:"from"`
	To          message.MessageRef `json:"to"`
	PublisherID string             `json:"publisher_id"`
	MsgChainID  string             `json:"msg_chain_id"`
}

func (e GapEvent) Type() string { return TypeGap }

// GroupKeyMissingEvent asks for the group keys of a publisher. Start and End
// are zero when only the latest key is needed.
type GroupKeyMissingEvent struct {
	StreamID    string `json:"stream_id"`
	PublisherID string `json:"publisher_id"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	Attempt     int    `json:"attempt"`
}

func (e GroupKeyMissingEvent) Type() string { return TypeGroupKeyMissing }

// ResendingEvent is emitted when a resend starts streaming.
type ResendingEvent struct {
	Response message.ResendResponse `json:"response"`
}

func (e ResendingEvent) Type() string { return TypeResending }

// ResentEvent is emitted after every message of a resend was handled.
type ResentEvent struct {
	Response message.ResendResponse `json:"response"`
}

func (e ResentEvent) Type() string { return TypeResent }

// NoResendEvent is emitted when a resend had nothing to replay.
type NoResendEvent struct {
	Response message.ResendResponse `json:"response"`
}

func (e NoResendEvent) Type() string { return TypeNoResend }

// DoneEvent is emitted after a bye message was delivered.
type DoneEvent struct {
	PublisherID string             `json:"publisher_id"`
	MsgChainID  string             `json:"msg_chain_id"`
	Ref         message.MessageRef `json:"ref"`
}

func (e DoneEvent) Type() string { return TypeDone }

// InitialResendDoneEvent is emitted once by a historical subscription when
// every resend finished and no message waits for a key.
type InitialResendDoneEvent struct{}

func (e InitialResendDoneEvent) Type() string { return TypeInitialResendDone }

// StateEvent mirrors a state change.
type StateEvent struct {
	State State `json:"state"`
}

func (e StateEvent) Type() string { return e.State.String() }

// MarshalJSON encodes the state name.
func (e StateEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State string `json:"state"`
	}{e.State.String()})
}
