// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxsub/message"
)

// delivery hands in-order messages to the user handler.
type delivery struct {
	streamID string
	handler  Handler
	emit     func(Event)
	metrics  Metrics
}

func (d *delivery) deliver(msg *message.StreamMessage) {
	content, err := msg.ParsedContent()
	if err != nil {
		d.emit(ErrorEvent{Err: fmt.Errorf("failed to parse message %s: %w", msg.ID.Ref(), err)})
		return
	}
	if err := d.call(content, msg); err != nil {
		d.emit(ErrorEvent{Err: err})
		return
	}
	d.metrics.RecordDelivered(d.streamID)

	if msg.IsBye() {
		d.emit(DoneEvent{
			PublisherID: msg.PublisherID(),
			MsgChainID:  msg.ID.MsgChainID,
			Ref:         msg.ID.Ref(),
		})
	}
}

func (d *delivery) call(content map[string]any, msg *message.StreamMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w on message %s: %v", ErrHandlerPanic, msg.ID.Ref(), r)
		}
	}()
	d.handler(content, msg)
	return nil
}

// guard runs a user callback other than the Handler. A panic is logged and
// dropped so the mailbox goroutine keeps running.
func guard(logger *slog.Logger, subID, callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscription callback panicked",
				slog.String("subscription_id", subID),
				slog.String("callback", callback),
				slog.Any("panic", r))
		}
	}()
	fn()
}
