// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxsub/encryption"
	"github.com/absmach/fluxsub/message"
)

// Configuration errors.
var (
	ErrEmptyStreamID            = errors.New("stream id cannot be empty")
	ErrNoHandler                = errors.New("message handler is required")
	ErrInvalidLast              = errors.New("resend last must not be negative")
	ErrConflictingResendOptions = errors.New("only one of last and from may be set")
	ErrToWithoutFrom            = errors.New("resend to requires from")
	ErrChainWithoutPublisher    = errors.New("resend msg chain id requires publisher id")
	ErrResendRequired           = errors.New("historical subscription requires resend options")
)

// Runtime errors, surfaced as ErrorEvent.
var (
	ErrTooManyGroupKeys      = errors.New("real-time subscription accepts exactly one group key per publisher")
	ErrNoGroupKeys           = errors.New("group key installation carries no keys")
	ErrDuplicateGroupKeys    = errors.New("group keys already installed for publisher")
	ErrBroadcastOnHistorical = errors.New("historical subscription cannot handle broadcast messages")
	ErrUnknownResendRequest  = errors.New("unknown resend request id")
	ErrHandlerPanic          = errors.New("message handler panicked")
	ErrUnexpectedMessageType = errors.New("unexpected message type")
)

// VerificationFailedError wraps an error returned by a VerifyFunc.
type VerificationFailedError struct {
	Ref message.MessageRef
	Err error
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("verification of message %s failed: %v", e.Ref, e.Err)
}

func (e *VerificationFailedError) Unwrap() error {
	return e.Err
}

// InvalidSignatureError reports a message whose VerifyFunc returned false.
type InvalidSignatureError struct {
	Ref         message.MessageRef
	PublisherID string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature on message %s from %s", e.Ref, e.PublisherID)
}

// errorKind classifies err for metrics.
func errorKind(err error) string {
	var (
		verr *VerificationFailedError
		serr *InvalidSignatureError
		kerr *encryption.InvalidGroupKeyError
	)
	switch {
	case errors.As(err, &verr):
		return "verification_failed"
	case errors.As(err, &serr):
		return "invalid_signature"
	case encryption.IsUnableToDecrypt(err):
		return "unable_to_decrypt"
	case errors.As(err, &kerr):
		return "invalid_group_key"
	case errors.Is(err, ErrHandlerPanic):
		return "handler_panic"
	case errors.Is(err, ErrUnknownResendRequest):
		return "unknown_request"
	case errors.Is(err, ErrTooManyGroupKeys), errors.Is(err, ErrNoGroupKeys),
		errors.Is(err, ErrDuplicateGroupKeys), errors.Is(err, ErrBroadcastOnHistorical):
		return "protocol"
	default:
		return "other"
	}
}
