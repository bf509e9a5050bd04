// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// ResendResponseKind identifies a resend control response.
type ResendResponseKind uint8

// Resend response kinds.
const (
	ResendResponseResending ResendResponseKind = iota
	ResendResponseResent
	ResendResponseNoResend
)

// String returns the response kind name.
func (k ResendResponseKind) String() string {
	switch k {
	case ResendResponseResending:
		return "resending"
	case ResendResponseResent:
		return "resent"
	case ResendResponseNoResend:
		return "no_resend"
	default:
		return "unknown"
	}
}

// ResendResponse is a resend control message routed by request id.
type ResendResponse struct {
	StreamID        string
	StreamPartition int
	RequestID       string
}
