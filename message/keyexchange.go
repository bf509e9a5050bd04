// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
)

// KeyRange asks for every group key valid between Start and End.
type KeyRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// GroupKeyRequest is sent by a subscriber to a publisher's key-exchange inbox.
type GroupKeyRequest struct {
	RequestID string    `json:"request_id"`
	StreamID  string    `json:"stream_id"`
	PublicKey string    `json:"public_key"`
	Range     *KeyRange `json:"range,omitempty"`
}

// EncryptedGroupKey is a group key wrapped with the requester's RSA public key.
type EncryptedGroupKey struct {
	GroupKey string `json:"group_key"` // hex encoded RSA ciphertext
	Start    int64  `json:"start"`
}

// GroupKeyResponse answers a GroupKeyRequest.
type GroupKeyResponse struct {
	RequestID string              `json:"request_id"`
	StreamID  string              `json:"stream_id"`
	Keys      []EncryptedGroupKey `json:"keys"`
}

// GroupKeyErrorResponse reports a request the publisher refused to answer.
type GroupKeyErrorResponse struct {
	RequestID    string `json:"request_id"`
	StreamID     string `json:"stream_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Key exchange error codes.
const (
	ErrorCodeUnauthorized = "UNAUTHORIZED"
	ErrorCodeNoKey        = "NO_GROUP_KEY"
	ErrorCodeInvalid      = "INVALID_REQUEST"
)

// DecodeGroupKeyRequest decodes the content of a group key request message.
func DecodeGroupKeyRequest(msg *StreamMessage) (*GroupKeyRequest, error) {
	if msg.MessageType != TypeGroupKeyRequest {
		return nil, fmt.Errorf("expected %s, got %s", TypeGroupKeyRequest, msg.MessageType)
	}
	var req GroupKeyRequest
	if err := json.Unmarshal(msg.SerializedContent, &req); err != nil {
		return nil, fmt.Errorf("failed to decode group key request: %w", err)
	}
	return &req, nil
}

// DecodeGroupKeyResponse decodes the content of a group key response message.
func DecodeGroupKeyResponse(msg *StreamMessage) (*GroupKeyResponse, error) {
	if msg.MessageType != TypeGroupKeyResponse {
		return nil, fmt.Errorf("expected %s, got %s", TypeGroupKeyResponse, msg.MessageType)
	}
	var resp GroupKeyResponse
	if err := json.Unmarshal(msg.SerializedContent, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode group key response: %w", err)
	}
	return &resp, nil
}

// DecodeGroupKeyErrorResponse decodes the content of a group key error response.
func DecodeGroupKeyErrorResponse(msg *StreamMessage) (*GroupKeyErrorResponse, error) {
	if msg.MessageType != TypeGroupKeyErrorResponse {
		return nil, fmt.Errorf("expected %s, got %s", TypeGroupKeyErrorResponse, msg.MessageType)
	}
	var resp GroupKeyErrorResponse
	if err := json.Unmarshal(msg.SerializedContent, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode group key error response: %w", err)
	}
	return &resp, nil
}

// NewKeyExchangeMessage wraps a key exchange payload into an unsigned envelope.
func NewKeyExchangeMessage(id MessageID, typ MessageType, payload any) (*StreamMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", typ, err)
	}
	return &StreamMessage{
		ID:                id,
		MessageType:       typ,
		EncryptionType:    EncryptionNone,
		SerializedContent: data,
	}, nil
}
