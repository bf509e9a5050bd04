// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ByeKey is the reserved content flag marking the last message of a chain.
const ByeKey = "_bye"

// Message errors.
var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrInvalidContent = errors.New("message content is not a JSON object")
)

// MessageType identifies the payload carried by a StreamMessage.
type MessageType uint8

// Message types.
const (
	TypeMessage MessageType = iota
	TypeGroupKeyRequest
	TypeGroupKeyResponse
	TypeGroupKeyErrorResponse
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeGroupKeyRequest:
		return "group_key_request"
	case TypeGroupKeyResponse:
		return "group_key_response"
	case TypeGroupKeyErrorResponse:
		return "group_key_error_response"
	default:
		return "unknown"
	}
}

// EncryptionType describes how SerializedContent is encrypted.
type EncryptionType uint8

// Encryption types.
const (
	EncryptionNone EncryptionType = iota
	EncryptionRSA
	EncryptionAES
	// EncryptionNewKeyAndAES carries the next group key in front of the content.
	EncryptionNewKeyAndAES
)

// String returns the encryption type name.
func (e EncryptionType) String() string {
	switch e {
	case EncryptionNone:
		return "none"
	case EncryptionRSA:
		return "rsa"
	case EncryptionAES:
		return "aes"
	case EncryptionNewKeyAndAES:
		return "new_key_and_aes"
	default:
		return "unknown"
	}
}

// SignatureType identifies the signature scheme of a message.
type SignatureType uint8

// Signature types.
const (
	SignatureNone SignatureType = iota
	SignatureETH
)

// MessageRef points at a message inside a chain.
type MessageRef struct {
	Timestamp      int64 `json:"timestamp"`
	SequenceNumber int64 `json:"sequence_number"`
}

// Compare returns -1, 0 or 1 when r is before, equal to or after other.
func (r MessageRef) Compare(other MessageRef) int {
	switch {
	case r.Timestamp < other.Timestamp:
		return -1
	case r.Timestamp > other.Timestamp:
		return 1
	case r.SequenceNumber < other.SequenceNumber:
		return -1
	case r.SequenceNumber > other.SequenceNumber:
		return 1
	default:
		return 0
	}
}

// String returns the ref formatted as timestamp:sequence.
func (r MessageRef) String() string {
	return fmt.Sprintf("%d:%d", r.Timestamp, r.SequenceNumber)
}

// MessageID uniquely identifies a message on a stream partition.
type MessageID struct {
	StreamID        string `json:"stream_id"`
	StreamPartition int    `json:"stream_partition"`
	Timestamp       int64  `json:"timestamp"`
	SequenceNumber  int64  `json:"sequence_number"`
	PublisherID     string `json:"publisher_id"`
	MsgChainID      string `json:"msg_chain_id"`
}

// Ref returns the position of the message inside its chain.
func (id MessageID) Ref() MessageRef {
	return MessageRef{Timestamp: id.Timestamp, SequenceNumber: id.SequenceNumber}
}

// StreamMessage is the envelope delivered by the transport.
type StreamMessage struct {
	ID                MessageID
	PrevRef           *MessageRef
	MessageType       MessageType
	EncryptionType    EncryptionType
	SerializedContent []byte
	Signature         string
	SignatureType     SignatureType

	mu     sync.Mutex
	parsed map[string]any
}

// PublisherID returns the publisher of the message.
func (m *StreamMessage) PublisherID() string {
	return m.ID.PublisherID
}

// Timestamp returns the message timestamp in milliseconds.
func (m *StreamMessage) Timestamp() int64 {
	return m.ID.Timestamp
}

// IsSigned reports whether the message carries a signature.
func (m *StreamMessage) IsSigned() bool {
	return m.SignatureType != SignatureNone && m.Signature != ""
}

// IsEncrypted reports whether the content still needs decryption.
func (m *StreamMessage) IsEncrypted() bool {
	return m.EncryptionType == EncryptionAES || m.EncryptionType == EncryptionNewKeyAndAES
}

// SetDecryptedContent replaces the content with its plaintext form.
func (m *StreamMessage) SetDecryptedContent(content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SerializedContent = content
	m.EncryptionType = EncryptionNone
	m.parsed = nil
}

// ParsedContent decodes the JSON content once and caches the result.
func (m *StreamMessage) ParsedContent() (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.parsed != nil {
		return m.parsed, nil
	}
	if m.IsEncrypted() {
		return nil, fmt.Errorf("content of %s is still encrypted", m.ID.Ref())
	}
	if len(m.SerializedContent) == 0 {
		return nil, ErrEmptyContent
	}

	var content map[string]any
	if err := json.Unmarshal(m.SerializedContent, &content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if content == nil {
		return nil, ErrInvalidContent
	}
	m.parsed = content
	return content, nil
}

// IsBye reports whether the decrypted content carries the bye marker.
func (m *StreamMessage) IsBye() bool {
	content, err := m.ParsedContent()
	if err != nil {
		return false
	}
	bye, ok := content[ByeKey].(bool)
	return ok && bye
}

// Clone returns a deep copy without the parsed cache.
func (m *StreamMessage) Clone() *StreamMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &StreamMessage{
		ID:             m.ID,
		MessageType:    m.MessageType,
		EncryptionType: m.EncryptionType,
		Signature:      m.Signature,
		SignatureType:  m.SignatureType,
	}
	if m.PrevRef != nil {
		ref := *m.PrevRef
		c.PrevRef = &ref
	}
	if m.SerializedContent != nil {
		c.SerializedContent = make([]byte, len(m.SerializedContent))
		copy(c.SerializedContent, m.SerializedContent)
	}
	return c
}

// NewJSONMessage builds an unencrypted message with JSON content.
func NewJSONMessage(id MessageID, prev *MessageRef, content map[string]any) (*StreamMessage, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	return &StreamMessage{
		ID:                id,
		PrevRef:           prev,
		MessageType:       TypeMessage,
		EncryptionType:    EncryptionNone,
		SerializedContent: data,
	}, nil
}
