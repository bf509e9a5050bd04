// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import "github.com/absmach/fluxsub/message"

// GapHandler is told about a hole in a message chain.
type GapHandler func(from, to message.MessageRef, publisherID, msgChainID string)

// OrderingUtil reorders decrypted messages per message chain. Implementations
// call the in-order callback from within Add; gaps may be signaled from any
// goroutine.
type OrderingUtil interface {
	Add(msg *message.StreamMessage)
	Clear()
}

// OrderingFactory builds an OrderingUtil for one stream partition.
type OrderingFactory func(streamID string, partition int, inOrder func(*message.StreamMessage), gap GapHandler) OrderingUtil

// Unordered delivers messages in arrival order and never reports gaps.
func Unordered(_ string, _ int, inOrder func(*message.StreamMessage), _ GapHandler) OrderingUtil {
	return passthrough(inOrder)
}

type passthrough func(*message.StreamMessage)

func (p passthrough) Add(msg *message.StreamMessage) { p(msg) }

func (p passthrough) Clear() {}
