// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import "sync/atomic"

// State represents the subscription lifecycle state.
type State uint32

// Subscription states.
const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateUnsubscribed)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the state and returns the previous one.
func (sm *stateManager) set(s State) State {
	return State(atomic.SwapUint32(&sm.state, uint32(s)))
}
