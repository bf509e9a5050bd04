// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import "time"

// Metrics records engine activity.
type Metrics interface {
	RecordDelivered(streamID string)
	RecordQueued(streamID string, delta int)
	RecordKeyMissing(streamID string)
	RecordUnableToDecrypt(streamID string)
	RecordError(streamID, kind string)
	RecordVerification(streamID string, d time.Duration)
}

type nopMetrics struct{}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordDelivered(string)                   {}
func (nopMetrics) RecordQueued(string, int)                 {}
func (nopMetrics) RecordKeyMissing(string)                  {}
func (nopMetrics) RecordUnableToDecrypt(string)             {}
func (nopMetrics) RecordError(string, string)               {}
func (nopMetrics) RecordVerification(string, time.Duration) {}
