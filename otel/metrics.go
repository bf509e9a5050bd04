// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxsub/keyexchange"
	"github.com/absmach/fluxsub/subscription"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxsub"

var (
	_ subscription.Metrics = (*Metrics)(nil)
	_ keyexchange.Metrics  = (*Metrics)(nil)
)

// Metrics holds OpenTelemetry instruments for subscriptions and the group
// key exchange.
type Metrics struct {
	meter metric.Meter

	// Counters
	delivered     metric.Int64Counter
	keyMissing    metric.Int64Counter
	undecryptable metric.Int64Counter
	errorsTotal   metric.Int64Counter
	keyRequests   metric.Int64Counter
	keysInstalled metric.Int64Counter

	// UpDownCounters (Gauges)
	queued metric.Int64UpDownCounter

	// Histograms
	verificationDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	// Initialize counters
	m.delivered, err = m.meter.Int64Counter(
		"fluxsub.messages.delivered.total",
		metric.WithDescription("Total messages delivered to subscription handlers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.keyMissing, err = m.meter.Int64Counter(
		"fluxsub.group_keys.missing.total",
		metric.WithDescription("Total group key requests issued for missing keys"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyMissing counter: %w", err)
	}

	m.undecryptable, err = m.meter.Int64Counter(
		"fluxsub.messages.undecryptable.total",
		metric.WithDescription("Total messages given up on without a usable key"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create undecryptable counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"fluxsub.errors.total",
		metric.WithDescription("Total subscription errors by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.keyRequests, err = m.meter.Int64Counter(
		"fluxsub.key_requests.total",
		metric.WithDescription("Total group key requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyRequests counter: %w", err)
	}

	m.keysInstalled, err = m.meter.Int64Counter(
		"fluxsub.group_keys.installed.total",
		metric.WithDescription("Total group keys installed from responses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keysInstalled counter: %w", err)
	}

	// Initialize up/down counters (gauges)
	m.queued, err = m.meter.Int64UpDownCounter(
		"fluxsub.messages.queued",
		metric.WithDescription("Messages waiting for a group key"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queued gauge: %w", err)
	}

	// Initialize histograms
	m.verificationDuration, err = m.meter.Float64Histogram(
		"fluxsub.verification.duration.ms",
		metric.WithDescription("Signature verification duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verificationDuration histogram: %w", err)
	}

	return m, nil
}

func streamAttr(streamID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stream", streamID))
}

// RecordDelivered records a message handed to a subscription handler.
func (m *Metrics) RecordDelivered(streamID string) {
	m.delivered.Add(context.Background(), 1, streamAttr(streamID))
}

// RecordQueued records messages entering (positive delta) or leaving the
// per-publisher key wait queues.
func (m *Metrics) RecordQueued(streamID string, delta int) {
	m.queued.Add(context.Background(), int64(delta), streamAttr(streamID))
}

// RecordKeyMissing records a group key request for a missing key.
func (m *Metrics) RecordKeyMissing(streamID string) {
	m.keyMissing.Add(context.Background(), 1, streamAttr(streamID))
}

// RecordUnableToDecrypt records a message given up on.
func (m *Metrics) RecordUnableToDecrypt(streamID string) {
	m.undecryptable.Add(context.Background(), 1, streamAttr(streamID))
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(streamID, kind string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stream", streamID),
		attribute.String("kind", kind),
	))
}

// RecordVerification records the duration of a signature verification.
func (m *Metrics) RecordVerification(streamID string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.verificationDuration.Record(context.Background(), ms, streamAttr(streamID))
}

// RecordKeyRequest records a handled or issued group key request.
func (m *Metrics) RecordKeyRequest(outcome string) {
	m.keyRequests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordKeysInstalled records group keys installed for a stream.
func (m *Metrics) RecordKeysInstalled(streamID string, count int) {
	m.keysInstalled.Add(context.Background(), int64(count), streamAttr(streamID))
}
