// Package otel exports engine counters as OpenTelemetry observable
// instruments. The exporter pulls a snapshot in the meter callback, so the
// engine's hot paths never touch the OTel SDK.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	authsentry "github.com/davxom/authsentry"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is the engine surface the exporter reads. *authsentry.Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() authsentry.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         authsentry.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter registers one observable counter per engine metric plus the
// audit drop counter.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

func New(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	ids := authsentry.AllMetricIDs()
	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(ids)),
	}
	observables := make([]metric.Observable, 0, len(ids)+1)

	for _, id := range ids {
		name := authsentry.MetricName(id)
		ins, err := meter.Int64ObservableCounter(name)
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: id, instrument: ins})
		observables = append(observables, ins)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authsentry_audit_dropped_total",
		metric.WithDescription("Audit events shed under dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register metrics callback: %w", err)
	}
	exporter.registration = registration

	return exporter, nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
