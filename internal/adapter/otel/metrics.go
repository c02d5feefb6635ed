package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "querygate"

// Metrics holds all gateway metric instruments.
type Metrics struct {
	BackendCalls      metric.Int64Counter
	BackendLatency    metric.Float64Histogram
	CacheLookups      metric.Int64Counter
	BreakerTransition metric.Int64Counter
	Confirmations     metric.Int64Counter
	Sessions          metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.BackendCalls, err = meter.Int64Counter("querygate.backend.calls",
		metric.WithDescription("Backend calls by backend and outcome"))
	if err != nil {
		return nil, err
	}

	m.BackendLatency, err = meter.Float64Histogram("querygate.backend.duration_seconds",
		metric.WithDescription("Backend call latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.CacheLookups, err = meter.Int64Counter("querygate.cache.lookups",
		metric.WithDescription("Result cache lookups by backend and hit/miss"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransition, err = meter.Int64Counter("querygate.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	m.Confirmations, err = meter.Int64Counter("querygate.confirmations",
		metric.WithDescription("Confirmations by terminal outcome"))
	if err != nil {
		return nil, err
	}

	m.Sessions, err = meter.Int64Counter("querygate.sessions",
		metric.WithDescription("Query sessions by terminal event"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
