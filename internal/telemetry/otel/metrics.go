package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// AuthMetrics counts token lifecycle outcomes.
type AuthMetrics struct {
	issued        metric.Int64Counter
	refresh       metric.Int64Counter
	verifyFailure metric.Int64Counter
	revoked       metric.Int64Counter
}

// NewAuthMetrics registers the auth counters on mp. A nil mp yields no-op instruments.
func NewAuthMetrics(mp metric.MeterProvider) (*AuthMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &AuthMetrics{}
	var err error
	if m.issued, err = meter.Int64Counter("auth.tokens.issued",
		metric.WithDescription("Token pairs issued at login, registration or rotation.")); err != nil {
		return nil, err
	}
	if m.refresh, err = meter.Int64Counter("auth.refresh",
		metric.WithDescription("Refresh attempts by outcome.")); err != nil {
		return nil, err
	}
	if m.verifyFailure, err = meter.Int64Counter("auth.verify.failures",
		metric.WithDescription("Rejected access tokens by reason.")); err != nil {
		return nil, err
	}
	if m.revoked, err = meter.Int64Counter("auth.refresh.revoked",
		metric.WithDescription("Refresh records revoked by logout, rotation or bulk revoke.")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AuthMetrics) TokenIssued(ctx context.Context) {
	m.issued.Add(ctx, 1)
}

// RefreshOutcome records one refresh attempt; outcome is e.g. "ok", "invalid", "expired", "reuse".
func (m *AuthMetrics) RefreshOutcome(ctx context.Context, outcome string) {
	m.refresh.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *AuthMetrics) VerifyFailed(ctx context.Context, reason string) {
	m.verifyFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *AuthMetrics) Revoked(ctx context.Context, n int) {
	m.revoked.Add(ctx, int64(n))
}
