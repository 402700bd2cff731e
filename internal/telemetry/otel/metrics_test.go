package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestAuthMetrics_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewAuthMetrics(mp)
	if err != nil {
		t.Fatalf("NewAuthMetrics: %v", err)
	}
	ctx := context.Background()

	m.TokenIssued(ctx)
	m.TokenIssued(ctx)
	m.RefreshOutcome(ctx, "ok")
	m.RefreshOutcome(ctx, "reuse")
	m.RefreshOutcome(ctx, "ok")
	m.VerifyFailed(ctx, "expired")
	m.Revoked(ctx, 3)

	got := collect(t, reader)

	if dp := got["auth.tokens.issued"].DataPoints; len(dp) != 1 || dp[0].Value != 2 {
		t.Errorf("auth.tokens.issued = %+v", dp)
	}
	byOutcome := map[string]int64{}
	for _, dp := range got["auth.refresh"].DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[v.AsString()] = dp.Value
	}
	if byOutcome["ok"] != 2 || byOutcome["reuse"] != 1 {
		t.Errorf("auth.refresh by outcome = %v", byOutcome)
	}
	if dp := got["auth.verify.failures"].DataPoints; len(dp) != 1 || dp[0].Value != 1 {
		t.Errorf("auth.verify.failures = %+v", dp)
	}
	if dp := got["auth.refresh.revoked"].DataPoints; len(dp) != 1 || dp[0].Value != 3 {
		t.Errorf("auth.refresh.revoked = %+v", dp)
	}
}

func TestNewAuthMetrics_NilProvider(t *testing.T) {
	m, err := NewAuthMetrics(nil)
	if err != nil {
		t.Fatalf("NewAuthMetrics(nil): %v", err)
	}
	m.TokenIssued(context.Background())
	m.RefreshOutcome(context.Background(), "ok")
}
