package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		insecure bool
	}{
		{in: "http://collector:4317", host: "collector:4317", insecure: true},
		{in: "https://otel.example.com:443", host: "otel.example.com:443", insecure: false},
		{in: "localhost:4317", host: "localhost:4317", insecure: true},
		{in: "otel.example.com:4317", host: "otel.example.com:4317", insecure: false},
	}
	for _, tc := range cases {
		host, insecure := normalizeEndpoint(tc.in)
		if host != tc.host || insecure != tc.insecure {
			t.Fatalf("normalizeEndpoint(%q) = %q, %v", tc.in, host, insecure)
		}
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), zerolog.Nop(), "", "riskmate-api", "test")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestMetricsInstrumentsAreUsable(t *testing.T) {
	m := GetMetrics()
	if m.ReconcileRunsTotal == nil || m.RateLimitedTotal == nil || m.PDFsRenderedTotal == nil {
		t.Fatal("expected instruments to be created")
	}
	m.ReconcileRunsTotal.Add(context.Background(), 1)
	if GetMetrics() != m {
		t.Fatal("expected singleton")
	}
}
