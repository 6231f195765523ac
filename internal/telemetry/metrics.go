package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "riskmate/api"

type Metrics struct {
	// Reconciliation
	ReconcileRunsTotal   metric.Int64Counter
	ReconcileDriftTotal  metric.Int64Counter
	ReconcileErrorsTotal metric.Int64Counter
	ReconcileDuration    metric.Float64Histogram

	// Billing
	WebhookEventsTotal metric.Int64Counter
	BillingAlertsTotal metric.Int64Counter

	// Exports
	PDFsRenderedTotal    metric.Int64Counter
	PDFRenderDuration    metric.Float64Histogram
	ProofPacksBuiltTotal metric.Int64Counter

	// HTTP
	RateLimitedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the process-wide instruments, created from the global
// meter provider on first use. Call Setup before the first GetMetrics.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.ReconcileRunsTotal, _ = meter.Int64Counter(
		"riskmate.reconcile.runs.total",
		metric.WithDescription("Reconciliation sweeps by trigger and outcome status"),
		metric.WithUnit("{run}"),
	)
	m.ReconcileDriftTotal, _ = meter.Int64Counter(
		"riskmate.reconcile.drift.total",
		metric.WithDescription("Drift items found between Stripe and local subscriptions"),
		metric.WithUnit("{item}"),
	)
	m.ReconcileErrorsTotal, _ = meter.Int64Counter(
		"riskmate.reconcile.errors.total",
		metric.WithDescription("Errors recorded during reconciliation sweeps"),
		metric.WithUnit("{error}"),
	)
	m.ReconcileDuration, _ = meter.Float64Histogram(
		"riskmate.reconcile.duration",
		metric.WithDescription("Duration of reconciliation sweeps"),
		metric.WithUnit("ms"),
	)

	m.WebhookEventsTotal, _ = meter.Int64Counter(
		"riskmate.stripe.webhook.events.total",
		metric.WithDescription("Stripe webhook events by type and result"),
		metric.WithUnit("{event}"),
	)
	m.BillingAlertsTotal, _ = meter.Int64Counter(
		"riskmate.billing.alerts.total",
		metric.WithDescription("Billing alerts raised"),
		metric.WithUnit("{alert}"),
	)

	m.PDFsRenderedTotal, _ = meter.Int64Counter(
		"riskmate.export.pdfs.total",
		metric.WithDescription("PDF documents rendered"),
		metric.WithUnit("{document}"),
	)
	m.PDFRenderDuration, _ = meter.Float64Histogram(
		"riskmate.export.pdf.duration",
		metric.WithDescription("Duration of HTML to PDF rendering"),
		metric.WithUnit("ms"),
	)
	m.ProofPacksBuiltTotal, _ = meter.Int64Counter(
		"riskmate.export.proof_packs.total",
		metric.WithDescription("Proof packs assembled"),
		metric.WithUnit("{pack}"),
	)

	m.RateLimitedTotal, _ = meter.Int64Counter(
		"riskmate.http.rate_limited.total",
		metric.WithDescription("Requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)

	return m
}
