package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Setup installs an OTLP gRPC meter provider when endpoint is set. With no
// endpoint the global no-op provider stays in place. The returned shutdown
// flushes pending metrics.
func Setup(ctx context.Context, logger zerolog.Logger, endpoint, serviceName, version string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		logger.Debug().Msg("otel endpoint not set, metrics disabled")
		return noop, nil
	}

	host, insecure := normalizeEndpoint(endpoint)
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create metric exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logger.Info().Str("endpoint", host).Str("service", serviceName).Msg("OpenTelemetry metrics initialized")
	return mp.Shutdown, nil
}

// normalizeEndpoint accepts "host:port" or a URL. http:// endpoints and bare
// localhost addresses are dialed without TLS.
func normalizeEndpoint(endpoint string) (string, bool) {
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			return u.Host, u.Scheme == "http"
		}
	}
	insecure := strings.HasPrefix(endpoint, "localhost") || strings.HasPrefix(endpoint, "127.0.0.1")
	return endpoint, insecure
}
