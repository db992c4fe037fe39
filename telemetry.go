package dsv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"pkt.systems/pslog"
)

// telemetryBundle owns the metrics provider and its scrape endpoint.
type telemetryBundle struct {
	meterProvider *sdkmetric.MeterProvider
	metricsServer *http.Server
	metricsLn     net.Listener
	logger        pslog.Logger
}

// setupTelemetry wires the OpenTelemetry metric SDK to a Prometheus
// exporter and serves the scrape endpoint on metricsListen.
func setupTelemetry(metricsListen string, logger pslog.Logger) (*telemetryBundle, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("dsvd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	if err := otelruntime.Start(otelruntime.WithMeterProvider(provider)); err != nil {
		logger.Warn("runtime instrumentation failed", "error", err)
	}

	ln, err := net.Listen("tcp", metricsListen)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = provider.Shutdown(shutdownCtx)
		cancel()
		return nil, fmt.Errorf("telemetry: bind metrics (%s): %w", metricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics listening", "address", ln.Addr().String())
	return &telemetryBundle{
		meterProvider: provider,
		metricsServer: srv,
		metricsLn:     ln,
		logger:        logger,
	}, nil
}

// Shutdown flushes the provider and stops the scrape endpoint.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// brokerMeters counts broker pipeline activity. The counters resolve
// through the global meter provider, so they are no-ops unless a metrics
// endpoint is configured.
type brokerMeters struct {
	ingestFrames  metric.Int64Counter
	ingestErrors  metric.Int64Counter
	requests      metric.Int64Counter
	requestErrors metric.Int64Counter
	subEvents     metric.Int64Counter
	forwards      metric.Int64Counter
}

func newBrokerMeters(logger pslog.Logger) brokerMeters {
	meter := otel.Meter("pkt.systems/dsv")
	var m brokerMeters
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ingestFrames, "dsv.ingest.frames", "frames received on the ingest socket"},
		{&m.ingestErrors, "dsv.ingest.errors", "ingest frames rejected or failed"},
		{&m.requests, "dsv.requests", "frames received on the request socket"},
		{&m.requestErrors, "dsv.request.errors", "requests answered with a non-zero result"},
		{&m.subEvents, "dsv.subscription.events", "subscription events seen on the fan-out socket"},
		{&m.forwards, "dsv.forwards", "forward frames emitted to subscribers"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil && logger != nil {
			logger.Warn("counter registration failed", "name", c.name, "error", err)
		}
	}
	return m
}

func (m brokerMeters) add(c metric.Int64Counter) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1)
}
