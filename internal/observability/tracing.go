package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracingConfig governs how tracker tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	// Sampler is "ratio" (the default), "always" or "never". Ratio sampling
	// honours the parent decision and samples SampleRatio of new traces.
	Sampler     string
	SampleRatio float64

	// Deployment is attached to the trace resource.
	Deployment Deployment
	// Output receives stdout exporter spans. Defaults to os.Stdout.
	Output io.Writer
}

// Deployment describes what one tracker process ingests.
type Deployment struct {
	DatagramSites int
	RecordSites   int
	TickInterval  time.Duration
	// ReplayPath is the capture being replayed, empty for live sockets.
	ReplayPath string
}

func (d Deployment) attributes() []attribute.KeyValue {
	input := "live"
	if d.ReplayPath != "" {
		input = "replay"
	}
	attrs := []attribute.KeyValue{
		attribute.Int("tracker.sites.datagram", d.DatagramSites),
		attribute.Int("tracker.sites.record", d.RecordSites),
		attribute.Int64("tracker.tick_interval_ms", d.TickInterval.Milliseconds()),
		attribute.String("tracker.input", input),
	}
	if d.ReplayPath != "" {
		attrs = append(attrs, attribute.String("tracker.replay_file", filepath.Base(d.ReplayPath)))
	}
	return attrs
}

// TracingConfigFromEnv reads the TRACKER_TRACING_* variables. Command-line
// flags are layered on top by the caller.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("TRACKER_TRACING_ENABLED"), "true"),
		ServiceName: os.Getenv("TRACKER_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(os.Getenv("TRACKER_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("TRACKER_TRACING_ENDPOINT"),
		Sampler:     strings.ToLower(os.Getenv("TRACKER_TRACING_SAMPLER")),
		SampleRatio: 1,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "platform-tracker"
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	if raw := os.Getenv("TRACKER_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg
}

// InitTracing installs the global tracer provider and propagators. Disabled
// configs get a noop provider. The returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	sampler, err := samplerFor(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "tracker"),
	}, cfg.Deployment.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("sampler", sampler.Description()),
		logging.Int("datagram_sites", cfg.Deployment.DatagramSites),
		logging.Int("record_sites", cfg.Deployment.RecordSites),
	)
	return tp.Shutdown, nil
}

func samplerFor(cfg TracingConfig) (sdktrace.Sampler, error) {
	switch strings.ToLower(cfg.Sampler) {
	case "", "ratio":
		if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
			return nil, fmt.Errorf("trace sample ratio %v outside [0,1]", cfg.SampleRatio)
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio)), nil
	case "always":
		return sdktrace.AlwaysSample(), nil
	case "never":
		return sdktrace.NeverSample(), nil
	default:
		return nil, fmt.Errorf("unsupported trace sampler: %s", cfg.Sampler)
	}
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Output
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
