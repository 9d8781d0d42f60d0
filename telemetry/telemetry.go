// Package telemetry sets up the OpenTelemetry providers
// exporting the traces and the metrics of the process.
package telemetry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/FerroO2000/robocomm/internal"
	"github.com/FerroO2000/robocomm/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCollectorUnreachable is returned when the OTLP collector
// does not accept connections.
var ErrCollectorUnreachable = errors.New("telemetry: collector unreachable")

//////////////
//  CONFIG  //
//////////////

// Default values for the telemetry configuration.
const (
	DefaultConfigEndpoint       = "localhost:4317"
	DefaultConfigServiceName    = "robocomm"
	DefaultConfigServiceVersion = "0.1.0"
	DefaultConfigTraceRatio     = 0.05
	DefaultConfigMetricInterval = time.Second
	DefaultConfigDialTimeout    = 2 * time.Second
)

// Config structs contains the configuration of the exporters.
type Config struct {
	// Enabled states whether the traces and the metrics are exported.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the address of the OTLP gRPC collector.
	Endpoint string `yaml:"endpoint"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TraceRatio is the fraction of the traces that are sampled.
	TraceRatio float64 `yaml:"trace_ratio"`

	// MetricInterval is the export interval of the metrics.
	MetricInterval time.Duration `yaml:"metric_interval"`

	// DialTimeout bounds the reachability check of the collector.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// NewConfig returns the default telemetry configuration.
func NewConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       DefaultConfigEndpoint,
		ServiceName:    DefaultConfigServiceName,
		ServiceVersion: DefaultConfigServiceVersion,
		TraceRatio:     DefaultConfigTraceRatio,
		MetricInterval: DefaultConfigMetricInterval,
		DialTimeout:    DefaultConfigDialTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Endpoint", &c.Endpoint, DefaultConfigEndpoint)
	config.CheckNotEmpty(ac, "ServiceName", &c.ServiceName, DefaultConfigServiceName)
	config.CheckNotEmpty(ac, "ServiceVersion", &c.ServiceVersion, DefaultConfigServiceVersion)

	config.CheckNotNegative(ac, "TraceRatio", &c.TraceRatio, DefaultConfigTraceRatio)
	config.CheckNotGreaterThan(ac, "TraceRatio", "1", &c.TraceRatio, 1)

	config.CheckNotNegative(ac, "MetricInterval", &c.MetricInterval, DefaultConfigMetricInterval)
	config.CheckNotZero(ac, "MetricInterval", &c.MetricInterval, DefaultConfigMetricInterval)

	config.CheckNotNegative(ac, "DialTimeout", &c.DialTimeout, DefaultConfigDialTimeout)
	config.CheckNotZero(ac, "DialTimeout", &c.DialTimeout, DefaultConfigDialTimeout)
}

/////////////////
//  PROVIDERS  //
/////////////////

// Providers holds the providers installed by Init.
type Providers struct {
	conn *grpc.ClientConn

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// isCollectorReachable checks if the OTLP collector port is reachable.
func isCollectorReachable(endpoint string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Init validates the configuration and installs the global tracer
// and meter providers, exporting to the collector over gRPC.
// When the exporters are disabled, it only installs the propagator
// and returns nil providers.
func Init(ctx context.Context, cfg *Config) (*Providers, error) {
	tel := internal.NewTelemetry("telemetry", "otel")
	config.NewValidator(tel).Validate(cfg)

	// The trace context is propagated across the transports in any case
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !cfg.Enabled {
		tel.LogInfo("exporters disabled")
		return nil, nil
	}

	if !isCollectorReachable(cfg.Endpoint, cfg.DialTimeout) {
		return nil, ErrCollectorUnreachable
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Trace
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceRatio))),
	)

	// Meter
	meterExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(meterExporter, sdkmetric.WithInterval(cfg.MetricInterval)),
		),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	// Runtime
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(cfg.MetricInterval)); err != nil {
		tel.LogError("failed to start runtime instrumentation", err)
	}

	tel.LogInfo("exporters enabled", "endpoint", cfg.Endpoint, "trace_ratio", cfg.TraceRatio)

	return &Providers{
		conn: conn,

		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}, nil
}

func newResource(cfg *Config) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

// Shutdown flushes and stops the providers.
// It is safe to call on the nil providers returned when disabled.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
		p.conn.Close(),
	)
}
