// Package internal contains the telemetry shared by every component
// of the module.
package internal

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/FerroO2000/robocomm"

var (
	logLevel = &slog.LevelVar{}

	baseHandlerOnce sync.Once
	baseHandler     slog.Handler
	baseHandlerMux  sync.RWMutex
)

// SetLogLevel sets the minimum level of the console logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLogHandler replaces the handler used by every telemetry created afterwards.
// It is mostly useful in tests.
func SetLogHandler(handler slog.Handler) {
	baseHandlerOnce.Do(func() {})

	baseHandlerMux.Lock()
	baseHandler = handler
	baseHandlerMux.Unlock()
}

func getBaseHandler() slog.Handler {
	baseHandlerOnce.Do(func() {
		baseHandler = newDefaultHandler()
	})

	baseHandlerMux.RLock()
	defer baseHandlerMux.RUnlock()

	return baseHandler
}

// newDefaultHandler returns a handler that writes colored logs to stdout
// and forwards every record to the OpenTelemetry log bridge.
func newDefaultHandler() slog.Handler {
	stdout := os.Stdout
	noColor := !isatty.IsTerminal(stdout.Fd()) && !isatty.IsCygwinTerminal(stdout.Fd())

	consoleHandler := tint.NewHandler(colorable.NewColorable(stdout), &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})

	otelHandler := otelslog.NewHandler(instrumentationScope)

	return newFanOutHandler(consoleHandler, otelHandler)
}

///////////////
//  HANDLER  //
///////////////

type fanOutHandler struct {
	handlers []slog.Handler
}

func newFanOutHandler(handlers ...slog.Handler) *fanOutHandler {
	return &fanOutHandler{
		handlers: handlers,
	}
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanOutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}

		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler.WithAttrs(attrs))
	}
	return newFanOutHandler(handlers...)
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler.WithGroup(name))
	}
	return newFanOutHandler(handlers...)
}

/////////////////
//  TELEMETRY  //
/////////////////

// Telemetry bundles the logger, the tracer and the meter of a component.
type Telemetry struct {
	kind string
	name string

	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	metricAttrs metric.MeasurementOption
}

// NewTelemetry returns the telemetry of the component
// identified by kind (e.g. "ingress") and name (e.g. "tcp").
func NewTelemetry(kind, name string) *Telemetry {
	scope := instrumentationScope + "/" + kind

	return &Telemetry{
		kind: kind,
		name: name,

		logger: slog.New(getBaseHandler()).With("kind", kind, "name", name),
		tracer: otel.Tracer(scope),
		meter:  otel.Meter(scope),

		metricAttrs: metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("name", name),
		),
	}
}

// Name returns the name of the component.
func (t *Telemetry) Name() string {
	return t.name
}

// Logger returns the structured logger of the component.
func (t *Telemetry) Logger() *slog.Logger {
	return t.logger
}

// LogDebug logs a debug message.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.logger.Debug(msg, args...)
}

// LogInfo logs an info message.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a warning message.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs an error message with the error attached.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append([]any{tint.Err(err)}, args...)...)
}

// NewTrace starts a new span.
func (t *Telemetry) NewTrace(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName)
}

// ExtractTraceContext extracts the trace context propagated by a remote peer.
func (t *Telemetry) ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// NewCounter registers an observable monotonic counter
// whose value is read from fn at every collection.
func (t *Telemetry) NewCounter(name string, fn func() int64) {
	_, err := t.meter.Int64ObservableCounter(t.kind+"_"+name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn(), t.metricAttrs)
			return nil
		}),
	)
	if err != nil {
		t.LogError("failed to register counter", err, "metric", name)
	}
}

// NewUpDownCounter registers an observable up/down counter
// whose value is read from fn at every collection.
func (t *Telemetry) NewUpDownCounter(name string, fn func() int64) {
	_, err := t.meter.Int64ObservableUpDownCounter(t.kind+"_"+name,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn(), t.metricAttrs)
			return nil
		}),
	)
	if err != nil {
		t.LogError("failed to register up/down counter", err, "metric", name)
	}
}
