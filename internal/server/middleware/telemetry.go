package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry instruments each request: one span, a request counter, a
// duration histogram, and a structured access log line.
type Telemetry struct {
	tracer   trace.Tracer
	log      *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewTelemetry builds the middleware from the server's tracer and meter
// providers.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, log *zap.Logger) (*Telemetry, error) {
	meter := mp.Meter("batonrelay/server")
	requests, err := meter.Int64Counter("http.server.requests",
		metric.WithDescription("Completed HTTP requests"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Telemetry{
		tracer:   tp.Tracer("batonrelay/server"),
		log:      log,
		requests: requests,
		duration: duration,
	}, nil
}

// Middleware wraps next with tracing, metrics, and access logging.
func (t *Telemetry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := t.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", routePattern(r)),
			attribute.Int("http.status_code", status),
		}
		span.SetAttributes(attrs...)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		opt := metric.WithAttributes(attrs...)
		t.requests.Add(ctx, 1, opt)
		t.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), opt)

		t.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("remote", r.RemoteAddr))
	})
}

// routePattern returns the chi route pattern when routing has resolved,
// falling back to the raw path (metrics stay low-cardinality for all
// registered routes).
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
