package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/caseflow/internal/config"
)

const (
	tracerName          = "github.com/pitabwire/caseflow"
	defaultSamplingRate = 0.1
)

// Span attributes recorded by the engine, merge coordinator and handlers.
var (
	AttrCaseID       = attribute.Key("caseflow.case_id")
	AttrWorkflowID   = attribute.Key("caseflow.workflow_id")
	AttrTransition   = attribute.Key("caseflow.transition")
	AttrMasterID     = attribute.Key("caseflow.master_id")
	AttrCaseCount    = attribute.Key("caseflow.case_count")
	AttrRecordType   = attribute.Key("caseflow.record_type")
	AttrMatchOutcome = attribute.Key("caseflow.match_outcome")
)

type exporterFactory func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"otlp": func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"stdout": func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
}

// InitTracing installs the global tracer provider and W3C propagation. With
// tracing disabled it installs nothing and the returned shutdown is a no-op;
// otherwise shutdown flushes buffered spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	name := cfg.Exporter
	if name == "" {
		name = "otlp"
	}
	factory, ok := exporters[name]
	if !ok {
		return nil, fmt.Errorf("tracing: exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
	exp, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %s exporter: %w", name, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// newSampler keeps the caller's sampling decision and samples new traces at
// the configured rate.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplingRate))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartSpan opens an internal span under the caseflow tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError marks span failed when err is set, then ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// InjectTraceHeaders writes the active trace into outbound webhook headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// TracingMiddleware opens a server span per request, joining the caller's
// traceparent when present. The span is renamed to the chi route pattern
// once routing has run, so /v1/cases/{caseId} is one span name for all
// cases.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &spanStatusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		span.SetName(r.Method + " " + routePattern(r))
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// spanStatusWriter records the first status written. It forwards Flush so
// the event stream keeps working under tracing.
type spanStatusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *spanStatusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *spanStatusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *spanStatusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
