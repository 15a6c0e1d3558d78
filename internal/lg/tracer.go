package lg

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sour-is/livemsg/pkg/env"
)

var tracerKey = contextKey{"tracer"}

// Tracer returns the app tracer stored by Init, or the global tracer.
func Tracer(ctx context.Context) trace.Tracer {
	if t := fromContext[contextKey, trace.Tracer](ctx, tracerKey); t != nil {
		return t
	}
	return otel.Tracer("")
}

// Span starts a span named after the calling function.
func Span(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name, pkg := caller(2)
	opts = append(opts, trace.WithAttributes(semconv.CodeNamespaceKey.String(pkg)))

	return Tracer(ctx).Start(ctx, name, opts...)
}

// Fork starts a detached span linked to the span in ctx. Use it for work that
// outlives the caller, like goroutines started from a request.
func Fork(ctx context.Context, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	name, pkg := caller(2)
	opts = append(opts,
		trace.WithAttributes(semconv.CodeNamespaceKey.String(pkg)),
		trace.WithLinks(trace.LinkFromContext(ctx)),
	)

	tracer := Tracer(ctx)
	meter := fromContext[contextKey, any](ctx, meterKey)

	ctx = toContext(context.Background(), tracerKey, tracer)
	if meter != nil {
		ctx = toContext(ctx, meterKey, meter)
	}

	return tracer.Start(ctx, name, opts...)
}

// Htrace wraps the handler with otel http instrumentation.
func Htrace(h http.Handler, name string) http.Handler {
	return otelhttp.NewHandler(h, name)
}

func caller(skip int) (name string, pkg string) {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", ""
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown", ""
	}

	name = fn.Name()
	dir, file := path.Split(name)
	pkg, _, _ = strings.Cut(file, ".")
	pkg = dir + pkg

	return strings.TrimPrefix(name, dir), pkg
}

func initTracing(ctx context.Context, name string) (context.Context, func() error) {
	endpoint := env.Default("LIVEMSG_TRACE_ENDPOINT", "")
	if endpoint == "" {
		return toContext(ctx, tracerKey, otel.Tracer(name)), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
		),
	)
	if err != nil {
		log.Println(wrap(err, "failed to create trace resource"))
		return ctx, nil
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithEndpoint(endpoint),
	)
	if err != nil {
		log.Println(wrap(err, "failed to create trace exporter"))
		return ctx, nil
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx = toContext(ctx, tracerKey, tracerProvider.Tracer(name))

	return ctx, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		defer log.Println("tracer stopped")
		return wrap(tracerProvider.Shutdown(ctx), "failed to shutdown TracerProvider")
	}
}

func wrap(err error, s string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	return nil
}
