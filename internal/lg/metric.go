package lg

import (
	"context"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/sdk/metric/aggregator/histogram"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	"go.opentelemetry.io/otel/sdk/metric/export/aggregation"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	selector "go.opentelemetry.io/otel/sdk/metric/selector/simple"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/sour-is/livemsg/pkg/env"
)

var meterKey = contextKey{"meter"}
var promHTTPKey = contextKey{"promHTTP"}

// Meter returns the app meter stored by Init, or the global meter.
func Meter(ctx context.Context) metric.Meter {
	if t := fromContext[contextKey, metric.Meter](ctx, meterKey); t != nil {
		return t
	}
	return global.Meter("")
}

// NewHTTP exposes the prometheus exporter on /metrics when metrics are enabled.
func NewHTTP(ctx context.Context) *httpHandle {
	t := fromContext[contextKey, *prometheus.Exporter](ctx, promHTTPKey)
	return &httpHandle{t}
}

// initMetrics exports to prometheus unless LIVEMSG_METRICS is off.
// Histogram buckets are in milliseconds.
func initMetrics(ctx context.Context, name string) (context.Context, func() error) {
	if env.Default("LIVEMSG_METRICS", "on") == "off" {
		return ctx, nil
	}

	config := prometheus.Config{
		DefaultHistogramBoundaries: []float64{
			1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000,
		},
	}
	cont := controller.New(
		processor.NewFactory(
			selector.NewWithHistogramDistribution(
				histogram.WithExplicitBoundaries(config.DefaultHistogramBoundaries),
			),
			aggregation.CumulativeTemporalitySelector(),
			processor.WithMemory(true),
		),
		controller.WithResource(
			resource.NewWithAttributes(semconv.SchemaURL, readAppInfo(name).attributes()...),
		),
	)
	ex, err := prometheus.New(config, cont)
	if err != nil {
		log.Println("metrics disabled: ", err)
		return ctx, nil
	}

	ctx = toContext(ctx, promHTTPKey, ex)

	global.SetMeterProvider(cont)
	m := cont.Meter(name)
	ctx = toContext(ctx, meterKey, m)
	if err := runtime.Start(); err != nil {
		log.Println("runtime metrics disabled: ", err)
	}

	return ctx, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		defer log.Println("metrics stopped")
		return cont.Stop(ctx)
	}
}

type httpHandle struct {
	exp *prometheus.Exporter
}

func (h *httpHandle) RegisterHTTP(mux *http.ServeMux) {
	if h.exp == nil {
		return
	}
	mux.Handle("/metrics", h.exp)
}
