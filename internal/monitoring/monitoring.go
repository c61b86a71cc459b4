// Package monitoring provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing shared by every component of the ingest engine.
package monitoring

import (
	"context"
	"log"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"net/http"
)

const namespace = "aircraft_ingest"

// logging level: 0=info, 1=debug
var logLevel int32

func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		atomic.StoreInt32(&logLevel, 1)
		log.Printf("log_level=debug")
	default:
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info")
	}
}

func IsDebug() bool { return atomic.LoadInt32(&logLevel) == 1 }

func Debugf(format string, args ...interface{}) {
	if IsDebug() {
		log.Printf("DEBUG "+format, args...)
	}
}

var (
	PollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "polls_total",
		Help: "Total number of feed poll attempts.",
	})
	PollCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "cache_hits_total",
		Help: "Total number of 304 Not Modified responses served from cache.",
	})
	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "feed", Name: "errors_total",
		Help: "Total number of feed fetch errors.",
	})
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "cycle_seconds",
		Help:    "Duration of one poll/classify/flush cycle.",
		Buckets: prometheus.DefBuckets,
	})
	CycleOverrunTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "cycle_overruns_total",
		Help: "Total number of cycles exceeding the 500ms budget.",
	})
	AircraftNewTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "classify", Name: "new_total",
		Help: "Total number of NEW aircraft events.",
	})
	AircraftUpdatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "classify", Name: "updated_total",
		Help: "Total number of UPDATED aircraft events.",
	})
	AircraftReappearedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "classify", Name: "reappeared_total",
		Help: "Total number of REAPPEARED aircraft events.",
	})
	StateCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "statecache", Name: "entries",
		Help: "Current number of entries in the state cache.",
	})
	UploadAttempted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "upload", Name: "attempted_total",
		Help: "Total number of batch uploads attempted, by pipeline.",
	}, []string{"pipeline"})
	UploadSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "upload", Name: "succeeded_total",
		Help: "Total number of batch uploads that succeeded, by pipeline.",
	}, []string{"pipeline"})
	UploadFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "upload", Name: "failed_total",
		Help: "Total number of batch uploads that failed permanently, by pipeline.",
	}, []string{"pipeline"})
	UploadRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "upload", Name: "retries_total",
		Help: "Total number of upload retries, by pipeline.",
	}, []string{"pipeline"})
	UploadInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "upload", Name: "in_flight",
		Help: "Current number of in-flight uploads, by pipeline.",
	}, []string{"pipeline"})
	TpmCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "stats", Name: "tpm_current",
		Help: "Transactions per minute over the last 60 seconds.",
	})
	TpmPeak = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "stats", Name: "tpm_peak",
		Help: "Peak observed transactions per minute since boot.",
	})
	KeyShareErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "keyshare", Name: "errors_total",
		Help: "Total number of key-share POST failures (non-blocking).",
	})
)

func init() {
	prometheus.MustRegister(
		PollsTotal, PollCacheHits, PollErrors,
		CycleDuration, CycleOverrunTotal,
		AircraftNewTotal, AircraftUpdatedTotal, AircraftReappearedTotal,
		StateCacheSize,
		UploadAttempted, UploadSucceeded, UploadFailed, UploadRetries, UploadInFlight,
		TpmCurrent, TpmPeak,
		KeyShareErrors,
	)
	SetLogLevel("info")
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

// InitTracer initializes the OpenTelemetry exporter and provider, mirroring
// the teacher's InitTracer: a no-exporter provider when endpoint is empty,
// an OTLP/HTTP batch exporter otherwise.
func InitTracer(endpoint, serviceName string) func() {
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() { _ = tp.Shutdown(ctx) }
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// Tracer returns the named tracer used by engine components.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }
