package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled      bool           `yaml:"enabled"`
	OTLPEndpoint string         `yaml:"otlp_endpoint"`
	Insecure     bool           `yaml:"insecure"`
	SampleRatio  float64        `yaml:"sample_ratio"`
	Resource     ResourceConfig `yaml:"resource"`
}

type ResourceConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

func (c *Config) SetDefaults() {
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Tracing.Resource.ServiceName == "" {
		c.Tracing.Resource.ServiceName = "settle"
	}
}

func (c Config) Validate() error {
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		return errors.New("tracing: otlp_endpoint is required")
	}
	if c.Tracing.SampleRatio > 1 {
		return errors.New("tracing: sample_ratio must be within (0, 1]")
	}
	return nil
}

var (
	metricsEnabled int32
	tracingEnabled int32

	defaultTracer trace.Tracer

	registry *prometheus.Registry

	opsTotal          *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	settlementsTotal  *prometheus.CounterVec
	opLatencySec      *prometheus.HistogramVec
	retryPending      prometheus.Gauge
	flowGeneration    prometheus.Gauge
	fatalFailureTotal prometheus.Counter
)

func MetricsEnabled() bool {
	return atomic.LoadInt32(&metricsEnabled) == 1
}

func TracingEnabled() bool {
	return atomic.LoadInt32(&tracingEnabled) == 1
}

func Tracer() trace.Tracer {
	if defaultTracer != nil {
		return defaultTracer
	}
	return otel.Tracer("settle")
}

// Init enables the configured signals. Metrics are exposed through Handler,
// not a dedicated listener.
func Init(ctx context.Context, cfg Config, l *slog.Logger) (func(context.Context) error, error) {
	shutdownFns := []func(context.Context) error{}

	if cfg.Metrics.Enabled {
		initMetrics()
		atomic.StoreInt32(&metricsEnabled, 1)
		l.Info("metrics enabled", "path", cfg.Metrics.Path)
		shutdownFns = append(shutdownFns, func(context.Context) error {
			atomic.StoreInt32(&metricsEnabled, 0)
			return nil
		})
	}

	if cfg.Tracing.Enabled {
		var opts []otlptracegrpc.Option
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Tracing.OTLPEndpoint))
		if cfg.Tracing.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			l.Error("init otlp exporter", "err", err)
		} else {
			atomic.StoreInt32(&tracingEnabled, 1)
			sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))
			res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
				"",
				attribute.String("service.name", cfg.Tracing.Resource.ServiceName),
				attribute.String("service.version", cfg.Tracing.Resource.ServiceVersion),
				attribute.String("deployment.environment", cfg.Tracing.Resource.Environment),
			))
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithSampler(sampler),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			defaultTracer = tp.Tracer("settle")
			shutdownFns = append(shutdownFns, func(ctx context.Context) error {
				atomic.StoreInt32(&tracingEnabled, 0)
				return tp.Shutdown(ctx)
			})
		}
	}

	return func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			errs = append(errs, shutdownFns[i](ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func initMetrics() {
	registry = prometheus.NewRegistry()

	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_ops_total",
		Help: "Settlement operations issued against a receive flow",
	}, []string{"op", "flow"})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_errors_total",
		Help: "Errors by stage",
	}, []string{"stage"})
	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_settlements_total",
		Help: "Resolved settlements by final step and outcome",
	}, []string{"step", "outcome"})
	opLatencySec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_op_latency_seconds",
		Help:    "Settlement operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "flow"})
	retryPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settle_retry_pending",
		Help: "Deferred settlements waiting for a retry",
	})
	flowGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settle_flow_generation",
		Help: "Current receive flow generation",
	})
	fatalFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settle_fatal_failures_total",
		Help: "Acknowledgements that failed for good",
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		opsTotal, errorsTotal, settlementsTotal, opLatencySec,
		retryPending, flowGeneration, fatalFailureTotal,
	)
}

// Handler serves the metrics registry, or 404 while metrics are disabled.
func Handler() http.Handler {
	if !MetricsEnabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncOp(op, flow string) {
	if MetricsEnabled() {
		opsTotal.WithLabelValues(op, flow).Inc()
	}
}

func IncError(stage string) {
	if MetricsEnabled() {
		errorsTotal.WithLabelValues(stage).Inc()
	}
}

func IncSettlement(step, outcome string) {
	if MetricsEnabled() {
		settlementsTotal.WithLabelValues(step, outcome).Inc()
	}
}

func IncFatal() {
	if MetricsEnabled() {
		fatalFailureTotal.Inc()
	}
}

func ObserveOpLatency(op, flow string, d time.Duration) {
	if MetricsEnabled() {
		opLatencySec.WithLabelValues(op, flow).Observe(d.Seconds())
	}
}

func SetRetryPending(n int) {
	if MetricsEnabled() {
		retryPending.Set(float64(n))
	}
}

func SetGeneration(gen uint64) {
	if MetricsEnabled() {
		flowGeneration.Set(float64(gen))
	}
}
