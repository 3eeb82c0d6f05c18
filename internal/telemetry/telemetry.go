package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/odpf/salt/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/odpf/kleidi/config"
)

const MetricWaitInterval = time.Second * 2

// Init starts trace export and the profiling server when they are configured.
// The returned func releases both.
func Init(l log.Logger, conf config.TelemetryConfig) (func(), error) {
	var tp *tracesdk.TracerProvider
	var err error
	if conf.JaegerAddr != "" {
		l.Debug("enabling jaeger traces", "addr", conf.JaegerAddr)
		tp, err = tracerProvider(conf.JaegerAddr)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}

	var metricServer *http.Server
	stopUptime := make(chan struct{})
	if conf.ProfileAddr != "" {
		l.Debug("enabling profile metrics", "addr", conf.ProfileAddr)
		go reportUptime(stopUptime)

		metricServer = MetricsServer(conf.ProfileAddr)
		go func() {
			if err := metricServer.ListenAndServe(); err != http.ErrServerClosed {
				l.Warn("failed while serving metrics", "err", err)
			}
		}()
	}
	return func() {
		close(stopUptime)
		if tp != nil {
			if err := tp.Shutdown(context.Background()); err != nil {
				l.Warn("failed to shutdown trace provider", "err", err)
			}
		}
		if metricServer != nil {
			if err := metricServer.Close(); err != nil {
				l.Warn("failed to shutdown metrics http server", "err", fmt.Errorf("metricServer.Close: %w", err))
			}
		}
	}, nil
}

func reportUptime(stop <-chan struct{}) {
	appUptime := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "application_uptime_seconds",
		Help: "Seconds since the application started",
	})
	appHeartbeat := promauto.NewCounter(prometheus.CounterOpts{
		Name: "application_heartbeat",
		Help: "Application heartbeat pings",
	})
	startTime := time.Now()
	ticker := time.NewTicker(MetricWaitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			appUptime.Set(time.Since(startTime).Seconds())
			appHeartbeat.Inc()
		}
	}
}

// tracerProvider exports spans to the jaeger collector at url, tagged with build information
func tracerProvider(url string) (*tracesdk.TracerProvider, error) {
	jaegerExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(jaegerExporter),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(config.AppName()),
			semconv.ServiceVersionKey.String(config.BuildVersion),
			attribute.String("build_commit", config.BuildCommit),
			attribute.String("build_date", config.BuildDate),
		)),
	)

	return tp, nil
}

func MetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
