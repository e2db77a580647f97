// Package metrics exposes Prometheus metrics for plugin invocations and the
// host imports they call.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

const namespace = "hub"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	hostCalls   *prometheus.CounterVec
	chunks      prometheus.Counter
	inflight    prometheus.Gauge
}

// New creates Metrics on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_invocations_total",
			Help:      "on_create calls by plugin and result.",
		}, []string{"plugin", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_invocation_duration_seconds",
			Help:      "Wall time of on_create calls, instantiation included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		hostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_calls_total",
			Help:      "Host import calls by plugin, import and result.",
		}, []string{"plugin", "function", "result"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_created_total",
			Help:      "Chunks written through create_chunks.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_invocations_inflight",
			Help:      "on_create calls currently running.",
		}),
	}

	m.registry.MustRegister(
		m.invocations,
		m.duration,
		m.hostCalls,
		m.chunks,
		m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Result returns the label value for err: "ok", the snake-cased kind of a
// *protocol.Error, or "error".
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return strings.ReplaceAll(pe.Kind.String(), " ", "_")
	}
	return "error"
}

// ObserveHostCall counts one host import call.
func (m *Metrics) ObserveHostCall(plugin, function string, err error) {
	m.hostCalls.WithLabelValues(plugin, function, Result(err)).Inc()
}

// StartInvocation marks an on_create call as running and returns a function
// that records its outcome.
func (m *Metrics) StartInvocation(plugin string) func(err error) {
	start := time.Now()
	m.inflight.Inc()
	return func(err error) {
		m.inflight.Dec()
		m.duration.WithLabelValues(plugin).Observe(time.Since(start).Seconds())
		m.invocations.WithLabelValues(plugin, Result(err)).Inc()
	}
}

// AddChunks counts stored chunks.
func (m *Metrics) AddChunks(n int) {
	if n > 0 {
		m.chunks.Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
