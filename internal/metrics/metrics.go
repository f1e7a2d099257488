// Package metrics exports resource and op counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

// Metrics holds the collectors. It observes resource tables as a
// resource.Observer and dispatchers as an ops.Hook.
type Metrics struct {
	registry *prometheus.Registry

	ResourcesOpen  *prometheus.GaugeVec
	ResourcesTotal *prometheus.CounterVec
	OpsTotal       *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec

	pending *pendingCollector
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		ResourcesOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tether_resources_open",
				Help: "Number of live resources by kind",
			},
			[]string{"kind"},
		),
		ResourcesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_resources_total",
				Help: "Resource lifecycle events by kind",
			},
			[]string{"kind", "event"},
		),
		OpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_ops_total",
				Help: "Completed ops by name, kind and result class",
			},
			[]string{"op", "kind", "result"},
		),
		OpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tether_op_duration_seconds",
				Help:    "Op completion latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"op"},
		),
		pending: &pendingCollector{
			desc: prometheus.NewDesc(
				"tether_ops_pending",
				"Suspendable ops in flight, split by whether they keep the runtime alive",
				[]string{"ref"}, nil,
			),
			dispatchers: make(map[*ops.Dispatcher]struct{}),
		},
	}
	reg.MustRegister(m.pending)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// OnResourceEvent implements resource.Observer.
func (m *Metrics) OnResourceEvent(e resource.Event) {
	switch e.Type {
	case resource.EventCreated:
		m.ResourcesOpen.WithLabelValues(e.Kind).Inc()
		m.ResourcesTotal.WithLabelValues(e.Kind, "created").Inc()
	case resource.EventClosed:
		m.ResourcesOpen.WithLabelValues(e.Kind).Dec()
		m.ResourcesTotal.WithLabelValues(e.Kind, "closed").Inc()
	}
}

// OnDispatch implements ops.Hook.
func (m *Metrics) OnDispatch(string, ops.Kind) {}

// OnComplete implements ops.Hook.
func (m *Metrics) OnComplete(op string, kind ops.Kind, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = operr.Class(err)
	}
	m.OpsTotal.WithLabelValues(op, kind.String(), result).Inc()
	m.OpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Attach observes d and its table until the returned function is called.
func (m *Metrics) Attach(d *ops.Dispatcher) (detach func()) {
	d.AddHook(m)
	d.Table().Subscribe(m)
	m.pending.add(d)
	return func() { m.pending.remove(d) }
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Router mounts the handler on /metrics.
func (m *Metrics) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return r
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     m.Router(),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// pendingCollector sums in-flight ops over the attached dispatchers at
// scrape time.
type pendingCollector struct {
	desc *prometheus.Desc

	mu          sync.Mutex
	dispatchers map[*ops.Dispatcher]struct{}
}

func (c *pendingCollector) add(d *ops.Dispatcher) {
	c.mu.Lock()
	c.dispatchers[d] = struct{}{}
	c.mu.Unlock()
}

func (c *pendingCollector) remove(d *ops.Dispatcher) {
	c.mu.Lock()
	delete(c.dispatchers, d)
	c.mu.Unlock()
}

func (c *pendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *pendingCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	var referenced, total int
	for d := range c.dispatchers {
		referenced += d.Referenced()
		total += d.Inflight()
	}
	c.mu.Unlock()

	unreferenced := total - referenced
	if unreferenced < 0 {
		unreferenced = 0
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(referenced), "true")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(unreferenced), "false")
}
