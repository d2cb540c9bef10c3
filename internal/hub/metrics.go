package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// Job event labels for Metrics.Jobs.
const (
	eventSubmitted  = "submitted"
	eventDispatched = "dispatched"
	eventCompleted  = "completed"
	eventRequeued   = "requeued"
	eventTimedOut   = "timed_out"
	eventFailed     = "failed"
	eventDropped    = "dropped"
)

// Metrics is the hub's prometheus instrumentation on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth   prometheus.Gauge
	Workers      prometheus.Gauge
	ReadyWorkers prometheus.Gauge
	Managers     prometheus.Gauge
	WorkerSlots  prometheus.Gauge
	Jobs         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry:     prometheus.NewRegistry(),
		QueueDepth:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "wasp_hub_queue_depth", Help: "Jobs waiting for a worker."}),
		Workers:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "wasp_hub_workers", Help: "Registered workers."}),
		ReadyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{Name: "wasp_hub_ready_workers", Help: "Workers with a free slot."}),
		Managers:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "wasp_hub_managers", Help: "Connected managers."}),
		WorkerSlots:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "wasp_hub_worker_slots", Help: "Total worker capacity."}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasp_hub_jobs_total",
			Help: "Job lifecycle events by kind.",
		}, []string{"event"}),
	}
	m.Registry.MustRegister(m.QueueDepth, m.Workers, m.ReadyWorkers, m.Managers, m.WorkerSlots, m.Jobs)
	return m
}

func (m *Metrics) job(event string) {
	m.Jobs.WithLabelValues(event).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	klog.FromContext(ctx).WithName("hub").Info("Serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
