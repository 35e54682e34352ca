// Package metrics exposes the daemon's optional /metrics HTTP endpoint.
// It has no effect on wire-protocol behavior (SPEC_FULL.md §12): the
// dispatcher calls into a *Recorder purely as an observability side
// channel, and a nil *Recorder is always a safe no-op so the daemon runs
// unchanged with metrics disabled.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the daemon's Prometheus collectors.
type Recorder struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	replyCacheHits  prometheus.Counter
	activeSessions  prometheus.Gauge
}

// NewRecorder builds a Recorder with its own registry, so a running daemon
// never collides with another prometheus user in the same process.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnfsd_requests_total",
			Help: "TNFS requests processed, by command and resulting status.",
		}, []string{"command", "status"}),
		replyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tnfsd_reply_cache_hits_total",
			Help: "Requests answered from the per-session reply cache instead of re-executing.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tnfsd_active_sessions",
			Help: "Live sessions currently tracked by the session manager.",
		}),
	}
	reg.MustRegister(r.requestsTotal, r.replyCacheHits, r.activeSessions)
	return r
}

// ObserveRequest records one dispatched command and its resulting status.
// Safe to call on a nil *Recorder.
func (r *Recorder) ObserveRequest(command, status string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(command, status).Inc()
}

// ObserveReplyCacheHit records a retransmission answered from cache rather
// than re-executed. Safe to call on a nil *Recorder.
func (r *Recorder) ObserveReplyCacheHit() {
	if r == nil {
		return
	}
	r.replyCacheHits.Inc()
}

// SetActiveSessions reports the current live-session count. Safe to call on
// a nil *Recorder.
func (r *Recorder) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.activeSessions.Set(float64(n))
}

// Serve runs the /metrics HTTP endpoint on addr until ctx is cancelled. It
// is the only HTTP surface the daemon exposes; the TNFS protocol itself
// never touches this listener.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
