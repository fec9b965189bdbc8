// Package metrics exposes chat client counters on a private Prometheus registry.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client's collectors.
type Metrics struct {
	registry     *prometheus.Registry
	framesIn     *prometheus.CounterVec
	framesOut    *prometheus.CounterVec
	reconnects   prometheus.Counter
	authFailures prometheus.Counter
	sendFailures prometheus.Counter
	ackLatency   prometheus.Histogram
	uploadBytes  prometheus.Counter
	uploads      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "frames_received_total",
			Help:      "Socket frames received, by type.",
		}, []string{"type"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "frames_sent_total",
			Help:      "Socket frames sent, by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts after an unexpected close.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected by the server.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "send_failures_total",
			Help:      "Messages that ended in the failed state.",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "medchat",
			Name:      "ack_latency_seconds",
			Help:      "Time from optimistic insert to server confirmation.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "upload_bytes_total",
			Help:      "Attachment bytes transferred.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medchat",
			Name:      "uploads_total",
			Help:      "Finished uploads, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.framesIn, m.framesOut, m.reconnects, m.authFailures,
		m.sendFailures, m.ackLatency, m.uploadBytes, m.uploads,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameIn(frameType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameOut(frameType string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(frameType).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) SendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) AckLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(d.Seconds())
}

func (m *Metrics) UploadBytes(n int) {
	if m == nil {
		return
	}
	m.uploadBytes.Add(float64(n))
}

// UploadFinished records an upload outcome: "ok", "failed" or "canceled".
func (m *Metrics) UploadFinished(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

// Server serves /metrics on a TCP address.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics HTTP server for addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
