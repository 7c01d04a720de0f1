// Package metrics exposes relay counters on a private Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	EditsTotal        *prometheus.CounterVec
	OverflowsTotal    prometheus.Counter
	OpenConversations prometheus.Gauge
	UpdatesTotal      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.TurnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_turns_total",
		Help: "Turns handled, by outcome",
	}, []string{"outcome"})
	m.EditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_message_edits_total",
		Help: "Live message edits issued, by result",
	}, []string{"result"})
	m.OverflowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_overflows_total",
		Help: "Answers that exceeded the message size ceiling",
	})
	m.OpenConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_open_conversations",
		Help: "Conversations currently registered",
	})
	m.UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_updates_total",
		Help: "Telegram updates dispatched, by kind",
	}, []string{"kind"})

	m.registry.MustRegister(
		m.TurnsTotal,
		m.EditsTotal,
		m.OverflowsTotal,
		m.OpenConversations,
		m.UpdatesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EditIssued(result string) {
	if m == nil {
		return
	}
	m.EditsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Overflowed() {
	if m == nil {
		return
	}
	m.OverflowsTotal.Inc()
}

func (m *Metrics) UpdateDispatched(kind string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(kind).Inc()
}

// SetOpenConversations records the current conversation count.
func (m *Metrics) SetOpenConversations(n int) {
	if m == nil {
		return
	}
	m.OpenConversations.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "metrics").Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
