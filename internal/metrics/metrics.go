// Package metrics holds the engine's Prometheus instrumentation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the matching engine.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec // labels: asset, type
	OrdersRejected  prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersExpired   prometheus.Counter

	MatchesExecuted     *prometheus.CounterVec // labels: asset
	SettlementFailures  prometheus.Counter
	NegotiationsOpened  prometheus.Counter
	NegotiationTimeouts prometheus.Counter

	MatchLatency prometheus.Histogram
	OpenOrders   *prometheus.GaugeVec // labels: asset
	SweepRuns    prometheus.Counter
}

// New registers and returns the engine metrics on the given registerer.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otcengine_orders_placed_total",
			Help: "Orders accepted into a book",
		}, []string{"asset", "type"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_orders_rejected_total",
			Help: "Orders rejected by validation",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_orders_cancelled_total",
			Help: "Orders cancelled by the caller or by IOC/FOK policy",
		}),
		OrdersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_orders_expired_total",
			Help: "GTD orders expired by the sweep",
		}),
		MatchesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otcengine_matches_executed_total",
			Help: "Matches that reached settled",
		}, []string{"asset"}),
		SettlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_settlement_failures_total",
			Help: "Matches moved to disputed on settlement failure",
		}),
		NegotiationsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_negotiations_opened_total",
			Help: "OTC block matches routed to negotiation",
		}),
		NegotiationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_negotiation_timeouts_total",
			Help: "Negotiation sessions forced to disputed on timeout",
		}),
		MatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otcengine_match_latency_seconds",
			Help:    "Latency of one matching pass including settlement",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		OpenOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otcengine_open_orders",
			Help: "Live orders resting per asset book",
		}, []string{"asset"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otcengine_sweep_runs_total",
			Help: "Background matching sweep iterations",
		}),
	}

	reg.MustRegister(
		m.OrdersPlaced,
		m.OrdersRejected,
		m.OrdersCancelled,
		m.OrdersExpired,
		m.MatchesExecuted,
		m.SettlementFailures,
		m.NegotiationsOpened,
		m.NegotiationTimeouts,
		m.MatchLatency,
		m.OpenOrders,
		m.SweepRuns,
	)

	return m
}

// Server exposes /metrics for scraping.
type Server struct {
	logger *zap.Logger
	srv    *http.Server
}

// NewServer creates the metrics HTTP server.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
