// Package metrics exposes the daemon's prometheus counters.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesStaged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msync_messages_staged_total",
		Help: "Total optimistic messages created locally.",
	})
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_messages_received_total",
		Help: "Total inbound messages persisted, by author (self or peer).",
	}, []string{"author"})
	MessagesReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msync_messages_reconciled_total",
		Help: "Total placeholders replaced by their permanent message.",
	})
	InboundRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msync_inbound_rejected_total",
		Help: "Total inbound payloads dropped by validation.",
	})
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_send_failures_total",
		Help: "Total failed realtime writes, by channel.",
	}, []string{"channel"})
	AcksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msync_acks_sent_total",
		Help: "Total delivery acks written to the sync channel.",
	})

	UploadEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_upload_events_total",
		Help: "Upload lifecycle events, by kind. Progress events are not counted.",
	}, []string{"kind"})
	Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_downloads_total",
		Help: "Download attempts, by result.",
	}, []string{"result"})

	RealtimeConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msync_realtime_connected",
		Help: "1 while the named realtime channel is connected.",
	}, []string{"channel"})
	RealtimeReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msync_realtime_reconnects_total",
		Help: "Total reconnect attempts, by channel.",
	}, []string{"channel"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesStaged, MessagesReceived, MessagesReconciled,
			InboundRejected, SendFailures, AcksSent,
			UploadEvents, Downloads,
			RealtimeConnected, RealtimeReconnects,
		)
	})
}

// Server serves /metrics on a TCP address.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() {
	s.logger.Info("metrics server listening", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server error", zap.Error(err))
	}
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
