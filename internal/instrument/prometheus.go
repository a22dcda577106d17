//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the tunnel state machine's prometheus metrics.
package instrument

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/tunnel"
)

var (
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnd_state_transitions_total",
			Help: "Number of public tunnel states emitted",
		},
		[]string{"state"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnd_tunnel_state",
			Help: "1 for the current tunnel state, 0 otherwise",
		},
		[]string{"state"},
	)
	connectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vpnd_connect_attempts_total",
			Help: "Number of connection attempts started",
		},
	)
	tunnelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnd_tunnel_errors_total",
			Help: "Number of Error states entered, by reason",
		},
		[]string{"reason"},
	)
	connectedSince = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnd_connected_since_seconds",
			Help: "Unix time the current connection was established, 0 when not connected",
		},
	)

	allStates = []tunnel.StateKind{
		tunnel.Disconnected,
		tunnel.Connecting,
		tunnel.Connected,
		tunnel.Disconnecting,
		tunnel.Error,
		tunnel.Offline,
	}

	initOnce sync.Once
)

// Init registers the metrics.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(stateTransitions)
		prometheus.MustRegister(currentState)
		prometheus.MustRegister(connectAttempts)
		prometheus.MustRegister(tunnelErrors)
		prometheus.MustRegister(connectedSince)
	})
}

// ObserveState records s.  It is a tunnel.Listener.
func ObserveState(s tunnel.State) {
	kind := s.Kind()
	stateTransitions.With(prometheus.Labels{"state": kind.String()}).Inc()
	for _, k := range allStates {
		v := 0.0
		if k == kind {
			v = 1
		}
		currentState.With(prometheus.Labels{"state": k.String()}).Set(v)
	}

	switch st := s.(type) {
	case *tunnel.ConnectingState:
		connectAttempts.Inc()
	case *tunnel.ConnectedState:
		connectedSince.Set(float64(st.Connection.ConnectedAt.Unix()))
	case *tunnel.ErrorState:
		tunnelErrors.With(prometheus.Labels{"reason": st.Reason.Kind.String()}).Inc()
	}
	if kind != tunnel.Connected {
		connectedSince.Set(0)
	}
}

// Server serves the metrics endpoint.
type Server struct {
	srv *http.Server
	l   net.Listener
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Start serves the registered metrics on addr at /metrics.
func Start(addr string, log *logging.Logger) (*Server, error) {
	Init()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		l: l,
	}
	go func() {
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on http://%v/metrics", l.Addr())
	return s, nil
}
