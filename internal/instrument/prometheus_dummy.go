//go:build noprometheus
// +build noprometheus

package instrument

import (
	"context"
	"net"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/tunnel"
)

// Server does nothing
type Server struct{}

// Addr returns nil
func (s *Server) Addr() net.Addr { return nil }

// Shutdown does nothing
func (s *Server) Shutdown(ctx context.Context) error { return nil }

// Init does nothing
func Init() {}

// ObserveState does nothing
func ObserveState(s tunnel.State) {}

// Start does nothing
func Start(addr string, log *logging.Logger) (*Server, error) {
	log.Notice("Metrics are disabled")
	return &Server{}, nil
}
