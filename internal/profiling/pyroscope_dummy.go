//go:build !pyroscope
// +build !pyroscope

// Package profiling starts pyroscope continuous profiling.
package profiling

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/config"
)

// Start is a dummy function that does nothing.
func Start(cfg *config.Profiling, log *logging.Logger) (func() error, error) {
	log.Info("Pyroscope is disabled")
	return func() error { return nil }, nil
}
