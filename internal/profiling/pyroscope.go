//go:build pyroscope
// +build pyroscope

// Package profiling starts pyroscope continuous profiling.
package profiling

import (
	"github.com/cockroachdb/errors"
	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/config"
)

// Start initializes Pyroscope profiling.  The returned function stops it.
func Start(cfg *config.Profiling, log *logging.Logger) (func() error, error) {
	if !cfg.Enable {
		log.Info("Pyroscope is not enabled in the configuration")
		return func() error { return nil }, nil
	}
	log.Info("Starting Pyroscope")

	tags := make(map[string]string, len(cfg.Tags)+1)
	tags["service"] = "vpnd"
	for k, v := range cfg.Tags {
		tags[k] = v
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            tags,
	})
	if err != nil {
		return nil, errors.Wrap(err, "profiling: failed to start pyroscope")
	}
	log.Infof("Pyroscope started successfully at %s, app name: %s", cfg.ServerAddress, cfg.ApplicationName)
	return p.Stop, nil
}
