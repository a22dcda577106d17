// daemon.go - vpnd daemon.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package daemon assembles the vpnd services around the tunnel state
// machine.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/config"
	"github.com/katzenpost/vpnd/connectivity"
	"github.com/katzenpost/vpnd/control"
	"github.com/katzenpost/vpnd/core/log"
	"github.com/katzenpost/vpnd/internal/instrument"
	"github.com/katzenpost/vpnd/internal/profiling"
	"github.com/katzenpost/vpnd/platform"
	"github.com/katzenpost/vpnd/statestore"
	"github.com/katzenpost/vpnd/tunnel"

	// Platform backends register themselves.
	_ "github.com/katzenpost/vpnd/platform/dryrun"
)

const shutdownTimeout = 5 * time.Second

// Daemon is a vpnd instance.
type Daemon struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	provider platform.Provider
	monitor  connectivity.Monitor
	store    *statestore.Store
	machine  *tunnel.Machine
	control  *control.Server
	metrics  *instrument.Server

	stopProfiling func() error

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (d *Daemon) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	dir := d.cfg.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(dir); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return errors.Wrap(err, "vpnd: failed to stat() DataDir")
		}
		if err = os.MkdirAll(dir, dirMode); err != nil {
			return errors.Wrap(err, "vpnd: failed to create DataDir")
		}
	} else {
		if !fi.IsDir() {
			return errors.Newf("vpnd: DataDir '%v' is not a directory", dir)
		}
		if fi.Mode() != dirMode {
			return errors.Newf("vpnd: DataDir '%v' has invalid permissions '%v'", dir, fi.Mode())
		}
	}

	return nil
}

func (d *Daemon) initLogging() error {
	p := d.cfg.Logging.File
	if !d.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(d.cfg.DataDir, p)
	}

	var err error
	d.logBackend, err = log.New(p, d.cfg.Logging.Level, d.cfg.Logging.Disable)
	if err == nil {
		d.log = d.logBackend.GetLogger("vpnd")
	}
	return err
}

// LogBackend returns the daemon's log backend.
func (d *Daemon) LogBackend() *log.Backend {
	return d.logBackend
}

// Machine returns the tunnel state machine.
func (d *Daemon) Machine() *tunnel.Machine {
	return d.machine
}

// Shutdown cleanly shuts down the daemon, tearing the tunnel down.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(func() { d.halt() })
}

// Wait waits until the daemon is terminated for any reason.
func (d *Daemon) Wait() {
	<-d.haltedCh
}

// Halted is closed once the daemon has shut down.
func (d *Daemon) Halted() <-chan interface{} {
	return d.haltedCh
}

// RotateLog rotates the log file if logging to a file is enabled.
func (d *Daemon) RotateLog() error {
	if err := d.logBackend.Rotate(); err != nil {
		d.log.Errorf("Failed to rotate the log file: %v", err)
		return err
	}
	d.log.Notice("Rotated the log file.")
	return nil
}

func (d *Daemon) halt() {
	d.log.Notice("Starting graceful shutdown.")

	// Stop taking commands first.
	if d.control != nil {
		d.control.Close()
	}

	// The state machine tears the tunnel down and emits its final states
	// while the store is still open.
	if d.machine != nil {
		d.machine.Shutdown()
	}
	if d.monitor != nil {
		d.monitor.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.metrics.Shutdown(ctx); err != nil {
			d.log.Warningf("Failed to stop the metrics server: %v", err)
		}
		cancel()
	}
	if d.stopProfiling != nil {
		if err := d.stopProfiling(); err != nil {
			d.log.Warningf("Failed to stop profiling: %v", err)
		}
	}

	d.log.Notice("Shutdown complete.")
	close(d.haltedCh)
}

func (d *Daemon) newMonitor() (connectivity.Monitor, error) {
	pCfg := d.cfg.Platform
	switch pCfg.Connectivity {
	case config.ConnectivityNative:
		exclude := append([]string(nil), pCfg.ExcludeInterfaces...)
		if iface := pCfg.Options["interface"]; iface != "" {
			exclude = append(exclude, iface)
		}
		return connectivity.NewNative(d.logBackend.GetLogger("connectivity"), connectivity.NativeConfig{
			Interval:          pCfg.PollInterval.Duration(),
			ExcludeInterfaces: exclude,
		}), nil
	case config.ConnectivityAdapter:
		iface, ok := d.provider.(connectivity.ObservableInterface)
		if !ok {
			return nil, errors.Newf("vpnd: platform backend '%v' does not report connectivity", pCfg.Backend)
		}
		return connectivity.NewAdapter(iface), nil
	default:
		return connectivity.NewPresumeOnline(), nil
	}
}

// New returns a new Daemon instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}

	if err := d.initDataDir(); err != nil {
		return nil, err
	}
	if err := d.initLogging(); err != nil {
		return nil, err
	}

	d.log.Notice("Starting vpnd")
	if d.cfg.Logging.Level == "DEBUG" {
		d.log.Warning("Debug logging is enabled.")
	}

	// Past this point, failures need to call d.Shutdown().
	isOk := false
	defer func() {
		if !isOk {
			d.Shutdown()
		}
	}()

	var err error
	if d.stopProfiling, err = profiling.Start(cfg.Profiling, d.logBackend.GetLogger("profiling")); err != nil {
		return nil, err
	}

	if d.provider, err = platform.New(cfg.Platform.Backend, d.logBackend.GetLogger("platform"), cfg.Platform.Options); err != nil {
		return nil, err
	}
	if d.monitor, err = d.newMonitor(); err != nil {
		return nil, err
	}

	if d.store, err = statestore.New(cfg.State.Path, cfg.State.HistoryLimit, d.logBackend.GetLogger("statestore")); err != nil {
		return nil, err
	}
	if last, err := d.store.Last(); err == nil {
		d.log.Noticef("Previous session ended at %v in state %v", last.Time.Format(time.RFC3339), last.State)
	}

	settings, err := cfg.Tunnel.Settings()
	if err != nil {
		return nil, err
	}
	d.machine, err = tunnel.New(&tunnel.Config{
		Log:        d.logBackend.GetLogger("tunnel"),
		Settings:   settings,
		Policy:     cfg.Policy.TunnelPolicy(),
		Controller: account.NewStaticController(cfg.Account.StaticConfig()),
		Provider:   d.provider,
		Monitor:    d.monitor,
	})
	if err != nil {
		return nil, err
	}

	if d.control, err = control.New(cfg.Control.SocketPath, d.machine, d.store, d.logBackend.GetLogger("control")); err != nil {
		return nil, err
	}

	instrument.Init()
	if cfg.Metrics.Address != "" {
		if d.metrics, err = instrument.Start(cfg.Metrics.Address, d.logBackend.GetLogger("metrics")); err != nil {
			return nil, err
		}
	}

	d.machine.AddListener(d.store.OnState)
	d.machine.AddListener(instrument.ObserveState)
	d.machine.AddListener(d.control.OnState)
	d.machine.Start()

	// The machine only finishes on shutdown, take the rest down with it.
	go func() {
		<-d.machine.Finished()
		d.Shutdown()
	}()

	if cfg.Tunnel.ConnectOnStart {
		d.log.Notice("Connecting on start")
		if err := d.machine.Connect(); err != nil {
			return nil, err
		}
	}

	isOk = true
	return d, nil
}
