// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package tunnel implements the tunnel state machine: a single goroutine
// that owns a tunnel's lifecycle, arbitrating between user commands,
// connectivity changes and account readiness, and that acquires and releases
// platform resources in a consistent order on every path.
package tunnel

import (
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/connectivity"
	"github.com/katzenpost/vpnd/core/worker"
	"github.com/katzenpost/vpnd/platform"
)

// Listener receives every public state in emission order.  It is called on
// the state machine's goroutine and must not block.
type Listener func(State)

// Config is the state machine's configuration.
type Config struct {
	// Log is the machine's logger.
	Log *logging.Logger

	// Settings are the initial tunnel settings.
	Settings Settings

	// Policy holds the tunables.
	Policy Policy

	Controller account.Controller
	Provider   platform.Provider
	Monitor    connectivity.Monitor
}

// Machine is the tunnel state machine.
type Machine struct {
	worker.Worker

	log      *logging.Logger
	shared   *SharedState
	commands *CommandQueue

	listeners []Listener
	startOnce sync.Once
	started   bool

	stateLock sync.RWMutex
	current   State

	finishedCh chan struct{}
}

// New returns a Machine that has not been started.
func New(cfg *Config) (*Machine, error) {
	switch {
	case cfg.Log == nil:
		return nil, errors.New("tunnel: no logger")
	case cfg.Controller == nil:
		return nil, errors.New("tunnel: no account controller")
	case cfg.Provider == nil:
		return nil, errors.New("tunnel: no platform provider")
	case cfg.Monitor == nil:
		return nil, errors.New("tunnel: no connectivity monitor")
	}
	policy := cfg.Policy
	if policy.TeardownTimeout <= 0 {
		policy.TeardownTimeout = DefaultTeardownTimeout
	}
	settings := cfg.Settings.Clone()
	if settings.Mode == "" {
		settings.Mode = ModeMixnet
	}

	m := &Machine{
		log:        cfg.Log,
		commands:   NewCommandQueue(),
		current:    &DisconnectedState{},
		finishedCh: make(chan struct{}),
	}
	m.shared = &SharedState{
		log:          cfg.Log,
		settings:     settings,
		policy:       policy,
		gate:         account.NewGate(cfg.Controller, cfg.Log),
		provider:     cfg.Provider,
		connUpdates:  cfg.Monitor.Updates(),
		connectivity: cfg.Monitor.Current(),
	}
	return m, nil
}

// AddListener registers l.  Listeners must be added before Start.
func (m *Machine) AddListener(l Listener) {
	if m.started {
		panic("tunnel: AddListener after Start")
	}
	m.listeners = append(m.listeners, l)
}

// Start runs the state machine from Disconnected.
func (m *Machine) Start() {
	m.startOnce.Do(func() {
		m.started = true
		m.Go(m.run)
	})
}

// Send queues cmd for the state machine.  It never blocks.
func (m *Machine) Send(cmd Command) error {
	return m.commands.Send(cmd)
}

// Connect queues a ConnectCommand.
func (m *Machine) Connect() error {
	return m.Send(&ConnectCommand{})
}

// Disconnect queues a DisconnectCommand.
func (m *Machine) Disconnect() error {
	return m.Send(&DisconnectCommand{})
}

// SetTunnelSettings queues a SetTunnelSettingsCommand.
func (m *Machine) SetTunnelSettings(s Settings) error {
	return m.Send(&SetTunnelSettingsCommand{Settings: s.Clone()})
}

// CurrentState returns the last emitted state.
func (m *Machine) CurrentState() State {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	return m.current
}

// Finished is closed once the state machine has torn everything down and
// stopped.
func (m *Machine) Finished() <-chan struct{} {
	return m.finishedCh
}

// Shutdown tears the tunnel down and stops the state machine, returning
// once it has finished.
func (m *Machine) Shutdown() {
	m.log.Notice("Shutting down tunnel state machine")
	m.Halt()
}

func (m *Machine) emit(s State) {
	m.log.Infof("State: %v", s)
	m.stateLock.Lock()
	m.current = s
	m.stateLock.Unlock()
	for _, l := range m.listeners {
		l(s)
	}
}

func (m *Machine) run() {
	defer close(m.finishedCh)
	defer m.commands.Close()

	ctx := m.HaltContext()
	handler, state := enterDisconnected(m.shared)
	m.emit(state)

	for {
		next := handler.handleEvent(ctx, m.commands.Out(), m.shared)
		switch next.kind {
		case nextSame:
			handler = next.handler
		case nextNew:
			handler = next.handler
			m.emit(next.state)
		case nextFinished:
			m.log.Notice("Tunnel state machine finished")
			return
		}
	}
}
