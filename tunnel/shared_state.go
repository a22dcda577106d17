// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/connectivity"
	"github.com/katzenpost/vpnd/core/retry"
	"github.com/katzenpost/vpnd/platform"
)

// SettingsChangePolicy decides what a settings change does to a tunnel that
// is up or coming up.
type SettingsChangePolicy uint8

const (
	// SettingsQueue stores the settings for the next attempt.
	SettingsQueue SettingsChangePolicy = iota
	// SettingsRestart reconnects with the new settings.
	SettingsRestart
)

func (p SettingsChangePolicy) String() string {
	if p == SettingsRestart {
		return "restart"
	}
	return "queue"
}

const (
	// DefaultTeardownTimeout bounds how long releasing resources may take.
	DefaultTeardownTimeout = 10 * time.Second
)

// Policy holds the state machine's tunables.
type Policy struct {
	SettingsChange SettingsChangePolicy

	// Reconnect bounds and spaces out connection attempts after transient
	// failures.
	Reconnect retry.Policy

	// ReconnectOnOnline makes Offline states reconnect once the network
	// returns.
	ReconnectOnOnline bool

	// AutoRetry schedules a new attempt from the Error state for retryable
	// reasons.
	AutoRetry bool

	// ConnectTimeout bounds a single attempt, zero is unbounded.
	ConnectTimeout time.Duration

	// TeardownTimeout bounds resource release.
	TeardownTimeout time.Duration
}

// DefaultPolicy returns the default tunables.
func DefaultPolicy() Policy {
	return Policy{
		SettingsChange:    SettingsQueue,
		Reconnect:         retry.DefaultPolicy(),
		ReconnectOnOnline: true,
		AutoRetry:         false,
		TeardownTimeout:   DefaultTeardownTimeout,
	}
}

// resources tracks what the machine holds on the platform.  Only the driver
// goroutine touches it, except that ownership is handed to a teardown
// goroutine by clearing the fields first.
type resources struct {
	firewall bool
	dns      bool
	tunnel   platform.Tunnel
}

// SharedState is what every state handler works on.  It is owned by the
// driver goroutine.
type SharedState struct {
	log *logging.Logger

	settings Settings
	policy   Policy

	gate     *account.Gate
	provider platform.Provider

	connUpdates  <-chan connectivity.Connectivity
	connectivity connectivity.Connectivity

	res resources
}

// setSettings stores s and reports whether it differs from the current
// settings.
func (s *SharedState) setSettings(settings Settings) bool {
	if s.settings.Equal(settings) {
		return false
	}
	s.log.Noticef("Tunnel settings changed: %v", settings)
	s.settings = settings.Clone()
	return true
}

// onConnectivity records a connectivity update.  A closed stream leaves the
// machine presuming it is online.
func (s *SharedState) onConnectivity(c connectivity.Connectivity, ok bool) {
	if !ok {
		s.log.Warning("Connectivity monitor went away, presuming online")
		s.connUpdates = nil
		s.connectivity = connectivity.PresumeOnline
		return
	}
	if c != s.connectivity {
		s.log.Infof("Connectivity: %v -> %v", s.connectivity, c)
	}
	s.connectivity = c
}

func (s *SharedState) teardownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.policy.TeardownTimeout)
}

// takeResources hands the tunnel and DNS, and the firewall if withFirewall
// is set, over to the caller.
func (s *SharedState) takeResources(withFirewall bool) resources {
	taken := resources{
		tunnel: s.res.tunnel,
		dns:    s.res.dns,
	}
	s.res.tunnel = nil
	s.res.dns = false
	if withFirewall {
		taken.firewall = s.res.firewall
		s.res.firewall = false
	}
	return taken
}

// holdsTunnel returns true if anything besides the firewall policy is held.
func (s *SharedState) holdsTunnel() bool {
	return s.res.tunnel != nil || s.res.dns
}

// record takes ownership of what a connection attempt acquired.
func (s *SharedState) record(r *setupResult) {
	if r.firewall {
		s.res.firewall = true
	}
	if r.dns {
		s.res.dns = true
	}
	if r.tunnel != nil {
		s.res.tunnel = r.tunnel
	}
}

// releaseTunnel closes the tunnel and restores DNS inline, keeping the
// firewall policy in place.
func (s *SharedState) releaseTunnel() {
	s.awaitRelease(s.startRelease(s.takeResources(false)))
}

// resetPlatform puts DNS and firewall back to their defaults regardless of
// what the machine believes it holds.
func (s *SharedState) resetPlatform() {
	r := s.takeResources(true)
	r.dns = true
	r.firewall = true
	s.awaitRelease(s.startRelease(r))
}

// startRelease frees r on a teardown goroutine.  The returned channel is
// closed once it is done.
func (s *SharedState) startRelease(r resources) <-chan struct{} {
	ctx, cancel := s.teardownContext()
	done := make(chan struct{})
	log, provider := s.log, s.provider
	go func() {
		defer close(done)
		defer cancel()
		release(ctx, log, provider, r)
	}()
	return done
}

// awaitRelease waits for done for at most the teardown timeout.  A release
// that hangs is abandoned and left to finish on its own.
func (s *SharedState) awaitRelease(done <-chan struct{}) {
	t := time.NewTimer(s.policy.TeardownTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.log.Errorf("Teardown did not finish within %v, abandoning it", s.policy.TeardownTimeout)
	}
}

// release frees r, logging failures.
func release(ctx context.Context, log *logging.Logger, p platform.Provider, r resources) {
	if r.dns {
		if err := p.ResetDNS(ctx); err != nil {
			log.Warningf("Failed to reset DNS: %v", err)
		}
	}
	if r.tunnel != nil {
		log.Debugf("Closing tunnel interface %s", r.tunnel.Name())
		if err := r.tunnel.Close(); err != nil {
			log.Warningf("Failed to close tunnel %s: %v", r.tunnel.Name(), err)
		}
	}
	if r.firewall {
		if err := p.ResetPolicy(ctx); err != nil {
			log.Warningf("Failed to reset firewall policy: %v", err)
		}
	}
}
