// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/core/retry"
	"github.com/katzenpost/vpnd/platform"
)

// setupResult is what a connection attempt acquired, and how it ended.
type setupResult struct {
	firewall bool
	dns      bool
	tunnel   platform.Tunnel
	conn     ConnectionData
	err      error
}

// connectionAttempt brings a tunnel up.  It runs on its own goroutine and
// only talks to the driver through its result.
type connectionAttempt struct {
	log *logging.Logger

	id       string
	attempt  uint32
	delay    time.Duration
	timeout  time.Duration
	settings Settings

	gate     *account.Gate
	provider platform.Provider
}

func (a *connectionAttempt) run(ctx context.Context) *setupResult {
	res := &setupResult{}
	if a.delay > 0 {
		a.log.Infof("Waiting %v before attempt %d", a.delay, a.attempt)
		if err := retry.Sleep(ctx, a.delay); err != nil {
			res.err = err
			return res
		}
	}

	setupCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	res.err = a.setup(setupCtx, res)
	if res.err != nil && ctx.Err() == nil && errors.Is(setupCtx.Err(), context.DeadlineExceeded) {
		res.err = errors.Wrapf(errAttemptTimeout, "after %v: %v", a.timeout, res.err)
	}
	return res
}

func (a *connectionAttempt) setup(ctx context.Context, res *setupResult) error {
	if err := a.settings.Validate(); err != nil {
		return err
	}

	// Block everything but the tunnel before touching the network.
	policy := &platform.FirewallPolicy{AllowLAN: a.settings.AllowLAN}
	if err := a.provider.ApplyFirewallPolicy(ctx, policy); err != nil {
		return err
	}
	res.firewall = true

	if err := a.gate.WaitForAccountSync(ctx); err != nil {
		return err
	}
	if err := a.gate.WaitForDeviceRegister(ctx); err != nil {
		return err
	}
	if err := a.gate.WaitForDeviceSync(ctx); err != nil {
		return err
	}
	if a.settings.CredentialsMode {
		if err := a.gate.WaitForCredentialsReady(ctx); err != nil {
			return err
		}
	}

	cfg := &platform.TunnelConfig{
		ConnectionID: a.id,
		Mode:         string(a.settings.Mode),
		EntryGateway: a.settings.Entry.String(),
		ExitGateway:  a.settings.Exit.String(),
		EnableIPv6:   a.settings.EnableIPv6,
		DNS:          a.settings.DNS,
	}
	tun, err := a.provider.ConfigureTunnel(ctx, cfg)
	if err != nil {
		return err
	}
	res.tunnel = tun

	policy.TunnelInterface = tun.Name()
	if err := a.provider.ApplyFirewallPolicy(ctx, policy); err != nil {
		return err
	}

	if len(a.settings.DNS) > 0 {
		if err := a.provider.SetDNS(ctx, tun.Name(), a.settings.DNS); err != nil {
			return err
		}
		res.dns = true
	}

	res.conn = ConnectionData{
		ID:           a.id,
		Mode:         a.settings.Mode,
		EntryGateway: cfg.EntryGateway,
		ExitGateway:  cfg.ExitGateway,
		Interface:    tun.Name(),
		ConnectedAt:  time.Now(),
	}
	for _, p := range tun.Addresses() {
		res.conn.Addresses = append(res.conn.Addresses, p.String())
	}
	return nil
}

type connectingState struct {
	attempt   uint32
	lastError *ErrorStateReason

	cancel   context.CancelFunc
	resultCh chan *setupResult
}

// enterConnecting starts attempt number attempt after delay.  The attempt's
// context is a child of ctx, so shutdown aborts it too.
func enterConnecting(ctx context.Context, attempt uint32, lastError *ErrorStateReason, delay time.Duration, shared *SharedState) (stateHandler, State) {
	attemptCtx, cancel := context.WithCancel(ctx)
	s := &connectingState{
		attempt:   attempt,
		lastError: lastError,
		cancel:    cancel,
		resultCh:  make(chan *setupResult, 1),
	}
	a := &connectionAttempt{
		log:      shared.log,
		id:       uuid.NewString(),
		attempt:  attempt,
		delay:    delay,
		timeout:  shared.policy.ConnectTimeout,
		settings: shared.settings.Clone(),
		gate:     shared.gate,
		provider: shared.provider,
	}
	shared.log.Noticef("Connecting: attempt %d, connection %s, %v", attempt, a.id, a.settings)
	go func() {
		s.resultCh <- a.run(attemptCtx)
	}()
	return s, &ConnectingState{Attempt: attempt, LastError: lastError}
}

func (s *connectingState) handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState {
	if ctx.Err() != nil {
		return s.disconnect(shared, afterNothing())
	}
	if shared.connectivity.IsOffline() {
		return s.offline(shared)
	}

	select {
	case <-ctx.Done():
		return s.disconnect(shared, afterNothing())
	case raw := <-commands:
		switch cmd := raw.(type) {
		case *ConnectCommand:
			return sameState(s)
		case *DisconnectCommand:
			return s.disconnect(shared, afterNothing())
		case *SetTunnelSettingsCommand:
			if shared.setSettings(cmd.Settings) && shared.policy.SettingsChange == SettingsRestart {
				return s.disconnect(shared, afterReconnect(0, nil))
			}
			return sameState(s)
		default:
			shared.log.Errorf("BUG: unknown command %v", raw)
			return sameState(s)
		}
	case c, ok := <-shared.connUpdates:
		shared.onConnectivity(c, ok)
		if shared.connectivity.IsOffline() {
			return s.offline(shared)
		}
		return sameState(s)
	case res := <-s.resultCh:
		s.cancel()
		shared.record(res)
		return s.onResult(ctx, res, shared)
	}
}

func (s *connectingState) onResult(ctx context.Context, res *setupResult, shared *SharedState) nextState {
	if ctx.Err() != nil {
		return newState(enterDisconnecting(afterNothing(), shared))
	}
	if res.err == nil {
		return newState(enterConnected(s.attempt, res.conn, shared))
	}

	reason := reasonFor(res.err)
	shared.log.Warningf("Connection attempt %d failed: %v", s.attempt, res.err)

	next := s.attempt + 1
	if reason.Retryable() && shared.policy.Reconnect.Allows(next) {
		return newState(enterDisconnecting(afterReconnect(next, &reason), shared))
	}
	if shared.holdsTunnel() {
		return newState(enterDisconnecting(afterError(reason, s.attempt), shared))
	}
	return newState(enterError(reason, s.attempt, shared))
}

// collect aborts the attempt and waits for it to report what it acquired.
// An attempt that ignores cancellation is abandoned after the teardown
// timeout, and whatever it acquires later is released.
func (s *connectingState) collect(shared *SharedState) {
	s.cancel()
	t := time.NewTimer(shared.policy.TeardownTimeout)
	defer t.Stop()
	select {
	case res := <-s.resultCh:
		shared.record(res)
	case <-t.C:
		shared.log.Errorf("Connection attempt %d did not stop within %v, abandoning it", s.attempt, shared.policy.TeardownTimeout)
		log, provider, timeout := shared.log, shared.provider, shared.policy.TeardownTimeout
		go func() {
			res := <-s.resultCh
			r := resources{firewall: res.firewall, dns: res.dns, tunnel: res.tunnel}
			if !r.firewall && !r.dns && r.tunnel == nil {
				return
			}
			log.Warningf("Releasing what abandoned attempt %d acquired", s.attempt)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			release(ctx, log, provider, r)
		}()
	}
}

func (s *connectingState) disconnect(shared *SharedState, after afterDisconnect) nextState {
	s.collect(shared)
	return newState(enterDisconnecting(after, shared))
}

func (s *connectingState) offline(shared *SharedState) nextState {
	s.collect(shared)
	shared.releaseTunnel()
	return newState(enterOffline(shared.policy.ReconnectOnOnline, s.attempt, nil, shared))
}
