// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"time"
)

type disconnectingState struct {
	after    afterDisconnect
	done     <-chan struct{}
	timer    *time.Timer
	shutdown bool
}

// enterDisconnecting hands the tunnel and DNS, plus the firewall policy
// unless another attempt or a blocking state follows, to a teardown
// goroutine.  The teardown is given up on after the teardown timeout.
func enterDisconnecting(after afterDisconnect, shared *SharedState) (stateHandler, State) {
	r := shared.takeResources(after.action == AfterNothing)
	shared.log.Noticef("Disconnecting, then %v", after.action)

	return &disconnectingState{
		after: after,
		done:  shared.startRelease(r),
		timer: time.NewTimer(shared.policy.TeardownTimeout),
	}, &DisconnectingState{After: after.action}
}

func (s *disconnectingState) handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState {
	if ctx.Err() != nil && !s.shutdown {
		s.shutdown = true
		s.after = afterNothing()
	}

	// Teardown is not interruptible, so shutdown only changes what follows.
	shutdownCh := ctx.Done()
	if s.shutdown {
		shutdownCh = nil
	}

	select {
	case <-s.done:
		return s.complete(ctx, shared)
	case <-s.timer.C:
		shared.log.Errorf("Teardown did not finish within %v, abandoning it", shared.policy.TeardownTimeout)
		return s.complete(ctx, shared)
	case <-shutdownCh:
		s.shutdown = true
		s.after = afterNothing()
		return sameState(s)
	case raw := <-commands:
		switch cmd := raw.(type) {
		case *ConnectCommand:
			if s.shutdown {
				break
			}
			switch s.after.action {
			case AfterNothing, AfterError:
				s.after = afterReconnect(0, nil)
			case AfterOffline:
				s.after.reconnect = true
			}
		case *DisconnectCommand:
			s.after = afterNothing()
		case *SetTunnelSettingsCommand:
			shared.setSettings(cmd.Settings)
		default:
			shared.log.Errorf("BUG: unknown command %v", raw)
		}
		return sameState(s)
	case c, ok := <-shared.connUpdates:
		shared.onConnectivity(c, ok)
		switch {
		case shared.connectivity.IsOffline() && s.after.action == AfterReconnect:
			s.after = afterOffline(true, s.after.attempt, s.after.lastError)
		case !shared.connectivity.IsOffline() && s.after.action == AfterOffline && s.after.reconnect:
			s.after = afterReconnect(s.after.attempt, s.after.lastError)
		}
		return sameState(s)
	}
}

func (s *disconnectingState) complete(ctx context.Context, shared *SharedState) nextState {
	s.timer.Stop()
	if ctx.Err() != nil {
		s.after = afterNothing()
	}
	shared.log.Debugf("Teardown complete, then %v", s.after.action)

	switch s.after.action {
	case AfterReconnect:
		delay := shared.policy.Reconnect.Backoff(s.after.attempt)
		return newState(enterConnecting(ctx, s.after.attempt, s.after.lastError, delay, shared))
	case AfterError:
		return newState(enterError(s.after.reason, s.after.attempt, shared))
	case AfterOffline:
		return newState(enterOffline(s.after.reconnect, s.after.attempt, s.after.lastError, shared))
	default:
		return newState(enterDisconnected(shared))
	}
}
