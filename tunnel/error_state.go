// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"time"
)

// errorState keeps the firewall policy in place so nothing leaks while the
// user deals with the failure.
type errorState struct {
	reason  ErrorStateReason
	attempt uint32
	timer   *time.Timer
}

func enterError(reason ErrorStateReason, attempt uint32, shared *SharedState) (stateHandler, State) {
	s := &errorState{
		reason:  reason,
		attempt: attempt,
	}
	next := attempt + 1
	if shared.policy.AutoRetry && reason.Retryable() && shared.policy.Reconnect.Allows(next) {
		delay := shared.policy.Reconnect.Backoff(next)
		shared.log.Noticef("Error: %v, retrying in %v", reason, delay)
		s.timer = time.NewTimer(delay)
	} else {
		shared.log.Errorf("Error: %v", reason)
	}
	return s, &ErrorState{Reason: reason}
}

func (s *errorState) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *errorState) handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState {
	if ctx.Err() != nil {
		s.stopTimer()
		return newState(enterDisconnecting(afterNothing(), shared))
	}

	var retryCh <-chan time.Time
	if s.timer != nil {
		retryCh = s.timer.C
	}

	select {
	case <-ctx.Done():
		s.stopTimer()
		return newState(enterDisconnecting(afterNothing(), shared))
	case raw := <-commands:
		switch cmd := raw.(type) {
		case *ConnectCommand:
			s.stopTimer()
			reason := s.reason
			return newState(enterConnecting(ctx, 0, &reason, 0, shared))
		case *DisconnectCommand:
			s.stopTimer()
			return newState(enterDisconnecting(afterNothing(), shared))
		case *SetTunnelSettingsCommand:
			shared.setSettings(cmd.Settings)
			return sameState(s)
		default:
			shared.log.Errorf("BUG: unknown command %v", raw)
			return sameState(s)
		}
	case c, ok := <-shared.connUpdates:
		shared.onConnectivity(c, ok)
		return sameState(s)
	case <-retryCh:
		s.timer = nil
		reason := s.reason
		return newState(enterConnecting(ctx, s.attempt+1, &reason, 0, shared))
	}
}
