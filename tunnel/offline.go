// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
)

type offlineState struct {
	reconnect bool
	attempt   uint32
	lastError *ErrorStateReason
}

func enterOffline(reconnect bool, attempt uint32, lastError *ErrorStateReason, shared *SharedState) (stateHandler, State) {
	shared.log.Noticef("Offline, reconnect when online: %v", reconnect)
	h := &offlineState{
		reconnect: reconnect,
		attempt:   attempt,
		lastError: lastError,
	}
	return h, &OfflineState{
		Reconnect: reconnect,
		Attempt:   attempt,
		LastError: lastError,
	}
}

func (s *offlineState) handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState {
	if ctx.Err() != nil {
		return newState(enterDisconnecting(afterNothing(), shared))
	}

	select {
	case <-ctx.Done():
		return newState(enterDisconnecting(afterNothing(), shared))
	case raw := <-commands:
		switch cmd := raw.(type) {
		case *ConnectCommand:
			if s.reconnect {
				return sameState(s)
			}
			if !shared.connectivity.IsOffline() {
				return newState(enterConnecting(ctx, s.attempt, s.lastError, 0, shared))
			}
			return newState(enterOffline(true, s.attempt, s.lastError, shared))
		case *DisconnectCommand:
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
		if s.reconnect && !shared.connectivity.IsOffline() {
			return newState(enterConnecting(ctx, s.attempt, s.lastError, 0, shared))
		}
		return sameState(s)
	}
}
