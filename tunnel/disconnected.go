// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
)

type disconnectedState struct{}

// enterDisconnected restores DNS and drops the firewall policy, in case a
// previous run left either behind.
func enterDisconnected(shared *SharedState) (stateHandler, State) {
	shared.resetPlatform()
	return &disconnectedState{}, &DisconnectedState{}
}

func (s *disconnectedState) handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState {
	if ctx.Err() != nil {
		return finished()
	}

	select {
	case <-ctx.Done():
		return finished()
	case raw := <-commands:
		switch cmd := raw.(type) {
		case *ConnectCommand:
			h, st := enterConnecting(ctx, 0, nil, 0, shared)
			return newState(h, st)
		case *DisconnectCommand:
			return sameState(s)
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
	}
}
