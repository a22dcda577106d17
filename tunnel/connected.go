// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/katzenpost/vpnd/platform"
)

var errTunnelGone = errors.New("tunnel went away")

type connectedState struct {
	attempt uint32
	done    <-chan error
}

func enterConnected(attempt uint32, conn ConnectionData, shared *SharedState) (stateHandler, State) {
	shared.log.Noticef("Connected: %s on %s, entry %s, exit %s", conn.ID, conn.Interface, conn.EntryGateway, conn.ExitGateway)
	return &connectedState{
		attempt: attempt,
		done:    shared.res.tunnel.Done(),
	}, &ConnectedState{Connection: conn}
}

func (s *connectedState) handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState {
	if ctx.Err() != nil {
		return newState(enterDisconnecting(afterNothing(), shared))
	}

	select {
	case <-ctx.Done():
		return newState(enterDisconnecting(afterNothing(), shared))
	case raw := <-commands:
		switch cmd := raw.(type) {
		case *ConnectCommand:
			return sameState(s)
		case *DisconnectCommand:
			return newState(enterDisconnecting(afterNothing(), shared))
		case *SetTunnelSettingsCommand:
			if shared.setSettings(cmd.Settings) && shared.policy.SettingsChange == SettingsRestart {
				return newState(enterDisconnecting(afterReconnect(0, nil), shared))
			}
			return sameState(s)
		default:
			shared.log.Errorf("BUG: unknown command %v", raw)
			return sameState(s)
		}
	case c, ok := <-shared.connUpdates:
		shared.onConnectivity(c, ok)
		if shared.connectivity.IsOffline() {
			shared.releaseTunnel()
			return newState(enterOffline(shared.policy.ReconnectOnOnline, s.attempt, nil, shared))
		}
		return sameState(s)
	case err, ok := <-s.done:
		if !ok || err == nil {
			err = errTunnelGone
		}
		var pErr *platform.Error
		if !errors.As(err, &pErr) {
			err = platform.NewError(platform.KindTunnel, "run", err)
		}
		shared.log.Errorf("Tunnel failed: %v", err)
		return newState(enterDisconnecting(afterError(reasonFor(err), s.attempt), shared))
	}
}
