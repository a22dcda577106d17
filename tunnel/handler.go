// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
)

// stateHandler is the private half of a state.  handleEvent waits for one
// event, either a command, a connectivity update, an internal completion or
// shutdown, and says what comes next.
type stateHandler interface {
	handleEvent(ctx context.Context, commands <-chan interface{}, shared *SharedState) nextState
}

type nextStateKind uint8

const (
	nextSame nextStateKind = iota
	nextNew
	nextFinished
)

type nextState struct {
	kind    nextStateKind
	handler stateHandler
	state   State
}

func sameState(h stateHandler) nextState {
	return nextState{kind: nextSame, handler: h}
}

func newState(h stateHandler, s State) nextState {
	return nextState{kind: nextNew, handler: h, state: s}
}

func finished() nextState {
	return nextState{kind: nextFinished}
}

// afterDisconnect is ActionAfterDisconnect with the data the follow up
// state needs.
type afterDisconnect struct {
	action    ActionAfterDisconnect
	attempt   uint32
	lastError *ErrorStateReason

	// reason is the Error state's reason.
	reason ErrorStateReason

	// reconnect is the Offline state's reconnect flag.
	reconnect bool
}

func afterNothing() afterDisconnect {
	return afterDisconnect{action: AfterNothing}
}

func afterReconnect(attempt uint32, lastError *ErrorStateReason) afterDisconnect {
	return afterDisconnect{action: AfterReconnect, attempt: attempt, lastError: lastError}
}

func afterError(reason ErrorStateReason, attempt uint32) afterDisconnect {
	return afterDisconnect{action: AfterError, attempt: attempt, reason: reason}
}

func afterOffline(reconnect bool, attempt uint32, lastError *ErrorStateReason) afterDisconnect {
	return afterDisconnect{action: AfterOffline, attempt: attempt, lastError: lastError, reconnect: reconnect}
}
