// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
)

// StateKind identifies a public tunnel state.
type StateKind uint8

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Disconnecting
	Error
	Offline
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Error:
		return "Error"
	case Offline:
		return "Offline"
	default:
		return fmt.Sprintf("StateKind(%d)", uint8(k))
	}
}

// State is a public tunnel state as seen by listeners.
type State interface {
	// Kind returns the state variant.
	Kind() StateKind

	// String returns a string representation of the State.
	String() string
}

// DisconnectedState means no tunnel exists and no resources are held.
type DisconnectedState struct{}

// Kind implements State.
func (s *DisconnectedState) Kind() StateKind { return Disconnected }

func (s *DisconnectedState) String() string {
	return "Disconnected"
}

// ConnectingState is an in progress connection attempt.  Attempt is zero
// based, LastError is the failure that caused this retry.
type ConnectingState struct {
	Attempt   uint32            `cbor:"attempt"`
	LastError *ErrorStateReason `cbor:"last_error,omitempty"`
}

// Kind implements State.
func (s *ConnectingState) Kind() StateKind { return Connecting }

func (s *ConnectingState) String() string {
	if s.LastError == nil {
		return fmt.Sprintf("Connecting(attempt %d)", s.Attempt)
	}
	return fmt.Sprintf("Connecting(attempt %d, last error %v)", s.Attempt, s.LastError)
}

// ConnectionData describes an established tunnel.
type ConnectionData struct {
	ID           string    `cbor:"id"`
	Mode         Mode      `cbor:"mode"`
	EntryGateway string    `cbor:"entry_gateway"`
	ExitGateway  string    `cbor:"exit_gateway"`
	Interface    string    `cbor:"interface"`
	Addresses    []string  `cbor:"addresses,omitempty"`
	ConnectedAt  time.Time `cbor:"connected_at"`
}

// ConnectedState means the tunnel is up.
type ConnectedState struct {
	Connection ConnectionData `cbor:"connection"`
}

// Kind implements State.
func (s *ConnectedState) Kind() StateKind { return Connected }

func (s *ConnectedState) String() string {
	return fmt.Sprintf("Connected(%s via %s, %s)", s.Connection.Interface, s.Connection.EntryGateway, s.Connection.ID)
}

// ActionAfterDisconnect is what follows once a teardown completes.
type ActionAfterDisconnect uint8

const (
	AfterNothing ActionAfterDisconnect = iota
	AfterReconnect
	AfterError
	AfterOffline
)

func (a ActionAfterDisconnect) String() string {
	switch a {
	case AfterNothing:
		return "Nothing"
	case AfterReconnect:
		return "Reconnect"
	case AfterError:
		return "Error"
	case AfterOffline:
		return "Offline"
	default:
		return fmt.Sprintf("ActionAfterDisconnect(%d)", uint8(a))
	}
}

// DisconnectingState is a teardown in progress.
type DisconnectingState struct {
	After ActionAfterDisconnect `cbor:"after"`
}

// Kind implements State.
func (s *DisconnectingState) Kind() StateKind { return Disconnecting }

func (s *DisconnectingState) String() string {
	return fmt.Sprintf("Disconnecting(then %v)", s.After)
}

// ErrorState is a failure that stopped connecting.  The firewall stays in
// blocking mode while in this state.
type ErrorState struct {
	Reason ErrorStateReason `cbor:"reason"`
}

// Kind implements State.
func (s *ErrorState) Kind() StateKind { return Error }

func (s *ErrorState) String() string {
	return fmt.Sprintf("Error(%v)", s.Reason)
}

// OfflineState means the network is down.  With Reconnect set a connection
// attempt starts as soon as connectivity returns.
type OfflineState struct {
	Reconnect bool              `cbor:"reconnect"`
	Attempt   uint32            `cbor:"attempt"`
	LastError *ErrorStateReason `cbor:"last_error,omitempty"`
}

// Kind implements State.
func (s *OfflineState) Kind() StateKind { return Offline }

func (s *OfflineState) String() string {
	return fmt.Sprintf("Offline(reconnect %v, attempt %d)", s.Reconnect, s.Attempt)
}

type stateEnvelope struct {
	Kind StateKind       `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body"`
}

// MarshalState serializes s with its kind tag.
func MarshalState(s State) ([]byte, error) {
	body, err := cbor.Marshal(s)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&stateEnvelope{Kind: s.Kind(), Body: body})
}

// UnmarshalState is the inverse of MarshalState.
func UnmarshalState(b []byte) (State, error) {
	var env stateEnvelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var s State
	switch env.Kind {
	case Disconnected:
		s = &DisconnectedState{}
	case Connecting:
		s = &ConnectingState{}
	case Connected:
		s = &ConnectedState{}
	case Disconnecting:
		s = &DisconnectingState{}
	case Error:
		s = &ErrorState{}
	case Offline:
		s = &OfflineState{}
	default:
		return nil, errors.Newf("tunnel: unknown state kind %d", env.Kind)
	}
	if err := cbor.Unmarshal(env.Body, s); err != nil {
		return nil, err
	}
	return s, nil
}
