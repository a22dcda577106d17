// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/eapache/channels.v1"
)

// ErrMachineStopped is returned when sending to a machine that has finished.
var ErrMachineStopped = errors.New("tunnel: state machine stopped")

// Command is a user command for the state machine.
type Command interface {
	// String returns a string representation of the Command.
	String() string
}

// ConnectCommand asks for the tunnel to be brought up.
type ConnectCommand struct{}

func (c *ConnectCommand) String() string {
	return "Connect"
}

// DisconnectCommand asks for the tunnel to be torn down.
type DisconnectCommand struct{}

func (c *DisconnectCommand) String() string {
	return "Disconnect"
}

// SetTunnelSettingsCommand replaces the tunnel settings.
type SetTunnelSettingsCommand struct {
	Settings Settings
}

func (c *SetTunnelSettingsCommand) String() string {
	return "SetTunnelSettings(" + c.Settings.String() + ")"
}

// CommandQueue is an unbounded FIFO of commands.  Send never blocks and
// commands come out in the order they went in.
type CommandQueue struct {
	sync.Mutex

	ch     *channels.InfiniteChannel
	closed bool
}

// NewCommandQueue returns an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		ch: channels.NewInfiniteChannel(),
	}
}

// Send enqueues cmd.
func (q *CommandQueue) Send(cmd Command) error {
	q.Lock()
	defer q.Unlock()
	if q.closed {
		return ErrMachineStopped
	}
	q.ch.In() <- cmd
	return nil
}

// Out returns the receive side of the queue.
func (q *CommandQueue) Out() <-chan interface{} {
	return q.ch.Out()
}

// Close stops accepting commands.  Commands already queued are dropped.
func (q *CommandQueue) Close() {
	q.Lock()
	defer q.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ch.Close()
}
