// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package connectivity provides the network reachability signal consumed by
// the tunnel state machine.
package connectivity

import (
	"fmt"
	"sync"
)

// Connectivity is the host's network reachability as seen by vpnd.
type Connectivity uint8

const (
	// PresumeOnline is used when the platform cannot tell, so vpnd assumes
	// reachability rather than blocking.
	PresumeOnline Connectivity = iota
	// Online means at least one usable network interface is up.
	Online
	// Offline means no usable network interface is up.
	Offline
)

// IsOffline returns true iff c is Offline.
func (c Connectivity) IsOffline() bool {
	return c == Offline
}

func (c Connectivity) String() string {
	switch c {
	case PresumeOnline:
		return "PresumeOnline"
	case Online:
		return "Online"
	case Offline:
		return "Offline"
	default:
		return fmt.Sprintf("Connectivity(%d)", uint8(c))
	}
}

// FromBool maps a platform online flag to a Connectivity.
func FromBool(online bool) Connectivity {
	if online {
		return Online
	}
	return Offline
}

// Monitor is a source of connectivity transitions.
type Monitor interface {
	// Updates returns the stream of connectivity values, in the order they
	// occurred.  The channel is closed when the monitor is closed.
	Updates() <-chan Connectivity

	// Current returns the most recently observed value.
	Current() Connectivity

	// Close stops the monitor and releases any platform registration.
	Close() error
}

type presumeOnline struct {
	ch        chan Connectivity
	closeOnce sync.Once
}

// NewPresumeOnline returns a Monitor for platforms without any connectivity
// signal.  It always reports PresumeOnline and never emits.
func NewPresumeOnline() Monitor {
	return &presumeOnline{ch: make(chan Connectivity)}
}

func (p *presumeOnline) Updates() <-chan Connectivity { return p.ch }

func (p *presumeOnline) Current() Connectivity { return PresumeOnline }

func (p *presumeOnline) Close() error {
	p.closeOnce.Do(func() { close(p.ch) })
	return nil
}
