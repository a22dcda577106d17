// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package connectivity

import (
	"sync"

	"gopkg.in/eapache/channels.v1"

	"github.com/katzenpost/vpnd/core/worker"
)

// Observer receives online/offline notifications from a platform tunnel
// interface.
type Observer interface {
	OnNetworkStatusChanged(online bool)
}

// ObservableInterface is implemented by platform tunnel interfaces that can
// report connectivity but offer no stream of their own (mobile VPN service
// bridges, for example).
type ObservableInterface interface {
	AddConnectivityObserver(Observer)
	RemoveConnectivityObserver(Observer)
}

// Adapter turns observer callbacks into a Monitor.  Construction registers
// the observer and Close unregisters it, so no callback outlives the
// Adapter.
type Adapter struct {
	worker.Worker

	iface    ObservableInterface
	observer *adapterObserver

	sync.Mutex
	closed  bool
	current Connectivity

	in        *channels.InfiniteChannel
	out       chan Connectivity
	closeOnce sync.Once
}

type adapterObserver struct {
	a *Adapter
}

func (o *adapterObserver) OnNetworkStatusChanged(online bool) {
	o.a.push(FromBool(online))
}

// NewAdapter registers an observer with iface and returns the Monitor fed
// by it.  Until the first notification the Adapter reports PresumeOnline.
func NewAdapter(iface ObservableInterface) *Adapter {
	a := &Adapter{
		iface:   iface,
		current: PresumeOnline,
		in:      channels.NewInfiniteChannel(),
		out:     make(chan Connectivity),
	}
	a.observer = &adapterObserver{a: a}
	a.Go(a.worker)
	iface.AddConnectivityObserver(a.observer)
	return a
}

// push never blocks the platform callback thread.
func (a *Adapter) push(c Connectivity) {
	a.Lock()
	defer a.Unlock()
	if a.closed {
		return
	}
	a.in.In() <- c
}

func (a *Adapter) worker() {
	defer close(a.out)
	for {
		select {
		case <-a.HaltCh():
			return
		case raw, ok := <-a.in.Out():
			if !ok {
				return
			}
			c := raw.(Connectivity)
			a.Lock()
			a.current = c
			a.Unlock()
			select {
			case a.out <- c:
			case <-a.HaltCh():
				return
			}
		}
	}
}

// Updates implements Monitor.
func (a *Adapter) Updates() <-chan Connectivity {
	return a.out
}

// Current implements Monitor.
func (a *Adapter) Current() Connectivity {
	a.Lock()
	defer a.Unlock()
	return a.current
}

// Close implements Monitor.  It unregisters the observer before stopping the
// forwarding goroutine.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.iface.RemoveConnectivityObserver(a.observer)
		a.Lock()
		a.closed = true
		a.in.Close()
		a.Unlock()
		a.Halt()
	})
	return nil
}
