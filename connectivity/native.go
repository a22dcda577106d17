// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package connectivity

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/core/worker"
)

const defaultPollInterval = 5 * time.Second

// NativeConfig configures the OS backed Monitor.
type NativeConfig struct {
	// Interval is the re-evaluation period used in addition to (or, off
	// Linux, instead of) change notifications.
	Interval time.Duration

	// ExcludeInterfaces lists interface names that never count as
	// connectivity, the vpnd tunnel interface in particular.
	ExcludeInterfaces []string
}

// NativeMonitor evaluates host interface state and emits a value each time
// the outcome changes.
type NativeMonitor struct {
	worker.Worker

	log *logging.Logger
	cfg NativeConfig

	probe func(context.Context) (psnet.InterfaceStatList, error)

	sync.Mutex
	current Connectivity

	out chan Connectivity
}

// NewNative starts a Monitor backed by the operating system.  The initial
// value is evaluated synchronously so that Current is meaningful at once.
func NewNative(log *logging.Logger, cfg NativeConfig) *NativeMonitor {
	return startNative(log, cfg, psnet.InterfacesWithContext, true)
}

func startNative(log *logging.Logger, cfg NativeConfig, probe func(context.Context) (psnet.InterfaceStatList, error), notify bool) *NativeMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	m := &NativeMonitor{
		log:   log,
		cfg:   cfg,
		probe: probe,
		out:   make(chan Connectivity),
	}
	m.current = m.evaluate()

	var wake <-chan struct{}
	if notify {
		var err error
		if wake, err = m.notifications(); err != nil {
			m.log.Warningf("Change notifications unavailable, polling every %v: %v", cfg.Interval, err)
		}
	}
	m.Go(func() {
		m.worker(wake)
	})
	return m
}

func (m *NativeMonitor) evaluate() Connectivity {
	ctx, cancel := context.WithTimeout(m.HaltContext(), m.cfg.Interval)
	defer cancel()
	ifaces, err := m.probe(ctx)
	if err != nil {
		m.log.Debugf("Interface probe failed: %v", err)
		return PresumeOnline
	}
	return classify(ifaces, m.cfg.ExcludeInterfaces)
}

func (m *NativeMonitor) worker(wake <-chan struct{}) {
	defer close(m.out)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
		case <-wake:
		}

		c := m.evaluate()
		m.Lock()
		changed := c != m.current
		m.current = c
		m.Unlock()
		if !changed {
			continue
		}

		m.log.Infof("Connectivity changed: %v", c)
		select {
		case m.out <- c:
		case <-m.HaltCh():
			return
		}
	}
}

// Updates implements Monitor.
func (m *NativeMonitor) Updates() <-chan Connectivity {
	return m.out
}

// Current implements Monitor.
func (m *NativeMonitor) Current() Connectivity {
	m.Lock()
	defer m.Unlock()
	return m.current
}

// Close implements Monitor.
func (m *NativeMonitor) Close() error {
	m.Halt()
	return nil
}

// classify reports Online if any non-excluded, non-loopback interface is up
// with a routable address.
func classify(ifaces psnet.InterfaceStatList, exclude []string) Connectivity {
	for _, iface := range ifaces {
		if slices.Contains(exclude, iface.Name) {
			continue
		}
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			prefix, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			ip := prefix.Addr()
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				continue
			}
			return Online
		}
	}
	return Offline
}
