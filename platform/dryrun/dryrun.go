// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package dryrun is a platform backend that performs no OS changes.  It
// logs and records every operation, which makes it the backend of choice
// for development and for hosts where vpnd lacks privileges.
package dryrun

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/connectivity"
	"github.com/katzenpost/vpnd/platform"
)

// BackendName is the registry name of this backend.
const BackendName = "dryrun"

const (
	defaultInterface = "vpnd0"
	defaultIPv4      = "10.1.0.2/32"
	defaultIPv6      = "fd00:1::2/128"
)

func init() {
	platform.Register(BackendName, func(log *logging.Logger, opts map[string]string) (platform.Provider, error) {
		return New(log, opts)
	})
}

// device stands in for the native tun object shared by the tunnel and the
// DNS override.
type device struct {
	name  string
	addrs []netip.Prefix
	done  chan error
}

// Provider implements platform.Provider and connectivity.ObservableInterface.
type Provider struct {
	sync.Mutex

	log *logging.Logger

	ifName string
	addrs  []netip.Prefix

	policy    *platform.FirewallPolicy
	dns       []netip.Addr
	dnsDevice *platform.Handle[*device]
	live      *tunnel

	observers map[connectivity.Observer]struct{}
	ops       []string
}

// New creates a dry run backend.  Recognised options are "interface",
// "ipv4" and "ipv6".
func New(log *logging.Logger, opts map[string]string) (*Provider, error) {
	p := &Provider{
		log:       log,
		ifName:    defaultInterface,
		observers: make(map[connectivity.Observer]struct{}),
	}
	if v := opts["interface"]; v != "" {
		p.ifName = v
	}
	for _, key := range []string{"ipv4", "ipv6"} {
		raw := opts[key]
		if raw == "" {
			raw = map[string]string{"ipv4": defaultIPv4, "ipv6": defaultIPv6}[key]
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "dryrun: invalid %s option", key)
		}
		p.addrs = append(p.addrs, prefix)
	}
	return p, nil
}

func (p *Provider) record(op string) {
	p.ops = append(p.ops, op)
	p.log.Infof("dry run: %s", op)
}

// Operations returns every operation performed so far.
func (p *Provider) Operations() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string(nil), p.ops...)
}

// ConfigureTunnel implements platform.Provider.
func (p *Provider) ConfigureTunnel(ctx context.Context, cfg *platform.TunnelConfig) (platform.Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.Lock()
	defer p.Unlock()

	addrs := p.addrs
	if !cfg.EnableIPv6 {
		addrs = []netip.Prefix{p.addrs[0]}
	}
	dev := &device{
		name:  p.ifName,
		addrs: addrs,
		done:  make(chan error, 1),
	}
	p.record("configure tunnel " + dev.name + " mode=" + cfg.Mode + " entry=" + cfg.EntryGateway + " exit=" + cfg.ExitGateway)

	h := platform.NewHandle(dev, func(d *device) {
		close(d.done)
		p.log.Debugf("dry run: device %s released", d.name)
	})
	p.live = &tunnel{p: p, dev: h}
	return p.live, nil
}

// ApplyFirewallPolicy implements platform.Provider.
func (p *Provider) ApplyFirewallPolicy(ctx context.Context, policy *platform.FirewallPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()
	cp := *policy
	p.policy = &cp
	var endpoints []string
	for _, ep := range policy.AllowedEndpoints {
		endpoints = append(endpoints, ep.String())
	}
	p.record("apply firewall policy lan=" + strconv.FormatBool(policy.AllowLAN) + " endpoints=[" + strings.Join(endpoints, ",") + "] iface=" + policy.TunnelInterface)
	return nil
}

// ResetPolicy implements platform.Provider.
func (p *Provider) ResetPolicy(context.Context) error {
	p.Lock()
	defer p.Unlock()
	p.policy = nil
	p.record("reset firewall policy")
	return nil
}

// SetDNS implements platform.Provider.  The DNS override keeps its own
// reference on the tunnel device it was set on, until ResetDNS.
func (p *Provider) SetDNS(ctx context.Context, iface string, servers []netip.Addr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()
	if p.live == nil || p.live.Name() != iface {
		return platform.NewError(platform.KindDNS, "set dns", errors.Newf("no tunnel interface %q", iface))
	}
	if p.dnsDevice != nil {
		p.dnsDevice.Release()
	}
	p.dnsDevice = p.live.dev.Retain()
	p.dns = append([]netip.Addr(nil), servers...)
	var s []string
	for _, a := range servers {
		s = append(s, a.String())
	}
	p.record("set dns on " + iface + " [" + strings.Join(s, ",") + "]")
	return nil
}

// ResetDNS implements platform.Provider.
func (p *Provider) ResetDNS(context.Context) error {
	p.Lock()
	defer p.Unlock()
	p.dns = nil
	if p.dnsDevice != nil {
		p.dnsDevice.Release()
		p.dnsDevice = nil
	}
	p.record("reset dns")
	return nil
}

// AddConnectivityObserver implements connectivity.ObservableInterface.
func (p *Provider) AddConnectivityObserver(o connectivity.Observer) {
	p.Lock()
	defer p.Unlock()
	p.observers[o] = struct{}{}
}

// RemoveConnectivityObserver implements connectivity.ObservableInterface.
func (p *Provider) RemoveConnectivityObserver(o connectivity.Observer) {
	p.Lock()
	defer p.Unlock()
	delete(p.observers, o)
}

// SetOnline simulates a platform connectivity notification.
func (p *Provider) SetOnline(online bool) {
	p.Lock()
	observers := make([]connectivity.Observer, 0, len(p.observers))
	for o := range p.observers {
		observers = append(observers, o)
	}
	p.Unlock()
	for _, o := range observers {
		o.OnNetworkStatusChanged(online)
	}
}

// FailTunnel delivers err as a runtime failure of the live tunnel, for
// exercising the failure path end to end.  It returns false if no tunnel is
// up.
func (p *Provider) FailTunnel(err error) bool {
	p.Lock()
	defer p.Unlock()
	if p.live == nil {
		return false
	}
	select {
	case p.live.dev.Value().done <- err:
	default:
	}
	return true
}

// DNS returns the active resolver override.
func (p *Provider) DNS() []netip.Addr {
	p.Lock()
	defer p.Unlock()
	return append([]netip.Addr(nil), p.dns...)
}

// Policy returns the active firewall policy, or nil.
func (p *Provider) Policy() *platform.FirewallPolicy {
	p.Lock()
	defer p.Unlock()
	return p.policy
}

type tunnel struct {
	p         *Provider
	dev       *platform.Handle[*device]
	closeOnce sync.Once
}

func (t *tunnel) Name() string {
	return t.dev.Value().name
}

func (t *tunnel) Addresses() []netip.Prefix {
	return t.dev.Value().addrs
}

func (t *tunnel) Done() <-chan error {
	return t.dev.Value().done
}

func (t *tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.p.Lock()
		defer t.p.Unlock()
		t.p.record("close tunnel " + t.dev.Value().name)
		if t.p.live == t {
			t.p.live = nil
		}
		t.dev.Release()
	})
	return nil
}

