// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package platform defines the contract between the tunnel state machine and
// the OS specific tunnel, firewall, routing and DNS backends.
package platform

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/op/go-logging.v1"
)

// TunnelConfig is what a backend needs to bring up a tunnel interface.
type TunnelConfig struct {
	// ConnectionID identifies the connection attempt in backend logs.
	ConnectionID string

	// Mode is the transport, "mixnet" or "wireguard".
	Mode string

	EntryGateway string
	ExitGateway  string

	EnableIPv6 bool

	// DNS is the resolver override, empty means the gateway default.
	DNS []netip.Addr
}

// FirewallPolicy is the policy applied while a tunnel is being established
// or is up.  Everything not allowed here is blocked.
type FirewallPolicy struct {
	// AllowLAN permits traffic to local networks outside the tunnel.
	AllowLAN bool

	// AllowedEndpoints are the gateway addresses reachable outside the
	// tunnel while it is being established.
	AllowedEndpoints []netip.AddrPort

	// TunnelInterface, once known, is allowed in both directions.
	TunnelInterface string
}

// Tunnel is a configured tunnel interface with its routes.
type Tunnel interface {
	// Name returns the OS interface name.
	Name() string

	// Addresses returns the interface addresses.
	Addresses() []netip.Prefix

	// Done yields at most one runtime failure and is closed once the tunnel
	// has gone away, either by failing or by Close.
	Done() <-chan error

	// Close removes the routes and the interface.
	Close() error
}

// Provider is a platform backend.  One Provider is selected at startup.
// Implementations must be safe for use from multiple goroutines.
type Provider interface {
	// ConfigureTunnel creates the tunnel interface and programs routes.
	ConfigureTunnel(ctx context.Context, cfg *TunnelConfig) (Tunnel, error)

	// ApplyFirewallPolicy replaces the active firewall policy.
	ApplyFirewallPolicy(ctx context.Context, policy *FirewallPolicy) error

	// ResetPolicy removes any vpnd firewall policy.
	ResetPolicy(ctx context.Context) error

	// SetDNS overrides the system resolvers.
	SetDNS(ctx context.Context, iface string, servers []netip.Addr) error

	// ResetDNS restores the system resolvers.
	ResetDNS(ctx context.Context) error
}

// ErrorKind classifies backend failures.
type ErrorKind uint8

const (
	// KindInternal is an unexpected backend failure.
	KindInternal ErrorKind = iota
	// KindTunnel is a failure creating or running the tunnel interface.
	KindTunnel
	// KindFirewall is a failure applying or resetting firewall policy.
	KindFirewall
	// KindRouting is a failure programming routes.
	KindRouting
	// KindDNS is a failure setting or resetting resolvers.
	KindDNS
)

func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindTunnel:
		return "tunnel"
	case KindFirewall:
		return "firewall"
	case KindRouting:
		return "routing"
	case KindDNS:
		return "dns"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is returned by Provider implementations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err as a backend failure of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) ErrorKind {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return KindInternal
}

// Factory builds a Provider.  opts holds backend specific settings from the
// configuration file.
type Factory func(log *logging.Logger, opts map[string]string) (Provider, error)

var (
	registryLock sync.Mutex
	registry     = make(map[string]Factory)
)

// Register makes a backend available under name.  Backends register
// themselves from init.
func Register(name string, f Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	if _, ok := registry[name]; ok {
		panic("platform: duplicate backend " + name)
	}
	registry[name] = f
}

// New instantiates the named backend.
func New(name string, log *logging.Logger, opts map[string]string) (Provider, error) {
	registryLock.Lock()
	f, ok := registry[name]
	registryLock.Unlock()
	if !ok {
		return nil, errors.Newf("platform: unknown backend %q (have %v)", name, Backends())
	}
	return f(log, opts)
}

// Backends returns the registered backend names.
func Backends() []string {
	registryLock.Lock()
	defer registryLock.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
