// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/language"
)

// Mode is the tunnel transport.
type Mode string

const (
	// ModeMixnet routes traffic through the mixnet.
	ModeMixnet Mode = "mixnet"
	// ModeWireguard uses a two hop WireGuard tunnel.
	ModeWireguard Mode = "wireguard"
)

// Settings validation failures.
var (
	ErrSameEntryAndExitGateway    = errors.New("entry and exit gateway are the same")
	ErrInvalidEntryGatewayCountry = errors.New("invalid entry gateway country")
	ErrInvalidExitGatewayCountry  = errors.New("invalid exit gateway country")
	ErrInvalidMode                = errors.New("invalid tunnel mode")
)

// NodeSelection picks a gateway.  An explicit Gateway wins over Country;
// with neither set a random gateway is used.
type NodeSelection struct {
	Gateway string `cbor:"gateway,omitempty" toml:"Gateway"`
	Country string `cbor:"country,omitempty" toml:"Country"`
}

// IsRandom returns true if no constraint was given.
func (n NodeSelection) IsRandom() bool {
	return n.Gateway == "" && n.Country == ""
}

func (n NodeSelection) String() string {
	switch {
	case n.Gateway != "":
		return "gateway:" + n.Gateway
	case n.Country != "":
		return "country:" + strings.ToUpper(n.Country)
	default:
		return "random"
	}
}

// Settings are the user's tunnel settings.  They apply from the next
// connection attempt on.
type Settings struct {
	Mode  Mode          `cbor:"mode"`
	Entry NodeSelection `cbor:"entry"`
	Exit  NodeSelection `cbor:"exit"`

	// DNS overrides the resolvers while connected; empty keeps the
	// gateway's defaults.
	DNS []netip.Addr `cbor:"dns,omitempty"`

	EnableIPv6 bool `cbor:"enable_ipv6"`
	AllowLAN   bool `cbor:"allow_lan"`

	// CredentialsMode requires zk-nym credentials before connecting.
	CredentialsMode bool `cbor:"credentials_mode"`
}

// DefaultSettings returns mixnet mode with random gateways.
func DefaultSettings() Settings {
	return Settings{Mode: ModeMixnet}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	s.DNS = slices.Clone(s.DNS)
	return s
}

// Equal reports whether s and o describe the same tunnel.
func (s Settings) Equal(o Settings) bool {
	return s.Mode == o.Mode &&
		s.Entry == o.Entry &&
		s.Exit == o.Exit &&
		slices.Equal(s.DNS, o.DNS) &&
		s.EnableIPv6 == o.EnableIPv6 &&
		s.AllowLAN == o.AllowLAN &&
		s.CredentialsMode == o.CredentialsMode
}

func (s Settings) String() string {
	return fmt.Sprintf("%s entry=%v exit=%v dns=%v ipv6=%v lan=%v credentials=%v",
		s.Mode, s.Entry, s.Exit, s.DNS, s.EnableIPv6, s.AllowLAN, s.CredentialsMode)
}

// Validate checks the settings for errors a connection attempt could never
// recover from.
func (s Settings) Validate() error {
	switch s.Mode {
	case ModeMixnet, ModeWireguard:
	default:
		return errors.Wrapf(ErrInvalidMode, "%q", s.Mode)
	}
	if s.Entry.Gateway != "" && s.Entry.Gateway == s.Exit.Gateway {
		return errors.Wrapf(ErrSameEntryAndExitGateway, "%s", s.Entry.Gateway)
	}
	if !validCountry(s.Entry.Country) {
		return errors.Wrapf(ErrInvalidEntryGatewayCountry, "%q", s.Entry.Country)
	}
	if !validCountry(s.Exit.Country) {
		return errors.Wrapf(ErrInvalidExitGatewayCountry, "%q", s.Exit.Country)
	}
	return nil
}

// validCountry accepts the empty string and ISO 3166-1 alpha-2 codes.
func validCountry(code string) bool {
	if code == "" {
		return true
	}
	if len(code) != 2 {
		return false
	}
	r, err := language.ParseRegion(code)
	return err == nil && r.IsCountry()
}
