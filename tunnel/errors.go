// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/core/retry"
	"github.com/katzenpost/vpnd/platform"
)

// ErrorKind is the reason class carried by the Error state.
type ErrorKind uint8

const (
	ErrorInternal ErrorKind = iota
	ErrorDNS
	ErrorAPI
	ErrorFirewall
	ErrorRouting
	ErrorTunnel
	ErrorSameEntryAndExitGateway
	ErrorInvalidEntryGatewayCountry
	ErrorInvalidExitGatewayCountry
	ErrorMaxDevicesReached
	ErrorBandwidthExceeded
	ErrorSubscriptionExpired
	ErrorNoAccountStored
	ErrorSyncAccount
	ErrorSyncDevice
	ErrorRegisterDevice
	ErrorRequestZkNym
)

var errorKindNames = map[ErrorKind]string{
	ErrorInternal:                   "Internal",
	ErrorDNS:                        "Dns",
	ErrorAPI:                        "Api",
	ErrorFirewall:                   "Firewall",
	ErrorRouting:                    "Routing",
	ErrorTunnel:                     "Tunnel",
	ErrorSameEntryAndExitGateway:    "SameEntryAndExitGateway",
	ErrorInvalidEntryGatewayCountry: "InvalidEntryGatewayCountry",
	ErrorInvalidExitGatewayCountry:  "InvalidExitGatewayCountry",
	ErrorMaxDevicesReached:          "MaxDevicesReached",
	ErrorBandwidthExceeded:          "BandwidthExceeded",
	ErrorSubscriptionExpired:        "SubscriptionExpired",
	ErrorNoAccountStored:            "NoAccountStored",
	ErrorSyncAccount:                "SyncAccount",
	ErrorSyncDevice:                 "SyncDevice",
	ErrorRegisterDevice:             "RegisterDevice",
	ErrorRequestZkNym:               "RequestZkNym",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// ErrorStateReason is why the machine is in the Error state.
type ErrorStateReason struct {
	Kind   ErrorKind `cbor:"kind"`
	Detail string    `cbor:"detail,omitempty"`
}

func (r ErrorStateReason) String() string {
	if r.Detail == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// Retryable returns true for transient conditions that a later attempt may
// overcome, and false for errors that need the user to act.
func (r ErrorStateReason) Retryable() bool {
	switch r.Kind {
	case ErrorAPI, ErrorTunnel, ErrorRequestZkNym:
		return true
	default:
		return false
	}
}

var errAttemptTimeout = errors.New("connection attempt timed out")

// reasonFor maps a connection attempt failure to the public reason.
func reasonFor(err error) ErrorStateReason {
	detail := err.Error()

	sentinels := []struct {
		err  error
		kind ErrorKind
	}{
		{ErrSameEntryAndExitGateway, ErrorSameEntryAndExitGateway},
		{ErrInvalidEntryGatewayCountry, ErrorInvalidEntryGatewayCountry},
		{ErrInvalidExitGatewayCountry, ErrorInvalidExitGatewayCountry},
		{ErrInvalidMode, ErrorInternal},
		{errAttemptTimeout, ErrorTunnel},
		{account.ErrNoAccountStored, ErrorNoAccountStored},
		{account.ErrMaxDevicesReached, ErrorMaxDevicesReached},
		{account.ErrSubscriptionExpired, ErrorSubscriptionExpired},
		{account.ErrBandwidthExceeded, ErrorBandwidthExceeded},
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return ErrorStateReason{Kind: s.kind, Detail: detail}
		}
	}

	var gErr *account.Error
	if errors.As(err, &gErr) {
		if account.IsTransient(err) {
			return ErrorStateReason{Kind: ErrorAPI, Detail: detail}
		}
		switch gErr.Kind {
		case account.SyncAccount:
			return ErrorStateReason{Kind: ErrorSyncAccount, Detail: detail}
		case account.SyncDevice:
			return ErrorStateReason{Kind: ErrorSyncDevice, Detail: detail}
		case account.RegisterDevice:
			return ErrorStateReason{Kind: ErrorRegisterDevice, Detail: detail}
		case account.RequestZkNym:
			return ErrorStateReason{Kind: ErrorRequestZkNym, Detail: detail}
		}
	}

	switch platform.KindOf(err) {
	case platform.KindTunnel:
		return ErrorStateReason{Kind: ErrorTunnel, Detail: detail}
	case platform.KindFirewall:
		return ErrorStateReason{Kind: ErrorFirewall, Detail: detail}
	case platform.KindRouting:
		return ErrorStateReason{Kind: ErrorRouting, Detail: detail}
	case platform.KindDNS:
		return ErrorStateReason{Kind: ErrorDNS, Detail: detail}
	}

	// Untyped network failures from a backend or controller are worth
	// another attempt.
	if retry.IsTransientError(err) {
		return ErrorStateReason{Kind: ErrorAPI, Detail: detail}
	}

	return ErrorStateReason{Kind: ErrorInternal, Detail: detail}
}
