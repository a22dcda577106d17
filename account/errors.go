// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Domain errors reported by a Controller.
var (
	ErrNoAccountStored     = errors.New("account: no account stored")
	ErrNoDeviceStored      = errors.New("account: no device stored")
	ErrMaxDevicesReached   = errors.New("account: maximum number of devices reached")
	ErrSubscriptionExpired = errors.New("account: subscription expired")
	ErrBandwidthExceeded   = errors.New("account: bandwidth allowance exceeded")
)

// APIError is a failed call to the account API.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("account api: %s: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("account api: %s: %d %s", e.Endpoint, e.Status, e.Message)
}

// Transient returns true if the call is worth retrying: the request never
// got an answer, was rate limited, or hit a server side failure.
func (e *APIError) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// ErrorKind identifies which gate operation failed.
type ErrorKind uint8

const (
	// Cancelled means the wait was aborted by its context.  It is a control
	// flow signal, never a user facing failure.
	Cancelled ErrorKind = iota
	SyncAccount
	SyncDevice
	RegisterDevice
	RequestZkNym
)

func (k ErrorKind) String() string {
	switch k {
	case Cancelled:
		return "cancelled"
	case SyncAccount:
		return "sync account"
	case SyncDevice:
		return "sync device"
	case RegisterDevice:
		return "register device"
	case RequestZkNym:
		return "request zk-nym"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is returned by every Gate operation.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("account gate: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the controller's error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient returns true if err wraps an APIError worth retrying.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient()
}
