// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package account implements the readiness gate that a connection attempt
// waits on before any tunnel is configured.
package account

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/op/go-logging.v1"
)

// Controller is the external account controller.  Each call blocks until
// the condition holds or fails, and should honour ctx.
type Controller interface {
	// EnsureUpdateAccount syncs the account state with the API.
	EnsureUpdateAccount(ctx context.Context) error

	// EnsureUpdateDevice syncs the device state with the API.
	EnsureUpdateDevice(ctx context.Context) error

	// EnsureRegisterDevice registers this device unless it already is.
	EnsureRegisterDevice(ctx context.Context) error

	// EnsureAvailableZkNyms makes sure enough ticketbooks are on hand.  On
	// a cold start this can take tens of seconds.
	EnsureAvailableZkNyms(ctx context.Context) error
}

// Gate wraps a Controller so that every wait can be abandoned through its
// context.  Gate never imposes a timeout of its own.
type Gate struct {
	controller Controller
	log        *logging.Logger
}

// NewGate returns a Gate over c.
func NewGate(c Controller, log *logging.Logger) *Gate {
	return &Gate{
		controller: c,
		log:        log,
	}
}

// WaitForAccountSync waits for the account to be synced.
func (g *Gate) WaitForAccountSync(ctx context.Context) error {
	return g.wait(ctx, SyncAccount, g.controller.EnsureUpdateAccount)
}

// WaitForDeviceSync waits for the device to be synced.
func (g *Gate) WaitForDeviceSync(ctx context.Context) error {
	return g.wait(ctx, SyncDevice, g.controller.EnsureUpdateDevice)
}

// WaitForDeviceRegister waits for the device to be registered.
func (g *Gate) WaitForDeviceRegister(ctx context.Context) error {
	return g.wait(ctx, RegisterDevice, g.controller.EnsureRegisterDevice)
}

// WaitForCredentialsReady waits for zk-nym credentials to be available.
// Callers must not assume sub-second completion.
func (g *Gate) WaitForCredentialsReady(ctx context.Context) error {
	return g.wait(ctx, RequestZkNym, g.controller.EnsureAvailableZkNyms)
}

func (g *Gate) wait(ctx context.Context, kind ErrorKind, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: Cancelled, Err: err}
	}

	start := time.Now()
	g.log.Debugf("Waiting for %s", kind)

	// The controller is handed ctx as well, but a cancelled wait returns at
	// once whether or not the controller notices.
	errCh := make(chan error, 1)
	go func() {
		errCh <- op(ctx)
	}()

	select {
	case <-ctx.Done():
		g.log.Debugf("Wait for %s cancelled after %v", kind, time.Since(start))
		return &Error{Kind: Cancelled, Err: ctx.Err()}
	case err := <-errCh:
		switch {
		case err == nil:
			g.log.Debugf("%s ready after %v", kind, time.Since(start))
			return nil
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			return &Error{Kind: Cancelled, Err: err}
		default:
			g.log.Warningf("%s failed after %v: %v", kind, time.Since(start), err)
			return &Error{Kind: kind, Err: err}
		}
	}
}
