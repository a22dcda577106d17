// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

// stuckController never completes and ignores its context, like a
// controller blocked on an unresponsive API.
type stuckController struct {
	StaticController
	release chan struct{}
}

func (c *stuckController) EnsureAvailableZkNyms(context.Context) error {
	<-c.release
	return nil
}

func newTestGate(c Controller) *Gate {
	return NewGate(c, logging.MustGetLogger("account"))
}

func TestGateSuccess(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := newTestGate(NewStaticController(StaticConfig{AccountStored: true}))
	require.NoError(g.WaitForAccountSync(ctx))
	require.NoError(g.WaitForDeviceRegister(ctx))
	require.NoError(g.WaitForDeviceSync(ctx))
	require.NoError(g.WaitForCredentialsReady(ctx))
}

func TestGateMapsControllerErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	g := newTestGate(NewStaticController(StaticConfig{}))
	err := g.WaitForAccountSync(ctx)
	var gErr *Error
	require.True(errors.As(err, &gErr))
	require.Equal(SyncAccount, gErr.Kind)
	require.ErrorIs(err, ErrNoAccountStored)
	require.False(isCancelled(err))

	err = g.WaitForDeviceSync(ctx)
	require.True(errors.As(err, &gErr))
	require.Equal(SyncDevice, gErr.Kind)
	require.ErrorIs(err, ErrNoDeviceStored)

	g = newTestGate(NewStaticController(StaticConfig{AccountStored: true, MaxDevices: 1, RegisteredOthers: 1}))
	err = g.WaitForDeviceRegister(ctx)
	require.True(errors.As(err, &gErr))
	require.Equal(RegisterDevice, gErr.Kind)
	require.ErrorIs(err, ErrMaxDevicesReached)

	g = newTestGate(NewStaticController(StaticConfig{AccountStored: true, SubscriptionExpired: true}))
	err = g.WaitForCredentialsReady(ctx)
	require.True(errors.As(err, &gErr))
	require.Equal(RequestZkNym, gErr.Kind)
	require.ErrorIs(err, ErrSubscriptionExpired)
}

func TestGateCancelReturnsImmediately(t *testing.T) {
	require := require.New(t)

	c := &stuckController{release: make(chan struct{})}
	defer close(c.release)
	g := newTestGate(c)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.WaitForCredentialsReady(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.True(isCancelled(err))
		require.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}

	// Already cancelled contexts never reach the controller.
	require.True(isCancelled(g.WaitForAccountSync(ctx)))
}

func TestGateSlowControllerHonoursContext(t *testing.T) {
	g := newTestGate(NewStaticController(StaticConfig{AccountStored: true, SyncDelay: time.Hour}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.WaitForAccountSync(ctx)
	require.True(t, isCancelled(err))
}

func TestAPIErrorTransient(t *testing.T) {
	require := require.New(t)

	require.True((&APIError{Endpoint: "/v1/account", Message: "dial failed"}).Transient())
	require.True((&APIError{Status: 503}).Transient())
	require.True((&APIError{Status: 429}).Transient())
	require.False((&APIError{Status: 403}).Transient())

	wrapped := &Error{Kind: SyncAccount, Err: errors.Wrap(&APIError{Status: 502}, "sync")}
	require.True(IsTransient(wrapped))
	require.False(IsTransient(&Error{Kind: SyncAccount, Err: ErrNoAccountStored}))
}

func isCancelled(err error) bool {
	var gErr *Error
	return errors.As(err, &gErr) && gErr.Kind == Cancelled
}
