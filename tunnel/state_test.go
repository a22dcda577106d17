// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/platform"
)

func TestStateCodec(t *testing.T) {
	require := require.New(t)

	reason := &ErrorStateReason{Kind: ErrorAPI, Detail: "503"}
	connected := &ConnectedState{Connection: ConnectionData{
		ID:           "5b7c0a34-7a8e-4d7e-9d38-0b2b8f3f6a51",
		Mode:         ModeWireguard,
		EntryGateway: "gateway:gw1",
		ExitGateway:  "country:CH",
		Interface:    "vpnd0",
		Addresses:    []string{"10.1.0.2/32"},
		ConnectedAt:  time.Unix(1700000000, 0).UTC(),
	}}

	for _, s := range []State{
		&ConnectingState{Attempt: 2, LastError: reason},
		&OfflineState{Reconnect: true, Attempt: 1},
		&DisconnectingState{After: AfterOffline},
	} {
		b, err := MarshalState(s)
		require.NoError(err)
		decoded, err := UnmarshalState(b)
		require.NoError(err)
		require.Equal(s, decoded)
	}

	b, err := MarshalState(connected)
	require.NoError(err)
	decoded, err := UnmarshalState(b)
	require.NoError(err)
	got := decoded.(*ConnectedState).Connection
	require.True(connected.Connection.ConnectedAt.Equal(got.ConnectedAt))
	got.ConnectedAt = connected.Connection.ConnectedAt
	require.Equal(connected.Connection, got)

	_, err = UnmarshalState([]byte{0xff})
	require.Error(err)
}

func TestSettingsValidate(t *testing.T) {
	require := require.New(t)

	s := DefaultSettings()
	require.NoError(s.Validate())

	s.Entry = NodeSelection{Country: "de"}
	s.Exit = NodeSelection{Country: "CH"}
	require.NoError(s.Validate())

	s.Exit = NodeSelection{Country: "C1"}
	require.ErrorIs(s.Validate(), ErrInvalidExitGatewayCountry)

	s.Exit = NodeSelection{Gateway: "gw1"}
	s.Entry = NodeSelection{Gateway: "gw1"}
	require.ErrorIs(s.Validate(), ErrSameEntryAndExitGateway)

	s = Settings{Mode: "ipsec"}
	require.ErrorIs(s.Validate(), ErrInvalidMode)
}

func TestSettingsEqualAndClone(t *testing.T) {
	require := require.New(t)

	a := DefaultSettings()
	a.DNS = []netip.Addr{netip.MustParseAddr("1.1.1.1")}
	b := a.Clone()
	require.True(a.Equal(b))

	b.DNS[0] = netip.MustParseAddr("9.9.9.9")
	require.False(a.Equal(b))
	require.Equal("1.1.1.1", a.DNS[0].String())
}

func TestReasonFor(t *testing.T) {
	cases := []struct {
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{&account.Error{Kind: account.SyncAccount, Err: account.ErrNoAccountStored}, ErrorNoAccountStored, false},
		{&account.Error{Kind: account.RegisterDevice, Err: account.ErrMaxDevicesReached}, ErrorMaxDevicesReached, false},
		{&account.Error{Kind: account.SyncDevice, Err: &account.APIError{Status: 502}}, ErrorAPI, true},
		{&account.Error{Kind: account.SyncDevice, Err: &account.APIError{Status: 404}}, ErrorSyncDevice, false},
		{&account.Error{Kind: account.RequestZkNym, Err: errors.New("no ticketbooks")}, ErrorRequestZkNym, true},
		{platform.NewError(platform.KindFirewall, "apply", errors.New("nft")), ErrorFirewall, false},
		{platform.NewError(platform.KindRouting, "route", errors.New("EEXIST")), ErrorRouting, false},
		{platform.NewError(platform.KindDNS, "set", errors.New("resolved")), ErrorDNS, false},
		{errors.Wrap(errAttemptTimeout, "after 30s"), ErrorTunnel, true},
		{errors.Wrapf(ErrInvalidExitGatewayCountry, "%q", "XYZ"), ErrorInvalidExitGatewayCountry, false},
		{context.Canceled, ErrorInternal, false},
		{errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), ErrorAPI, true},
		{errors.Wrap(context.DeadlineExceeded, "resolve gateway"), ErrorAPI, true},
		{errors.New("bad gateway descriptor"), ErrorInternal, false},
	}
	for _, c := range cases {
		r := reasonFor(c.err)
		require.Equal(t, c.kind, r.Kind, "%v", c.err)
		require.Equal(t, c.retryable, r.Retryable(), "%v", c.err)
		require.NotEmpty(t, r.Detail)
	}
}

func TestCommandQueueOrder(t *testing.T) {
	require := require.New(t)
	q := NewCommandQueue()

	for i := 0; i < 100; i++ {
		var cmd Command = &ConnectCommand{}
		if i%2 == 1 {
			cmd = &DisconnectCommand{}
		}
		require.NoError(q.Send(cmd))
	}
	for i := 0; i < 100; i++ {
		raw := <-q.Out()
		if i%2 == 1 {
			require.IsType(&DisconnectCommand{}, raw)
		} else {
			require.IsType(&ConnectCommand{}, raw)
		}
	}

	q.Close()
	require.ErrorIs(q.Send(&ConnectCommand{}), ErrMachineStopped)
}
