// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package control

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/connectivity"
	"github.com/katzenpost/vpnd/platform/dryrun"
	"github.com/katzenpost/vpnd/statestore"
	"github.com/katzenpost/vpnd/tunnel"
)

var errStop = errors.New("stop watching")

type fakeMachine struct {
	sync.Mutex

	calls    []string
	settings tunnel.Settings
	state    tunnel.State
}

func (m *fakeMachine) Connect() error {
	m.Lock()
	defer m.Unlock()
	m.calls = append(m.calls, OpConnect)
	return nil
}

func (m *fakeMachine) Disconnect() error {
	m.Lock()
	defer m.Unlock()
	m.calls = append(m.calls, OpDisconnect)
	return tunnel.ErrMachineStopped
}

func (m *fakeMachine) SetTunnelSettings(s tunnel.Settings) error {
	m.Lock()
	defer m.Unlock()
	m.calls = append(m.calls, OpSetSettings)
	m.settings = s
	return nil
}

func (m *fakeMachine) CurrentState() tunnel.State {
	m.Lock()
	defer m.Unlock()
	return m.state
}

func socketPath(t *testing.T) string {
	path, err := nettest.LocalPath()
	require.NoError(t, err)
	return path
}

func newServer(t *testing.T, m Machine, h History) (*Server, string) {
	path := socketPath(t)
	s, err := New(path, m, h, logging.MustGetLogger("control"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, path
}

func dial(t *testing.T, path string) *Client {
	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRequests(t *testing.T) {
	require := require.New(t)

	history, err := statestore.New(filepath.Join(t.TempDir(), "state.db"), 16, logging.MustGetLogger("statestore"))
	require.NoError(err)
	defer history.Close()
	require.NoError(history.Put(&tunnel.DisconnectedState{}))
	require.NoError(history.Put(&tunnel.ConnectingState{Attempt: 1}))

	m := &fakeMachine{state: &tunnel.OfflineState{Reconnect: true, Attempt: 2}}
	_, path := newServer(t, m, history)
	c := dial(t, path)

	require.NoError(c.Connect())
	err = c.Disconnect()
	require.Error(err)
	require.Contains(err.Error(), "state machine stopped")

	settings := tunnel.DefaultSettings()
	settings.Exit = tunnel.NodeSelection{Country: "CH"}
	settings.DNS = []netip.Addr{netip.MustParseAddr("9.9.9.9")}
	require.NoError(c.SetTunnelSettings(settings))

	st, err := c.Status()
	require.NoError(err)
	require.Equal(m.state, st)

	records, err := c.History(0)
	require.NoError(err)
	require.Len(records, 2)
	require.Equal(tunnel.Connecting, records[1].State.Kind())
	records, err = c.History(1)
	require.NoError(err)
	require.Len(records, 1)

	m.Lock()
	defer m.Unlock()
	require.Equal([]string{OpConnect, OpDisconnect, OpSetSettings}, m.calls)
	require.True(settings.Equal(m.settings))
}

func TestBadRequests(t *testing.T) {
	require := require.New(t)

	_, path := newServer(t, &fakeMachine{state: &tunnel.DisconnectedState{}}, nil)
	c := dial(t, path)

	_, err := c.History(0)
	require.Error(err)
	_, err = c.do(&Request{Op: "reboot"})
	require.Error(err)
	_, err = c.do(&Request{Op: OpSetSettings})
	require.Error(err)

	// The connection survives errors.
	_, err = c.Status()
	require.NoError(err)

	// An oversized frame drops the connection.
	conn, err := net.Dial("unix", path)
	require.NoError(err)
	defer conn.Close()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], maxFrameSize+1)
	_, err = conn.Write(hdr[:])
	require.NoError(err)
	require.NoError(conn.SetReadDeadline(time.Now().Add(3 * time.Second)))
	var b [1]byte
	_, err = conn.Read(b[:])
	require.Error(err)
}

func TestWatch(t *testing.T) {
	require := require.New(t)

	m := &fakeMachine{state: &tunnel.DisconnectedState{}}
	s, path := newServer(t, m, nil)

	const watchers = 3
	ready := make(chan struct{}, watchers)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < watchers; i++ {
		c := dial(t, path)
		g.Go(func() error {
			var got []tunnel.StateKind
			err := c.Watch(ctx, func(st tunnel.State) error {
				got = append(got, st.Kind())
				if len(got) == 1 {
					ready <- struct{}{}
				}
				if len(got) == 4 {
					return errStop
				}
				return nil
			})
			if !errors.Is(err, errStop) {
				return err
			}
			want := []tunnel.StateKind{tunnel.Disconnected, tunnel.Connecting, tunnel.Connected, tunnel.Disconnecting}
			if len(got) != len(want) {
				return errors.Newf("got %v", got)
			}
			for i := range want {
				if got[i] != want[i] {
					return errors.Newf("got %v", got)
				}
			}
			return nil
		})
	}

	for i := 0; i < watchers; i++ {
		select {
		case <-ready:
		case <-time.After(3 * time.Second):
			t.Fatal("watchers did not subscribe")
		}
	}
	s.OnState(&tunnel.ConnectingState{})
	s.OnState(&tunnel.ConnectedState{})
	s.OnState(&tunnel.DisconnectingState{})
	require.NoError(g.Wait())
}

func TestWatchCancel(t *testing.T) {
	_, path := newServer(t, &fakeMachine{state: &tunnel.DisconnectedState{}}, nil)
	c := dial(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Watch(ctx, func(tunnel.State) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestServerClose(t *testing.T) {
	m := &fakeMachine{state: &tunnel.DisconnectedState{}}
	path := socketPath(t)
	s, err := New(path, m, nil, logging.MustGetLogger("control"))
	require.NoError(t, err)

	c := dial(t, path)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(context.Background(), func(tunnel.State) error { return nil })
	}()

	require.Eventually(t, func() bool {
		s.Lock()
		defer s.Unlock()
		return len(s.subscribers) == 1
	}, 3*time.Second, 10*time.Millisecond)

	s.Close()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not end on server close")
	}

	_, err = Dial(context.Background(), path)
	require.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	require := require.New(t)
	log := logging.MustGetLogger("e2e")

	provider, err := dryrun.New(log, nil)
	require.NoError(err)
	m, err := tunnel.New(&tunnel.Config{
		Log:        log,
		Settings:   tunnel.DefaultSettings(),
		Policy:     tunnel.DefaultPolicy(),
		Controller: account.NewStaticController(account.StaticConfig{AccountStored: true}),
		Provider:   provider,
		Monitor:    connectivity.NewPresumeOnline(),
	})
	require.NoError(err)

	path := socketPath(t)
	s, err := New(path, m, nil, log)
	require.NoError(err)
	defer s.Close()
	emitted := make(chan tunnel.State, 16)
	m.AddListener(s.OnState)
	m.AddListener(func(st tunnel.State) { emitted <- st })
	m.Start()
	defer m.Shutdown()
	select {
	case <-emitted:
	case <-time.After(3 * time.Second):
		t.Fatal("state machine did not start")
	}

	watcher := dial(t, path)
	states := make(chan tunnel.State, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Watch(ctx, func(st tunnel.State) error {
		states <- st
		return nil
	})
	next := func() tunnel.State {
		select {
		case st := <-states:
			return st
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for a state")
			return nil
		}
	}
	require.Equal(tunnel.Disconnected, next().Kind())

	c := dial(t, path)
	require.NoError(c.Connect())
	require.Equal(tunnel.Connecting, next().Kind())
	connected, ok := next().(*tunnel.ConnectedState)
	require.True(ok)
	require.NotEmpty(connected.Connection.ID)

	st, err := c.Status()
	require.NoError(err)
	require.Equal(tunnel.Connected, st.Kind())

	require.NoError(c.Disconnect())
	require.Equal(tunnel.Disconnecting, next().Kind())
	require.Equal(tunnel.Disconnected, next().Kind())
}
