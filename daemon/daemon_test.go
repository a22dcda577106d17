// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/config"
	"github.com/katzenpost/vpnd/control"
	"github.com/katzenpost/vpnd/statestore"
	"github.com/katzenpost/vpnd/tunnel"
)

var errConnected = errors.New("connected")

func testConfig(t *testing.T, extra string) *config.Config {
	dir := filepath.Join(t.TempDir(), "vpnd")
	cfg, err := config.Load([]byte(fmt.Sprintf(`DataDir = %q
[Logging]
Disable = true
[Platform]
Connectivity = "presume"
%s`, dir, extra)))
	require.NoError(t, err)
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "[Tunnel]\nConnectOnStart = true\nDNS = [\"9.9.9.9\"]\n")
	d, err := New(cfg)
	require.NoError(err)

	fi, err := os.Stat(cfg.DataDir)
	require.NoError(err)
	require.Equal(os.ModeDir|0700, fi.Mode())

	c, err := control.Dial(context.Background(), cfg.Control.SocketPath)
	require.NoError(err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Watch(ctx, func(st tunnel.State) error {
		if st.Kind() == tunnel.Connected {
			return errConnected
		}
		return nil
	})
	require.ErrorIs(err, errConnected)

	d.Shutdown()
	d.Wait()

	store, err := statestore.New(cfg.State.Path, cfg.State.HistoryLimit, logging.MustGetLogger("statestore"))
	require.NoError(err)
	defer store.Close()
	history, err := store.History(0)
	require.NoError(err)

	kinds := make([]tunnel.StateKind, 0, len(history))
	for _, r := range history {
		kinds = append(kinds, r.State.Kind())
	}
	require.Equal([]tunnel.StateKind{
		tunnel.Disconnected,
		tunnel.Connecting,
		tunnel.Connected,
		tunnel.Disconnecting,
		tunnel.Disconnected,
	}, kinds)

	_, err = os.Stat(cfg.Control.SocketPath)
	require.True(os.IsNotExist(err))
}

func TestDaemonErrors(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "")
	require.NoError(os.MkdirAll(cfg.DataDir, 0700))
	require.NoError(os.Chmod(cfg.DataDir, 0755))
	_, err := New(cfg)
	require.ErrorContains(err, "invalid permissions")

	cfg = testConfig(t, "Backend = \"wintun\"\n")
	_, err = New(cfg)
	require.Error(err)

	// The dry run backend reports connectivity through observer callbacks.
	cfg = testConfig(t, "")
	cfg.Platform.Connectivity = config.ConnectivityAdapter
	d, err := New(cfg)
	require.NoError(err)
	d.Shutdown()
	d.Wait()
}
