// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	lvl, err := ParseLevel("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	lvl, err = ParseLevel("NOTICE")
	require.NoError(err)
	require.Equal(logging.NOTICE, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "vpnd.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("tunnel")
	l.Debug("hidden")
	l.Info("state changed")

	require.NoError(b.Rotate())
	b.GetGoLogger("http", "WARNING").Print("listener error")
	require.NoError(b.Close())

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "tunnel: state changed")
	require.Contains(string(raw), "http: listener error")
	require.NotContains(string(raw), "hidden")
}

func TestBackendDisabled(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	b.GetLogger("quiet").Info("dropped")
	require.NoError(t, b.Close())
}
