// config_test.go - vpnd configuration tests.
// Copyright (C) 2017  Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/vpnd/tunnel"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	const basicConfig = `# A basic configuration example.
DataDir = "/var/lib/vpnd"

[Logging]
Level = "debug"

[Tunnel]
Mode = "wireguard"
EntryCountry = "DE"
ExitGateway = "gw-exit"
DNS = [ "1.1.1.1", "2606:4700:4700::1111" ]
AllowLAN = true
ConnectOnStart = true

[Policy]
SettingsChange = "restart"
MaxAttempts = 5
BaseDelay = "250ms"
MaxDelay = "1m"
ConnectTimeout = "45s"
AutoRetry = true

[Account]
Stored = true
CredentialDelay = "2s"

[Platform]
Backend = "dryrun"
Connectivity = "presume"
[Platform.Options]
interface = "vpnd7"

[Control]
SocketPath = "/run/vpnd/control.sock"

[Metrics]
Address = "127.0.0.1:9090"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("/var/lib/vpnd/state.db", cfg.State.Path)
	require.Equal(defaultHistoryLimit, cfg.State.HistoryLimit)
	require.Equal("/run/vpnd/control.sock", cfg.Control.SocketPath)
	require.Equal("vpnd7", cfg.Platform.Options["interface"])
	require.Equal(Duration(defaultPollInterval), cfg.Platform.PollInterval)
	require.True(cfg.Tunnel.ConnectOnStart)
	require.False(cfg.Profiling.Enable)

	settings, err := cfg.Tunnel.Settings()
	require.NoError(err)
	require.Equal(tunnel.ModeWireguard, settings.Mode)
	require.Equal(tunnel.NodeSelection{Country: "DE"}, settings.Entry)
	require.Equal(tunnel.NodeSelection{Gateway: "gw-exit"}, settings.Exit)
	require.Len(settings.DNS, 2)
	require.True(settings.AllowLAN)

	policy := cfg.Policy.TunnelPolicy()
	require.Equal(tunnel.SettingsRestart, policy.SettingsChange)
	require.Equal(uint32(5), policy.Reconnect.MaxAttempts)
	require.Equal(250*time.Millisecond, policy.Reconnect.BaseDelay)
	require.Equal(time.Minute, policy.Reconnect.MaxDelay)
	require.Equal(45*time.Second, policy.ConnectTimeout)
	require.Equal(tunnel.DefaultTeardownTimeout, policy.TeardownTimeout)
	require.True(policy.ReconnectOnOnline)
	require.True(policy.AutoRetry)

	require.Equal(2*time.Second, cfg.Account.StaticConfig().CredentialDelay)
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`DataDir = "/tmp/vpnd"`))
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultBackend, cfg.Platform.Backend)
	require.Equal(ConnectivityNative, cfg.Platform.Connectivity)
	require.Equal("/tmp/vpnd/vpnd.sock", cfg.Control.SocketPath)
	require.True(cfg.Account.Stored)

	settings, err := cfg.Tunnel.Settings()
	require.NoError(err)
	require.Equal(tunnel.DefaultSettings(), settings)

	policy := cfg.Policy.TunnelPolicy()
	require.Equal(tunnel.SettingsQueue, policy.SettingsChange)
	require.Zero(policy.Reconnect.MaxAttempts)
}

func TestConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"no datadir":       `[Logging]`,
		"relative datadir": `DataDir = "vpnd"`,
		"log level":        "DataDir = \"/tmp\"\n[Logging]\nLevel = \"LOUD\"",
		"settings policy":  "DataDir = \"/tmp\"\n[Policy]\nSettingsChange = \"ignore\"",
		"jitter":           "DataDir = \"/tmp\"\n[Policy]\nJitter = 2.0",
		"delays":           "DataDir = \"/tmp\"\n[Policy]\nBaseDelay = \"1m\"\nMaxDelay = \"1s\"",
		"duration":         "DataDir = \"/tmp\"\n[Policy]\nBaseDelay = \"soon\"",
		"country":          "DataDir = \"/tmp\"\n[Tunnel]\nExitCountry = \"Switzerland\"",
		"same gateway":     "DataDir = \"/tmp\"\n[Tunnel]\nEntryGateway = \"gw\"\nExitGateway = \"gw\"",
		"dns":              "DataDir = \"/tmp\"\n[Tunnel]\nDNS = [\"resolver\"]",
		"connectivity":     "DataDir = \"/tmp\"\n[Platform]\nConnectivity = \"psychic\"",
		"profiling":        "DataDir = \"/tmp\"\n[Profiling]\nEnable = true",
		"unknown key":      "DataDir = \"/tmp\"\nFrobnicate = true",
	} {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "vpnd.toml")
	require.NoError(t, os.WriteFile(f, []byte(`DataDir = "/var/lib/vpnd"`), 0600))
	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/vpnd", cfg.DataDir)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1d2h")))
	require.Equal(t, 26*time.Hour, d.Duration())
	b, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1d2h", string(b))
}
