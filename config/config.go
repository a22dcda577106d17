// config.go - vpnd configuration.
// Copyright (C) 2017  Yawning Angel.
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

// Package config provides the vpnd configuration.
package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/core/retry"
	"github.com/katzenpost/vpnd/tunnel"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultBackend        = "dryrun"
	defaultConnectivity   = ConnectivityNative
	defaultPollInterval   = 5 * time.Second
	defaultStateFile      = "state.db"
	defaultHistoryLimit   = 256
	defaultControlSocket  = "vpnd.sock"
	defaultProfilingApp   = "vpnd"
	defaultSettingsChange = "queue"
)

// Connectivity monitor names.
const (
	ConnectivityNative  = "native"
	ConnectivityAdapter = "adapter"
	ConnectivityPresume = "presume"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Duration is a time.Duration that reads from strings such as "500ms",
// "30s" or "1d".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := str2duration.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(str2duration.String(time.Duration(d))), nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return errors.Newf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Tunnel is the initial tunnel settings.
type Tunnel struct {
	// Mode is "mixnet" or "wireguard".
	Mode string

	EntryGateway string
	EntryCountry string
	ExitGateway  string
	ExitCountry  string

	// DNS overrides the resolvers while connected.
	DNS []string

	EnableIPv6      bool
	AllowLAN        bool
	CredentialsMode bool

	// ConnectOnStart issues a Connect as soon as vpnd is up.
	ConnectOnStart bool
}

func (tCfg *Tunnel) validate() error {
	if tCfg.Mode == "" {
		tCfg.Mode = string(tunnel.ModeMixnet)
	}
	for _, v := range tCfg.DNS {
		if _, err := netip.ParseAddr(v); err != nil {
			return errors.Newf("config: Tunnel: DNS server '%v' is invalid: %v", v, err)
		}
	}
	s, err := tCfg.Settings()
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return errors.Wrap(err, "config: Tunnel")
	}
	return nil
}

// Settings returns the tunnel settings.
func (tCfg *Tunnel) Settings() (tunnel.Settings, error) {
	s := tunnel.Settings{
		Mode:            tunnel.Mode(tCfg.Mode),
		Entry:           tunnel.NodeSelection{Gateway: tCfg.EntryGateway, Country: tCfg.EntryCountry},
		Exit:            tunnel.NodeSelection{Gateway: tCfg.ExitGateway, Country: tCfg.ExitCountry},
		EnableIPv6:      tCfg.EnableIPv6,
		AllowLAN:        tCfg.AllowLAN,
		CredentialsMode: tCfg.CredentialsMode,
	}
	for _, v := range tCfg.DNS {
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return s, err
		}
		s.DNS = append(s.DNS, addr)
	}
	return s, nil
}

// Policy is the state machine tunables.
type Policy struct {
	// SettingsChange is "queue" to apply settings to the next attempt, or
	// "restart" to reconnect right away.
	SettingsChange string

	// MaxAttempts bounds reconnect attempts, zero is unbounded.
	MaxAttempts uint32

	BaseDelay Duration
	MaxDelay  Duration
	Jitter    float64

	// DisableReconnectOnOnline keeps vpnd offline after connectivity
	// returns until the user connects again.
	DisableReconnectOnOnline bool

	// AutoRetry retries from the Error state for retryable reasons.
	AutoRetry bool

	ConnectTimeout  Duration
	TeardownTimeout Duration
}

func (pCfg *Policy) applyDefaults() {
	if pCfg.SettingsChange == "" {
		pCfg.SettingsChange = defaultSettingsChange
	}
	if pCfg.BaseDelay == 0 {
		pCfg.BaseDelay = Duration(retry.DefaultBaseDelay)
	}
	if pCfg.MaxDelay == 0 {
		pCfg.MaxDelay = Duration(retry.DefaultMaxDelay)
	}
	if pCfg.Jitter == 0 {
		pCfg.Jitter = retry.DefaultJitter
	}
	if pCfg.TeardownTimeout == 0 {
		pCfg.TeardownTimeout = Duration(tunnel.DefaultTeardownTimeout)
	}
}

func (pCfg *Policy) validate() error {
	switch pCfg.SettingsChange {
	case "queue", "restart":
	default:
		return errors.Newf("config: Policy: SettingsChange '%v' is invalid", pCfg.SettingsChange)
	}
	if pCfg.Jitter < 0 || pCfg.Jitter > 1 {
		return errors.Newf("config: Policy: Jitter %v is not within [0, 1]", pCfg.Jitter)
	}
	if pCfg.MaxDelay < pCfg.BaseDelay {
		return errors.New("config: Policy: MaxDelay is less than BaseDelay")
	}
	if pCfg.ConnectTimeout < 0 || pCfg.TeardownTimeout < 0 {
		return errors.New("config: Policy: negative timeout")
	}
	return nil
}

// TunnelPolicy returns the state machine policy.
func (pCfg *Policy) TunnelPolicy() tunnel.Policy {
	p := tunnel.Policy{
		SettingsChange: tunnel.SettingsQueue,
		Reconnect: retry.Policy{
			MaxAttempts: pCfg.MaxAttempts,
			BaseDelay:   pCfg.BaseDelay.Duration(),
			MaxDelay:    pCfg.MaxDelay.Duration(),
			Jitter:      pCfg.Jitter,
		},
		ReconnectOnOnline: !pCfg.DisableReconnectOnOnline,
		AutoRetry:         pCfg.AutoRetry,
		ConnectTimeout:    pCfg.ConnectTimeout.Duration(),
		TeardownTimeout:   pCfg.TeardownTimeout.Duration(),
	}
	if pCfg.SettingsChange == "restart" {
		p.SettingsChange = tunnel.SettingsRestart
	}
	return p
}

// Account configures the in-tree static account controller.
type Account struct {
	Stored              bool
	DeviceRegistered    bool
	SubscriptionExpired bool

	// MaxDevices is the device limit, zero is unlimited.
	MaxDevices       int
	RegisteredOthers int

	SyncDelay       Duration
	CredentialDelay Duration
}

// StaticConfig returns the static controller configuration.
func (aCfg *Account) StaticConfig() account.StaticConfig {
	return account.StaticConfig{
		AccountStored:       aCfg.Stored,
		DeviceRegistered:    aCfg.DeviceRegistered,
		SubscriptionExpired: aCfg.SubscriptionExpired,
		MaxDevices:          aCfg.MaxDevices,
		RegisteredOthers:    aCfg.RegisteredOthers,
		SyncDelay:           aCfg.SyncDelay.Duration(),
		CredentialDelay:     aCfg.CredentialDelay.Duration(),
	}
}

// Platform selects the platform backend and connectivity monitor.
type Platform struct {
	// Backend is the registered platform backend name.
	Backend string

	// Options are passed to the backend as is.
	Options map[string]string

	// Connectivity is "native", "adapter" (backend observer callbacks) or
	// "presume".
	Connectivity string

	// PollInterval is how often the native monitor re-evaluates the
	// interfaces.
	PollInterval Duration

	// ExcludeInterfaces are ignored by the native monitor, in addition to
	// the tunnel interface.
	ExcludeInterfaces []string
}

func (pCfg *Platform) applyDefaults() {
	if pCfg.Backend == "" {
		pCfg.Backend = defaultBackend
	}
	if pCfg.Connectivity == "" {
		pCfg.Connectivity = defaultConnectivity
	}
	if pCfg.PollInterval == 0 {
		pCfg.PollInterval = Duration(defaultPollInterval)
	}
}

func (pCfg *Platform) validate() error {
	switch pCfg.Connectivity {
	case ConnectivityNative, ConnectivityAdapter, ConnectivityPresume:
	default:
		return errors.Newf("config: Platform: Connectivity '%v' is invalid", pCfg.Connectivity)
	}
	if pCfg.PollInterval < 0 {
		return errors.New("config: Platform: negative PollInterval")
	}
	return nil
}

// State configures the persisted state history.
type State struct {
	// Path is the bolt database, relative paths are under DataDir.
	Path string

	// HistoryLimit is the number of transitions kept.
	HistoryLimit int
}

// Control configures the control socket.
type Control struct {
	// SocketPath is the unix socket, relative paths are under DataDir.
	SocketPath string
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	// Address is the listen address, empty disables metrics.
	Address string
}

// Profiling configures pyroscope continuous profiling.
type Profiling struct {
	Enable          bool
	ServerAddress   string
	ApplicationName string
	Tags            map[string]string
}

func (pCfg *Profiling) validate() error {
	if !pCfg.Enable {
		return nil
	}
	if pCfg.ServerAddress == "" {
		return errors.New("config: Profiling: ServerAddress is not set")
	}
	if pCfg.ApplicationName == "" {
		pCfg.ApplicationName = defaultProfilingApp
	}
	return nil
}

// Config is the top level vpnd configuration.
type Config struct {
	// DataDir is the absolute path to vpnd's state files.
	DataDir string

	Logging   *Logging
	Tunnel    *Tunnel
	Policy    *Policy
	Account   *Account
	Platform  *Platform
	State     *State
	Control   *Control
	Metrics   *Metrics
	Profiling *Profiling
}

func (cfg *Config) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.DataDir, p)
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(cfg.DataDir) {
		return errors.Newf("config: DataDir '%v' is not an absolute path", cfg.DataDir)
	}

	// Handle missing sections if possible.
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Tunnel == nil {
		cfg.Tunnel = &Tunnel{}
	}
	if cfg.Policy == nil {
		cfg.Policy = &Policy{}
	}
	if cfg.Account == nil {
		cfg.Account = &Account{Stored: true}
	}
	if cfg.Platform == nil {
		cfg.Platform = &Platform{}
	}
	if cfg.State == nil {
		cfg.State = &State{}
	}
	if cfg.Control == nil {
		cfg.Control = &Control{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Profiling == nil {
		cfg.Profiling = &Profiling{}
	}

	cfg.Policy.applyDefaults()
	cfg.Platform.applyDefaults()
	if cfg.State.Path == "" {
		cfg.State.Path = defaultStateFile
	}
	cfg.State.Path = cfg.path(cfg.State.Path)
	if cfg.State.HistoryLimit <= 0 {
		cfg.State.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Control.SocketPath == "" {
		cfg.Control.SocketPath = defaultControlSocket
	}
	cfg.Control.SocketPath = cfg.path(cfg.Control.SocketPath)

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Tunnel.validate(); err != nil {
		return err
	}
	if err := cfg.Policy.validate(); err != nil {
		return err
	}
	if err := cfg.Platform.validate(); err != nil {
		return err
	}
	return cfg.Profiling.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no configuration provided")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, errors.Newf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
