// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/account"
	"github.com/katzenpost/vpnd/connectivity"
	"github.com/katzenpost/vpnd/core/retry"
	"github.com/katzenpost/vpnd/platform"
)

const waitTimeout = 3 * time.Second

type fakeTunnel struct {
	p         *fakeProvider
	name      string
	done      chan error
	closeOnce sync.Once
}

func (t *fakeTunnel) Name() string { return t.name }

func (t *fakeTunnel) Addresses() []netip.Prefix {
	return []netip.Prefix{netip.MustParsePrefix("10.1.0.2/32")}
}

func (t *fakeTunnel) Done() <-chan error { return t.done }

func (t *fakeTunnel) Close() error {
	t.p.Lock()
	gate := t.p.closeGate
	t.p.Unlock()
	if gate != nil {
		<-gate
	}

	t.closeOnce.Do(func() {
		t.p.Lock()
		t.p.live--
		t.p.ops = append(t.p.ops, "close")
		t.p.Unlock()
		close(t.done)
	})
	return nil
}

// fakeProvider records platform operations.  configureErrs are returned by
// successive ConfigureTunnel calls; once exhausted ConfigureTunnel succeeds.
// blockSetup makes ConfigureTunnel wait for cancellation, hangSetup makes it
// wait for the channel to close regardless of cancellation.  closeGate makes
// Tunnel.Close wait for the channel to close.
type fakeProvider struct {
	sync.Mutex

	ops           []string
	configureErrs []error
	blockSetup    bool
	hangSetup     chan struct{}
	closeGate     chan struct{}

	firewall bool
	dns      bool
	live     int
	last     *fakeTunnel
}

func (p *fakeProvider) ConfigureTunnel(ctx context.Context, cfg *platform.TunnelConfig) (platform.Tunnel, error) {
	p.Lock()
	p.ops = append(p.ops, "configure")
	block, hang := p.blockSetup, p.hangSetup
	var err error
	if len(p.configureErrs) > 0 {
		err = p.configureErrs[0]
		p.configureErrs = p.configureErrs[1:]
	}
	p.Unlock()

	if hang != nil {
		<-hang
	}
	if block {
		<-ctx.Done()
		return nil, platform.NewError(platform.KindTunnel, "configure", ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	p.Lock()
	defer p.Unlock()
	p.live++
	p.last = &fakeTunnel{p: p, name: "tun0", done: make(chan error, 1)}
	return p.last, nil
}

func (p *fakeProvider) ApplyFirewallPolicy(ctx context.Context, policy *platform.FirewallPolicy) error {
	p.Lock()
	defer p.Unlock()
	p.ops = append(p.ops, "firewall")
	p.firewall = true
	return nil
}

func (p *fakeProvider) ResetPolicy(context.Context) error {
	p.Lock()
	defer p.Unlock()
	p.ops = append(p.ops, "reset firewall")
	p.firewall = false
	return nil
}

func (p *fakeProvider) SetDNS(ctx context.Context, iface string, servers []netip.Addr) error {
	p.Lock()
	defer p.Unlock()
	p.ops = append(p.ops, "dns")
	p.dns = true
	return nil
}

func (p *fakeProvider) ResetDNS(context.Context) error {
	p.Lock()
	defer p.Unlock()
	p.ops = append(p.ops, "reset dns")
	p.dns = false
	return nil
}

func (p *fakeProvider) count(op string) int {
	p.Lock()
	defer p.Unlock()
	n := 0
	for _, o := range p.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (p *fakeProvider) held() (firewall, dns bool, live int) {
	p.Lock()
	defer p.Unlock()
	return p.firewall, p.dns, p.live
}

func (p *fakeProvider) failTunnel(err error) {
	p.Lock()
	defer p.Unlock()
	p.last.done <- err
}

type fakeMonitor struct {
	ch      chan connectivity.Connectivity
	current connectivity.Connectivity
}

func newFakeMonitor(current connectivity.Connectivity) *fakeMonitor {
	return &fakeMonitor{
		ch:      make(chan connectivity.Connectivity, 16),
		current: current,
	}
}

func (m *fakeMonitor) Updates() <-chan connectivity.Connectivity { return m.ch }

func (m *fakeMonitor) Current() connectivity.Connectivity { return m.current }

func (m *fakeMonitor) Close() error {
	close(m.ch)
	return nil
}

// errController fails account sync with err.
type errController struct {
	account.StaticController
	err error
}

func (c *errController) EnsureUpdateAccount(context.Context) error {
	return c.err
}

type recorder struct {
	ch chan State
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan State, 256)}
}

func (r *recorder) listener(s State) {
	r.ch <- s
}

func (r *recorder) next(t *testing.T) State {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a state")
		return nil
	}
}

// expect receives len(kinds) states and checks their kinds.
func (r *recorder) expect(t *testing.T, kinds ...StateKind) []State {
	t.Helper()
	states := make([]State, 0, len(kinds))
	for _, k := range kinds {
		s := r.next(t)
		require.Equal(t, k, s.Kind(), "got %v", s)
		states = append(states, s)
	}
	return states
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected state %v", s)
	case <-time.After(d):
	}
}

type harness struct {
	m        *Machine
	rec      *recorder
	provider *fakeProvider
	monitor  *fakeMonitor
}

func testPolicy() Policy {
	return Policy{
		SettingsChange: SettingsQueue,
		Reconnect: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		ReconnectOnOnline: true,
		TeardownTimeout:   time.Second,
	}
}

type harnessConfig struct {
	controller   account.Controller
	policy       *Policy
	settings     Settings
	connectivity connectivity.Connectivity
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.controller == nil {
		cfg.controller = account.NewStaticController(account.StaticConfig{AccountStored: true})
	}
	policy := testPolicy()
	if cfg.policy != nil {
		policy = *cfg.policy
	}
	if cfg.settings.Mode == "" {
		cfg.settings.Mode = ModeMixnet
	}
	h := &harness{
		rec:      newRecorder(),
		provider: &fakeProvider{},
		monitor:  newFakeMonitor(cfg.connectivity),
	}
	m, err := New(&Config{
		Log:        logging.MustGetLogger("tunnel"),
		Settings:   cfg.settings,
		Policy:     policy,
		Controller: cfg.controller,
		Provider:   h.provider,
		Monitor:    h.monitor,
	})
	require.NoError(t, err)
	m.AddListener(h.rec.listener)
	m.Start()
	t.Cleanup(m.Shutdown)
	h.m = m

	h.rec.expect(t, Disconnected)
	return h
}

// connect drives the machine from Disconnected to Connected.
func (h *harness) connect(t *testing.T) *ConnectedState {
	t.Helper()
	require.NoError(t, h.m.Connect())
	states := h.rec.expect(t, Connecting, Connected)
	return states[1].(*ConnectedState)
}

func (h *harness) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-h.m.Finished():
	case <-time.After(waitTimeout):
		t.Fatal("state machine did not finish")
	}
}
