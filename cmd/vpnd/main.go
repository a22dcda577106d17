// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// vpnd, the VPN client daemon
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/katzenpost/vpnd/common"
	"github.com/katzenpost/vpnd/config"
	"github.com/katzenpost/vpnd/daemon"
	"github.com/katzenpost/vpnd/platform"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	Connect      bool
	ValidateOnly bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "vpnd",
		Short: "VPN client daemon",
		Long: `vpnd runs the tunnel state machine of the VPN client. It owns the
tunnel's lifecycle: it waits for the account to be ready, applies the firewall
policy, brings the tunnel up, installs DNS, and tears everything down again in
order when asked to disconnect, when connectivity is lost or on failure.

vpnd is controlled through a unix socket, see vpnctl.

Signals:
• SIGINT, SIGTERM: disconnect and exit
• SIGHUP: reopen the log file`,
		Example: `  # Start the daemon
  vpnd --config /etc/vpnd/vpnd.toml

  # Start the daemon and connect right away
  vpnd -f /etc/vpnd/vpnd.toml --connect

  # Check a configuration file
  vpnd -f /etc/vpnd/vpnd.toml --validate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "vpnd.toml",
		"path to the vpnd configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.Connect, "connect", false,
		"connect as soon as the daemon is up")
	cmd.Flags().BoolVar(&cfg.ValidateOnly, "validate-only", false,
		"validate the configuration file and exit")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}

func runDaemon(cfg Config) error {
	vpndCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.ValidateOnly {
		fmt.Printf("%v: OK (platform backends: %v)\n", cfg.ConfigFile, platform.Backends())
		return nil
	}
	if cfg.Connect {
		vpndCfg.Tunnel.ConnectOnStart = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(haltCh)
	defer signal.Stop(rotateCh)

	d, err := daemon.New(vpndCfg)
	if err != nil {
		return fmt.Errorf("failed to start vpnd: %v", err)
	}
	defer d.Shutdown()

	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-haltCh:
				d.Shutdown()
				return nil
			case <-rotateCh:
				// Failures are logged by the daemon.
				_ = d.RotateLog()
			case <-d.Halted():
				return nil
			}
		}
	})
	g.Go(func() error {
		d.Wait()
		return nil
	})
	return g.Wait()
}
