// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// vpnctl controls a running vpnd
package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/vpnd/common"
	"github.com/katzenpost/vpnd/control"
	"github.com/katzenpost/vpnd/tunnel"
)

const (
	defaultSocket = "/var/lib/vpnd/vpnd.sock"
	dialTimeout   = 5 * time.Second
)

// Config holds the command line configuration
type Config struct {
	Socket string
}

func (cfg *Config) dial(ctx context.Context) (*control.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return control.Dial(ctx, cfg.Socket)
}

func (cfg *Config) run(cmd *cobra.Command, fn func(*control.Client) error) error {
	c, err := cfg.dial(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func printState(w io.Writer, s tunnel.State) {
	fmt.Fprintln(w, s)
	if c, ok := s.(*tunnel.ConnectedState); ok {
		conn := c.Connection
		fmt.Fprintf(w, "  id:        %s\n", conn.ID)
		fmt.Fprintf(w, "  mode:      %s\n", conn.Mode)
		fmt.Fprintf(w, "  entry:     %s\n", conn.EntryGateway)
		fmt.Fprintf(w, "  exit:      %s\n", conn.ExitGateway)
		fmt.Fprintf(w, "  interface: %s %v\n", conn.Interface, conn.Addresses)
		fmt.Fprintf(w, "  since:     %s\n", conn.ConnectedAt.Local().Format(time.RFC3339))
	}
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:   "vpnctl",
		Short: "Control a running vpnd",
		Long: `vpnctl talks to vpnd over its control socket. It queues connect,
disconnect and settings commands, and reports the tunnel state and its
recent history.`,
		Example: `  # Connect and follow the state changes
  vpnctl connect && vpnctl watch

  # Use exit gateways in Switzerland
  vpnctl set --exit-country CH

  # Show the last 20 transitions
  vpnctl history -n 20`,
		SilenceUsage: true,
	}

	socket := defaultSocket
	if env := os.Getenv("VPND_SOCKET"); env != "" {
		socket = env
	}
	cmd.PersistentFlags().StringVarP(&cfg.Socket, "socket", "s", socket,
		"path to the vpnd control socket")

	cmd.AddCommand(
		newConnectCommand(cfg),
		newDisconnectCommand(cfg),
		newStatusCommand(cfg),
		newWatchCommand(cfg),
		newSetCommand(cfg),
		newHistoryCommand(cfg),
	)
	return cmd
}

func newConnectCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(c *control.Client) error {
				return c.Connect()
			})
		},
	}
}

func newDisconnectCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(c *control.Client) error {
				return c.Disconnect()
			})
		},
	}
}

func newStatusCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(c *control.Client) error {
				s, err := c.Status()
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func newWatchCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the tunnel state until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := cfg.run(cmd, func(c *control.Client) error {
				return c.Watch(ctx, func(s tunnel.State) error {
					fmt.Fprintf(cmd.OutOrStdout(), "%s ", time.Now().Format(time.TimeOnly))
					printState(cmd.OutOrStdout(), s)
					return nil
				})
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func newSetCommand(cfg *Config) *cobra.Command {
	var (
		mode                       string
		entryGateway, entryCountry string
		exitGateway, exitCountry   string
		dns                        []string
	)
	s := tunnel.DefaultSettings()

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the tunnel settings",
		Long: `set replaces every tunnel setting, unspecified flags take their
default values. The settings apply from the next connection attempt, or at
once when vpnd is configured to restart on settings changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s.Mode = tunnel.Mode(mode)
			s.Entry = tunnel.NodeSelection{Gateway: entryGateway, Country: entryCountry}
			s.Exit = tunnel.NodeSelection{Gateway: exitGateway, Country: exitCountry}
			for _, v := range dns {
				addr, err := netip.ParseAddr(v)
				if err != nil {
					return fmt.Errorf("invalid argument %q for --dns: %v", v, err)
				}
				s.DNS = append(s.DNS, addr)
			}
			if err := s.Validate(); err != nil {
				return err
			}
			return cfg.run(cmd, func(c *control.Client) error {
				if err := c.SetTunnelSettings(s); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&mode, "mode", string(tunnel.ModeMixnet), "tunnel mode, mixnet or wireguard")
	f.StringVar(&entryGateway, "entry-gateway", "", "entry gateway identity")
	f.StringVar(&entryCountry, "entry-country", "", "entry gateway country (ISO 3166-1 alpha-2)")
	f.StringVar(&exitGateway, "exit-gateway", "", "exit gateway identity")
	f.StringVar(&exitCountry, "exit-country", "", "exit gateway country (ISO 3166-1 alpha-2)")
	f.StringSliceVar(&dns, "dns", nil, "DNS servers to use while connected")
	f.BoolVar(&s.EnableIPv6, "ipv6", false, "enable IPv6 in the tunnel")
	f.BoolVar(&s.AllowLAN, "allow-lan", false, "allow LAN traffic outside the tunnel")
	f.BoolVar(&s.CredentialsMode, "credentials", false, "require zk-nym credentials")
	return cmd
}

func newHistoryCommand(cfg *Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent state transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd, func(c *control.Client) error {
				records, err := c.History(limit)
				if err != nil {
					return err
				}
				for _, r := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "%6d %s %v\n", r.Seq, r.Time.Local().Format(time.RFC3339), r.State)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of transitions to show, 0 for all retained")
	return cmd
}

func main() {
	rootCmd := newRootCommand()
	common.ExecuteWithFang(rootCmd)
}
