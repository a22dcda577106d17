// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

//go:build linux

package connectivity

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// notifications subscribes to rtnetlink link, address and route changes.
// The messages themselves are not parsed, they only trigger a
// re-evaluation.
func (m *NativeMonitor) notifications() (<-chan struct{}, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, errors.Wrap(err, "netlink socket")
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR |
			unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink bind")
	}
	// The read loop has to notice halts, closing the fd does not reliably
	// interrupt a blocked recvfrom.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netlink SO_RCVTIMEO")
	}

	wake := make(chan struct{}, 1)
	m.Go(func() {
		defer unix.Close(fd)
		buf := make([]byte, 8192)
		for {
			select {
			case <-m.HaltCh():
				return
			default:
			}
			_, _, err := unix.Recvfrom(fd, buf, 0)
			switch {
			case err == nil:
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
				continue
			default:
				m.log.Warningf("Netlink read failed, falling back to polling: %v", err)
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	return wake, nil
}
