// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !linux

package connectivity

import "github.com/cockroachdb/errors"

func (m *NativeMonitor) notifications() (<-chan struct{}, error) {
	return nil, errors.New("no change notification source on this platform")
}
