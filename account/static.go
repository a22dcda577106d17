// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"context"
	"sync"
	"time"

	"github.com/katzenpost/vpnd/core/retry"
)

// StaticConfig describes the account a StaticController pretends to have.
type StaticConfig struct {
	AccountStored       bool
	DeviceRegistered    bool
	SubscriptionExpired bool

	// MaxDevices is the registration limit, zero means unlimited.
	MaxDevices       int
	RegisteredOthers int

	// SyncDelay is how long each account or device sync takes.
	SyncDelay time.Duration

	// CredentialDelay is how long obtaining zk-nyms takes.
	CredentialDelay time.Duration
}

// StaticController is a local stand-in for the account controller, used
// when vpnd runs without an account service.
type StaticController struct {
	sync.Mutex

	cfg        StaticConfig
	registered bool
}

// NewStaticController returns a Controller backed by cfg.
func NewStaticController(cfg StaticConfig) *StaticController {
	return &StaticController{
		cfg:        cfg,
		registered: cfg.DeviceRegistered,
	}
}

// EnsureUpdateAccount implements Controller.
func (c *StaticController) EnsureUpdateAccount(ctx context.Context) error {
	if err := retry.Sleep(ctx, c.cfg.SyncDelay); err != nil {
		return err
	}
	if !c.cfg.AccountStored {
		return ErrNoAccountStored
	}
	return nil
}

// EnsureUpdateDevice implements Controller.
func (c *StaticController) EnsureUpdateDevice(ctx context.Context) error {
	if err := retry.Sleep(ctx, c.cfg.SyncDelay); err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if !c.registered {
		return ErrNoDeviceStored
	}
	return nil
}

// EnsureRegisterDevice implements Controller.
func (c *StaticController) EnsureRegisterDevice(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.cfg.AccountStored {
		return ErrNoAccountStored
	}
	c.Lock()
	defer c.Unlock()
	if c.registered {
		return nil
	}
	if c.cfg.MaxDevices > 0 && c.cfg.RegisteredOthers >= c.cfg.MaxDevices {
		return ErrMaxDevicesReached
	}
	c.registered = true
	return nil
}

// EnsureAvailableZkNyms implements Controller.
func (c *StaticController) EnsureAvailableZkNyms(ctx context.Context) error {
	if c.cfg.SubscriptionExpired {
		return ErrSubscriptionExpired
	}
	return retry.Sleep(ctx, c.cfg.CredentialDelay)
}
