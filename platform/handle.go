// SPDX-FileCopyrightText: Copyright (C) 2025  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package platform

import "sync/atomic"

// Handle is an explicitly reference counted native object such as a
// dispatch queue or a tun file descriptor.  Every Retain must be paired with
// a Release; the release function runs exactly once, when the count drops
// to zero.
type Handle[T any] struct {
	value   T
	refs    atomic.Int64
	release func(T)
}

// NewHandle wraps value with a reference count of one.
func NewHandle[T any](value T, release func(T)) *Handle[T] {
	h := &Handle[T]{value: value, release: release}
	h.refs.Store(1)
	return h
}

// Retain increments the reference count and returns h for chaining.
func (h *Handle[T]) Retain() *Handle[T] {
	if h.refs.Add(1) <= 1 {
		panic("platform: Retain on released handle")
	}
	return h
}

// Release decrements the reference count, running the release function on
// the last reference.
func (h *Handle[T]) Release() {
	switch n := h.refs.Add(-1); {
	case n == 0:
		if h.release != nil {
			h.release(h.value)
		}
	case n < 0:
		panic("platform: Release on released handle")
	}
}

// Value returns the wrapped object.  It must not be used after the caller's
// reference has been released.
func (h *Handle[T]) Value() T {
	return h.value
}

// Refs returns the current reference count.
func (h *Handle[T]) Refs() int64 {
	return h.refs.Load()
}
