// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background goroutines that share a single
// halt signal.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background go routines.
//
// The halt signal is exposed both as a channel and as a context, the latter
// being what blocking operations race against.  Halt may be called any
// number of times.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Go executes the function fn in a new Go routine.  It is the function's
// responsibility to monitor HaltCh or HaltContext and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all Go routines started under a Worker to terminate, and waits
// till all go routines have returned.
func (w *Worker) Halt() {
	w.SignalHalt()
	w.Wait()
}

// SignalHalt fires the halt signal without waiting for the go routines.
func (w *Worker) SignalHalt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltCh)
		w.cancel()
	})
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltContext returns a context that is cancelled on a call to Halt.
func (w *Worker) HaltContext() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
}
