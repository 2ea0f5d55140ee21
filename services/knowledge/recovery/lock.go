// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"fmt"
	"time"
)

// timedMutex is a mutex with timeout-aware acquisition. A buffered
// channel of size one carries the lock token, so acquisition can race
// a timer and a context without goroutine leaks.
type timedMutex struct {
	ch chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{ch: make(chan struct{}, 1)}
}

// lock acquires the mutex, failing with ErrLockTimeout after timeout
// or the context error on cancellation.
func (m *timedMutex) lock(ctx context.Context, timeout time.Duration) error {
	// A select with a ready channel and a done context picks randomly;
	// check cancellation up front so it always wins.
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryLock acquires the mutex only if it is immediately free.
func (m *timedMutex) tryLock() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *timedMutex) unlock() {
	select {
	case <-m.ch:
	default:
		panic("recovery: unlock of unlocked timedMutex")
	}
}

// lockChain is the per-agent three-tier lock hierarchy. Acquisition
// order is fixed: metrics, then status, then main. Release always runs
// in exact reverse order, on every exit path.
type lockChain struct {
	metrics *timedMutex
	status  *timedMutex
	main    *timedMutex
}

func newLockChain() *lockChain {
	return &lockChain{
		metrics: newTimedMutex(),
		status:  newTimedMutex(),
		main:    newTimedMutex(),
	}
}

// acquire takes all three locks in order. On any failure the locks
// already held are released in reverse order before returning, so a
// timeout never leaves partial locks behind. Call the returned release
// function exactly once.
func (c *lockChain) acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	if err := c.metrics.lock(ctx, timeout); err != nil {
		return nil, fmt.Errorf("metrics lock: %w", err)
	}
	if err := c.status.lock(ctx, timeout); err != nil {
		c.metrics.unlock()
		return nil, fmt.Errorf("status lock: %w", err)
	}
	if err := c.main.lock(ctx, timeout); err != nil {
		c.status.unlock()
		c.metrics.unlock()
		return nil, fmt.Errorf("main lock: %w", err)
	}

	return func() {
		c.main.unlock()
		c.status.unlock()
		c.metrics.unlock()
	}, nil
}
