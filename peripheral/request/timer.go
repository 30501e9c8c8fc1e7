// Copyright 2024 The ledgerd Authors
// This file is part of the ledgerd library.
//
// The ledgerd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ledgerd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ledgerd library. If not, see <http://www.gnu.org/licenses/>.

// Package request tracks the liveness of multi-APDU requests.
//
// A Timer advances a generation counter whenever a full tick interval passes
// without any request making progress. Each decoder owns a Checker bound to the
// generation it started in; once the counter moves on, the partially received
// request is stale and is discarded.
package request

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// DefaultInterval is the tick period used by the peripheral.
const DefaultInterval = 300 * time.Millisecond

// Timer is a process scoped generation counter. It is safe for concurrent use.
type Timer struct {
	clock    mclock.Clock
	interval time.Duration

	mu       sync.Mutex
	value    uint64
	lastBeat mclock.AbsTime
	ticker   mclock.Timer
	running  bool
}

// NewTimer creates a stopped timer ticking every interval on the given clock.
func NewTimer(clock mclock.Clock, interval time.Duration) *Timer {
	if clock == nil {
		clock = mclock.System{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{clock: clock, interval: interval, lastBeat: clock.Now()}
}

// Start begins ticking in the background. Starting a running timer is a no-op.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.lastBeat = t.clock.Now()
	t.schedule()
}

// Stop halts the background ticks.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

// schedule arms the next tick. Must be called with the lock held.
func (t *Timer) schedule() {
	t.ticker = t.clock.AfterFunc(t.interval, t.run)
}

func (t *Timer) run() {
	t.Tick()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.schedule()
	}
}

// Tick advances the generation if nothing beat during the last interval.
func (t *Timer) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.clock.Now().Sub(t.lastBeat) > t.interval {
		t.value++
	}
}

// Value returns the current generation.
func (t *Timer) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Beat records progress on the current generation.
func (t *Timer) Beat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastBeat = t.clock.Now()
}

// Increment unconditionally starts a new generation.
func (t *Timer) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value++
}
