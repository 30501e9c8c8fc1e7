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

package request

import (
	"errors"

	"github.com/archmage-live/ledgerd/peripheral/apdu"
)

// ErrRequestTimeout is returned when a continuation chunk arrives for a request
// whose generation has expired.
var ErrRequestTimeout = apdu.NewStatusError(apdu.StatusUnknownAPDU, errors.New("request timeout"))

const idle = -1

// Checker binds one decoder to a Timer generation. It is not safe for
// concurrent use; decoders are driven from a single APDU stream.
type Checker struct {
	timer *Timer
	reset func()
	id    int64
}

// NewChecker creates an idle checker. reset is invoked whenever the bound
// generation turns out to be stale and must drop the decoder's buffers.
func NewChecker(timer *Timer, reset func()) *Checker {
	if reset == nil {
		reset = func() {}
	}
	return &Checker{timer: timer, reset: reset, id: idle}
}

// Idle reports whether the checker is bound to no generation.
func (c *Checker) Idle() bool { return c.id == idle }

// Check must be called once per received chunk. An idle checker binds to the
// current generation. A stale one resets the decoder and either rebinds, when
// restart is set because the chunk opens a new request, or fails.
func (c *Checker) Check(restart bool) error {
	current := c.timer.Value()
	switch {
	case c.id == idle:
		c.bind(current)
		return nil
	case uint64(c.id) == current:
		c.timer.Beat()
		return nil
	}
	c.reset()
	c.id = idle
	if !restart {
		return ErrRequestTimeout
	}
	c.bind(c.timer.Value())
	return nil
}

func (c *Checker) bind(generation uint64) {
	c.id = int64(generation)
	c.timer.Beat()
}

// Done releases the bound generation after a request completed or failed. The
// generation is retired so that no stray continuation can extend it.
func (c *Checker) Done() {
	if c.id == idle {
		return
	}
	c.id = idle
	c.timer.Increment()
}
