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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	. "github.com/onsi/gomega"
)

const interval = 300 * time.Millisecond

func TestTimerTicksOnlyWhenIdle(t *testing.T) {
	RegisterTestingT(t)

	var clock mclock.Simulated
	timer := NewTimer(&clock, interval)
	timer.Start()
	defer timer.Stop()

	// A tick landing exactly one interval after the last beat does not count.
	clock.Run(interval)
	Ω(timer.Value()).To(BeZero())

	clock.Run(interval)
	Ω(timer.Value()).To(Equal(uint64(1)))

	timer.Beat()
	clock.Run(interval)
	Ω(timer.Value()).To(Equal(uint64(1)))
}

func TestTimerStop(t *testing.T) {
	RegisterTestingT(t)

	var clock mclock.Simulated
	timer := NewTimer(&clock, interval)
	timer.Start()
	timer.Stop()

	clock.Run(10 * interval)
	Ω(timer.Value()).To(BeZero())
	Ω(clock.ActiveTimers()).To(BeZero())
}

func TestCheckerKeepsLiveRequest(t *testing.T) {
	RegisterTestingT(t)

	var clock mclock.Simulated
	timer := NewTimer(&clock, interval)
	timer.Start()
	defer timer.Stop()

	resets := 0
	checker := NewChecker(timer, func() { resets++ })
	Ω(checker.Idle()).To(BeTrue())
	Ω(checker.Check(true)).To(Succeed())
	Ω(checker.Idle()).To(BeFalse())

	for i := 0; i < 5; i++ {
		clock.Run(interval)
		Ω(checker.Check(false)).To(Succeed())
	}
	Ω(resets).To(BeZero())
}

func TestCheckerExpires(t *testing.T) {
	RegisterTestingT(t)

	var clock mclock.Simulated
	timer := NewTimer(&clock, interval)

	resets := 0
	checker := NewChecker(timer, func() { resets++ })
	Ω(checker.Check(true)).To(Succeed())

	clock.Run(2 * interval)
	timer.Tick()

	Ω(checker.Check(false)).To(MatchError(ErrRequestTimeout))
	Ω(resets).To(Equal(1))
	Ω(checker.Idle()).To(BeTrue())

	// A first chunk after expiry simply starts over.
	Ω(checker.Check(true)).To(Succeed())
	Ω(checker.Idle()).To(BeFalse())
}

func TestCheckerRestartOnStale(t *testing.T) {
	RegisterTestingT(t)

	var clock mclock.Simulated
	timer := NewTimer(&clock, interval)

	resets := 0
	checker := NewChecker(timer, func() { resets++ })
	Ω(checker.Check(true)).To(Succeed())

	timer.Increment()
	Ω(checker.Check(true)).To(Succeed())
	Ω(resets).To(Equal(1))
	Ω(checker.Check(false)).To(Succeed())
}

func TestCheckerDoneRetiresGeneration(t *testing.T) {
	RegisterTestingT(t)

	timer := NewTimer(new(mclock.Simulated), interval)
	first := NewChecker(timer, nil)
	second := NewChecker(timer, nil)

	Ω(first.Check(true)).To(Succeed())
	Ω(second.Check(true)).To(Succeed())

	first.Done()
	Ω(timer.Value()).To(Equal(uint64(1)))
	Ω(first.Idle()).To(BeTrue())

	// Only one multi-chunk request may be in flight per generation.
	Ω(second.Check(false)).To(MatchError(ErrRequestTimeout))

	// Done on an idle checker leaves the generation alone.
	first.Done()
	Ω(timer.Value()).To(Equal(uint64(1)))
}
