// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package counter provides a striped, monotonic-add counter for values
// that many goroutines increment concurrently on a hot path (inbound
// line counts, bytes received) and a single self-stats flush goroutine
// reads roughly once a second. Striping avoids cache-line contention on
// a single atomic.Int64 when dozens of TCP session goroutines and the
// UDP receiver all touch the same counter at once.
package counter

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// padSize over-pads a stripe to 128 bytes so adjacent stripes never
// share a cache line.
const padSize = 128 - 8

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// Striped is a thread-safe counter spread across a small, fixed number
// of padded stripes. Add is lock-free; Sum walks every stripe and is
// meant to be called infrequently (e.g. once per self-stats flush).
//
// The zero value is a ready-to-use counter: stripes are allocated
// lazily on first Add or Sum, so Striped can be embedded by value in a
// larger Counters struct without every call site needing to remember
// New.
type Striped struct {
	once    sync.Once
	stripes []stripe
	mask    uint64
	next    atomic.Uint64
}

// New returns a Striped counter, equivalent to the zero value but with
// stripes allocated up front.
func New() *Striped {
	s := &Striped{}
	s.init()
	return s
}

func (s *Striped) init() {
	s.once.Do(func() {
		p := runtime.GOMAXPROCS(0)
		n := nextPow2(clamp(p, 4, 32))
		s.stripes = make([]stripe, n)
		s.mask = uint64(n - 1)
	})
}

// Add increments the counter by delta (may be negative).
func (s *Striped) Add(delta int64) {
	s.init()
	idx := s.next.Add(1) & s.mask
	s.stripes[idx].val.Add(delta)
}

// Sum returns the current total across all stripes. Not linearizable
// with concurrent Add calls (a snapshot, not a lock), which is the
// standard tradeoff for observability counters.
func (s *Striped) Sum() int64 {
	s.init()
	var total int64
	for i := range s.stripes {
		total += s.stripes[i].val.Load()
	}
	return total
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return x + 1
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
