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

package sampler

import (
	"math"
	"testing"

	"statsrelay/internal/relay/proto"
)

func TestConsiderCounter_EntersSamplingAboveThreshold(t *testing.T) {
	s := New(Options{Threshold: 10, WindowSeconds: 10})
	p := proto.Parsed{Value: 1, Type: proto.Counter, PresamplingValue: 1}

	var last Verdict
	for i := 0; i < 11; i++ {
		last = s.ConsiderCounter("foo", p)
	}
	if last != Sampling {
		t.Fatalf("expected the 11th observation (first above Threshold) to be Sampling")
	}

	s.UpdateFlags()

	var emitted []string
	for i := 0; i < 10000; i++ {
		s.ConsiderCounter("foo", p)
	}
	s.Flush(func(key string, line []byte) {
		emitted = append(emitted, string(line))
	})

	if len(emitted) != 1 {
		t.Fatalf("expected exactly one emitted line for foo, got %v", emitted)
	}
	want := "foo:1|c@0.0001\n"
	if emitted[0] != want {
		t.Fatalf("emitted = %q, want %q", emitted[0], want)
	}

	s.UpdateFlags()
	b, _ := s.buckets.Load("foo")
	bucket := b.(*bucket)
	bucket.mu.Lock()
	sampling := bucket.sampling
	bucket.mu.Unlock()
	if sampling {
		t.Fatalf("expected foo to have exited sampling mode after a quiet window")
	}
}

func TestConsiderTimer_ReservoirBoundedAtThresholdPlusTwo(t *testing.T) {
	s := New(Options{Threshold: 10, WindowSeconds: 10, ReservoirSize: 10})
	p := proto.Parsed{Value: 77923.2, Type: proto.Timer, PresamplingValue: 1}

	for i := 0; i < 10010; i++ {
		s.ConsiderTimer("t", p)
	}

	var emitted []string
	s.Flush(func(key string, line []byte) {
		emitted = append(emitted, string(line))
	})

	if len(emitted) > 12 {
		t.Fatalf("got %d lines for t, want at most threshold+2=12: %v", len(emitted), emitted)
	}
	if len(emitted) < 2 {
		t.Fatalf("expected at least upper and lower lines, got %v", emitted)
	}
}

func TestFlush_SingleObservationWindowOmitsUnsetSentinel(t *testing.T) {
	s := New(Options{Threshold: 0, WindowSeconds: 10, ReservoirSize: 4})
	p := proto.Parsed{Value: 5, Type: proto.Timer, PresamplingValue: 1}
	s.ConsiderTimer("t", p)

	var emitted []string
	s.Flush(func(key string, line []byte) {
		emitted = append(emitted, string(line))
	})

	if len(emitted) != 1 {
		t.Fatalf("expected exactly one emitted line (upper only), got %v", emitted)
	}
	want := "t:5|ms@1\n"
	if emitted[0] != want {
		t.Fatalf("emitted = %q, want %q", emitted[0], want)
	}
}

func TestFlush_ResetsSentinelsAndReservoir(t *testing.T) {
	s := New(Options{Threshold: 1, WindowSeconds: 10, ReservoirSize: 4})
	p := proto.Parsed{Value: 5, Type: proto.Timer, PresamplingValue: 1}
	s.ConsiderTimer("t", p)
	s.ConsiderTimer("t", p)
	s.ConsiderTimer("t", p)

	s.Flush(func(string, []byte) {})

	v, ok := s.buckets.Load("t")
	if !ok {
		t.Fatalf("expected bucket t to still exist")
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.upper != sentinelUpper {
		t.Fatalf("upper = %v, want sentinel %v", b.upper, sentinelUpper)
	}
	if b.lower != sentinelLower {
		t.Fatalf("lower = %v, want sentinel %v", b.lower, sentinelLower)
	}
	for i, r := range b.reservoir {
		if !math.IsNaN(r) {
			t.Fatalf("reservoir[%d] = %v, want NaN after flush", i, r)
		}
	}
}

func TestConsiderCounter_NotSamplingBelowThreshold(t *testing.T) {
	s := New(Options{Threshold: 10, WindowSeconds: 10})
	p := proto.Parsed{Value: 1, Type: proto.Counter, PresamplingValue: 1}
	for i := 0; i < 5; i++ {
		if v := s.ConsiderCounter("rare", p); v != NotSampling {
			t.Fatalf("observation %d: expected NotSampling below threshold", i)
		}
	}
}

func TestUpdateFlags_ExitsSamplingAndResetsReservoirIndex(t *testing.T) {
	s := New(Options{Threshold: 2, WindowSeconds: 10, ReservoirSize: 4})
	p := proto.Parsed{Value: 1, Type: proto.Counter, PresamplingValue: 1}
	for i := 0; i < 5; i++ {
		s.ConsiderCounter("k", p)
	}
	s.UpdateFlags() // lastWindowCount resets to 0; still sampling since it was > threshold before reset

	// No further observations this window: lastWindowCount stays 0 <= threshold.
	s.UpdateFlags()

	v, _ := s.buckets.Load("k")
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sampling {
		t.Fatalf("expected sampling to have exited after a quiet window")
	}
	if b.reservoirIndex != 0 {
		t.Fatalf("reservoirIndex = %d, want 0", b.reservoirIndex)
	}
}
