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

package group

import (
	"testing"

	"statsrelay/internal/relay/backend"
	"statsrelay/internal/relay/filter"
	"statsrelay/internal/relay/proto"
	"statsrelay/internal/relay/sampler"
	"statsrelay/pkg/ring"
)

func singleBackendRing(t *testing.T) (*ring.Ring[*backend.Backend], *backend.Backend) {
	t.Helper()
	b := backend.New("127.0.0.1", "8125", "tcp", backend.Options{MaxSendQueue: 4096})
	return ring.New([]*backend.Backend{b}), b
}

var counterParsed = proto.Parsed{Value: 1, Type: proto.Counter, PresamplingValue: 1}

func TestRoute_PrefixSuffixRewrite(t *testing.T) {
	r, b := singleBackendRing(t)
	g := New(r, "x.", ".y", nil, nil)

	line := []byte("foo:1|c\n")
	keySpan := line[:3] // "foo"
	g.Route(line, keySpan, ring.Hash("foo"), counterParsed)

	want := "x.foo.y:1|c\n"
	if out := g.rewrite(line, keySpan); string(out) != want {
		t.Fatalf("rewrite = %q, want %q", out, want)
	}
	if got := b.Counters.BytesQueued.Sum(); got != int64(len(want)) {
		t.Fatalf("BytesQueued = %d, want %d (the rewritten line)", got, len(want))
	}

	b.Destroy(true) // safe to call without Start
}

func TestRoute_NoPrefixSuffixIsByteIdentical(t *testing.T) {
	r, _ := singleBackendRing(t)
	g := New(r, "", "", nil, nil)

	line := []byte("foo:1|c\n")
	keySpan := line[:3]

	out := g.rewrite(line, keySpan)
	if string(out) != "foo:1|c\n" {
		t.Fatalf("out = %q, want byte-identical to input", out)
	}
}

func TestRoute_FilteredLineIncrementsFilteredCounter(t *testing.T) {
	r, _ := singleBackendRing(t)
	f, err := filter.Compile(`^bar\.`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	g := New(r, "", "", f, nil)

	line := []byte("foo:1|c\n")
	g.Route(line, line[:3], ring.Hash("foo"), counterParsed)

	if got := g.Counters.FilteredLines.Sum(); got != 1 {
		t.Fatalf("FilteredLines = %d, want 1", got)
	}
	if got := g.Counters.RelayedLines.Sum(); got != 0 {
		t.Fatalf("RelayedLines = %d, want 0", got)
	}
}

func TestRoute_UnvalidatedLineIsNeverAbsorbedBySampler(t *testing.T) {
	r, _ := singleBackendRing(t)
	samp := sampler.New(sampler.Options{Threshold: 0, WindowSeconds: 10})
	g := New(r, "", "", nil, samp)

	line := []byte("foo:1|c\n")
	// proto.Parsed{} is what SkipValidation forwards: Type is the zero
	// value (proto.Unvalidated), which must fall through to
	// NotSampling rather than be mistaken for a zero-value counter.
	g.Route(line, line[:3], ring.Hash("foo"), proto.Parsed{})

	if got := g.Counters.RelayedLines.Sum(); got != 1 {
		t.Fatalf("RelayedLines = %d, want 1 (line must be forwarded, not sampled)", got)
	}
}

func TestRoute_EmptyRingDropsSilently(t *testing.T) {
	r := ring.New[*backend.Backend](nil)
	g := New(r, "", "", nil, nil)
	line := []byte("foo:1|c\n")
	g.Route(line, line[:3], ring.Hash("foo"), counterParsed) // must not panic
	if got := g.Counters.RelayedLines.Sum(); got != 0 {
		t.Fatalf("RelayedLines = %d, want 0 for an empty ring", got)
	}
}
