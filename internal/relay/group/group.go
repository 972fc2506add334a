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

// Package group implements a backend group: a consistent-hash ring
// over backend clients, plus the optional ingress filter and
// prefix/suffix rewrite that only duplicate groups carry. The primary
// group forwards lines verbatim; duplicate groups may filter and
// rewrite; an optional monitor group is routed to only by the
// self-stats flush.
package group

import (
	"statsrelay/internal/relay/backend"
	"statsrelay/internal/relay/filter"
	"statsrelay/internal/relay/metrics"
	"statsrelay/internal/relay/proto"
	"statsrelay/internal/relay/sampler"
	"statsrelay/pkg/counter"
	"statsrelay/pkg/ring"
)

// scratchCap bounds the prefix/suffix rewrite buffer, matching the
// UDP datagram cap: a rewritten line can never legitimately be larger
// than the largest line that could have arrived.
const scratchCap = 65536

// Counters are the group-level observables named in the data model.
type Counters struct {
	RelayedLines  counter.Striped
	FilteredLines counter.Striped
}

// Group is one ring plus its optional rewrite rules and sampler. Only
// duplicate groups carry a Filter or Sampler in current configuration
// shapes; the primary group has neither.
type Group struct {
	Ring    *ring.Ring[*backend.Backend]
	Prefix  string
	Suffix  string
	Filter  *filter.Filter    // nil for the primary group
	Sampler *sampler.Sampler  // nil disables sampling for this group
	Metrics *metrics.Collector // nil disables Prometheus exposition

	Counters Counters
}

// New builds a Group. filter and samp may be nil.
func New(r *ring.Ring[*backend.Backend], prefix, suffix string, f *filter.Filter, samp *sampler.Sampler) *Group {
	return &Group{Ring: r, Prefix: prefix, Suffix: suffix, Filter: f, Sampler: samp}
}

// StartSampler launches this group's sampler flush (and TTL, if
// configured) loops, routing every emitted summary line back through
// this same group exactly as an incoming line would be routed.
func (g *Group) StartSampler() {
	if g.Sampler == nil {
		return
	}
	g.Sampler.Start(func(key string, line []byte) {
		g.routeRaw(line, []byte(key), ring.Hash(key))
	})
}

// StopSampler terminates this group's sampler loops, if any, and waits
// for them to exit. No-op when the group has no sampler.
func (g *Group) StopSampler() {
	if g.Sampler == nil {
		return
	}
	g.Sampler.Stop()
}

// Route implements the per-group step of the fanout. If a Sampler is
// configured and the metric type is one it handles, the observation
// may be absorbed into a rolling-window summary instead of forwarded
// directly — see internal/relay/sampler. Otherwise: apply the ingress
// filter, choose a backend by the already-computed key hash, apply
// any prefix/suffix rewrite, and enqueue. line is the full line
// including everything from the key through the trailing newline;
// keySpan is line's prefix up to (excluding) the last ':'.
func (g *Group) Route(line, keySpan []byte, keyHash uint32, parsed proto.Parsed) {
	if g.Sampler != nil {
		key := string(keySpan)
		var verdict sampler.Verdict
		switch parsed.Type {
		case proto.Counter:
			verdict = g.Sampler.ConsiderCounter(key, parsed)
		case proto.Gauge, proto.GaugeDirect:
			verdict = g.Sampler.ConsiderGauge(key, parsed)
		case proto.Timer:
			verdict = g.Sampler.ConsiderTimer(key, parsed)
		default:
			verdict = sampler.NotSampling
		}
		if verdict == sampler.Sampling {
			g.Metrics.IncSampledLine()
			return
		}
	}
	g.routeRaw(line, keySpan, keyHash)
}

// RouteRaw exposes routeRaw to other packages (the self-stats flush
// in internal/relay/core synthesizes its own lines and must route
// them through the monitor group the same way, without re-entering
// the sampler).
func (g *Group) RouteRaw(line, keySpan []byte, keyHash uint32) {
	g.routeRaw(line, keySpan, keyHash)
}

// routeRaw performs the filter/ring/rewrite/enqueue sequence without
// consulting the sampler, used both by Route's pass-through path and
// by the sampler's own flush callback (whose lines must not be fed
// back into the sampler a second time).
func (g *Group) routeRaw(line, keySpan []byte, keyHash uint32) {
	if g.Filter != nil && !g.Filter.Exec(keySpan) {
		g.Counters.FilteredLines.Add(1)
		g.Metrics.IncFilteredLine()
		return
	}

	b, ok := g.Ring.Choose(keyHash)
	if !ok {
		return
	}

	out := line
	if g.Prefix != "" || g.Suffix != "" {
		out = g.rewrite(line, keySpan)
		if out == nil {
			return
		}
	}

	g.Counters.RelayedLines.Add(1)
	g.Metrics.IncRelayedLine()
	if err := b.Sendall(out); err != nil {
		return
	}
}

// rewrite builds {prefix}{keySpan}{suffix}{rest-of-line-from-':'} in a
// scratch buffer bounded by scratchCap, truncating (dropping the
// line, per the "out-of-memory for a buffer expansion drops the
// current line" recovery policy) on overflow.
func (g *Group) rewrite(line, keySpan []byte) []byte {
	rest := line[len(keySpan):] // starts with ':'
	need := len(g.Prefix) + len(keySpan) + len(g.Suffix) + len(rest)
	if need > scratchCap {
		return nil
	}
	out := make([]byte, 0, need)
	out = append(out, g.Prefix...)
	out = append(out, keySpan...)
	out = append(out, g.Suffix...)
	out = append(out, rest...)
	return out
}
