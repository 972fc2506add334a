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

// Package sampler detects high-rate keys inside a fixed window and
// collapses their traffic into periodic reduced-rate summaries: a
// mean-and-rate line for counters, a mean line for gauges, and an upper/lower pair
// plus a weighted reservoir for timers. Buckets are created lazily on
// first observation, the same get-or-create-over-sync.Map shape used
// elsewhere in this tree for per-key state owned by many concurrent
// callers and read back by one periodic flush.
package sampler

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"statsrelay/internal/relay/logging"
	"statsrelay/internal/relay/proto"
)

// Verdict is the result of feeding one observation to the sampler.
type Verdict int

const (
	// NotSampling means the caller should forward the line unchanged.
	NotSampling Verdict = iota
	// Sampling means the observation was absorbed into the bucket and
	// the caller must NOT forward the raw line.
	Sampling
)

const (
	sentinelUpper = -math.MaxFloat64
	sentinelLower = math.MaxFloat64
)

// bucket is one key's rolling-window state. Cleared (not deleted) on
// every flush; deleted only by the optional TTL sweep, and only while
// not currently sampling.
type bucket struct {
	mu sync.Mutex

	mtype proto.MetricType

	sampling        bool
	lastWindowCount uint64
	lastModifiedAt  int64 // unix seconds

	sum   float64
	count float64

	reservoirIndex  uint32
	reservoir       []float64
	upper           float64
	lower           float64
	upperSampleRate float64
	lowerSampleRate float64
}

func newBucket(mtype proto.MetricType, reservoirSize uint32) *bucket {
	reservoir := make([]float64, reservoirSize)
	for i := range reservoir {
		reservoir[i] = math.NaN()
	}
	return &bucket{
		mtype:     mtype,
		upper:     sentinelUpper,
		lower:     sentinelLower,
		reservoir: reservoir,
	}
}

// Options configures a Sampler.
type Options struct {
	// Threshold is the per-window observation count above which a key
	// enters sampling mode.
	Threshold uint64
	// WindowSeconds is both the counting window and the flush cadence.
	WindowSeconds uint32
	// ReservoirSize bounds how many timer values are retained per key
	// while sampling (in addition to the tracked upper/lower extremes).
	ReservoirSize uint32
	// TTLSeconds, when > 0, enables eviction of idle, non-sampling
	// buckets older than this many seconds.
	TTLSeconds int64
	// ExpiryPeriod is how often the TTL sweep runs; ignored if
	// TTLSeconds <= 0.
	ExpiryPeriod time.Duration
	Logger       logging.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowSeconds == 0 {
		o.WindowSeconds = 10
	}
	if o.ReservoirSize == 0 {
		o.ReservoirSize = 100
	}
	if o.ExpiryPeriod <= 0 {
		o.ExpiryPeriod = time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.Discard{}
	}
	return o
}

// Sampler holds per-key buckets for one backend group's sampling
// configuration. Its RNG state is private to the instance — no
// process-wide shared randomness.
type Sampler struct {
	opts Options

	buckets sync.Map // string -> *bucket

	rngMu sync.Mutex
	rng   *rand.Rand

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped uint32
}

// New creates a Sampler seeded from wall-clock time.
func New(opts Options) *Sampler {
	opts = opts.withDefaults()
	return &Sampler{
		opts:   opts,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}
}

func (s *Sampler) getOrCreate(key string, mtype proto.MetricType) *bucket {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*bucket)
	}
	nb := newBucket(mtype, s.opts.ReservoirSize)
	if actual, loaded := s.buckets.LoadOrStore(key, nb); loaded {
		return actual.(*bucket)
	}
	return nb
}

func (s *Sampler) randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// weight returns 1/rate, the scaling factor applied to a presampled
// observation's value and its contribution to count.
func weight(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1
	}
	return 1 / rate
}

// ConsiderCounter feeds one counter observation. Returns NotSampling
// until the key's per-window count exceeds Threshold, after which it
// returns Sampling and the caller must not forward the raw line.
func (s *Sampler) ConsiderCounter(key string, p proto.Parsed) Verdict {
	b := s.getOrCreate(key, proto.Counter)
	return s.considerScalar(b, key, p)
}

// ConsiderGauge feeds one gauge observation; same accumulation as a
// counter, but flush emits it with the "|g" format.
func (s *Sampler) ConsiderGauge(key string, p proto.Parsed) Verdict {
	b := s.getOrCreate(key, proto.Gauge)
	return s.considerScalar(b, key, p)
}

func (s *Sampler) considerScalar(b *bucket, key string, p proto.Parsed) Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastWindowCount++
	b.lastModifiedAt = time.Now().Unix()
	if b.lastWindowCount > s.opts.Threshold && !b.sampling {
		b.sampling = true
		s.opts.Logger.Debugf("sampler: key %q entered sampling mode", key)
	}
	if !b.sampling {
		return NotSampling
	}

	w := weight(p.PresamplingValue)
	b.sum += p.Value * w
	b.count += w
	return Sampling
}

// ConsiderTimer feeds one timer observation, tracking upper/lower
// extremes and a weighted reservoir of the remaining values.
func (s *Sampler) ConsiderTimer(key string, p proto.Parsed) Verdict {
	b := s.getOrCreate(key, proto.Timer)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastWindowCount++
	b.lastModifiedAt = time.Now().Unix()
	if b.lastWindowCount > s.opts.Threshold && !b.sampling {
		b.sampling = true
		s.opts.Logger.Debugf("sampler: key %q entered sampling mode", key)
	}
	if !b.sampling {
		return NotSampling
	}

	rate := p.PresamplingValue
	w := weight(rate)
	b.sum += p.Value * w
	b.count += w

	value := p.Value
	switch {
	case value > b.upper:
		if b.upper != sentinelUpper {
			s.addToReservoirLocked(b, b.upper)
		}
		b.upper = value
		b.upperSampleRate = rate
	case value < b.lower:
		if b.lower != sentinelLower {
			s.addToReservoirLocked(b, b.lower)
		}
		b.lower = value
		b.lowerSampleRate = rate
	default:
		s.addToReservoirLocked(b, value)
	}
	return Sampling
}

// addToReservoirLocked implements classic weighted reservoir sampling:
// fill the first ReservoirSize slots directly, then replace a
// uniformly chosen slot with decreasing probability as more of the
// window is observed. Caller holds b.mu.
func (s *Sampler) addToReservoirLocked(b *bucket, value float64) {
	if b.reservoirIndex < s.opts.ReservoirSize {
		b.reservoir[b.reservoirIndex] = value
		b.reservoirIndex++
		return
	}
	if b.lastWindowCount == 0 {
		return
	}
	k := s.randIntn(int(b.lastWindowCount))
	if k < int(s.opts.ReservoirSize) {
		b.reservoir[k] = value
	}
}

// applyUpdateFlagsLocked is the per-bucket step of update_flags: exit
// sampling mode once the window's count has fallen back to or below
// Threshold, and always zero the window counter. Caller holds b.mu.
func (s *Sampler) applyUpdateFlagsLocked(b *bucket) {
	if b.sampling && b.lastWindowCount <= s.opts.Threshold {
		b.sampling = false
		b.reservoirIndex = 0
	}
	b.lastWindowCount = 0
}

// UpdateFlags sweeps every bucket and applies applyUpdateFlagsLocked.
// Flush already does this for the buckets it touches; UpdateFlags
// exists so it can be driven independently (e.g. from tests, or a
// cadence distinct from the flush cadence).
func (s *Sampler) UpdateFlags() {
	s.buckets.Range(func(_, v interface{}) bool {
		b := v.(*bucket)
		b.mu.Lock()
		s.applyUpdateFlagsLocked(b)
		b.mu.Unlock()
		return true
	})
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%v", v)
}

// Flush iterates every bucket, emitting a reduced-rate line (via emit)
// for each currently-sampling bucket with count > 0, then resets the
// bucket's accumulators and applies the update_flags step — so a
// single Flush call per window both emits summaries and re-arms the
// per-window threshold check for every key, not just the ones it
// emitted for.
func (s *Sampler) Flush(emit func(key string, line []byte)) {
	s.buckets.Range(func(k, v interface{}) bool {
		key := k.(string)
		b := v.(*bucket)
		b.mu.Lock()
		if b.sampling && b.count > 0 {
			s.emitLocked(key, b, emit)
		}
		b.sum, b.count = 0, 0
		b.upper, b.lower = sentinelUpper, sentinelLower
		for i := range b.reservoir {
			b.reservoir[i] = math.NaN()
		}
		s.applyUpdateFlagsLocked(b)
		b.mu.Unlock()
		return true
	})
}

func (s *Sampler) emitLocked(key string, b *bucket, emit func(key string, line []byte)) {
	switch b.mtype {
	case proto.Counter:
		mean := b.sum / b.count
		rate := 1 / b.count
		emit(key, []byte(fmt.Sprintf("%s:%s|c@%s\n", key, formatFloat(mean), formatFloat(rate))))
	case proto.Gauge, proto.GaugeDirect:
		mean := b.sum / b.count
		emit(key, []byte(fmt.Sprintf("%s:%s|g\n", key, formatFloat(mean))))
	case proto.Timer:
		// A window with a single sampled observation updates only the
		// upper extreme; the lower stays at its sentinel and must not be
		// emitted as a line.
		if b.upper != sentinelUpper {
			emit(key, []byte(fmt.Sprintf("%s:%s|ms@%s\n", key, formatFloat(b.upper), formatFloat(b.upperSampleRate))))
		}
		if b.lower != sentinelLower {
			emit(key, []byte(fmt.Sprintf("%s:%s|ms@%s\n", key, formatFloat(b.lower), formatFloat(b.lowerSampleRate))))
		}
		nonNaN := 0
		for _, v := range b.reservoir {
			if !math.IsNaN(v) {
				nonNaN++
			}
		}
		rate := float64(nonNaN) / b.count
		for _, v := range b.reservoir {
			if !math.IsNaN(v) {
				emit(key, []byte(fmt.Sprintf("%s:%s|ms@%s\n", key, formatFloat(v), formatFloat(rate))))
			}
		}
	}
}

// sweepTTL deletes buckets that are not currently sampling and have
// been idle longer than TTLSeconds. It snapshots the keys to delete
// first so the deletion loop never mutates the map it is iterating.
func (s *Sampler) sweepTTL() {
	if s.opts.TTLSeconds <= 0 {
		return
	}
	now := time.Now().Unix()
	var stale []string
	s.buckets.Range(func(k, v interface{}) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.sampling && now-b.lastModifiedAt > s.opts.TTLSeconds {
			stale = append(stale, k.(string))
		}
		b.mu.Unlock()
		return true
	})
	for _, key := range stale {
		s.buckets.Delete(key)
	}
}

// Start launches the periodic flush loop (and, if TTLSeconds > 0, the
// TTL sweep loop) as background goroutines. emit is called once per
// generated summary line.
func (s *Sampler) Start(emit func(key string, line []byte)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop(emit)
	}()
	if s.opts.TTLSeconds > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ttlLoop()
		}()
	}
}

func (s *Sampler) flushLoop(emit func(key string, line []byte)) {
	ticker := time.NewTicker(time.Duration(s.opts.WindowSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush(emit)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sampler) ttlLoop() {
	ticker := time.NewTicker(s.opts.ExpiryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepTTL()
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates the background loops. Idempotent.
func (s *Sampler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}
