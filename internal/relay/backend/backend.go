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

// Package backend implements the per-destination outbound connection:
// a bounded send queue, a non-blocking connect/backoff state machine,
// and optional drain-and-reconnect when the queue backs up. One
// Backend owns exactly one outbound socket and is driven by a single
// goroutine, so the state machine never needs its own lock beyond the
// queue mutex that sendall and the writer goroutine share.
package backend

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"statsrelay/internal/relay/buffer"
	"statsrelay/internal/relay/logging"
	"statsrelay/internal/relay/metrics"
	"statsrelay/pkg/counter"
)

// ErrQueueFull is returned by Sendall when the outbound queue cannot
// accept more bytes even after a realign and expand attempt.
var ErrQueueFull = errors.New("backend: queue full")

// State is a backend connection's position in the Init -> Connecting
// -> {Backoff <-> Connecting} -> Connected -> Terminated machine.
type State int32

const (
	Init State = iota
	Connecting
	Backoff
	Connected
	Terminated
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Backoff:
		return "backoff"
	case Connected:
		return "connected"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options configures a Backend. Zero values fall back to the defaults
// named in the statsd.* configuration surface.
type Options struct {
	MaxSendQueue       int
	ConnectTimeout     time.Duration
	BackoffHold        time.Duration
	ReconnectThreshold float64
	AutoReconnect      bool
	Logger             logging.Logger
	// Metrics is optional; a nil *metrics.Collector is safe to call.
	Metrics *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.MaxSendQueue <= 0 {
		o.MaxSendQueue = 134217728
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.BackoffHold <= 0 {
		o.BackoffHold = 5 * time.Second
	}
	if o.ReconnectThreshold <= 0 {
		o.ReconnectThreshold = 1.0
	}
	if o.Logger == nil {
		o.Logger = logging.Discard{}
	}
	return o
}

// Counters are the observable counts named in the data model, each a
// striped accumulator so many session goroutines can call Sendall
// concurrently without contending on one cache line.
type Counters struct {
	BytesQueued  counter.Striped
	BytesSent    counter.Striped
	RelayedLines counter.Striped
	DroppedLines counter.Striped
}

// Backend is one outbound destination: host:port[:proto] identifies
// it canonically (Key). Invariant: queue.DataCount() <= MaxSendQueue
// at every observable instant, and exactly one connection attempt is
// ever in flight.
type Backend struct {
	Key   string
	Host  string
	Port  string
	Proto string // "tcp" or "udp"

	opts Options

	mu       sync.Mutex
	queue    *buffer.Buffer
	conn     net.Conn
	lastErr  time.Time
	retries  int

	// bo is only ever touched from the run goroutine (connect and
	// waitBackoff both execute there), so it needs no lock of its own.
	bo *backoff.Backoff

	state   atomic.Int32
	failing atomic.Bool

	Counters Counters

	stopCh  chan struct{}
	wake    chan struct{}
	stopped uint32
	wg      sync.WaitGroup
}

// CanonicalKey formats the "host:port:proto" identity used to dedupe
// backends across groups that happen to name the same destination.
func CanonicalKey(host, port, proto string) string {
	return fmt.Sprintf("%s:%s:%s", host, port, proto)
}

// New creates a Backend in the Init state. Call Start to launch its
// connection goroutine.
func New(host, port, proto string, opts Options) *Backend {
	opts = opts.withDefaults()
	initial := opts.MaxSendQueue
	if initial > 4096 {
		initial = 4096
	}
	b := &Backend{
		Key:    CanonicalKey(host, port, proto),
		Host:   host,
		Port:   port,
		Proto:  proto,
		opts:   opts,
		queue:  buffer.New(initial, opts.MaxSendQueue),
		stopCh: make(chan struct{}),
		wake:   make(chan struct{}, 1),
		bo: &backoff.Backoff{
			Min:    opts.BackoffHold,
			Max:    opts.BackoffHold * 6,
			Factor: 2,
			Jitter: true,
		},
	}
	b.state.Store(int32(Init))
	return b
}

// State returns the backend's current connection state.
func (b *Backend) State() State { return State(b.state.Load()) }

// Failing reports whether the most recent Sendall or connection
// attempt left this backend in a degraded state, for self-stats.
func (b *Backend) Failing() bool { return b.failing.Load() }

// Start launches the single goroutine that owns this backend's socket.
func (b *Backend) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

// Destroy stops the connection goroutine and closes the socket. If
// dropQueued is false, the caller is responsible for having drained
// the queue (via Sendall no longer being called) before calling; any
// bytes still queued are discarded either way once Terminated.
func (b *Backend) Destroy(dropQueued bool) {
	if !atomic.CompareAndSwapUint32(&b.stopped, 0, 1) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
	b.state.Store(int32(Terminated))
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	if dropQueued {
		b.queue.Reset()
	}
	b.mu.Unlock()
}

// Sendall implements the queueing contract: try to append p to the
// outbound queue, realigning and expanding as needed; on failure
// return ErrQueueFull without blocking. On success, if occupancy has
// crossed ReconnectThreshold and auto-reconnect is enabled, the
// current connection (if any) is dropped so a fresh one picks up the
// backlog — queued bytes are never discarded by this path.
func (b *Backend) Sendall(p []byte) error {
	b.mu.Lock()
	if !b.queue.EnsureSpace(len(p)) {
		b.mu.Unlock()
		b.Counters.DroppedLines.Add(1)
		b.failing.Store(true)
		b.opts.Metrics.IncBackendDropped(b.Key)
		return ErrQueueFull
	}
	b.queue.Append(p)
	occupied := b.queue.DataCount()
	b.mu.Unlock()

	b.Counters.BytesQueued.Add(int64(len(p)))
	b.Counters.RelayedLines.Add(1)
	b.failing.Store(false)
	b.opts.Metrics.IncBackendRelayed(b.Key)
	b.opts.Metrics.SetBackendQueueBytes(b.Key, int64(occupied))

	if b.opts.AutoReconnect && b.occupancyFraction() >= b.opts.ReconnectThreshold {
		b.forceReconnect()
	}
	b.signal()
	return nil
}

func (b *Backend) occupancyFraction() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opts.MaxSendQueue <= 0 {
		return 0
	}
	return float64(b.queue.DataCount()) / float64(b.opts.MaxSendQueue)
}

// forceReconnect drops the live connection (if any) and arms Backoff,
// per the "a head-of-line-blocked backend should not silently absorb
// memory" rationale; queued bytes are retained for the next connect.
func (b *Backend) forceReconnect() {
	if b.State() != Connected {
		return
	}
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.lastErr = time.Now()
	b.mu.Unlock()
	b.state.Store(int32(Backoff))
	b.signal()
}

func (b *Backend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// run is the backend's single goroutine: it owns conn and drives the
// state machine, waking on Sendall activity or its own timers.
func (b *Backend) run() {
	for {
		switch b.State() {
		case Init:
			b.state.Store(int32(Connecting))
		case Connecting:
			b.connect()
		case Backoff:
			if !b.waitBackoff() {
				return
			}
			b.state.Store(int32(Connecting))
		case Connected:
			if !b.drain() {
				return
			}
		case Terminated:
			return
		}

		select {
		case <-b.stopCh:
			return
		default:
		}
	}
}

func (b *Backend) connect() {
	conn, err := net.DialTimeout(b.Proto, net.JoinHostPort(b.Host, b.Port), b.opts.ConnectTimeout)
	if err != nil {
		b.opts.Logger.Warnf("backend %s: connect failed: %v", b.Key, err)
		b.mu.Lock()
		b.lastErr = time.Now()
		b.retries++
		b.mu.Unlock()
		b.state.Store(int32(Backoff))
		b.opts.Metrics.IncBackendConnectAttempt(b.Key, "failure")
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.retries = 0
	b.mu.Unlock()
	b.bo.Reset()
	b.state.Store(int32(Connected))
	b.opts.Metrics.IncBackendConnectAttempt(b.Key, "success")
}

// waitBackoff blocks for the next jpillora/backoff-computed hold
// (exponential with jitter, seeded from BackoffHold and reset on
// every successful connect), or until the backend is stopped.
// Returns false if stopped.
func (b *Backend) waitBackoff() bool {
	d := b.bo.Duration()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-b.stopCh:
		return false
	}
}

// drain writes whatever is queued. It blocks (via select) until there
// is data to send, the backend is stopped, or a forced reconnect
// pulls the state out from under it.
func (b *Backend) drain() bool {
	b.mu.Lock()
	n := b.queue.DataCount()
	b.mu.Unlock()

	if n == 0 {
		select {
		case <-b.wake:
			return true
		case <-b.stopCh:
			return false
		case <-time.After(time.Second):
			return true
		}
	}

	b.mu.Lock()
	data := append([]byte(nil), b.queue.Bytes()...)
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return true
	}

	written, err := conn.Write(data)
	if written > 0 {
		b.mu.Lock()
		b.queue.Consume(written)
		remaining := b.queue.DataCount()
		b.mu.Unlock()
		b.Counters.BytesSent.Add(int64(written))
		b.opts.Metrics.AddBackendBytesSent(b.Key, int64(written))
		b.opts.Metrics.SetBackendQueueBytes(b.Key, int64(remaining))
	}
	if err != nil {
		b.opts.Logger.Warnf("backend %s: write failed: %v", b.Key, err)
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
			b.conn = nil
		}
		b.lastErr = time.Now()
		b.mu.Unlock()
		b.state.Store(int32(Backoff))
	}
	return true
}
