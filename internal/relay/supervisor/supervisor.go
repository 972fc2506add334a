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

// Package supervisor builds a running relay out of a config.Config
// value: it parses each shard_map entry into backends, deduplicates
// backends that multiple groups happen to name identically, compiles
// filters and samplers, wires the primary/duplicate/monitor groups,
// and owns the single registry of everything that needs an orderly,
// exactly-once teardown.
package supervisor

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"statsrelay/internal/relay/backend"
	"statsrelay/internal/relay/config"
	"statsrelay/internal/relay/core"
	"statsrelay/internal/relay/filter"
	"statsrelay/internal/relay/group"
	"statsrelay/internal/relay/listener"
	"statsrelay/internal/relay/logging"
	"statsrelay/internal/relay/metrics"
	"statsrelay/internal/relay/proto"
	"statsrelay/internal/relay/sampler"
	"statsrelay/pkg/ring"
)

// Supervisor owns every long-lived component wired from one
// config.Config: the backend registry, the groups built on top of it,
// the core.Server, and the TCP/UDP listeners that feed it.
type Supervisor struct {
	cfg    config.Config
	logger logging.Logger

	backends map[string]*backend.Backend // canonical key -> backend, exactly one instance each

	primary    *group.Group
	duplicates []*group.Group
	monitor    *group.Group // nil when no self_stats group is configured

	Server     *core.Server
	TCP        *listener.TCP
	UDP        *listener.UDP
	metrics    *metrics.Collector
	metricsSrv *http.Server

	stopped uint32
	wg      sync.WaitGroup
}

// New parses cfg, builds every backend exactly once (deduplicated by
// CanonicalKey across the primary shard map, every duplicate_to shard
// map, and self_stats), starts them, and wires the groups and the
// core.Server. It does not bind any socket; call ListenAndServe for
// that.
func New(cfg config.Config, logger logging.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard{}
	}

	s := &Supervisor{cfg: cfg, logger: logger, backends: make(map[string]*backend.Backend), metrics: metrics.New()}

	backendOpts := backend.Options{
		MaxSendQueue:       cfg.Statsd.MaxSendQueue,
		AutoReconnect:      cfg.Statsd.AutoReconnect,
		ReconnectThreshold: cfg.Statsd.ReconnectThreshold,
		Logger:             logger,
		Metrics:            s.metrics,
	}

	primaryRing, err := s.ringFor(cfg.Statsd.ShardMap, backendOpts)
	if err != nil {
		return nil, err
	}
	primary := group.New(primaryRing, "", "", nil, nil)
	primary.Metrics = s.metrics

	duplicates := make([]*group.Group, 0, len(cfg.Statsd.DuplicateTo))
	for i, gc := range cfg.Statsd.DuplicateTo {
		g, err := s.buildGroup(gc, backendOpts)
		if err != nil {
			s.destroyBackends()
			return nil, fmt.Errorf("supervisor: duplicate_to[%d]: %w", i, err)
		}
		duplicates = append(duplicates, g)
	}

	var monitor *group.Group
	if cfg.Statsd.SelfStats != nil {
		monitor, err = s.buildGroup(*cfg.Statsd.SelfStats, backendOpts)
		if err != nil {
			s.destroyBackends()
			return nil, fmt.Errorf("supervisor: self_stats: %w", err)
		}
	}

	var tagMatcher proto.TagMatcher
	if cfg.Statsd.ValidatePointTags {
		tagMatcher = pointTagFilter
	}

	registry := make(map[string]core.BackendStatus, len(s.backends))
	for key, b := range s.backends {
		b := b
		registry[key] = core.BackendStatus{
			Proto:        b.Proto,
			BytesQueued:  b.Counters.BytesQueued.Sum,
			BytesSent:    b.Counters.BytesSent.Sum,
			RelayedLines: b.Counters.RelayedLines.Sum,
			DroppedLines: b.Counters.DroppedLines.Sum,
		}
	}

	s.Server = core.New(core.Options{
		SkipValidation: !cfg.Statsd.Validate,
		TagMatcher:     tagMatcher,
		Primary:        primary,
		Duplicates:     duplicates,
		Monitor:        monitor,
		Registry:       registry,
		Logger:         logger,
		Metrics:        s.metrics,
	})

	s.primary = primary
	s.duplicates = duplicates
	s.monitor = monitor

	for _, b := range s.backends {
		b.Start()
	}
	for _, g := range duplicates {
		g.StartSampler()
	}
	if monitor != nil {
		monitor.StartSampler()
	}

	return s, nil
}

// pointTagFilter recognizes a leading "__name=" reserved point tag.
// Compiled once at package init; a malformed pattern here is a
// programmer error, not a runtime condition, so it panics rather than
// threading an error back through every call site that never expects
// one.
var pointTagFilter = mustCompileReservedTagFilter()

func mustCompileReservedTagFilter() *filter.Filter {
	f, err := filter.Compile(`__([A-Za-z0-9_]+)=`)
	if err != nil {
		panic(fmt.Sprintf("supervisor: reserved point-tag pattern failed to compile: %v", err))
	}
	return f
}

// ringFor parses each "host:port:proto" entry in shardMap, builds or
// reuses a deduplicated *backend.Backend for each, and returns a ring
// over them in list order (the ring's shard assignment is a function
// of this order, so callers must never reorder an existing
// shard_map).
func (s *Supervisor) ringFor(shardMap []string, opts backend.Options) (*ring.Ring[*backend.Backend], error) {
	backends := make([]*backend.Backend, 0, len(shardMap))
	for _, entry := range shardMap {
		b, err := s.getOrCreateBackend(entry, opts)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return ring.New(backends), nil
}

func (s *Supervisor) getOrCreateBackend(entry string, opts backend.Options) (*backend.Backend, error) {
	host, port, proto, err := splitShardEntry(entry)
	if err != nil {
		return nil, err
	}
	key := backend.CanonicalKey(host, port, proto)
	if b, ok := s.backends[key]; ok {
		return b, nil
	}
	b := backend.New(host, port, proto, opts)
	s.backends[key] = b
	return b, nil
}

func splitShardEntry(entry string) (host, port, proto string, err error) {
	parts := strings.Split(entry, ":")
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2], nil
	case 2:
		return parts[0], parts[1], "tcp", nil
	default:
		return "", "", "", fmt.Errorf("supervisor: malformed shard_map entry %q, want host:port[:proto]", entry)
	}
}

func (s *Supervisor) buildGroup(gc config.Group, opts backend.Options) (*group.Group, error) {
	r, err := s.ringFor(gc.ShardMap, opts)
	if err != nil {
		return nil, err
	}

	var f *filter.Filter
	if gc.InputFilter != "" {
		f, err = filter.Compile(gc.InputFilter)
		if err != nil {
			return nil, fmt.Errorf("input_filter: %w", err)
		}
	}

	var samp *sampler.Sampler
	if gc.SampleThresh > 0 {
		samp = sampler.New(sampler.Options{
			Threshold:     gc.SampleThresh,
			WindowSeconds: gc.SampleWindow,
			ReservoirSize: gc.ReservoirLen,
			TTLSeconds:    gc.TTLSeconds,
			Logger:        s.logger,
		})
	}

	g := group.New(r, gc.Prefix, gc.Suffix, f, samp)
	g.Metrics = s.metrics
	return g, nil
}

func (s *Supervisor) destroyBackends() {
	for _, b := range s.backends {
		b.Destroy(true)
	}
}

// ListenAndServe binds the TCP and UDP sockets named by
// cfg.Statsd.Bind and serves until Shutdown is called.
func (s *Supervisor) ListenAndServe() error {
	tcp, err := listener.ListenTCP(s.cfg.Statsd.Bind, s.Server, s.logger)
	if err != nil {
		return fmt.Errorf("supervisor: tcp listen: %w", err)
	}
	udp, err := listener.ListenUDP(s.cfg.Statsd.Bind, s.Server)
	if err != nil {
		tcp.Destroy()
		return fmt.Errorf("supervisor: udp listen: %w", err)
	}
	return s.serve(tcp, udp)
}

// ServeInherited builds TCP and UDP listeners from file descriptors
// handed down by a parent process during a hot restart, instead of
// binding fresh sockets, then serves exactly as ListenAndServe does.
func (s *Supervisor) ServeInherited(tcpFD, udpFD uintptr) error {
	tcp, err := listener.InheritTCP(tcpFD, s.Server, s.logger)
	if err != nil {
		return fmt.Errorf("supervisor: inherit tcp fd %d: %w", tcpFD, err)
	}
	udp, err := listener.InheritUDP(udpFD, s.Server)
	if err != nil {
		tcp.Destroy()
		return fmt.Errorf("supervisor: inherit udp fd %d: %w", udpFD, err)
	}
	return s.serve(tcp, udp)
}

func (s *Supervisor) serve(tcp *listener.TCP, udp *listener.UDP) error {
	s.TCP, s.UDP = tcp, udp

	// selfStatsInterval matches the wire contract's fixed 1-second
	// self-stats cadence; StartSelfStats is a no-op when no monitor
	// group is configured.
	const selfStatsInterval = time.Second
	s.Server.StartSelfStats(selfStatsInterval)
	s.metricsSrv = s.metrics.Serve(metrics.Config{Addr: s.cfg.Statsd.MetricsAddr})
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.TCP.Serve() }()
	go func() { defer s.wg.Done(); s.UDP.Serve() }()
	return nil
}

// ListenerFDs returns the underlying file descriptors of the bound
// TCP and UDP sockets, for passing to a hot-restarted child process.
// Must be called after ListenAndServe or ServeInherited.
func (s *Supervisor) ListenerFDs() (tcpFD, udpFD uintptr, err error) {
	tcpFD, err = s.TCP.FD()
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: tcp fd: %w", err)
	}
	udpFD, err = s.UDP.FD()
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: udp fd: %w", err)
	}
	return tcpFD, udpFD, nil
}

// StopAccepting closes both listening sockets without touching
// sessions already in flight, the first step of a graceful shutdown
// or a hot restart handoff.
func (s *Supervisor) StopAccepting() {
	if s.TCP != nil {
		s.TCP.StopAccepting()
	}
	if s.UDP != nil {
		s.UDP.Destroy()
	}
}

// Shutdown stops accepting, waits for in-flight sessions to drain,
// stops every backend and sampler, and stops the core server's
// self-stats loop. Idempotent.
func (s *Supervisor) Shutdown() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	s.StopAccepting()
	if s.TCP != nil {
		s.TCP.ShutdownSessions()
	}
	s.wg.Wait()
	s.Server.Stop()
	metrics.Shutdown(s.metricsSrv)

	// Stop every sampler before destroying backends: a sampler's flush
	// loop calls back into its group's routeRaw, which enqueues onto a
	// backend, so it must be stopped first or it can flush into an
	// already-destroyed backend.
	s.primary.StopSampler()
	for _, g := range s.duplicates {
		g.StopSampler()
	}
	if s.monitor != nil {
		s.monitor.StopSampler()
	}

	for _, b := range s.backends {
		b.Destroy(false)
	}
}

// Backends exposes the deduplicated registry, keyed by canonical
// "host:port:proto", for callers that need direct access (the status
// command's test harness, hot-restart fd handoff bookkeeping).
func (s *Supervisor) Backends() map[string]*backend.Backend {
	return s.backends
}
