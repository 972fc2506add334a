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

// Package metrics is the relay's opt-in Prometheus exposition. A nil
// *Collector is always safe to call methods on (every method is a
// no-op on a nil receiver), so every internal/relay component can
// accept one unconditionally instead of branching on "is telemetry
// enabled" at each call site — the same shape internal/relay/filter
// uses for a nil Filter.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where metrics are exposed.
type Config struct {
	// Addr, when non-empty, starts a dedicated HTTP server serving
	// /metrics on this address (e.g. ":9090").
	Addr string
}

// Collector owns one registry's worth of relay-wide counters and
// gauges. Labels are used only where the label set is bounded by
// configuration (transport, backend identity) — never by metric key,
// which is unbounded and would blow up cardinality.
type Collector struct {
	registry *prometheus.Registry

	bytesReceived  *prometheus.CounterVec
	connections    prometheus.Counter
	malformedLines prometheus.Counter
	relayedLines   prometheus.Counter
	filteredLines  prometheus.Counter
	sampledLines   prometheus.Counter

	backendQueueBytes  *prometheus.GaugeVec
	backendBytesSent   *prometheus.CounterVec
	backendRelayed     *prometheus.CounterVec
	backendDropped     *prometheus.CounterVec
	backendConnections *prometheus.CounterVec
}

// New builds a Collector with its own registry, so multiple relay
// instances in one process (as in tests) never collide on metric
// names.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsrelay_bytes_received_total",
			Help: "Total bytes read off the wire, by transport.",
		}, []string{"transport"}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsrelay_connections_total",
			Help: "Total TCP connections accepted.",
		}),
		malformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsrelay_malformed_lines_total",
			Help: "Total lines rejected by validation.",
		}),
		relayedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsrelay_relayed_lines_total",
			Help: "Total lines forwarded to a backend across all groups.",
		}),
		filteredLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsrelay_filtered_lines_total",
			Help: "Total lines dropped by a group's ingress filter.",
		}),
		sampledLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statsrelay_sampled_lines_total",
			Help: "Total observations absorbed into a sampler summary instead of forwarded.",
		}),
		backendQueueBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "statsrelay_backend_queue_bytes",
			Help: "Current occupied bytes in a backend's outbound queue.",
		}, []string{"backend"}),
		backendBytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsrelay_backend_bytes_sent_total",
			Help: "Total bytes written to a backend's socket.",
		}, []string{"backend"}),
		backendRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsrelay_backend_relayed_lines_total",
			Help: "Total lines successfully queued for a backend.",
		}, []string{"backend"}),
		backendDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsrelay_backend_dropped_lines_total",
			Help: "Total lines dropped because a backend's queue was full.",
		}, []string{"backend"}),
		backendConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statsrelay_backend_connect_attempts_total",
			Help: "Total connection attempts made to a backend, by outcome.",
		}, []string{"backend", "outcome"}),
	}
	reg.MustRegister(
		c.bytesReceived, c.connections, c.malformedLines, c.relayedLines,
		c.filteredLines, c.sampledLines, c.backendQueueBytes, c.backendBytesSent,
		c.backendRelayed, c.backendDropped, c.backendConnections,
	)
	return c
}

// Serve starts the /metrics HTTP endpoint in the background if
// cfg.Addr is non-empty. The returned server (nil if disabled) should
// be Shutdown by the caller.
func (c *Collector) Serve(cfg Config) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// Shutdown is a small convenience so callers don't need to import
// context just to stop the server Serve returned.
func Shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func (c *Collector) AddBytesReceived(transport string, n int64) {
	if c == nil {
		return
	}
	c.bytesReceived.WithLabelValues(transport).Add(float64(n))
}

func (c *Collector) IncConnection() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) IncMalformedLine() {
	if c == nil {
		return
	}
	c.malformedLines.Inc()
}

func (c *Collector) IncRelayedLine() {
	if c == nil {
		return
	}
	c.relayedLines.Inc()
}

func (c *Collector) IncFilteredLine() {
	if c == nil {
		return
	}
	c.filteredLines.Inc()
}

func (c *Collector) IncSampledLine() {
	if c == nil {
		return
	}
	c.sampledLines.Inc()
}

func (c *Collector) SetBackendQueueBytes(backendKey string, n int64) {
	if c == nil {
		return
	}
	c.backendQueueBytes.WithLabelValues(backendKey).Set(float64(n))
}

func (c *Collector) AddBackendBytesSent(backendKey string, n int64) {
	if c == nil {
		return
	}
	c.backendBytesSent.WithLabelValues(backendKey).Add(float64(n))
}

func (c *Collector) IncBackendRelayed(backendKey string) {
	if c == nil {
		return
	}
	c.backendRelayed.WithLabelValues(backendKey).Inc()
}

func (c *Collector) IncBackendDropped(backendKey string) {
	if c == nil {
		return
	}
	c.backendDropped.WithLabelValues(backendKey).Inc()
}

func (c *Collector) IncBackendConnectAttempt(backendKey, outcome string) {
	if c == nil {
		return
	}
	c.backendConnections.WithLabelValues(backendKey, outcome).Inc()
}
