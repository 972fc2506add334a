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

// Package core wires the line validator, the hash ring, and backend
// groups into the relay's data plane: TCP session handling, UDP
// datagram handling, the "status" diagnostic command, and the
// self-stats flush. It has no knowledge of listeners, configuration
// files, or signals — those are external collaborators per the
// module layout.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"statsrelay/internal/relay/group"
	"statsrelay/internal/relay/logging"
	"statsrelay/internal/relay/metrics"
	"statsrelay/internal/relay/proto"
	"statsrelay/pkg/counter"
	"statsrelay/pkg/ring"
)

// Counters are the server-level observables named in the data model.
type Counters struct {
	BytesRecvTCP     counter.Striped
	BytesRecvUDP     counter.Striped
	TotalConnections counter.Striped
	MalformedLines   counter.Striped
	LastReload       atomic.Int64 // unix seconds
}

// Options configures a Server.
type Options struct {
	// SkipValidation, when true, skips the validator and forwards every
	// line through the groups unparsed (bytes passed through verbatim,
	// hashed on the span before the last ':', or on the whole line when
	// it has no ':'). The zero value validates, so
	// constructing Options{} without setting this field matches the
	// statsd.validate default of true.
	SkipValidation bool
	// TagMatcher enables reserved point-tag rejection when non-nil.
	TagMatcher proto.TagMatcher
	Primary    *group.Group
	Duplicates []*group.Group
	Monitor    *group.Group // optional, routed to only by self-stats
	// Registry is the process-scoped backend dedup map, keyed by
	// canonical host:port:proto. Used only for self-stats/status
	// enumeration here; construction and dedup happen in supervisor.
	Registry map[string]BackendStatus
	Logger   logging.Logger
	Metrics  *metrics.Collector
}

// BackendStatus is the minimal read-only view of a backend the core
// needs for self-stats and the status dump, so this package does not
// have to import internal/relay/backend for anything beyond display.
type BackendStatus struct {
	Proto        string
	BytesQueued  func() int64
	BytesSent    func() int64
	RelayedLines func() int64
	DroppedLines func() int64
}

// Server is the relay's data plane: one primary group, zero or more
// duplicate groups, and an optional monitor group reserved for
// self-stats.
type Server struct {
	opts     Options
	Counters Counters

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped uint32
}

// New builds a Server. opts.Primary must be non-nil.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard{}
	}
	return &Server{opts: opts, stopCh: make(chan struct{})}
}

// StartSelfStats launches the self-stats flush loop at the given
// interval (1s per the wire contract) if a monitor group is
// configured. No-op otherwise.
func (s *Server) StartSelfStats(interval time.Duration) {
	if s.opts.Monitor == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.selfStatsLoop(interval)
	}()
}

// Stop terminates the self-stats loop. Idempotent.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

// routeLine validates rawLine (which excludes any trailing newline)
// and, on success, fans it out to the primary group followed by each
// duplicate group in configuration order. On failure it increments
// MalformedLines and returns the validation error so the TCP path can
// close the offending session; the UDP path ignores the error and
// continues with the rest of the datagram.
//
// When SkipValidation is true the line is forwarded unparsed: the key span
// is taken up to the last ':' exactly as the validator would, but the
// value/type/sample-rate are never decoded, so a group's sampler
// always sees MetricType's zero value and falls through to NotSampling.
func (s *Server) routeLine(rawLine []byte) error {
	var keyLen int
	var parsed proto.Parsed
	if s.opts.SkipValidation {
		keyLen = bytes.LastIndexByte(rawLine, ':')
		if keyLen < 0 {
			keyLen = len(rawLine)
		}
	} else {
		p, err := proto.Parse(rawLine, s.opts.TagMatcher)
		if err != nil {
			s.Counters.MalformedLines.Add(1)
			s.opts.Metrics.IncMalformedLine()
			return err
		}
		parsed = p
		keyLen = len(p.Key)
	}

	egress := make([]byte, len(rawLine)+1)
	copy(egress, rawLine)
	egress[len(rawLine)] = '\n'
	keySpan := egress[:keyLen]
	hash := ring.Hash(string(keySpan))

	s.opts.Primary.Route(egress, keySpan, hash, parsed)
	for _, d := range s.opts.Duplicates {
		d.Route(egress, keySpan, hash, parsed)
	}
	return nil
}

// ServeTCP runs one session to completion: reads, splits on '\n',
// recognizes the "status" command, validates and routes every other
// line, and closes the session on the first malformed line (TCP only
// — UDP treats malformed lines as skippable).
func (s *Server) ServeTCP(conn net.Conn) {
	s.Counters.TotalConnections.Add(1)
	s.opts.Metrics.IncConnection()
	defer conn.Close()

	buf := newSessionBuffer()
	for {
		if !buf.ensureSpace(4096) {
			s.opts.Logger.Warnf("core: session input buffer exhausted, closing")
			return
		}
		n, err := conn.Read(buf.tail())
		if n > 0 {
			s.Counters.BytesRecvTCP.Add(int64(n))
			s.opts.Metrics.AddBytesReceived("tcp", int64(n))
			buf.produce(n)
			for {
				line, ok := buf.consumeLine()
				if !ok {
					break
				}
				if len(line) == 0 {
					continue
				}
				if string(line) == "status" {
					s.writeStatus(conn)
					continue
				}
				if err := s.routeLine(line); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// ServeUDP reads datagrams from conn until the caller closes conn to
// unblock this call on shutdown. Each newline-delimited line within a
// datagram is validated and routed independently; a malformed line
// never aborts the rest of the datagram.
func (s *Server) ServeUDP(conn net.PacketConn) {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			continue
		}
		s.Counters.BytesRecvUDP.Add(int64(n))
		s.opts.Metrics.AddBytesReceived("udp", int64(n))
		datagram := buf[:n]
		for len(datagram) > 0 {
			idx := bytes.IndexByte(datagram, '\n')
			var line []byte
			if idx < 0 {
				line, datagram = datagram, nil
			} else {
				line, datagram = datagram[:idx], datagram[idx+1:]
			}
			if len(line) == 0 {
				continue
			}
			_ = s.routeLine(line)
		}
	}
}

// writeStatus emits the plain-text counter dump described in the
// wire protocol: one "{scope} {name} {kind} {value}" line per
// counter, terminated by an empty line. The session stays open.
func (s *Server) writeStatus(conn net.Conn) {
	var b bytes.Buffer
	for _, line := range s.statusLines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	conn.Write(b.Bytes())
}

func (s *Server) statusLines() []string {
	lines := []string{
		fmt.Sprintf("server bytes_recv_tcp counter %d", s.Counters.BytesRecvTCP.Sum()),
		fmt.Sprintf("server bytes_recv_udp counter %d", s.Counters.BytesRecvUDP.Sum()),
		fmt.Sprintf("server total_connections counter %d", s.Counters.TotalConnections.Sum()),
		fmt.Sprintf("server malformed_lines counter %d", s.Counters.MalformedLines.Sum()),
	}
	for i, g := range s.allGroups() {
		lines = append(lines,
			fmt.Sprintf("group_%d relayed_lines counter %d", i, g.Counters.RelayedLines.Sum()),
			fmt.Sprintf("group_%d filtered_lines counter %d", i, g.Counters.FilteredLines.Sum()),
		)
	}
	for key, b := range s.opts.Registry {
		esc := escapeBackendKey(key, b.Proto)
		lines = append(lines,
			fmt.Sprintf("backend_%s bytes_queued counter %d", esc, b.BytesQueued()),
			fmt.Sprintf("backend_%s bytes_sent counter %d", esc, b.BytesSent()),
			fmt.Sprintf("backend_%s relayed_lines counter %d", esc, b.RelayedLines()),
			fmt.Sprintf("backend_%s dropped_lines counter %d", esc, b.DroppedLines()),
		)
	}
	return lines
}

func (s *Server) allGroups() []*group.Group {
	all := make([]*group.Group, 0, 1+len(s.opts.Duplicates))
	all = append(all, s.opts.Primary)
	all = append(all, s.opts.Duplicates...)
	return all
}

var keyEscaper = strings.NewReplacer(".", "_", ":", "_")

// escapeBackendKey implements the self-stats naming rule: replace '.'
// and ':' in the canonical key with '_', then append ".{proto}".
func escapeBackendKey(key, proto string) string {
	return keyEscaper.Replace(key) + "." + proto
}

func (s *Server) selfStatsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.emitSelfStats()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) emitSelfStats() {
	emit := func(name string, value int64) {
		key := name
		line := []byte(fmt.Sprintf("%s:%d|g\n", key, value))
		s.opts.Monitor.RouteRaw(line, []byte(key), ring.Hash(key))
	}

	emit("global.bytes_recv_tcp", s.Counters.BytesRecvTCP.Sum())
	emit("global.bytes_recv_udp", s.Counters.BytesRecvUDP.Sum())
	emit("global.total_connections", s.Counters.TotalConnections.Sum())
	emit("global.malformed_lines", s.Counters.MalformedLines.Sum())

	for i, g := range s.allGroups() {
		emit(fmt.Sprintf("group_%d.relayed_lines", i), g.Counters.RelayedLines.Sum())
		emit(fmt.Sprintf("group_%d.filtered_lines", i), g.Counters.FilteredLines.Sum())
	}

	for key, b := range s.opts.Registry {
		esc := escapeBackendKey(key, b.Proto)
		emit(fmt.Sprintf("backend_%s.bytes_queued", esc), b.BytesQueued())
		emit(fmt.Sprintf("backend_%s.bytes_sent", esc), b.BytesSent())
		emit(fmt.Sprintf("backend_%s.relayed_lines", esc), b.RelayedLines())
		emit(fmt.Sprintf("backend_%s.dropped_lines", esc), b.DroppedLines())
	}
}
