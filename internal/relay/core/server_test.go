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

package core

import (
	"bufio"
	"net"
	"testing"
	"time"

	"statsrelay/internal/relay/backend"
	"statsrelay/internal/relay/group"
	"statsrelay/pkg/ring"
)

// listeningBackend starts a TCP echo-less sink and returns a live
// *backend.Backend pointed at it, so routed lines can be observed.
func listeningBackend(t *testing.T) (*backend.Backend, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	received := make(chan []byte, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer ln.Close()
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				received <- append([]byte(nil), line...)
			}
			if err != nil {
				return
			}
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	b := backend.New(host, port, "tcp", backend.Options{MaxSendQueue: 4096})
	b.Start()
	t.Cleanup(func() { b.Destroy(true) })
	return b, received
}

func newTestServer(t *testing.T) (*Server, <-chan []byte) {
	t.Helper()
	b, received := listeningBackend(t)
	primary := group.New(ring.New([]*backend.Backend{b}), "", "", nil, nil)
	return New(Options{Primary: primary}), received
}

func TestServeTCP_ParseAndRoute(t *testing.T) {
	s, received := newTestServer(t)

	c1, c2 := net.Pipe()
	go s.ServeTCP(c2)

	line := "a.b.c.__tag1=v1.__tag2=v2.count:42.000|ms\n"
	go func() {
		c1.Write([]byte(line))
	}()

	select {
	case got := <-received:
		if string(got) != line {
			t.Fatalf("egress = %q, want %q", got, line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for routed line")
	}

	if got := s.Counters.MalformedLines.Sum(); got != 0 {
		t.Fatalf("MalformedLines = %d, want 0", got)
	}
	c1.Close()
}

func TestServeTCP_MalformedLineClosesSession(t *testing.T) {
	s, _ := newTestServer(t)

	c1, c2 := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.ServeTCP(c2)
		close(done)
	}()

	go func() {
		c1.Write([]byte("not-a-valid-line\n"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ServeTCP to return after a malformed line")
	}

	if got := s.Counters.MalformedLines.Sum(); got != 1 {
		t.Fatalf("MalformedLines = %d, want 1", got)
	}
	c1.Close()
}

func TestServeUDP_MalformedLineDoesNotStopProcessing(t *testing.T) {
	s, received := newTestServer(t)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	go s.ServeUDP(pc)

	client, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	datagram := "bad-line\nfoo:1|c\n"
	if _, err := client.Write([]byte(datagram)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "foo:1|c\n" {
			t.Fatalf("egress = %q, want %q", got, "foo:1|c\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the valid line to route")
	}

	if got := s.Counters.MalformedLines.Sum(); got != 1 {
		t.Fatalf("MalformedLines = %d, want 1", got)
	}
}

func TestEscapeBackendKey(t *testing.T) {
	got := escapeBackendKey("10.0.0.1:8125:tcp", "tcp")
	want := "10_0_0_1_8125_tcp.tcp"
	if got != want {
		t.Fatalf("escapeBackendKey = %q, want %q", got, want)
	}
}
