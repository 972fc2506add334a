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

// Package listener owns the TCP acceptor and UDP socket that feed
// internal/relay/core's Server. It also supports hot restart: a
// listener can be built from a file descriptor inherited through the
// environment instead of binding fresh, so a replacement process
// picks up traffic without a connection gap.
package listener

import (
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"statsrelay/internal/relay/core"
	"statsrelay/internal/relay/logging"
)

// TCPListenerEnvVar and UDPListenerEnvVar carry an inherited file
// descriptor number across a hot-restart fork+exec, per the wire
// contract's environment section.
const (
	TCPListenerEnvVar = "STATSRELAY_LISTENER_TCP_SD"
	UDPListenerEnvVar = "STATSRELAY_LISTENER_UDP_SD"
)

// TCP is a TCP acceptor bound to one address, dispatching one
// goroutine per accepted session to server.ServeTCP.
type TCP struct {
	ln      net.Listener
	server  *core.Server
	logger  logging.Logger
	dupFile *os.File // cached by FD, see its comment

	wg        sync.WaitGroup
	accepting atomic.Bool
	stopCh    chan struct{}
}

// ListenTCP binds addr fresh ("SO_REUSEADDR"-equivalent is Go's
// default for TCP listeners; backlog is managed by the runtime).
func ListenTCP(addr string, server *core.Server, logger logging.Logger) (*TCP, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTCP(ln, server, logger), nil
}

// InheritTCP builds a TCP listener from a file descriptor inherited
// via a hot restart, rather than binding a fresh socket.
func InheritTCP(fd uintptr, server *core.Server, logger logging.Logger) (*TCP, error) {
	f := os.NewFile(fd, "inherited-tcp-listener")
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	return newTCP(ln, server, logger), nil
}

func newTCP(ln net.Listener, server *core.Server, logger logging.Logger) *TCP {
	if logger == nil {
		logger = logging.Discard{}
	}
	t := &TCP{ln: ln, server: server, logger: logger, stopCh: make(chan struct{})}
	t.accepting.Store(true)
	return t
}

// Addr returns the bound address. The descriptor for a hot-restarted
// child comes from FD.
func (t *TCP) Addr() net.Addr { return t.ln.Addr() }

// FD returns the listener's underlying file descriptor for handoff to
// a hot-restarted child process. Only valid for *net.TCPListener. The
// duplicated *os.File backing the returned descriptor is cached on t
// so it is never finalized (and closed) out from under a caller that
// only kept the bare uintptr, e.g. across an exec.Cmd.Start call.
func (t *TCP) FD() (uintptr, error) {
	if t.dupFile != nil {
		return t.dupFile.Fd(), nil
	}
	tl, ok := t.ln.(*net.TCPListener)
	if !ok {
		return 0, os.ErrInvalid
	}
	f, err := tl.File()
	if err != nil {
		return 0, err
	}
	t.dupFile = f
	return f.Fd(), nil
}

// Serve accepts connections until StopAccepting or Destroy closes the
// listener. Each accepted connection is served on its own goroutine.
func (t *TCP) Serve() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		if !t.accepting.Load() {
			conn.Close()
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.server.ServeTCP(conn)
		}()
	}
}

// StopAccepting removes the accept watcher (by closing the listener
// socket) without touching any session already in flight.
func (t *TCP) StopAccepting() {
	t.accepting.Store(false)
	t.ln.Close()
}

// ShutdownSessions waits for in-flight sessions to finish. Sessions
// observe EOF/error from their own conn.Read once the remote side
// closes or the supervisor's quiet-wait elapses; this call only
// blocks until they have actually exited.
func (t *TCP) ShutdownSessions() {
	t.wg.Wait()
}

// Destroy stops accepting (idempotent with StopAccepting) and waits
// for sessions to drain.
func (t *TCP) Destroy() {
	t.StopAccepting()
	t.ShutdownSessions()
}

// UDP is a single non-blocking UDP socket; there are no sessions.
type UDP struct {
	conn    net.PacketConn
	server  *core.Server
	done    chan struct{}
	dupFile *os.File // cached by FD, see TCP.FD's comment
}

// ListenUDP binds addr fresh.
func ListenUDP(addr string, server *core.Server) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn, server: server, done: make(chan struct{})}, nil
}

// InheritUDP builds a UDP listener from an inherited file descriptor.
func InheritUDP(fd uintptr, server *core.Server) (*UDP, error) {
	f := os.NewFile(fd, "inherited-udp-listener")
	conn, err := net.FilePacketConn(f)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn, server: server, done: make(chan struct{})}, nil
}

// Addr returns the bound address.
func (u *UDP) Addr() net.Addr { return u.conn.LocalAddr() }

// FD returns the underlying file descriptor for hot-restart handoff.
func (u *UDP) FD() (uintptr, error) {
	if u.dupFile != nil {
		return u.dupFile.Fd(), nil
	}
	pc, ok := u.conn.(*net.UDPConn)
	if !ok {
		return 0, os.ErrInvalid
	}
	f, err := pc.File()
	if err != nil {
		return 0, err
	}
	u.dupFile = f
	return f.Fd(), nil
}

// Serve reads datagrams until Destroy closes the socket.
func (u *UDP) Serve() {
	u.server.ServeUDP(u.conn)
	close(u.done)
}

// Destroy closes the socket, unblocking Serve.
func (u *UDP) Destroy() {
	u.conn.Close()
	<-u.done
}

// ParseInheritedFD parses an environment variable's file-descriptor
// number (as passed via TCPListenerEnvVar/UDPListenerEnvVar).
func ParseInheritedFD(envValue string) (uintptr, bool) {
	if envValue == "" {
		return 0, false
	}
	n, err := strconv.Atoi(envValue)
	if err != nil || n < 0 {
		return 0, false
	}
	return uintptr(n), true
}
