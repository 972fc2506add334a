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

import "statsrelay/internal/relay/buffer"

// sessionInitialSize and sessionHardCap bound one TCP session's input
// buffer: large enough for ordinary line bursts, capped well above
// the UDP datagram limit so one slow-reading client cannot grow
// without bound.
const (
	sessionInitialSize = 4096
	sessionHardCap     = 1 << 20
)

// sessionBuffer wraps buffer.Buffer with the realign/expand dance a
// TCP session needs before each read.
type sessionBuffer struct {
	buf *buffer.Buffer
}

func newSessionBuffer() *sessionBuffer {
	return &sessionBuffer{buf: buffer.New(sessionInitialSize, sessionHardCap)}
}

// ensureSpace grows the buffer (realign then expand) until at least n
// bytes are appendable, or reports false if that is not possible even
// at the hard cap.
func (s *sessionBuffer) ensureSpace(n int) bool { return s.buf.EnsureSpace(n) }

// tail returns the writable region for a direct conn.Read. Call
// produce afterward with the number of bytes actually read.
func (s *sessionBuffer) tail() []byte { return s.buf.Tail() }

func (s *sessionBuffer) produce(n int) { s.buf.Produce(n) }

// consumeLine returns the next newline-delimited line (with any
// trailing '\r' stripped) buffered so far, or ok=false if none is
// complete yet.
func (s *sessionBuffer) consumeLine() (line []byte, ok bool) {
	line, ok = s.buf.ConsumeUntil('\n')
	if !ok {
		return nil, false
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true
}
