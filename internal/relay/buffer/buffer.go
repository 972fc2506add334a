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

// Package buffer implements a fixed-capacity byte window with separate
// head/tail cursors, used both for session input (accumulating partial
// TCP reads until a newline appears) and per-backend output queues
// (accumulating bytes to send, bounded by max_send_queue). It never
// reallocates on its own; growth only happens through an explicit
// Expand call, and the caller decides when that is allowed.
package buffer

import "errors"

// ErrCapacityExceeded is returned by Expand when doubling would exceed
// the buffer's configured cap.
var ErrCapacityExceeded = errors.New("buffer: capacity exceeded")

// Buffer is a contiguous byte window over a heap region of size `size`.
// Invariant: 0 <= head <= tail <= size. datacount = tail-head;
// spacecount = size-tail (the only immediately-appendable space; use
// Realign to reclaim space consumed from the front).
type Buffer struct {
	data []byte
	head int
	tail int
	cap  int // hard upper bound on len(data); 0 means unbounded
}

// New allocates a Buffer with the given initial size and an optional
// hard cap (0 disables the cap, allowing unbounded Expand).
func New(initialSize, hardCap int) *Buffer {
	return &Buffer{data: make([]byte, initialSize), cap: hardCap}
}

// Len returns the current capacity of the backing array.
func (b *Buffer) Len() int { return len(b.data) }

// DataCount returns the number of unconsumed bytes currently buffered.
func (b *Buffer) DataCount() int { return b.tail - b.head }

// SpaceCount returns the number of bytes immediately appendable without
// a Realign or Expand.
func (b *Buffer) SpaceCount() int { return len(b.data) - b.tail }

// Bytes returns the unconsumed window [head:tail). The returned slice
// aliases the buffer's storage and is invalidated by the next mutating
// call.
func (b *Buffer) Bytes() []byte { return b.data[b.head:b.tail] }

// Append writes p at the tail if there is enough SpaceCount, advancing
// tail. It does not Realign or Expand on its own — callers on a bounded
// queue (e.g. backend sendall) must do that explicitly so they can
// apply their own QueueFull policy.
func (b *Buffer) Append(p []byte) bool {
	if len(p) > b.SpaceCount() {
		return false
	}
	copy(b.data[b.tail:], p)
	b.tail += len(p)
	return true
}

// Tail returns the writable region after tail, for a reader (e.g.
// net.Conn.Read) to write into directly. Call Produce afterward with
// the number of bytes actually written.
func (b *Buffer) Tail() []byte { return b.data[b.tail:] }

// Produce records that n bytes were written directly into the tail
// region (e.g. by a net.Conn.Read into b.data[b.tail:]) without going
// through Append.
func (b *Buffer) Produce(n int) {
	b.tail += n
	if b.tail > len(b.data) {
		b.tail = len(b.data)
	}
}

// Consume advances head by n, discarding that many bytes from the
// front of the unconsumed window. n is clamped to DataCount.
func (b *Buffer) Consume(n int) {
	if n > b.DataCount() {
		n = b.DataCount()
	}
	b.head += n
}

// ConsumeUntil scans the unconsumed window for the first occurrence of
// delim and, if found, returns the bytes strictly before it (still
// owned by the buffer — copy them out if they must outlive the next
// mutating call) and consumes through and including the delimiter.
// found is false if delim does not appear yet.
func (b *Buffer) ConsumeUntil(delim byte) (line []byte, found bool) {
	window := b.data[b.head:b.tail]
	for i, c := range window {
		if c == delim {
			line = window[:i]
			b.Consume(i + 1)
			return line, true
		}
	}
	return nil, false
}

// Realign moves the unconsumed window [head:tail) to the start of the
// backing array, reclaiming the space already consumed. It is a no-op
// if head is already 0.
func (b *Buffer) Realign() {
	if b.head == 0 {
		return
	}
	n := copy(b.data, b.data[b.head:b.tail])
	b.head = 0
	b.tail = n
}

// Expand doubles the backing array's capacity, up to the configured
// hard cap (a cap of 0 means unbounded). It returns ErrCapacityExceeded
// if the buffer is already at cap and cannot grow further.
func (b *Buffer) Expand() error {
	cur := len(b.data)
	next := cur * 2
	if next == 0 {
		next = 4096
	}
	if b.cap > 0 && cur >= b.cap {
		return ErrCapacityExceeded
	}
	if b.cap > 0 && next > b.cap {
		next = b.cap
	}
	grown := make([]byte, next)
	copy(grown, b.data[:b.tail])
	b.data = grown
	return nil
}

// EnsureSpace is a convenience that Realigns and, if that is not
// enough, Expands (possibly repeatedly) until at least `need` bytes of
// SpaceCount are available or growth is exhausted. It returns false if
// `need` bytes could not be made available.
func (b *Buffer) EnsureSpace(need int) bool {
	if b.SpaceCount() >= need {
		return true
	}
	b.Realign()
	if b.SpaceCount() >= need {
		return true
	}
	for b.SpaceCount() < need {
		if err := b.Expand(); err != nil {
			return false
		}
	}
	return true
}

// Reset discards all buffered data without shrinking the backing array.
func (b *Buffer) Reset() {
	b.head, b.tail = 0, 0
}
