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

package buffer

import "testing"

func TestAppendConsume(t *testing.T) {
	b := New(16, 0)
	if !b.Append([]byte("hello")) {
		t.Fatalf("expected append to succeed")
	}
	if got := b.DataCount(); got != 5 {
		t.Fatalf("DataCount() = %d, want 5", got)
	}
	b.Consume(2)
	if got := string(b.Bytes()); got != "llo" {
		t.Fatalf("Bytes() = %q, want %q", got, "llo")
	}
}

func TestConsumeUntilFindsDelimiter(t *testing.T) {
	b := New(32, 0)
	b.Append([]byte("a.b.c:1|c\nfoo:2|c\npartial"))

	line, ok := b.ConsumeUntil('\n')
	if !ok || string(line) != "a.b.c:1|c" {
		t.Fatalf("got (%q,%v), want (\"a.b.c:1|c\", true)", line, ok)
	}
	line, ok = b.ConsumeUntil('\n')
	if !ok || string(line) != "foo:2|c" {
		t.Fatalf("got (%q,%v), want (\"foo:2|c\", true)", line, ok)
	}
	_, ok = b.ConsumeUntil('\n')
	if ok {
		t.Fatalf("expected no delimiter in remaining partial line")
	}
	if got := string(b.Bytes()); got != "partial" {
		t.Fatalf("remaining = %q, want %q", got, "partial")
	}
}

func TestRealignReclaimsSpace(t *testing.T) {
	b := New(8, 0)
	b.Append([]byte("abcd"))
	b.Consume(4)
	if b.SpaceCount() != 4 {
		t.Fatalf("SpaceCount() = %d, want 4 before realign", b.SpaceCount())
	}
	b.Append([]byte("wxyz"))
	if !b.Append([]byte("p")) {
		// space exhausted; realign then retry
		b.Realign()
		if !b.Append([]byte("p")) {
			t.Fatalf("expected append to succeed after realign")
		}
	}
}

func TestExpandDoublesUpToCap(t *testing.T) {
	b := New(4, 8)
	if err := b.Expand(); err != nil {
		t.Fatalf("first expand: %v", err)
	}
	if got := b.Len(); got != 8 {
		t.Fatalf("Len() = %d, want 8", got)
	}
	if err := b.Expand(); err == nil {
		t.Fatalf("expected ErrCapacityExceeded once at cap")
	}
}

func TestEnsureSpaceRealignsBeforeExpanding(t *testing.T) {
	b := New(8, 8)
	b.Append([]byte("abcdefgh"))
	b.Consume(8)
	if !b.EnsureSpace(8) {
		t.Fatalf("expected realign alone to satisfy the request")
	}
	if b.Len() != 8 {
		t.Fatalf("EnsureSpace should not have grown the buffer, Len()=%d", b.Len())
	}
}

func TestInvariantsHold(t *testing.T) {
	b := New(16, 0)
	b.Append([]byte("0123456789"))
	b.Consume(3)
	if b.DataCount() != b.tail-b.head {
		t.Fatalf("datacount invariant broken")
	}
	if b.SpaceCount() != b.Len()-b.tail {
		t.Fatalf("spacecount invariant broken")
	}
}
