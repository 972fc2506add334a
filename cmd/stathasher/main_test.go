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

package main

import (
	"bytes"
	"strings"
	"testing"

	"statsrelay/pkg/ring"
)

func TestRun_HashesArgumentKeys(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-n", "4", "foo", "bar"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr = %q", code, errOut.String())
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), out.String())
	}
}

func TestRun_HashesStdinWhenNoArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-n", "4"}, strings.NewReader("foo\nbar\n\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr = %q", code, errOut.String())
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (blank line skipped): %q", len(lines), out.String())
	}
}

func TestRun_ShardMapOverridesShardCount(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"--shard-map", "a:1:tcp,b:2:tcp,c:3:tcp", "foo"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr = %q", code, errOut.String())
	}
	if !strings.Contains(out.String(), "foo\t") {
		t.Fatalf("output missing key: %q", out.String())
	}
}

func TestRun_RejectsZeroShards(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"-n", "0"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestPrintShard_MatchesRingChooseKey(t *testing.T) {
	r := ring.New([]int{0, 1, 2})
	want, ok := r.ChooseKey("foo")
	if !ok {
		t.Fatalf("ChooseKey unexpectedly dropped")
	}
	var out bytes.Buffer
	printShard(&out, r, "foo")
	got := strings.TrimSpace(out.String())
	wantLine := "foo\t" + itoa(want)
	if got != wantLine {
		t.Fatalf("printShard = %q, want %q", got, wantLine)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
