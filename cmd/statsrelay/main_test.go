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
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "statsrelay.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRun_VersionExitsZeroWithoutConfig(t *testing.T) {
	if code := run([]string{"--version"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRun_MissingConfigFlagExitsOne(t *testing.T) {
	if code := run([]string{}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRun_CheckConfigValid(t *testing.T) {
	path := writeConfig(t, `
[statsd]
bind = "127.0.0.1:0"
shard_map = ["10.0.0.1:8125:tcp"]
`)
	if code := run([]string{"-c", path, "-t"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRun_CheckConfigInvalid(t *testing.T) {
	path := writeConfig(t, `
[statsd]
bind = "127.0.0.1:0"
`)
	if code := run([]string{"-c", path, "--check-config"}); code != 1 {
		t.Fatalf("exit code = %d, want 1 (empty shard_map)", code)
	}
}

func TestRun_UnknownFlagExitsOne(t *testing.T) {
	if code := run([]string{"--not-a-real-flag"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
