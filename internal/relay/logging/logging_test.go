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

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogrus_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogrus(&buf, "warn", nil)

	l.Debugf("should not appear")
	l.Infof("should not appear either")
	l.Warnf("visible warning %d", 1)
	l.Errorf("visible error")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug/info leaked through a warn-level logger: %q", out)
	}
	if !strings.Contains(out, "visible warning 1") || !strings.Contains(out, "visible error") {
		t.Fatalf("expected warn/error lines in output, got %q", out)
	}
}

func TestWith_AttachesFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogrus(&buf, "info", nil)
	scoped := With(base, logrus.Fields{"backend": "10.0.0.1:8125:tcp"})
	scoped.Infof("connected")

	if !strings.Contains(buf.String(), "backend=10.0.0.1:8125:tcp") {
		t.Fatalf("expected scoped field in output, got %q", buf.String())
	}
}

func TestDiscard_NeverPanics(t *testing.T) {
	var l Logger = Discard{}
	l.Debugf("x")
	l.Infof("x")
	l.Warnf("x")
	l.Errorf("x")
}
