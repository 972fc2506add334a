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

// Package filter provides a PCRE-backed boolean match over a metric
// key span, used both as a backend group's ingress filter and as the
// reserved point-tag matcher consulted by internal/relay/proto.
package filter

import (
	"fmt"

	"go.elara.ws/pcre"
)

// Filter is a chain of compiled patterns evaluated with boolean AND:
// Exec reports true only if every pattern in the chain matches. A
// single-element chain is the common case (one ingress filter per
// group), but the type stays a flat slice rather than a single
// pattern so a group could one day stack more than one without a
// format change.
type Filter struct {
	patterns []*pcre.Regexp
}

// Compile builds a Filter chaining one compiled pattern per expr. It
// fails with a wrapped InvalidPattern-class error on the first
// uncompilable expression.
func Compile(exprs ...string) (*Filter, error) {
	f := &Filter{patterns: make([]*pcre.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := pcre.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("filter: invalid pattern %q: %w", expr, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Exec reports whether keySpan matches every pattern in the chain. An
// empty Filter (no patterns) matches everything.
func (f *Filter) Exec(keySpan []byte) bool {
	if f == nil {
		return true
	}
	for _, re := range f.patterns {
		if !re.Match(keySpan) {
			return false
		}
	}
	return true
}

// FindTagName implements proto.TagMatcher: it reports the first
// capture group of the first pattern that matches line, letting the
// validator reuse the same PCRE engine to spot reserved point tags
// (e.g. a pattern like `__(\w+)=`) without a second regex dependency.
func (f *Filter) FindTagName(line []byte) string {
	if f == nil {
		return ""
	}
	for _, re := range f.patterns {
		m := re.FindSubmatch(line)
		if len(m) >= 2 {
			return string(m[1])
		}
	}
	return ""
}
