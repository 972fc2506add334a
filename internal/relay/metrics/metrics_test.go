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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	c.AddBytesReceived("tcp", 10)
	c.IncConnection()
	c.IncMalformedLine()
	c.IncRelayedLine()
	c.IncFilteredLine()
	c.IncSampledLine()
	c.SetBackendQueueBytes("b", 1)
	c.AddBackendBytesSent("b", 1)
	c.IncBackendRelayed("b")
	c.IncBackendDropped("b")
	c.IncBackendConnectAttempt("b", "success")
	c.Serve(Config{})
	Shutdown(nil)
}

func TestCollector_ExposesCountersOverHTTP(t *testing.T) {
	c := New()
	c.IncRelayedLine()
	c.IncRelayedLine()
	c.AddBytesReceived("tcp", 42)
	c.IncBackendRelayed("10.0.0.1:8125:tcp")

	srv := httptest.NewServer(promhttpHandler(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])

	if !strings.Contains(body, "statsrelay_relayed_lines_total 2") {
		t.Fatalf("body missing relayed_lines_total=2: %s", body)
	}
	if !strings.Contains(body, `statsrelay_bytes_received_total{transport="tcp"} 42`) {
		t.Fatalf("body missing bytes_received_total: %s", body)
	}
}

func promhttpHandler(c *Collector) http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
