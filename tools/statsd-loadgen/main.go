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

// statsd-loadgen is a tiny, dependency-free load generator for exercising
// a running relay. It reuses one connection per worker (UDP datagrams or
// a persistent TCP stream) so demo scripts run fast without pulling in an
// external statsd client library.
//
// Modes:
//   - single: send N counter lines for a single key
//   - zipf:   approximate 80/20 skew (hot/cold) without PRNG: send the hot
//     key most of the time, round-robin a handful of cold keys otherwise
//
// Usage examples:
//
//	statsd-loadgen -addr=127.0.0.1:8125 -mode=single -key=alice -n=50000 -c=16
//	statsd-loadgen -addr=127.0.0.1:8125 -proto=tcp -mode=zipf -hot_key=hot.1 -cold_keys=50 -n=80000 -c=16
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:8125", "Relay address, host:port")
		proto    = flag.String("proto", "udp", "Transport: udp|tcp")
		modeS    = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		key      = flag.String("key", "alice.requests", "Key for single mode")
		hotKey   = flag.String("hot_key", "hot.requests", "Hot key for zipf mode")
		coldN    = flag.Int("cold_keys", 50, "Number of cold keys to round-robin in zipf mode")
		metric   = flag.String("type", "c", "Statsd metric type suffix: c|g|ms")
		N        = flag.Int("n", 50000, "Total lines to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (1 of this period goes cold; minimum 2)")
		timeout  = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if *proto != "udp" && *proto != "tcp" {
		fmt.Fprintf(os.Stderr, "unknown -proto=%s (want udp|tcp)\n", *proto)
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_keys must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	deadline := time.Now().Add(*timeout)
	start := time.Now()
	var sent, failed int64

	worker := func(id, count int) {
		conn, err := net.Dial(*proto, *addr)
		if err != nil {
			atomic.AddInt64(&failed, int64(count))
			return
		}
		defer conn.Close()

		for i := 0; i < count; i++ {
			if time.Now().After(deadline) {
				return
			}
			var k string
			if m == modeSingle {
				k = *key
			} else if ((i + id) % *hotEvery) != 0 {
				k = *hotKey
			} else {
				idx := ((i + id) % *coldN) + 1
				k = fmt.Sprintf("cold.%d", idx)
			}
			line := fmt.Sprintf("%s:1|%s\n", k, *metric)
			if _, err := conn.Write([]byte(line)); err != nil {
				atomic.AddInt64(&failed, 1)
				continue
			}
			atomic.AddInt64(&sent, 1)
		}
	}

	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(sent) / elapsed.Seconds()
	fmt.Printf("LoadGen: proto=%s mode=%s sent=%d failed=%d c=%d go=%d Duration=%s Throughput=%.0f lines/s\n",
		*proto, m, sent, failed, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
}
