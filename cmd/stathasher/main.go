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

// Package main is stathasher: a small diagnostic tool that reports
// which shard index a key would land on for a given ring size, using
// the exact hash function internal/relay/core uses to route traffic.
// It lets an operator check a shard_map change or debug an unexpected
// routing decision without standing up a relay.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"statsrelay/pkg/ring"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stathasher", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var shards int
	fs.IntVar(&shards, "n", 0, "number of shards to hash against (required)")

	var shardMap string
	fs.StringVar(&shardMap, "shard-map", "", "comma-separated shard_map entries; overrides -n with their count")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: stathasher -n SHARDS [key ...]")
		fmt.Fprintln(stderr, "       stathasher --shard-map host:port:proto,... [key ...]")
		fmt.Fprintln(stderr, "reads keys from stdin (one per line) when none are given as arguments")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if shardMap != "" {
		shards = len(strings.Split(shardMap, ","))
	}
	if shards <= 0 {
		fmt.Fprintln(stderr, "stathasher: -n (or --shard-map) must name at least one shard")
		return 2
	}

	members := make([]int, shards)
	for i := range members {
		members[i] = i
	}
	r := ring.New(members)

	keys := fs.Args()
	if len(keys) > 0 {
		for _, k := range keys {
			printShard(stdout, r, k)
		}
		return 0
	}

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		k := scanner.Text()
		if k == "" {
			continue
		}
		printShard(stdout, r, k)
	}
	return 0
}

func printShard(w io.Writer, r *ring.Ring[int], key string) {
	idx, ok := r.ChooseKey(key)
	if !ok {
		fmt.Fprintf(w, "%s\t-\n", key)
		return
	}
	fmt.Fprintf(w, "%s\t%d\n", key, idx)
}
