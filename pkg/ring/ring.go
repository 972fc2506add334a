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

// Package ring implements the fixed, modulo-based consistent hash ring
// used to assign a statsd metric key to one of a backend group's
// destinations. The hash function and its seed are a public contract:
// the same key must map to the same shard index across restarts and
// across process versions, so neither may change without breaking
// existing deployments.
package ring

// seed is the fixed MurmurHash3 seed. This value MUST NOT change: it
// is the contract that makes key->shard assignment stable across
// restarts.
const seed uint32 = 0xACCD3D34

// Hash computes the 32-bit MurmurHash3 (single-chunk variant) of key
// using the fixed seed above.
func Hash(key string) uint32 {
	return murmur3_32([]byte(key), seed)
}

// Ring is an ordered, fixed sequence of backend handles of type T. Its
// membership is immutable after construction; a zero-length ring is
// legal and means "drop" (the owning group contributes nothing).
type Ring[T any] struct {
	members []T
}

// New builds a ring over members in the given order. The order is
// significant: shard_of(hash) = hash mod len(members), so reordering
// members changes key assignment.
func New[T any](members []T) *Ring[T] {
	r := &Ring[T]{members: make([]T, len(members))}
	copy(r.members, members)
	return r
}

// Len returns the number of members in the ring.
func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.members)
}

// ShardOf maps a precomputed hash to a member index. ok is false when
// the ring has zero members, in which case idx is 0 and the caller
// must treat the key as dropped.
func (r *Ring[T]) ShardOf(hash uint32) (idx int, ok bool) {
	n := r.Len()
	if n == 0 {
		return 0, false
	}
	return int(hash % uint32(n)), true
}

// Choose returns the member selected by a precomputed hash. ok is false
// iff the ring is empty.
func (r *Ring[T]) Choose(hash uint32) (member T, ok bool) {
	idx, ok := r.ShardOf(hash)
	if !ok {
		var zero T
		return zero, false
	}
	return r.members[idx], true
}

// ChooseKey hashes key and selects a member in one call. Batch callers
// that fan out the same key across several rings should instead call
// Hash once and reuse it with Choose/ShardOf, to avoid recomputing the
// hash per group.
func (r *Ring[T]) ChooseKey(key string) (member T, ok bool) {
	return r.Choose(Hash(key))
}

// Members returns the ring's backing slice. Callers must not mutate it.
func (r *Ring[T]) Members() []T {
	if r == nil {
		return nil
	}
	return r.members
}
