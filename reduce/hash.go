// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package reduce

import "github.com/dchest/siphash"

// partitioner turns a key into a 0..n-1 index by siphashing its bytes
// and scaling the 64-bit digest down by integer division, the same
// "hashBlob / (maxUint64/n)" idiom a sneller worker-assignment
// splitter uses to route a blob to one of its peers by hashed ETag.
// salt is folded into the first siphash key so a spilled partition can
// be replayed through a fresh, differently-salted partitioner on its
// next iteration without colliding with the previous round's
// distribution.
type partitioner[K comparable] struct {
	keyBytes KeyBytes[K]
	k0, k1   uint64
}

const (
	baseKey0 = uint64(0x5d1ec810)
	baseKey1 = uint64(0xfebed702)
)

// newPartitioner constructs a partitioner salted for iteration it
// (iteration 0 is the initial, unsalted pass).
func newPartitioner[K comparable](kb KeyBytes[K], salt uint64) *partitioner[K] {
	return &partitioner[K]{keyBytes: kb, k0: baseKey0 ^ salt, k1: baseKey1}
}

func (p *partitioner[K]) hash(k K) uint64 {
	return siphash.Hash(p.k0, p.k1, p.keyBytes(k))
}

// index returns the hashed key's slot in 0..n-1. n must be >= 1.
func (p *partitioner[K]) index(k K, n int) int {
	if n <= 1 {
		return 0
	}
	maxUint64 := ^uint64(0)
	idx := int(p.hash(k) / (maxUint64 / uint64(n)))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// bucket derives a second, independent-ish index from the same
// siphash digest index uses (its low bits instead of a scaled high-bit
// division); it recomputes that digest rather than sharing index's.
func (p *partitioner[K]) bucket(k K, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	return int(p.hash(k) % uint64(buckets))
}

// scaledIndex maps a numeric key directly onto 0..n-1 by linear
// projection (k*n/total), the index function ReduceToIndex uses in
// place of hashing: every destination index is reachable and the
// mapping is monotonic in k, which lets an index-keyed reduction
// leave untouched indices to be filled with a neutral element instead
// of silently dropping them the way an unlucky hash collision set
// would.
func scaledIndex(k, total uint64, n int) int {
	if n <= 1 || total == 0 {
		return 0
	}
	idx := int((k * uint64(n)) / total)
	if idx >= n {
		idx = n - 1
	}
	return idx
}
