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

// Package reduce implements the two-phase ReduceByKey/ReduceToIndex
// shuffle (C8): a pre-phase that locally aggregates values by key and
// routes each partition to its destination worker, and a post-phase
// that finishes the reduction worker-side using either of two
// interchangeable table flavors (a bucket-chained hash table or an
// open-addressed probing table), spilling to scratch Files and
// iteratively re-reducing with a freshly salted hash whenever the
// in-memory tables would otherwise overflow. Re-reduction is capped at
// maxReduceIterations; a partition that still doesn't fit falls back
// to sortedGroupBy, a bounded-memory sort-based group-by, rather than
// recursing indefinitely.
package reduce

import "github.com/thrillrt/thrill/serial"

// KV is a single key/value pair as it travels through a reduce phase.
type KV[K comparable, V any] struct {
	Key   K
	Value V
}

// Func combines two values that share a key into one. It must be
// associative and commutative: the order in which partial results
// meet (across partitions, across spill iterations, across workers)
// is not guaranteed.
type Func[V any] func(a, b V) V

// KeyExtractor pulls the grouping key out of an input record.
type KeyExtractor[T any, K comparable] func(T) K

// KeyBytes renders a key as the bytes siphash mixes into a worker or
// bucket index; callers supply it because K's shape is otherwise
// opaque to a generic comparable constraint.
type KeyBytes[K comparable] func(K) []byte

// kvCodec composes a key codec and a value codec into a codec for
// KV[K, V], the same "pairs, tuples" composite rule serial.PairCodec
// applies, just over Key/Value field names instead of First/Second.
type kvCodec[K comparable, V any] struct {
	Key   serial.Codec[K]
	Value serial.Codec[V]
}

// NewKVCodec builds the Codec[KV[K, V]] a reduce table's BlockWriter/
// BlockReader pair needs from its key and value element codecs.
func NewKVCodec[K comparable, V any](key serial.Codec[K], value serial.Codec[V]) serial.Codec[KV[K, V]] {
	return kvCodec[K, V]{Key: key, Value: value}
}

func (c kvCodec[K, V]) Encode(w *serial.ItemWriter, v KV[K, V]) {
	c.Key.Encode(w, v.Key)
	c.Value.Encode(w, v.Value)
}

func (c kvCodec[K, V]) Decode(r *serial.ItemReader) (KV[K, V], error) {
	var v KV[K, V]
	k, err := c.Key.Decode(r)
	if err != nil {
		return v, err
	}
	val, err := c.Value.Decode(r)
	if err != nil {
		return v, err
	}
	v.Key, v.Value = k, val
	return v, nil
}
