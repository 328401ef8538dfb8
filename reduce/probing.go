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

import (
	"errors"
	"io"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/serial"
)

// ProbingTable is the other post-phase table flavor: a flat,
// open-addressed array per partition with one reserved sentinel key
// marking an empty slot, probed linearly on collision. It presents
// exactly the same external behavior as BucketTable (Insert,
// Finish) and differs only in storage: no chained blocks, an array
// that doubles in place when its load factor is crossed, and a spill
// that copies each entry out and resets its slot to the empty key,
// keeping the array itself, instead of freeing block by block.
type ProbingTable[K comparable, V any] struct {
	reduce   Func[V]
	emptyKey K
	keyBytes KeyBytes[K]
	part     *partitioner[K]
	salt     uint64

	partitions int
	slots      [][]KV[K, V]
	counts     []int

	loadFactor             float64
	limitItemsPerPartition int

	pool      *block.Pool
	codec     serial.Codec[KV[K, V]]
	blockSize int64

	spillFiles   []*block.File
	spillWriters []*serial.BlockWriter[KV[K, V]]
	spilled      []bool
}

// NewProbingTable constructs an empty ProbingTable. emptyKey must be a
// value no real key will ever take on; initialSlots is each
// partition's starting array size (rounded up to a power of two by
// the caller is not required, but probing degrades less gracefully if
// it isn't). loadFactor is the fraction full that triggers doubling a
// partition's array; limitItemsPerPartition caps a partition's item
// count before doubling gives way to a spill instead.
func NewProbingTable[K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	partitions, initialSlots int,
	loadFactor float64,
	limitItemsPerPartition int,
	emptyKey K,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
) *ProbingTable[K, V] {
	return newProbingTable(pool, codec, blockSize, partitions, initialSlots, loadFactor, limitItemsPerPartition, emptyKey, reduceFn, keyBytes, 0)
}

func newProbingTable[K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	partitions, initialSlots int,
	loadFactor float64,
	limitItemsPerPartition int,
	emptyKey K,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
	salt uint64,
) *ProbingTable[K, V] {
	t := &ProbingTable[K, V]{
		reduce:                 reduceFn,
		emptyKey:                emptyKey,
		keyBytes:               keyBytes,
		part:                   newPartitioner(keyBytes, salt),
		salt:                   salt,
		partitions:             partitions,
		slots:                  make([][]KV[K, V], partitions),
		counts:                 make([]int, partitions),
		loadFactor:             loadFactor,
		limitItemsPerPartition: limitItemsPerPartition,
		pool:                   pool,
		codec:                  codec,
		blockSize:              blockSize,
		spillFiles:             make([]*block.File, partitions),
		spillWriters:           make([]*serial.BlockWriter[KV[K, V]], partitions),
		spilled:                make([]bool, partitions),
	}
	for p := range t.slots {
		t.slots[p] = t.freshSlots(initialSlots)
	}
	return t
}

func (t *ProbingTable[K, V]) freshSlots(n int) []KV[K, V] {
	s := make([]KV[K, V], n)
	for i := range s {
		s[i].Key = t.emptyKey
	}
	return s
}

// Insert reduces kv into its slot if the key is already present, or
// claims the first empty slot found while probing linearly.
func (t *ProbingTable[K, V]) Insert(kv KV[K, V]) error {
	if kv.Key == t.emptyKey {
		return errors.New("reduce: key equals the table's reserved empty sentinel")
	}
	p := t.part.index(kv.Key, t.partitions)
	if err := t.insertInto(p, kv); err != nil {
		return err
	}
	if t.counts[p] >= t.limitItemsPerPartition {
		return t.spillPartition(p)
	}
	if float64(t.counts[p]) >= t.loadFactor*float64(len(t.slots[p])) {
		t.grow(p)
	}
	return nil
}

func (t *ProbingTable[K, V]) insertInto(p int, kv KV[K, V]) error {
	tbl := t.slots[p]
	n := len(tbl)
	start := t.part.bucket(kv.Key, n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if tbl[idx].Key == t.emptyKey {
			tbl[idx] = kv
			t.counts[p]++
			return nil
		}
		if tbl[idx].Key == kv.Key {
			tbl[idx].Value = t.reduce(tbl[idx].Value, kv.Value)
			return nil
		}
	}
	// Every slot occupied and no match: force a grow and retry.
	t.grow(p)
	return t.insertInto(p, kv)
}

func (t *ProbingTable[K, V]) grow(p int) {
	old := t.slots[p]
	fresh := t.freshSlots(len(old) * 2)
	t.slots[p] = fresh
	t.counts[p] = 0
	for _, kv := range old {
		if kv.Key != t.emptyKey {
			// insertInto never spills; it only grows further, and a
			// freshly doubled table cannot immediately be full again.
			_ = t.insertInto(p, kv)
		}
	}
}

func (t *ProbingTable[K, V]) spillPartition(p int) error {
	if t.counts[p] == 0 {
		return nil
	}
	if t.spillWriters[p] == nil {
		f := block.NewFile()
		sink, err := f.GetWriter()
		if err != nil {
			return err
		}
		t.spillFiles[p] = f
		t.spillWriters[p] = serial.NewBlockWriter[KV[K, V]](t.pool, sink, t.codec, t.blockSize)
	}
	w := t.spillWriters[p]
	for i, kv := range t.slots[p] {
		if kv.Key != t.emptyKey {
			if err := w.Put(kv); err != nil {
				return err
			}
			t.slots[p][i].Key = t.emptyKey
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	t.counts[p] = 0
	t.spilled[p] = true
	return nil
}

// Finish emits every fully-reduced pair across all partitions,
// re-reducing any spilled partition through a freshly salted
// sub-table until it fits entirely in memory (falling back to
// sortedGroupBy after maxReduceIterations), exactly as BucketTable
// does.
func (t *ProbingTable[K, V]) Finish(emit func(KV[K, V]) error) error {
	for p := 0; p < t.partitions; p++ {
		if err := t.finishPartition(p, emit, 1); err != nil {
			return err
		}
	}
	return nil
}

func (t *ProbingTable[K, V]) finishPartition(p int, emit func(KV[K, V]) error, iteration int) error {
	if !t.spilled[p] {
		for _, kv := range t.slots[p] {
			if kv.Key != t.emptyKey {
				if err := emit(kv); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := t.spillPartition(p); err != nil {
		return err
	}
	if err := t.spillWriters[p].Close(); err != nil {
		return err
	}
	src, err := t.spillFiles[p].GetConsumeReader()
	if err != nil {
		return err
	}
	if iteration > maxReduceIterations {
		// Re-salting hasn't shrunk this partition in maxReduceIterations
		// tries, so it genuinely holds more distinct keys than
		// limitItemsPerPartition allows resident at once: stop
		// recursing and fall back to a bounded-memory sort-based
		// group-by instead, per §9.
		return sortedGroupBy(t.pool, t.codec, t.blockSize, t.limitItemsPerPartition, t.reduce, t.keyBytes, src, emit)
	}
	slots := len(t.slots[p])
	if iteration > 1 {
		slots *= 2
	}
	sub := newProbingTable[K, V](t.pool, t.codec, t.blockSize, 1, slots, t.loadFactor, t.limitItemsPerPartition, t.emptyKey, t.reduce, t.keyBytes, t.salt+uint64(iteration))
	rdr := serial.NewBlockReader[KV[K, V]](src, t.codec)
	for {
		v, err := rdr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := sub.Insert(v); err != nil {
			return err
		}
	}
	return sub.finishPartition(0, emit, iteration+1)
}
