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
	"io"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/serial"
	"golang.org/x/exp/slices"
)

// defaultBlockItems is the number of KV pairs a single bucketBlock
// holds. The original table sizes this from a target byte size over
// sizeof(KeyValuePair); Go generics have no sizeof, so a fixed item
// count stands in for it.
const defaultBlockItems = 64

// bucketBlock is one fixed-capacity link of a bucket's chain: items
// holds up to defaultBlockItems live pairs, and next points at the
// bucket's next (older) block. A bucket with no collisions ever has
// exactly one block; a heavily collided bucket grows a chain of them,
// newest block first.
type bucketBlock[K comparable, V any] struct {
	items []KV[K, V]
	next  *bucketBlock[K, V]
}

// bucketChain is the head of one bucket's linked list of bucketBlocks
// -- nil for an empty bucket, a single block for an uncollided one.
type bucketChain[K comparable, V any] = *bucketBlock[K, V]

// BucketTable is the post-phase reduce table grounded on the bucket-
// chained hash table: num_partitions independent partitions, each
// holding num_buckets_per_partition buckets, each bucket a linked list
// of fixed-size blocks probed linearly for a key match before
// reducing in place or appending a new pair. A partition that outgrows
// limitItemsPerPartition is spilled, and a table that reaches
// limitBlocks overall spills its largest partition; either spill goes
// to a scratch File one block at a time so the block's memory is
// released as soon as it's been written out.
type BucketTable[K comparable, V any] struct {
	reduce   Func[V]
	keyBytes KeyBytes[K]
	part     *partitioner[K]
	salt     uint64

	partitions          int
	bucketsPerPartition int
	buckets             []bucketChain[K, V]

	numBlocks              int
	limitBlocks            int
	itemsPerPartition      []int
	limitItemsPerPartition int

	pool      *block.Pool
	codec     serial.Codec[KV[K, V]]
	blockSize int64

	spillFiles   []*block.File
	spillWriters []*serial.BlockWriter[KV[K, V]]
	spilled      []bool
}

// NewBucketTable constructs an empty BucketTable. limitBlocks bounds
// the table's total resident block count; limitItemsPerPartition
// bounds any single partition's item count. Either limit being crossed
// triggers a spill.
func NewBucketTable[K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	partitions, bucketsPerPartition int,
	limitBlocks, limitItemsPerPartition int,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
) *BucketTable[K, V] {
	return newBucketTable(pool, codec, blockSize, partitions, bucketsPerPartition, limitBlocks, limitItemsPerPartition, reduceFn, keyBytes, 0)
}

func newBucketTable[K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	partitions, bucketsPerPartition int,
	limitBlocks, limitItemsPerPartition int,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
	salt uint64,
) *BucketTable[K, V] {
	return &BucketTable[K, V]{
		reduce:                 reduceFn,
		keyBytes:               keyBytes,
		part:                   newPartitioner(keyBytes, salt),
		salt:                   salt,
		partitions:             partitions,
		bucketsPerPartition:    bucketsPerPartition,
		buckets:                make([]bucketChain[K, V], partitions*bucketsPerPartition),
		limitBlocks:            limitBlocks,
		itemsPerPartition:      make([]int, partitions),
		limitItemsPerPartition: limitItemsPerPartition,
		pool:                   pool,
		codec:                  codec,
		blockSize:              blockSize,
		spillFiles:             make([]*block.File, partitions),
		spillWriters:           make([]*serial.BlockWriter[KV[K, V]], partitions),
		spilled:                make([]bool, partitions),
	}
}

func (t *BucketTable[K, V]) slot(k K) (partition, idx int) {
	partition = t.part.index(k, t.partitions)
	b := t.part.bucket(k, t.bucketsPerPartition)
	return partition, partition*t.bucketsPerPartition + b
}

// Insert reduces kv into an existing matching key in its bucket, or
// appends it as a new pair, spilling as needed to stay under the
// configured limits.
func (t *BucketTable[K, V]) Insert(kv KV[K, V]) error {
	partition, idx := t.slot(kv.Key)

	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		for i := range cur.items {
			if cur.items[i].Key == kv.Key {
				cur.items[i].Value = t.reduce(cur.items[i].Value, kv.Value)
				return nil
			}
		}
	}

	cur := t.buckets[idx]
	if cur == nil || len(cur.items) == cap(cur.items) {
		if t.numBlocks == t.limitBlocks {
			if err := t.spillLargestPartition(); err != nil {
				return err
			}
		}
		cur = &bucketBlock[K, V]{items: make([]KV[K, V], 0, defaultBlockItems), next: t.buckets[idx]}
		t.buckets[idx] = cur
		t.numBlocks++
	}
	cur.items = append(cur.items, kv)

	t.itemsPerPartition[partition]++
	if t.itemsPerPartition[partition] > t.limitItemsPerPartition {
		return t.spillPartition(partition)
	}
	return nil
}

// spillLargestPartition picks the partition with the most resident
// items and spills it, the same "spill the largest current partition"
// policy the external-memory block manager uses when global pressure
// (here, the total block count) forces a decision.
func (t *BucketTable[K, V]) spillLargestPartition() error {
	order := make([]int, t.partitions)
	for p := range order {
		order[p] = p
	}
	slices.SortFunc(order, func(a, b int) bool {
		return t.itemsPerPartition[a] > t.itemsPerPartition[b]
	})
	return t.spillPartition(order[0])
}

// spillPartition serializes partition p's entire resident contents to
// its scratch File and drops the table's references to those blocks
// one at a time as they're written, so memory is reclaimed
// incrementally rather than only after the whole partition has been
// copied out.
func (t *BucketTable[K, V]) spillPartition(p int) error {
	if t.itemsPerPartition[p] == 0 {
		return nil
	}
	w, err := t.spillWriter(p)
	if err != nil {
		return err
	}
	base := p * t.bucketsPerPartition
	for b := 0; b < t.bucketsPerPartition; b++ {
		idx := base + b
		blk := t.buckets[idx]
		for blk != nil {
			for _, kv := range blk.items {
				if err := w.Put(kv); err != nil {
					return err
				}
			}
			t.numBlocks--
			next := blk.next
			blk.next = nil
			blk.items = nil
			blk = next
		}
		t.buckets[idx] = nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	t.itemsPerPartition[p] = 0
	t.spilled[p] = true
	return nil
}

func (t *BucketTable[K, V]) spillWriter(p int) (*serial.BlockWriter[KV[K, V]], error) {
	if t.spillWriters[p] == nil {
		f := block.NewFile()
		sink, err := f.GetWriter()
		if err != nil {
			return nil, err
		}
		t.spillFiles[p] = f
		t.spillWriters[p] = serial.NewBlockWriter[KV[K, V]](t.pool, sink, t.codec, t.blockSize)
	}
	return t.spillWriters[p], nil
}

// Finish emits every fully-reduced pair across all partitions, in
// partition order, re-reducing any spilled partition's data through
// fresh, differently-salted sub-tables until it fits entirely in
// memory, or, once maxReduceIterations rounds have not sufficed,
// through sortedGroupBy.
func (t *BucketTable[K, V]) Finish(emit func(KV[K, V]) error) error {
	for p := 0; p < t.partitions; p++ {
		if err := t.finishPartition(p, emit, 1); err != nil {
			return err
		}
	}
	return nil
}

func (t *BucketTable[K, V]) finishPartition(p int, emit func(KV[K, V]) error, iteration int) error {
	if !t.spilled[p] {
		return t.emitPartitionMemory(p, emit)
	}
	// Whatever remains resident for this partition did not make it
	// into the spill file yet; flush it so the replay below sees
	// everything.
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
	buckets := t.bucketsPerPartition
	if iteration > 1 {
		// The previous round's sub-table itself had to spill, meaning
		// this partition did not shrink; widen the next attempt.
		buckets *= 2
	}
	sub := newBucketTable[K, V](t.pool, t.codec, t.blockSize, 1, buckets, t.limitBlocks, t.limitItemsPerPartition, t.reduce, t.keyBytes, t.salt+uint64(iteration))
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

func (t *BucketTable[K, V]) emitPartitionMemory(p int, emit func(KV[K, V]) error) error {
	base := p * t.bucketsPerPartition
	for b := 0; b < t.bucketsPerPartition; b++ {
		for cur := t.buckets[base+b]; cur != nil; cur = cur.next {
			for _, kv := range cur.items {
				if err := emit(kv); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
