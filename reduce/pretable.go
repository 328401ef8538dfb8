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
	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/serial"
)

// PreTable is the worker-local pre-phase of a reduce: every input
// record is keyed, locally combined with any prior value sharing that
// key, and routed to one of numPartitions destination sinks (normally
// one per destination worker, so partition index == worker index) by
// hashing the key. A partition is flushed -- its accumulated KV pairs
// serialized and handed to that destination's sink -- whenever it
// reaches maxItemsPerPartition distinct keys, bounding the pre-phase's memory use
// independently of how skewed the key distribution turns out to be.
type PreTable[T any, K comparable, V any] struct {
	keyOf   KeyExtractor[T, K]
	valueOf func(T) V
	reduce  Func[V]
	part    *partitioner[K]

	maxItemsPerPartition int
	tables               []map[K]V
	writers              []*serial.BlockWriter[KV[K, V]]
}

// NewPreTable constructs a PreTable with one destination sink per
// partition (len(sinks) == numPartitions). maxItemsPerPartition caps
// the in-memory size of a single partition's aggregation map before
// it is flushed.
func NewPreTable[T any, K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	sinks []block.Sink,
	keyOf KeyExtractor[T, K],
	valueOf func(T) V,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
	maxItemsPerPartition int,
) *PreTable[T, K, V] {
	n := len(sinks)
	t := &PreTable[T, K, V]{
		keyOf:                keyOf,
		valueOf:              valueOf,
		reduce:                reduceFn,
		part:                  newPartitioner(keyBytes, 0),
		maxItemsPerPartition: maxItemsPerPartition,
		tables:               make([]map[K]V, n),
		writers:              make([]*serial.BlockWriter[KV[K, V]], n),
	}
	for i := range t.tables {
		t.tables[i] = make(map[K]V)
		t.writers[i] = serial.NewBlockWriter[KV[K, V]](pool, sinks[i], codec, blockSize)
	}
	return t
}

// Insert keys, locally reduces, and (if the owning partition has
// reached its limit) flushes item.
func (t *PreTable[T, K, V]) Insert(item T) error {
	k := t.keyOf(item)
	v := t.valueOf(item)
	p := t.part.index(k, len(t.tables))
	tbl := t.tables[p]
	if cur, ok := tbl[k]; ok {
		tbl[k] = t.reduce(cur, v)
	} else {
		tbl[k] = v
	}
	if len(tbl) >= t.maxItemsPerPartition {
		return t.flush(p)
	}
	return nil
}

// flush serializes partition p's current contents to its sink and
// resets the in-memory map, without closing the sink -- Insert may
// flush the same partition many times over the table's life.
func (t *PreTable[T, K, V]) flush(p int) error {
	tbl := t.tables[p]
	if len(tbl) == 0 {
		return nil
	}
	w := t.writers[p]
	for k, v := range tbl {
		if err := w.Put(KV[K, V]{Key: k, Value: v}); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	t.tables[p] = make(map[K]V)
	return nil
}

// Close flushes every partition and closes all destination sinks. No
// further Insert calls are valid afterward.
func (t *PreTable[T, K, V]) Close() error {
	for p := range t.tables {
		if err := t.flush(p); err != nil {
			return err
		}
	}
	for _, w := range t.writers {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
