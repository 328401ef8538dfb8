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

// KeyIndex projects a key onto the dense numeric range the key space
// is drawn from (e.g. a row number out of a known total): ReduceToIndex
// uses it in place of hashing, so a key's own order decides its
// destination instead of a hash digest, and an index nothing ever maps
// to is detectable afterward rather than silently absent.
type KeyIndex[K comparable] func(k K) (value, total uint64)

// IndexPreTable is PreTable's ReduceToIndex counterpart: it routes
// each record to destination (value*W)/total instead of
// hash(key) mod W.
type IndexPreTable[T any, K comparable, V any] struct {
	keyOf   KeyExtractor[T, K]
	valueOf func(T) V
	reduce  Func[V]
	keyIdx  KeyIndex[K]

	maxItemsPerPartition int
	tables               []map[K]V
	writers              []*serial.BlockWriter[KV[K, V]]
}

// NewIndexPreTable mirrors NewPreTable but keys destinations by
// KeyIndex's linear projection instead of siphash.
func NewIndexPreTable[T any, K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	sinks []block.Sink,
	keyOf KeyExtractor[T, K],
	valueOf func(T) V,
	reduceFn Func[V],
	keyIdx KeyIndex[K],
	maxItemsPerPartition int,
) *IndexPreTable[T, K, V] {
	n := len(sinks)
	t := &IndexPreTable[T, K, V]{
		keyOf:                keyOf,
		valueOf:              valueOf,
		reduce:               reduceFn,
		keyIdx:               keyIdx,
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

func (t *IndexPreTable[T, K, V]) Insert(item T) error {
	k := t.keyOf(item)
	v := t.valueOf(item)
	value, total := t.keyIdx(k)
	p := scaledIndex(value, total, len(t.tables))
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

func (t *IndexPreTable[T, K, V]) flush(p int) error {
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

// Close flushes every partition and closes all destination sinks.
func (t *IndexPreTable[T, K, V]) Close() error {
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

// IndexResult is the post-phase output of ReduceToIndex: a dense array
// of size total, with neutralElement standing in for any index that
// received no contribution from any worker.
func IndexResult[K comparable, V any](total uint64, neutralElement V, keyIdx KeyIndex[K], pairs []KV[K, V]) []V {
	out := make([]V, total)
	for i := range out {
		out[i] = neutralElement
	}
	for _, kv := range pairs {
		value, _ := keyIdx(kv.Key)
		if value < total {
			out[value] = kv.Value
		}
	}
	return out
}
