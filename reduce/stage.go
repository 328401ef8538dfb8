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
	"github.com/thrillrt/thrill/dia"
	"github.com/thrillrt/thrill/serial"
)

// ByKey attaches h's reduction as a DOP boundary: h's items are keyed
// by keyOf and folded, as they arrive, into one BucketTable local to
// this worker, whose Finish emits the reduced pairs. ByKey performs no
// cross-worker exchange: it uses no PreTable and opens no Stream
// writers, so with more than one worker each worker reduces only the
// items it holds itself.
//
// This is the seam dia.NewDOP exists for: reduce owns the partitioning
// and table semantics, dia only sees a DOP node with an ingest
// callback and Execute/PushData hooks.
func ByKey[T any, K comparable, V any](
	h dia.Handle[T],
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	partitions, bucketsPerPartition int,
	limitBlocks, limitItemsPerPartition int,
	keyOf KeyExtractor[T, K],
	valueOf func(T) V,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
) dia.Handle[KV[K, V]] {
	table := NewBucketTable[K, V](pool, codec, blockSize, partitions, bucketsPerPartition, limitBlocks, limitItemsPerPartition, reduceFn, keyBytes)

	return dia.NewDOP[T, KV[K, V]](h, "ReduceByKey",
		func(item any) error {
			v := item.(T)
			return table.Insert(KV[K, V]{Key: keyOf(v), Value: valueOf(v)})
		},
		nil, // no separate pre-collective work: every item is folded in as it's ingested
		func(n *dia.Node, consume bool) error {
			return table.Finish(func(kv KV[K, V]) error { return n.Emit(kv) })
		},
		nil,
	)
}
