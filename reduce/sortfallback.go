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
	"bytes"
	"io"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/serial"
	"golang.org/x/exp/slices"
)

// maxReduceIterations bounds how many times BucketTable/ProbingTable
// re-reduce a spilled partition through a freshly salted sub-table
// before giving up on hashing and falling back to sortedGroupBy. A
// partition still spilling after this many re-salts genuinely holds
// more distinct keys than limitItemsPerPartition allows resident at
// once -- no amount of re-hashing shrinks that, since the limit is
// per-partition, not per-bucket or per-slot.
const maxReduceIterations = 4

// sortedGroupBy is the bounded-memory fallback for a partition that
// keeps spilling no matter how it's re-salted: it drains src in runs
// of at most runSize items, sorts each run by keyBytes and spills it
// to its own scratch File, then multiway-merges the runs, folding
// every run's entries for a given key together through reduceFn and
// emitting exactly once per distinct key. Memory use is bounded by
// runSize plus one buffered item per run, not by the partition's
// total distinct-key count.
func sortedGroupBy[K comparable, V any](
	pool *block.Pool,
	codec serial.Codec[KV[K, V]],
	blockSize int64,
	runSize int,
	reduceFn Func[V],
	keyBytes KeyBytes[K],
	src block.Source,
	emit func(KV[K, V]) error,
) error {
	if runSize < 1 {
		runSize = 1
	}
	rdr := serial.NewBlockReader[KV[K, V]](src, codec)

	var runs []*block.File
	buf := make([]KV[K, V], 0, runSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		slices.SortFunc(buf, func(a, b KV[K, V]) bool {
			return bytes.Compare(keyBytes(a.Key), keyBytes(b.Key)) < 0
		})
		f := block.NewFile()
		sink, err := f.GetWriter()
		if err != nil {
			return err
		}
		w := serial.NewBlockWriter[KV[K, V]](pool, sink, codec, blockSize)
		for _, kv := range buf {
			if err := w.Put(kv); err != nil {
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		runs = append(runs, f)
		buf = buf[:0]
		return nil
	}
	for {
		v, err := rdr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		buf = append(buf, v)
		if len(buf) == runSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	return mergeSortedRuns(runs, codec, keyBytes, reduceFn, emit)
}

// mergeCursor holds one sorted run's next not-yet-emitted item.
type mergeCursor[K comparable, V any] struct {
	rdr  *serial.BlockReader[KV[K, V]]
	cur  KV[K, V]
	done bool
}

func (c *mergeCursor[K, V]) advance() error {
	v, err := c.rdr.Next()
	if err == io.EOF {
		c.done = true
		return nil
	}
	if err != nil {
		return err
	}
	c.cur = v
	return nil
}

// mergeSortedRuns performs a k-way merge of runs, each individually
// sorted by keyBytes by sortedGroupBy, folding every run's entries for
// a given key together through reduceFn and emitting once per distinct
// key in ascending keyBytes order.
func mergeSortedRuns[K comparable, V any](runs []*block.File, codec serial.Codec[KV[K, V]], keyBytes KeyBytes[K], reduceFn Func[V], emit func(KV[K, V]) error) error {
	cursors := make([]*mergeCursor[K, V], 0, len(runs))
	for _, f := range runs {
		src, err := f.GetConsumeReader()
		if err != nil {
			return err
		}
		c := &mergeCursor[K, V]{rdr: serial.NewBlockReader[KV[K, V]](src, codec)}
		if err := c.advance(); err != nil {
			return err
		}
		cursors = append(cursors, c)
	}

	for {
		min := -1
		for i, c := range cursors {
			if c.done {
				continue
			}
			if min == -1 || bytes.Compare(keyBytes(c.cur.Key), keyBytes(cursors[min].cur.Key)) < 0 {
				min = i
			}
		}
		if min == -1 {
			return nil
		}
		acc := cursors[min].cur
		if err := cursors[min].advance(); err != nil {
			return err
		}
		// Fold in every other cursor (including min, now advanced)
		// currently positioned on the same key, since the same key can
		// appear more than once within a run and across runs.
		for {
			matched := -1
			for i, c := range cursors {
				if !c.done && c.cur.Key == acc.Key {
					matched = i
					break
				}
			}
			if matched == -1 {
				break
			}
			acc.Value = reduceFn(acc.Value, cursors[matched].cur.Value)
			if err := cursors[matched].advance(); err != nil {
				return err
			}
		}
		if err := emit(acc); err != nil {
			return err
		}
	}
}
