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
	"encoding/binary"
	"path/filepath"
	"sort"
	"testing"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/diskio"
	"github.com/thrillrt/thrill/memory"
	"github.com/thrillrt/thrill/serial"
)

func testPool(t *testing.T) *block.Pool {
	t.Helper()
	d, err := diskio.OpenDisk(0, filepath.Join(t.TempDir(), "scratch"))
	if err != nil {
		t.Fatal(err)
	}
	dm := diskio.NewManager([]*diskio.Disk{d}, &diskio.StripingStrategy{}, 2)
	t.Cleanup(dm.Close)
	p := block.NewPool(0, 0, dm, memory.NewManager(0, 0))
	t.Cleanup(p.Close)
	return p
}

func int64Bytes(k int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(k))
	return b[:]
}

func sumFn(a, b int64) int64 { return a + b }

func collectPairs[K comparable, V any](t *testing.T, finish func(func(KV[K, V]) error) error) map[K]V {
	t.Helper()
	got := make(map[K]V)
	if err := finish(func(kv KV[K, V]) error {
		if _, dup := got[kv.Key]; dup {
			t.Fatalf("key %v emitted twice", kv.Key)
		}
		got[kv.Key] = kv.Value
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return got
}

func wantSums(n int) map[int64]int64 {
	want := make(map[int64]int64)
	for i := 0; i < n; i++ {
		k := int64(i % 7)
		want[k] += int64(i)
	}
	return want
}

func TestPreTablePartitionsAndFlushesBySiphashedKey(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})

	const numDest = 4
	files := make([]*block.File, numDest)
	sinks := make([]block.Sink, numDest)
	for i := range files {
		files[i] = block.NewFile()
		var err error
		sinks[i], err = files[i].GetWriter()
		if err != nil {
			t.Fatal(err)
		}
	}

	pre := NewPreTable[int64, int64, int64](pool, codec, 256, sinks,
		func(v int64) int64 { return v % 7 },
		func(v int64) int64 { return v },
		sumFn, int64Bytes, 3, // flush after only 3 distinct keys accumulate
	)
	for i := 0; i < 100; i++ {
		if err := pre.Insert(int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := pre.Close(); err != nil {
		t.Fatal(err)
	}

	got := make(map[int64]int64)
	for _, f := range files {
		src, err := f.GetKeepReader()
		if err != nil {
			t.Fatal(err)
		}
		r := serial.NewBlockReader[KV[int64, int64]](src, codec)
		for r.HasNext() {
			kv, err := r.Next()
			if err != nil {
				t.Fatal(err)
			}
			got[kv.Key] += kv.Value
		}
	}
	want := wantSums(100)
	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d: %v vs %v", len(got), len(want), got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %d: got sum %d, want %d", k, got[k], v)
		}
	}
}

func TestBucketTableReducesWithoutSpilling(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	tbl := NewBucketTable[int64, int64](pool, codec, 256, 2, 4, 1<<20, 1<<20, sumFn, int64Bytes)

	for i := 0; i < 200; i++ {
		if err := tbl.Insert(KV[int64, int64]{Key: int64(i % 7), Value: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := collectPairs[int64, int64](t, tbl.Finish)
	want := wantSums(200)
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestBucketTableSpillsAndReReducesIteratively(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	// A tiny limitBlocks/limitItemsPerPartition forces repeated spills
	// well before all 500 keys have been folded in.
	tbl := NewBucketTable[int64, int64](pool, codec, 256, 3, 2, 4, 6, sumFn, int64Bytes)

	const n = 500
	for i := 0; i < n; i++ {
		if err := tbl.Insert(KV[int64, int64]{Key: int64(i % 50), Value: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := collectPairs[int64, int64](t, tbl.Finish)

	want := make(map[int64]int64)
	for i := 0; i < n; i++ {
		want[int64(i%50)] += int64(i)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestBucketTableFallsBackToSortedGroupByOnUnshrinkablePartition(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	// A single partition where every key is distinct: re-salting can
	// never shrink it below limitItemsPerPartition, since the limit is
	// per-partition, not per-bucket. Without a fallback this would
	// recurse forever.
	tbl := NewBucketTable[int64, int64](pool, codec, 256, 1, 2, 4, 8, sumFn, int64Bytes)

	const n = 200
	for i := 0; i < n; i++ {
		if err := tbl.Insert(KV[int64, int64]{Key: int64(i), Value: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := collectPairs[int64, int64](t, tbl.Finish)
	if len(got) != n {
		t.Fatalf("got %d keys, want %d", len(got), n)
	}
	for i := 0; i < n; i++ {
		if got[int64(i)] != int64(i) {
			t.Fatalf("key %d: got %d, want %d", i, got[int64(i)], i)
		}
	}
}

func TestProbingTableReducesAndGrowsInPlace(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	const emptyKey = int64(-1)
	tbl := NewProbingTable[int64, int64](pool, codec, 256, 2, 4, 0.75, 1<<20, emptyKey, sumFn, int64Bytes)

	for i := 0; i < 300; i++ {
		if err := tbl.Insert(KV[int64, int64]{Key: int64(i % 11), Value: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := collectPairs[int64, int64](t, tbl.Finish)
	want := make(map[int64]int64)
	for i := 0; i < 300; i++ {
		want[int64(i%11)] += int64(i)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestProbingTableSpillsAndReReduces(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	const emptyKey = int64(-1)
	tbl := NewProbingTable[int64, int64](pool, codec, 256, 3, 2, 0.75, 5, emptyKey, sumFn, int64Bytes)

	const n = 400
	for i := 0; i < n; i++ {
		if err := tbl.Insert(KV[int64, int64]{Key: int64(i % 40), Value: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := collectPairs[int64, int64](t, tbl.Finish)
	want := make(map[int64]int64)
	for i := 0; i < n; i++ {
		want[int64(i%40)] += int64(i)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestProbingTableFallsBackToSortedGroupByOnUnshrinkablePartition(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	const emptyKey = int64(-1)
	// Same unshrinkable-partition scenario as the BucketTable case above.
	tbl := NewProbingTable[int64, int64](pool, codec, 256, 1, 2, 0.75, 8, emptyKey, sumFn, int64Bytes)

	const n = 200
	for i := 0; i < n; i++ {
		if err := tbl.Insert(KV[int64, int64]{Key: int64(i), Value: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	got := collectPairs[int64, int64](t, tbl.Finish)
	if len(got) != n {
		t.Fatalf("got %d keys, want %d", len(got), n)
	}
	for i := 0; i < n; i++ {
		if got[int64(i)] != int64(i) {
			t.Fatalf("key %d: got %d, want %d", i, got[int64(i)], i)
		}
	}
}

func TestProbingTableRejectsSentinelKey(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})
	const emptyKey = int64(-1)
	tbl := NewProbingTable[int64, int64](pool, codec, 256, 1, 4, 0.75, 1<<20, emptyKey, sumFn, int64Bytes)
	if err := tbl.Insert(KV[int64, int64]{Key: emptyKey, Value: 1}); err == nil {
		t.Fatal("expected inserting the sentinel key to fail")
	}
}

func TestIndexResultFillsNeutralElementForUntouchedIndices(t *testing.T) {
	const total = 8
	keyIdx := func(k int64) (uint64, uint64) { return uint64(k), total }
	pairs := []KV[int64, int64]{
		{Key: 1, Value: 10},
		{Key: 4, Value: 40},
	}
	out := IndexResult[int64, int64](total, -1, keyIdx, pairs)
	want := []int64{-1, 10, -1, -1, 40, -1, -1, -1}
	if len(out) != len(want) {
		t.Fatalf("got %d entries, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("index %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestIndexPreTableRoutesByScaledProjectionNotHash(t *testing.T) {
	pool := testPool(t)
	codec := NewKVCodec[int64, int64](serial.Int64Codec{}, serial.Int64Codec{})

	const total = 20
	const numDest = 4
	files := make([]*block.File, numDest)
	sinks := make([]block.Sink, numDest)
	for i := range files {
		files[i] = block.NewFile()
		var err error
		sinks[i], err = files[i].GetWriter()
		if err != nil {
			t.Fatal(err)
		}
	}

	pre := NewIndexPreTable[int64, int64, int64](pool, codec, 256, sinks,
		func(v int64) int64 { return v },
		func(v int64) int64 { return v },
		sumFn,
		func(k int64) (uint64, uint64) { return uint64(k), total },
		1<<20,
	)
	for i := int64(0); i < total; i++ {
		if err := pre.Insert(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := pre.Close(); err != nil {
		t.Fatal(err)
	}

	// Every key in [0,5) must land in destination 0, [5,10) in
	// destination 1, and so on: (value*numDest)/total.
	for dest, f := range files {
		src, err := f.GetKeepReader()
		if err != nil {
			t.Fatal(err)
		}
		r := serial.NewBlockReader[KV[int64, int64]](src, codec)
		var keys []int64
		for r.HasNext() {
			kv, err := r.Next()
			if err != nil {
				t.Fatal(err)
			}
			keys = append(keys, kv.Key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			got := int((k * numDest) / total)
			if got != dest {
				t.Fatalf("key %d landed in destination %d, want %d", k, dest, got)
			}
		}
	}
}
