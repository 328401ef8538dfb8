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

package stream

import (
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/diskio"
	"github.com/thrillrt/thrill/group"
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

// newMultiplexers builds one Multiplexer per host over a loopback
// Group mesh with workersPerHost local workers each, all started.
func newMultiplexers(t *testing.T, hosts, workersPerHost int) []*Multiplexer {
	t.Helper()
	groups := group.LoopbackTransport(hosts)
	muxes := make([]*Multiplexer, hosts)
	for h, g := range groups {
		muxes[h] = NewMultiplexer(h, hosts, workersPerHost, g, testPool(t))
		muxes[h].Start()
	}
	return muxes
}

func TestStreamLoopbackSingleHostRoundTrip(t *testing.T) {
	muxes := newMultiplexers(t, 1, 1)
	m := muxes[0]
	s := m.OpenStream(MagicCat)

	w := s.Writer(0, m.GlobalWorker(0))
	bw := serial.NewBlockWriter[int64](testPool(t), w, serial.Int64Codec{}, 4096)
	for i := int64(0); i < 10; i++ {
		if err := bw.Put(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}

	src := s.CatReader(0)
	br := serial.NewBlockReader[int64](src, serial.Int64Codec{})
	for i := int64(0); i < 10; i++ {
		v, err := br.Next()
		if err != nil {
			t.Fatal(err)
		}
		if v != i {
			t.Fatalf("got %d, want %d", v, i)
		}
	}
	if _, err := br.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamCrossHostRoundTrip(t *testing.T) {
	muxes := newMultiplexers(t, 2, 1)
	s0 := muxes[0].OpenStream(MagicCat)
	s1 := muxes[1].OpenStream(MagicCat) // same call order on every host => same id

	var wg sync.WaitGroup
	wg.Add(2)
	var readErr error
	var got []int64

	go func() {
		defer wg.Done()
		w := s0.Writer(0, muxes[1].GlobalWorker(0))
		bw := serial.NewBlockWriter[int64](testPool(t), w, serial.Int64Codec{}, 64)
		for i := int64(0); i < 20; i++ {
			bw.Put(i)
		}
		bw.Close()
	}()

	go func() {
		defer wg.Done()
		src := s1.CatReader(0)
		br := serial.NewBlockReader[int64](src, serial.Int64Codec{})
		for {
			v, err := br.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				readErr = err
				return
			}
			got = append(got, v)
		}
	}()
	// host 1's own worker sends nothing on this stream but must still
	// close its writer: CatReader waits for all W sources to close.
	if err := s1.Writer(0, muxes[1].GlobalWorker(0)).Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(got) != 20 {
		t.Fatalf("got %d items, want 20", len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("item %d: got %d, want %d", i, v, i)
		}
	}
}

func TestCatStreamOrdersBySourceThenConcat(t *testing.T) {
	muxes := newMultiplexers(t, 1, 2) // 2 local workers == 2 sources
	m := muxes[0]
	s := m.OpenStream(MagicCat)

	// source 0 writes [0,1,2], source 1 writes [10,11]
	w0 := s.Writer(0, m.GlobalWorker(0))
	bw0 := serial.NewBlockWriter[int64](testPool(t), w0, serial.Int64Codec{}, 4096)
	for _, v := range []int64{0, 1, 2} {
		bw0.Put(v)
	}
	bw0.Close()

	w1 := s.Writer(1, m.GlobalWorker(0))
	bw1 := serial.NewBlockWriter[int64](testPool(t), w1, serial.Int64Codec{}, 4096)
	for _, v := range []int64{10, 11} {
		bw1.Put(v)
	}
	bw1.Close()

	src := s.CatReader(0)
	br := serial.NewBlockReader[int64](src, serial.Int64Codec{})
	want := []int64{0, 1, 2, 10, 11}
	for _, w := range want {
		v, err := br.Next()
		if err != nil {
			t.Fatal(err)
		}
		if v != w {
			t.Fatalf("got %d, want %d", v, w)
		}
	}
	if _, err := br.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestMixStreamTagsSource(t *testing.T) {
	muxes := newMultiplexers(t, 1, 2)
	m := muxes[0]
	s := m.OpenStream(MagicMix)

	w0 := s.Writer(0, m.GlobalWorker(0))
	bw0 := serial.NewBlockWriter[int64](testPool(t), w0, serial.Int64Codec{}, 4096)
	bw0.Put(int64(100))
	bw0.Close()

	w1 := s.Writer(1, m.GlobalWorker(0))
	bw1 := serial.NewBlockWriter[int64](testPool(t), w1, serial.Int64Codec{}, 4096)
	bw1.Put(int64(200))
	bw1.Close()

	mr := s.MixReader(0)
	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		item, ok := mr.Next()
		if !ok {
			t.Fatalf("expected item %d", i)
		}
		seen[item.From] = true
	}
	if _, ok := mr.Next(); ok {
		t.Fatal("expected exhaustion after both sources closed")
	}
	if len(seen) != 2 {
		t.Fatalf("expected both sources represented, got %v", seen)
	}
}

func TestScatterMovesWholeBlocksAndSplitsBoundary(t *testing.T) {
	pool := testPool(t)
	f := block.NewFile()
	sink, err := f.GetWriter()
	if err != nil {
		t.Fatal(err)
	}
	bw := serial.NewBlockWriter[int64](pool, sink, serial.Int64Codec{}, 64)
	for i := int64(0); i < 30; i++ {
		if err := bw.Put(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := f.GetConsumeReader()
	if err != nil {
		t.Fatal(err)
	}

	outFiles := make([]*block.File, 3)
	sinks := make([]block.Sink, 3)
	for i := range outFiles {
		outFiles[i] = block.NewFile()
		sinks[i], err = outFiles[i].GetWriter()
		if err != nil {
			t.Fatal(err)
		}
	}
	offsets := []int{0, 10, 20, 30}
	if err := Scatter[int64](pool, src, serial.Int64Codec{}, offsets, sinks, 64); err != nil {
		t.Fatal(err)
	}

	for i, want := range [][2]int64{{0, 10}, {10, 20}, {20, 30}} {
		r, err := outFiles[i].GetConsumeReader()
		if err != nil {
			t.Fatal(err)
		}
		br := serial.NewBlockReader[int64](r, serial.Int64Codec{})
		for v := want[0]; v < want[1]; v++ {
			got, err := br.Next()
			if err != nil {
				t.Fatalf("partition %d: %v", i, err)
			}
			if got != v {
				t.Fatalf("partition %d: got %d, want %d", i, got, v)
			}
		}
		if _, err := br.Next(); err != io.EOF {
			t.Fatalf("partition %d: expected EOF, got %v", i, err)
		}
	}
}
