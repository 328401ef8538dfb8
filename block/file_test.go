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

package block

import (
	"testing"

	"github.com/thrillrt/thrill/memory"
)

func appendTestBlock(t *testing.T, p *Pool, sink Sink, payload string, items int) {
	t.Helper()
	bb, err := p.AllocateByteBlock(int64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	bb.WriteAt(0, []byte(payload))
	blk, err := bb.Finish(0, len(payload), 0, items)
	if err != nil {
		t.Fatal(err)
	}
	bb.Unpin()
	if err := sink.Put(blk); err != nil {
		t.Fatal(err)
	}
}

func TestFileEmptyIsValid(t *testing.T) {
	f := NewFile()
	w, err := f.GetWriter()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if f.NumItems() != 0 {
		t.Fatalf("empty file has %d items, want 0", f.NumItems())
	}
	src, err := f.GetKeepReader()
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := src.Next()
	if err != nil || ok {
		t.Fatalf("expected EOF on empty file, got ok=%v err=%v", ok, err)
	}
}

func TestFileKeepReaderMultiPass(t *testing.T) {
	mgr := memory.NewManager(0, 0)
	p := NewPool(0, 0, testDiskManager(t), mgr)
	defer p.Close()

	f := NewFile()
	w, _ := f.GetWriter()
	appendTestBlock(t, p, w, "abc", 3)
	appendTestBlock(t, p, w, "de", 2)
	w.Close()

	if f.NumItems() != 5 {
		t.Fatalf("numItems = %d, want 5", f.NumItems())
	}

	for pass := 0; pass < 2; pass++ {
		src, err := f.GetKeepReader()
		if err != nil {
			t.Fatal(err)
		}
		var got []byte
		for {
			b, ok, err := src.Next()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			pinned, err := b.PinBlock()
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, pinned.Bytes()...)
			pinned.UnpinBlock()
			b.Release()
		}
		if string(got) != "abcde" {
			t.Fatalf("pass %d: got %q, want %q", pass, got, "abcde")
		}
	}
}

func TestFileConsumeReaderReleasesMemory(t *testing.T) {
	mgr := memory.NewManager(0, 0)
	p := NewPool(0, 0, testDiskManager(t), mgr)
	defer p.Close()

	f := NewFile()
	w, _ := f.GetWriter()
	appendTestBlock(t, p, w, "xyz", 3)
	w.Close()

	before := p.ResidentBytes()
	if before == 0 {
		t.Fatal("expected nonzero resident bytes before consume")
	}

	src, err := f.GetConsumeReader()
	if err != nil {
		t.Fatal(err)
	}
	b, ok, err := src.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	pinned, _ := b.PinBlock()
	if string(pinned.Bytes()) != "xyz" {
		t.Fatalf("got %q", pinned.Bytes())
	}
	pinned.UnpinBlock()
	b.Release() // drop the File's reference (consume semantics)

	if p.ResidentBytes() != 0 {
		t.Fatalf("resident bytes after consume = %d, want 0", p.ResidentBytes())
	}

	_, ok, err = src.Next()
	if err != nil || ok {
		t.Fatalf("expected exhausted consume reader, ok=%v err=%v", ok, err)
	}
}
