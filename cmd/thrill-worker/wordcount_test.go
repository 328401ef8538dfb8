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

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thrillrt/thrill/dia"
	"github.com/thrillrt/thrill/host"
	"github.com/thrillrt/thrill/reduce"
	"github.com/thrillrt/thrill/serial"
)

func testContext(t *testing.T) *host.Context {
	t.Helper()
	cfg := &host.Config{
		Disks:          []host.DiskConfig{{Path: filepath.Join(t.TempDir(), "scratch")}},
		WorkersPerHost: 2,
	}
	ctxs, err := host.NewLocal(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctxs[0].Close() })
	return ctxs[0]
}

func TestRunWordCountCountsOccurrencesAcrossFiles(t *testing.T) {
	ctx := testContext(t)

	a := filepath.Join(t.TempDir(), "a.txt")
	b := filepath.Join(t.TempDir(), "b.txt")
	if err := os.WriteFile(a, []byte("the quick brown fox\nthe lazy dog\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("the fox jumps\n"), 0600); err != nil {
		t.Fatal(err)
	}

	text, err := lines([]string{a, b})
	if err != nil {
		t.Fatal(err)
	}

	source := dia.Source(text)
	words := dia.FlatMap(source, splitWords)
	codec := reduce.NewKVCodec[string, int64](serial.StringCodec{}, serial.Int64Codec{})
	reduced := reduce.ByKey[string, string, int64](
		words, ctx.Pool, codec, 1<<16,
		2, 4, 1<<12, 1<<16,
		func(w string) string { return w },
		func(w string) int64 { return 1 },
		func(a, b int64) int64 { return a + b },
		func(w string) []byte { return []byte(w) },
	)

	got := make(map[string]int64)
	action := dia.Action(reduced, func(kv reduce.KV[string, int64]) error {
		got[kv.Key] = kv.Value
		return nil
	})
	if err := dia.Run(action); err != nil {
		t.Fatal(err)
	}

	want := map[string]int64{"the": 3, "quick": 1, "brown": 1, "fox": 2, "lazy": 1, "dog": 1, "jumps": 1}
	if len(got) != len(want) {
		t.Fatalf("got %d distinct words, want %d: %v", len(got), len(want), got)
	}
	for w, n := range want {
		if got[w] != n {
			t.Fatalf("word %q: got count %d, want %d", w, got[w], n)
		}
	}
}

func TestSplitWordsLowercasesNothingButSplitsOnPunctuation(t *testing.T) {
	got := splitWords("Hello, world! foo_bar 123")
	want := []string{"Hello", "world", "foo", "bar", "123"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}
