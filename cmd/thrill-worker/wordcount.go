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
	"strings"

	"github.com/thrillrt/thrill/dia"
	"github.com/thrillrt/thrill/host"
	"github.com/thrillrt/thrill/reduce"
	"github.com/thrillrt/thrill/serial"
)

// runWordCount is the canonical DIA program this driver ships: split
// every input line into words, key each by its text as-is, and
// sum occurrence counts through a ReduceByKey phase, the same example
// job §8's end-to-end test scenarios are built around.
func runWordCount(ctx *host.Context, paths []string) error {
	text, err := lines(paths)
	if err != nil {
		return err
	}

	source := dia.Source(text)
	words := dia.FlatMap(source, splitWords)

	codec := reduce.NewKVCodec[string, int64](serial.StringCodec{}, serial.Int64Codec{})
	partitions := ctx.Mux.Workers()
	if partitions < 1 {
		partitions = 1
	}
	reduced := reduce.ByKey[string, string, int64](
		words,
		ctx.Pool,
		codec,
		1<<16, // blockSize
		partitions, 4, // bucketsPerPartition
		1<<12, 1<<16, // limitBlocks, limitItemsPerPartition
		func(w string) string { return w },
		func(w string) int64 { return 1 },
		func(a, b int64) int64 { return a + b },
		func(w string) []byte { return []byte(w) },
	)

	counts := make(map[string]int64)
	action := dia.Action(reduced, func(kv reduce.KV[string, int64]) error {
		counts[kv.Key] = kv.Value
		return nil
	})
	if err := dia.Run(action); err != nil {
		return err
	}
	printCounts(counts)
	return nil
}

func splitWords(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9')
	})
}
