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
	"fmt"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/serial"
)

// oneBlockSource adapts a single already-pulled Block into a
// block.Source that yields it exactly once, so a straddling block can
// be re-decoded through the ordinary BlockReader machinery without a
// second pass over the real underlying source.
type oneBlockSource struct {
	b    block.Block
	done bool
}

func (s *oneBlockSource) Next() (block.Block, bool, error) {
	if s.done {
		return block.Block{}, false, nil
	}
	s.done = true
	return s.b, true, nil
}

// Scatter partitions the items of src across len(sinks) destinations
// according to offsets (length len(sinks)+1, offsets[i] the first
// item index routed to sinks[i], offsets[len(sinks)] the total item
// count), per §4.5. Whole blocks that fall entirely within one
// partition are moved to that partition's sink without
// re-serialization; only a block straddling a partition boundary is
// decoded and its items individually re-encoded into the destination
// writers on either side of the boundary.
func Scatter[T any](pool *block.Pool, src block.Source, codec serial.Codec[T], offsets []int, sinks []block.Sink, blockSize int64) error {
	w := len(sinks)
	if len(offsets) != w+1 {
		return fmt.Errorf("stream: Scatter: offsets has %d entries, want %d", len(offsets), w+1)
	}
	remaining := make([]int, w)
	for i := 0; i < w; i++ {
		remaining[i] = offsets[i+1] - offsets[i]
		if remaining[i] < 0 {
			return fmt.Errorf("stream: Scatter: offsets not nondecreasing at %d", i)
		}
	}
	bws := make([]*serial.BlockWriter[T], w)
	for i := range bws {
		bws[i] = serial.NewBlockWriter[T](pool, sinks[i], codec, blockSize)
	}

	dest := 0
	for dest < w {
		if remaining[dest] == 0 {
			dest++
			continue
		}
		blk, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if blk.NumItems <= remaining[dest] {
			// items already re-encoded for dest go out first, so the
			// moved block lands behind them
			if err := bws[dest].Flush(); err != nil {
				return err
			}
			if err := sinks[dest].Put(blk); err != nil {
				return err
			}
			remaining[dest] -= blk.NumItems
			continue
		}

		// blk straddles the boundary between dest and one or more
		// later destinations: decode and redistribute its items.
		obr := serial.NewBlockReader[T](&oneBlockSource{b: blk}, codec)
		for n := 0; n < blk.NumItems; n++ {
			v, err := obr.Next()
			if err != nil {
				return err
			}
			for dest < w && remaining[dest] == 0 {
				dest++
			}
			if dest >= w {
				return fmt.Errorf("stream: Scatter: more items than offsets account for")
			}
			if err := bws[dest].Put(v); err != nil {
				return err
			}
			remaining[dest]--
		}
	}

	for _, bw := range bws {
		if err := bw.Close(); err != nil {
			return err
		}
	}
	return nil
}
