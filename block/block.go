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

import "fmt"

// Block is an immutable view into a ByteBlock: a byte range
// [Begin, End), the byte offset within that range of the first
// *complete* item (items before it are the tail end of an item that
// started in a previous block), and the count of whole items whose
// start lies in [FirstItem, End).
//
// Block is cheap to copy -- it is a reference plus three integers --
// and is the unit of currency passed through Sinks, Sources, and
// stream queues.
type Block struct {
	bb         *ByteBlock
	Begin, End int
	FirstItem  int
	NumItems   int
}

// newBlock constructs a Block view and takes a strong reference on
// the underlying ByteBlock.
func newBlock(bb *ByteBlock, begin, end, firstItem, numItems int) (Block, error) {
	if !(begin <= firstItem && firstItem <= end && int64(end) <= bb.capacity) {
		return Block{}, fmt.Errorf("block: invalid view [%d,%d) first=%d cap=%d", begin, end, firstItem, bb.capacity)
	}
	bb.addRef()
	return Block{bb: bb, Begin: begin, End: end, FirstItem: firstItem, NumItems: numItems}, nil
}

// Retain returns a new Block referencing the same ByteBlock, taking
// an additional strong reference. Callers that hand a Block to more
// than one consumer (e.g. a CatStream writer fanning the same tail
// block to two destinations) must Retain before doing so.
func (b Block) Retain() Block {
	b.bb.addRef()
	return b
}

// Release drops this Block's strong reference to its ByteBlock,
// freeing the underlying storage once the last reference is gone.
func (b Block) Release() {
	b.bb.release()
}

// Len returns the number of bytes in the block's view.
func (b Block) Len() int { return b.End - b.Begin }

// PinnedBlock is a Block plus a guarantee that its data pointer is
// resident. Acquired via Block.PinBlock, which may block until the
// underlying ByteBlock is paged back in from external memory.
type PinnedBlock struct {
	Block
}

// Bytes returns the resident byte slice covered by this pinned
// block's [Begin, End) view. The returned slice is only valid until
// UnpinBlock is called.
func (pb PinnedBlock) Bytes() []byte {
	bb := pb.bb
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.data[pb.Begin:pb.End]
}

// TailBytes returns the bytes of an in-progress item that began in
// an earlier block, i.e. [Begin, FirstItem).
func (pb PinnedBlock) TailBytes() []byte {
	bb := pb.bb
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.data[pb.Begin:pb.FirstItem]
}

// ItemBytes returns the bytes covering whole items, i.e.
// [FirstItem, End).
func (pb PinnedBlock) ItemBytes() []byte {
	bb := pb.bb
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.data[pb.FirstItem:pb.End]
}
