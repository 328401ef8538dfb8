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

package serial

import (
	"errors"
	"io"

	"github.com/thrillrt/thrill/block"
)

// BlockReader deserializes a sequence of T values out of a
// block.Source, per §4.2. Reads never block except on source
// availability (a pull from a File's blocks, or a stream queue
// waiting on network data): all deserialization work is purely local
// once a block is resident.
type BlockReader[T any] struct {
	src   block.Source
	codec Codec[T]
	s     *itemByteStream
	ir    ItemReader

	peeked    bool
	peekedVal T
	peekedErr error
	exhausted bool
}

// NewBlockReader constructs a BlockReader pulling blocks from src.
func NewBlockReader[T any](src block.Source, codec Codec[T]) *BlockReader[T] {
	s := newItemByteStream(src)
	r := &BlockReader[T]{src: src, codec: codec, s: s}
	r.ir = ItemReader{src: s}
	return r
}

// HasNext reports whether at least one more item is available,
// pulling (and pinning) blocks as needed to find out.
func (r *BlockReader[T]) HasNext() bool {
	if r.peeked || r.exhausted {
		return r.peeked
	}
	v, err := r.codec.Decode(&r.ir)
	if err != nil {
		r.exhausted = true
		return false
	}
	r.peeked = true
	r.peekedVal = v
	r.peekedErr = nil
	return true
}

// Next returns the next item, or io.EOF once the source is exhausted.
func (r *BlockReader[T]) Next() (T, error) {
	if r.peeked {
		r.peeked = false
		return r.peekedVal, r.peekedErr
	}
	if r.exhausted {
		var zero T
		return zero, io.EOF
	}
	v, err := r.codec.Decode(&r.ir)
	if err != nil {
		r.exhausted = true
		var zero T
		if errors.Is(err, io.EOF) {
			return zero, io.EOF
		}
		return zero, err
	}
	return v, nil
}

// GetItemBatch returns up to n items' worth of whole blocks without
// re-serializing them, for moving data across writers in bulk (used
// by Scatter, §4.5). It may only be called while the reader is
// positioned exactly at a block boundary -- i.e. before any call to
// Next/HasNext has pulled a partial block, or immediately after a
// prior GetItemBatch. The returned blocks carry their own strong
// references; callers must Release them. The actual item count
// covered (which may be less than n if the source is exhausted, and
// may exceed n since whole blocks are never split) is returned
// alongside.
func (r *BlockReader[T]) GetItemBatch(n int) ([]block.Block, int, error) {
	if !r.s.atBoundary() || r.peeked {
		return nil, 0, errors.New("serial: GetItemBatch called mid-block")
	}
	var out []block.Block
	got := 0
	for got < n {
		b, ok, err := r.src.Next()
		if err != nil {
			return out, got, err
		}
		if !ok {
			break
		}
		out = append(out, b)
		got += b.NumItems
	}
	return out, got, nil
}
