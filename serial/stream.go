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
	"io"

	"github.com/thrillrt/thrill/block"
)

// itemByteStream presents a block.Source as one contiguous byte
// stream: item decoding never has to know where one Block ends and
// the next begins, since ReadByte/Read transparently pin the next
// block as bytes run out and unpin the previous one. The first block
// is entered at its FirstItem offset (skipping any dangling tail of
// an item this reader never saw the start of, e.g. after a Scatter
// boundary); every later block is read from its Begin, since its
// tail bytes are the continuation of an item still in progress.
type itemByteStream struct {
	src     block.Source
	cur     block.PinnedBlock
	hasCur  bool
	pos     int
	first   bool
	lastErr error
}

func newItemByteStream(src block.Source) *itemByteStream {
	return &itemByteStream{src: src, first: true}
}

func (s *itemByteStream) advance() bool {
	if s.hasCur {
		s.cur.UnpinBlock()
		s.cur.Release()
		s.hasCur = false
	}
	b, ok, err := s.src.Next()
	if err != nil {
		s.lastErr = err
		return false
	}
	if !ok {
		return false
	}
	pinned, err := b.PinBlock()
	if err != nil {
		s.lastErr = err
		b.Release()
		return false
	}
	s.cur = pinned
	s.hasCur = true
	if s.first {
		s.pos = pinned.FirstItem - pinned.Begin
		s.first = false
	} else {
		s.pos = 0
	}
	return true
}

// ReadByte implements io.ByteReader.
func (s *itemByteStream) ReadByte() (byte, error) {
	for {
		if !s.hasCur {
			if !s.advance() {
				if s.lastErr != nil {
					return 0, s.lastErr
				}
				return 0, io.EOF
			}
		}
		data := s.cur.Bytes()
		if s.pos < len(data) {
			b := data[s.pos]
			s.pos++
			return b, nil
		}
		if !s.advance() {
			if s.lastErr != nil {
				return 0, s.lastErr
			}
			return 0, io.EOF
		}
	}
}

// Read implements io.Reader in terms of ReadByte; item payloads are
// small relative to a block, so the per-byte cost is not a concern
// here the way it would be for the block data plane itself.
func (s *itemByteStream) Read(p []byte) (int, error) {
	for i := range p {
		b, err := s.ReadByte()
		if err != nil {
			return i, err
		}
		p[i] = b
	}
	return len(p), nil
}

// atBoundary reports whether the stream has not yet consumed any
// bytes of the block currently (or about to be) pinned -- i.e.
// whether GetItemBatch may safely bypass item decoding and hand out
// whole blocks.
func (s *itemByteStream) atBoundary() bool {
	return !s.hasCur
}
