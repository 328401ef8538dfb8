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

// Package serial implements the typed item codec and BlockWriter/
// BlockReader pair (C4) that sit on top of the block data plane: it
// turns a stream of Go values into length-prefixed bytes packed into
// fixed-size Blocks, and back again, including items that straddle a
// block boundary.
package serial

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Codec describes how to serialize and deserialize a single Go value
// of type T into the wire format of §4.2: fixed-size types written
// verbatim, variable-size types length-prefixed with a varint,
// composites applying these rules recursively. Implementations are
// expected to be stateless and safe for concurrent use by independent
// ItemWriter/ItemReader pairs.
type Codec[T any] interface {
	Encode(w *ItemWriter, v T)
	Decode(r *ItemReader) (T, error)
}

// ItemWriter accumulates the serialized bytes of a single item before
// they are handed to the BlockWriter to be packed into blocks.
type ItemWriter struct {
	buf []byte
}

// Reset clears the writer's buffer for reuse.
func (w *ItemWriter) Reset() { w.buf = w.buf[:0] }

// Bytes returns the bytes accumulated so far.
func (w *ItemWriter) Bytes() []byte { return w.buf }

// PutByte appends a single verbatim byte.
func (w *ItemWriter) PutByte(b byte) { w.buf = append(w.buf, b) }

// PutRaw appends p verbatim, with no length prefix -- used for
// fixed-size trivially-copyable types.
func (w *ItemWriter) PutRaw(p []byte) { w.buf = append(w.buf, p...) }

// PutVarint appends u encoded with 7-bit continuation bytes, the
// canonical minimal-length unsigned varint of §4.2.
func (w *ItemWriter) PutVarint(u uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], u)
	w.buf = append(w.buf, tmp[:n]...)
}

// PutString appends s as a varint length followed by its bytes.
func (w *ItemWriter) PutString(s string) {
	w.PutVarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes appends p as a varint length followed by its bytes.
func (w *ItemWriter) PutBytes(p []byte) {
	w.PutVarint(uint64(len(p)))
	w.buf = append(w.buf, p...)
}

// ItemReader decodes a single item's bytes from the contiguous,
// block-spanning byte stream a BlockReader maintains. Reads never
// observe block boundaries: the underlying stream transparently pins
// the next block as bytes run out.
type ItemReader struct {
	src *itemByteStream
}

// ReadByte reads a single verbatim byte.
func (r *ItemReader) ReadByte() (byte, error) { return r.src.ReadByte() }

// ReadRaw reads exactly len(p) verbatim bytes into p.
func (r *ItemReader) ReadRaw(p []byte) error {
	_, err := io.ReadFull(r.src, p)
	return err
}

// Varint reads a canonical unsigned varint.
func (r *ItemReader) Varint() (uint64, error) {
	u, err := binary.ReadUvarint(r.src)
	if err != nil {
		return 0, fmt.Errorf("serial: reading varint: %w", err)
	}
	return u, nil
}

// String reads a varint length followed by that many bytes.
func (r *ItemReader) String() (string, error) {
	n, err := r.Varint()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return "", fmt.Errorf("serial: reading string body: %w", err)
	}
	return string(buf), nil
}

// Bytes reads a varint length followed by that many bytes.
func (r *ItemReader) Bytes() ([]byte, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return nil, fmt.Errorf("serial: reading bytes body: %w", err)
	}
	return buf, nil
}
