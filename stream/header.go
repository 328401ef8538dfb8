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

// Package stream implements the Multiplexer and the Stream reader
// flavors built on top of it (C6): cross-worker data motion is only
// ever done through a Stream, whether the destination is a local
// worker (direct loopback enqueue) or a worker on a different host
// (framed over the group.Group byte connection).
package stream

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic distinguishes the kind of block a header introduces.
type Magic uint8

const (
	MagicCat       Magic = 1
	MagicMix       Magic = 2
	MagicPartition Magic = 3
)

// header is the host-to-host wire header of §6: a fixed 25-byte
// prefix (no typecode verification in this build) followed by the
// payload. A payload_len of zero is a stream closure notice from
// FromWorker to ToWorker on StreamID.
type header struct {
	Magic      Magic
	StreamID   uint32
	FromWorker uint32
	ToWorker   uint32
	NumItems   uint32
	FirstItem  uint32
	PayloadLen uint32
}

const headerSize = 1 + 4*6

func (h header) write(w io.Writer) error {
	var buf [headerSize]byte
	buf[0] = byte(h.Magic)
	binary.BigEndian.PutUint32(buf[1:], h.StreamID)
	binary.BigEndian.PutUint32(buf[5:], h.FromWorker)
	binary.BigEndian.PutUint32(buf[9:], h.ToWorker)
	binary.BigEndian.PutUint32(buf[13:], h.NumItems)
	binary.BigEndian.PutUint32(buf[17:], h.FirstItem)
	binary.BigEndian.PutUint32(buf[21:], h.PayloadLen)
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.Reader) (header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, fmt.Errorf("stream: reading header: %w", err)
	}
	return header{
		Magic:      Magic(buf[0]),
		StreamID:   binary.BigEndian.Uint32(buf[1:]),
		FromWorker: binary.BigEndian.Uint32(buf[5:]),
		ToWorker:   binary.BigEndian.Uint32(buf[9:]),
		NumItems:   binary.BigEndian.Uint32(buf[13:]),
		FirstItem:  binary.BigEndian.Uint32(buf[17:]),
		PayloadLen: binary.BigEndian.Uint32(buf[21:]),
	}, nil
}
