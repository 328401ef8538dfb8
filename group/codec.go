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

package group

import (
	"encoding/binary"
	"math"
)

// Codec marshals a single collective value to and from a whole
// in-memory frame. Unlike serial.Codec (which streams across block
// boundaries), collective payloads are small, fixed, whole messages,
// so a simpler byte-slice-in, byte-slice-out contract is enough here.
type Codec[T any] interface {
	Marshal(v T) []byte
	Unmarshal(b []byte) (T, error)
}

// Int64Codec marshals an int64 as 8 little-endian bytes.
type Int64Codec struct{}

func (Int64Codec) Marshal(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func (Int64Codec) Unmarshal(b []byte) (int64, error) {
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// Float64Codec marshals a float64 via its IEEE-754 bit pattern.
type Float64Codec struct{}

func (Float64Codec) Marshal(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func (Float64Codec) Unmarshal(b []byte) (float64, error) {
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// StringCodec marshals a string as its raw bytes (the frame's own
// length prefix, handled by Group.Send/Recv, already delimits it).
type StringCodec struct{}

func (StringCodec) Marshal(v string) []byte   { return []byte(v) }
func (StringCodec) Unmarshal(b []byte) (string, error) { return string(b), nil }
