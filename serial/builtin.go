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
	"encoding/binary"
	"math"
)

// Uint64Codec writes a uint64 verbatim (fixed-size, little-endian).
type Uint64Codec struct{}

func (Uint64Codec) Encode(w *ItemWriter, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.PutRaw(tmp[:])
}

func (Uint64Codec) Decode(r *ItemReader) (uint64, error) {
	var tmp [8]byte
	if err := r.ReadRaw(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

// Int64Codec writes an int64 verbatim (fixed-size, little-endian).
type Int64Codec struct{}

func (Int64Codec) Encode(w *ItemWriter, v int64) {
	Uint64Codec{}.Encode(w, uint64(v))
}

func (Int64Codec) Decode(r *ItemReader) (int64, error) {
	u, err := Uint64Codec{}.Decode(r)
	return int64(u), err
}

// Float64Codec writes a float64 verbatim via its IEEE-754 bit pattern.
type Float64Codec struct{}

func (Float64Codec) Encode(w *ItemWriter, v float64) {
	Uint64Codec{}.Encode(w, math.Float64bits(v))
}

func (Float64Codec) Decode(r *ItemReader) (float64, error) {
	u, err := Uint64Codec{}.Decode(r)
	return math.Float64frombits(u), err
}

// StringCodec writes a varint length followed by the string's bytes.
type StringCodec struct{}

func (StringCodec) Encode(w *ItemWriter, v string) { w.PutString(v) }
func (StringCodec) Decode(r *ItemReader) (string, error) { return r.String() }

// BytesCodec writes a varint length followed by the raw bytes.
type BytesCodec struct{}

func (BytesCodec) Encode(w *ItemWriter, v []byte) { w.PutBytes(v) }
func (BytesCodec) Decode(r *ItemReader) ([]byte, error) { return r.Bytes() }

// Pair is a two-element composite, serialized as its two elements in
// order -- the "pairs, tuples" composite rule of §4.2.
type Pair[A, B any] struct {
	First  A
	Second B
}

// PairCodec composes two element codecs into a codec for Pair[A, B].
type PairCodec[A, B any] struct {
	A Codec[A]
	B Codec[B]
}

func (c PairCodec[A, B]) Encode(w *ItemWriter, v Pair[A, B]) {
	c.A.Encode(w, v.First)
	c.B.Encode(w, v.Second)
}

func (c PairCodec[A, B]) Decode(r *ItemReader) (Pair[A, B], error) {
	var v Pair[A, B]
	a, err := c.A.Decode(r)
	if err != nil {
		return v, err
	}
	b, err := c.B.Decode(r)
	if err != nil {
		return v, err
	}
	v.First, v.Second = a, b
	return v, nil
}

// SliceCodec composes an element codec into a codec for []T, encoded
// as a varint count followed by each element in turn -- the
// "vectors, arrays" composite rule of §4.2.
type SliceCodec[T any] struct {
	Elem Codec[T]
}

func (c SliceCodec[T]) Encode(w *ItemWriter, v []T) {
	w.PutVarint(uint64(len(v)))
	for _, e := range v {
		c.Elem.Encode(w, e)
	}
}

func (c SliceCodec[T]) Decode(r *ItemReader) ([]T, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for i := range out {
		e, err := c.Elem.Decode(r)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
