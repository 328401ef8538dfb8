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

package diskio

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// chachaRNG is a small seedable keystream-backed generator used by the
// "random cyclic" and "fully random" disk allocation strategies (§4.9)
// to pick extent offsets without favoring any particular disk region.
// It draws its stream from golang.org/x/crypto/chacha20 run in
// counter mode; the seed is stretched into a key with sha256 purely
// to fill the cipher's fixed 32-byte key size; this is not a
// cryptographic use, just a source of well-distributed uint64s, and
// is seeded once per process so two allocators don't collide on the
// same sequence.
type chachaRNG struct {
	cipher *chacha20.Cipher
	buf    [64]byte
	pos    int
}

func newChachaRNG(seed uint64) *chachaRNG {
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)
	key := sha256.Sum256(seedBytes[:])
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		// key is sha256.Size (32) bytes and nonce is chacha20.NonceSize
		// bytes by construction above; only a library contract change
		// could make this fail.
		panic("diskio: chacha20 cipher construction: " + err.Error())
	}
	r := &chachaRNG{cipher: c}
	r.pos = len(r.buf) // force a refill on first use
	return r
}

func (r *chachaRNG) refill() {
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.cipher.XORKeyStream(r.buf[:], r.buf[:])
	r.pos = 0
}

// Uint64 returns the next pseudo-random value in the stream.
func (r *chachaRNG) Uint64() uint64 {
	if r.pos+8 > len(r.buf) {
		r.refill()
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

// Intn returns a pseudo-random value in [0, n).
func (r *chachaRNG) Intn(n int) int {
	if n <= 0 {
		panic("diskio: Intn of non-positive n")
	}
	return int(r.Uint64() % uint64(n))
}
