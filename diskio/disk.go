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
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/s2"
)

// Disk is one configured backing store for external-memory scratch.
// A Disk grows its backing file on demand and hands out extents from
// a simple free-list allocator; it never shrinks the file, since
// thrill scratch data is short-lived relative to a job and the
// bookkeeping cost of returning space to the OS is not worth it.
type Disk struct {
	id   int
	path string

	mu       sync.Mutex
	file     *os.File
	size     int64    // current file size
	free     []extent // free list, in the order extents were freed
	compress bool     // s2-compress block payloads before writing
}

type extent struct {
	offset, size int64
}

// OpenDisk opens (creating if necessary) the backing file for a
// single configured disk.
func OpenDisk(id int, path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("diskio: opening disk %d at %q: %w", id, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskio: stat disk %d: %w", id, err)
	}
	return &Disk{id: id, path: path, file: f, size: fi.Size()}, nil
}

// ID returns the configured disk index this Disk represents.
func (d *Disk) ID() int { return d.id }

// SetCompress enables or disables s2 compression of block payloads
// written to this disk (THRILL_DISK_COMPRESS). It must be called
// before any Allocate, since it changes how many physical bytes an
// extent of a given logical size reserves.
func (d *Disk) SetCompress(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compress = enable
}

// compressHeaderLen is the length, in bytes, of the little-endian
// compressed-payload-length prefix written ahead of every compressed
// block.
const compressHeaderLen = 4

// physicalSize returns the number of bytes a logical extent of size
// logical must physically reserve: unchanged when compression is
// off, or enough for the worst-case (incompressible) s2 output plus
// its length header when it's on.
func (d *Disk) physicalSize(logical int64) int64 {
	if !d.compress {
		return logical
	}
	return int64(compressHeaderLen + s2.MaxEncodedLen(int(logical)))
}

// Close closes the underlying backing file. Any outstanding async
// requests must be drained before Close is called.
func (d *Disk) Close() error {
	return d.file.Close()
}

// Allocate reserves size logical bytes on this disk and returns the
// BID that addresses them. It reuses a free extent if one of
// sufficient physical size exists (first-fit); otherwise it grows the
// backing file. The BID's Size is always the logical (uncompressed)
// size callers asked for; when compression is enabled, Allocate
// reserves more physical bytes than that so a poorly-compressible
// write still fits.
func (d *Disk) Allocate(size int64) BID {
	d.mu.Lock()
	defer d.mu.Unlock()
	physical := d.physicalSize(size)
	for i, e := range d.free {
		if e.size >= physical {
			bid := BID{Disk: d.id, Offset: e.offset, Size: size}
			if e.size > physical {
				d.free[i] = extent{offset: e.offset + physical, size: e.size - physical}
			} else {
				d.free = append(d.free[:i], d.free[i+1:]...)
			}
			return bid
		}
	}
	off := d.size
	d.size += physical
	return BID{Disk: d.id, Offset: off, Size: size}
}

// Free returns a previously allocated extent to this disk's free
// list, coalescing with an adjacent free extent when possible. It
// recomputes the physical span from bid.Size and the disk's current
// compress setting, which must not change between a BID's Allocate
// and its Free.
func (d *Disk) Free(bid BID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := extent{offset: bid.Offset, size: d.physicalSize(bid.Size)}
	for i := range d.free {
		if d.free[i].offset+d.free[i].size == e.offset {
			d.free[i].size += e.size
			return
		}
		if e.offset+e.size == d.free[i].offset {
			d.free[i].offset = e.offset
			d.free[i].size += e.size
			return
		}
	}
	d.free = append(d.free, e)
}

// Capacity returns the current size of the backing file in bytes.
func (d *Disk) Capacity() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// WriteAt synchronously writes p to the extent addressed by bid at
// the given extent-relative offset. Disk write failures are fatal
// per the spec's error-handling policy (no retry path for lost
// intermediate data); callers are expected to abort the job on error.
// With compression enabled, only a full-extent write (off 0, len(p)
// == bid.Size) is supported -- the only pattern block.Pool's eviction
// path ever uses.
func (d *Disk) WriteAt(bid BID, off int64, p []byte) error {
	if off+int64(len(p)) > bid.Size {
		return fmt.Errorf("diskio: write past end of extent %s", bid)
	}
	if !d.compress {
		_, err := d.file.WriteAt(p, bid.Offset+off)
		if err != nil {
			return fmt.Errorf("diskio: write to disk %d: %w", d.id, err)
		}
		return nil
	}
	if off != 0 || int64(len(p)) != bid.Size {
		return fmt.Errorf("diskio: compressed disk %d only supports full-extent writes", d.id)
	}
	compressed := s2.Encode(make([]byte, s2.MaxEncodedLen(len(p))), p)
	var hdr [compressHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(compressed)))
	if _, err := d.file.WriteAt(hdr[:], bid.Offset); err != nil {
		return fmt.Errorf("diskio: write compressed header to disk %d: %w", d.id, err)
	}
	if _, err := d.file.WriteAt(compressed, bid.Offset+compressHeaderLen); err != nil {
		return fmt.Errorf("diskio: write compressed payload to disk %d: %w", d.id, err)
	}
	return nil
}

// ReadAt synchronously reads len(p) bytes from the extent addressed
// by bid at the given extent-relative offset.
func (d *Disk) ReadAt(bid BID, off int64, p []byte) error {
	if off+int64(len(p)) > bid.Size {
		return fmt.Errorf("diskio: read past end of extent %s", bid)
	}
	if !d.compress {
		_, err := d.file.ReadAt(p, bid.Offset+off)
		if err != nil {
			return fmt.Errorf("diskio: read from disk %d: %w", d.id, err)
		}
		return nil
	}
	if off != 0 || int64(len(p)) != bid.Size {
		return fmt.Errorf("diskio: compressed disk %d only supports full-extent reads", d.id)
	}
	var hdr [compressHeaderLen]byte
	if _, err := d.file.ReadAt(hdr[:], bid.Offset); err != nil {
		return fmt.Errorf("diskio: read compressed header from disk %d: %w", d.id, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	compressed := make([]byte, n)
	if _, err := d.file.ReadAt(compressed, bid.Offset+compressHeaderLen); err != nil {
		return fmt.Errorf("diskio: read compressed payload from disk %d: %w", d.id, err)
	}
	decoded, err := s2.Decode(p[:0:len(p)], compressed)
	if err != nil {
		return fmt.Errorf("diskio: decompress from disk %d: %w", d.id, err)
	}
	if len(decoded) != len(p) || (len(p) > 0 && &decoded[0] != &p[0]) {
		return fmt.Errorf("diskio: decompress from disk %d: unexpected output buffer", d.id)
	}
	return nil
}
