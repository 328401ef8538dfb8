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

// Package diskio implements the external-memory block manager (C10):
// a set of configured disks, a pluggable extent-allocation strategy
// per disk, and asynchronous read/write request queues that the
// block pool uses to page ByteBlocks out to, and back in from,
// external storage.
package diskio

import "fmt"

// BID (Block ID) addresses a fixed-size extent on one configured
// disk. BIDs are only ever held in RAM; there is no on-disk directory
// of allocated extents, so a process restart loses track of any
// extents it had allocated (this is fine: external-memory scratch is
// never expected to survive a restart, per the spec's non-goals).
type BID struct {
	Disk   int
	Offset int64
	Size   int64
}

func (b BID) String() string {
	return fmt.Sprintf("disk%d@%d+%d", b.Disk, b.Offset, b.Size)
}

// Valid reports whether b identifies a non-empty extent.
func (b BID) Valid() bool {
	return b.Size > 0
}
