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

// Sink is the destination a BlockWriter hands finished blocks to:
// either a File (§4.3) or a per-destination stream outbound queue
// (§4.5). A Sink takes ownership of the Block reference passed to
// Put; a Sink that must retain the block beyond the call (to fan it
// out to more than one destination) must call Block.Retain first.
type Sink interface {
	Put(Block) error
	Close() error
}

// Source is a sequence of Blocks a BlockReader pulls from: all
// blocks of a File in order, the keep or consume version of a stream
// queue, or a concatenation of several queues. Next blocks only on
// source availability, never for any other reason, per §4.2.
type Source interface {
	// Next returns the next Block, or ok=false if the source is
	// exhausted (closed with no further data).
	Next() (b Block, ok bool, err error)
}
