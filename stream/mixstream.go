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

package stream

import "github.com/thrillrt/thrill/block"

// MixItem is a block tagged with the global worker id it arrived
// from, the unit MixReader hands back instead of a bare Block.
type MixItem struct {
	From  uint32
	Block block.Block
}

// MixReader returns a reader over all traffic routed to localWorker
// in arrival order, regardless of source -- the destQueue's single
// mutex already serializes concurrent pushes from every local and
// remote source into actual arrival order, so no merge step is
// needed beyond draining the one shared slice (§4.2's MixStream
// contract).
func (s *Stream) MixReader(localWorker int) *MixSource {
	return &MixSource{dq: s.state.dest(localWorker)}
}

type MixSource struct {
	dq     *destQueue
	cursor int
}

// Next returns the next arrived block tagged with its source, or
// ok=false once every source has closed and the backlog is drained.
func (s *MixSource) Next() (MixItem, bool) {
	s.dq.mu.Lock()
	defer s.dq.mu.Unlock()
	for {
		if s.cursor < len(s.dq.arrival) {
			t := s.dq.arrival[s.cursor]
			s.cursor++
			return MixItem{From: t.from, Block: t.b}, true
		}
		if s.dq.nclosed >= s.dq.total {
			return MixItem{}, false
		}
		s.dq.cond.Wait()
	}
}
