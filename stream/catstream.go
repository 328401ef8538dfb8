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

// CatReader opens the concatenation ordering over the stream traffic
// routed to localWorker: source 0's blocks in full, then source 1's,
// and so on through source W-1, per §4.2's CatStream contract.
func (s *Stream) CatReader(localWorker int) block.Source {
	dq := s.state.dest(localWorker)
	return &catSource{dq: dq, n: dq.total}
}

// SourceReader opens a single source's blocks, in order, ignoring
// every other source: the basis for the "W independent readers"
// presentation of a CatStream, one per origin worker.
func (s *Stream) SourceReader(localWorker int, from uint32) block.Source {
	return &singleSource{dq: s.state.dest(localWorker), from: from}
}

type singleSource struct {
	dq     *destQueue
	from   uint32
	cursor int
}

func (s *singleSource) Next() (block.Block, bool, error) {
	s.dq.mu.Lock()
	defer s.dq.mu.Unlock()
	for {
		items := s.dq.bySrc[s.from]
		if s.cursor < len(items) {
			b := items[s.cursor]
			s.cursor++
			return b, true, nil
		}
		if s.dq.closed[s.from] {
			return block.Block{}, false, nil
		}
		s.dq.cond.Wait()
	}
}

type catSource struct {
	dq     *destQueue
	n      int
	cur    uint32
	cursor int
}

// Next drains source cur fully (waiting for its closure) before
// advancing to cur+1, giving the concatenation ordering.
func (s *catSource) Next() (block.Block, bool, error) {
	s.dq.mu.Lock()
	defer s.dq.mu.Unlock()
	for {
		if int(s.cur) >= s.n {
			return block.Block{}, false, nil
		}
		items := s.dq.bySrc[s.cur]
		if s.cursor < len(items) {
			b := items[s.cursor]
			s.cursor++
			return b, true, nil
		}
		if s.dq.closed[s.cur] {
			s.cur++
			s.cursor = 0
			continue
		}
		s.dq.cond.Wait()
	}
}
