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

import (
	"sync"

	"github.com/thrillrt/thrill/block"
)

// blockQueue is one (stream_id, from_worker) inbound queue: its own
// lock, a single dispatcher-thread writer, and any number of reader
// goroutines draining it, per §5's "Stream queues" shared-resource
// rule.
type blockQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []block.Block
	closed bool
}

func newBlockQueue() *blockQueue {
	q := &blockQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues b. Must not be called after close.
func (q *blockQueue) push(b block.Block) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.cond.Signal()
}

// close marks the queue as having no further blocks.
func (q *blockQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// next blocks until a block is available or the queue is closed and
// drained, per §4.2's "readers never block except on source
// availability".
func (q *blockQueue) next() (block.Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return block.Block{}, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}
