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

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/thrillrt/thrill/diskio"
	"github.com/thrillrt/thrill/heap"
	"github.com/thrillrt/thrill/memory"
)

// Pool is the single authority over the memory used for data blocks
// on a host (C1). It enforces a soft limit (evict to external memory
// once exceeded) and a hard limit (block new allocations once
// reached with nothing left to evict).
//
// Eviction runs on a dedicated goroutine driven by a condition
// variable the allocator signals whenever resident bytes cross the
// soft limit, following the same "one background worker drains a
// work list guarded by a lock + cond" shape as the teacher's
// tenant.Manager cache-eviction walker (tenant/evict.go), adapted
// here from a filesystem LRU scan to an in-memory candidate heap.
type Pool struct {
	disks *diskio.Manager
	mem   *memory.Manager

	mu       sync.Mutex
	cond     *sync.Cond
	resident int64
	soft     int64
	hard     int64
	clock    int64
	lru      []*ByteBlock // min-heap ordered by lru (least recently unpinned first)
	closed   bool

	evictWake chan struct{}
	evictDone chan struct{}
}

// NewPool constructs a Pool with the given soft/hard byte limits,
// backed by disks for spilling and reporting its usage into mem under
// memory.CategoryBlocks.
func NewPool(soft, hard int64, disks *diskio.Manager, mem *memory.Manager) *Pool {
	p := &Pool{
		disks:     disks,
		mem:       mem,
		soft:      soft,
		hard:      hard,
		evictWake: make(chan struct{}, 1),
		evictDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.evictLoop()
	return p
}

// Close stops the eviction goroutine. Outstanding ByteBlocks remain
// valid, but no further automatic eviction will occur.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	<-p.evictDone
}

func lessLRU(a, b *ByteBlock) bool { return a.lru < b.lru }

// AllocateByteBlock returns a newly allocated, pinned, zero-item
// block of the given size. It blocks until evictions free enough
// space if the soft/hard limits require it, and fails only when size
// exceeds the hard limit outright (a configuration error, per §7).
func (p *Pool) AllocateByteBlock(size int64) (*ByteBlock, error) {
	if p.hard > 0 && size > p.hard {
		return nil, fmt.Errorf("block: requested block size %d exceeds hard limit %d", size, p.hard)
	}
	p.mu.Lock()
	for p.hard > 0 && p.resident+size > p.hard {
		if !p.evictOneLocked() {
			// nothing evictable; block until something is unpinned
			p.cond.Wait()
			continue
		}
	}
	p.resident += size
	p.mu.Unlock()

	if p.mem != nil {
		p.mem.Reserve(memory.CategoryBlocks, size)
	}
	bb := &ByteBlock{
		pool:      p,
		data:      make([]byte, size),
		capacity:  size,
		resident:  true,
		pins:      1,
		refs:      1,
		heapIndex: -1,
	}
	p.maybeWakeEvictor()
	return bb, nil
}

// PinBlock increases a Block's underlying ByteBlock pin count. If the
// block is currently paged out, PinBlock issues a read from external
// memory and blocks until the data is resident.
func (b *Block) PinBlock() (PinnedBlock, error) {
	bb := b.bb
	bb.mu.Lock()
	if bb.resident {
		atomic.AddInt32(&bb.pins, 1)
		bb.mu.Unlock()
		bb.pool.removeFromLRU(bb)
		return PinnedBlock{Block: *b}, nil
	}
	// paged out: issue a read and wait for it to complete
	ch := make(chan error, 1)
	bb.waiters = append(bb.waiters, ch)
	needFetch := len(bb.waiters) == 1
	bid := bb.bid
	bb.mu.Unlock()

	if needFetch {
		buf := make([]byte, bid.Size)
		bb.pool.disks.ReadAsync(bid, 0, buf, func(err error) {
			bb.mu.Lock()
			if err == nil {
				bb.data = buf
				bb.resident = true
			}
			waiters := bb.waiters
			bb.waiters = nil
			bb.mu.Unlock()
			if err == nil {
				p := bb.pool
				p.mu.Lock()
				p.resident += int64(len(buf))
				p.mu.Unlock()
				if p.mem != nil {
					p.mem.Reserve(memory.CategoryBlocks, int64(len(buf)))
				}
			}
			for _, w := range waiters {
				w <- err
			}
		})
	}
	if err := <-ch; err != nil {
		return PinnedBlock{}, fmt.Errorf("block: fatal read-back failure for %s: %w", bid, err)
	}
	atomic.AddInt32(&bb.pins, 1)
	return PinnedBlock{Block: *b}, nil
}

// UnpinBlock decrements the pin count of the given PinnedBlock's
// underlying ByteBlock. When the count reaches zero, the block
// becomes eligible for eviction.
func (pb *PinnedBlock) UnpinBlock() {
	bb := pb.bb
	if atomic.AddInt32(&bb.pins, -1) == 0 {
		bb.pool.markUnpinned(bb)
	}
}

func (p *Pool) markUnpinned(bb *ByteBlock) {
	p.mu.Lock()
	p.clock++
	bb.lru = p.clock
	if bb.heapIndex < 0 {
		p.lru = append(p.lru, bb)
		bb.heapIndex = len(p.lru) - 1
		heap.FixSlice(p.lru, bb.heapIndex, lessLRU)
	} else {
		heap.FixSlice(p.lru, bb.heapIndex, lessLRU)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) removeFromLRU(bb *ByteBlock) {
	p.mu.Lock()
	if bb.heapIndex >= 0 {
		p.removeIndexLocked(bb.heapIndex)
	}
	p.mu.Unlock()
}

func (p *Pool) removeIndexLocked(i int) {
	last := len(p.lru) - 1
	p.lru[i] = p.lru[last]
	p.lru[i].heapIndex = i
	p.lru = p.lru[:last]
	if i < len(p.lru) {
		heap.FixSlice(p.lru, i, lessLRU)
	}
}

// evictOneLocked evicts the least-recently-unpinned block, if any
// exists. Caller must hold p.mu. It releases p.mu while performing
// the synchronous spill write (disk writes are intentionally
// synchronous from the allocator's point of view: the allocator must
// not hand out a block's RAM until the write has actually landed).
func (p *Pool) evictOneLocked() bool {
	if len(p.lru) == 0 {
		return false
	}
	bb := p.lru[0]
	p.removeIndexLocked(0)
	p.mu.Unlock()
	err := p.spill(bb)
	p.mu.Lock()
	return err == nil
}

func (p *Pool) spill(bb *ByteBlock) error {
	bb.mu.Lock()
	if !bb.resident {
		bb.mu.Unlock()
		return nil
	}
	data := bb.data
	size := int64(len(data))
	bb.mu.Unlock()

	bid := p.disks.NewBlocks(0, 1, size)[0]
	done := make(chan error, 1)
	p.disks.WriteAsync(bid, 0, data, func(err error) { done <- err })
	if err := <-done; err != nil {
		// disk write failure is fatal per §7: there is no
		// recovery path for lost intermediate data.
		panic(fmt.Sprintf("block: fatal spill failure: %s", err))
	}

	bb.mu.Lock()
	bb.data = nil
	bb.resident = false
	bb.bid = bid
	bb.mu.Unlock()

	p.mu.Lock()
	p.resident -= size
	p.mu.Unlock()
	if p.mem != nil {
		p.mem.Release(memory.CategoryBlocks, size)
	}
	return nil
}

// EvictBlock explicitly requests that bb be queued for eviction,
// regardless of current memory pressure. It is a no-op if bb is
// currently pinned or already paged out.
func (p *Pool) EvictBlock(bb *ByteBlock) {
	if atomic.LoadInt32(&bb.pins) > 0 {
		return
	}
	p.mu.Lock()
	if bb.heapIndex >= 0 {
		p.removeIndexLocked(bb.heapIndex)
	}
	p.mu.Unlock()
	p.spill(bb)
}

// releaseByteBlock is invoked when a ByteBlock's last strong
// reference drops: if resident, its RAM is returned to the pool; if
// paged out, its disk extent is freed.
func (p *Pool) releaseByteBlock(bb *ByteBlock) {
	p.mu.Lock()
	if bb.heapIndex >= 0 {
		p.removeIndexLocked(bb.heapIndex)
	}
	p.mu.Unlock()

	bb.mu.Lock()
	resident := bb.resident
	size := int64(len(bb.data))
	bid := bb.bid
	bb.data = nil
	bb.resident = false
	bb.mu.Unlock()

	if resident {
		p.mu.Lock()
		p.resident -= size
		p.mu.Unlock()
		if p.mem != nil {
			p.mem.Release(memory.CategoryBlocks, size)
		}
	} else if bid.Valid() {
		p.disks.Free(bid)
	}
	p.cond.Broadcast()
}

func (p *Pool) maybeWakeEvictor() {
	p.cond.Broadcast()
}

// evictLoop is the dedicated eviction thread: it wakes whenever
// resident bytes cross the soft limit and evicts least-recently-used
// unpinned blocks until back under the limit.
func (p *Pool) evictLoop() {
	defer close(p.evictDone)
	for {
		p.mu.Lock()
		for !p.closed && (p.soft <= 0 || p.resident <= p.soft) {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		over := p.soft > 0 && p.resident > p.soft
		p.mu.Unlock()
		if !over {
			continue
		}
		for {
			p.mu.Lock()
			if p.resident <= p.soft || len(p.lru) == 0 {
				p.mu.Unlock()
				break
			}
			p.mu.Unlock()
			if !p.evictNext() {
				break
			}
		}
	}
}

func (p *Pool) evictNext() bool {
	p.mu.Lock()
	if len(p.lru) == 0 {
		p.mu.Unlock()
		return false
	}
	bb := p.lru[0]
	p.removeIndexLocked(0)
	p.mu.Unlock()
	p.spill(bb)
	return true
}

// ResidentBytes reports the current total bytes of resident
// (RAM-backed) ByteBlocks owned by this pool.
func (p *Pool) ResidentBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resident
}
