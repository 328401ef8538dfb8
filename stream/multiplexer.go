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
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/group"
)

// destQueue is the inbound state for one (stream, destination local
// worker) pair, tracking both per-source order (for CatStream) and
// arrival order (for MixStream) over the same underlying pushes, plus
// which sources have sent their closure notice.
type destQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	bySrc   map[uint32][]block.Block
	arrival []taggedBlock
	closed  map[uint32]bool
	nclosed int
	total   int // total expected distinct sources (W)
}

type taggedBlock struct {
	from uint32
	b    block.Block
}

func newDestQueue(total int) *destQueue {
	q := &destQueue{bySrc: make(map[uint32][]block.Block), closed: make(map[uint32]bool), total: total}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *destQueue) push(from uint32, b block.Block) {
	q.mu.Lock()
	q.bySrc[from] = append(q.bySrc[from], b.Retain())
	q.arrival = append(q.arrival, taggedBlock{from: from, b: b})
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *destQueue) closeSource(from uint32) {
	q.mu.Lock()
	if !q.closed[from] {
		q.closed[from] = true
		q.nclosed++
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *destQueue) sourceClosed(from uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed[from]
}

func (q *destQueue) allClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nclosed >= q.total
}

// streamState is the Multiplexer's per-stream routing table: one
// destQueue per local destination worker.
type streamState struct {
	mu      sync.Mutex
	perDest map[int]*destQueue
	total   int
}

func newStreamState(total int) *streamState {
	return &streamState{perDest: make(map[int]*destQueue), total: total}
}

func (s *streamState) dest(local int) *destQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.perDest[local]
	if !ok {
		q = newDestQueue(s.total)
		s.perDest[local] = q
	}
	return q
}

// Multiplexer is the per-host routing authority of §4.5: it assigns
// StreamIds, routes outbound blocks either directly into a local
// destination's queue or over the host-to-host Group connection, and
// runs one receiver goroutine per peer host parsing the wire protocol
// and enqueuing inbound blocks.
type Multiplexer struct {
	rank           int
	hosts          int
	workersPerHost int
	grp            *group.Group // nil when hosts == 1 (nothing to dial)
	pool           *block.Pool

	sendMu  []sync.Mutex
	mu      sync.Mutex
	streams map[uint32]*streamState
	nextID  uint32
}

// NewMultiplexer constructs a Multiplexer for this host. grp may be
// nil when the job runs with a single simulated host.
func NewMultiplexer(rank, hosts, workersPerHost int, grp *group.Group, pool *block.Pool) *Multiplexer {
	m := &Multiplexer{
		rank:           rank,
		hosts:          hosts,
		workersPerHost: workersPerHost,
		grp:            grp,
		pool:           pool,
		streams:        make(map[uint32]*streamState),
	}
	if grp != nil {
		m.sendMu = make([]sync.Mutex, hosts)
	}
	return m
}

// Workers returns the total worker count W across the whole job.
func (m *Multiplexer) Workers() int { return m.hosts * m.workersPerHost }

// GlobalWorker converts a local worker index on this host to its
// job-global worker id.
func (m *Multiplexer) GlobalWorker(local int) uint32 {
	return uint32(m.rank*m.workersPerHost + local)
}

func (m *Multiplexer) hostOf(global uint32) int { return int(global) / m.workersPerHost }
func (m *Multiplexer) localOf(global uint32) int { return int(global) % m.workersPerHost }

func (m *Multiplexer) state(id uint32) *streamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		s = newStreamState(m.Workers())
		m.streams[id] = s
	}
	return s
}

// OpenStream allocates the next StreamId and returns a handle to it.
// Every worker across every host must call OpenStream the same number
// of times in the same order for a given DIA graph position, which
// the graph's deterministic construction already guarantees (§4.5);
// the Multiplexer itself does not need to coordinate the assignment
// over the network.
func (m *Multiplexer) OpenStream(kind Magic) *Stream {
	id := atomic.AddUint32(&m.nextID, 1) - 1
	return &Stream{mux: m, id: id, kind: kind, state: m.state(id)}
}

// Start launches the receiver goroutine for every peer host. Must be
// called once after construction, before any stream traffic crosses
// a host boundary.
func (m *Multiplexer) Start() {
	if m.grp == nil {
		return
	}
	for h := 0; h < m.hosts; h++ {
		if h == m.rank {
			continue
		}
		go m.receiveLoop(h)
	}
}

func (m *Multiplexer) receiveLoop(peerHost int) {
	conn := m.grp.Conn(peerHost)
	for {
		hd, err := readHeader(conn)
		if err != nil {
			return
		}
		local := int(hd.ToWorker) - m.rank*m.workersPerHost
		st := m.state(hd.StreamID)
		dq := st.dest(local)
		if hd.PayloadLen == 0 {
			dq.closeSource(hd.FromWorker)
			continue
		}
		buf := make([]byte, hd.PayloadLen)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		bb, err := m.pool.AllocateByteBlock(int64(hd.PayloadLen))
		if err != nil {
			return
		}
		bb.WriteAt(0, buf)
		blk, err := bb.Finish(0, int(hd.PayloadLen), int(hd.FirstItem), int(hd.NumItems))
		bb.Unpin()
		if err != nil {
			continue
		}
		dq.push(hd.FromWorker, blk)
	}
}

// Stream is a handle to one StreamId, shared by every worker of the
// job. A worker uses Writer to obtain one Sink per destination
// worker it must push to, and one of CatReader/MixReader to consume
// whatever was routed to one of its own local workers.
type Stream struct {
	mux   *Multiplexer
	id    uint32
	kind  Magic
	state *streamState
}

// ID returns this stream's StreamId.
func (s *Stream) ID() uint32 { return s.id }

// Writer returns a Sink that routes blocks from fromLocal (a local
// worker index on this host) to the destination worker identified by
// its job-global id: a direct loopback enqueue if toGlobal is on this
// host, otherwise a framed write over the Group connection to
// toGlobal's host, per §4.5's outbound-path routing rule.
func (s *Stream) Writer(fromLocal int, toGlobal uint32) block.Sink {
	return &streamSink{s: s, from: s.mux.GlobalWorker(fromLocal), to: toGlobal}
}

type streamSink struct {
	s    *Stream
	from uint32
	to   uint32
}

func (w *streamSink) Put(b block.Block) error {
	toHost := w.s.mux.hostOf(w.to)
	if toHost == w.s.mux.rank {
		dq := w.s.state.dest(w.s.mux.localOf(w.to))
		dq.push(w.from, b)
		return nil
	}
	pinned, err := b.PinBlock()
	if err != nil {
		return err
	}
	data := append([]byte(nil), pinned.Bytes()...)
	pinned.UnpinBlock()
	b.Release()

	hd := header{
		Magic:      w.s.kind,
		StreamID:   w.s.id,
		FromWorker: w.from,
		ToWorker:   w.to,
		NumItems:   uint32(b.NumItems),
		FirstItem:  uint32(b.FirstItem - b.Begin),
		PayloadLen: uint32(len(data)),
	}
	return w.s.mux.sendFramed(toHost, hd, data)
}

func (w *streamSink) Close() error {
	toHost := w.s.mux.hostOf(w.to)
	if toHost == w.s.mux.rank {
		w.s.state.dest(w.s.mux.localOf(w.to)).closeSource(w.from)
		return nil
	}
	hd := header{Magic: w.s.kind, StreamID: w.s.id, FromWorker: w.from, ToWorker: w.to}
	return w.s.mux.sendFramed(toHost, hd, nil)
}

func (m *Multiplexer) sendFramed(toHost int, hd header, payload []byte) error {
	m.sendMu[toHost].Lock()
	defer m.sendMu[toHost].Unlock()
	conn := m.grp.Conn(toHost)
	if err := hd.write(conn); err != nil {
		return fmt.Errorf("stream: writing header to host %d: %w", toHost, err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("stream: writing payload to host %d: %w", toHost, err)
		}
	}
	return nil
}
