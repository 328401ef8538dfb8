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

// Package group implements the host-to-host byte transport and the
// host-granularity collectives built on top of it (C5): Group,
// Broadcast/ReduceToRoot/AllReduce/PrefixSum/Barrier, and
// FlowControlChannel, which extends these from host granularity to
// worker granularity via a shared aligned region and a thread
// barrier.
package group

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Group is the host-to-host transport of §4.4: one full-duplex,
// byte-ordered connection per peer host. It exposes blocking
// send/receive primitives; the Multiplexer (package stream) layers
// its own wire protocol and async dispatcher on top of the same
// connections, following the teacher's pattern of a single dialed
// net.Conn carrying a self-describing stream of framed messages
// (tenant/tnproto.Remote dials once and multiplexes request/response
// frames over that one connection).
type Group struct {
	rank  int
	hosts int
	conns []net.Conn // len(conns) == hosts; conns[rank] is nil

	mu []sync.Mutex // per-peer write lock (writes must not interleave)
}

// NewGroup constructs a Group from a pre-established full mesh of
// connections: conns[h] must be the live connection to host h for
// every h != rank, and nil at index rank.
func NewGroup(rank int, conns []net.Conn) *Group {
	return &Group{
		rank:  rank,
		hosts: len(conns),
		conns: conns,
		mu:    make([]sync.Mutex, len(conns)),
	}
}

// Rank returns this host's position in the group, in [0, Hosts()).
func (g *Group) Rank() int { return g.rank }

// Hosts returns the total number of hosts in the group.
func (g *Group) Hosts() int { return g.hosts }

// Conn returns the raw connection to peer host h, for use by the
// Multiplexer's async dispatcher. It must not be used concurrently
// with Group's own blocking Send/Recv to the same peer.
func (g *Group) Conn(h int) net.Conn { return g.conns[h] }

// Close closes every peer connection.
func (g *Group) Close() error {
	var first error
	for h, c := range g.conns {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("group: closing connection to host %d: %w", h, err)
		}
	}
	return first
}

// Send writes a single varint-length-prefixed frame to peer host h,
// blocking until the write completes. Concurrent Sends to the same
// peer are serialized; Sends to distinct peers may run concurrently.
func (g *Group) Send(h int, payload []byte) error {
	g.mu[h].Lock()
	defer g.mu[h].Unlock()
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(payload)))
	if _, err := g.conns[h].Write(lenbuf[:n]); err != nil {
		return fmt.Errorf("group: send header to host %d: %w", h, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := g.conns[h].Write(payload); err != nil {
		return fmt.Errorf("group: send payload to host %d: %w", h, err)
	}
	return nil
}

// Recv blocks until a single varint-length-prefixed frame has been
// read in full from peer host h.
func (g *Group) Recv(h int) ([]byte, error) {
	br, ok := g.conns[h].(io.ByteReader)
	if !ok {
		br = &byteReaderAdapter{r: g.conns[h]}
	}
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("group: recv header from host %d: %w", h, err)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.conns[h], buf); err != nil {
		return nil, fmt.Errorf("group: recv payload from host %d: %w", h, err)
	}
	return buf, nil
}

// byteReaderAdapter wraps an io.Reader lacking ReadByte (as net.Pipe's
// pipe type does) so binary.ReadUvarint can be used over it.
type byteReaderAdapter struct {
	r   io.Reader
	buf [1]byte
}

func (a *byteReaderAdapter) ReadByte() (byte, error) {
	if _, err := io.ReadFull(a.r, a.buf[:]); err != nil {
		return 0, err
	}
	return a.buf[0], nil
}

// exchange concurrently sends payload to partner and receives
// partner's frame, returning what was received. Concurrency is
// required here, not an optimization: an in-process LoopbackTransport
// connection (net.Pipe) is unbuffered, so two peers each blocking on
// a full Write-then-Read of the other would deadlock.
func (g *Group) exchange(partner int, payload []byte) ([]byte, error) {
	var recvd []byte
	var sendErr, recvErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = g.Send(partner, payload)
	}()
	go func() {
		defer wg.Done()
		recvd, recvErr = g.Recv(partner)
	}()
	wg.Wait()
	if sendErr != nil {
		return nil, sendErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return recvd, nil
}
