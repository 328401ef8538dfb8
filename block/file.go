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
	"errors"
	"fmt"
	"sync"
)

// File is an ordered, append-only sequence of Blocks plus a running
// item count (C3). It is both a DIA node's scratch materialization
// and a general-purpose intermediate store. A File becomes immutable
// once its single Writer is closed; it may then be read any number
// of times via GetKeepReader, or exactly once via GetConsumeReader,
// which destroys blocks (returning memory to the pool) as it
// advances.
//
// An empty File (no blocks ever appended) is a valid, legally
// readable value.
type File struct {
	mu        sync.Mutex
	blocks    []Block
	numItems  int64
	writerOut bool // a Writer has been vended and not yet closed
	sealed    bool
}

// NewFile constructs an empty File.
func NewFile() *File {
	return &File{}
}

// NumItems returns the total number of items appended to the file.
func (f *File) NumItems() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numItems
}

// SizeBytes returns the sum of the byte lengths of the file's blocks.
func (f *File) SizeBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.blocks {
		n += int64(b.Len())
	}
	return n
}

// NumBlocks returns the current block count.
func (f *File) NumBlocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}

// BlockAt returns the i'th block, taking a new strong reference on
// it. Used by Scatter (§4.5) to move whole blocks across a stream
// without re-serialization.
func (f *File) BlockAt(i int) Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[i].Retain()
}

// fileSink is the Sink implementation vended by File.GetWriter.
type fileSink struct {
	f *File
}

// GetWriter returns a Sink appending to this file. Only one Writer
// may be open on a File at a time.
func (f *File) GetWriter() (Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return nil, errors.New("block: File already sealed")
	}
	if f.writerOut {
		return nil, errors.New("block: File already has an open Writer")
	}
	f.writerOut = true
	return &fileSink{f: f}, nil
}

func (s *fileSink) Put(b Block) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.f.sealed {
		b.Release()
		return errors.New("block: Put on sealed File")
	}
	s.f.blocks = append(s.f.blocks, b)
	s.f.numItems += int64(b.NumItems)
	return nil
}

func (s *fileSink) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.sealed = true
	s.f.writerOut = false
	return nil
}

// keepSource is a multi-pass Source over a File's blocks; it does
// not release any block reference, so the File may be read again.
type keepSource struct {
	f   *File
	pos int
}

// GetKeepReader returns a Source that reads all blocks of the file in
// order without consuming them; the File may be read again
// afterward. Calling GetKeepReader before the file's writer has
// closed is a logic error.
func (f *File) GetKeepReader() (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sealed {
		return nil, fmt.Errorf("block: GetKeepReader on unsealed File")
	}
	return &keepSource{f: f}, nil
}

func (s *keepSource) Next() (Block, bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.pos >= len(s.f.blocks) {
		return Block{}, false, nil
	}
	b := s.f.blocks[s.pos].Retain()
	s.pos++
	return b, true, nil
}

// consumeSource is a single-pass Source that releases each block's
// strong reference as it is handed to the caller's Next, and drops
// it from the File's block list so the pool can reclaim its memory.
type consumeSource struct {
	f *File
}

// GetConsumeReader returns a Source that reads the file's blocks
// exactly once, destroying each block's File-held reference as it
// advances (additional references the caller itself Retained
// elsewhere keep the data alive until it also releases them). A File
// may only be consumed once.
func (f *File) GetConsumeReader() (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sealed {
		return nil, fmt.Errorf("block: GetConsumeReader on unsealed File")
	}
	return &consumeSource{f: f}, nil
}

func (s *consumeSource) Next() (Block, bool, error) {
	s.f.mu.Lock()
	if len(s.f.blocks) == 0 {
		s.f.mu.Unlock()
		return Block{}, false, nil
	}
	b := s.f.blocks[0]
	s.f.blocks = s.f.blocks[1:]
	s.f.mu.Unlock()
	return b, true, nil
}
