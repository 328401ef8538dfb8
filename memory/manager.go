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

// Package memory implements the process-wide tracked allocation
// manager (C9): a set of tagged byte counters plus a shared
// "memory_exceeded" signal that operator code polls at natural
// boundaries (end of an inbound block, end of an inserted reduce
// item) in order to decide when to spill.
package memory

import (
	"sync/atomic"

	"github.com/thrillrt/thrill/internal/atomicext"
)

// Category tags a byte counter so Manager.Usage can break down
// usage by subsystem (blocks, network, reduce tables, user code).
type Category int

const (
	CategoryBlocks Category = iota
	CategoryNetwork
	CategoryReduce
	CategoryUser
	numCategories
)

// Manager tracks bytes currently allocated by tagged categories and
// exposes a shared atomic flag that is set once the total tracked
// bytes exceeds a configured soft limit. It does not itself perform
// any allocation; callers (block.Pool, reduce tables, ...) report
// their own byte deltas.
//
// A Manager is a per-host singleton, constructed once inside a
// host.Context and shared by every worker on that host, the same way
// the teacher's tenant.Manager and dcache.Cache are constructed once
// per process and handed to every caller that needs them.
type Manager struct {
	soft, hard int64 // configured limits; 0 means unlimited

	total      int64 // atomic: bytes across all categories
	bycategory [numCategories]int64 // atomic

	exceeded int32 // atomic bool: total > soft
}

// NewManager constructs a Manager with the given soft and hard byte
// limits. A zero limit means "unlimited" for that bound.
func NewManager(soft, hard int64) *Manager {
	return &Manager{soft: soft, hard: hard}
}

// SoftLimit returns the configured soft memory limit.
func (m *Manager) SoftLimit() int64 { return m.soft }

// HardLimit returns the configured hard memory limit.
func (m *Manager) HardLimit() int64 { return m.hard }

// Reserve attempts to account for n additional bytes in the given
// category. It returns false without modifying any counters if doing
// so would push total usage past the hard limit -- the caller must
// then either evict/spill other memory or fail the allocation.
func (m *Manager) Reserve(cat Category, n int64) bool {
	if m.hard > 0 {
		for {
			before := atomic.LoadInt64(&m.total)
			after := before + n
			if after > m.hard {
				return false
			}
			if atomic.CompareAndSwapInt64(&m.total, before, after) {
				break
			}
		}
	} else {
		atomic.AddInt64(&m.total, n)
	}
	atomic.AddInt64(&m.bycategory[cat], n)
	m.refresh()
	return true
}

// Release gives back n bytes previously reserved in the given
// category.
func (m *Manager) Release(cat Category, n int64) {
	atomic.AddInt64(&m.total, -n)
	atomic.AddInt64(&m.bycategory[cat], -n)
	m.refresh()
}

func (m *Manager) refresh() {
	if m.soft <= 0 {
		return
	}
	total := atomic.LoadInt64(&m.total)
	if total > m.soft {
		atomic.StoreInt32(&m.exceeded, 1)
	} else {
		atomic.StoreInt32(&m.exceeded, 0)
	}
}

// Exceeded reports whether tracked usage currently exceeds the soft
// limit. Operator code should poll this at natural boundaries (after
// finishing an inbound block, after inserting a reduce item) and, if
// true, spill the largest partition or evict the least-recently-used
// unpinned block it owns.
func (m *Manager) Exceeded() bool {
	return atomic.LoadInt32(&m.exceeded) != 0
}

// Total returns the current total tracked byte usage across all
// categories.
func (m *Manager) Total() int64 {
	return atomic.LoadInt64(&m.total)
}

// Usage returns the current byte usage for a single category.
func (m *Manager) Usage(cat Category) int64 {
	return atomic.LoadInt64(&m.bycategory[cat])
}

// ClampInt64 atomically lowers *ptr to bound if it is larger. Nothing
// in this module calls it; it is not tied to the Manager counters.
func ClampInt64(ptr *int64, bound int64) {
	atomicext.MinInt64(ptr, bound)
}
