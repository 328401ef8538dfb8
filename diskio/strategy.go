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

package diskio

import "fmt"

// Strategy picks which configured disk a new allocation should land
// on. Implementations must be safe for concurrent use.
type Strategy interface {
	// Name identifies the strategy, e.g. for THRILL_DISKS parsing.
	Name() string
	// Pick returns the index (into Manager.disks) of the disk that
	// should service the next allocation of the given size.
	Pick(ndisks int, size int64) int
}

// StripingStrategy assigns extents to disks in round-robin order,
// which is the right choice when disks have uniform throughput and
// callers allocate similarly-sized extents (the common case for
// reduce-table spills and File scratch).
type StripingStrategy struct {
	next int
}

func (s *StripingStrategy) Name() string { return "striping" }

func (s *StripingStrategy) Pick(ndisks int, size int64) int {
	d := s.next % ndisks
	s.next++
	return d
}

// RandomCyclicStrategy is striping with a randomized starting disk,
// drawn once on the first Pick; it avoids every allocator in a job phase
// lining up on the same disk at the same moment (a problem plain
// round-robin has when many workers allocate in near-lockstep).
type RandomCyclicStrategy struct {
	rng  *chachaRNG
	next int
}

// NewRandomCyclicStrategy seeds a new randomized-striping allocator.
func NewRandomCyclicStrategy(seed uint64) *RandomCyclicStrategy {
	return &RandomCyclicStrategy{rng: newChachaRNG(seed)}
}

func (s *RandomCyclicStrategy) Name() string { return "random_cyclic" }

func (s *RandomCyclicStrategy) Pick(ndisks int, size int64) int {
	if s.next == 0 {
		s.next = s.rng.Intn(ndisks)
	}
	d := s.next % ndisks
	s.next++
	return d
}

// FullyRandomStrategy picks an independent uniformly-random disk for
// every allocation; it suits workloads with highly variable extent
// sizes where striping would otherwise concentrate large extents on
// whichever disk happens to be "due" in the rotation.
type FullyRandomStrategy struct {
	rng *chachaRNG
}

// NewFullyRandomStrategy seeds a new fully-random allocator.
func NewFullyRandomStrategy(seed uint64) *FullyRandomStrategy {
	return &FullyRandomStrategy{rng: newChachaRNG(seed)}
}

func (s *FullyRandomStrategy) Name() string { return "fully_random" }

func (s *FullyRandomStrategy) Pick(ndisks int, size int64) int {
	return s.rng.Intn(ndisks)
}

// SimpleRandomStrategy is FullyRandomStrategy seeded from a fixed,
// non-cryptographic seed, used by tests that want reproducible but
// still non-sequential disk assignment.
func SimpleRandomStrategy() *FullyRandomStrategy {
	return NewFullyRandomStrategy(0xC0FFEE)
}

// StrategyByName constructs a Strategy from a THRILL_DISKS strategy
// token ("striping", "random_cyclic", "fully_random", "simple_random").
func StrategyByName(name string, seed uint64) (Strategy, error) {
	switch name {
	case "", "striping":
		return &StripingStrategy{}, nil
	case "random_cyclic":
		return NewRandomCyclicStrategy(seed), nil
	case "fully_random":
		return NewFullyRandomStrategy(seed), nil
	case "simple_random":
		return SimpleRandomStrategy(), nil
	default:
		return nil, fmt.Errorf("diskio: unknown disk allocation strategy %q", name)
	}
}
