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

package group

import (
	"sync"
	"testing"
)

func sumOp(a, b int64) int64 { return a + b }

func runOnEachHost(t *testing.T, groups []*Group, fn func(g *Group) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *Group) {
			defer wg.Done()
			errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("host %d: %v", i, err)
		}
	}
}

func TestBroadcastPowerOfTwo(t *testing.T) {
	groups := LoopbackTransport(4)
	results := make([]int64, 4)
	runOnEachHost(t, groups, func(g *Group) error {
		var v int64
		if g.Rank() == 2 {
			v = 42
		}
		got, err := Broadcast(g, 2, v, Int64Codec{})
		if err != nil {
			return err
		}
		results[g.Rank()] = got
		return nil
	})
	for i, r := range results {
		if r != 42 {
			t.Fatalf("host %d: got %d, want 42", i, r)
		}
	}
}

func TestAllReducePowerOfTwo(t *testing.T) {
	groups := LoopbackTransport(8)
	results := make([]int64, 8)
	runOnEachHost(t, groups, func(g *Group) error {
		got, err := AllReduce(g, int64(g.Rank()+1), sumOp, Int64Codec{})
		if err != nil {
			return err
		}
		results[g.Rank()] = got
		return nil
	})
	// sum of 1..8 == 36
	for i, r := range results {
		if r != 36 {
			t.Fatalf("host %d: got %d, want 36", i, r)
		}
	}
}

func TestAllReduceNonPowerOfTwo(t *testing.T) {
	groups := LoopbackTransport(5)
	results := make([]int64, 5)
	runOnEachHost(t, groups, func(g *Group) error {
		got, err := AllReduce(g, int64(g.Rank()+1), sumOp, Int64Codec{})
		if err != nil {
			return err
		}
		results[g.Rank()] = got
		return nil
	})
	// sum of 1..5 == 15
	for i, r := range results {
		if r != 15 {
			t.Fatalf("host %d: got %d, want 15", i, r)
		}
	}
}

func TestPrefixSumInclusive(t *testing.T) {
	groups := LoopbackTransport(8)
	results := make([]int64, 8)
	runOnEachHost(t, groups, func(g *Group) error {
		got, err := PrefixSum(g, int64(g.Rank()+1), sumOp, true, Int64Codec{})
		if err != nil {
			return err
		}
		results[g.Rank()] = got
		return nil
	})
	want := []int64{1, 3, 6, 10, 15, 21, 28, 36}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("host %d: got %d, want %d", i, results[i], want[i])
		}
	}
}

func TestBarrierReleasesAllHosts(t *testing.T) {
	groups := LoopbackTransport(4)
	runOnEachHost(t, groups, func(g *Group) error {
		return Barrier(g)
	})
}

func TestFlowControlAllReduce(t *testing.T) {
	hosts := 2
	workers := 2
	groups := LoopbackTransport(hosts)
	channels := make([]*FlowControlChannel, hosts)
	for i, g := range groups {
		channels[i] = NewFlowControlChannel(g, workers)
	}

	var wg sync.WaitGroup
	results := make([][]int64, hosts)
	for h := range results {
		results[h] = make([]int64, workers)
	}
	for h := 0; h < hosts; h++ {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(h, w int) {
				defer wg.Done()
				// global worker value: host*workers + worker + 1
				v := int64(h*workers + w + 1)
				got, err := FlowAllReduce(channels[h], w, v, sumOp, Int64Codec{})
				if err != nil {
					t.Error(err)
					return
				}
				results[h][w] = got
			}(h, w)
		}
	}
	wg.Wait()

	// sum 1..4 == 10
	for h := 0; h < hosts; h++ {
		for w := 0; w < workers; w++ {
			if results[h][w] != 10 {
				t.Fatalf("host %d worker %d: got %d, want 10", h, w, results[h][w])
			}
		}
	}
}

func TestFlowPrefixSumInclusiveSingleHost(t *testing.T) {
	groups := LoopbackTransport(1)
	workers := 8
	fc := NewFlowControlChannel(groups[0], workers)

	values := []int64{3, 1, 4, 1, 5, 9, 2, 6}
	want := []int64{3, 4, 8, 9, 14, 23, 25, 31}

	var wg sync.WaitGroup
	got := make([]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			v, err := FlowPrefixSum(fc, w, values[w], sumOp, true, Int64Codec{})
			if err != nil {
				t.Error(err)
				return
			}
			got[w] = v
		}(w)
	}
	wg.Wait()

	for w := range want {
		if got[w] != want[w] {
			t.Fatalf("worker %d: got %d, want %d", w, got[w], want[w])
		}
	}
}

func TestFlowPrefixSumExclusiveAcrossHosts(t *testing.T) {
	hosts := 2
	workers := 2
	groups := LoopbackTransport(hosts)
	channels := make([]*FlowControlChannel, hosts)
	for i, g := range groups {
		channels[i] = NewFlowControlChannel(g, workers)
	}

	var wg sync.WaitGroup
	got := make([][]int64, hosts)
	for h := range got {
		got[h] = make([]int64, workers)
	}
	for h := 0; h < hosts; h++ {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(h, w int) {
				defer wg.Done()
				// global worker value: host*workers + worker + 1
				v := int64(h*workers + w + 1)
				result, err := FlowPrefixSum(channels[h], w, v, sumOp, false, Int64Codec{})
				if err != nil {
					t.Error(err)
					return
				}
				got[h][w] = result
			}(h, w)
		}
	}
	wg.Wait()

	// global values in worker order: 1, 2, 3, 4; exclusive prefix: 0, 1, 3, 6
	want := [][]int64{{0, 1}, {3, 6}}
	for h := 0; h < hosts; h++ {
		for w := 0; w < workers; w++ {
			if got[h][w] != want[h][w] {
				t.Fatalf("host %d worker %d: got %d, want %d", h, w, got[h][w], want[h][w])
			}
		}
	}
}
