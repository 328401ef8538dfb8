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

import "sync"

// Op folds two values of T into one. Implementations that are not
// commutative (e.g. string concatenation) must behave correctly when
// applied as op(lower-rank-value, higher-rank-value) -- every
// collective below folds in ascending worker-id order.
type Op[T any] func(a, b T) T

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// Broadcast distributes v from root to every host, via a binomial
// tree (§4.4): at hop d, a host that already has the value forwards
// it to the host d away (in root-relative rank) that does not.
func Broadcast[T any](g *Group, root int, v T, codec Codec[T]) (T, error) {
	rel := (g.rank - root + g.hosts) % g.hosts
	val := v
	have := rel == 0

	// mask grows 1, 2, 4, ...: the set of relative ranks that already
	// have the value doubles each round (rel < mask), so each of them
	// forwards to exactly one rank that doesn't yet (rel+mask).
	for mask := 1; mask < g.hosts; mask <<= 1 {
		if rel < mask {
			if have {
				partnerRel := rel + mask
				if partnerRel < g.hosts {
					partner := (partnerRel + root) % g.hosts
					if err := g.Send(partner, codec.Marshal(val)); err != nil {
						return val, err
					}
				}
			}
		} else if rel < 2*mask {
			partnerRel := rel - mask
			partner := (partnerRel + root) % g.hosts
			raw, err := g.Recv(partner)
			if err != nil {
				return val, err
			}
			val, err = codec.Unmarshal(raw)
			if err != nil {
				return val, err
			}
			have = true
		}
	}
	return val, nil
}

// reduceToRootBinomial folds v from every host into root via a
// binomial tree, folding in ascending worker-id order at each hop;
// only the root's return value is the fully-reduced result.
func reduceToRootBinomial[T any](g *Group, root int, v T, op Op[T], codec Codec[T]) (T, error) {
	rel := (g.rank - root + g.hosts) % g.hosts
	val := v
	mask := 1
	for mask < g.hosts {
		if rel&mask != 0 {
			partnerRel := rel &^ mask
			partner := (partnerRel + root) % g.hosts
			return val, g.Send(partner, codec.Marshal(val))
		}
		partnerRel := rel | mask
		if partnerRel < g.hosts {
			partner := (partnerRel + root) % g.hosts
			raw, err := g.Recv(partner)
			if err != nil {
				return val, err
			}
			other, err := codec.Unmarshal(raw)
			if err != nil {
				return val, err
			}
			// partnerRel > rel, so (for root 0, where relative rank
			// equals absolute rank) this host's value is the
			// lower-ranked operand.
			val = op(val, other)
		}
		mask <<= 1
	}
	return val, nil
}

// ReduceToRoot folds v from every host into root using op, returning
// the fully-reduced value at root (the return value at non-root hosts
// is unspecified and should be ignored).
func ReduceToRoot[T any](g *Group, root int, v T, op Op[T], codec Codec[T]) (T, error) {
	return reduceToRootBinomial(g, root, v, op, codec)
}

// allReduceRecursiveDoubling implements AllReduce for power-of-two
// host counts via dimension-exchange (the degenerate, scalar-value
// case of Rabenseifner's algorithm: for a single value there is
// nothing to reduce-scatter across, so it reduces to one value
// exchange per dimension followed by an implicit allgather of the
// fully-folded result).
func allReduceRecursiveDoubling[T any](g *Group, v T, op Op[T], codec Codec[T]) (T, error) {
	cur := v
	for d := 1; d < g.hosts; d <<= 1 {
		partner := g.rank ^ d
		raw, err := g.exchange(partner, codec.Marshal(cur))
		if err != nil {
			return cur, err
		}
		other, err := codec.Unmarshal(raw)
		if err != nil {
			return cur, err
		}
		if partner < g.rank {
			cur = op(other, cur)
		} else {
			cur = op(cur, other)
		}
	}
	return cur, nil
}

// AllReduce folds v from every host using op and returns the result
// to every host: the Rabenseifner-style recursive-doubling path runs
// for power-of-two host counts, falling back to a tree-reduce to host
// 0 followed by a Broadcast otherwise, per §4.4.
func AllReduce[T any](g *Group, v T, op Op[T], codec Codec[T]) (T, error) {
	if isPow2(g.hosts) {
		return allReduceRecursiveDoubling(g, v, op, codec)
	}
	reduced, err := reduceToRootBinomial(g, 0, v, op, codec)
	if err != nil {
		return v, err
	}
	return Broadcast(g, 0, reduced, codec)
}

// PrefixSum computes a parallel prefix fold over op via pointer
// doubling (Hillis-Steele scan). If inclusive, host i's result folds
// hosts [0, i]; otherwise it folds [0, i) and host 0's result is the
// zero value of T, since a generic op has no neutral element to seed
// it with.
func PrefixSum[T any](g *Group, v T, op Op[T], inclusive bool, codec Codec[T]) (T, error) {
	cur := v
	for d := 1; d < g.hosts; d <<= 1 {
		var incoming T
		var recvErr, sendErr error
		haveIncoming := g.rank-d >= 0
		var wg sync.WaitGroup
		if g.rank+d < g.hosts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sendErr = g.Send(g.rank+d, codec.Marshal(cur))
			}()
		}
		if haveIncoming {
			wg.Add(1)
			go func() {
				defer wg.Done()
				raw, err := g.Recv(g.rank - d)
				if err != nil {
					recvErr = err
					return
				}
				incoming, recvErr = codec.Unmarshal(raw)
			}()
		}
		wg.Wait()
		if sendErr != nil {
			return cur, sendErr
		}
		if recvErr != nil {
			return cur, recvErr
		}
		if haveIncoming {
			cur = op(incoming, cur)
		}
	}
	if inclusive {
		return cur, nil
	}
	var excl T
	var sendErr, recvErr error
	var wg sync.WaitGroup
	if g.rank+1 < g.hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendErr = g.Send(g.rank+1, codec.Marshal(cur))
		}()
	}
	if g.rank-1 >= 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := g.Recv(g.rank - 1)
			if err != nil {
				recvErr = err
				return
			}
			excl, recvErr = codec.Unmarshal(raw)
		}()
	}
	wg.Wait()
	if sendErr != nil {
		return excl, sendErr
	}
	if recvErr != nil {
		return excl, recvErr
	}
	return excl, nil
}

// Barrier synchronizes every host in the group via an AllReduce over
// a constant, per §4.4.
func Barrier(g *Group) error {
	_, err := AllReduce(g, 0, func(a, b int) int { return a + b }, Int64Codec32{})
	return err
}

// Int64Codec32 adapts Int64Codec to an int payload for Barrier's
// internal counter, avoiding an int64<->int conversion at every call
// site that doesn't otherwise need one.
type Int64Codec32 struct{}

func (Int64Codec32) Marshal(v int) []byte         { return Int64Codec{}.Marshal(int64(v)) }
func (Int64Codec32) Unmarshal(b []byte) (int, error) {
	v, err := Int64Codec{}.Unmarshal(b)
	return int(v), err
}
