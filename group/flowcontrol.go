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

// FlowControlChannel extends the host-granularity collectives of a
// Group to worker granularity (§4.4). Every worker on a host shares
// one FlowControlChannel; each call follows the same four-step
// pattern: publish into a per-worker slot, thread (local worker) 0
// folds the W local values in worker-id order and invokes the
// host-level collective, thread 0 fans the result back into the
// slots, and every worker crosses a second barrier before reading
// its result. The two barriers bound the two hazard windows (reading
// slots written by other local workers; reading a result thread 0
// has not yet published) without requiring a lock held across the
// host-level collective, which would otherwise serialize every
// worker on the host behind the network round trip.
type FlowControlChannel struct {
	g       *Group
	workers int
	bar1    *cyclicBarrier
	bar2    *cyclicBarrier

	slots  []any
	result any
	err    error
}

// NewFlowControlChannel constructs a channel shared by workersPerHost
// local workers riding on Group g.
func NewFlowControlChannel(g *Group, workersPerHost int) *FlowControlChannel {
	return &FlowControlChannel{
		g:       g,
		workers: workersPerHost,
		bar1:    newCyclicBarrier(workersPerHost),
		bar2:    newCyclicBarrier(workersPerHost),
		slots:   make([]any, workersPerHost),
	}
}

// FlowAllReduce folds v from every worker on every host using op and
// returns the result to every worker. localWorker identifies the
// calling worker's slot, in [0, workersPerHost).
func FlowAllReduce[T any](fc *FlowControlChannel, localWorker int, v T, op Op[T], codec Codec[T]) (T, error) {
	fc.slots[localWorker] = v
	fc.bar1.Wait()
	if localWorker == 0 {
		folded := fc.slots[0].(T)
		for i := 1; i < fc.workers; i++ {
			folded = op(folded, fc.slots[i].(T))
		}
		result, err := AllReduce(fc.g, folded, op, codec)
		fc.result, fc.err = result, err
	}
	fc.bar2.Wait()
	if fc.err != nil {
		var zero T
		return zero, fc.err
	}
	return fc.result.(T), nil
}

// FlowReduceToRoot folds v from every worker on every host using op,
// returning the fully-reduced value only at (rootHost, rootLocalWorker);
// other callers get an unspecified value and should ignore it.
func FlowReduceToRoot[T any](fc *FlowControlChannel, localWorker, rootHost, rootLocalWorker int, v T, op Op[T], codec Codec[T]) (T, error) {
	fc.slots[localWorker] = v
	fc.bar1.Wait()
	if localWorker == 0 {
		folded := fc.slots[0].(T)
		for i := 1; i < fc.workers; i++ {
			folded = op(folded, fc.slots[i].(T))
		}
		result, err := ReduceToRoot(fc.g, rootHost, folded, op, codec)
		fc.result, fc.err = result, err
	}
	fc.bar2.Wait()
	if localWorker != rootLocalWorker || fc.g.rank != rootHost {
		var zero T
		return zero, fc.err
	}
	if fc.err != nil {
		var zero T
		return zero, fc.err
	}
	return fc.result.(T), nil
}

// FlowBroadcast distributes v, meaningful only at the caller whose
// localWorker equals rootLocalWorker on rootHost, to every worker on
// every host.
func FlowBroadcast[T any](fc *FlowControlChannel, localWorker, rootHost, rootLocalWorker int, v T, codec Codec[T]) (T, error) {
	fc.slots[localWorker] = v
	fc.bar1.Wait()
	if localWorker == 0 {
		var local T
		if fc.g.rank == rootHost {
			local = fc.slots[rootLocalWorker].(T)
		}
		result, err := Broadcast(fc.g, rootHost, local, codec)
		fc.result, fc.err = result, err
	}
	fc.bar2.Wait()
	if fc.err != nil {
		var zero T
		return zero, fc.err
	}
	return fc.result.(T), nil
}

// FlowPrefixSum computes a parallel prefix fold over op across every
// worker on every host, in global worker order (host rank major,
// local worker id minor -- the same order stream.Multiplexer assigns
// global worker ids in). If inclusive, a worker's result folds every
// worker up to and including itself; otherwise it folds every worker
// strictly before it, and worker 0's result is the zero value of T.
func FlowPrefixSum[T any](fc *FlowControlChannel, localWorker int, v T, op Op[T], inclusive bool, codec Codec[T]) (T, error) {
	fc.slots[localWorker] = v
	fc.bar1.Wait()
	if localWorker == 0 {
		// Local inclusive prefix across this host's workers, in
		// worker-id order.
		localIncl := make([]T, fc.workers)
		cur := fc.slots[0].(T)
		localIncl[0] = cur
		for i := 1; i < fc.workers; i++ {
			cur = op(cur, fc.slots[i].(T))
			localIncl[i] = cur
		}
		// Exclusive prefix across hosts: folds every worker on a
		// strictly lower-ranked host. Host 0 gets the zero value of T
		// without any op call, the same convention PrefixSum itself
		// uses, since a generic op has no neutral element to seed one.
		base, err := PrefixSum(fc.g, cur, op, false, codec)
		fc.err = err
		if err == nil {
			haveBase := fc.g.Rank() > 0
			results := make([]T, fc.workers)
			for i := 0; i < fc.workers; i++ {
				switch {
				case inclusive && haveBase:
					results[i] = op(base, localIncl[i])
				case inclusive:
					results[i] = localIncl[i]
				case i == 0 && haveBase:
					results[i] = base
				case i == 0:
					var zero T
					results[i] = zero
				case haveBase:
					results[i] = op(base, localIncl[i-1])
				default:
					results[i] = localIncl[i-1]
				}
			}
			fc.result = results
		}
	}
	fc.bar2.Wait()
	if fc.err != nil {
		var zero T
		return zero, fc.err
	}
	return fc.result.([]T)[localWorker], nil
}

// FlowBarrier synchronizes every worker on every host.
func FlowBarrier(fc *FlowControlChannel, localWorker int) error {
	_, err := FlowAllReduce(fc, localWorker, 0, func(a, b int) int { return a + b }, Int64Codec32{})
	return err
}
