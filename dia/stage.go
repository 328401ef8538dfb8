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

package dia

// Run brings action's dependencies up to date and evaluates it, per
// §4.6's StageBuilder: a breadth-first collection of the distinct
// ancestors that must run or push again, a topological sort of that set, and
// root-to-leaf Execute/RunPushData processing with stage detachment
// once each node's results have been replayed.
func Run(action *Node) error {
	stages := findStages(action)
	order := topoSort(stages)

	// order is a postorder-over-children DFS: a node is appended only
	// after every downstream dependent already in the set has been
	// appended, so the upstream-most node lands last. Processing in
	// reverse therefore runs parents before children.
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if !n.CanExecute() {
			continue
		}
		switch n.state {
		case StateNew:
			if err := n.Execute(); err != nil {
				return err
			}
			if err := n.RunPushData(n.ConsumeOnPush); err != nil {
				return err
			}
		case StateExecuted:
			if err := n.RunPushData(n.ConsumeOnPush); err != nil {
				return err
			}
		}
		n.RemoveAllChildren()
	}
	return nil
}

// findStages performs the breadth-first walk over parent edges,
// collecting every distinct node action transitively depends on. An
// already-EXECUTED node is collected (so Run pushes its data again)
// but the walk does not continue past it. A node that cannot execute on its own
// (a Collapse) never stops the walk -- its own parents must still be
// found -- regardless of its state.
func findStages(action *Node) []*Node {
	seen := map[*Node]bool{action: true}
	order := []*Node{action}
	queue := []*Node{action}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range cur.parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			order = append(order, p)
			if p.CanExecute() {
				if p.state != StateExecuted {
					queue = append(queue, p)
				}
			} else {
				queue = append(queue, p)
			}
		}
	}
	return order
}

// topoSort orders stages by a DFS over children edges restricted to
// the stage set, appending each node only after all of its in-set
// children have been appended (so parents sort after children; Run
// walks the result in reverse).
func topoSort(stages []*Node) []*Node {
	inStages := make(map[*Node]bool, len(stages))
	for _, s := range stages {
		inStages[s] = true
	}
	seen := make(map[*Node]bool, len(stages))
	var result []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, c := range n.children {
			if inStages[c] {
				visit(c)
			}
		}
		result = append(result, n)
	}
	for _, s := range stages {
		visit(s)
	}
	return result
}
