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

// Package dia implements the DIA graph and StageBuilder of §4.6: nodes
// with a NEW -> EXECUTED -> DISPOSED lifecycle, a typed Handle wrapper
// carrying a function stack fused at DOP boundaries, and the
// breadth-first-collect/topologically-sort/process driver that brings
// an action node's dependencies up to date.
package dia

import (
	"fmt"

	"github.com/thrillrt/thrill/block"
)

// NodeState is the lifecycle of a Node.
type NodeState int

const (
	StateNew NodeState = iota
	StateExecuted
	StateDisposed
)

func (s NodeState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateExecuted:
		return "EXECUTED"
	case StateDisposed:
		return "DISPOSED"
	default:
		return "UNDEFINED"
	}
}

// NodeType classifies the role a Node plays in the graph.
type NodeType int

const (
	TypeSource NodeType = iota
	TypeDOP
	TypeCollapse
	TypeAction
	TypeCache
)

func (t NodeType) String() string {
	switch t {
	case TypeSource:
		return "SOURCE"
	case TypeDOP:
		return "DOP"
	case TypeCollapse:
		return "COLLAPSE"
	case TypeAction:
		return "ACTION"
	case TypeCache:
		return "CACHE"
	default:
		return "?"
	}
}

// Node is one vertex of a DIA graph. Its lifecycle is independent of
// the typed Handle wrappers built on top of it: Execute performs the
// node's own pre-collective work, RunPushData replays results to
// every registered receiver, and Dispose releases Scratch, per §4.6.
type Node struct {
	id    int
	Type  NodeType
	Label string

	state    NodeState
	parents  []*Node
	children []*Node

	// ConsumeOnPush is the policy the StageBuilder passes to
	// RunPushData for this node; Cache nodes set it false so later
	// actions can replay the same materialized data.
	ConsumeOnPush bool
	consumed      bool
	kept          bool

	receivers []func(item any) error

	onExecute  func(n *Node) error
	onPushData func(n *Node, consume bool) error
	onDispose  func(n *Node)

	// Scratch is the node's own materialized storage, populated by
	// onExecute/the ingest callback and released on Dispose.
	Scratch *block.File
}

var nextNodeID int

func newNode(typ NodeType, label string, parents ...*Node) *Node {
	nextNodeID++
	n := &Node{id: nextNodeID, Type: typ, Label: label, ConsumeOnPush: true, parents: append([]*Node(nil), parents...)}
	for _, p := range parents {
		p.children = append(p.children, n)
	}
	return n
}

func (n *Node) String() string { return fmt.Sprintf("%s.%d", n.Label, n.id) }

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState { return n.state }

// Parents returns the node's upstream dependencies.
func (n *Node) Parents() []*Node { return n.parents }

// Children returns the node's downstream dependents.
func (n *Node) Children() []*Node { return n.children }

// CanExecute reports whether this node holds data of its own and so
// must be driven through Execute/RunPushData. A Collapse node never
// holds data -- its function stack was already fused directly into
// its parent's emission -- so the StageBuilder skips it entirely.
func (n *Node) CanExecute() bool { return n.Type != TypeCollapse }

// Emit hands item to every receiver registered on this node. Exported
// for a node's own onPushData hook (e.g. a reduce DOP boundary
// replaying its finished table) to push typed items without dia
// needing to know the concrete type involved.
func (n *Node) Emit(item any) error { return n.emit(item) }

func (n *Node) emit(item any) error {
	for _, r := range n.receivers {
		if err := r(item); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs this node's own pre-collective work. Only meaningful
// while state is NEW; the StageBuilder never calls it otherwise.
func (n *Node) Execute() error {
	if n.onExecute != nil {
		return n.onExecute(n)
	}
	return nil
}

// RunPushData replays this node's results to every registered
// receiver. It is a fatal error to call RunPushData a second time
// after a consuming push unless Keep was called first.
func (n *Node) RunPushData(consume bool) error {
	if n.consumed && !n.kept {
		return fmt.Errorf("dia: %s: PushData after it was already consumed; call .Keep()", n)
	}
	if n.onPushData != nil {
		if err := n.onPushData(n, consume); err != nil {
			return err
		}
	}
	if consume {
		n.consumed = true
	}
	n.state = StateExecuted
	return nil
}

// Dispose releases Scratch and marks the node DISPOSED.
func (n *Node) Dispose() {
	if n.state == StateDisposed {
		return
	}
	if n.onDispose != nil {
		n.onDispose(n)
	}
	n.Scratch = nil
	n.state = StateDisposed
}

// RemoveAllChildren detaches this node from its children once its
// stage has completed and its results have been replayed, per §4.6
// step 4: both the child edges and the receivers they installed are
// dropped, so a later push only reaches children attached afterward.
func (n *Node) RemoveAllChildren() {
	n.children = nil
	n.receivers = nil
}

// Keep marks the node safe to RunPushData again after a consuming
// push. The operator is responsible for not having actually discarded
// the data it needs to replay; Keep only lifts the fatal check.
func (n *Node) Keep() { n.kept = true }
