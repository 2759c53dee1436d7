/*
 *	Copyright 2025 The debugflow Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package graph implements the building of dataflow computation graphs.
//
// A Graph is a set of named Nodes with directed data dependencies. Each Node
// is one operation ("op" for short): a constant, a placeholder for a fed
// value, a variable, or a computation over the outputs of other nodes. Nodes
// carry an assigned-device string, used by the session to decide which
// simulated device executes them.
//
// Graph building is validating: shapes and dtypes are checked as ops are
// created, and errors panic with a stack trace (see github.com/gomlx/exceptions).
// Execution is separate: serialize the graph with Graph.ToGraphDef and hand it
// to a session (see the session package).
//
// A Graph becomes immutable once serialized.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

// OpType identifies the operation a Node performs. The set of op types the
// session can execute is defined by the kernels registry.
type OpType string

const (
	OpConst       OpType = "Const"
	OpPlaceholder OpType = "Placeholder"
	OpVariable    OpType = "Variable"
	OpAssign      OpType = "Assign"
	OpMatMul      OpType = "MatMul"
	OpNeg         OpType = "Neg"
	OpAdd         OpType = "Add"
	OpIdentity    OpType = "Identity"
)

// NodeId is a unique Node id within a Graph.
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// Graph holds the operations and dependencies needed to run a computation.
//
// Create one with New, add nodes with the op methods (Const, MatMul, Neg, ...)
// and serialize it with ToGraphDef. After serialization the graph is frozen
// and further op methods panic.
type Graph struct {
	name       string
	nodes      []*Node
	nodeByName map[string]*Node
	frozen     bool
}

// New creates an empty Graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:       name,
		nodeByName: make(map[string]*Node),
	}
}

// Name of the computation this Graph defines, set during its construction.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes added so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the graph nodes in creation order. The returned slice is owned
// by the Graph and must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NodeByName returns the node with the given name, or nil if there is none.
func (g *Graph) NodeByName(name string) *Node { return g.nodeByName[name] }

// IsFrozen reports whether the graph has been serialized and no longer accepts
// new nodes.
func (g *Graph) IsFrozen() bool { return g.frozen }

// String implements fmt.Stringer: a multi-line listing of the graph nodes.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// Node represents the result of one operation in a Graph.
//
// Nodes have a name unique within their graph: either given at construction or
// derived from the op type. The output shape is inferred at build time.
type Node struct {
	graph          *Graph
	id             NodeId
	name           string
	op             OpType
	inputs         []*Node
	shape          shapes.Shape
	assignedDevice string

	// value holds the build-time payload of Const and Variable nodes.
	value *tensors.Tensor
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id is the unique id of the node within its graph, a counter starting at 0.
func (n *Node) Id() NodeId { return n.id }

// Name of the node, unique within its graph.
func (n *Node) Name() string { return n.name }

// Op performed by this node.
func (n *Node) Op() OpType { return n.op }

// Inputs are the nodes whose outputs this node consumes, in op order.
// The returned slice is owned by the Node and must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// Shape of the node's output. It implements the shapes.HasShape interface.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Value returns the build-time payload of a Const or Variable node, nil for
// other ops.
func (n *Node) Value() *tensors.Tensor { return n.value }

// OutputIsRef reports whether the node's output is reference-typed: a handle
// to session-owned mutable state rather than an immutable value. True for
// Variable and Assign outputs.
func (n *Node) OutputIsRef() bool {
	return n.op == OpVariable || n.op == OpAssign
}

// AssignedDevice returns the device name this node was pinned to, or "" if
// the session is free to place it.
func (n *Node) AssignedDevice() string { return n.assignedDevice }

// SetAssignedDevice pins the node to the named device. It panics if the graph
// has been frozen.
func (n *Node) SetAssignedDevice(device string) *Node {
	if n.graph.frozen {
		exceptions.Panicf("graph %q is frozen (already serialized), cannot assign device to node %q",
			n.graph.name, n.name)
	}
	n.assignedDevice = device
	return n
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	inputNames := make([]string, 0, len(n.inputs))
	for _, input := range n.inputs {
		inputNames = append(inputNames, input.name)
	}
	var device string
	if n.assignedDevice != "" {
		device = fmt.Sprintf(" @ %s", n.assignedDevice)
	}
	return fmt.Sprintf("%s[#%d] %s(%s) -> %s%s",
		n.name, n.id, n.op, strings.Join(inputNames, ", "), n.shape, device)
}

// addNode registers a new node in the graph, uniquifying its name.
// name == "" defaults to the op type.
func (g *Graph) addNode(name string, op OpType, inputs []*Node, shape shapes.Shape, value *tensors.Tensor) *Node {
	if g.frozen {
		exceptions.Panicf("graph %q is frozen (already serialized), cannot add %s node", g.name, op)
	}
	for _, input := range inputs {
		if input == nil {
			exceptions.Panicf("graph %q: %s node given a nil input", g.name, op)
		}
		if input.graph != g {
			exceptions.Panicf("graph %q: %s node given input %q from a different graph (%q)",
				g.name, op, input.name, input.graph.name)
		}
	}
	if name == "" {
		name = string(op)
	}
	uniqueName := name
	for count := 1; g.nodeByName[uniqueName] != nil; count++ {
		uniqueName = fmt.Sprintf("%s_%d", name, count)
	}
	node := &Node{
		graph:  g,
		id:     NodeId(len(g.nodes)),
		name:   uniqueName,
		op:     op,
		inputs: inputs,
		shape:  shape,
		value:  value,
	}
	g.nodes = append(g.nodes, node)
	g.nodeByName[uniqueName] = node
	return node
}
