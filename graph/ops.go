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

package graph

// Op constructors: each adds one node to the graph, inferring the output shape
// and validating dtypes and dimensions at build time. Errors panic with a
// stack trace. name == "" picks a name from the op type ("MatMul", "MatMul_1", ...).

import (
	"github.com/gomlx/exceptions"

	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

// Const adds a constant node holding the given tensor value.
func (g *Graph) Const(name string, value *tensors.Tensor) *Node {
	if value == nil || !value.IsInitialized() {
		exceptions.Panicf("graph %q: Const(%q) requires an initialized tensor", g.name, name)
	}
	return g.addNode(name, OpConst, nil, value.Shape(), value.Clone())
}

// Placeholder adds a node whose value must be fed at Run time.
func (g *Graph) Placeholder(name string, shape shapes.Shape) *Node {
	if !shape.Ok() {
		exceptions.Panicf("graph %q: Placeholder(%q) given invalid shape", g.name, name)
	}
	return g.addNode(name, OpPlaceholder, nil, shape, nil)
}

// Variable adds a node holding session-owned mutable state, initialized with
// the given tensor. Its output is reference-typed: downstream nodes observe
// the variable's current value, and Assign updates it.
func (g *Graph) Variable(name string, initial *tensors.Tensor) *Node {
	if initial == nil || !initial.IsInitialized() {
		exceptions.Panicf("graph %q: Variable(%q) requires an initialized initial value", g.name, name)
	}
	return g.addNode(name, OpVariable, nil, initial.Shape(), initial.Clone())
}

// Assign adds a node that stores value into the given variable and yields the
// variable's reference.
func (g *Graph) Assign(name string, variable, value *Node) *Node {
	if variable.op != OpVariable {
		exceptions.Panicf("graph %q: Assign(%q) target must be a Variable node, got %s node %q",
			g.name, name, variable.op, variable.name)
	}
	if !variable.shape.Equal(value.shape) {
		exceptions.Panicf("graph %q: Assign(%q) shapes do not match: variable %q is %s, value %q is %s",
			g.name, name, variable.name, variable.shape, value.name, value.shape)
	}
	return g.addNode(name, OpAssign, []*Node{variable, value}, variable.shape, nil)
}

// MatMul adds a 2-D matrix multiplication node: output[i][j] = sum_k a[i][k]*b[k][j].
func (g *Graph) MatMul(name string, a, b *Node) *Node {
	if a.shape.DType != b.shape.DType {
		exceptions.Panicf("graph %q: MatMul(%q) operands have different dtypes: %s and %s",
			g.name, name, a.shape.DType, b.shape.DType)
	}
	if !a.shape.DType.IsFloat() {
		exceptions.Panicf("graph %q: MatMul(%q) requires a float dtype, got %s", g.name, name, a.shape.DType)
	}
	if a.shape.Rank() != 2 || b.shape.Rank() != 2 {
		exceptions.Panicf("graph %q: MatMul(%q) requires rank-2 operands, got %s and %s",
			g.name, name, a.shape, b.shape)
	}
	if a.shape.Dim(1) != b.shape.Dim(0) {
		exceptions.Panicf("graph %q: MatMul(%q) inner dimensions do not match: %s x %s",
			g.name, name, a.shape, b.shape)
	}
	shape := shapes.Make(a.shape.DType, a.shape.Dim(0), b.shape.Dim(1))
	return g.addNode(name, OpMatMul, []*Node{a, b}, shape, nil)
}

// Neg adds an element-wise negation node.
func (g *Graph) Neg(name string, x *Node) *Node {
	if x.shape.DType == shapes.Bool || x.shape.DType.IsUnsigned() {
		exceptions.Panicf("graph %q: Neg(%q) not defined for dtype %s", g.name, name, x.shape.DType)
	}
	return g.addNode(name, OpNeg, []*Node{x}, x.shape, nil)
}

// Add adds an element-wise addition node. Both operands must have the same shape.
func (g *Graph) Add(name string, x, y *Node) *Node {
	if !x.shape.Equal(y.shape) {
		exceptions.Panicf("graph %q: Add(%q) operands have different shapes: %s and %s",
			g.name, name, x.shape, y.shape)
	}
	if x.shape.DType == shapes.Bool {
		exceptions.Panicf("graph %q: Add(%q) not defined for dtype %s", g.name, name, x.shape.DType)
	}
	return g.addNode(name, OpAdd, []*Node{x, y}, x.shape, nil)
}

// Identity adds a node that forwards its input unchanged. Applied to a
// reference-typed input it yields a value-typed snapshot.
func (g *Graph) Identity(name string, x *Node) *Node {
	return g.addNode(name, OpIdentity, []*Node{x}, x.shape, nil)
}
