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

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

// NodeDef is the serialized form of one Node. Const and Variable payloads are
// stored as the raw flat data in host byte order.
type NodeDef struct {
	Name   string       `cbor:"name"`
	Op     string       `cbor:"op"`
	Inputs []string     `cbor:"inputs,omitempty"`
	Device string       `cbor:"device,omitempty"`
	DType  shapes.DType `cbor:"dtype"`
	Dims   []int        `cbor:"dims,omitempty"`
	Value  []byte       `cbor:"value,omitempty"`
}

// GraphDef is the serialized form of a Graph: its nodes in creation order,
// which is also a valid topological order. It is the unit of exchange between
// graph building and session execution, encoded with CBOR.
type GraphDef struct {
	Name  string    `cbor:"name"`
	Nodes []NodeDef `cbor:"nodes"`
}

// ToGraphDef serializes the graph. The graph is frozen afterwards: further op
// methods panic, so a GraphDef always reflects the whole graph it names.
func (g *Graph) ToGraphDef() *GraphDef {
	g.frozen = true
	def := &GraphDef{
		Name:  g.name,
		Nodes: make([]NodeDef, 0, len(g.nodes)),
	}
	for _, node := range g.nodes {
		nodeDef := NodeDef{
			Name:   node.name,
			Op:     string(node.op),
			Device: node.assignedDevice,
			DType:  node.shape.DType,
			Dims:   node.shape.Dimensions,
		}
		for _, input := range node.inputs {
			nodeDef.Inputs = append(nodeDef.Inputs, input.name)
		}
		if node.value != nil {
			nodeDef.Value = node.value.ConstBytes()
		}
		def.Nodes = append(def.Nodes, nodeDef)
	}
	return def
}

// FromGraphDef reconstructs a Graph from its serialized form, re-running the
// build-time validation: a GraphDef is untrusted input to a session. The
// returned graph is frozen.
func FromGraphDef(def *GraphDef) (*Graph, error) {
	if def == nil {
		return nil, errors.New("graph.FromGraphDef: nil GraphDef")
	}
	g := New(def.Name)
	err := buildFromDefs(g, def.Nodes)
	if err != nil {
		return nil, err
	}
	g.frozen = true
	return g, nil
}

// ExtendFromDef appends the nodes of def to the graph, with the same
// validation as FromGraphDef. It works on a frozen graph: the session uses it
// to implement Extend, and the graph is frozen again afterwards. Node names
// must not collide with existing ones.
func (g *Graph) ExtendFromDef(def *GraphDef) error {
	if def == nil {
		return errors.New("graph.ExtendFromDef: nil GraphDef")
	}
	g.frozen = false
	err := buildFromDefs(g, def.Nodes)
	g.frozen = true
	return err
}

// opNumInputs gives the number of inputs each computed op requires.
var opNumInputs = map[OpType]int{
	OpAssign:   2,
	OpMatMul:   2,
	OpNeg:      1,
	OpAdd:      2,
	OpIdentity: 1,
}

// buildFromDefs appends the given node defs to the graph. It is shared by
// FromGraphDef and the session's Extend support.
func buildFromDefs(g *Graph, defs []NodeDef) error {
	for _, nodeDef := range defs {
		if g.nodeByName[nodeDef.Name] != nil {
			return errors.Errorf("graph %q: duplicate node name %q", g.Name(), nodeDef.Name)
		}
		inputs := make([]*Node, 0, len(nodeDef.Inputs))
		for _, inputName := range nodeDef.Inputs {
			input := g.nodeByName[inputName]
			if input == nil {
				return errors.Errorf("graph %q: node %q depends on undefined node %q",
					g.Name(), nodeDef.Name, inputName)
			}
			inputs = append(inputs, input)
		}
		shape := shapes.Shape{DType: nodeDef.DType, Dimensions: nodeDef.Dims}
		if !shape.Ok() {
			return errors.Errorf("graph %q: node %q has invalid dtype", g.Name(), nodeDef.Name)
		}

		op := OpType(nodeDef.Op)
		if want, isComputed := opNumInputs[op]; isComputed && len(inputs) != want {
			return errors.Errorf("graph %q: %s node %q requires %d inputs, got %d",
				g.Name(), op, nodeDef.Name, want, len(inputs))
		}
		switch op {
		case OpConst, OpPlaceholder, OpVariable:
			if len(inputs) != 0 {
				return errors.Errorf("graph %q: %s node %q takes no inputs, got %d",
					g.Name(), op, nodeDef.Name, len(inputs))
			}
		}

		var node *Node
		err := exceptions.TryCatch[error](func() {
			switch op {
			case OpConst, OpVariable:
				value, err := tensors.FromBytes(shape, nodeDef.Value)
				if err != nil {
					panic(errors.Wrapf(err, "decoding payload of node %q", nodeDef.Name))
				}
				node = g.addNode(nodeDef.Name, op, nil, shape, value)
			case OpPlaceholder:
				node = g.Placeholder(nodeDef.Name, shape)
			case OpAssign:
				node = g.Assign(nodeDef.Name, inputs[0], inputs[1])
			case OpMatMul:
				node = g.MatMul(nodeDef.Name, inputs[0], inputs[1])
			case OpNeg:
				node = g.Neg(nodeDef.Name, inputs[0])
			case OpAdd:
				node = g.Add(nodeDef.Name, inputs[0], inputs[1])
			case OpIdentity:
				node = g.Identity(nodeDef.Name, inputs[0])
			default:
				panic(errors.Errorf("node %q has unknown op %q", nodeDef.Name, op))
			}
		})
		if err != nil {
			return errors.Wrapf(err, "graph %q", g.Name())
		}
		if node.name != nodeDef.Name {
			return errors.Errorf("graph %q: node name %q was not preserved", g.Name(), nodeDef.Name)
		}
		if !node.shape.Equal(shape) {
			return errors.Errorf("graph %q: node %q declares shape %s, inferred %s",
				g.Name(), nodeDef.Name, shape, node.shape)
		}
		node.assignedDevice = nodeDef.Device
	}
	return nil
}

// MarshalBinary encodes the GraphDef with CBOR. It implements encoding.BinaryMarshaler.
func (def *GraphDef) MarshalBinary() ([]byte, error) {
	data, err := cbor.Marshal(def)
	if err != nil {
		return nil, errors.Wrap(err, "encoding GraphDef")
	}
	return data, nil
}

// UnmarshalBinary decodes a CBOR-encoded GraphDef. It implements encoding.BinaryUnmarshaler.
func (def *GraphDef) UnmarshalBinary(data []byte) error {
	return errors.Wrap(cbor.Unmarshal(data, def), "decoding GraphDef")
}

// Write encodes the GraphDef with CBOR to the given writer.
func (def *GraphDef) Write(w io.Writer) error {
	return errors.Wrap(cbor.NewEncoder(w).Encode(def), "encoding GraphDef")
}

// ReadGraphDef decodes a CBOR-encoded GraphDef from the given reader.
func ReadGraphDef(r io.Reader) (*GraphDef, error) {
	def := &GraphDef{}
	err := cbor.NewDecoder(r).Decode(def)
	if err != nil {
		return nil, errors.Wrap(err, "decoding GraphDef")
	}
	return def, nil
}
