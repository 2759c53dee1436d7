package kernels

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

func init() {
	Register(graph.OpNeg, execNeg)
	Register(graph.OpAdd, execAdd)
}

// execNeg executes the unary op Neg.
func execNeg(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	input := inputs[0]
	output := tensors.FromShape(input.Shape())
	switch input.DType() {
	case shapes.Int8:
		negGeneric[int8](tensors.ConstFlatData[int8](input), tensors.MutableFlatData[int8](output))
	case shapes.Int16:
		negGeneric[int16](tensors.ConstFlatData[int16](input), tensors.MutableFlatData[int16](output))
	case shapes.Int32:
		negGeneric[int32](tensors.ConstFlatData[int32](input), tensors.MutableFlatData[int32](output))
	case shapes.Int64:
		negGeneric[int64](tensors.ConstFlatData[int64](input), tensors.MutableFlatData[int64](output))
	case shapes.Float32:
		negGeneric[float32](tensors.ConstFlatData[float32](input), tensors.MutableFlatData[float32](output))
	case shapes.Float64:
		negGeneric[float64](tensors.ConstFlatData[float64](input), tensors.MutableFlatData[float64](output))
	case shapes.Float16:
		negF16(tensors.ConstFlatData[float16.Float16](input), tensors.MutableFlatData[float16.Float16](output))
	default:
		return nil, errors.Errorf("unsupported dtype %s for op %s", input.DType(), node.Op())
	}
	return output, nil
}

func negGeneric[T shapes.Number](inputs, outputs []T) {
	for ii, input := range inputs {
		outputs[ii] = -input
	}
}

func negF16(inputs, outputs []float16.Float16) {
	for ii, input := range inputs {
		outputs[ii] = float16.Fromfloat32(-input.Float32())
	}
}

// execAdd executes the element-wise binary op Add. Operand shapes are equal,
// enforced at graph build time.
func execAdd(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	lhs, rhs := inputs[0], inputs[1]
	output := tensors.FromShape(lhs.Shape())
	switch lhs.DType() {
	case shapes.Int8:
		addGeneric[int8](tensors.ConstFlatData[int8](lhs), tensors.ConstFlatData[int8](rhs), tensors.MutableFlatData[int8](output))
	case shapes.Int16:
		addGeneric[int16](tensors.ConstFlatData[int16](lhs), tensors.ConstFlatData[int16](rhs), tensors.MutableFlatData[int16](output))
	case shapes.Int32:
		addGeneric[int32](tensors.ConstFlatData[int32](lhs), tensors.ConstFlatData[int32](rhs), tensors.MutableFlatData[int32](output))
	case shapes.Int64:
		addGeneric[int64](tensors.ConstFlatData[int64](lhs), tensors.ConstFlatData[int64](rhs), tensors.MutableFlatData[int64](output))
	case shapes.Uint8:
		addGeneric[uint8](tensors.ConstFlatData[uint8](lhs), tensors.ConstFlatData[uint8](rhs), tensors.MutableFlatData[uint8](output))
	case shapes.Uint16:
		addGeneric[uint16](tensors.ConstFlatData[uint16](lhs), tensors.ConstFlatData[uint16](rhs), tensors.MutableFlatData[uint16](output))
	case shapes.Uint32:
		addGeneric[uint32](tensors.ConstFlatData[uint32](lhs), tensors.ConstFlatData[uint32](rhs), tensors.MutableFlatData[uint32](output))
	case shapes.Uint64:
		addGeneric[uint64](tensors.ConstFlatData[uint64](lhs), tensors.ConstFlatData[uint64](rhs), tensors.MutableFlatData[uint64](output))
	case shapes.Float32:
		addGeneric[float32](tensors.ConstFlatData[float32](lhs), tensors.ConstFlatData[float32](rhs), tensors.MutableFlatData[float32](output))
	case shapes.Float64:
		addGeneric[float64](tensors.ConstFlatData[float64](lhs), tensors.ConstFlatData[float64](rhs), tensors.MutableFlatData[float64](output))
	case shapes.Float16:
		addF16(tensors.ConstFlatData[float16.Float16](lhs), tensors.ConstFlatData[float16.Float16](rhs), tensors.MutableFlatData[float16.Float16](output))
	default:
		return nil, errors.Errorf("unsupported dtype %s for op %s", lhs.DType(), node.Op())
	}
	return output, nil
}

func addGeneric[T shapes.Number](lhs, rhs, outputs []T) {
	for ii := range lhs {
		outputs[ii] = lhs[ii] + rhs[ii]
	}
}

func addF16(lhs, rhs, outputs []float16.Float16) {
	for ii := range lhs {
		outputs[ii] = float16.Fromfloat32(lhs[ii].Float32() + rhs[ii].Float32())
	}
}
