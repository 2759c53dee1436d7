package kernels

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/caisq/debugflow/graph"
	"github.com/caisq/debugflow/types/shapes"
	"github.com/caisq/debugflow/types/tensors"
)

func init() {
	Register(graph.OpMatMul, execMatMul)
}

// execMatMul executes a 2-D matrix multiplication. Shapes were checked at
// graph build time: lhs is [m, k], rhs is [k, n], output is [m, n].
func execMatMul(node *graph.Node, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	lhs, rhs := inputs[0], inputs[1]
	m := lhs.Shape().Dim(0)
	k := lhs.Shape().Dim(1)
	n := rhs.Shape().Dim(1)
	output := tensors.FromShape(node.Shape())
	switch lhs.DType() {
	case shapes.Float32:
		matMulGeneric[float32](
			tensors.ConstFlatData[float32](lhs), tensors.ConstFlatData[float32](rhs),
			tensors.MutableFlatData[float32](output), m, k, n)
	case shapes.Float64:
		matMulGeneric[float64](
			tensors.ConstFlatData[float64](lhs), tensors.ConstFlatData[float64](rhs),
			tensors.MutableFlatData[float64](output), m, k, n)
	case shapes.Float16:
		matMulF16(
			tensors.ConstFlatData[float16.Float16](lhs), tensors.ConstFlatData[float16.Float16](rhs),
			tensors.MutableFlatData[float16.Float16](output), m, k, n)
	default:
		return nil, errors.Errorf("unsupported dtype %s for op %s", lhs.DType(), node.Op())
	}
	return output, nil
}

// matMulGeneric is the naive [m,k]x[k,n] inner loop, iterating the rhs by rows
// to keep accesses sequential.
func matMulGeneric[T constraints.Float](lhs, rhs, output []T, m, k, n int) {
	for i := 0; i < m; i++ {
		outRow := output[i*n : (i+1)*n]
		lhsRow := lhs[i*k : (i+1)*k]
		for kk := 0; kk < k; kk++ {
			factor := lhsRow[kk]
			rhsRow := rhs[kk*n : (kk+1)*n]
			for j, value := range rhsRow {
				outRow[j] += factor * value
			}
		}
	}
}

// matMulF16 accumulates in float32 and converts the result back to float16.
func matMulF16(lhs, rhs, output []float16.Float16, m, k, n int) {
	acc := make([]float32, n)
	for i := 0; i < m; i++ {
		for j := range acc {
			acc[j] = 0
		}
		lhsRow := lhs[i*k : (i+1)*k]
		for kk := 0; kk < k; kk++ {
			factor := lhsRow[kk].Float32()
			rhsRow := rhs[kk*n : (kk+1)*n]
			for j, value := range rhsRow {
				acc[j] += factor * value.Float32()
			}
		}
		outRow := output[i*n : (i+1)*n]
		for j, value := range acc {
			outRow[j] = float16.Fromfloat32(value)
		}
	}
}
