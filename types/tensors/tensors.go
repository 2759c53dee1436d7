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

// Package tensors implements a Tensor, a representation of a multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalars with 0 dimensions to
// arbitrarily large dimensions), defined by their shape (a data type and its
// axes' dimensions) and their actual content, stored as a flat (1D) slice of
// the corresponding Go type.
//
// The main ways to construct a Tensor from local data:
//
//   - FromShape(shape): a tensor with the given shape and zero values.
//
//   - FromScalarAndDimensions[T](value, dimensions...): a tensor with the given
//     dimensions, filled with the scalar value.
//
//   - FromFlatDataAndDimensions[T](data, dimensions...): a tensor with the
//     given dimensions, with the flattened values set to data. Example:
//
//     t := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // [[1,2], [3,4]]
//
//   - FromValue(value): converts any scalar or (regular) multi-dimensional
//     slice of a supported type. Example:
//
//     t := tensors.FromValue([][]float32{{3, 2}, {-1, 0}})
//
// A Tensor may also be created uninitialized (shape only, no backing data),
// which is how the session represents values not yet computed.
package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/caisq/debugflow/types/shapes"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
)

// Tensor is a multidimensional array, defined by its shape and its content,
// stored as a flat slice of the shape's DType Go type.
//
// A Tensor is initialized when it has backing data. Tensors returned by the
// session are always initialized; an uninitialized Tensor only carries a shape.
type Tensor struct {
	shape shapes.Shape

	// flat is a slice of the shape.DType Go type, or nil if uninitialized.
	flat any
}

// FromShape returns a Tensor of the given shape, with the data zero-initialized.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape.Clone(), flat: flat.Interface()}
}

// Uninitialized returns a Tensor of the given shape with no backing data.
// Tensor.IsInitialized reports false for it.
func Uninitialized(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone()}
}

// FromFlatDataAndDimensions returns a Tensor with the given dimensions, with
// the flattened contents set to data. The data slice is copied.
func FromFlatDataAndDimensions[T shapes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(shapes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, shape %s requires %d",
			len(data), shape, shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return &Tensor{shape: shape, flat: flat}
}

// FromScalarAndDimensions returns a Tensor with the given dimensions, filled
// with the scalar value given.
func FromScalarAndDimensions[T shapes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(shapes.FromGenericsType[T](), dimensions...)
	flat := make([]T, shape.Size())
	for ii := range flat {
		flat[ii] = value
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromValue converts a scalar or a multi-dimensional slice of a supported type
// to a Tensor. Slices of rank > 1 must be regular: all sub-slices must have
// the same length. It panics on unsupported types or irregular slices.
func FromValue(value any) *Tensor {
	valueOf := reflect.ValueOf(value)
	baseType := valueOf.Type()
	var dimensions []int
	v := valueOf
	for baseType.Kind() == reflect.Slice {
		if v.Len() == 0 {
			exceptions.Panicf("tensors.FromValue: cannot convert empty slice (%T)", value)
		}
		dimensions = append(dimensions, v.Len())
		baseType = baseType.Elem()
		v = v.Index(0)
	}
	dtype := shapes.FromGoType(baseType)
	if dtype == shapes.InvalidDType {
		exceptions.Panicf("tensors.FromValue: unsupported element type %s (value %T)", baseType, value)
	}
	shape := shapes.Shape{DType: dtype, Dimensions: dimensions}
	flat := reflect.MakeSlice(reflect.SliceOf(baseType), shape.Size(), shape.Size())
	fillFlatFromValue(flat, valueOf, dimensions, 0)
	return &Tensor{shape: shape, flat: flat.Interface()}
}

func fillFlatFromValue(flat, value reflect.Value, dimensions []int, offset int) int {
	if len(dimensions) == 0 {
		flat.Index(offset).Set(value)
		return offset + 1
	}
	if value.Len() != dimensions[0] {
		exceptions.Panicf("tensors.FromValue: irregular slice, expected dimension %d, got %d",
			dimensions[0], value.Len())
	}
	for ii := 0; ii < value.Len(); ii++ {
		offset = fillFlatFromValue(flat, value.Index(ii), dimensions[1:], offset)
	}
	return offset
}

// Shape of the Tensor. It implements the shapes.HasShape interface.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's elements, a shortcut to t.Shape().DType.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Rank of the Tensor, a shortcut to t.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements stored, a shortcut to t.Shape().Size().
func (t *Tensor) Size() int { return t.shape.Size() }

// IsInitialized reports whether the Tensor has backing data.
func (t *Tensor) IsInitialized() bool {
	return t != nil && t.flat != nil
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	if !t.IsInitialized() {
		return Uninitialized(t.shape)
	}
	flatOf := reflect.ValueOf(t.flat)
	newFlat := reflect.MakeSlice(flatOf.Type(), flatOf.Len(), flatOf.Len())
	reflect.Copy(newFlat, flatOf)
	return &Tensor{shape: t.shape.Clone(), flat: newFlat.Interface()}
}

// Equal compares shape and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// Value returns the Tensor contents as a scalar (rank 0) or a newly allocated
// multi-dimensional slice. It panics on an uninitialized Tensor.
func (t *Tensor) Value() any {
	t.assertInitialized("Value")
	flatOf := reflect.ValueOf(t.flat)
	if t.shape.IsScalar() {
		return flatOf.Index(0).Interface()
	}
	value, _ := nestFlat(flatOf, t.shape.Dimensions, 0)
	return value.Interface()
}

func nestFlat(flat reflect.Value, dimensions []int, offset int) (reflect.Value, int) {
	if len(dimensions) == 1 {
		slice := reflect.MakeSlice(flat.Type(), dimensions[0], dimensions[0])
		reflect.Copy(slice, flat.Slice(offset, offset+dimensions[0]))
		return slice, offset + dimensions[0]
	}
	var element reflect.Value
	element, _ = nestFlat(flat, dimensions[1:], offset)
	slice := reflect.MakeSlice(reflect.SliceOf(element.Type()), dimensions[0], dimensions[0])
	for ii := 0; ii < dimensions[0]; ii++ {
		element, offset = nestFlat(flat, dimensions[1:], offset)
		slice.Index(ii).Set(element)
	}
	return slice, offset
}

// ConstFlatData returns the flat backing data of the Tensor. The returned
// slice is owned by the Tensor and must not be modified -- see MutableFlatData.
// It panics if T does not match the Tensor's dtype or if uninitialized.
func ConstFlatData[T shapes.Supported](t *Tensor) []T {
	t.assertInitialized("ConstFlatData")
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.ConstFlatData[%s]: tensor dtype is %s",
			shapes.FromGenericsType[T](), t.shape.DType)
	}
	return flat
}

// MutableFlatData returns the flat backing data of the Tensor for in-place
// mutation. It panics if T does not match the Tensor's dtype. An uninitialized
// Tensor is allocated on first access.
func MutableFlatData[T shapes.Supported](t *Tensor) []T {
	if t != nil && t.flat == nil && t.shape.DType == shapes.FromGenericsType[T]() {
		t.flat = make([]T, t.shape.Size())
	}
	return ConstFlatData[T](t)
}

// CopyFlatData returns a copy of the flat backing data of the Tensor.
func CopyFlatData[T shapes.Supported](t *Tensor) []T {
	flat := ConstFlatData[T](t)
	data := make([]T, len(flat))
	copy(data, flat)
	return data
}

// ToScalar returns the value of a scalar (or size-1) Tensor.
func ToScalar[T shapes.Supported](t *Tensor) T {
	flat := ConstFlatData[T](t)
	if len(flat) != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor shaped %s has %d elements", t.shape, len(flat))
	}
	return flat[0]
}

func (t *Tensor) assertInitialized(method string) {
	if t == nil {
		exceptions.Panicf("Tensor.%s: nil Tensor", method)
	}
	if t.flat == nil {
		exceptions.Panicf("Tensor.%s: tensor shaped %s is not initialized", method, t.shape)
	}
}

// maxSizeToPrint is the largest number of elements String prints in full.
const maxSizeToPrint = 32

// String implements fmt.Stringer. Small tensors print their values; large ones
// print the shape and a humanized memory size.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if !t.IsInitialized() {
		return fmt.Sprintf("Tensor(%s, uninitialized)", t.shape)
	}
	if t.Size() > maxSizeToPrint {
		return fmt.Sprintf("Tensor(%s, %s)", t.shape, humanize.Bytes(uint64(t.shape.Memory())))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor(%s): %v", t.shape, t.Value())
	return sb.String()
}
