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

package tensors

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/caisq/debugflow/types/shapes"
)

// ConstBytes returns a read-only view of the Tensor's backing data as raw
// bytes, in host byte order. The returned slice aliases the Tensor's storage
// and must not be modified nor retained past the Tensor's lifetime.
func (t *Tensor) ConstBytes() []byte {
	t.assertInitialized("ConstBytes")
	flatOf := reflect.ValueOf(t.flat)
	ptr := (*byte)(flatOf.Index(0).Addr().UnsafePointer())
	return unsafe.Slice(ptr, t.shape.Memory())
}

// FromBytes builds a Tensor of the given shape from a raw byte payload in host
// byte order, as produced by ConstBytes. The payload is copied.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes: invalid shape %s", shape)
	}
	if int64(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes: shape %s requires %d bytes, got %d",
			shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	copy(t.ConstBytes(), data)
	return t, nil
}
