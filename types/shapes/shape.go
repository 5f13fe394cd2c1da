/*
 *	Copyright 2025 The Gradial Authors
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

// Package shapes defines Shape, the dtype plus dimensions of a blob.
//
// A Shape pairs a DType (element type, enumeration defined in
// github.com/gomlx/gopjrt/dtypes) with the dimensions of the logical
// multi-dimensional array it describes. It says nothing about how the
// elements are arranged in memory; that is the blobs.Layout's job.
//
// Blobs on the training path follow the convention that axis 0 is the batch
// and axis 1 the channel (feature) axis; any further axes are spatial.
// Channels and SizeFrom below exist for that convention.
//
// Go float16 support uses github.com/x448/float16, and bfloat16 uses the
// implementation in github.com/gomlx/gopjrt/dtypes/bfloat16.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
)

// Shape of a blob: element DType and the dimensions of each axis.
//
// Use Make to create one. The zero value is invalid (Ok() == false).
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is <= 0: shapes come from trusted model
// metadata, and a non-positive dimension is a programming error.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a rank-0 Shape of the given dtype.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no axes.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can be negative, in which
// case it counts from the end -- so axis=-1 refers to the last axis.
// It panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements the shape holds, the product of all
// dimensions. A scalar has size 1.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// SizeFrom returns the product of the dimensions from the given axis
// (inclusive) to the last. SizeFrom(0) == Size(); SizeFrom(Rank()) == 1.
func (s Shape) SizeFrom(axis int) (size int) {
	if axis < 0 || axis > s.Rank() {
		exceptions.Panicf("Shape.SizeFrom(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	size = 1
	for _, d := range s.Dimensions[axis:] {
		size *= d
	}
	return
}

// Batch returns the dimension of axis 0, the batch axis by convention.
// A scalar has batch 1.
func (s Shape) Batch() int {
	if s.Rank() == 0 {
		return 1
	}
	return s.Dimensions[0]
}

// Channels returns the dimension of axis 1, the channel (feature) axis by
// convention, or 1 for shapes of rank < 2.
func (s Shape) Channels() int {
	if s.Rank() < 2 {
		return 1
	}
	return s.Dimensions[1]
}

// Memory returns the bytes needed to store an array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares dimensions only. DTypes can differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	if s.IsScalar() {
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}
