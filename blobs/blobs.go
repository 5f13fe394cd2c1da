// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

// Package blobs implements the tensor values flowing through the training
// runtime: named, shaped views (Blob) over flat storage (Buffer), the memory
// layouts kernels care about (Layout), and a recycling allocator (Pool) for
// the gradient buffers churned on every backward pass.
//
// A Blob does not own its memory: it is a bounds-checked window into a
// Buffer, given by an element offset and the layout's storage size. Model
// loaders typically allocate one large Buffer per model and carve the
// activation blobs out of it; gradient buffers come from a Pool instead.
//
// Elements are float32 on the compute path. Float16 (github.com/x448/float16)
// and bfloat16 (github.com/gomlx/gopjrt/dtypes/bfloat16) blobs can be created,
// filled and read back, but gradient kernels reject them.
package blobs

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gradial/gradial/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Blob is a named, shaped view over a window of a Buffer.
type Blob struct {
	name   string
	shape  shapes.Shape
	layout Layout
	buffer *Buffer
	offset int // In elements, not bytes.
	elems  int // Storage size of the window, layout included.
}

// New creates a blob with its own freshly allocated storage, sized for the
// shape under the given layout. It panics on an invalid layout; blobs are
// created from trusted model metadata.
func New(name string, shape shapes.Shape, layout Layout) *Blob {
	if !layout.Valid() {
		exceptions.Panicf("blobs.New(%q): invalid layout %d", name, layout)
	}
	elems := layout.NumElements(shape)
	buffer := &Buffer{
		shape: shapes.Make(shape.DType, elems),
		valid: true,
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), elems, elems).Interface(),
	}
	return &Blob{
		name:   name,
		shape:  shape.Clone(),
		layout: layout,
		buffer: buffer,
		elems:  elems,
	}
}

// ViewOf creates a blob viewing a window of buffer starting at the given
// element offset. It returns an error if the dtypes don't match or the
// window falls outside the buffer.
func ViewOf(name string, shape shapes.Shape, layout Layout, buffer *Buffer, offset int) (*Blob, error) {
	if !layout.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedLayout, "blob %q: layout %d", name, layout)
	}
	if buffer == nil || !buffer.Ok() {
		return nil, errors.Errorf("blob %q: buffer is nil or finalized", name)
	}
	if shape.DType != buffer.DType() {
		return nil, errors.Errorf("blob %q: shape dtype %s does not match buffer dtype %s",
			name, shape.DType, buffer.DType())
	}
	elems := layout.NumElements(shape)
	if offset < 0 || offset+elems > buffer.Shape().Size() {
		return nil, errors.Errorf("blob %q: window [%d:%d] out of bounds for buffer of %d elements",
			name, offset, offset+elems, buffer.Shape().Size())
	}
	return &Blob{
		name:   name,
		shape:  shape.Clone(),
		layout: layout,
		buffer: buffer,
		offset: offset,
		elems:  elems,
	}, nil
}

// Name of the blob, as given by the model graph.
func (b *Blob) Name() string { return b.name }

// Shape of the blob's logical value. Storage size may differ under a packed
// layout; see NumElements.
func (b *Blob) Shape() shapes.Shape { return b.shape }

// DType of the blob's elements.
func (b *Blob) DType() dtypes.DType { return b.shape.DType }

// Layout of the blob's storage.
func (b *Blob) Layout() Layout { return b.layout }

// Buffer returns the storage the blob views.
func (b *Blob) Buffer() *Buffer { return b.buffer }

// Offset returns the blob's element offset into its buffer.
func (b *Blob) Offset() int { return b.offset }

// NumElements returns the number of stored elements of the blob's window,
// padding lanes included.
func (b *Blob) NumElements() int { return b.elems }

// String implements fmt.Stringer.
func (b *Blob) String() string {
	return fmt.Sprintf("%q%s/%s", b.name, b.shape, b.layout)
}

// Float32 returns the blob's window of its buffer, in the blob's native
// layout. It panics if the dtype is not Float32.
func (b *Blob) Float32() []float32 {
	flat := b.buffer.Float32()
	return flat[b.offset : b.offset+b.elems]
}

func (b *Blob) float16Window() []float16.Float16 {
	flat, ok := b.buffer.flat.([]float16.Float16)
	if !ok {
		exceptions.Panicf("blob %q: float16 access on %s buffer", b.name, b.DType())
	}
	return flat[b.offset : b.offset+b.elems]
}

func (b *Blob) bfloat16Window() []bfloat16.BFloat16 {
	flat, ok := b.buffer.flat.([]bfloat16.BFloat16)
	if !ok {
		exceptions.Panicf("blob %q: bfloat16 access on %s buffer", b.name, b.DType())
	}
	return flat[b.offset : b.offset+b.elems]
}

// SetFloat32 fills the blob from values given in canonical order, converting
// to the blob's layout and element type. Half-precision blobs only support
// the canonical layout.
func (b *Blob) SetFloat32(values []float32) error {
	if len(values) != b.shape.Size() {
		return errors.Errorf("blob %q: SetFloat32 with %d values, shape %s holds %d",
			b.name, len(values), b.shape, b.shape.Size())
	}
	switch b.DType() {
	case dtypes.Float32:
		return FromCanonical(b, values)
	case dtypes.Float16:
		if b.layout != Canonical {
			return errors.Wrapf(ErrUnsupportedLayout,
				"blob %q: %s layout requires float32", b.name, b.layout)
		}
		window := b.float16Window()
		for ii, v := range values {
			window[ii] = float16.Fromfloat32(v)
		}
		return nil
	case dtypes.BFloat16:
		if b.layout != Canonical {
			return errors.Wrapf(ErrUnsupportedLayout,
				"blob %q: %s layout requires float32", b.name, b.layout)
		}
		window := b.bfloat16Window()
		for ii, v := range values {
			window[ii] = bfloat16.FromFloat32(v)
		}
		return nil
	default:
		return errors.Errorf("blob %q: SetFloat32 not supported for dtype %s", b.name, b.DType())
	}
}

// ReadFloat32 returns a copy of the blob's elements in canonical order,
// converted to float32. Half-precision blobs only support the canonical
// layout.
func (b *Blob) ReadFloat32() ([]float32, error) {
	out := make([]float32, b.shape.Size())
	switch b.DType() {
	case dtypes.Float32:
		switch b.layout {
		case Canonical:
			copy(out, b.Float32())
		case Packed4:
			UnpackFloat32(out, b.Float32(), b.shape)
		default:
			return nil, errors.Wrapf(ErrUnsupportedLayout, "blob %q has layout %s", b.name, b.layout)
		}
		return out, nil
	case dtypes.Float16:
		if b.layout != Canonical {
			return nil, errors.Wrapf(ErrUnsupportedLayout,
				"blob %q: %s layout requires float32", b.name, b.layout)
		}
		for ii, v := range b.float16Window() {
			out[ii] = v.Float32()
		}
		return out, nil
	case dtypes.BFloat16:
		if b.layout != Canonical {
			return nil, errors.Wrapf(ErrUnsupportedLayout,
				"blob %q: %s layout requires float32", b.name, b.layout)
		}
		for ii, v := range b.bfloat16Window() {
			out[ii] = v.Float32()
		}
		return out, nil
	default:
		return nil, errors.Errorf("blob %q: ReadFloat32 not supported for dtype %s", b.name, b.DType())
	}
}
