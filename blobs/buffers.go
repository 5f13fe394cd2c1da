// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package blobs

import (
	"reflect"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gradial/gradial/types/shapes"
	"github.com/x448/float16"
)

// Buffer holds a shape and a reference to the flat data.
//
// The flat data may be shared -- blob views carve windows out of larger
// buffers -- or owned outright, as with gradient buffers handed out by a Pool.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the Go type corresponding to shape.DType.
	flat any
}

// Shape of the flat data. For pooled buffers this is always rank 1.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the elements.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Ok reports whether the buffer is live: not yet returned to its pool.
func (b *Buffer) Ok() bool { return b != nil && b.valid && b.shape.Ok() }

// Flat returns the underlying flat slice as an `any`. It is a slice of the
// Go type corresponding to the buffer's dtype.
func (b *Buffer) Flat() any { return b.flat }

// Float32 returns the flat data as a []float32.
// It panics if the buffer's dtype is not Float32; gradient kernels only ever
// see float32 buffers, so a mismatch here is a dispatch bug.
func (b *Buffer) Float32() []float32 {
	flat, ok := b.flat.([]float32)
	if !ok {
		exceptions.Panicf("Buffer.Float32 called on %s buffer", b.shape.DType)
	}
	return flat
}

// Bytes returns the raw bytes backing the flat data.
// The slice aliases the buffer storage and becomes invalid once the buffer
// is returned to its pool.
func (b *Buffer) Bytes() []byte {
	switch flat := b.flat.(type) {
	case []float32:
		return flatBytes(flat)
	case []float64:
		return flatBytes(flat)
	case []float16.Float16:
		return flatBytes(flat)
	case []bfloat16.BFloat16:
		return flatBytes(flat)
	case []int8:
		return flatBytes(flat)
	case []int32:
		return flatBytes(flat)
	case []int64:
		return flatBytes(flat)
	case []uint8:
		return flatBytes(flat)
	default:
		exceptions.Panicf("Buffer.Bytes: unsupported dtype %s", b.shape.DType)
		return nil
	}
}

// flatBytes reinterprets a flat slice as its backing bytes. The only unsafe
// code in the package.
func flatBytes[T any](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	bytePointer := (*byte)(unsafe.Pointer(&flat[0]))
	return unsafe.Slice(bytePointer, len(flat)*int(unsafe.Sizeof(t)))
}

// Zeros sets all elements of the buffer to zero.
func (b *Buffer) Zeros() {
	clear(b.Bytes())
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// Pool recycles buffers per (dtype, length). Gradient accumulation churns
// through same-shaped scratch and gradient buffers every backward pass, so
// recycling them avoids re-allocating on each step.
//
// The zero value is ready to use. A Pool is safe for concurrent use.
type Pool struct {
	pools sync.Map // bufferPoolKey -> *sync.Pool
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// NewPool returns an empty Pool.
func NewPool() *Pool { return &Pool{} }

func (p *Pool) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := p.pools.Load(key)
	if !ok {
		poolInterface, _ = p.pools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Get returns a buffer with capacity for length elements of dtype.
// The contents are whatever the previous user left behind; callers that need
// zeros use GetZeros.
func (p *Pool) Get(dtype dtypes.DType, length int) *Buffer {
	pool := p.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.valid = true
	return buf
}

// GetZeros returns a zero-filled buffer with capacity for length elements of
// dtype. Fresh gradient buffers must start from zero so that accumulation
// sums only real contributions.
func (p *Pool) GetZeros(dtype dtypes.DType, length int) *Buffer {
	buf := p.Get(dtype, length)
	buf.Zeros()
	return buf
}

// Put returns a buffer to the pool. After this any references to the buffer
// should be dropped.
func (p *Pool) Put(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() {
		return
	}
	buffer.valid = false
	pool := p.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

// Clone allocates a new buffer from the pool and copies buffer's data over.
func (p *Pool) Clone(buffer *Buffer) *Buffer {
	if buffer == nil || buffer.flat == nil || !buffer.shape.Ok() || !buffer.valid {
		var issues []string
		if buffer != nil {
			if buffer.flat == nil {
				issues = append(issues, "buffer.flat was nil")
			}
			if !buffer.shape.Ok() {
				issues = append(issues, "buffer.shape was invalid")
			}
			if !buffer.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		} else {
			issues = append(issues, "buffer was nil")
		}
		exceptions.Panicf("Pool.Clone(%p): %s -- buffer was already finalized!?", buffer, strings.Join(issues, ", "))
		return nil
	}
	newBuffer := p.Get(buffer.shape.DType, buffer.shape.Size())
	copyFlat(newBuffer.flat, buffer.flat)
	return newBuffer
}
