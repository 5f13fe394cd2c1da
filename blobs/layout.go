// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package blobs

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/types/shapes"
	"github.com/pkg/errors"
)

// Layout describes how a blob's elements are arranged in memory.
//
// Kernels declare the layout they require; the dispatcher converts or picks a
// different kernel when a blob's native layout doesn't match.
type Layout uint8

const (
	// Canonical is plain row-major order over the shape's axes:
	// element (n, c, s) of a [batch, channels, spatial...] blob lives at
	// flat index (n*channels+c)*spatial+s.
	Canonical Layout = iota

	// Packed4 is channel-blocked order with lanes of 4: channels are split
	// into groups of 4 and the lane index becomes the innermost axis, as in
	// [batch, ceil(channels/4), spatial..., 4]. Channels beyond the shape's
	// channel count pad their lanes with zeros. Optimized kernels read 4
	// contiguous channel values at a time from this layout.
	Packed4
)

// PackLanes is the lane width of the Packed4 layout.
const PackLanes = 4

// ErrUnsupportedLayout is returned when a blob's layout is unknown or a
// conversion for it is not available. Errors wrap it; test with errors.Is.
var ErrUnsupportedLayout = errors.New("unsupported blob layout")

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case Canonical:
		return "canonical"
	case Packed4:
		return "packed4"
	default:
		return "invalid_layout"
	}
}

// Valid reports whether l is a known layout.
func (l Layout) Valid() bool { return l == Canonical || l == Packed4 }

// NumElements returns the number of stored elements for shape under layout l,
// padding lanes included. For Canonical it equals shape.Size().
func (l Layout) NumElements(shape shapes.Shape) int {
	if l != Packed4 {
		return shape.Size()
	}
	batch := shape.Batch()
	channels := shape.Channels()
	spatial := shape.SizeFrom(2)
	return batch * ceilDiv(channels, PackLanes) * spatial * PackLanes
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// PackFloat32 rearranges src, given in canonical order for shape, into dst in
// Packed4 order. dst must have Packed4.NumElements(shape) elements; its
// padding lanes are zeroed.
func PackFloat32(dst, src []float32, shape shapes.Shape) {
	batch := shape.Batch()
	channels := shape.Channels()
	spatial := shape.SizeFrom(2)
	blocks := ceilDiv(channels, PackLanes)
	for n := 0; n < batch; n++ {
		for block := 0; block < blocks; block++ {
			for s := 0; s < spatial; s++ {
				dstBase := (((n*blocks + block) * spatial) + s) * PackLanes
				for lane := 0; lane < PackLanes; lane++ {
					c := block*PackLanes + lane
					if c < channels {
						dst[dstBase+lane] = src[(n*channels+c)*spatial+s]
					} else {
						dst[dstBase+lane] = 0
					}
				}
			}
		}
	}
}

// UnpackFloat32 rearranges src, given in Packed4 order for shape, into dst in
// canonical order. dst must have shape.Size() elements. Padding lanes in src
// are skipped.
func UnpackFloat32(dst, src []float32, shape shapes.Shape) {
	batch := shape.Batch()
	channels := shape.Channels()
	spatial := shape.SizeFrom(2)
	blocks := ceilDiv(channels, PackLanes)
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			block, lane := c/PackLanes, c%PackLanes
			srcBase := ((n*blocks+block)*spatial)*PackLanes + lane
			dstBase := (n*channels + c) * spatial
			for s := 0; s < spatial; s++ {
				dst[dstBase+s] = src[srcBase+s*PackLanes]
			}
		}
	}
}

// ToCanonical returns blob's elements in canonical order.
//
// If the blob is already canonical its own storage is returned, aliased, with
// a nil scratch. Otherwise the elements are unpacked into a scratch buffer
// taken from pool, which the caller must Put back when done with flat.
func ToCanonical(pool *Pool, blob *Blob) (flat []float32, scratch *Buffer, err error) {
	if blob.DType() != dtypes.Float32 {
		return nil, nil, errors.Wrapf(ErrUnsupportedLayout,
			"blob %q: layout conversion requires float32, blob is %s", blob.Name(), blob.DType())
	}
	switch blob.Layout() {
	case Canonical:
		return blob.Float32(), nil, nil
	case Packed4:
		scratch = pool.Get(dtypes.Float32, blob.Shape().Size())
		flat = scratch.Float32()
		UnpackFloat32(flat, blob.Float32(), blob.Shape())
		return flat, scratch, nil
	default:
		return nil, nil, errors.Wrapf(ErrUnsupportedLayout,
			"blob %q has layout %s", blob.Name(), blob.Layout())
	}
}

// FromCanonical writes flat, given in canonical order, into blob's native
// layout. flat must have blob.Shape().Size() elements.
func FromCanonical(blob *Blob, flat []float32) error {
	if blob.DType() != dtypes.Float32 {
		return errors.Wrapf(ErrUnsupportedLayout,
			"blob %q: layout conversion requires float32, blob is %s", blob.Name(), blob.DType())
	}
	switch blob.Layout() {
	case Canonical:
		copy(blob.Float32(), flat)
		return nil
	case Packed4:
		PackFloat32(blob.Float32(), flat, blob.Shape())
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedLayout,
			"blob %q has layout %s", blob.Name(), blob.Layout())
	}
}
