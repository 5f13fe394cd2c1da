// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
	"github.com/pkg/errors"
)

// unaryKernel computes dst = op(src) elementwise over float32 data. dst and
// src have the same length and may alias.
type unaryKernel func(dst, src []float32)

// unaryKernels maps unary layer types to their float32 forward kernels.
// Registration happens at init time only.
var unaryKernels = map[layers.Type]unaryKernel{}

// RegisterUnaryKernel makes kernel the forward implementation of the given
// unary layer type. It panics on non-unary types, nil kernels and duplicate
// registrations, all programming errors at init time.
func RegisterUnaryKernel(typ layers.Type, kernel unaryKernel) {
	if !typ.IsUnary() {
		exceptions.Panicf("cpu.RegisterUnaryKernel: %s is not a unary layer type", typ)
	}
	if kernel == nil {
		exceptions.Panicf("cpu.RegisterUnaryKernel(%s): nil kernel", typ)
	}
	if _, found := unaryKernels[typ]; found {
		exceptions.Panicf("cpu.RegisterUnaryKernel(%s): kernel already registered", typ)
	}
	unaryKernels[typ] = kernel
}

// UnaryAcc executes the forward pass of one unary layer on the cpu device.
// Build it once with NewUnaryAcc and call DoForward per step; it keeps no
// state between calls beyond the resolved kernel.
type UnaryAcc struct {
	device *Device
	layer  *layers.Layer
	kernel unaryKernel
}

// NewUnaryAcc resolves the forward kernel for the layer's type. The error
// wraps train.ErrKernelNotFound when no kernel is registered for it.
func NewUnaryAcc(device *Device, layer *layers.Layer) (*UnaryAcc, error) {
	if !layer.Type().IsUnary() {
		return nil, errors.Errorf("layer %s is not a unary layer", layer)
	}
	kernel, found := unaryKernels[layer.Type()]
	if !found {
		return nil, errors.Wrapf(train.ErrKernelNotFound,
			"cpu device can not find unary kernel for %s", layer.Type())
	}
	return &UnaryAcc{device: device, layer: layer, kernel: kernel}, nil
}

// Reshape accepts new operand shapes for the layer. The kernels are
// elementwise, so there is nothing to re-plan; it only revalidates the pair.
func (a *UnaryAcc) Reshape(input, output *blobs.Blob) error {
	return a.check(input, output)
}

// DoForward computes output = op(input).
func (a *UnaryAcc) DoForward(input, output *blobs.Blob) error {
	if err := a.check(input, output); err != nil {
		return err
	}
	a.kernel(output.Float32(), input.Float32())
	return nil
}

// check validates the operand pair: float32, canonical layout and equal
// dimensions. Padding lanes of packed blobs must stay zero, which op(0) does
// not guarantee for every kernel, so packed operands are rejected.
func (a *UnaryAcc) check(input, output *blobs.Blob) error {
	if input.DType() != dtypes.Float32 || output.DType() != dtypes.Float32 {
		return errors.Wrapf(train.ErrUnsupportedDataType,
			"layer %s: unary forward needs float32 blobs, got %s and %s",
			a.layer, input.DType(), output.DType())
	}
	if input.Layout() != blobs.Canonical || output.Layout() != blobs.Canonical {
		return errors.Wrapf(blobs.ErrUnsupportedLayout,
			"layer %s: unary forward runs on canonical blobs, got %s and %s",
			a.layer, input.Layout(), output.Layout())
	}
	if !input.Shape().EqualDimensions(output.Shape()) {
		return errors.Wrapf(train.ErrShapeMismatch,
			"layer %s: input %s and output %s differ", a.layer, input.Shape(), output.Shape())
	}
	return nil
}

func init() {
	RegisterUnaryKernel(layers.ReLU, unaryReLU)
	RegisterUnaryKernel(layers.Neg, unaryNeg)
	RegisterUnaryKernel(layers.Abs, unaryAbs)
	RegisterUnaryKernel(layers.Sigmoid, unarySigmoid)
	RegisterUnaryKernel(layers.Tanh, unaryTanh)
}

func unaryReLU(dst, src []float32) {
	ii := 0
	for ; ii+4 <= len(src); ii += 4 {
		dst[ii] = max(src[ii], 0)
		dst[ii+1] = max(src[ii+1], 0)
		dst[ii+2] = max(src[ii+2], 0)
		dst[ii+3] = max(src[ii+3], 0)
	}
	for ; ii < len(src); ii++ {
		dst[ii] = max(src[ii], 0)
	}
}

func unaryNeg(dst, src []float32) {
	ii := 0
	for ; ii+4 <= len(src); ii += 4 {
		dst[ii] = -src[ii]
		dst[ii+1] = -src[ii+1]
		dst[ii+2] = -src[ii+2]
		dst[ii+3] = -src[ii+3]
	}
	for ; ii < len(src); ii++ {
		dst[ii] = -src[ii]
	}
}

func unaryAbs(dst, src []float32) {
	ii := 0
	for ; ii+4 <= len(src); ii += 4 {
		dst[ii] = float32(math.Abs(float64(src[ii])))
		dst[ii+1] = float32(math.Abs(float64(src[ii+1])))
		dst[ii+2] = float32(math.Abs(float64(src[ii+2])))
		dst[ii+3] = float32(math.Abs(float64(src[ii+3])))
	}
	for ; ii < len(src); ii++ {
		dst[ii] = float32(math.Abs(float64(src[ii])))
	}
}

func unarySigmoid(dst, src []float32) {
	for ii, v := range src {
		dst[ii] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

func unaryTanh(dst, src []float32) {
	for ii, v := range src {
		dst[ii] = float32(math.Tanh(float64(v)))
	}
}
