// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package cpu

// IndirectConvInt8Unit4x8 computes one mr x nr tile (up to 4x8) of an
// indirect int8 convolution: inputs are gathered through the indirection
// offsets, the products are accumulated in int32 and requantized with the
// per-channel scales, with optional fused relu and quantized residual add.
//
// It is nil unless an architecture-specific build provides an
// implementation; callers must check before dispatching to it, the same way
// packgemm.Float32PackAB implementations are selected.
var IndirectConvInt8Unit4x8 func(mr, nr, inputChannel, kernelSize int,
	indirect []int32, weight []int8, output []int8, channelStride int,
	scales []float32, relu bool, addInput []int8, addScale []float32,
	zero []int8, realInput []int8)
