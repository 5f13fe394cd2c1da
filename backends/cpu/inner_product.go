// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/backends/cpu/packgemm"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
	"github.com/gradial/gradial/train/grad"
	"github.com/pkg/errors"
)

func init() {
	grad.Register(grad.Key{Layer: layers.InnerProduct, Device: DeviceName}, grad.Entry{
		Kernel: innerProductGrad,
		// The input gradient GEMM writes row-major data straight into the
		// gradient buffer, so packed inputs go to the generic kernel instead.
		Layouts: []blobs.Layout{blobs.Canonical},
	})
}

// innerProductGrad is the optimized inner-product backward kernel.
//
// It writes into the context's gradient buffers in place: the input gradient
// comes out of a packed GEMM with beta chosen by the accumulation flag, and
// the weight and bias loops accumulate unconditionally, which is correct
// because fresh gradient buffers start zeroed.
func innerProductGrad(device backends.Device, ctx *train.Context, layer *layers.Layer, input, output *blobs.Blob) error {
	dev, ok := device.(*Device)
	if !ok {
		return errors.Errorf("layer %s: cpu inner-product kernel needs a cpu device, got %T", layer, device)
	}

	batch := input.Shape().Batch()
	inputCount := layer.InputCount()
	outputCount := layer.InnerProductParam().OutputCount

	outputGradBuffer, err := ctx.Gradient(output)
	if err != nil {
		return err
	}
	outputGrad := outputGradBuffer.Float32()
	if output.Layout() == blobs.Packed4 {
		scratch := ctx.Pool().Get(dtypes.Float32, output.Shape().Size())
		defer ctx.Pool().Put(scratch)
		blobs.UnpackFloat32(scratch.Float32(), outputGrad, output.Shape())
		outputGrad = scratch.Float32()
	}

	if err := innerProductInputGrad(dev, ctx, input, outputGrad, layer.Weight().Float32(),
		batch, inputCount, outputCount); err != nil {
		return err
	}
	if err := innerProductWeightGrad(dev, ctx, layer.Weight(), outputGrad, input.Float32(),
		batch, inputCount, outputCount); err != nil {
		return err
	}
	if layer.Bias() != nil {
		if err := innerProductBiasGrad(ctx, layer.Bias(), outputGrad, batch, outputCount); err != nil {
			return err
		}
	}
	return nil
}

// innerProductInputGrad computes inputGrad = outputGrad x weight as a packed
// GEMM. Both operands are packed into the device workspace, each region
// followed by the extra-load slack, and the product lands directly in the
// input's gradient buffer.
func innerProductInputGrad(dev *Device, ctx *train.Context, input *blobs.Blob,
	outputGrad, weight []float32, batch, inputCount, outputCount int) error {
	buffer, accumulate, err := ctx.GetOrCreateGradient(input)
	if err != nil {
		return err
	}

	lhsSize := packgemm.PackedLhsSize(batch, outputCount)
	rhsSize := packgemm.PackedRhsSize(outputCount, inputCount)
	workspace := dev.SharedWorkspaceFloat32(
		lhsSize + packgemm.ExtraLoadFloats + rhsSize + packgemm.ExtraLoadFloats)
	packedLhs := workspace[:lhsSize]
	packedRhs := workspace[lhsSize+packgemm.ExtraLoadFloats : lhsSize+packgemm.ExtraLoadFloats+rhsSize]
	packgemm.PackLhsFloat32(packedLhs, outputGrad, batch, outputCount)
	packgemm.PackRhsFloat32(packedRhs, weight, outputCount, inputCount)

	beta := float32(0)
	if accumulate {
		beta = 1
	}
	packgemm.Float32PackAB(1, beta, packedLhs, packedRhs, batch, inputCount, outputCount,
		buffer.Float32(), packgemm.GoroutineStarter(dev.WorkerStarter()))
	return nil
}

// innerProductWeightGrad accumulates weightGrad[j,k] += outputGrad[i,j] *
// input[i,k], parallelized over output channels so each worker owns a
// disjoint block of weight rows.
func innerProductWeightGrad(dev *Device, ctx *train.Context, weight *blobs.Blob,
	outputGrad, inputFlat []float32, batch, inputCount, outputCount int) error {
	buffer, _, err := ctx.GetOrCreateGradient(weight)
	if err != nil {
		return err
	}
	weightGrad := buffer.Float32()
	dev.pool.ParallelizeRange(outputCount, func(jStart, jEnd int) {
		for i := 0; i < batch; i++ {
			ogRow := outputGrad[i*outputCount : (i+1)*outputCount]
			inRow := inputFlat[i*inputCount : (i+1)*inputCount]
			for j := jStart; j < jEnd; j++ {
				og := ogRow[j]
				wgRow := weightGrad[j*inputCount : (j+1)*inputCount]
				k := 0
				for ; k+4 <= inputCount; k += 4 {
					wgRow[k] += og * inRow[k]
					wgRow[k+1] += og * inRow[k+1]
					wgRow[k+2] += og * inRow[k+2]
					wgRow[k+3] += og * inRow[k+3]
				}
				for ; k < inputCount; k++ {
					wgRow[k] += og * inRow[k]
				}
			}
		}
	})
	return nil
}

// innerProductBiasGrad accumulates the per-channel sums of the output
// gradient. The first write of a single-sample batch is a plain copy.
func innerProductBiasGrad(ctx *train.Context, bias *blobs.Blob,
	outputGrad []float32, batch, outputCount int) error {
	buffer, accumulate, err := ctx.GetOrCreateGradient(bias)
	if err != nil {
		return err
	}
	biasGrad := buffer.Float32()
	if batch == 1 && !accumulate {
		copy(biasGrad, outputGrad[:outputCount])
		return nil
	}
	for i := 0; i < batch; i++ {
		ogRow := outputGrad[i*outputCount : (i+1)*outputCount]
		j := 0
		for ; j+4 <= outputCount; j += 4 {
			biasGrad[j] += ogRow[j]
			biasGrad[j+1] += ogRow[j+1]
			biasGrad[j+2] += ogRow[j+2]
			biasGrad[j+3] += ogRow[j+3]
		}
		for ; j < outputCount; j++ {
			biasGrad[j] += ogRow[j]
		}
	}
	return nil
}
