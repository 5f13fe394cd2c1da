package grad

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
)

func init() {
	Register(Key{Layer: layers.InnerProduct}, Entry{Kernel: innerProductGrad})
}

// innerProductGrad is the generic inner-product backward kernel.
//
// It converts every operand to canonical order, runs plain row-major loops
// and commits the three contributions through PutGradient. Optimized device
// kernels are checked against its results.
//
// For out = in·wᵀ + b the gradients are
//
//	weightGrad[j,k] = Σᵢ outputGrad[i,j] * in[i,k]
//	inputGrad[i,k]  = Σⱼ outputGrad[i,j] * weight[j,k]
//	biasGrad[j]     = Σᵢ outputGrad[i,j]
func innerProductGrad(_ backends.Device, ctx *train.Context, layer *layers.Layer, input, output *blobs.Blob) error {
	param := layer.InnerProductParam()
	batch := input.Shape().Batch()
	inputCount := layer.InputCount()
	outputCount := param.OutputCount
	pool := ctx.Pool()

	outputGradBuffer, err := ctx.Gradient(output)
	if err != nil {
		return err
	}
	outputGrad := outputGradBuffer.Float32()
	if output.Layout() == blobs.Packed4 {
		scratch := pool.Get(dtypes.Float32, output.Shape().Size())
		defer pool.Put(scratch)
		blobs.UnpackFloat32(scratch.Float32(), outputGrad, output.Shape())
		outputGrad = scratch.Float32()
	}

	inputFlat, inputScratch, err := blobs.ToCanonical(pool, input)
	if err != nil {
		return err
	}
	if inputScratch != nil {
		defer pool.Put(inputScratch)
	}
	weight := layer.Weight().Float32()

	// Contributions start at zero so the loops below can accumulate
	// unconditionally; PutGradient merges them into whatever is already
	// in the context.
	weightGrad := pool.GetZeros(dtypes.Float32, outputCount*inputCount)
	inputGrad := pool.GetZeros(dtypes.Float32, batch*inputCount)
	var biasGrad *blobs.Buffer
	if layer.Bias() != nil {
		biasGrad = pool.GetZeros(dtypes.Float32, outputCount)
	}

	wg, ig := weightGrad.Float32(), inputGrad.Float32()
	var bg []float32
	if biasGrad != nil {
		bg = biasGrad.Float32()
	}
	for i := 0; i < batch; i++ {
		inRow := inputFlat[i*inputCount : (i+1)*inputCount]
		igRow := ig[i*inputCount : (i+1)*inputCount]
		for j := 0; j < outputCount; j++ {
			og := outputGrad[i*outputCount+j]
			if bg != nil {
				bg[j] += og
			}
			wRow := weight[j*inputCount : (j+1)*inputCount]
			wgRow := wg[j*inputCount : (j+1)*inputCount]
			for k := 0; k < inputCount; k++ {
				wgRow[k] += og * inRow[k]
				igRow[k] += og * wRow[k]
			}
		}
	}

	// The input gradient is stored in the blob's native layout.
	inputContribution := inputGrad
	if input.Layout() == blobs.Packed4 {
		inputContribution = pool.Get(dtypes.Float32, input.NumElements())
		blobs.PackFloat32(inputContribution.Float32(), ig, input.Shape())
		pool.Put(inputGrad)
	}

	if err := ctx.PutGradient(input, inputContribution); err != nil {
		return err
	}
	if err := ctx.PutGradient(layer.Weight(), weightGrad); err != nil {
		return err
	}
	if biasGrad != nil {
		if err := ctx.PutGradient(layer.Bias(), biasGrad); err != nil {
			return err
		}
	}
	return nil
}
