// Copyright 2025 The Gradial Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
	"github.com/gradial/gradial/train/grad"
	"github.com/gradial/gradial/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testInts fills n slots with small deterministic integers so every check
// below is exact in float32 regardless of summation order.
func testInts(n, seed int) []float32 {
	values := make([]float32, n)
	x := seed
	for ii := range values {
		x = (x*31 + 17) % 23
		values[ii] = float32(x - 11)
	}
	return values
}

// ipFixture is one inner-product backward setup shared by the generic and
// the cpu kernel runs.
type ipFixture struct {
	layer         *layers.Layer
	input, output *blobs.Blob
	outputGrad    []float32
}

func newIPFixture(t testing.TB, batch, inputCount, outputCount int, withBias bool, outputLayout blobs.Layout, seed int) *ipFixture {
	t.Helper()
	weight := blobs.New("weight", shapes.Make(dtypes.Float32, outputCount, inputCount), blobs.Canonical)
	require.NoError(t, weight.SetFloat32(testInts(outputCount*inputCount, seed)))
	var bias *blobs.Blob
	if withBias {
		bias = blobs.New("bias", shapes.Make(dtypes.Float32, outputCount), blobs.Canonical)
		require.NoError(t, bias.SetFloat32(testInts(outputCount, seed+1)))
	}
	layer, err := layers.NewInnerProduct("fc",
		layers.InnerProductParam{OutputCount: outputCount, HasBias: withBias}, weight, bias)
	require.NoError(t, err)

	input := blobs.New("in", shapes.Make(dtypes.Float32, batch, inputCount), blobs.Canonical)
	require.NoError(t, input.SetFloat32(testInts(batch*inputCount, seed+2)))
	output := blobs.New("out", shapes.Make(dtypes.Float32, batch, outputCount), outputLayout)
	return &ipFixture{
		layer:      layer,
		input:      input,
		output:     output,
		outputGrad: testInts(batch*outputCount, seed+3),
	}
}

// newContext returns a fresh backward context with the fixture's output
// gradient already recorded.
func (f *ipFixture) newContext(t testing.TB) *train.Context {
	t.Helper()
	ctx := train.NewContext(nil)
	contribution := ctx.Pool().GetZeros(dtypes.Float32, f.output.NumElements())
	switch f.output.Layout() {
	case blobs.Canonical:
		copy(contribution.Float32(), f.outputGrad)
	case blobs.Packed4:
		blobs.PackFloat32(contribution.Float32(), f.outputGrad, f.output.Shape())
	}
	require.NoError(t, ctx.PutGradient(f.output, contribution))
	return ctx
}

// grads reads back the canonical weight, bias and input gradients.
func (f *ipFixture) grads(t testing.TB, ctx *train.Context) (weightGrad, biasGrad, inputGrad []float32) {
	t.Helper()
	var err error
	weightGrad, err = ctx.GradientFloat32(f.layer.Weight())
	require.NoError(t, err)
	if f.layer.Bias() != nil {
		biasGrad, err = ctx.GradientFloat32(f.layer.Bias())
		require.NoError(t, err)
	}
	inputGrad, err = ctx.GradientFloat32(f.input)
	require.NoError(t, err)
	return
}

func TestInnerProductGradConcrete(t *testing.T) {
	weight := blobs.New("weight", shapes.Make(dtypes.Float32, 2, 3), blobs.Canonical)
	require.NoError(t, weight.SetFloat32([]float32{1, 0, 1, 0, 1, 1}))
	bias := blobs.New("bias", shapes.Make(dtypes.Float32, 2), blobs.Canonical)
	layer, err := layers.NewInnerProduct("fc",
		layers.InnerProductParam{OutputCount: 2, HasBias: true}, weight, bias)
	require.NoError(t, err)
	input := blobs.New("in", shapes.Make(dtypes.Float32, 2, 3), blobs.Canonical)
	require.NoError(t, input.SetFloat32([]float32{1, 2, 3, 4, 5, 6}))
	output := blobs.New("out", shapes.Make(dtypes.Float32, 2, 2), blobs.Canonical)

	dev := New("parallelism=2").(*Device)
	ctx := train.NewContext(nil)
	contribution := ctx.Pool().GetZeros(dtypes.Float32, output.NumElements())
	copy(contribution.Float32(), []float32{1, 1, 1, 1})
	require.NoError(t, ctx.PutGradient(output, contribution))

	require.NoError(t, innerProductGrad(dev, ctx, layer, input, output))

	weightGrad, err := ctx.GradientFloat32(weight)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7, 9, 5, 7, 9}, weightGrad)
	biasGrad, err := ctx.GradientFloat32(bias)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, biasGrad)
	inputGrad, err := ctx.GradientFloat32(input)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 2, 1, 1, 2}, inputGrad)
}

// TestInnerProductGradMatchesGeneric sweeps shapes that are not multiples of
// the kernel widths and checks the cpu kernel against the generic one.
func TestInnerProductGradMatchesGeneric(t *testing.T) {
	dev := New("parallelism=3").(*Device)
	genericEntry, found := grad.Default().Lookup(grad.Key{Layer: layers.InnerProduct})
	require.True(t, found)

	seed := 0
	for batch := 1; batch <= 8; batch++ {
		for _, inputCount := range []int{1, 2, 3, 4, 5, 7, 8, 9, 16, 31, 37} {
			for _, outputCount := range []int{1, 2, 3, 4, 5, 8, 13, 19} {
				seed++
				f := newIPFixture(t, batch, inputCount, outputCount, true, blobs.Canonical, seed)

				genericCtx := f.newContext(t)
				require.NoError(t, genericEntry.Kernel(nil, genericCtx, f.layer, f.input, f.output))
				wantW, wantB, wantI := f.grads(t, genericCtx)

				cpuCtx := f.newContext(t)
				require.NoError(t, innerProductGrad(dev, cpuCtx, f.layer, f.input, f.output))
				gotW, gotB, gotI := f.grads(t, cpuCtx)

				msg := fmt.Sprintf("batch=%d inputCount=%d outputCount=%d", batch, inputCount, outputCount)
				require.Equal(t, wantW, gotW, "weight grad, %s", msg)
				require.Equal(t, wantB, gotB, "bias grad, %s", msg)
				require.Equal(t, wantI, gotI, "input grad, %s", msg)
			}
		}
	}
}

func TestInnerProductGradSequentialDevice(t *testing.T) {
	dev := New("parallelism=0").(*Device)
	f := newIPFixture(t, 5, 37, 19, true, blobs.Canonical, 42)

	genericCtx := f.newContext(t)
	require.NoError(t, grad.OnGrad(nil, genericCtx, f.layer, f.input, f.output))
	wantW, wantB, wantI := f.grads(t, genericCtx)

	cpuCtx := f.newContext(t)
	require.NoError(t, innerProductGrad(dev, cpuCtx, f.layer, f.input, f.output))
	gotW, gotB, gotI := f.grads(t, cpuCtx)
	assert.Equal(t, wantW, gotW)
	assert.Equal(t, wantB, gotB)
	assert.Equal(t, wantI, gotI)
}

func TestInnerProductGradPackedOutput(t *testing.T) {
	dev := New("parallelism=2").(*Device)
	f := newIPFixture(t, 3, 7, 5, true, blobs.Packed4, 7)

	genericCtx := f.newContext(t)
	require.NoError(t, grad.OnGrad(nil, genericCtx, f.layer, f.input, f.output))
	wantW, wantB, wantI := f.grads(t, genericCtx)

	cpuCtx := f.newContext(t)
	require.NoError(t, innerProductGrad(dev, cpuCtx, f.layer, f.input, f.output))
	gotW, gotB, gotI := f.grads(t, cpuCtx)
	assert.Equal(t, wantW, gotW)
	assert.Equal(t, wantB, gotB)
	assert.Equal(t, wantI, gotI)
}

func TestInnerProductGradNoBias(t *testing.T) {
	dev := New("parallelism=2").(*Device)
	f := newIPFixture(t, 4, 9, 6, false, blobs.Canonical, 3)

	ctx := f.newContext(t)
	require.NoError(t, innerProductGrad(dev, ctx, f.layer, f.input, f.output))
	// Output gradient, input gradient and weight gradient only.
	assert.Equal(t, 3, ctx.NumGradients())
}

// TestInnerProductGradAccumulates runs the kernel twice in one context; the
// second pass must add onto the first (beta=1 on the GEMM, += elsewhere).
func TestInnerProductGradAccumulates(t *testing.T) {
	dev := New("parallelism=2").(*Device)
	f := newIPFixture(t, 2, 5, 3, true, blobs.Canonical, 9)

	once := f.newContext(t)
	require.NoError(t, innerProductGrad(dev, once, f.layer, f.input, f.output))
	onceW, onceB, onceI := f.grads(t, once)

	twice := f.newContext(t)
	require.NoError(t, innerProductGrad(dev, twice, f.layer, f.input, f.output))
	require.NoError(t, innerProductGrad(dev, twice, f.layer, f.input, f.output))
	twiceW, twiceB, twiceI := f.grads(t, twice)

	double := func(values []float32) []float32 {
		out := make([]float32, len(values))
		for ii, v := range values {
			out[ii] = 2 * v
		}
		return out
	}
	assert.Equal(t, double(onceW), twiceW)
	assert.Equal(t, double(onceB), twiceB)
	assert.Equal(t, double(onceI), twiceI)
}

// TestInnerProductGradBatchOneBiasShortcut covers the copy fast path for the
// first bias write of a single-sample batch.
func TestInnerProductGradBatchOneBiasShortcut(t *testing.T) {
	dev := New("parallelism=0").(*Device)
	f := newIPFixture(t, 1, 6, 5, true, blobs.Canonical, 11)

	ctx := f.newContext(t)
	require.NoError(t, innerProductGrad(dev, ctx, f.layer, f.input, f.output))
	biasGrad, err := ctx.GradientFloat32(f.layer.Bias())
	require.NoError(t, err)
	assert.Equal(t, f.outputGrad, biasGrad, "with batch=1 the bias gradient is the output gradient")
}

type wrongDevice struct{}

func (wrongDevice) Name() string { return "cpu" }

func (wrongDevice) Description() string { return "impostor" }

func (wrongDevice) SharedWorkspaceFloat32(int) []float32 { return nil }

func (wrongDevice) WorkerStarter() backends.Starter { return func(func()) bool { return false } }

func (wrongDevice) MaxParallelism() int { return 0 }

func (wrongDevice) Finalize() {}

func TestInnerProductGradWrongDevice(t *testing.T) {
	f := newIPFixture(t, 2, 3, 2, true, blobs.Canonical, 1)
	ctx := f.newContext(t)
	err := innerProductGrad(wrongDevice{}, ctx, f.layer, f.input, f.output)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a cpu device")

	// The context still holds only the recorded output gradient.
	assert.Equal(t, 1, ctx.NumGradients())
	assert.False(t, ctx.HasGradient(f.input))
	assert.False(t, ctx.HasGradient(f.layer.Weight()))
	assert.False(t, ctx.HasGradient(f.layer.Bias()))
}

// TestInnerProductGradThroughDispatcher checks the end-to-end path: device
// built through the backends registry, kernel picked by the dispatcher.
func TestInnerProductGradThroughDispatcher(t *testing.T) {
	dev := backends.NewWithConfig("cpu:parallelism=2")
	f := newIPFixture(t, 3, 5, 4, true, blobs.Canonical, 21)

	cpuCtx := f.newContext(t)
	require.NoError(t, grad.OnGrad(dev, cpuCtx, f.layer, f.input, f.output))
	genericCtx := f.newContext(t)
	require.NoError(t, grad.OnGrad(nil, genericCtx, f.layer, f.input, f.output))

	wantW, wantB, wantI := f.grads(t, genericCtx)
	gotW, gotB, gotI := f.grads(t, cpuCtx)
	assert.Equal(t, wantW, gotW)
	assert.Equal(t, wantB, gotB)
	assert.Equal(t, wantI, gotI)
}

func BenchmarkInnerProductGrad(b *testing.B) {
	dev := New("").(*Device)
	genericEntry, found := grad.Default().Lookup(grad.Key{Layer: layers.InnerProduct})
	require.True(b, found)
	paths := []struct {
		name   string
		device backends.Device
		kernel grad.Kernel
	}{
		{"generic", nil, genericEntry.Kernel},
		{"cpu", dev, innerProductGrad},
	}

	sizes := []struct {
		name                           string
		batch, inputCount, outputCount int
	}{
		{"Small_8x64x32", 8, 64, 32},
		{"Medium_32x256x128", 32, 256, 128},
		{"Large_64x784x512", 64, 784, 512},
	}
	for _, size := range sizes {
		f := newIPFixture(b, size.batch, size.inputCount, size.outputCount, true, blobs.Canonical, 5)
		for _, path := range paths {
			b.Run(fmt.Sprintf("%s/%s", size.name, path.name), func(b *testing.B) {
				ctx := train.NewContext(nil)
				// Input and weight gradients cost a multiply-add per (batch,
				// input, output) triple each, the bias gradient an add per
				// (batch, output) pair.
				flops := float64(size.batch*size.outputCount) * (4*float64(size.inputCount) + 1)
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					ctx.Reset()
					contribution := ctx.Pool().GetZeros(dtypes.Float32, f.output.NumElements())
					copy(contribution.Float32(), f.outputGrad)
					if err := ctx.PutGradient(f.output, contribution); err != nil {
						b.Fatal(err)
					}
					if err := path.kernel(path.device, ctx, f.layer, f.input, f.output); err != nil {
						b.Fatal(err)
					}
				}
				b.ReportMetric(flops*float64(b.N)/b.Elapsed().Seconds()/1e9, "GFLOPS")
			})
		}
	}
}
