package grad

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
	"github.com/gradial/gradial/types/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice is the minimal Device used to exercise kernel selection.
type testDevice struct{ name string }

func (d testDevice) Name() string                               { return d.name }
func (d testDevice) Description() string                        { return "test device " + d.name }
func (d testDevice) SharedWorkspaceFloat32(elems int) []float32 { return make([]float32, elems) }
func (d testDevice) WorkerStarter() backends.Starter            { return func(func()) bool { return false } }
func (d testDevice) MaxParallelism() int                        { return 0 }
func (d testDevice) Finalize()                                  {}

// noopKernel returns a kernel that appends tag to log when invoked.
func noopKernel(tag string, log *[]string) Kernel {
	return func(backends.Device, *train.Context, *layers.Layer, *blobs.Blob, *blobs.Blob) error {
		*log = append(*log, tag)
		return nil
	}
}

// gradFixture builds a valid 3->2 inner-product layer, its operand blobs and
// a context with the output gradient already recorded.
func gradFixture(t *testing.T, inputLayout blobs.Layout) (ctx *train.Context, layer *layers.Layer, input, output *blobs.Blob) {
	t.Helper()
	weight := blobs.New("weight", shapes.Make(dtypes.Float32, 2, 3), blobs.Canonical)
	bias := blobs.New("bias", shapes.Make(dtypes.Float32, 2), blobs.Canonical)
	layer, err := layers.NewInnerProduct("fc",
		layers.InnerProductParam{OutputCount: 2, HasBias: true}, weight, bias)
	require.NoError(t, err)

	input = blobs.New("in", shapes.Make(dtypes.Float32, 2, 3), inputLayout)
	output = blobs.New("out", shapes.Make(dtypes.Float32, 2, 2), blobs.Canonical)
	ctx = train.NewContext(nil)
	_, _, err = ctx.GetOrCreateGradient(output)
	require.NoError(t, err)
	return
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "InnerProduct@generic", Key{Layer: layers.InnerProduct}.String())
	assert.Equal(t, "ReLU@cpu", Key{Layer: layers.ReLU, Device: "cpu"}.String())
}

func TestEntryAccepts(t *testing.T) {
	anyLayout := Entry{Kernel: noopKernel("", new([]string))}
	assert.True(t, anyLayout.Accepts(blobs.Canonical))
	assert.True(t, anyLayout.Accepts(blobs.Packed4))

	canonicalOnly := Entry{
		Kernel:  noopKernel("", new([]string)),
		Layouts: []blobs.Layout{blobs.Canonical},
	}
	assert.True(t, canonicalOnly.Accepts(blobs.Canonical))
	assert.False(t, canonicalOnly.Accepts(blobs.Packed4))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	key := Key{Layer: layers.InnerProduct, Device: "cpu"}
	_, found := r.Lookup(key)
	require.False(t, found)

	var log []string
	r.Register(key, Entry{Kernel: noopKernel("cpu", &log)})
	entry, found := r.Lookup(key)
	require.True(t, found)
	require.NoError(t, entry.Kernel(nil, nil, nil, nil, nil))
	assert.Equal(t, []string{"cpu"}, log)

	_, found = r.Lookup(Key{Layer: layers.InnerProduct})
	assert.False(t, found, "device registration must not shadow the generic key")
}

func TestRegistryRegisterPanics(t *testing.T) {
	r := NewRegistry()
	key := Key{Layer: layers.ReLU}
	assert.Panics(t, func() { r.Register(key, Entry{}) }, "nil kernel")

	r.Register(key, Entry{Kernel: noopKernel("", new([]string))})
	assert.Panics(t, func() {
		r.Register(key, Entry{Kernel: noopKernel("", new([]string))})
	}, "duplicate key")
}

func TestRegistryKernelsSorted(t *testing.T) {
	r := NewRegistry()
	log := new([]string)
	for _, key := range []Key{
		{Layer: layers.Tanh, Device: "cpu"},
		{Layer: layers.InnerProduct},
		{Layer: layers.InnerProduct, Device: "cpu"},
		{Layer: layers.ReLU},
	} {
		r.Register(key, Entry{Kernel: noopKernel("", log)})
	}
	assert.Equal(t, []Key{
		{Layer: layers.InnerProduct},
		{Layer: layers.ReLU},
		{Layer: layers.InnerProduct, Device: "cpu"},
		{Layer: layers.Tanh, Device: "cpu"},
	}, r.Kernels())
}

func TestDefaultRegistryHasInnerProduct(t *testing.T) {
	_, found := Default().Lookup(Key{Layer: layers.InnerProduct})
	assert.True(t, found, "generic inner-product kernel registers itself at init")
}

func TestOnGradKernelSelection(t *testing.T) {
	newRegistry := func(log *[]string) *Registry {
		r := NewRegistry()
		r.Register(Key{Layer: layers.InnerProduct}, Entry{Kernel: noopKernel("generic", log)})
		r.Register(Key{Layer: layers.InnerProduct, Device: "testdev"}, Entry{
			Kernel:  noopKernel("device", log),
			Layouts: []blobs.Layout{blobs.Canonical},
		})
		return r
	}

	t.Run("device kernel preferred", func(t *testing.T) {
		var log []string
		r := newRegistry(&log)
		ctx, layer, input, output := gradFixture(t, blobs.Canonical)
		require.NoError(t, r.OnGrad(testDevice{"testdev"}, ctx, layer, input, output))
		assert.Equal(t, []string{"device"}, log)
	})

	t.Run("layout falls back to generic", func(t *testing.T) {
		var log []string
		r := newRegistry(&log)
		ctx, layer, input, output := gradFixture(t, blobs.Packed4)
		require.NoError(t, r.OnGrad(testDevice{"testdev"}, ctx, layer, input, output))
		assert.Equal(t, []string{"generic"}, log)
	})

	t.Run("nil device uses generic", func(t *testing.T) {
		var log []string
		r := newRegistry(&log)
		ctx, layer, input, output := gradFixture(t, blobs.Canonical)
		require.NoError(t, r.OnGrad(nil, ctx, layer, input, output))
		assert.Equal(t, []string{"generic"}, log)
	})

	t.Run("unknown device uses generic", func(t *testing.T) {
		var log []string
		r := newRegistry(&log)
		ctx, layer, input, output := gradFixture(t, blobs.Canonical)
		require.NoError(t, r.OnGrad(testDevice{"gpu"}, ctx, layer, input, output))
		assert.Equal(t, []string{"generic"}, log)
	})
}

func TestOnGradErrors(t *testing.T) {
	tests := []struct {
		name string
		// setup returns the context (nil when the call itself passes a
		// nil context) and the OnGrad call expected to fail.
		setup func(t *testing.T) (*train.Context, func() error)
		want  error // nil means any non-kind error
	}{
		{
			name: "nil context",
			setup: func(t *testing.T) (*train.Context, func() error) {
				_, layer, input, output := gradFixture(t, blobs.Canonical)
				return nil, func() error { return OnGrad(nil, nil, layer, input, output) }
			},
		},
		{
			name: "nil input blob",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, _, output := gradFixture(t, blobs.Canonical)
				return ctx, func() error { return OnGrad(nil, ctx, layer, nil, output) }
			},
		},
		{
			name: "half precision output",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, input, _ := gradFixture(t, blobs.Canonical)
				output := blobs.New("out16", shapes.Make(dtypes.Float16, 2, 2), blobs.Canonical)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrUnsupportedDataType,
		},
		{
			name: "input and output dtypes disagree",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, _, output := gradFixture(t, blobs.Canonical)
				input := blobs.New("in16", shapes.Make(dtypes.BFloat16, 2, 3), blobs.Canonical)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrUnsupportedDataType,
		},
		{
			name: "non-float32 weight",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, _, input, output := gradFixture(t, blobs.Canonical)
				weight := blobs.New("weight64", shapes.Make(dtypes.Float64, 2, 3), blobs.Canonical)
				layer, err := layers.NewInnerProduct("fc64",
					layers.InnerProductParam{OutputCount: 2}, weight, nil)
				require.NoError(t, err)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrUnsupportedDataType,
		},
		{
			name: "batch mismatch",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, _, output := gradFixture(t, blobs.Canonical)
				input := blobs.New("in3", shapes.Make(dtypes.Float32, 3, 3), blobs.Canonical)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrShapeMismatch,
		},
		{
			name: "output features disagree with layer",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, input, _ := gradFixture(t, blobs.Canonical)
				output := blobs.New("out5", shapes.Make(dtypes.Float32, 2, 5), blobs.Canonical)
				_, _, err := ctx.GetOrCreateGradient(output)
				require.NoError(t, err)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrShapeMismatch,
		},
		{
			name: "input features disagree with weight",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, _, output := gradFixture(t, blobs.Canonical)
				input := blobs.New("in4", shapes.Make(dtypes.Float32, 2, 4), blobs.Canonical)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrShapeMismatch,
		},
		{
			name: "elementwise shape mismatch",
			setup: func(t *testing.T) (*train.Context, func() error) {
				layer, err := layers.NewUnary("act", layers.ReLU)
				require.NoError(t, err)
				input := blobs.New("in", shapes.Make(dtypes.Float32, 2, 3), blobs.Canonical)
				output := blobs.New("out", shapes.Make(dtypes.Float32, 2, 4), blobs.Canonical)
				ctx := train.NewContext(nil)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrShapeMismatch,
		},
		{
			name: "output gradient not recorded yet",
			setup: func(t *testing.T) (*train.Context, func() error) {
				_, layer, input, output := gradFixture(t, blobs.Canonical)
				ctx := train.NewContext(nil)
				return ctx, func() error { return OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrMissingGradient,
		},
		{
			name: "no kernel registered",
			setup: func(t *testing.T) (*train.Context, func() error) {
				ctx, layer, input, output := gradFixture(t, blobs.Canonical)
				return ctx, func() error { return NewRegistry().OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrKernelNotFound,
		},
		{
			name: "every kernel rejects the layout",
			setup: func(t *testing.T) (*train.Context, func() error) {
				r := NewRegistry()
				r.Register(Key{Layer: layers.InnerProduct}, Entry{
					Kernel:  noopKernel("", new([]string)),
					Layouts: []blobs.Layout{blobs.Canonical},
				})
				ctx, layer, input, output := gradFixture(t, blobs.Packed4)
				return ctx, func() error { return r.OnGrad(nil, ctx, layer, input, output) }
			},
			want: train.ErrKernelNotFound,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx, call := test.setup(t)
			before := 0
			if ctx != nil {
				before = ctx.NumGradients()
			}
			err := call()
			require.Error(t, err)
			if test.want != nil {
				assert.True(t, errors.Is(err, test.want), "got %+v, want kind %v", err, test.want)
			}
			if ctx != nil {
				assert.Equalf(t, before, ctx.NumGradients(),
					"a failed OnGrad must not record gradients, context is now %s", ctx)
			}
		})
	}
}
