package grad

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OnGrad runs one layer's backward step against the Default() registry.
// See Registry.OnGrad.
func OnGrad(device backends.Device, ctx *train.Context, layer *layers.Layer, input, output *blobs.Blob) error {
	return defaultRegistry.OnGrad(device, ctx, layer, input, output)
}

// OnGrad computes the gradients of one layer and commits them to ctx.
//
// input and output are the layer's forward operands; the gradient of output
// must already be in ctx (layers run in reverse topological order, so the
// consumer's backward step has already pushed it). device selects the
// preferred kernel specialization and may be nil to force the generic one.
//
// Failures are reported as wrapped train error kinds: ErrUnsupportedDataType
// for half-precision or mismatched element types, ErrShapeMismatch when the
// operands disagree with the layer configuration, ErrMissingGradient when the
// output gradient hasn't arrived, and ErrKernelNotFound when no registered
// kernel covers the layer.
func (r *Registry) OnGrad(device backends.Device, ctx *train.Context, layer *layers.Layer, input, output *blobs.Blob) error {
	if ctx == nil || layer == nil {
		return errors.Errorf("grad.OnGrad: nil context or layer")
	}
	if input == nil || output == nil {
		return errors.Errorf("grad.OnGrad(%s): exactly one input and one output blob required", layer)
	}
	if err := validateDTypes(layer, input, output); err != nil {
		return err
	}
	if err := validateShapes(layer, input, output); err != nil {
		return err
	}
	if !ctx.HasGradient(output) {
		return errors.Wrapf(train.ErrMissingGradient,
			"layer %s: no gradient for output blob %q yet", layer, output.Name())
	}

	deviceName := ""
	if device != nil {
		deviceName = device.Name()
	}
	if deviceName != "" {
		if entry, found := r.Lookup(Key{Layer: layer.Type(), Device: deviceName}); found {
			if entry.Accepts(input.Layout()) {
				klog.V(1).Infof("grad: %s via %q device kernel", layer, deviceName)
				return entry.Kernel(device, ctx, layer, input, output)
			}
			klog.V(1).Infof("grad: %q kernel for %s rejects input layout %s, trying generic",
				deviceName, layer, input.Layout())
		}
	}
	if entry, found := r.Lookup(Key{Layer: layer.Type()}); found {
		if entry.Accepts(input.Layout()) {
			klog.V(1).Infof("grad: %s via generic kernel", layer)
			return entry.Kernel(device, ctx, layer, input, output)
		}
	}
	return errors.Wrapf(train.ErrKernelNotFound,
		"layer %s: no gradient kernel for layer type %s (device %q, input layout %s)",
		layer, layer.Type(), deviceName, input.Layout())
}

// validateDTypes enforces the element-type rules: input and output must agree
// and resources must be float32. Half-precision types are recognized and
// rejected rather than silently skipped.
func validateDTypes(layer *layers.Layer, input, output *blobs.Blob) error {
	switch output.DType() {
	case dtypes.Float32:
		// Supported.
	case dtypes.Float16, dtypes.BFloat16:
		return errors.Wrapf(train.ErrUnsupportedDataType,
			"layer %s: output blob %q is %s, gradients are only computed in float32",
			layer, output.Name(), output.DType())
	default:
		return errors.Wrapf(train.ErrUnsupportedDataType,
			"layer %s: output blob %q has dtype %s", layer, output.Name(), output.DType())
	}
	if input.DType() != output.DType() {
		return errors.Wrapf(train.ErrUnsupportedDataType,
			"layer %s: input blob %q is %s but output blob %q is %s",
			layer, input.Name(), input.DType(), output.Name(), output.DType())
	}
	if layer.DType() != dtypes.Float32 {
		return errors.Wrapf(train.ErrUnsupportedDataType,
			"layer %s: resources are %s, only float32 weights are differentiable",
			layer, layer.DType())
	}
	return nil
}

// validateShapes checks the operand shapes against the layer configuration.
func validateShapes(layer *layers.Layer, input, output *blobs.Blob) error {
	if input.Shape().Batch() != output.Shape().Batch() {
		return errors.Wrapf(train.ErrShapeMismatch,
			"layer %s: input blob %q has batch %d but output blob %q has batch %d",
			layer, input.Name(), input.Shape().Batch(), output.Name(), output.Shape().Batch())
	}
	switch layer.Type() {
	case layers.InnerProduct:
		param := layer.InnerProductParam()
		if got := output.Shape().SizeFrom(1); got != param.OutputCount {
			return errors.Wrapf(train.ErrShapeMismatch,
				"layer %s: output blob %q has %d features per sample, layer produces %d",
				layer, output.Name(), got, param.OutputCount)
		}
		if got := input.Shape().SizeFrom(1); got != layer.InputCount() {
			return errors.Wrapf(train.ErrShapeMismatch,
				"layer %s: input blob %q has %d features per sample, weight expects %d",
				layer, input.Name(), got, layer.InputCount())
		}
	default:
		if !input.Shape().EqualDimensions(output.Shape()) {
			return errors.Wrapf(train.ErrShapeMismatch,
				"layer %s: elementwise layer input %s and output %s differ",
				layer, input.Shape(), output.Shape())
		}
	}
	return nil
}
