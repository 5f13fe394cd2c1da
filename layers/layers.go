// Package layers describes the trainable layers the gradient engine knows
// how to differentiate. A Layer bundles a type tag, the layer's configuration
// (Param) and its resource blobs (weights, bias).
//
// Params are validated once, at construction, against the resource blobs;
// gradient kernels receive the already-typed configuration and never
// re-validate or down-cast it.
package layers

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gradial/gradial/blobs"
	"github.com/pkg/errors"
)

// Type enumerates the layer types.
type Type uint8

const (
	InvalidLayer Type = iota
	InnerProduct
	ReLU
	Neg
	Abs
	Sigmoid
	Tanh
)

var typeStrings = [...]string{
	InvalidLayer: "InvalidLayer",
	InnerProduct: "InnerProduct",
	ReLU:         "ReLU",
	Neg:          "Neg",
	Abs:          "Abs",
	Sigmoid:      "Sigmoid",
	Tanh:         "Tanh",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if int(t) < len(typeStrings) {
		return typeStrings[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// IsUnary reports whether the layer type is a unary elementwise operator.
func (t Type) IsUnary() bool {
	switch t {
	case ReLU, Neg, Abs, Sigmoid, Tanh:
		return true
	}
	return false
}

// Param is the layer-type specific configuration. It is a sealed interface;
// the concrete types live in this package and are validated by the New*
// constructors.
type Param interface {
	LayerType() Type
	sealed()
}

// InnerProductParam configures an inner-product (fully connected) layer:
// output = input x weightᵀ + bias.
type InnerProductParam struct {
	// OutputCount is the number of output features (rows of the weight
	// matrix).
	OutputCount int

	// HasBias selects whether the layer adds a per-output bias.
	HasBias bool
}

// LayerType implements Param.
func (InnerProductParam) LayerType() Type { return InnerProduct }

func (InnerProductParam) sealed() {}

// Layer is a validated layer instance: type, configuration and resources.
type Layer struct {
	name   string
	typ    Type
	param  Param
	weight *blobs.Blob
	bias   *blobs.Blob

	// inputCount caches weight.Size() / OutputCount for inner-product layers.
	inputCount int
}

// NewInnerProduct builds an inner-product layer over the given weight and
// bias resource blobs. The weight holds OutputCount x inputCount values in
// canonical layout; inputCount is derived from the weight size. bias must be
// nil exactly when param.HasBias is false.
func NewInnerProduct(name string, param InnerProductParam, weight, bias *blobs.Blob) (*Layer, error) {
	if param.OutputCount <= 0 {
		return nil, errors.Errorf("layer %q: OutputCount must be positive, got %d", name, param.OutputCount)
	}
	if weight == nil {
		return nil, errors.Errorf("layer %q: inner-product layer requires a weight blob", name)
	}
	if weight.Layout() != blobs.Canonical {
		return nil, errors.Errorf("layer %q: weight blob %s must use the canonical layout", name, weight)
	}
	weightSize := weight.Shape().Size()
	if weightSize%param.OutputCount != 0 {
		return nil, errors.Errorf("layer %q: weight size %d is not a multiple of OutputCount %d",
			name, weightSize, param.OutputCount)
	}
	if param.HasBias {
		if bias == nil {
			return nil, errors.Errorf("layer %q: HasBias set but no bias blob given", name)
		}
		// The bias is a vector with one value per output feature.
		if err := bias.Shape().Check(weight.DType(), param.OutputCount); err != nil {
			return nil, errors.Wrapf(err, "layer %q: bias blob %s", name, bias)
		}
	} else if bias != nil {
		return nil, errors.Errorf("layer %q: bias blob given but HasBias is false", name)
	}
	return &Layer{
		name:       name,
		typ:        InnerProduct,
		param:      param,
		weight:     weight,
		bias:       bias,
		inputCount: weightSize / param.OutputCount,
	}, nil
}

// NewUnary builds a unary elementwise layer (ReLU, Neg, Abs, Sigmoid, Tanh).
// Unary layers carry no configuration or resources.
func NewUnary(name string, typ Type) (*Layer, error) {
	if !typ.IsUnary() {
		return nil, errors.Errorf("layer %q: %s is not a unary layer type", name, typ)
	}
	return &Layer{name: name, typ: typ}, nil
}

// Name of the layer, as given by the model graph.
func (l *Layer) Name() string { return l.name }

// Type of the layer.
func (l *Layer) Type() Type { return l.typ }

// Param returns the layer's configuration, or nil for layers without one.
func (l *Layer) Param() Param { return l.param }

// Weight returns the layer's weight blob, or nil if it has none.
func (l *Layer) Weight() *blobs.Blob { return l.weight }

// Bias returns the layer's bias blob, or nil if it has none.
func (l *Layer) Bias() *blobs.Blob { return l.bias }

// DType returns the element type of the layer's resources, or Float32 for
// layers without resources.
func (l *Layer) DType() dtypes.DType {
	if l.weight == nil {
		return dtypes.Float32
	}
	return l.weight.DType()
}

// InnerProductParam returns the typed configuration of an inner-product
// layer. It panics on other layer types: kernels are dispatched by
// Layer.Type(), so reaching here with the wrong type is a registry bug.
func (l *Layer) InnerProductParam() InnerProductParam {
	param, ok := l.param.(InnerProductParam)
	if !ok {
		exceptions.Panicf("layer %q is a %s, not an inner-product layer", l.name, l.typ)
	}
	return param
}

// InputCount returns the per-sample input feature count of an inner-product
// layer, derived from the weight size.
func (l *Layer) InputCount() int {
	if l.typ != InnerProduct {
		exceptions.Panicf("layer %q is a %s, not an inner-product layer", l.name, l.typ)
	}
	return l.inputCount
}

// String implements fmt.Stringer.
func (l *Layer) String() string {
	return fmt.Sprintf("%s(%q)", l.typ, l.name)
}
