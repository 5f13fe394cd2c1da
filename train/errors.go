package train

import "github.com/pkg/errors"

// Error kinds reported by the backward pass. Failures are returned as
// wrapped errors carrying context (layer and blob names, shapes); match them
// with errors.Is. No failure is ever downgraded to a warning: a backward step
// either completes or reports one of these.
var (
	// ErrShapeMismatch reports blobs or buffers whose shapes or sizes are
	// inconsistent with the layer configuration.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnsupportedDataType reports an element type the backward pass cannot
	// compute with. Half-precision blobs (float16, bfloat16) are recognized
	// but rejected with this error.
	ErrUnsupportedDataType = errors.New("unsupported data type")

	// ErrMissingGradient reports that a layer's backward step was requested
	// before the gradient of its output arrived in the context.
	ErrMissingGradient = errors.New("missing gradient")

	// ErrKernelNotFound reports that no gradient kernel is registered for a
	// layer type, neither for the requested device nor as a generic fallback.
	ErrKernelNotFound = errors.New("kernel not found")
)
