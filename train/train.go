// Package train holds the state of a backward pass: the Context mapping each
// blob to its accumulated gradient buffer, and the error kinds the backward
// machinery reports.
//
// Gradients accumulate: a blob consumed by several layers receives one
// contribution per consumer, and its final gradient is their sum. Kernels
// either ask for the gradient buffer up front (GetOrCreateGradient) and add
// into it in place, or compute a contribution on the side and merge it with
// PutGradient. Both roads commute, so the order in which layers run does not
// change the result.
package train

import (
	"fmt"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/gradial/gradial/blobs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context carries the per-step state of a backward pass.
//
// The backward control flow is single-threaded: layers run one at a time, in
// reverse topological order, and any data parallelism happens inside a kernel
// call. The context still locks its map and entries so that kernels may push
// independent contributions from worker goroutines.
type Context struct {
	id   string
	pool *blobs.Pool

	mu    sync.RWMutex
	grads map[*blobs.Blob]*gradEntry
}

// gradEntry is the accumulated gradient of one blob.
type gradEntry struct {
	mu sync.Mutex

	// buffer holds the gradient in the keyed blob's native layout.
	buffer *blobs.Buffer

	// accumulate is false only until the first writer takes the buffer.
	accumulate bool
}

// NewContext creates an empty backward context drawing gradient buffers from
// pool. A nil pool gets a private one.
func NewContext(pool *blobs.Pool) *Context {
	if pool == nil {
		pool = blobs.NewPool()
	}
	return &Context{
		id:    uuid.NewString(),
		pool:  pool,
		grads: make(map[*blobs.Blob]*gradEntry),
	}
}

// ID returns the context's session id, unique per backward pass.
func (c *Context) ID() string { return c.id }

// Pool returns the buffer pool gradient buffers are drawn from.
func (c *Context) Pool() *blobs.Pool { return c.pool }

// String implements fmt.Stringer.
func (c *Context) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("train.Context(%s, %d gradients)", c.id, len(c.grads))
}

// checkGradSupported rejects blobs whose gradients cannot be computed.
func checkGradSupported(blob *blobs.Blob) error {
	switch blob.DType() {
	case dtypes.Float32:
		return nil
	case dtypes.Float16, dtypes.BFloat16:
		return errors.Wrapf(ErrUnsupportedDataType,
			"blob %q is %s, gradients are only computed in float32", blob.Name(), blob.DType())
	default:
		return errors.Wrapf(ErrUnsupportedDataType,
			"blob %q has dtype %s", blob.Name(), blob.DType())
	}
}

// GetOrCreateGradient returns the gradient buffer for blob, creating a
// zero-filled one on first use. The buffer is sized and laid out as the
// blob's native storage.
//
// The returned accumulate flag tells the caller whether earlier
// contributions are already in the buffer: when false the kernel may
// overwrite, when true it must add. Either way the sum-of-contributions
// invariant holds, since fresh buffers start at zero.
func (c *Context) GetOrCreateGradient(blob *blobs.Blob) (buffer *blobs.Buffer, accumulate bool, err error) {
	if err = checkGradSupported(blob); err != nil {
		return nil, false, err
	}
	entry := c.getOrCreateEntry(blob)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	accumulate = entry.accumulate
	entry.accumulate = true
	return entry.buffer, accumulate, nil
}

func (c *Context) getOrCreateEntry(blob *blobs.Blob) *gradEntry {
	c.mu.RLock()
	entry, found := c.grads[blob]
	c.mu.RUnlock()
	if found {
		return entry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, found = c.grads[blob]; found {
		return entry
	}
	entry = &gradEntry{
		buffer: c.pool.GetZeros(blob.DType(), blob.NumElements()),
	}
	c.grads[blob] = entry
	klog.V(2).Infof("train.Context(%s): new gradient buffer for blob %s (%d elements)",
		c.id, blob, blob.NumElements())
	return entry
}

// PutGradient merges a gradient contribution for blob into the context.
//
// The contribution buffer must match the blob's dtype and native storage
// size. On the blob's first gradient the contribution is adopted as the
// stored buffer; afterwards it is added element-wise into the stored buffer
// and returned to the pool. Either way the context owns contribution once
// the call returns.
func (c *Context) PutGradient(blob *blobs.Blob, contribution *blobs.Buffer) error {
	if err := checkGradSupported(blob); err != nil {
		return err
	}
	if contribution == nil || !contribution.Ok() {
		return errors.Errorf("blob %q: PutGradient with nil or finalized contribution", blob.Name())
	}
	if contribution.DType() != blob.DType() {
		return errors.Wrapf(ErrUnsupportedDataType,
			"blob %q is %s but gradient contribution is %s", blob.Name(), blob.DType(), contribution.DType())
	}
	if contribution.Shape().Size() != blob.NumElements() {
		return errors.Wrapf(ErrShapeMismatch,
			"blob %q stores %d elements but gradient contribution has %d",
			blob.Name(), blob.NumElements(), contribution.Shape().Size())
	}

	c.mu.Lock()
	entry, found := c.grads[blob]
	if !found {
		c.grads[blob] = &gradEntry{buffer: contribution, accumulate: true}
		c.mu.Unlock()
		klog.V(2).Infof("train.Context(%s): adopted gradient contribution for blob %s", c.id, blob)
		return nil
	}
	c.mu.Unlock()

	entry.mu.Lock()
	addFloat32(entry.buffer.Float32(), contribution.Float32())
	entry.accumulate = true
	entry.mu.Unlock()
	c.pool.Put(contribution)
	klog.V(2).Infof("train.Context(%s): accumulated gradient contribution for blob %s", c.id, blob)
	return nil
}

// Gradient returns the accumulated gradient buffer for blob, or
// ErrMissingGradient if no contribution arrived yet. The buffer uses the
// blob's native layout.
func (c *Context) Gradient(blob *blobs.Blob) (*blobs.Buffer, error) {
	c.mu.RLock()
	entry, found := c.grads[blob]
	c.mu.RUnlock()
	if !found {
		return nil, errors.Wrapf(ErrMissingGradient, "no gradient for blob %q", blob.Name())
	}
	return entry.buffer, nil
}

// HasGradient reports whether a gradient for blob has been recorded.
func (c *Context) HasGradient(blob *blobs.Blob) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, found := c.grads[blob]
	return found
}

// GradientFloat32 returns a copy of blob's accumulated gradient in canonical
// order, unpacking it from the blob's native layout if needed.
func (c *Context) GradientFloat32(blob *blobs.Blob) ([]float32, error) {
	buffer, err := c.Gradient(blob)
	if err != nil {
		return nil, err
	}
	out := make([]float32, blob.Shape().Size())
	switch blob.Layout() {
	case blobs.Canonical:
		copy(out, buffer.Float32())
	case blobs.Packed4:
		blobs.UnpackFloat32(out, buffer.Float32(), blob.Shape())
	default:
		return nil, errors.Wrapf(blobs.ErrUnsupportedLayout, "blob %q has layout %s", blob.Name(), blob.Layout())
	}
	return out, nil
}

// NumGradients returns the number of blobs with recorded gradients.
func (c *Context) NumGradients() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.grads)
}

// Reset returns all gradient buffers to the pool and empties the context,
// keeping its identity. Call it between training steps.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.grads {
		c.pool.Put(entry.buffer)
	}
	clear(c.grads)
	klog.V(1).Infof("train.Context(%s): reset", c.id)
}

// addFloat32 adds src into dst element-wise.
func addFloat32(dst, src []float32) {
	for ii, v := range src {
		dst[ii] += v
	}
}
