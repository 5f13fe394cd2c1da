// Package grad computes layer gradients: the backward counterpart of the
// forward accelerators.
//
// Gradient kernels register themselves in a Registry keyed by layer type and,
// optionally, device name. OnGrad dispatches one layer's backward step: it
// validates the operands, prefers a device kernel whose layout requirements
// the input blob meets, and otherwise falls back to the generic reference
// kernel, which accepts any layout by converting to canonical order first.
//
// Kernels commit their results through the train.Context gradient protocol,
// so a blob consumed by several layers ends up with the sum of all the
// contributions regardless of the order the layers run in.
package grad

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/blobs"
	"github.com/gradial/gradial/layers"
	"github.com/gradial/gradial/train"
)

// ErrKernelNotFound is train.ErrKernelNotFound, aliased here so callers of
// OnGrad can match it without importing train.
var ErrKernelNotFound = train.ErrKernelNotFound

// Kernel computes the gradients of one layer given the gradient of its
// output, and commits them to ctx. device carries the workspace and worker
// pool for optimized kernels; the generic ones ignore it.
type Kernel func(device backends.Device, ctx *train.Context, layer *layers.Layer, input, output *blobs.Blob) error

// Key identifies a kernel registration.
type Key struct {
	Layer layers.Type

	// Device is the device name the kernel is specialized for, or "" for the
	// generic reference kernel.
	Device string
}

// String implements fmt.Stringer.
func (k Key) String() string {
	device := k.Device
	if device == "" {
		device = "generic"
	}
	return fmt.Sprintf("%s@%s", k.Layer, device)
}

// Entry is a registered kernel and its requirements.
type Entry struct {
	Kernel Kernel

	// Layouts constrains the input blob layouts the kernel accepts.
	// Empty means any layout.
	Layouts []blobs.Layout
}

// Accepts reports whether the entry's kernel can take an input blob with the
// given layout.
func (e Entry) Accepts(layout blobs.Layout) bool {
	return len(e.Layouts) == 0 || slices.Contains(e.Layouts, layout)
}

// Registry maps (layer type, device) to gradient kernels.
//
// Kernels register themselves in init() functions against the Default()
// registry; tests build isolated ones with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewRegistry returns an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]Entry)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that init() registrations target.
func Default() *Registry { return defaultRegistry }

// Register adds a kernel under the given key. It panics on a nil kernel or a
// duplicate key: registration happens at init time, and both are programming
// errors.
func (r *Registry) Register(key Key, entry Entry) {
	if entry.Kernel == nil {
		exceptions.Panicf("grad.Register(%s): nil kernel", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.entries[key]; found {
		exceptions.Panicf("grad.Register(%s): kernel already registered", key)
	}
	r.entries[key] = entry
}

// Register adds a kernel to the Default() registry.
func Register(key Key, entry Entry) {
	defaultRegistry.Register(key, entry)
}

// Lookup returns the entry for key, if registered.
func (r *Registry) Lookup(key Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, found := r.entries[key]
	return entry, found
}

// Kernels lists the registered keys, generic kernels first, then sorted by
// device and layer type.
func (r *Registry) Kernels() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Device != keys[j].Device {
			return keys[i].Device < keys[j].Device
		}
		return keys[i].Layer < keys[j].Layer
	})
	return keys
}
