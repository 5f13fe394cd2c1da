// Package cpu implements the host-CPU device: optimized gradient kernels for
// the layers that have them, forward executors for the unary layers, a
// worker pool for their data-parallel loops and the shared float32 workspace
// the packed GEMM runs in.
//
// Importing the package registers the device under the name "cpu":
//
//	import _ "github.com/gradial/gradial/backends/cpu"
package cpu

import (
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gradial/gradial/backends"
	"github.com/gradial/gradial/internal/workerspool"
	"k8s.io/klog/v2"
)

// DeviceName to be used in GRADIAL_BACKEND to select this device.
const DeviceName = "cpu"

func init() {
	backends.Register(DeviceName, New)
}

// Device implements backends.Device on the host CPU.
type Device struct {
	pool *workerspool.Pool

	// workspace is the shared scratch arena. It only grows, and belongs to
	// one kernel call at a time.
	workspace []float32

	finalized bool
}

// Compile-time check that *Device implements backends.Device.
var _ backends.Device = &Device{}

// New constructs a cpu Device. config takes comma-separated options:
//
//   - "parallelism=N" caps the worker pool at N goroutines; 0 disables
//     parallelism and -1 removes the cap. The default is the number of CPUs.
//   - "workspace=BYTES" pre-sizes the shared scratch arena, avoiding its
//     first few growth steps.
//
// Malformed options panic: the device is configured once, at setup.
func New(config string) backends.Device {
	d := &Device{pool: workerspool.NewDefault()}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, found := strings.Cut(option, "=")
		if !found {
			exceptions.Panicf("cpu device: option %q is not of the form key=value", option)
		}
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				exceptions.Panicf("cpu device: parallelism=%q is not a number", value)
			}
			d.pool.SetMaxParallelism(parallelism)
		case "workspace":
			bytes, err := strconv.Atoi(value)
			if err != nil || bytes < 0 {
				exceptions.Panicf("cpu device: workspace=%q is not a byte count", value)
			}
			d.workspace = make([]float32, (bytes+3)/4)
		default:
			exceptions.Panicf("cpu device: unknown option %q, have parallelism=N and workspace=BYTES", option)
		}
	}
	klog.V(1).Infof("cpu device: parallelism=%d, workspace=%d floats",
		d.pool.MaxParallelism(), len(d.workspace))
	return d
}

// Name returns the short name the device registered under.
func (d *Device) Name() string { return DeviceName }

// Description is a longer description of the device that can be used to
// pretty-print. It names the optional micro-kernels an architecture-specific
// build has filled in.
func (d *Device) Description() string {
	if IndirectConvInt8Unit4x8 == nil {
		return "Portable CPU device"
	}
	return "Portable CPU device (+int8 conv)"
}

// SharedWorkspaceFloat32 returns the shared scratch arena, grown if needed to
// hold at least elems values. The returned slice is valid until the caller's
// kernel call returns; its contents are undefined on entry.
func (d *Device) SharedWorkspaceFloat32(elems int) []float32 {
	if d.finalized {
		exceptions.Panicf("cpu device: SharedWorkspaceFloat32 called after Finalize")
	}
	if len(d.workspace) < elems {
		d.workspace = make([]float32, elems)
		klog.V(2).Infof("cpu device: workspace grown to %d floats", elems)
	}
	return d.workspace[:elems]
}

// WorkerStarter returns the hook kernels use to fan work out to the device's
// worker pool.
func (d *Device) WorkerStarter() backends.Starter {
	return d.pool.StartIfAvailable
}

// MaxParallelism returns the worker-pool parallelism target; 0 means kernels
// run sequentially.
func (d *Device) MaxParallelism() int {
	return d.pool.MaxParallelism()
}

// Finalize releases the workspace and invalidates the device.
func (d *Device) Finalize() {
	d.finalized = true
	d.workspace = nil
	d.pool.SetMaxParallelism(0)
}
