// Package backends defines the device abstraction optimized gradient kernels
// run against, and the registry devices announce themselves to.
//
// A Device owns the resources a kernel borrows for one call: the shared
// scratch workspace and the worker pool. Device implementations register a
// constructor under a short name (e.g. "cpu") in an init() function; the
// training runtime then selects one by configuration string, the GRADIAL_BACKEND
// environment variable, or falls back to the first registered device.
//
// To simplify error handling during process setup, selection and construction
// panic (with a stack trace, see github.com/gomlx/exceptions) on bad
// configuration; the backward pass itself reports errors as values.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gradial/gradial/types/xslices"
	"k8s.io/klog/v2"
)

// Starter runs work on a device worker if one is free. It returns false when
// the pool is saturated and the caller should run work inline.
type Starter func(work func()) bool

// Device is the API a device backend implements for the gradient kernels.
type Device interface {
	// Name returns the short name the device registered under. E.g.: "cpu".
	Name() string

	// Description is a longer description of the device that can be used to
	// pretty-print.
	Description() string

	// SharedWorkspaceFloat32 returns the device's shared scratch arena, grown
	// if needed to hold at least elems float32 values. The arena belongs
	// exclusively to the caller until its kernel call returns, and its
	// contents are undefined on entry.
	SharedWorkspaceFloat32(elems int) []float32

	// WorkerStarter returns the hook kernels use to fan work out to the
	// device's worker pool.
	WorkerStarter() Starter

	// MaxParallelism returns the soft limit of parallel work the device will
	// run, 0 meaning kernels should stay sequential.
	MaxParallelism() int

	// Finalize releases all associated resources immediately, making the
	// device invalid.
	Finalize()
}

// Constructor takes a device-specific config string (possibly empty) and
// returns a Device.
type Constructor func(config string) Device

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device constructor under the given name. The config string given
// to NewWithConfig is passed along to the constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered devices, sorted.
func List() []string {
	return xslices.SortedKeys(registeredConstructors)
}

// DefaultConfig is the device configuration to use if GRADIAL_BACKEND is not
// set. See NewWithConfig for the format.
var DefaultConfig string

// GRADIAL_BACKEND is the environment variable with the default device
// configuration to use.
//
// The format of config is "<device_name>:<device_configuration>".
// The "<device_name>" is the name of a registered device (e.g.: "cpu") and
// "<device_configuration>" is device specific (e.g.: for the cpu device,
// comma-separated "key=value" options).
const GRADIAL_BACKEND = "GRADIAL_BACKEND"

// New returns a new Device built from the default configuration.
//
// The default is:
//
// 1. The environment GRADIAL_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered device is used with an empty configuration.
//
// It panics if no device was registered.
func New() Device {
	config, found := os.LookupEnv(GRADIAL_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig builds the device selected by a configuration string
// formatted as "<device_name>:<device_configuration>". A config without a
// colon selects a device by name with an empty device configuration; an empty
// config selects the first registered device.
func NewWithConfig(config string) Device {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered devices -- maybe import the default cpu one with import _ "github.com/gradial/gradial/backends/cpu"?`)
	}
	name := firstRegistered
	deviceConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		deviceConfig = config[idx+1:]
	} else if config != "" {
		name = config
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("can't find device %q for configuration %q given (registered: %s)",
			name, config, strings.Join(List(), ", "))
	}
	klog.V(1).Infof("backends: creating device %q with config %q", name, deviceConfig)
	return constructor(deviceConfig)
}
