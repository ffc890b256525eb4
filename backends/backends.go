// Package backends defines the interface an accelerator runtime and its compiler need to implement to be driven
// by the computation client (package client).
//
// Backends are registered by name and selected by configuration, see New and NewWithConfig.
// All methods are expected to be safe for concurrent use, and to return errors (not panic).
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/literal"
	"github.com/pkg/errors"
)

// Buffer is the backend's opaque reference to storage on a device.
type Buffer any

// Executable is the backend's opaque compiled program.
type Executable any

// Backend is the API that needs to be implemented by an accelerator backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "sim" for the simulated backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// ProcessIndex is the index of this process in the job, in [0, NumProcesses).
	ProcessIndex() int

	// NumProcesses in the job.
	NumProcesses() int

	// Devices returns the description of all devices in the job (global topology), including the ones in other
	// processes. Device IDs are unique and formatted as "<type>:<ordinal>".
	Devices() []DeviceDescription

	// Runtime is the sub-interface that holds and moves data, and runs executables.
	Runtime

	// Compiler is the sub-interface that compiles programs into executables.
	Compiler

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Runtime is the data and execution part of a Backend. Device arguments are device IDs of local devices.
type Runtime interface {
	// BufferFromHost transfers the host value to a new buffer on the device. value is owned by the backend after the call.
	BufferFromHost(device string, value *literal.Literal) (Buffer, error)

	// BufferToHost transfers the contents of the buffer to a new host value.
	BufferToHost(buffer Buffer) (*literal.Literal, error)

	// CopyBuffer copies the buffer to a new buffer on the given device.
	CopyBuffer(buffer Buffer, device string) (Buffer, error)

	// FreeBuffer releases the buffer storage.
	FreeBuffer(buffer Buffer) error

	// MemoryInfo reports the memory usage of the device.
	MemoryInfo(device string) (MemoryInfo, error)

	// Execute runs the executable on the device with the given arguments.
	// If the result is a tuple, one buffer per tuple element is returned, otherwise exactly one buffer.
	// replica is never nil: single device executions get a replica group of size 1.
	Execute(executable Executable, device string, arguments []Buffer, replica *Replica) ([]Buffer, error)
}

// Compiler is the compilation part of a Backend.
type Compiler interface {
	// Compile the program for the given options.
	Compile(program Program, options CompileOptions) (Executable, error)

	// SerializeExecutable returns a backend specific serialization of the executable.
	SerializeExecutable(executable Executable) ([]byte, error)

	// DeserializeExecutable is the reverse of SerializeExecutable.
	DeserializeExecutable(data []byte) (Executable, error)

	// FreeExecutable releases the resources of the executable.
	FreeExecutable(executable Executable) error

	// Fingerprint identifies the compiler environment: version and flags that change the compiled output.
	Fingerprint() string
}

// MemoryInfo reports the memory of one device, in kilobytes.
type MemoryInfo struct {
	KBFree, KBTotal int64
}

// DeviceDescription describes one device of the job.
type DeviceDescription struct {
	// ID is formatted as "<type>:<ordinal>", e.g. "TPU:3".
	ID string

	// Kind is the device type, e.g. "TPU".
	Kind string

	// ProcessIndex of the process that owns the device.
	ProcessIndex int

	// Attributes are backend specific, see DeviceAttributes.
	Attributes DeviceAttributes
}

// Program is the backend specific representation of a computation, plus the summary of its parameters and result.
type Program struct {
	// Format identifies the encoding of Code, e.g. "sim".
	Format string

	// Code is the opaque serialized program.
	Code []byte

	Shape ProgramShape
}

// ProgramShape summarizes the parameters and result of a program.
type ProgramShape struct {
	ParameterNames  []string
	ParameterShapes []shapes.Shape
	Result          shapes.Shape
}

// Clone returns a deep copy of the program shape.
func (ps ProgramShape) Clone() ProgramShape {
	c := ProgramShape{ParameterNames: slices.Clone(ps.ParameterNames), Result: ps.Result.Clone()}
	if ps.ParameterShapes != nil {
		c.ParameterShapes = make([]shapes.Shape, len(ps.ParameterShapes))
		for ii, s := range ps.ParameterShapes {
			c.ParameterShapes[ii] = s.Clone()
		}
	}
	return c
}

// CompileOptions are the options passed along with a program to Compiler.Compile.
type CompileOptions struct {
	// CompilationDevice is the device the compilation targets, e.g. "TPU:0" or "SPMD:0".
	CompilationDevice string

	// Devices the executable will run on.
	Devices []string

	// OutputShape is an optional hint of the result shape.
	OutputShape *shapes.Shape

	ParameterIsTupledArguments           bool
	IsSharded                            bool
	AllowSPMDShardingPropagationToOutput bool
}

// Collective is the communication channel between the replicas of a replicated execution.
type Collective interface {
	// AllGather contributes value and returns the values of all replicas, ordered by replica index.
	// Replicas must call it the same number of times, in the same order.
	// It fails if any replica of the group failed.
	AllGather(value *literal.Literal) ([]*literal.Literal, error)
}

// Replica identifies one participant of an execution.
type Replica struct {
	Index, Count int
	Collective   Collective
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered backends, sorted.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "XRT_BACKEND"

// New returns a new default Backend, configured by $XRT_BACKEND if set, or else the first registered backend.
func New() (Backend, error) {
	return NewWithConfig(os.Getenv(ConfigEnvVar))
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "sim") and "<backend_configuration>" is
// backend specific. If config is empty, the first registered backend is used with an empty configuration.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the simulated one with import _ "github.com/gomlx/xrt/backends/sim"?`)
	}
	backendName, backendConfig := firstRegistered, ""
	if config != "" {
		backendName = config
		if idx := strings.Index(config, ":"); idx != -1 {
			backendName = config[:idx]
			backendConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, Registered())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}
