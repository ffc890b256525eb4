// Package sim implements a simulated accelerator backend: devices are host memory with a memory budget, and
// programs are small graphs interpreted in Go.
//
// It is registered as "sim", and it is configured with a comma separated list of settings, see ParseConfig.
// E.g.: XRT_BACKEND="sim:devices=4,memory=1GiB".
//
// It is meant for testing: it can simulate multi-process jobs (each process owning part of the devices), and
// devices that fail executions.
package sim

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/literal"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in XRT_BACKEND to select this backend.
const BackendName = "sim"

// Version of the simulated compiler, part of its fingerprint.
const Version = "0.1.0"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// device is the state of one local device.
type device struct {
	id     string
	faulty bool
	total  int64
	used   atomic.Int64
}

func (d *device) allocate(size int64) error {
	for {
		used := d.used.Load()
		if used+size > d.total {
			return errors.Errorf("sim: device %q out of memory: %s used of %s, %s requested", d.id,
				humanize.IBytes(uint64(used)), humanize.IBytes(uint64(d.total)), humanize.IBytes(uint64(size)))
		}
		if d.used.CompareAndSwap(used, used+size) {
			return nil
		}
	}
}

func (d *device) free(size int64) { d.used.Add(-size) }

// Buffer holds a value on a simulated device.
type Buffer struct {
	device *device
	value  *literal.Literal
	freed  atomic.Bool
}

// Device where the buffer lives.
func (b *Buffer) Device() string { return b.device.id }

// Executable is a compiled program of the simulated backend.
type Executable struct {
	graph   *graph
	code    []byte
	devices []string
	freed   atomic.Bool
}

// Backend implements backends.Backend.
type Backend struct {
	config    Config
	devices   []backends.DeviceDescription
	local     map[string]*device
	finalized atomic.Bool

	compilations atomic.Int64

	mu          sync.Mutex
	executables int
}

// Compile-time check.
var _ backends.Backend = (*Backend)(nil)

// New returns a simulated backend configured by config, see ParseConfig.
func New(config string) (*Backend, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig returns a simulated backend with the given configuration.
func NewWithConfig(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{config: cfg, local: make(map[string]*device)}
	for ordinal := range cfg.NumDevices() {
		id := cfg.DeviceID(ordinal)
		process := ordinal / cfg.DevicesPerProcess
		attributes := backends.DeviceAttributes{
			"coords":       []int64{int64(ordinal % cfg.DevicesPerProcess), int64(process), 0},
			"core_on_chip": int64(0),
			"memory_bytes": cfg.Memory,
		}
		for key, value := range cfg.Attributes[ordinal] {
			attributes[key] = value
		}
		b.devices = append(b.devices, backends.DeviceDescription{
			ID:           id,
			Kind:         cfg.Kind,
			ProcessIndex: process,
			Attributes:   attributes,
		})
		if process == cfg.ProcessIndex {
			b.local[id] = &device{id: id, faulty: slices.Contains(cfg.Faulty, ordinal), total: cfg.Memory}
		}
	}
	klog.V(1).Infof("sim: backend created with %s", cfg)
	return b, nil
}

// Config returns the backend configuration.
func (b *Backend) Config() Config { return b.config }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated accelerator (%d %s devices, process %d of %d)",
		b.config.NumDevices(), b.config.Kind, b.config.ProcessIndex, b.config.Processes)
}

// ProcessIndex implements backends.Backend.
func (b *Backend) ProcessIndex() int { return b.config.ProcessIndex }

// NumProcesses implements backends.Backend.
func (b *Backend) NumProcesses() int { return b.config.Processes }

// Devices implements backends.Backend.
func (b *Backend) Devices() []backends.DeviceDescription {
	devices := slices.Clone(b.devices)
	for ii := range devices {
		devices[ii].Attributes = devices[ii].Attributes.Clone()
	}
	return devices
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	if !b.finalized.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.executables > 0 {
		klog.V(1).Infof("sim: backend finalized with %d executables not freed", b.executables)
	}
}

// IsFinalized returns whether Finalize was called.
func (b *Backend) IsFinalized() bool { return b.finalized.Load() }

// MemoryUsed returns the bytes used on the local device.
func (b *Backend) MemoryUsed(deviceID string) int64 {
	if d, found := b.local[deviceID]; found {
		return d.used.Load()
	}
	return 0
}

// NumCompilations returns how many programs were compiled. Deserialized executables are not counted.
func (b *Backend) NumCompilations() int64 { return b.compilations.Load() }

// LiveExecutables returns the number of executables compiled or deserialized and not freed.
func (b *Backend) LiveExecutables() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executables
}

func (b *Backend) check() error {
	if b.finalized.Load() {
		return errors.New("sim: backend has been finalized")
	}
	return nil
}

func (b *Backend) localDevice(deviceID string) (*device, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	d, found := b.local[deviceID]
	if !found {
		return nil, errors.Errorf("sim: device %q is not a local device of process %d", deviceID, b.config.ProcessIndex)
	}
	return d, nil
}

func (b *Backend) newBuffer(d *device, value *literal.Literal) (*Buffer, error) {
	if err := d.allocate(int64(value.Shape().Memory())); err != nil {
		return nil, err
	}
	return &Buffer{device: d, value: value}, nil
}

func toBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("sim: buffer of type %T is not a sim buffer", buffer)
	}
	if buf.freed.Load() {
		return nil, errors.Errorf("sim: buffer on device %q has been freed", buf.device.id)
	}
	return buf, nil
}

// BufferFromHost implements backends.Runtime.
func (b *Backend) BufferFromHost(deviceID string, value *literal.Literal) (backends.Buffer, error) {
	d, err := b.localDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if value == nil || !value.Shape().Ok() || value.Shape().IsTuple() {
		return nil, errors.Errorf("sim: invalid value %s transferred to device %q", value, deviceID)
	}
	return b.newBuffer(d, value)
}

// BufferToHost implements backends.Runtime.
func (b *Backend) BufferToHost(buffer backends.Buffer) (*literal.Literal, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	buf, err := toBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return buf.value.Clone(), nil
}

// CopyBuffer implements backends.Runtime.
func (b *Backend) CopyBuffer(buffer backends.Buffer, deviceID string) (backends.Buffer, error) {
	d, err := b.localDevice(deviceID)
	if err != nil {
		return nil, err
	}
	buf, err := toBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return b.newBuffer(d, buf.value.Clone())
}

// FreeBuffer implements backends.Runtime.
func (b *Backend) FreeBuffer(buffer backends.Buffer) error {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return errors.Errorf("sim: buffer of type %T is not a sim buffer", buffer)
	}
	if !buf.freed.CompareAndSwap(false, true) {
		return errors.Errorf("sim: buffer on device %q freed more than once", buf.device.id)
	}
	buf.device.free(int64(buf.value.Shape().Memory()))
	return nil
}

// MemoryInfo implements backends.Runtime.
func (b *Backend) MemoryInfo(deviceID string) (backends.MemoryInfo, error) {
	d, err := b.localDevice(deviceID)
	if err != nil {
		return backends.MemoryInfo{}, err
	}
	return backends.MemoryInfo{KBFree: (d.total - d.used.Load()) / 1024, KBTotal: d.total / 1024}, nil
}

// Fingerprint implements backends.Compiler.
func (b *Backend) Fingerprint() string {
	return fmt.Sprintf("sim-%s;flags=%s", Version, b.config.Flags)
}

func (b *Backend) isKnownDevice(deviceID string) bool {
	return slices.ContainsFunc(b.devices, func(d backends.DeviceDescription) bool { return d.ID == deviceID })
}

// Compile implements backends.Compiler.
func (b *Backend) Compile(program backends.Program, options backends.CompileOptions) (backends.Executable, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if program.Format != ProgramFormat {
		return nil, errors.Errorf("sim: can't compile program of format %q, only %q is supported", program.Format, ProgramFormat)
	}
	g, err := decodeGraph(program.Code)
	if err != nil {
		return nil, err
	}
	ps := g.programShape()
	if !slices.EqualFunc(ps.ParameterShapes, program.Shape.ParameterShapes, shapes.Shape.Equal) {
		return nil, errors.Errorf("sim: program %q declares parameters %v, but its code takes %v",
			g.name, program.Shape.ParameterShapes, ps.ParameterShapes)
	}
	if !ps.Result.Equal(program.Shape.Result) {
		return nil, errors.Errorf("sim: program %q declares result %s, but its code returns %s", g.name, program.Shape.Result, ps.Result)
	}
	if options.OutputShape != nil && !options.OutputShape.Equal(ps.Result) {
		return nil, errors.Errorf("sim: program %q returns %s, but %s was requested", g.name, ps.Result, *options.OutputShape)
	}
	if options.ParameterIsTupledArguments {
		return nil, errors.Errorf("sim: tupled arguments are not supported")
	}
	if !strings.HasPrefix(options.CompilationDevice, "SPMD:") || !options.IsSharded {
		if !b.isKnownDevice(options.CompilationDevice) {
			return nil, errors.Errorf("sim: unknown compilation device %q", options.CompilationDevice)
		}
	}
	for _, deviceID := range options.Devices {
		if !b.isKnownDevice(deviceID) {
			return nil, errors.Errorf("sim: unknown device %q", deviceID)
		}
	}
	b.compilations.Add(1)
	return b.newExecutable(g, program.Code, options.Devices), nil
}

func (b *Backend) newExecutable(g *graph, code []byte, devices []string) *Executable {
	b.mu.Lock()
	b.executables++
	b.mu.Unlock()
	return &Executable{graph: g, code: slices.Clone(code), devices: slices.Clone(devices)}
}

func toExecutable(executable backends.Executable) (*Executable, error) {
	exec, ok := executable.(*Executable)
	if !ok || exec == nil {
		return nil, errors.Errorf("sim: executable of type %T is not a sim executable", executable)
	}
	if exec.freed.Load() {
		return nil, errors.Errorf("sim: executable %q has been freed", exec.graph.name)
	}
	return exec, nil
}

// SerializeExecutable implements backends.Compiler.
func (b *Backend) SerializeExecutable(executable backends.Executable) ([]byte, error) {
	exec, err := toExecutable(executable)
	if err != nil {
		return nil, err
	}
	return encodeExecutable(b.Fingerprint(), exec), nil
}

// DeserializeExecutable implements backends.Compiler.
func (b *Backend) DeserializeExecutable(data []byte) (backends.Executable, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	fingerprint, code, devices, err := decodeExecutable(data)
	if err != nil {
		return nil, err
	}
	if fingerprint != b.Fingerprint() {
		return nil, errors.Errorf("sim: executable compiled by %q can't be loaded by %q", fingerprint, b.Fingerprint())
	}
	g, err := decodeGraph(code)
	if err != nil {
		return nil, err
	}
	return b.newExecutable(g, code, devices), nil
}

// FreeExecutable implements backends.Compiler.
func (b *Backend) FreeExecutable(executable backends.Executable) error {
	exec, ok := executable.(*Executable)
	if !ok || exec == nil {
		return errors.Errorf("sim: executable of type %T is not a sim executable", executable)
	}
	if !exec.freed.CompareAndSwap(false, true) {
		return errors.Errorf("sim: executable %q freed more than once", exec.graph.name)
	}
	b.mu.Lock()
	b.executables--
	b.mu.Unlock()
	return nil
}

// Execute implements backends.Runtime.
func (b *Backend) Execute(executable backends.Executable, deviceID string, arguments []backends.Buffer, replica *backends.Replica) ([]backends.Buffer, error) {
	d, err := b.localDevice(deviceID)
	if err != nil {
		return nil, err
	}
	exec, err := toExecutable(executable)
	if err != nil {
		return nil, err
	}
	if d.faulty {
		return nil, errors.Errorf("sim: device %q is faulty, execution of %q failed", deviceID, exec.graph.name)
	}
	if replica == nil {
		replica = &backends.Replica{Index: 0, Count: 1, Collective: soloCollective{}}
	}
	ps := exec.graph.programShape()
	if len(arguments) != len(ps.ParameterShapes) {
		return nil, errors.Errorf("sim: program %q takes %d arguments, %d given", exec.graph.name, len(ps.ParameterShapes), len(arguments))
	}
	params := make([]*literal.Literal, len(arguments))
	for ii, argument := range arguments {
		buf, err := toBuffer(argument)
		if err != nil {
			return nil, errors.WithMessagef(err, "argument #%d", ii)
		}
		if buf.device != d {
			return nil, errors.Errorf("sim: argument #%d is on device %q, execution is on %q", ii, buf.device.id, deviceID)
		}
		if !buf.value.Shape().Equal(ps.ParameterShapes[ii]) {
			return nil, errors.Errorf("sim: argument #%d has shape %s, program %q expects %s",
				ii, buf.value.Shape(), exec.graph.name, ps.ParameterShapes[ii])
		}
		params[ii] = buf.value
	}
	outputs, err := exec.graph.run(params, replica)
	if err != nil {
		return nil, errors.WithMessagef(err, "sim: executing %q on %q", exec.graph.name, deviceID)
	}
	buffers := make([]backends.Buffer, 0, len(outputs))
	for _, output := range outputs {
		buf, err := b.newBuffer(d, output)
		if err != nil {
			for _, allocated := range buffers {
				_ = b.FreeBuffer(allocated)
			}
			return nil, err
		}
		buffers = append(buffers, buf)
	}
	return buffers, nil
}

// soloCollective is the collective of an execution with a single replica.
type soloCollective struct{}

func (soloCollective) AllGather(value *literal.Literal) ([]*literal.Literal, error) {
	return []*literal.Literal{value}, nil
}
