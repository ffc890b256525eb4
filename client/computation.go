package client

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/metrics"
	"k8s.io/klog/v2"
)

// Hash is the content hash of a computation: it covers its name and program.
type Hash [sha256.Size]byte

// String returns the hash in hexadecimal.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ComputeHash returns the content hash of a named program.
func ComputeHash(name string, program backends.Program) Hash {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(name), []byte(program.Format), program.Code} {
		_ = binary.Write(h, binary.LittleEndian, uint64(len(part)))
		h.Write(part)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash
}

// Computation is a named program. It is either a template (not compiled, created with NewComputation) or
// compiled for a set of devices by Client.Compile.
//
// The program body can be moved out once (MoveProgram), after which it is no longer available.
// Compiled computations are reference counted like Data.
type Computation struct {
	name         string
	programShape backends.ProgramShape
	hash         Hash
	devices      []string

	program atomic.Pointer[backends.Program]

	// Only set on compiled computations.
	client  *Client
	wrapper *executableWrapper
}

// executableWrapper owns the backend executable, and frees it when the last reference is released.
type executableWrapper struct {
	client     *Client
	executable backends.Executable
	name       string
	refs       atomic.Int64
	released   atomic.Bool
}

func (w *executableWrapper) release() {
	if !w.released.CompareAndSwap(false, true) {
		return
	}
	w.refs.Store(0)
	w.client.metrics.Counter(metrics.ReleaseCompileHandles).Inc()
	if w.client.finalized.Load() {
		return
	}
	if err := w.client.backend.FreeExecutable(w.executable); err != nil {
		klog.Errorf("client: failed to free executable of computation %q: %+v", w.name, err)
		w.client.metrics.Counter(metrics.ReleaseFailures).Inc()
		return
	}
	w.client.metrics.Counter(metrics.DestroyCompileHandles).Inc()
}

// NewComputation returns a template computation: a named program not compiled yet. devices may be empty.
func NewComputation(name string, program backends.Program, devices ...string) *Computation {
	p := program
	p.Code = slices.Clone(program.Code)
	p.Shape = program.Shape.Clone()
	comp := &Computation{
		name:         name,
		programShape: p.Shape,
		hash:         ComputeHash(name, p),
		devices:      slices.Clone(devices),
	}
	comp.program.Store(&p)
	return comp
}

// newCompiledComputation takes ownership of executable.
func (c *Client) newCompiledComputation(template *Computation, program backends.Program, devices []string, executable backends.Executable) *Computation {
	comp := &Computation{
		name:         template.name,
		programShape: template.programShape.Clone(),
		hash:         template.hash,
		devices:      slices.Clone(devices),
		client:       c,
		wrapper:      &executableWrapper{client: c, executable: executable, name: template.name},
	}
	comp.program.Store(&program)
	comp.wrapper.refs.Store(1)
	runtime.AddCleanup(comp, func(w *executableWrapper) {
		if w.refs.Load() > 0 {
			klog.V(1).Infof("client: computation %q garbage collected with %d references", w.name, w.refs.Load())
			w.release()
		}
	}, comp.wrapper)
	c.metrics.Counter(metrics.CreateCompileHandles).Inc()
	return comp
}

// Name of the computation.
func (comp *Computation) Name() string { return comp.name }

// Hash returns the content hash of the computation.
func (comp *Computation) Hash() Hash { return comp.hash }

// Devices returns a copy of the devices the computation targets. Empty for templates without devices.
func (comp *Computation) Devices() []string { return slices.Clone(comp.devices) }

// ProgramShape returns a copy of the summary of parameters and result.
func (comp *Computation) ProgramShape() backends.ProgramShape { return comp.programShape.Clone() }

// NumParameters of the program.
func (comp *Computation) NumParameters() int { return len(comp.programShape.ParameterShapes) }

// ParameterNames returns a copy of the names of the parameters.
func (comp *Computation) ParameterNames() []string { return slices.Clone(comp.programShape.ParameterNames) }

// IsCompiled returns whether the computation was compiled, as opposed to a template.
func (comp *Computation) IsCompiled() bool { return comp.wrapper != nil }

// IsReleased returns whether the last reference of a compiled computation was released.
func (comp *Computation) IsReleased() bool { return comp.wrapper != nil && comp.wrapper.released.Load() }

// Program returns the program body. It fails if it has been moved out.
func (comp *Computation) Program() (backends.Program, error) {
	p := comp.program.Load()
	if p == nil {
		return backends.Program{}, errorf(ErrStateViolation, "program of computation %q has already been moved", comp.name)
	}
	return *p, nil
}

// MoveProgram moves the program body out of the computation. Every later call to Program or MoveProgram fails.
func (comp *Computation) MoveProgram() (backends.Program, error) {
	p := comp.program.Swap(nil)
	if p == nil {
		return backends.Program{}, errorf(ErrStateViolation, "program of computation %q has already been moved", comp.name)
	}
	return *p, nil
}

// DeviceString returns the single device the computation targets. It fails unless there is exactly one.
func (comp *Computation) DeviceString() (string, error) {
	if len(comp.devices) != 1 {
		return "", errorf(ErrInvalidArgument, "computation %q targets %d devices, exactly one expected", comp.name, len(comp.devices))
	}
	return comp.devices[0], nil
}

// Retain adds a reference to a compiled computation and returns it.
func (comp *Computation) Retain() *Computation {
	if comp.wrapper == nil {
		return comp
	}
	for {
		refs := comp.wrapper.refs.Load()
		if refs <= 0 || comp.wrapper.refs.CompareAndSwap(refs, refs+1) {
			return comp
		}
	}
}

// Release drops a reference of a compiled computation; the last one frees the executable.
// It is a no-op for templates.
func (comp *Computation) Release() {
	if comp == nil || comp.wrapper == nil {
		return
	}
	for {
		refs := comp.wrapper.refs.Load()
		if refs <= 0 {
			return
		}
		if comp.wrapper.refs.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				comp.wrapper.release()
			}
			return
		}
	}
}

// String implements fmt.Stringer.
func (comp *Computation) String() string {
	kind := "template"
	if comp.IsCompiled() {
		kind = "compiled"
	}
	return fmt.Sprintf("Computation{%q, %s, hash=%s, devices=%v, parameters=%d}",
		comp.name, kind, comp.hash.String()[:16], comp.devices, comp.NumParameters())
}
