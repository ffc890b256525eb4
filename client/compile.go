package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/cache"
	"github.com/gomlx/xrt/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Version of the client library, part of the compilation environment hash.
const Version = "0.1.0"

// CompileInstance is one program to compile, and where it will run.
type CompileInstance struct {
	// Computation holds the name and program to compile. Usually a template created with NewComputation.
	Computation *Computation

	// CompilationDevice is the device to compile for, e.g. "TPU:0", or SPMDDevice for sharded programs.
	CompilationDevice string

	// Devices the program will run on. If empty, it runs on CompilationDevice only.
	Devices []string

	// OutputShape is an optional hint of the resulting shape.
	OutputShape *shapes.Shape

	ParameterIsTupledArguments           bool
	IsSharded                            bool
	AllowSPMDShardingPropagationToOutput bool
}

// NewCompileInstance returns an instance with the default flags.
func NewCompileInstance(computation *Computation, compilationDevice string, devices []string, outputShape *shapes.Shape) CompileInstance {
	return CompileInstance{
		Computation:                          computation,
		CompilationDevice:                    compilationDevice,
		Devices:                              slices.Clone(devices),
		OutputShape:                          outputShape,
		AllowSPMDShardingPropagationToOutput: true,
	}
}

// HashCompilationEnv returns a stable fingerprint of everything outside the programs that affects compilation:
// the backend and its compiler flags, the global device topology and the version of this library.
// It is computed once per client.
func (c *Client) HashCompilationEnv() string {
	c.envHashOnce.Do(func() {
		h := sha256.New()
		_, _ = fmt.Fprintf(h, "xrt=%s\nbackend=%s\ncompiler=%s\nprocesses=%d\n",
			Version, c.backend.Name(), c.backend.Fingerprint(), c.backend.NumProcesses())
		for _, d := range c.devices {
			_, _ = fmt.Fprintf(h, "device=%s kind=%s process=%d attributes=%s\n", d.ID, d.Kind, d.ProcessIndex, d.Attributes)
		}
		c.envHash = hex.EncodeToString(h.Sum(nil))
	})
	return c.envHash
}

func (c *Client) validateCompileInstance(ii int, instance *CompileInstance) (program backends.Program, devices []string, err error) {
	if instance.Computation == nil {
		err = errorf(ErrInvalidArgument, "Compile: instance #%d has no computation", ii)
		return
	}
	program, err = instance.Computation.Program()
	if err != nil {
		err = errors.WithMessagef(err, "Compile: instance #%d", ii)
		return
	}
	if instance.CompilationDevice != SPMDDevice {
		if _, err = c.device(instance.CompilationDevice); err != nil {
			err = errors.WithMessagef(err, "Compile: instance #%d compilation device", ii)
			return
		}
	}
	devices = c.GetCompilationDevices(instance.CompilationDevice, instance.Devices)
	seen := make(map[string]bool, len(devices))
	for _, device := range devices {
		if device == SPMDDevice && !instance.IsSharded {
			err = errorf(ErrInvalidArgument, "Compile: instance #%d targets %s but is not sharded", ii, SPMDDevice)
			return
		}
		if device != SPMDDevice {
			if _, err = c.device(device); err != nil {
				err = errors.WithMessagef(err, "Compile: instance #%d", ii)
				return
			}
		}
		if seen[device] {
			err = errorf(ErrInvalidArgument, "Compile: instance #%d lists device %q more than once", ii, device)
			return
		}
		seen[device] = true
	}
	return
}

// Compile compiles all instances, concurrently. It is atomic: if any instance fails, everything compiled by the
// call is released, and the error is returned.
//
// If the client has a compilation cache, at most one compilation happens per distinct program, options and
// environment, and results are reused across calls (and processes, if the cache is persisted).
func (c *Client) Compile(instances []CompileInstance) ([]*Computation, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	programs := make([]backends.Program, len(instances))
	devices := make([][]string, len(instances))
	for ii := range instances {
		var err error
		programs[ii], devices[ii], err = c.validateCompileInstance(ii, &instances[ii])
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	results := make([]*Computation, len(instances))
	var g errgroup.Group
	for ii := range instances {
		g.Go(func() error {
			instance := &instances[ii]
			options := backends.CompileOptions{
				CompilationDevice:                    instance.CompilationDevice,
				Devices:                              devices[ii],
				OutputShape:                          instance.OutputShape,
				ParameterIsTupledArguments:           instance.ParameterIsTupledArguments,
				IsSharded:                            instance.IsSharded,
				AllowSPMDShardingPropagationToOutput: instance.AllowSPMDShardingPropagationToOutput,
			}
			executable, err := c.compileExecutable(instance.Computation, programs[ii], options)
			if err != nil {
				return wrapf(ErrCompilation, err, "Compile: instance #%d (%q)", ii, instance.Computation.Name())
			}
			results[ii] = c.newCompiledComputation(instance.Computation, programs[ii], devices[ii], executable)
			return nil
		})
	}
	err := g.Wait()
	c.metrics.Metric(metrics.Compile, metrics.UnitTime).Since(start)
	if err != nil {
		for _, comp := range results {
			comp.Release()
		}
		return nil, err
	}
	return results, nil
}

// compileExecutable compiles the program, going through the cache if there is one.
func (c *Client) compileExecutable(template *Computation, program backends.Program, options backends.CompileOptions) (backends.Executable, error) {
	if c.cache == nil {
		return c.backend.Compile(program, options)
	}
	hash := template.Hash()
	key := cache.MakeKey([]byte(c.HashCompilationEnv()), hash[:], encodeCompileOptions(options))
	var executable backends.Executable
	serialized, hit, err := c.cache.GetOrCompute(key, func() ([]byte, error) {
		var err error
		executable, err = c.backend.Compile(program, options)
		if err != nil {
			return nil, err
		}
		return c.backend.SerializeExecutable(executable)
	})
	if err != nil {
		if executable != nil {
			_ = c.backend.FreeExecutable(executable)
		}
		return nil, err
	}
	if hit {
		c.metrics.Counter(metrics.CacheHits).Inc()
	} else {
		c.metrics.Counter(metrics.CacheMisses).Inc()
	}
	if executable != nil {
		// This call compiled it.
		return executable, nil
	}
	executable, err = c.backend.DeserializeExecutable(serialized)
	if err == nil {
		return executable, nil
	}
	klog.Warningf("client: failed to load cached executable of %q, recompiling: %v", template.Name(), err)
	executable, err = c.backend.Compile(program, options)
	if err != nil {
		return nil, err
	}
	// Replace the bad entry, so the next lookup is a hit.
	if fresh, err := c.backend.SerializeExecutable(executable); err != nil {
		klog.Warningf("client: failed to serialize executable of %q: %v", template.Name(), err)
	} else if err := c.cache.Put(key, fresh); err != nil {
		klog.Warningf("%v", err)
	}
	return executable, nil
}

// CompileOne is a convenience that compiles a single computation, see Compile.
func (c *Client) CompileOne(computation *Computation, compilationDevice string, devices []string, outputShape *shapes.Shape) (*Computation, error) {
	results, err := c.Compile([]CompileInstance{NewCompileInstance(computation, compilationDevice, devices, outputShape)})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}
