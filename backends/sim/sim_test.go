package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/literal"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, "SIM", cfg.Kind)
	assert.Equal(t, 1, cfg.NumDevices())
	assert.Equal(t, int64(DefaultMemory), cfg.Memory)

	cfg, err = ParseConfig("devices=4, kind=TPU,processes=2,process=1,memory=1MiB,faulty=1+6,flags=-O2")
	require.NoError(t, err)
	assert.Equal(t, "TPU", cfg.Kind)
	assert.Equal(t, 4, cfg.DevicesPerProcess)
	assert.Equal(t, 8, cfg.NumDevices())
	assert.Equal(t, 1, cfg.ProcessIndex)
	assert.Equal(t, int64(1<<20), cfg.Memory)
	assert.Equal(t, []int{1, 6}, cfg.Faulty)
	assert.Equal(t, "TPU:6", cfg.DeviceID(6))
	assert.Equal(t, "kind=TPU,devices=4,processes=2,process=1,memory=1.0 MiB,faulty=1+6,flags=-O2", cfg.String())

	for _, config := range []string{
		"devices", "devices=0", "devices=x", "process=1", "processes=2,process=2", "faulty=3", "faulty=a",
		"memory=lots", "kind=A:B", "colour=blue", "devices=1,devices=2",
	} {
		_, err = ParseConfig(config)
		assert.Errorf(t, err, "config %q should have failed", config)
	}
}

const testTopology = `
kind                = "TPU"
processes           = 2
devices_per_process = 2
memory              = "1GiB"
faulty              = [3]

device "2" {
  attributes = {
    core_on_chip = 1
    coords       = [1, 1, 0]
    name         = "third"
    fast         = true
    clock        = 1.5
  }
}
`

func TestTopology(t *testing.T) {
	topology, err := ParseTopology([]byte(testTopology), "topology.hcl")
	require.NoError(t, err)
	cfg := Config{Kind: "SIM", DevicesPerProcess: 1, Processes: 1, Memory: DefaultMemory}
	require.NoError(t, topology.apply(&cfg))
	assert.Equal(t, "TPU", cfg.Kind)
	assert.Equal(t, 4, cfg.NumDevices())
	assert.Equal(t, int64(1<<30), cfg.Memory)
	assert.Equal(t, []int{3}, cfg.Faulty)
	assert.Equal(t, map[string]any{
		"core_on_chip": int64(1),
		"coords":       []int64{1, 1, 0},
		"name":         "third",
		"fast":         true,
		"clock":        float32(1.5),
	}, cfg.Attributes[2])

	// From a file, with settings taking precedence.
	path := filepath.Join(t.TempDir(), "topology.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testTopology), 0o644))
	b, err := New("topology=" + path + ",process=1,memory=2GiB")
	require.NoError(t, err)
	defer b.Finalize()
	assert.Equal(t, 1, b.ProcessIndex())
	assert.Equal(t, 2, b.NumProcesses())
	devices := b.Devices()
	require.Len(t, devices, 4)
	assert.Equal(t, "TPU:2", devices[2].ID)
	assert.Equal(t, 1, devices[2].ProcessIndex)
	assert.Equal(t, "third", devices[2].Attributes["name"])
	assert.Equal(t, int64(2<<30), devices[0].Attributes["memory_bytes"])
	info, err := b.MemoryInfo("TPU:3")
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), info.KBTotal)
	_, err = b.MemoryInfo("TPU:0")
	assert.Error(t, err, "TPU:0 belongs to process 0")

	_, err = ParseTopology([]byte(`device "x" {}`), "bad.hcl")
	require.NoError(t, err)
	_, err = New("topology=" + filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
	_, err = ParseTopology([]byte(`kind = `), "broken.hcl")
	assert.Error(t, err)
}

// execute compiles and runs the program on the device, and returns the outputs on the host.
func execute(t *testing.T, b *Backend, program backends.Program, device string, args ...*literal.Literal) []*literal.Literal {
	exec, err := b.Compile(program, backends.CompileOptions{CompilationDevice: device, Devices: []string{device}})
	require.NoError(t, err)
	defer func() { require.NoError(t, b.FreeExecutable(exec)) }()
	buffers := make([]backends.Buffer, len(args))
	for ii, arg := range args {
		buffers[ii] = must.M1(b.BufferFromHost(device, arg))
	}
	outputs, err := b.Execute(exec, device, buffers, nil)
	require.NoError(t, err)
	results := make([]*literal.Literal, len(outputs))
	for ii, output := range outputs {
		results[ii] = must.M1(b.BufferToHost(output))
		require.NoError(t, b.FreeBuffer(output))
	}
	for _, buffer := range buffers {
		require.NoError(t, b.FreeBuffer(buffer))
	}
	return results
}

func TestExecute(t *testing.T) {
	b := must.M1(New("devices=2"))
	defer b.Finalize()

	t.Run("Float32", func(t *testing.T) {
		program, err := BuildFunc("f32", func(b *Builder) []*Node {
			x := b.Parameter("x", shapes.Make(dtypes.Float32, 3))
			y := b.Parameter("y", shapes.Make(dtypes.Float32, 3))
			sum := b.Add(x, y)
			return []*Node{sum, b.Sqrt(b.Abs(b.Neg(b.Mul(x, x)))), b.ReduceSum(b.Sub(sum, y))}
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y"}, program.Shape.ParameterNames)
		assert.True(t, program.Shape.Result.IsTuple())
		outputs := execute(t, b, program, "SIM:1",
			must.M1(literal.FromFlat([]float32{1, -2, 3})), must.M1(literal.FromFlat([]float32{10, 20, 30})))
		require.Len(t, outputs, 3)
		assert.Equal(t, []float32{11, 18, 33}, must.M1(literal.ToFlat[float32](outputs[0])))
		assert.Equal(t, []float32{1, 2, 3}, must.M1(literal.ToFlat[float32](outputs[1])))
		assert.Equal(t, []float32{2}, must.M1(literal.ToFlat[float32](outputs[2])))
	})

	t.Run("Dot", func(t *testing.T) {
		for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Int64} {
			program, err := BuildFunc("dot", func(b *Builder) []*Node {
				lhs := b.Parameter("lhs", shapes.Make(dtype, 2, 3))
				rhs := b.Parameter("rhs", shapes.Make(dtype, 3, 1))
				return []*Node{b.Dot(lhs, rhs)}
			})
			require.NoError(t, err)
			var lhs, rhs *literal.Literal
			if dtype == dtypes.Float64 {
				lhs = must.M1(literal.FromFlat([]float64{1, 2, 3, 4, 5, 6}, 2, 3))
				rhs = must.M1(literal.FromFlat([]float64{1, 0, -1}, 3, 1))
			} else {
				lhs = must.M1(literal.FromFlat([]int64{1, 2, 3, 4, 5, 6}, 2, 3))
				rhs = must.M1(literal.FromFlat([]int64{1, 0, -1}, 3, 1))
			}
			outputs := execute(t, b, program, "SIM:0", lhs, rhs)
			require.Len(t, outputs, 1)
			assert.Equal(t, shapes.Make(dtype, 2, 1), outputs[0].Shape())
			if dtype == dtypes.Float64 {
				assert.Equal(t, []float64{-2, -2}, must.M1(literal.ToFlat[float64](outputs[0])))
			} else {
				assert.Equal(t, []int64{-2, -2}, must.M1(literal.ToFlat[int64](outputs[0])))
			}
		}
	})

	t.Run("Int32AndConstants", func(t *testing.T) {
		program, err := BuildFunc("int32", func(b *Builder) []*Node {
			x := b.Parameter("x", shapes.Make(dtypes.Int32, 2))
			c := b.Constant(must.M1(literal.FromFlat([]int32{-5, 5})))
			return []*Node{b.Abs(b.Add(x, c))}
		})
		require.NoError(t, err)
		assert.False(t, program.Shape.Result.IsTuple())
		outputs := execute(t, b, program, "SIM:0", must.M1(literal.FromFlat([]int32{1, 1})))
		assert.Equal(t, []int32{4, 6}, must.M1(literal.ToFlat[int32](outputs[0])))
	})

	t.Run("Float16", func(t *testing.T) {
		program, err := BuildFunc("f16", func(b *Builder) []*Node {
			x := b.Parameter("x", shapes.Make(dtypes.Float16, 2))
			return []*Node{b.Mul(x, x)}
		})
		require.NoError(t, err)
		x := must.M1(literal.FromFlat([]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}))
		outputs := execute(t, b, program, "SIM:0", x)
		got := must.M1(literal.ToFlat[float16.Float16](outputs[0]))
		assert.Equal(t, float32(2.25), got[0].Float32())
		assert.Equal(t, float32(4), got[1].Float32())
	})

	t.Run("ReplicaIndexAndAllReduceSum", func(t *testing.T) {
		program, err := BuildFunc("replicas", func(b *Builder) []*Node {
			x := b.Parameter("x", shapes.Make(dtypes.Float32, 2))
			return []*Node{b.ReplicaIndex(), b.AllReduceSum(x)}
		})
		require.NoError(t, err)
		exec := must.M1(b.Compile(program, backends.CompileOptions{CompilationDevice: "SIM:0"}))
		defer func() { require.NoError(t, b.FreeExecutable(exec)) }()
		arg := must.M1(b.BufferFromHost("SIM:0", must.M1(literal.FromFlat([]float32{1, 2}))))
		others := must.M1(literal.FromFlat([]float32{10, 20}))
		replica := &backends.Replica{Index: 1, Count: 2, Collective: fixedCollective{others}}
		outputs, err := b.Execute(exec, "SIM:0", []backends.Buffer{arg}, replica)
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		assert.Equal(t, []int32{1}, must.M1(literal.ToFlat[int32](must.M1(b.BufferToHost(outputs[0])))))
		assert.Equal(t, []float32{11, 22}, must.M1(literal.ToFlat[float32](must.M1(b.BufferToHost(outputs[1])))))
	})
}

// fixedCollective gathers the value given along with fixed values from the other replicas.
type fixedCollective struct {
	others *literal.Literal
}

func (c fixedCollective) AllGather(value *literal.Literal) ([]*literal.Literal, error) {
	return []*literal.Literal{c.others, value}, nil
}

func TestBuildErrors(t *testing.T) {
	_, err := BuildFunc("mismatch", func(b *Builder) []*Node {
		x := b.Parameter("x", shapes.Make(dtypes.Float32, 2))
		y := b.Parameter("y", shapes.Make(dtypes.Float32, 3))
		return []*Node{b.Add(x, y)}
	})
	assert.ErrorContains(t, err, "same shape")

	_, err = BuildFunc("sqrt", func(b *Builder) []*Node {
		return []*Node{b.Sqrt(b.Parameter("x", shapes.Make(dtypes.Int64)))}
	})
	assert.ErrorContains(t, err, "float")

	_, err = BuildFunc("bool", func(b *Builder) []*Node {
		return []*Node{b.Parameter("x", shapes.Make(dtypes.Bool))}
	})
	assert.Error(t, err)

	_, err = BuildFunc("empty", func(b *Builder) []*Node { return nil })
	assert.Error(t, err)

	other := NewBuilder("other")
	foreign := other.Parameter("x", shapes.Make(dtypes.Float32))
	_, err = BuildFunc("foreign", func(b *Builder) []*Node { return []*Node{b.Neg(foreign)} })
	assert.Error(t, err)
}

func TestDecodeProgram(t *testing.T) {
	program, err := BuildFunc("decode", func(b *Builder) []*Node {
		x := b.Parameter("x", shapes.Make(dtypes.Float32, 2, 2))
		return []*Node{b.Dot(x, x)}
	})
	require.NoError(t, err)
	decoded, err := DecodeProgram(program.Code)
	require.NoError(t, err)
	assert.Equal(t, program.Shape, decoded.Shape)

	_, err = DecodeProgram([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
	_, err = DecodeProgram(program.Code[:len(program.Code)-3])
	assert.Error(t, err)

	// Program shape that doesn't match the code.
	wrong := program
	wrong.Shape = program.Shape.Clone()
	wrong.Shape.ParameterShapes[0] = shapes.Make(dtypes.Float64, 2, 2)
	b := must.M1(New(""))
	defer b.Finalize()
	_, err = b.Compile(wrong, backends.CompileOptions{CompilationDevice: "SIM:0"})
	assert.Error(t, err)
	wrong.Format = "hlo"
	_, err = b.Compile(wrong, backends.CompileOptions{CompilationDevice: "SIM:0"})
	assert.ErrorContains(t, err, "format")
	_, err = b.Compile(program, backends.CompileOptions{CompilationDevice: "SIM:7"})
	assert.Error(t, err)
	_, err = b.Compile(program, backends.CompileOptions{CompilationDevice: "SPMD:0"})
	assert.Error(t, err, "SPMD compilation requires IsSharded")
	outputShape := shapes.Make(dtypes.Float32, 3)
	_, err = b.Compile(program, backends.CompileOptions{CompilationDevice: "SIM:0", OutputShape: &outputShape})
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	b := must.M1(New("memory=64B"))
	defer b.Finalize()
	value := must.M1(literal.FromFlat(make([]float64, 6))) // 48 bytes.
	buf, err := b.BufferFromHost("SIM:0", value)
	require.NoError(t, err)
	assert.Equal(t, int64(48), b.MemoryUsed("SIM:0"))
	_, err = b.BufferFromHost("SIM:0", value)
	assert.ErrorContains(t, err, "out of memory")
	_, err = b.CopyBuffer(buf, "SIM:0")
	assert.ErrorContains(t, err, "out of memory")
	require.NoError(t, b.FreeBuffer(buf))
	assert.Equal(t, int64(0), b.MemoryUsed("SIM:0"))
	assert.Error(t, b.FreeBuffer(buf), "double free")
	_, err = b.BufferToHost(buf)
	assert.Error(t, err, "freed buffer")
	_, err = b.BufferFromHost("SIM:1", value)
	assert.Error(t, err, "unknown device")
}

func TestExecutableSerialization(t *testing.T) {
	program, err := BuildFunc("serialize", func(b *Builder) []*Node {
		x := b.Parameter("x", shapes.Make(dtypes.Int64, 2))
		return []*Node{b.Add(x, x)}
	})
	require.NoError(t, err)
	b := must.M1(New("devices=2,flags=a"))
	defer b.Finalize()
	exec := must.M1(b.Compile(program, backends.CompileOptions{CompilationDevice: "SIM:0", Devices: []string{"SIM:0"}}))
	data, err := b.SerializeExecutable(exec)
	require.NoError(t, err)
	require.NoError(t, b.FreeExecutable(exec))
	assert.Error(t, b.FreeExecutable(exec))
	_, err = b.SerializeExecutable(exec)
	assert.Error(t, err)

	loaded, err := b.DeserializeExecutable(data)
	require.NoError(t, err)
	assert.Equal(t, 1, b.LiveExecutables())
	arg := must.M1(b.BufferFromHost("SIM:1", must.M1(literal.FromFlat([]int64{3, 4}))))
	outputs, err := b.Execute(loaded, "SIM:1", []backends.Buffer{arg}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 8}, must.M1(literal.ToFlat[int64](must.M1(b.BufferToHost(outputs[0])))))
	require.NoError(t, b.FreeExecutable(loaded))

	// A different compiler configuration can't load it.
	other := must.M1(New("devices=2,flags=b"))
	defer other.Finalize()
	assert.NotEqual(t, b.Fingerprint(), other.Fingerprint())
	_, err = other.DeserializeExecutable(data)
	assert.Error(t, err)
	_, err = b.DeserializeExecutable(data[:len(data)/2])
	assert.Error(t, err)
}

func TestFaultyDevice(t *testing.T) {
	program, err := BuildFunc("faulty", func(b *Builder) []*Node {
		return []*Node{b.ReplicaIndex()}
	})
	require.NoError(t, err)
	b := must.M1(New("devices=2,faulty=1"))
	defer b.Finalize()
	exec := must.M1(b.Compile(program, backends.CompileOptions{CompilationDevice: "SIM:0"}))
	_, err = b.Execute(exec, "SIM:0", nil, nil)
	require.NoError(t, err)
	_, err = b.Execute(exec, "SIM:1", nil, nil)
	assert.ErrorContains(t, err, "faulty")
	_, err = b.Execute(exec, "SIM:0", []backends.Buffer{nil}, nil)
	assert.Error(t, err, "wrong number of arguments")

	b.Finalize()
	assert.True(t, b.IsFinalized())
	_, err = b.Execute(exec, "SIM:0", nil, nil)
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	backend, err := backends.NewWithConfig("sim:devices=3,kind=GPU")
	require.NoError(t, err)
	defer backend.Finalize()
	assert.Equal(t, BackendName, backend.Name())
	assert.Len(t, backend.Devices(), 3)
	assert.Equal(t, "GPU", backend.Devices()[2].Kind)
	assert.Contains(t, backend.Description(), "3 GPU devices")
}
