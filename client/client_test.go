package client

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/backends/sim"
	"github.com/gomlx/xrt/literal"
	"github.com/gomlx/xrt/metrics"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	t.Helper()
	require.NoError(t, e.err)
	return e.value
}

// newTestClient creates a client over the simulated backend, finalized when the test ends.
func newTestClient(t *testing.T, config string) *Client {
	t.Helper()
	c, err := NewWithOptions(Options{Config: "sim:" + config})
	require.NoErrorf(t, err, "failed to create client with %q", config)
	t.Cleanup(c.Finalize)
	return c
}

func simBackend(c *Client) *sim.Backend {
	return c.Backend().(*sim.Backend)
}

// addProgram returns the program x + y, with both parameters of the given shape.
func addProgram(t *testing.T, shape shapes.Shape) backends.Program {
	t.Helper()
	return capture(sim.BuildFunc("add", func(b *sim.Builder) []*sim.Node {
		return []*sim.Node{b.Add(b.Parameter("x", shape), b.Parameter("y", shape))}
	})).Test(t)
}

func transfer(t *testing.T, c *Client, device string, values ...*literal.Literal) []*Data {
	t.Helper()
	sources := make([]TensorSource, len(values))
	for ii, value := range values {
		sources[ii] = TensorSource{Device: device, Value: value}
	}
	return capture(c.TransferToDevice(sources)).Test(t)
}

func read[T dtypes.Supported](t *testing.T, c *Client, d *Data) []T {
	t.Helper()
	values := capture(c.ReadFromDevice([]*Data{d})).Test(t)
	return capture(literal.ToFlat[T](values[0])).Test(t)
}

func TestNewClient(t *testing.T) {
	c := newTestClient(t, "devices=4,processes=2,process=1")
	assert.Equal(t, []string{"SIM:4", "SIM:5", "SIM:6", "SIM:7"}, c.GetLocalDevices())
	assert.Len(t, c.GetAllDevices(), 8)
	assert.Equal(t, "SIM:4", c.GetDefaultDevice())
	assert.Equal(t, 4, c.GetNumDevices())
	assert.Equal(t, 1, c.GetProcessIndex())
	assert.Equal(t, 2, c.GetNumProcesses())

	_, err := NewWithConfig("nonexistent:foo")
	assert.Error(t, err)

	t.Setenv(backends.ConfigEnvVar, "sim:devices=3")
	c2, err := New()
	require.NoError(t, err)
	defer c2.Finalize()
	assert.Equal(t, 3, c2.GetNumDevices())
}

func TestGetDeviceOrdinal(t *testing.T) {
	for device, want := range map[string]int{"TPU:3": 3, "SPMD:0": 0, "GPU:12": 12, "a:b:7": 7} {
		assert.Equal(t, want, capture(GetDeviceOrdinal(device)).Test(t), "device %q", device)
	}
	for _, device := range []string{"TPU", "TPU:", "TPU:-1", "TPU:+1", "TPU:x", ""} {
		_, err := GetDeviceOrdinal(device)
		assert.ErrorIsf(t, err, ErrInvalidArgument, "device %q", device)
	}
}

func TestDeviceAttributes(t *testing.T) {
	c := newTestClient(t, "devices=2,processes=2,process=1")
	attributes := capture(c.GetDeviceAttributes("SIM:0")).Test(t)
	assert.Equal(t, []int64{0, 0, 0}, attributes["coords"])
	attributes["coords"].([]int64)[0] = 99
	attributes["extra"] = "x"
	again := capture(c.GetDeviceAttributes("SIM:0")).Test(t)
	assert.Equal(t, []int64{0, 0, 0}, again["coords"])
	assert.NotContains(t, again, "extra")
	assert.Equal(t, []int64{1, 1, 0}, capture(c.GetDeviceAttributes("SIM:3")).Test(t)["coords"])

	_, err := c.GetDeviceAttributes("SIM:9")
	assert.ErrorIs(t, err, ErrNotFound)

	info := capture(c.GetMemoryInfo("SIM:2")).Test(t)
	assert.Equal(t, int64(sim.DefaultMemory/1024), info.KBTotal)
	_, err = c.GetMemoryInfo("SIM:0")
	assert.ErrorIs(t, err, ErrInvalidArgument, "SIM:0 is not local")
	_, err = c.GetMemoryInfo("SIM:9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplicationDevices(t *testing.T) {
	c := newTestClient(t, "devices=4")
	assert.Empty(t, c.GetReplicationDevices())
	require.NoError(t, c.SetReplicationDevices([]string{"SIM:1", "SIM:0"}))
	devices := c.GetReplicationDevices()
	assert.Equal(t, []string{"SIM:1", "SIM:0"}, devices)
	devices[0] = "SIM:3"
	assert.Equal(t, []string{"SIM:1", "SIM:0"}, c.GetReplicationDevices())

	require.NoError(t, c.SetReplicationDevices([]string{"SIM:2"}))
	assert.Equal(t, []string{"SIM:2"}, c.GetReplicationDevices())
	assert.ErrorIs(t, c.SetReplicationDevices([]string{"SIM:4"}), ErrNotFound)
	assert.Equal(t, []string{"SIM:2"}, c.GetReplicationDevices())
}

func TestFinalize(t *testing.T) {
	c := must.M1(NewWithConfig("sim:devices=2"))
	handles := transfer(t, c, "SIM:0", literal.FromScalar(float32(1)))
	c.Finalize()
	c.Finalize()
	assert.True(t, simBackend(c).IsFinalized())
	_, err := c.TransferToDevice([]TensorSource{{Device: "SIM:0", Value: literal.FromScalar(float32(1))}})
	assert.ErrorIs(t, err, ErrStateViolation)
	_, err = c.ReadFromDevice(handles)
	assert.ErrorIs(t, err, ErrStateViolation)
	handles[0].Release()
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("root cause")
	err := wrapf(ErrTransfer, cause, "while doing %s", "something")
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrExecution)
	assert.Equal(t, "while doing something: root cause", err.Error())
	assert.Equal(t, cause, errors.Cause(err))

	err = errors.WithMessage(errorf(ErrNotFound, "device %q", "X:0"), "outer")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, `outer: device "X:0"`, err.Error())
}

func TestMetrics(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewWithOptions(Options{Config: "sim:devices=2", Metrics: registry})
	require.NoError(t, err)
	defer c.Finalize()
	assert.Same(t, registry, c.Metrics())
	handles := transfer(t, c, "SIM:0", literal.FromScalar(int64(1)), literal.FromScalar(int64(2)))
	_ = capture(c.ReadFromDevice(handles)).Test(t)
	for _, h := range handles {
		h.Release()
	}
	require.NoError(t, c.WaitDeviceOps(nil))
	snapshot := c.GetMetrics()
	assert.Equal(t, int64(2), snapshot.Counters[metrics.CreateDataHandles])
	assert.Equal(t, int64(2), snapshot.Counters[metrics.ReleaseDataHandles])
	assert.Equal(t, int64(2), snapshot.Counters[metrics.DestroyDataHandles])
	assert.Equal(t, int64(2), snapshot.Metrics[metrics.TransferToDevice].Count)
	assert.Equal(t, float64(16), snapshot.Metrics[metrics.InboundData].Total)
	assert.Contains(t, snapshot.String(), "Counter "+metrics.CreateDataHandles+": 2")
}
