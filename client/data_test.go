package client

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/literal"
	"github.com/gomlx/xrt/metrics"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferToDevice(t *testing.T) {
	c := newTestClient(t, "devices=2")
	matrix := must.M1(literal.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	scalar := literal.FromScalar(int64(7))
	handles := capture(c.TransferToDevice([]TensorSource{
		{Device: "SIM:1", Value: matrix},
		{Device: "SIM:0", Value: scalar},
	})).Test(t)
	require.Len(t, handles, 2)

	// Device and shape are there from the start.
	assert.Equal(t, "SIM:1", handles[0].Device())
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3), handles[0].Shape())
	assert.Equal(t, "SIM:0", handles[1].Device())
	assert.True(t, handles[1].Shape().IsScalar())
	assert.NotEqual(t, handles[0].ID(), handles[1].ID())
	assert.Equal(t, 2, c.LiveDataHandles())

	// The host values can be changed right after the transfer.
	literal.View[float32](matrix.Data())[0] = 100
	values := capture(c.ReadFromDevice(handles)).Test(t)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, must.M1(literal.ToFlat[float32](values[0])))
	assert.True(t, values[1].Equal(scalar))
	assert.True(t, handles[0].IsPopulated())

	for _, h := range handles {
		h.Release()
		h.Release() // No-op.
		assert.True(t, h.IsReleased())
	}
	assert.Equal(t, 0, c.LiveDataHandles())
	_, err := c.ReadFromDevice(handles)
	assert.ErrorIs(t, err, ErrStateViolation)

	require.NoError(t, c.WaitDeviceOps(nil))
	assert.Zero(t, simBackend(c).MemoryUsed("SIM:0"))
	assert.Zero(t, simBackend(c).MemoryUsed("SIM:1"))
}

func TestTransferToDeviceInvalid(t *testing.T) {
	c := newTestClient(t, "devices=2,processes=2")
	value := literal.FromScalar(float32(1))
	for _, sources := range [][]TensorSource{
		{{Device: "SIM:9", Value: value}},
		{{Device: "SIM:0", Value: value}, {Device: "SIM:2", Value: value}},
		{{Device: "SIM:0"}},
		{{Device: "SIM:0", Value: value}, {Device: "SIM:0", Value: literal.Tuple(value)}},
	} {
		_, err := c.TransferToDevice(sources)
		assert.Error(t, err)
	}
	// Nothing was created.
	assert.Equal(t, 0, c.LiveDataHandles())

	_, err := c.TransferToDevice([]TensorSource{{Device: "SIM:2", Value: value}})
	assert.ErrorIs(t, err, ErrInvalidArgument, "SIM:2 belongs to the other process")
	_, err = c.TransferToDevice([]TensorSource{{Device: "SIM:9", Value: value}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransferFailure(t *testing.T) {
	c := newTestClient(t, "memory=16B")
	handles := transfer(t, c, "SIM:0", must.M1(literal.FromFlat(make([]float32, 8))))
	_, err := c.ReadFromDevice(handles)
	require.ErrorIs(t, err, ErrTransfer)
	assert.ErrorContains(t, err, "out of memory")
	assert.True(t, handles[0].IsPopulated())
	assert.Contains(t, handles[0].String(), "failed")
	handles[0].Release()
}

func TestPlaceholder(t *testing.T) {
	c := newTestClient(t, "devices=2")
	shape := shapes.Make(dtypes.Int32, 3)
	placeholder := capture(c.CreateDataPlaceholder("SIM:0", shape)).Test(t)
	assert.False(t, placeholder.IsPopulated())
	assert.Contains(t, placeholder.String(), "placeholder")

	var wg sync.WaitGroup
	var got []*literal.Literal
	var readErr error
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(done)
		got, readErr = c.ReadFromDevice([]*Data{placeholder})
	}()
	select {
	case <-done:
		t.Fatal("reading a placeholder should block until it is populated")
	case <-time.After(50 * time.Millisecond):
	}

	src := transfer(t, c, "SIM:0", must.M1(literal.FromFlat([]int32{1, 2, 3})))[0]
	require.NoError(t, c.Assign(placeholder, src))
	wg.Wait()
	require.NoError(t, readErr)
	assert.Equal(t, []int32{1, 2, 3}, must.M1(literal.ToFlat[int32](got[0])))
	assert.Equal(t, "SIM:0", placeholder.Device())
	assert.True(t, placeholder.Shape().Equal(shape))

	// A placeholder is populated only once.
	assert.ErrorIs(t, c.Assign(placeholder, src), ErrStateViolation)
	other := capture(c.CreateDataPlaceholder("SIM:0", shapes.Make(dtypes.Int32, 4))).Test(t)
	assert.ErrorIs(t, c.Assign(other, src), ErrInvalidArgument)
	onOtherDevice := capture(c.CreateDataPlaceholder("SIM:1", shape)).Test(t)
	assert.ErrorIs(t, c.Assign(onOtherDevice, src), ErrInvalidArgument)

	// The source can be released right after Assign.
	fresh := capture(c.CreateDataPlaceholder("SIM:0", shape)).Test(t)
	require.NoError(t, c.Assign(fresh, src))
	src.Release()
	assert.Equal(t, []int32{1, 2, 3}, read[int32](t, c, fresh))
	require.NoError(t, c.WaitDeviceOps(nil))
	assert.ErrorIs(t, c.Assign(capture(c.CreateDataPlaceholder("SIM:0", shape)).Test(t), src), ErrStateViolation)

	_, err := c.CreateDataPlaceholder("SIM:7", shape)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.CreateDataPlaceholder("SIM:0", shapes.MakeTuple([]shapes.Shape{shape}))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReleasePlaceholder(t *testing.T) {
	c := newTestClient(t, "")
	shape := shapes.Make(dtypes.Float64, 2)
	placeholder := capture(c.CreateDataPlaceholder("SIM:0", shape)).Test(t)
	placeholder.Release()
	assert.True(t, placeholder.IsReleased())
	assert.Equal(t, 0, c.LiveDataHandles())
	src := transfer(t, c, "SIM:0", must.M1(literal.FromFlat([]float64{1, 2})))[0]
	assert.ErrorIs(t, c.Assign(placeholder, src), ErrStateViolation)
	src.Release()
	require.NoError(t, c.WaitDeviceOps(nil))
	assert.Zero(t, simBackend(c).MemoryUsed("SIM:0"))
}

func TestRetain(t *testing.T) {
	c := newTestClient(t, "")
	d := transfer(t, c, "SIM:0", literal.FromScalar(float32(3)))[0]
	assert.Same(t, d, d.Retain())
	d.Release()
	assert.False(t, d.IsReleased())
	assert.Equal(t, []float32{3}, read[float32](t, c, d))
	d.Release()
	assert.True(t, d.IsReleased())
	d.Retain()
	assert.True(t, d.IsReleased(), "released handles can't be retained")
}

func TestCopyToDevice(t *testing.T) {
	c := newTestClient(t, "devices=2")
	src := transfer(t, c, "SIM:0", must.M1(literal.FromFlat([]int64{4, 5})))[0]
	dst := capture(c.CopyToDevice(src, "SIM:1")).Test(t)
	assert.Equal(t, "SIM:1", dst.Device())
	assert.True(t, dst.Shape().Equal(src.Shape()))
	src.Release()
	assert.Equal(t, []int64{4, 5}, read[int64](t, c, dst))
	assert.Equal(t, int64(1), c.GetMetrics().Counters[metrics.CopyToDevice])
	require.NoError(t, c.WaitDeviceOps(nil))

	_, err := c.CopyToDevice(src, "SIM:1")
	assert.ErrorIs(t, err, ErrStateViolation)
	_, err = c.CopyToDevice(dst, "SIM:5")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWaitDeviceOps(t *testing.T) {
	c := newTestClient(t, "devices=3")
	var handles []*Data
	for ii := range 30 {
		device := c.GetLocalDevices()[ii%3]
		handles = append(handles, transfer(t, c, device, literal.FromScalar(int32(ii)))...)
	}
	require.NoError(t, c.WaitDeviceOps(nil))
	for _, h := range handles {
		assert.True(t, h.IsPopulated())
	}
	require.NoError(t, c.WaitDeviceOps([]string{"SIM:1"}))
	assert.ErrorIs(t, c.WaitDeviceOps([]string{"SIM:3"}), ErrNotFound)

	for _, h := range handles {
		h.Release()
	}
	require.NoError(t, c.WaitDeviceOps(c.GetLocalDevices()))
	for _, device := range c.GetLocalDevices() {
		assert.Zero(t, simBackend(c).MemoryUsed(device))
	}
}

func TestConcurrentTransfers(t *testing.T) {
	c := newTestClient(t, "devices=4")
	var wg sync.WaitGroup
	for ii := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			device := c.GetLocalDevices()[ii%4]
			value := must.M1(literal.FromFlat([]int64{int64(ii), int64(ii * 2)}))
			handles, err := c.TransferToDevice([]TensorSource{{Device: device, Value: value}})
			if !assert.NoError(t, err) {
				return
			}
			values, err := c.ReadFromDevice(handles)
			if assert.NoError(t, err) {
				assert.True(t, values[0].Equal(value))
			}
			handles[0].Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.LiveDataHandles())
}
