package client

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/internal/xsync"
	"github.com/gomlx/xrt/literal"
	"github.com/gomlx/xrt/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Data is a reference counted handle to a value living on a device (or sharded over several devices).
//
// Its device and shape are fixed at creation. The value may not be there yet: handles returned by transfers,
// copies and placeholders are populated asynchronously, and reading them blocks until they are.
//
// Release drops a reference, and when the last one is dropped the device storage is freed asynchronously.
// If a handle is garbage collected with references left, they are released automatically.
type Data struct {
	client *Client
	rec    *dataRecord
}

// TensorSource is a host value and the device it should be transferred to.
type TensorSource struct {
	Device string
	Value  *literal.Literal
}

// newData creates a handle with one reference, not yet populated.
func (c *Client) newData(device string, shape shapes.Shape) *Data {
	rec := &dataRecord{
		device: device,
		shape:  shape.Clone(),
		state:  xsync.NewLatchWithValue[bufferState](),
	}
	rec.refs.Store(1)
	c.handles.add(rec)
	d := &Data{client: c, rec: rec}
	runtime.AddCleanup(d, func(rec *dataRecord) {
		if rec.refs.Load() > 0 {
			klog.V(1).Infof("client: data handle %d garbage collected with %d references", rec.id, rec.refs.Load())
			c.releaseRecord(rec)
		}
	}, rec)
	c.metrics.Counter(metrics.CreateDataHandles).Inc()
	return d
}

// ID of the handle, unique within the client.
func (d *Data) ID() int64 { return d.rec.id }

// Device where the value lives. Sharded values live on SPMDDevice.
func (d *Data) Device() string { return d.rec.device }

// Shape of the value.
func (d *Data) Shape() shapes.Shape { return d.rec.shape }

// HasSharding returns whether the handle holds a sharded value.
func (d *Data) HasSharding() bool { return d.rec.spec != nil }

// IsPopulated returns whether the value is available (or failed to be produced). It doesn't block.
func (d *Data) IsPopulated() bool { return d.rec.state.Test() }

// IsReleased returns whether the last reference to the handle was released.
func (d *Data) IsReleased() bool { return d.rec.released.Load() }

// String implements fmt.Stringer.
func (d *Data) String() string {
	if d == nil {
		return "Data<nil>"
	}
	state := "placeholder"
	switch {
	case d.IsReleased():
		state = "released"
	case d.IsPopulated():
		state = "populated"
		if st := d.rec.state.Wait(); st.err != nil {
			state = "failed"
		}
	}
	if d.HasSharding() {
		return fmt.Sprintf("Data{id=%d, device=%s, shape=%s, sharding=%s, %s}", d.rec.id, d.rec.device, d.rec.shape, d.rec.spec, state)
	}
	return fmt.Sprintf("Data{id=%d, device=%s, shape=%s, %s}", d.rec.id, d.rec.device, d.rec.shape, state)
}

// Retain adds a reference to the handle, and returns it. It has no effect on a released handle.
func (d *Data) Retain() *Data {
	d.tryRetain()
	return d
}

// tryRetain adds a reference unless the handle has already been released.
func (d *Data) tryRetain() bool {
	for {
		refs := d.rec.refs.Load()
		if refs <= 0 {
			return false
		}
		if d.rec.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference. When the last one is dropped the device storage is freed asynchronously.
// It never blocks, and it is a no-op for handles already released.
func (d *Data) Release() {
	if d == nil {
		return
	}
	for {
		refs := d.rec.refs.Load()
		if refs <= 0 {
			return
		}
		if d.rec.refs.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				d.client.releaseRecord(d.rec)
			}
			return
		}
	}
}

func (c *Client) releaseRecord(rec *dataRecord) {
	if !rec.released.CompareAndSwap(false, true) {
		return
	}
	start := time.Now()
	rec.refs.Store(0)
	c.handles.remove(rec.id)
	c.metrics.Counter(metrics.ReleaseDataHandles).Inc()
	for _, shard := range rec.shards {
		shard.Release()
	}
	for _, element := range rec.elements {
		element.Release()
	}
	if rec.state.Test() {
		c.freeRecord(rec)
	}
	// Otherwise the buffer is freed when the handle gets populated.
	c.metrics.Metric(metrics.ReleaseDataHandlesTime, metrics.UnitTime).Since(start)
}

// populate triggers the handle state. It returns false if the handle was already populated, in which case
// the buffer given is freed.
func (c *Client) populate(rec *dataRecord, state bufferState) bool {
	if !rec.state.Trigger(state) {
		if state.buffer != nil {
			c.freeBuffer(rec.device, state.buffer)
		}
		return false
	}
	if rec.released.Load() {
		c.freeRecord(rec)
	}
	return true
}

// freeRecord enqueues the freeing of the buffer of a populated handle, at most once.
func (c *Client) freeRecord(rec *dataRecord) {
	state := rec.state.Wait()
	if state.buffer == nil || !rec.freed.CompareAndSwap(false, true) {
		return
	}
	c.freeBuffer(rec.device, state.buffer)
}

// freeBuffer frees the buffer on the device stream, after all work already issued on the device.
// Errors are only logged and counted.
func (c *Client) freeBuffer(device string, buffer backends.Buffer) {
	free := func() {
		if err := c.backend.FreeBuffer(buffer); err != nil {
			klog.Errorf("client: failed to free buffer on device %q: %+v", device, err)
			c.metrics.Counter(metrics.ReleaseFailures).Inc()
			return
		}
		c.metrics.Counter(metrics.DestroyDataHandles).Inc()
	}
	s, found := c.streams[device]
	if !found || s.Enqueue(free) != nil {
		if !c.finalized.Load() {
			free()
		}
	}
}

// newPopulatedData creates a handle already holding the buffer.
func (c *Client) newPopulatedData(device string, shape shapes.Shape, buffer backends.Buffer) *Data {
	d := c.newData(device, shape)
	d.rec.bound.Store(true)
	c.populate(d.rec, bufferState{buffer: buffer})
	return d
}

// CreateDataPlaceholder returns a handle of the given device and shape that is not populated. Readers block until
// it is populated, with Assign or by the producer it is bound to. It never blocks.
func (c *Client) CreateDataPlaceholder(device string, shape shapes.Shape) (*Data, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if _, err := c.stream(device); err != nil {
		return nil, errors.WithMessagef(err, "CreateDataPlaceholder")
	}
	if !isArrayShape(shape) {
		return nil, errorf(ErrInvalidArgument, "CreateDataPlaceholder(%q): invalid shape %s", device, shape)
	}
	d := c.newData(device, shape)
	c.metrics.Counter(metrics.CreateAsyncDataHandles).Inc()
	return d, nil
}

// Assign populates the placeholder with a copy of the value of src, asynchronously. Both must be on the same
// device and have the same shape. A placeholder can be assigned only once.
func (c *Client) Assign(placeholder, src *Data) error {
	if placeholder == nil || src == nil {
		return errorf(ErrInvalidArgument, "Assign: nil handle")
	}
	if placeholder.rec.device != src.rec.device || !placeholder.rec.shape.Equal(src.rec.shape) {
		return errorf(ErrInvalidArgument, "Assign: placeholder %s and source %s differ in device or shape", placeholder, src)
	}
	if src.HasSharding() || src.rec.elements != nil {
		return errorf(ErrInvalidArgument, "Assign: source %s must be a single device value", src)
	}
	if placeholder.IsReleased() {
		return errorf(ErrStateViolation, "Assign: placeholder %d has been released", placeholder.rec.id)
	}
	if !placeholder.rec.bound.CompareAndSwap(false, true) {
		return errorf(ErrStateViolation, "Assign: handle %d is already populated or being populated", placeholder.rec.id)
	}
	if !src.tryRetain() {
		placeholder.rec.bound.Store(false)
		return errorf(ErrStateViolation, "Assign: source handle %d has been released", src.rec.id)
	}
	s, err := c.stream(placeholder.rec.device)
	if err != nil {
		src.Release()
		return err
	}
	err = s.Enqueue(func() {
		defer src.Release()
		srcState := src.rec.state.Wait()
		if srcState.err != nil {
			c.populate(placeholder.rec, bufferState{err: srcState.err})
			return
		}
		buffer, err := c.backend.CopyBuffer(srcState.buffer, placeholder.rec.device)
		if err != nil {
			err = wrapf(ErrTransfer, err, "failed to assign handle %d to placeholder %d", src.rec.id, placeholder.rec.id)
		}
		c.populate(placeholder.rec, bufferState{buffer: buffer, err: err})
	})
	if err != nil {
		src.Release()
		return wrapf(ErrStateViolation, err, "Assign")
	}
	return nil
}

func (c *Client) validateSource(ii int, source TensorSource) error {
	if source.Value == nil {
		return errorf(ErrInvalidArgument, "TransferToDevice: source #%d has no value", ii)
	}
	if _, err := c.stream(source.Device); err != nil {
		return errors.WithMessagef(err, "TransferToDevice: source #%d", ii)
	}
	shape := source.Value.Shape()
	if !isArrayShape(shape) {
		return errorf(ErrInvalidArgument, "TransferToDevice: source #%d has invalid shape %s", ii, shape)
	}
	return nil
}

// TransferToDevice transfers the host values to their devices. The values are copied before it returns, so the
// caller may reuse them. It returns immediately, in the same order as sources, with handles that are populated
// asynchronously. Transfer failures surface when the handles are read or used.
func (c *Client) TransferToDevice(sources []TensorSource) ([]*Data, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	for ii, source := range sources {
		if err := c.validateSource(ii, source); err != nil {
			return nil, err
		}
	}
	handles := make([]*Data, len(sources))
	for ii, source := range sources {
		value := source.Value.Clone()
		d := c.newData(source.Device, value.Shape())
		d.rec.bound.Store(true)
		handles[ii] = d
		device, rec := source.Device, d.rec
		err := c.streams[device].Enqueue(func() {
			start := time.Now()
			buffer, err := c.backend.BufferFromHost(device, value)
			if err != nil {
				err = wrapf(ErrTransfer, err, "failed to transfer %s to device %q (handle %d)", rec.shape, device, rec.id)
			}
			c.populate(rec, bufferState{buffer: buffer, err: err})
			c.metrics.Metric(metrics.TransferToDevice, metrics.UnitTime).Since(start)
		})
		if err != nil {
			c.populate(rec, bufferState{err: wrapf(ErrTransfer, err, "TransferToDevice")})
		}
		c.metrics.Metric(metrics.InboundData, metrics.UnitBytes).Record(float64(rec.shape.Memory()))
	}
	return handles, nil
}

// ReadFromDevice transfers the values of the handles back to the host, in the same order. It blocks until the
// handles are populated. Sharded values are reassembled from their shards.
func (c *Client) ReadFromDevice(handles []*Data) ([]*literal.Literal, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	for ii, d := range handles {
		if d == nil {
			return nil, errorf(ErrInvalidArgument, "ReadFromDevice: handle #%d is nil", ii)
		}
		if !d.tryRetain() {
			for _, retained := range handles[:ii] {
				retained.Release()
			}
			return nil, errorf(ErrStateViolation, "ReadFromDevice: handle #%d (id=%d) has been released", ii, d.rec.id)
		}
	}
	defer func() {
		for _, d := range handles {
			d.Release()
		}
	}()
	values := make([]*literal.Literal, len(handles))
	var g errgroup.Group
	for ii, d := range handles {
		g.Go(func() error {
			var err error
			values[ii], err = c.readData(d)
			if err != nil {
				return errors.WithMessagef(err, "ReadFromDevice: handle #%d", ii)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

func (c *Client) readData(d *Data) (*literal.Literal, error) {
	rec := d.rec
	switch {
	case rec.spec != nil:
		shards := make([]*literal.Literal, len(rec.shards))
		for ii, shard := range rec.shards {
			var err error
			shards[ii], err = c.readData(shard)
			if err != nil {
				return nil, errors.WithMessagef(err, "shard #%d", ii)
			}
		}
		value, err := rec.spec.Assemble(shards, rec.shape)
		if err != nil {
			return nil, wrapf(ErrInvalidArgument, err, "failed to assemble handle %d", rec.id)
		}
		return value, nil
	case rec.elements != nil:
		elements := make([]*literal.Literal, len(rec.elements))
		for ii, element := range rec.elements {
			var err error
			elements[ii], err = c.readData(element)
			if err != nil {
				return nil, errors.WithMessagef(err, "tuple element #%d", ii)
			}
		}
		return literal.Tuple(elements...), nil
	}
	state := rec.state.Wait()
	if state.err != nil {
		return nil, state.err
	}
	start := time.Now()
	value, err := c.backend.BufferToHost(state.buffer)
	if err != nil {
		return nil, wrapf(ErrTransfer, err, "failed to read handle %d from device %q", rec.id, rec.device)
	}
	c.metrics.Metric(metrics.TransferFromDevice, metrics.UnitTime).Since(start)
	c.metrics.Metric(metrics.OutboundData, metrics.UnitBytes).Record(float64(rec.shape.Memory()))
	return value, nil
}

// CopyToDevice returns a new handle with a copy of the value on the device dst. It returns immediately, and the
// new handle is populated asynchronously.
func (c *Client) CopyToDevice(d *Data, dst string) (*Data, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errorf(ErrInvalidArgument, "CopyToDevice: nil handle")
	}
	s, err := c.stream(dst)
	if err != nil {
		return nil, errors.WithMessagef(err, "CopyToDevice")
	}
	if d.HasSharding() || d.rec.elements != nil {
		return nil, errorf(ErrInvalidArgument, "CopyToDevice: handle %s must be a single device value", d)
	}
	if !d.tryRetain() {
		return nil, errorf(ErrStateViolation, "CopyToDevice: handle %d has been released", d.rec.id)
	}
	dstData := c.newData(dst, d.rec.shape)
	dstData.rec.bound.Store(true)
	src, rec := d, dstData.rec
	err = s.Enqueue(func() {
		defer src.Release()
		srcState := src.rec.state.Wait()
		if srcState.err != nil {
			c.populate(rec, bufferState{err: srcState.err})
			return
		}
		buffer, err := c.backend.CopyBuffer(srcState.buffer, dst)
		if err != nil {
			err = wrapf(ErrTransfer, err, "failed to copy handle %d from %q to %q", src.rec.id, src.rec.device, dst)
		}
		c.populate(rec, bufferState{buffer: buffer, err: err})
	})
	if err != nil {
		src.Release()
		c.populate(rec, bufferState{err: wrapf(ErrTransfer, err, "CopyToDevice")})
	}
	c.metrics.Counter(metrics.CopyToDevice).Inc()
	return dstData, nil
}

// isArrayShape returns whether shape is a non-tuple shape of a known dtype with non-negative dimensions.
func isArrayShape(shape shapes.Shape) bool {
	if !shape.DType.IsSupported() || len(shape.TupleShapes) > 0 {
		return false
	}
	for _, dim := range shape.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}
