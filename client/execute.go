package client

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecuteOptions configure ExecuteComputation and ExecuteReplicated.
type ExecuteOptions struct {
	// ExplodeTuple returns one handle per element of a tuple result, instead of a single tuple handle.
	ExplodeTuple bool

	// BarrierTag, if set and the coordinator is initialized, makes ExecuteReplicated wait on a coordinator barrier
	// with this tag before launching, so all processes of the job launch together.
	BarrierTag string
}

// DefaultExecuteOptions are used when nil options are given.
var DefaultExecuteOptions = ExecuteOptions{ExplodeTuple: true}

// launch is the execution of a computation on one device.
type launch struct {
	device  string
	args    []*Data
	buffers []backends.Buffer
	replica *backends.Replica
	outputs []backends.Buffer
	err     error
}

func (c *Client) validateComputation(op string, comp *Computation) error {
	if comp == nil {
		return errorf(ErrInvalidArgument, "%s: nil computation", op)
	}
	if !comp.IsCompiled() {
		return errorf(ErrInvalidArgument, "%s: computation %q is a template, it must be compiled first", op, comp.name)
	}
	if comp.IsReleased() {
		return errorf(ErrStateViolation, "%s: computation %q has been released", op, comp.name)
	}
	if comp.client != c {
		return errorf(ErrInvalidArgument, "%s: computation %q was compiled by a different client", op, comp.name)
	}
	return nil
}

// validateArguments checks the arguments for the execution on device. It doesn't retain them.
func (c *Client) validateArguments(op string, comp *Computation, args []*Data, device string) error {
	if _, err := c.stream(device); err != nil {
		return errors.WithMessagef(err, "%s", op)
	}
	if len(comp.devices) > 0 && !slices.Contains(comp.devices, device) && !slices.Contains(comp.devices, SPMDDevice) {
		return errorf(ErrInvalidArgument, "%s: computation %q targets devices %v, not %q", op, comp.name, comp.devices, device)
	}
	params := comp.programShape.ParameterShapes
	if len(args) != len(params) {
		return errorf(ErrInvalidArgument, "%s: computation %q takes %d arguments, %d given", op, comp.name, len(params), len(args))
	}
	for ii, arg := range args {
		switch {
		case arg == nil:
			return errorf(ErrInvalidArgument, "%s: argument #%d is nil", op, ii)
		case arg.IsReleased():
			return errorf(ErrStateViolation, "%s: argument #%d (id=%d) has been released", op, ii, arg.rec.id)
		case arg.HasSharding() || arg.rec.elements != nil:
			return errorf(ErrInvalidArgument, "%s: argument #%d %s must be a single device value, use its shards", op, ii, arg)
		case arg.rec.device != device:
			return errorf(ErrInvalidArgument, "%s: argument #%d (id=%d) is on device %q, but execution is on %q",
				op, ii, arg.rec.id, arg.rec.device, device)
		case !arg.rec.shape.Equal(params[ii]):
			return errorf(ErrInvalidArgument, "%s: argument #%d (id=%d) has shape %s, but computation %q expects %s",
				op, ii, arg.rec.id, arg.rec.shape, comp.name, params[ii])
		}
	}
	return nil
}

// retainArguments takes a reference of all arguments for the duration of the execution.
func retainArguments(args []*Data) error {
	for ii, arg := range args {
		if !arg.tryRetain() {
			for _, retained := range args[:ii] {
				retained.Release()
			}
			return errorf(ErrStateViolation, "argument #%d (id=%d) has been released", ii, arg.rec.id)
		}
	}
	return nil
}

// task returns the stream task running the launch.
func (c *Client) task(comp *Computation, l *launch, group *replicaGroup, wg *sync.WaitGroup) func() {
	return func() {
		defer wg.Done()
		outputs, err := c.backend.Execute(comp.wrapper.executable, l.device, l.buffers, l.replica)
		if err != nil {
			l.err = wrapf(ErrExecution, err, "executing %q on %q", comp.name, l.device)
			group.abort(l.err)
			for _, buffer := range outputs {
				if buffer != nil {
					c.freeBuffer(l.device, buffer)
				}
			}
			return
		}
		l.outputs = outputs
	}
}

// wrapOutputs creates the handles of the outputs of one launch.
func (c *Client) wrapOutputs(comp *Computation, l *launch, options ExecuteOptions) ([]*Data, error) {
	result := comp.programShape.Result
	if !result.IsTuple() {
		if len(l.outputs) != 1 {
			return nil, errorf(ErrExecution, "executing %q on %q returned %d outputs, expected 1", comp.name, l.device, len(l.outputs))
		}
		return []*Data{c.newPopulatedData(l.device, result, l.outputs[0])}, nil
	}
	if len(l.outputs) != result.TupleSize() {
		return nil, errorf(ErrExecution, "executing %q on %q returned %d outputs, expected tuple of %d",
			comp.name, l.device, len(l.outputs), result.TupleSize())
	}
	elements := make([]*Data, len(l.outputs))
	for ii, buffer := range l.outputs {
		elements[ii] = c.newPopulatedData(l.device, result.TupleShapes[ii], buffer)
	}
	if options.ExplodeTuple {
		c.metrics.Counter(metrics.DeconstructTuple).Inc()
		return elements, nil
	}
	d := c.newData(l.device, result)
	d.rec.elements = elements
	d.rec.bound.Store(true)
	c.populate(d.rec, bufferState{})
	return []*Data{d}, nil
}

// awaitArguments blocks until all arguments are populated, and collects their buffers.
// Placeholders may be populated by work on the same streams, so this happens before anything is enqueued.
func awaitArguments(comp *Computation, launches []*launch) error {
	for _, l := range launches {
		l.buffers = make([]backends.Buffer, len(l.args))
		for ii, arg := range l.args {
			state := arg.rec.state.Wait()
			if state.err != nil {
				return wrapf(ErrExecution, state.err, "argument #%d (id=%d) of %q on %q", ii, arg.rec.id, comp.name, l.device)
			}
			l.buffers[ii] = state.buffer
		}
	}
	return nil
}

func releaseLaunchArguments(launches []*launch) {
	for _, l := range launches {
		for _, arg := range l.args {
			arg.Release()
		}
	}
}

// run enqueues the launches (one per device) and waits for all of them. If any fails, the outputs of all are freed.
// It releases the arguments of the launches.
func (c *Client) run(comp *Computation, launches []*launch, options ExecuteOptions) ([][]*Data, error) {
	if err := awaitArguments(comp, launches); err != nil {
		releaseLaunchArguments(launches)
		return nil, err
	}
	group := newReplicaGroup(len(launches))
	var wg sync.WaitGroup
	c.launchMu.Lock()
	for ii, l := range launches {
		l.replica = group.replica(ii)
		wg.Add(1)
		if err := c.streams[l.device].Enqueue(c.task(comp, l, group, &wg)); err != nil {
			l.err = wrapf(ErrStateViolation, err, "executing %q", comp.name)
			group.abort(l.err)
			wg.Done()
		}
	}
	c.launchMu.Unlock()
	wg.Wait()
	releaseLaunchArguments(launches)

	var firstErr error
	for _, l := range launches {
		if l.err != nil && (firstErr == nil || errors.Is(firstErr, errReplicaAborted)) {
			firstErr = l.err
		}
	}
	if firstErr != nil {
		for _, l := range launches {
			for _, buffer := range l.outputs {
				c.freeBuffer(l.device, buffer)
			}
		}
		return nil, firstErr
	}

	results := make([][]*Data, len(launches))
	for ii, l := range launches {
		outputs, err := c.wrapOutputs(comp, l, options)
		if err != nil {
			for _, produced := range results[:ii] {
				for _, d := range produced {
					d.Release()
				}
			}
			for _, other := range launches[ii:] {
				for _, buffer := range other.outputs {
					c.freeBuffer(other.device, buffer)
				}
			}
			return nil, err
		}
		results[ii] = outputs
	}
	return results, nil
}

// ExecuteComputation runs the compiled computation on device, with arguments on that device, and returns the
// output handles. Invalid arguments fail immediately, without running anything. If options is nil,
// DefaultExecuteOptions are used.
//
// It blocks until the execution completes, so execution errors are returned here rather than surfacing later
// on the outputs. The cost is that the caller can't overlap the next enqueue with this execution. Use several
// goroutines for that: launches on different devices run concurrently.
func (c *Client) ExecuteComputation(comp *Computation, args []*Data, device string, options *ExecuteOptions) ([]*Data, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &DefaultExecuteOptions
	}
	const op = "ExecuteComputation"
	if err := c.validateComputation(op, comp); err != nil {
		return nil, err
	}
	if err := c.validateArguments(op, comp, args, device); err != nil {
		return nil, err
	}
	if err := retainArguments(args); err != nil {
		return nil, errors.WithMessagef(err, "%s", op)
	}
	comp.Retain()
	defer comp.Release()
	start := time.Now()
	results, err := c.run(comp, []*launch{{device: device, args: slices.Clone(args)}}, *options)
	c.metrics.Metric(metrics.Execute, metrics.UnitTime).Since(start)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteReplicated runs the compiled computation on all devices at once, as replicas that may communicate.
// args is indexed by device and then by argument: args[i] holds the arguments for devices[i] (see
// ShardedArguments to build it from sharded handles). The result is indexed the same way.
//
// It blocks until all replicas complete, and is all-or-nothing: if the execution fails on any device, the other
// replicas are aborted, all outputs are released, and the error is returned. Returned outputs are always
// populated. If options is nil, DefaultExecuteOptions are used.
func (c *Client) ExecuteReplicated(comp *Computation, args [][]*Data, devices []string, options *ExecuteOptions) ([][]*Data, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &DefaultExecuteOptions
	}
	const op = "ExecuteReplicated"
	if err := c.validateComputation(op, comp); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errorf(ErrInvalidArgument, "%s: no devices given", op)
	}
	if len(args) != len(devices) {
		return nil, errorf(ErrInvalidArgument, "%s: %d argument lists for %d devices", op, len(args), len(devices))
	}
	seen := make(map[string]bool, len(devices))
	for ii, device := range devices {
		if seen[device] {
			return nil, errorf(ErrInvalidArgument, "%s: device %q given more than once", op, device)
		}
		seen[device] = true
		if err := c.validateArguments(op, comp, args[ii], device); err != nil {
			return nil, errors.WithMessagef(err, "replica #%d", ii)
		}
	}
	launches := make([]*launch, len(devices))
	for ii, device := range devices {
		if err := retainArguments(args[ii]); err != nil {
			releaseLaunchArguments(launches[:ii])
			return nil, errors.WithMessagef(err, "%s: replica #%d", op, ii)
		}
		launches[ii] = &launch{device: device, args: slices.Clone(args[ii])}
	}
	comp.Retain()
	defer comp.Release()

	if options.BarrierTag != "" {
		if coord, err := c.GetCoordinator(); err == nil {
			if err := coord.Barrier(context.Background(), options.BarrierTag); err != nil {
				releaseLaunchArguments(launches)
				return nil, errors.WithMessagef(err, "%s", op)
			}
		} else {
			klog.V(1).Infof("client: %s barrier %q skipped, coordinator not initialized", op, options.BarrierTag)
		}
	}

	start := time.Now()
	results, err := c.run(comp, launches, *options)
	c.metrics.Metric(metrics.ExecuteReplicated, metrics.UnitTime).Since(start)
	return results, err
}

// ShardedArguments builds the per-device arguments of ExecuteReplicated from sharded handles: shard i of each
// argument goes to devices[i]. Non-sharded arguments are only accepted for a single device.
func (c *Client) ShardedArguments(args []*Data, devices []string) ([][]*Data, error) {
	perDevice := make([][]*Data, len(devices))
	for ii := range perDevice {
		perDevice[ii] = make([]*Data, len(args))
	}
	for argIdx, arg := range args {
		if arg == nil {
			return nil, errorf(ErrInvalidArgument, "ShardedArguments: argument #%d is nil", argIdx)
		}
		shards := c.GetDataShards(arg)
		if len(shards) != len(devices) {
			return nil, errorf(ErrInvalidArgument, "ShardedArguments: argument #%d has %d shards, but %d devices given",
				argIdx, len(shards), len(devices))
		}
		for ii, shard := range shards {
			if shard.rec.device != devices[ii] {
				return nil, errorf(ErrInvalidArgument, "ShardedArguments: shard #%d of argument #%d is on %q, expected %q",
					ii, argIdx, shard.rec.device, devices[ii])
			}
			perDevice[ii][argIdx] = shard
		}
	}
	return perDevice, nil
}
