package client

import (
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/literal"
	"github.com/gomlx/xrt/sharding"
	"github.com/pkg/errors"
)

// GetDataShards returns the shards of a sharded handle, ordered by shard index. For a non-sharded handle it
// returns the handle itself, and for a nil handle it returns nil.
//
// The returned handles are borrowed from d: Retain them to keep them beyond the lifetime of d.
func (c *Client) GetDataShards(d *Data) []*Data {
	if d == nil || d.rec == nil {
		return nil
	}
	if d.rec.spec == nil {
		return []*Data{d}
	}
	return append([]*Data(nil), d.rec.shards...)
}

// GetDataShard returns the shard with the given index. See GetDataShards.
func (c *Client) GetDataShard(d *Data, index int) (*Data, error) {
	if d == nil || d.rec == nil {
		return nil, errorf(ErrInvalidArgument, "GetDataShard: nil handle")
	}
	shards := c.GetDataShards(d)
	if index < 0 || index >= len(shards) {
		return nil, errorf(ErrInvalidArgument, "GetDataShard: index %d out of range, handle %d has %d shards",
			index, d.rec.id, len(shards))
	}
	return shards[index], nil
}

// GetDataSharding returns a copy of the sharding of the handle, and false if it is not sharded or nil.
func (c *Client) GetDataSharding(d *Data) (*sharding.Spec, bool) {
	if d == nil || d.rec == nil || d.rec.spec == nil {
		return nil, false
	}
	return d.rec.spec.Clone(), true
}

// WrapDataShards returns a sharded handle of the given logical shape, composed of the ordered shards.
// The number of shards must match the sharding, and each shard must have the shard shape. The new handle holds a
// reference to each shard. The device must be SPMDDevice or one of the client's devices.
func (c *Client) WrapDataShards(shards []*Data, device string, shape shapes.Shape, spec *sharding.Spec) (*Data, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if device != SPMDDevice {
		if _, err := c.device(device); err != nil {
			return nil, errors.WithMessagef(err, "WrapDataShards")
		}
	}
	if spec == nil {
		return nil, errorf(ErrInvalidArgument, "WrapDataShards: nil sharding")
	}
	if err := spec.Validate(shape); err != nil {
		return nil, wrapf(ErrInvalidArgument, err, "WrapDataShards")
	}
	if len(shards) != spec.NumShards() {
		return nil, errorf(ErrInvalidArgument, "WrapDataShards: sharding %s requires %d shards, %d given",
			spec, spec.NumShards(), len(shards))
	}
	shardShape := spec.ShardShape(shape)
	for ii, shard := range shards {
		switch {
		case shard == nil:
			return nil, errorf(ErrInvalidArgument, "WrapDataShards: shard #%d is nil", ii)
		case shard.HasSharding() || shard.rec.elements != nil:
			return nil, errorf(ErrInvalidArgument, "WrapDataShards: shard #%d %s must be a single device value", ii, shard)
		case !shard.rec.shape.Equal(shardShape):
			return nil, errorf(ErrInvalidArgument, "WrapDataShards: shard #%d has shape %s, but sharding %s of %s requires %s",
				ii, shard.rec.shape, spec, shape, shardShape)
		}
	}
	for ii, shard := range shards {
		if !shard.tryRetain() {
			for _, retained := range shards[:ii] {
				retained.Release()
			}
			return nil, errorf(ErrStateViolation, "WrapDataShards: shard #%d (id=%d) has been released", ii, shard.rec.id)
		}
	}
	d := c.newData(device, shape)
	d.rec.spec = spec.Clone()
	d.rec.shards = append([]*Data(nil), shards...)
	d.rec.bound.Store(true)
	c.populate(d.rec, bufferState{})
	return d, nil
}

// TransferShardsToDevice transfers each host shard to its device, and wraps them into a sharded handle of the given
// logical shape. See TransferToDevice and WrapDataShards.
func (c *Client) TransferShardsToDevice(shards []TensorSource, device string, shape shapes.Shape, spec *sharding.Spec) (*Data, error) {
	handles, err := c.TransferToDevice(shards)
	if err != nil {
		return nil, errors.WithMessagef(err, "TransferShardsToDevice")
	}
	defer func() {
		// The sharded handle holds its own references.
		for _, h := range handles {
			h.Release()
		}
	}()
	d, err := c.WrapDataShards(handles, device, shape, spec)
	if err != nil {
		return nil, errors.WithMessagef(err, "TransferShardsToDevice")
	}
	return d, nil
}

// TransferShardedToDevice splits the host value according to spec and transfers the shards. Shard i goes to
// devices[spec.Devices[i]]. The returned handle lives on SPMDDevice.
func (c *Client) TransferShardedToDevice(value *literal.Literal, spec *sharding.Spec, devices []string) (*Data, error) {
	if value == nil || spec == nil {
		return nil, errorf(ErrInvalidArgument, "TransferShardedToDevice: nil value or sharding")
	}
	shards, err := spec.Split(value)
	if err != nil {
		return nil, wrapf(ErrInvalidArgument, err, "TransferShardedToDevice")
	}
	sources := make([]TensorSource, len(shards))
	for ii, shard := range shards {
		deviceIdx := spec.Devices[ii]
		if deviceIdx >= len(devices) {
			return nil, errorf(ErrInvalidArgument, "TransferShardedToDevice: sharding %s refers to device #%d, but only %d devices given",
				spec, deviceIdx, len(devices))
		}
		sources[ii] = TensorSource{Device: devices[deviceIdx], Value: shard}
	}
	return c.TransferShardsToDevice(sources, SPMDDevice, value.Shape(), spec)
}
