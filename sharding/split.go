package sharding

import (
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/literal"
	"github.com/pkg/errors"
)

// Split the host value into its shards, ordered by shard index. Tiles on the border are zero padded.
func (s *Spec) Split(value *literal.Literal) ([]*literal.Literal, error) {
	shape := value.Shape()
	if err := s.Validate(shape); err != nil {
		return nil, err
	}
	numShards := s.NumShards()
	shards := make([]*literal.Literal, numShards)
	if s.Type != Tiled {
		for ii := range shards {
			shards[ii] = value.Clone()
		}
		return shards, nil
	}
	shardShape := s.ShardShape(shape)
	for ii := range shards {
		shard, err := literal.New(shardShape)
		if err != nil {
			return nil, errors.WithMessagef(err, "while splitting %s with sharding %s", shape, s)
		}
		coords, _ := s.tileCoordinates(ii)
		copyTile(shape, shardShape, coords, value.Data(), shard.Data(), true)
		shards[ii] = shard
	}
	return shards, nil
}

// Assemble reconstructs the host value of the given logical shape from its shards, ordered by shard index.
// For replicated tiles, the first replica is used.
func (s *Spec) Assemble(shards []*literal.Literal, shape shapes.Shape) (*literal.Literal, error) {
	if err := s.Validate(shape); err != nil {
		return nil, err
	}
	if len(shards) != s.NumShards() {
		return nil, errors.Errorf("sharding %s requires %d shards, got %d", s, s.NumShards(), len(shards))
	}
	shardShape := s.ShardShape(shape)
	for ii, shard := range shards {
		if !shard.Shape().Equal(shardShape) {
			return nil, errors.Errorf("shard #%d has shape %s, but sharding %s of %s requires %s",
				ii, shard.Shape(), s, shape, shardShape)
		}
	}
	if s.Type != Tiled {
		return shards[0].Clone(), nil
	}
	value, err := literal.New(shape)
	if err != nil {
		return nil, err
	}
	for ii, shard := range shards {
		coords, replica := s.tileCoordinates(ii)
		if replica != 0 {
			continue
		}
		copyTile(shape, shardShape, coords, value.Data(), shard.Data(), false)
	}
	return value, nil
}

// copyTile copies the tile at coords between the full value and the shard, in the direction given by toShard.
// Positions of the shard falling outside the full value are skipped (they hold the padding).
func copyTile(full, shard shapes.Shape, coords []int, fullData, shardData []byte, toShard bool) {
	elemSize := full.DType.Size()
	rank := full.Rank()
	if shard.Size() == 0 {
		return
	}
	if rank == 0 {
		if toShard {
			copy(shardData, fullData)
		} else {
			copy(fullData, shardData)
		}
		return
	}
	fullStrides := strides(full.Dimensions)
	local := make([]int, rank)
	for shardIdx := 0; shardIdx < shard.Size(); shardIdx++ {
		fullIdx, inside := 0, true
		for axis := 0; axis < rank; axis++ {
			global := coords[axis]*shard.Dimensions[axis] + local[axis]
			if global >= full.Dimensions[axis] {
				inside = false
				break
			}
			fullIdx += global * fullStrides[axis]
		}
		if inside {
			fullElem := fullData[fullIdx*elemSize : (fullIdx+1)*elemSize]
			shardElem := shardData[shardIdx*elemSize : (shardIdx+1)*elemSize]
			if toShard {
				copy(shardElem, fullElem)
			} else {
				copy(fullElem, shardElem)
			}
		}
		// Increment local index, row-major.
		for axis := rank - 1; axis >= 0; axis-- {
			local[axis]++
			if local[axis] < shard.Dimensions[axis] {
				break
			}
			local[axis] = 0
		}
	}
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		s[axis] = stride
		stride *= dims[axis]
	}
	return s
}
