// Package sharding describes how a logical value is partitioned across devices, and implements the host-side
// split of a value into its shards and the reassembly of shards into the logical value.
package sharding

import (
	"fmt"
	"slices"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// Type of sharding.
type Type int

const (
	// Replicated values have a full copy on every device.
	Replicated Type = iota

	// Maximal values live entirely on one device.
	Maximal

	// Tiled values are split into a grid of tiles, one (or a group of replicas) per device.
	Tiled
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Replicated:
		return "Replicated"
	case Maximal:
		return "Maximal"
	case Tiled:
		return "Tiled"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Spec specifies how a logical value is sharded.
//
// Shards are ordered: shard i is assigned to Devices[i], where devices are indices into the list of devices the
// value is executed on (e.g. the replication devices).
//
// For Tiled specs, TileAssignment holds the number of tiles per axis of the value. If ReplicateOnLastTileDim is set,
// TileAssignment has one extra trailing entry with the number of replicas of each tile. Tiles are enumerated in
// row-major order over TileAssignment.
type Spec struct {
	Type                   Type
	TileAssignment         []int
	Devices                []int
	ReplicateOnLastTileDim bool
}

// NewReplicated returns a spec of a value fully replicated on the given devices.
func NewReplicated(devices ...int) *Spec {
	return &Spec{Type: Replicated, Devices: slices.Clone(devices)}
}

// NewMaximal returns a spec of a value that lives entirely in one device.
func NewMaximal(device int) *Spec {
	return &Spec{Type: Maximal, Devices: []int{device}}
}

// NewTiled returns a spec of a value split in the tiles given, one per device.
func NewTiled(tiles []int, devices ...int) *Spec {
	return &Spec{Type: Tiled, TileAssignment: slices.Clone(tiles), Devices: slices.Clone(devices)}
}

// WithReplicatedLastTileDim sets ReplicateOnLastTileDim. It returns itself, so calls can be chained.
func (s *Spec) WithReplicatedLastTileDim() *Spec {
	s.ReplicateOnLastTileDim = true
	return s
}

// NumShards returns the number of shards the value is split into.
func (s *Spec) NumShards() int {
	switch s.Type {
	case Maximal:
		return 1
	case Tiled:
		n := 1
		for _, tiles := range s.TileAssignment {
			n *= tiles
		}
		return n
	default:
		return len(s.Devices)
	}
}

// Validate checks that the spec is well-formed and applicable to a value of the given shape.
func (s *Spec) Validate(shape shapes.Shape) error {
	if !shape.Ok() || shape.IsTuple() {
		return errors.Errorf("sharding %s cannot be applied to non-array shape %s", s, shape)
	}
	if len(s.Devices) == 0 {
		return errors.Errorf("sharding %s has no devices", s)
	}
	seen := make(map[int]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d < 0 {
			return errors.Errorf("sharding %s has negative device index %d", s, d)
		}
		if seen[d] {
			return errors.Errorf("sharding %s has device index %d repeated", s, d)
		}
		seen[d] = true
	}
	switch s.Type {
	case Replicated:
		return nil
	case Maximal:
		if len(s.Devices) != 1 {
			return errors.Errorf("maximal sharding %s must have exactly one device", s)
		}
		return nil
	case Tiled:
		wantRank := shape.Rank()
		if s.ReplicateOnLastTileDim {
			wantRank++
		}
		if len(s.TileAssignment) != wantRank {
			return errors.Errorf("tiled sharding %s has %d tile axes, but shape %s requires %d",
				s, len(s.TileAssignment), shape, wantRank)
		}
		for axis, tiles := range s.TileAssignment {
			if tiles <= 0 {
				return errors.Errorf("tiled sharding %s has %d tiles on axis #%d, must be > 0", s, tiles, axis)
			}
		}
		if s.NumShards() != len(s.Devices) {
			return errors.Errorf("tiled sharding %s has %d tiles but %d devices", s, s.NumShards(), len(s.Devices))
		}
		return nil
	default:
		return errors.Errorf("unknown sharding type %s", s.Type)
	}
}

// ShardShape returns the shape of each shard of a value with the given shape.
// Tiled shards are padded: each axis has ceil(dim/tiles) elements.
func (s *Spec) ShardShape(shape shapes.Shape) shapes.Shape {
	if s.Type != Tiled {
		return shape.Clone()
	}
	shard := shape.Clone()
	for axis := range shard.Dimensions {
		tiles := s.TileAssignment[axis]
		shard.Dimensions[axis] = (shard.Dimensions[axis] + tiles - 1) / tiles
	}
	return shard
}

// tileCoordinates returns the tile index on each axis of the value (excluding the replication axis) of the
// given shard.
func (s *Spec) tileCoordinates(shardIdx int) (coords []int, replica int) {
	coords = make([]int, len(s.TileAssignment))
	for axis := len(s.TileAssignment) - 1; axis >= 0; axis-- {
		coords[axis] = shardIdx % s.TileAssignment[axis]
		shardIdx /= s.TileAssignment[axis]
	}
	if s.ReplicateOnLastTileDim {
		replica = coords[len(coords)-1]
		coords = coords[:len(coords)-1]
	}
	return
}

// Equal returns whether both specs are the same.
func (s *Spec) Equal(other *Spec) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Type == other.Type && s.ReplicateOnLastTileDim == other.ReplicateOnLastTileDim &&
		slices.Equal(s.TileAssignment, other.TileAssignment) && slices.Equal(s.Devices, other.Devices)
}

// Clone returns a deep copy of the spec.
func (s *Spec) Clone() *Spec {
	if s == nil {
		return nil
	}
	return &Spec{
		Type:                   s.Type,
		TileAssignment:         slices.Clone(s.TileAssignment),
		Devices:                slices.Clone(s.Devices),
		ReplicateOnLastTileDim: s.ReplicateOnLastTileDim,
	}
}

// String implements fmt.Stringer.
func (s *Spec) String() string {
	if s == nil {
		return "Sharding<nil>"
	}
	switch s.Type {
	case Tiled:
		last := ""
		if s.ReplicateOnLastTileDim {
			last = " last_tile_dim_replicate"
		}
		return fmt.Sprintf("{devices=%v tiles=%v%s}", s.Devices, s.TileAssignment, last)
	case Maximal:
		return fmt.Sprintf("{maximal device=%v}", s.Devices)
	default:
		return fmt.Sprintf("{replicated devices=%v}", s.Devices)
	}
}
