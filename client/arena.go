package client

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/internal/xsync"
	"github.com/gomlx/xrt/sharding"
)

// bufferState is the outcome of populating a data handle: either a device buffer or the error that prevented it.
// Sharded and tuple handles have neither.
type bufferState struct {
	buffer backends.Buffer
	err    error
}

// dataRecord holds the state of one data handle. Device and shape never change after creation.
type dataRecord struct {
	id     int64
	device string
	shape  shapes.Shape

	// Set for sharded handles: shards are ordered by shard index.
	spec   *sharding.Spec
	shards []*Data

	// Set for handles holding a tuple result.
	elements []*Data

	// state is triggered exactly once, when the handle is populated (or failed to).
	state *xsync.LatchWithValue[bufferState]

	// bound is set when some producer (a transfer, an execution or Client.Assign) will populate the handle.
	bound atomic.Bool

	refs     atomic.Int64
	released atomic.Bool
	freed    atomic.Bool
}

// handleArena keeps the records of all live data handles, indexed by a stable integer id.
type handleArena struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*dataRecord
}

func newHandleArena() *handleArena {
	return &handleArena{records: make(map[int64]*dataRecord)}
}

// add assigns an id to the record and registers it.
func (a *handleArena) add(rec *dataRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	rec.id = a.nextID
	a.records[rec.id] = rec
}

func (a *handleArena) remove(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, id)
}

func (a *handleArena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
