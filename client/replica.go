package client

import (
	"sync"

	"github.com/gomlx/xrt/backends"
	"github.com/gomlx/xrt/literal"
	"github.com/pkg/errors"
)

// errReplicaAborted is returned to replicas of a group once any of them failed.
var errReplicaAborted = errors.New("replica group aborted")

// replicaGroup connects the replicas of one execution, so they can exchange values and abort together.
type replicaGroup struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	rounds map[int]*gatherRound
	err    error
}

type gatherRound struct {
	values   []*literal.Literal
	arrived  int
	consumed int
}

func newReplicaGroup(size int) *replicaGroup {
	g := &replicaGroup{size: size, rounds: make(map[int]*gatherRound)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// abort makes all pending and future exchanges fail. Only the first error is kept.
func (g *replicaGroup) abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
	}
	g.cond.Broadcast()
}

// replica returns the backends.Replica of the given index.
func (g *replicaGroup) replica(index int) *backends.Replica {
	return &backends.Replica{Index: index, Count: g.size, Collective: &replicaMember{group: g, index: index}}
}

// replicaMember implements backends.Collective for one replica.
type replicaMember struct {
	group *replicaGroup
	index int
	round int
}

// AllGather implements backends.Collective.
func (m *replicaMember) AllGather(value *literal.Literal) ([]*literal.Literal, error) {
	g := m.group
	roundIdx := m.round
	m.round++

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, errors.Wrapf(errReplicaAborted, "replica %d", m.index)
	}
	round, found := g.rounds[roundIdx]
	if !found {
		round = &gatherRound{values: make([]*literal.Literal, g.size)}
		g.rounds[roundIdx] = round
	}
	round.values[m.index] = value
	round.arrived++
	g.cond.Broadcast()
	for round.arrived < g.size && g.err == nil {
		g.cond.Wait()
	}
	if round.arrived < g.size {
		return nil, errors.Wrapf(errReplicaAborted, "replica %d", m.index)
	}
	values := append([]*literal.Literal(nil), round.values...)
	round.consumed++
	if round.consumed == g.size {
		delete(g.rounds, roundIdx)
	}
	return values, nil
}
