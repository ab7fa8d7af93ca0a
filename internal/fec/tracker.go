package fec

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

// Recovered is one data packet reconstructed from parity, carrying the
// framing the lost packet had on the wire.
type Recovered struct {
	Seq     uint64
	Index   uint8
	Meta    Meta
	Payload []byte
}

// Outcome records how a group was resolved.
type Outcome uint8

const (
	OutcomeDelivered Outcome = iota + 1 // all data arrived normally
	OutcomeRecovered                    // gaps filled from parity
	OutcomeLost                         // recovery window expired short
)

type group struct {
	baseSeq     uint64
	k, r        uint8
	paramsKnown bool
	data        map[uint8][]byte
	repairs     map[uint8][]byte
	shardLen    int
	createdAt   time.Time
	resolved    bool
	outcome     Outcome
}

// GroupTracker is the receiver-side FEC bookkeeper. It accumulates data
// and repair shards per group and reconstructs missing data packets once
// enough members have arrived. A group resolves exactly once.
type GroupTracker struct {
	mu     sync.Mutex
	groups map[uint32]*group
	now    func() time.Time
}

// NewGroupTracker creates an empty tracker.
func NewGroupTracker() *GroupTracker {
	return &GroupTracker{
		groups: make(map[uint32]*group),
		now:    time.Now,
	}
}

func (t *GroupTracker) groupLocked(id uint32) *group {
	g, ok := t.groups[id]
	if !ok {
		g = &group{
			data:      make(map[uint8][]byte),
			repairs:   make(map[uint8][]byte),
			createdAt: t.now(),
		}
		t.groups[id] = g
	}
	return g
}

// AddData records the arrival of a data packet belonging to a group. The
// framing goes into the shard alongside the payload so the receiver's
// shard matrix matches the encoder's. Payload bytes are copied.
func (t *GroupTracker) AddData(groupID uint32, index uint8, seq uint64, meta Meta, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groupLocked(groupID)
	if g.resolved {
		return
	}
	if _, dup := g.data[index]; dup {
		return
	}
	g.data[index] = meta.prepend(payload)
	if index == 0 {
		g.baseSeq = seq
	} else if g.baseSeq == 0 && seq >= uint64(index) {
		g.baseSeq = seq - uint64(index)
	}
}

// AddRepair records the arrival of a parity shard and fixes the group's
// parameters.
func (t *GroupTracker) AddRepair(rep Repair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groupLocked(rep.GroupID)
	if g.resolved {
		return
	}
	if !g.paramsKnown {
		g.k, g.r = rep.K, rep.R
		g.paramsKnown = true
		g.baseSeq = rep.BaseSeq
		g.shardLen = len(rep.Shard)
	}
	if rep.Index < g.k || rep.Index >= g.k+g.r || len(rep.Shard) != g.shardLen {
		// Inconsistent with the group's fixed parameters: hostile or
		// corrupt, ignore.
		return
	}
	if _, dup := g.repairs[rep.Index]; dup {
		return
	}
	shard := make([]byte, len(rep.Shard))
	copy(shard, rep.Shard)
	g.repairs[rep.Index] = shard
}

// Recoverable reports whether a group currently has gaps that parity can
// fill: parameters known, at least one data shard missing, and at least K
// of K+R members present.
func (t *GroupTracker) Recoverable(groupID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok || g.resolved || !g.paramsKnown {
		return false
	}
	return len(g.data) < int(g.k) && len(g.data)+len(g.repairs) >= int(g.k)
}

// TryRecover reconstructs the group's missing data packets if possible and
// resolves the group. It returns the recovered packets in index order. A
// second call for the same group returns nothing: groups resolve once.
func (t *GroupTracker) TryRecover(groupID uint32) ([]Recovered, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[groupID]
	if !ok || g.resolved || !g.paramsKnown {
		return nil, nil
	}
	k, r := int(g.k), int(g.r)
	if len(g.data) >= k {
		g.resolved = true
		g.outcome = OutcomeDelivered
		return nil, nil
	}
	if len(g.data)+len(g.repairs) < k {
		return nil, nil // not enough members yet
	}

	shards := make([][]byte, k+r)
	for idx, p := range g.data {
		if int(idx) >= k {
			continue
		}
		shards[idx] = padShard(p, g.shardLen)
	}
	for idx, s := range g.repairs {
		shards[idx] = s
	}

	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: decoder init: %w", err)
	}
	if err := rs.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("fec: group %d reconstruct: %w", groupID, err)
	}

	var out []Recovered
	for i := 0; i < k; i++ {
		if _, present := g.data[uint8(i)]; present {
			continue
		}
		blob, err := unpadShard(shards[i])
		if err != nil {
			return nil, err
		}
		meta, payload, err := splitMeta(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, Recovered{
			Seq:     g.baseSeq + uint64(i),
			Index:   uint8(i),
			Meta:    meta,
			Payload: payload,
		})
	}
	g.resolved = true
	g.outcome = OutcomeRecovered
	return out, nil
}

// Resolve marks a group resolved with the given outcome without
// reconstruction. Returns false if the group was already resolved, so the
// caller can enforce exactly-once side effects.
func (t *GroupTracker) Resolve(groupID uint32, outcome Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.groupLocked(groupID)
	if g.resolved {
		return false
	}
	g.resolved = true
	g.outcome = outcome
	return true
}

// Sweep drops groups older than maxAge and returns how many were removed.
// Unresolved swept groups count as lost.
func (t *GroupTracker) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxAge)
	removed := 0
	for id, g := range t.groups {
		if g.createdAt.Before(cutoff) {
			delete(t.groups, id)
			removed++
		}
	}
	return removed
}
