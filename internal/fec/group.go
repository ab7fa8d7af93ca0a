// Package fec generates Reed-Solomon redundancy over fixed-size windows of
// outgoing data packets and reconstructs missing packets on the receiver
// when enough group members survive.
package fec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// Repair is one parity shard for a group, carried to the receiver as a
// FecRepair control message.
type Repair struct {
	GroupID uint32
	Index   uint8 // shard index in [K, K+R)
	K       uint8
	R       uint8
	BaseSeq uint64
	Shard   []byte
}

// Meta is the framing a data packet carries outside its payload. It is
// folded into the protected shard so a reconstructed packet re-enters the
// stream with its original tier and fragment position instead of posing
// as a standalone unit.
type Meta struct {
	Tier      uint8
	FragIndex uint8
	FragCount uint8
}

const metaLen = 3

func (m Meta) prepend(payload []byte) []byte {
	blob := make([]byte, metaLen+len(payload))
	blob[0], blob[1], blob[2] = m.Tier, m.FragIndex, m.FragCount
	copy(blob[metaLen:], payload)
	return blob
}

func splitMeta(blob []byte) (Meta, []byte, error) {
	if len(blob) < metaLen {
		return Meta{}, nil, fmt.Errorf("fec: shard misses framing: %d bytes", len(blob))
	}
	return Meta{Tier: blob[0], FragIndex: blob[1], FragCount: blob[2]}, blob[metaLen:], nil
}

func validateParams(k, r int) error {
	if k < 1 || k > 128 {
		return fmt.Errorf("fec: data shards must be between 1 and 128, got %d", k)
	}
	if r < 1 || r > 64 {
		return fmt.Errorf("fec: parity shards must be between 1 and 64, got %d", r)
	}
	return nil
}

// GroupEncoder collects consecutive data packet payloads into groups of K
// and emits R parity shards when a group fills. Redundancy changes apply
// at the next group boundary so a group's parameters never change once
// its first packet is out.
type GroupEncoder struct {
	mu       sync.Mutex
	k        int
	r        int
	pendingR int
	groupID  uint32
	baseSeq  uint64
	payloads [][]byte
}

// NewGroupEncoder creates a group encoder with K data and R parity shards
// per group.
func NewGroupEncoder(k, r int) (*GroupEncoder, error) {
	if err := validateParams(k, r); err != nil {
		return nil, err
	}
	return &GroupEncoder{k: k, r: r, pendingR: r}, nil
}

// Params returns the current K and R.
func (e *GroupEncoder) Params() (k, r int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.k, e.r
}

// SetRedundancy adjusts the parity shard count, effective from the next
// group.
func (e *GroupEncoder) SetRedundancy(r int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateParams(e.k, r); err != nil {
		return err
	}
	e.pendingR = r
	return nil
}

// Add appends one outgoing packet to the open group and returns the group
// id and index the packet must carry on the wire. Parity covers framing
// and payload together. When the group fills, Add also returns its parity
// shards. Sequence numbers must be consecutive within a group.
func (e *GroupEncoder) Add(seq uint64, meta Meta, payload []byte) (groupID uint32, index uint8, repairs []Repair, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.payloads) == 0 {
		e.baseSeq = seq
	}
	groupID = e.groupID
	index = uint8(len(e.payloads))

	e.payloads = append(e.payloads, meta.prepend(payload))

	if len(e.payloads) < e.k {
		return groupID, index, nil, nil
	}

	repairs, err = encodeGroup(e.groupID, e.baseSeq, e.payloads, e.r)
	e.payloads = e.payloads[:0]
	e.groupID++
	e.r = e.pendingR
	if err != nil {
		return groupID, index, nil, err
	}
	return groupID, index, repairs, nil
}

// encodeGroup pads the payloads into uniform shards and computes parity.
// Shards carry a 2-byte length prefix so reconstruction can strip padding.
func encodeGroup(groupID uint32, baseSeq uint64, payloads [][]byte, r int) ([]Repair, error) {
	k := len(payloads)
	shardLen := 0
	for _, p := range payloads {
		if len(p) > shardLen {
			shardLen = len(p)
		}
	}
	shardLen += 2

	shards := make([][]byte, k+r)
	for i, p := range payloads {
		shards[i] = padShard(p, shardLen)
	}
	for i := k; i < k+r; i++ {
		shards[i] = make([]byte, shardLen)
	}

	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("fec: encoder init: %w", err)
	}
	if err := rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: group %d encode: %w", groupID, err)
	}

	repairs := make([]Repair, r)
	for i := 0; i < r; i++ {
		repairs[i] = Repair{
			GroupID: groupID,
			Index:   uint8(k + i),
			K:       uint8(k),
			R:       uint8(r),
			BaseSeq: baseSeq,
			Shard:   shards[k+i],
		}
	}
	return repairs, nil
}

func padShard(payload []byte, shardLen int) []byte {
	s := make([]byte, shardLen)
	binary.BigEndian.PutUint16(s, uint16(len(payload)))
	copy(s[2:], payload)
	return s
}

func unpadShard(shard []byte) ([]byte, error) {
	if len(shard) < 2 {
		return nil, fmt.Errorf("fec: shard too short: %d bytes", len(shard))
	}
	n := int(binary.BigEndian.Uint16(shard))
	if n > len(shard)-2 {
		return nil, fmt.Errorf("fec: shard declares %d payload bytes, has %d", n, len(shard)-2)
	}
	out := make([]byte, n)
	copy(out, shard[2:2+n])
	return out, nil
}
