// Package reassembly implements the receiver side of a bonded session:
// deduplication, in-order delivery through a reorder buffer, nack-driven
// gap repair, FEC recovery, and explicit loss surfacing when a gap cannot
// be filled in time.
package reassembly

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bondcast/core/internal/classify"
	"github.com/bondcast/core/internal/fec"
	"github.com/bondcast/core/internal/observability"
	"github.com/bondcast/core/internal/wire"
)

// ErrClosed is returned when packets arrive after Close.
var ErrClosed = errors.New("reassembly: engine closed")

// State describes what the engine is currently doing.
type State uint8

const (
	// StateBuffering means no packet has been delivered yet.
	StateBuffering State = iota + 1
	// StateDelivering means the stream is flowing in order with no gap.
	StateDelivering
	// StateRecovering means delivery is stalled on a sequence gap.
	StateRecovering
	// StateClosed means the engine rejects all further input.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StateDelivering:
		return "delivering"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes the reorder buffer and gap repair timing.
type Config struct {
	// NackDelay is how long a gap may stand before the first nack. Short
	// reorderings across links heal themselves within this window.
	NackDelay time.Duration
	// NackInterval spaces repeated nacks for the same gap.
	NackInterval time.Duration
	// MaxWait bounds how long delivery stalls on a gap before the missing
	// sequences are declared lost and surfaced as loss markers.
	MaxWait time.Duration
	// MaxBuffer bounds the reorder buffer. Exceeding it forces the oldest
	// gap to resolve as lost so memory stays bounded under pathological
	// reordering.
	MaxBuffer int
	// GroupSweepAge prunes stale FEC group state.
	GroupSweepAge time.Duration
}

// DefaultConfig returns receiver defaults tuned for sub-second glass-to-
// glass latency.
func DefaultConfig() Config {
	return Config{
		NackDelay:     30 * time.Millisecond,
		NackInterval:  50 * time.Millisecond,
		MaxWait:       250 * time.Millisecond,
		MaxBuffer:     1024,
		GroupSweepAge: 5 * time.Second,
	}
}

// Packet is one in-order delivery from the engine. Exactly one of the
// normal, Recovered, and Lost forms applies: a Lost packet carries no
// payload and stands in for a sequence number that never arrived.
type Packet struct {
	Seq       uint64
	Tier      classify.Tier
	Payload   []byte
	FragIndex uint8
	FragCount uint8
	Recovered bool
	Lost      bool
}

type buffered struct {
	tier      classify.Tier
	payload   []byte
	fragIndex uint8
	fragCount uint8
	recovered bool
}

// Engine reassembles one session's stream from packets arriving over any
// number of links. Deliveries happen in strict sequence order with no
// duplicates; gaps surface as loss markers rather than silent skips.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	session uuid.UUID

	lastDelivered uint64
	buffer        map[uint64]buffered
	groups        map[uint32]struct{}
	state         State

	gapSince time.Time
	lastNack time.Time

	tracker *fec.GroupTracker

	deliver     func(Packet)
	sendControl func(wire.Control)

	log     *observability.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewEngine creates a reassembly engine for one session. deliver receives
// in-order packets and loss markers; sendControl carries acks and nacks
// back toward the sender and may be nil.
func NewEngine(session uuid.UUID, cfg Config, deliver func(Packet), sendControl func(wire.Control), log *observability.Logger, metrics *observability.Metrics) *Engine {
	if sendControl == nil {
		sendControl = func(wire.Control) {}
	}
	return &Engine{
		cfg:         cfg,
		session:     session,
		buffer:      make(map[uint64]buffered),
		groups:      make(map[uint32]struct{}),
		state:       StateBuffering,
		tracker:     fec.NewGroupTracker(),
		deliver:     deliver,
		sendControl: sendControl,
		log:         log.WithSession(session),
		metrics:     metrics,
		now:         time.Now,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ingest accepts one data packet from any link. Duplicates and packets
// failing their payload checksum are discarded. Whatever became
// contiguous is delivered before Ingest returns.
func (e *Engine) Ingest(from uuid.UUID, p *wire.DataPacket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return ErrClosed
	}
	if wire.PayloadChecksum(p.Payload) != p.Checksum {
		if e.metrics != nil {
			e.metrics.ChecksumErrorsTotal.Inc()
		}
		return nil
	}
	if p.Seq == 0 {
		return nil // sequence numbers start at 1
	}
	if e.metrics != nil {
		e.metrics.PacketsReceivedTotal.WithLabelValues(from.String()).Inc()
	}

	// The stream head is a fixed anchor at seq 1. A packet arriving ahead
	// of its predecessors opens a gap, never a silent discard of whatever
	// is still in flight on slower links.
	if p.Seq <= e.lastDelivered {
		if e.metrics != nil {
			e.metrics.DuplicatesDiscarded.Inc()
		}
		return nil
	}
	if _, dup := e.buffer[p.Seq]; dup {
		if e.metrics != nil {
			e.metrics.DuplicatesDiscarded.Inc()
		}
		return nil
	}

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	e.buffer[p.Seq] = buffered{
		tier:      p.Tier,
		payload:   payload,
		fragIndex: p.FragIndex,
		fragCount: p.FragCount,
	}
	e.tracker.AddData(p.GroupID, p.GroupIndex, p.Seq, fec.Meta{
		Tier:      uint8(p.Tier),
		FragIndex: p.FragIndex,
		FragCount: p.FragCount,
	}, p.Payload)
	e.groups[p.GroupID] = struct{}{}
	e.sendControl(wire.Ack{Seq: p.Seq})

	e.drainLocked()
	return nil
}

// IngestRepair accepts one FEC repair shard. If it completes a group whose
// data packets have gaps, the missing packets are reconstructed and fed
// into the reorder buffer immediately, ahead of any retransmit.
func (e *Engine) IngestRepair(rep wire.FecRepair) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return ErrClosed
	}
	e.tracker.AddRepair(fec.Repair{
		GroupID: rep.GroupID,
		Index:   rep.Index,
		K:       rep.K,
		R:       rep.R,
		BaseSeq: rep.BaseSeq,
		Shard:   rep.Shard,
	})
	e.groups[rep.GroupID] = struct{}{}
	e.recoverGroupLocked(rep.GroupID)
	e.drainLocked()
	return nil
}

// Tick drives gap repair and housekeeping. Call it on a short interval,
// comparable to NackDelay.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return
	}
	if e.state == StateRecovering {
		e.repairGapLocked()
	}
	if len(e.buffer) > e.cfg.MaxBuffer {
		e.forceAdvanceLocked()
	}
	e.tracker.Sweep(e.cfg.GroupSweepAge)
	if e.metrics != nil {
		e.metrics.ReorderBufferDepth.Set(float64(len(e.buffer)))
	}
}

// Close stops the engine. Buffered packets past the gap are discarded;
// never delivered out of order.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateClosed
	e.buffer = make(map[uint64]buffered)
}

// drainLocked delivers every contiguous packet at the head of the buffer,
// then reevaluates whether a gap remains.
func (e *Engine) drainLocked() {
	for {
		b, ok := e.buffer[e.lastDelivered+1]
		if !ok {
			break
		}
		seq := e.lastDelivered + 1
		delete(e.buffer, seq)
		e.lastDelivered = seq
		e.deliver(Packet{
			Seq:       seq,
			Tier:      b.tier,
			Payload:   b.payload,
			FragIndex: b.fragIndex,
			FragCount: b.fragCount,
			Recovered: b.recovered,
		})
	}
	if len(e.buffer) == 0 {
		if e.lastDelivered > 0 {
			e.state = StateDelivering
		}
		e.gapSince = time.Time{}
		return
	}
	// Something is buffered beyond a hole.
	if e.state != StateRecovering {
		e.state = StateRecovering
		e.gapSince = e.now()
		e.lastNack = time.Time{}
	}
}

// repairGapLocked escalates a standing gap: FEC first, then nacks, then
// loss markers once MaxWait expires.
func (e *Engine) repairGapLocked() {
	now := e.now()
	if now.Sub(e.gapSince) < e.cfg.NackDelay {
		return
	}

	// Parity may already cover the hole; recovery is cheaper than a
	// network round trip.
	for id := range e.groups {
		if e.tracker.Recoverable(id) {
			e.recoverGroupLocked(id)
		}
	}
	e.drainLocked()
	if e.state != StateRecovering {
		return
	}

	if now.Sub(e.gapSince) >= e.cfg.MaxWait {
		e.forceAdvanceLocked()
		return
	}

	if e.lastNack.IsZero() || now.Sub(e.lastNack) >= e.cfg.NackInterval {
		first, count := e.missingRunLocked()
		if count > 0 {
			e.sendControl(wire.Nack{Seq: first, Count: count})
			e.lastNack = now
			if e.metrics != nil {
				e.metrics.NacksSentTotal.Inc()
			}
		}
	}
}

// recoverGroupLocked reconstructs a group's missing packets and buffers
// any that are still deliverable, under the framing they were sent with.
func (e *Engine) recoverGroupLocked(groupID uint32) {
	recovered, err := e.tracker.TryRecover(groupID)
	if err != nil {
		e.log.Error(err, "fec recovery failed")
		return
	}
	if len(recovered) == 0 {
		return
	}
	n := 0
	for _, r := range recovered {
		if r.Seq <= e.lastDelivered {
			continue
		}
		if _, dup := e.buffer[r.Seq]; dup {
			continue
		}
		e.buffer[r.Seq] = buffered{
			tier:      classify.Tier(r.Meta.Tier),
			payload:   r.Payload,
			fragIndex: r.Meta.FragIndex,
			fragCount: r.Meta.FragCount,
			recovered: true,
		}
		n++
	}
	if n > 0 {
		e.log.FecRecovered(groupID, n)
		if e.metrics != nil {
			e.metrics.FecRecoveriesTotal.Add(float64(n))
		}
	}
}

// forceAdvanceLocked declares the head gap lost: every missing sequence up
// to the next buffered packet is surfaced as a loss marker, then delivery
// resumes.
func (e *Engine) forceAdvanceLocked() {
	next, ok := e.lowestBufferedLocked()
	if !ok {
		return
	}
	for seq := e.lastDelivered + 1; seq < next; seq++ {
		e.lastDelivered = seq
		e.log.SequenceLost(seq)
		if e.metrics != nil {
			e.metrics.SequencesLostTotal.Inc()
		}
		e.deliver(Packet{Seq: seq, Lost: true})
	}
	e.drainLocked()
}

// missingRunLocked returns the first missing sequence and the length of
// its contiguous run, capped at what one nack can express.
func (e *Engine) missingRunLocked() (uint64, uint16) {
	next, ok := e.lowestBufferedLocked()
	if !ok {
		return 0, 0
	}
	first := e.lastDelivered + 1
	run := next - first
	if run > 65535 {
		run = 65535
	}
	return first, uint16(run)
}

func (e *Engine) lowestBufferedLocked() (uint64, bool) {
	var min uint64
	found := false
	for seq := range e.buffer {
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	return min, found
}
