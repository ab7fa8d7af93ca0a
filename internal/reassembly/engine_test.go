package reassembly

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bondcast/core/internal/classify"
	"github.com/bondcast/core/internal/fec"
	"github.com/bondcast/core/internal/observability"
	"github.com/bondcast/core/internal/wire"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	engine    *Engine
	clock     *fakeClock
	delivered []Packet
	controls  []wire.Control
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock()}
	h.engine = NewEngine(uuid.New(), cfg,
		func(p Packet) { h.delivered = append(h.delivered, p) },
		func(c wire.Control) { h.controls = append(h.controls, c) },
		observability.NopLogger(), nil)
	h.engine.now = h.clock.Now
	return h
}

func (h *harness) ingest(t *testing.T, seq uint64, payload []byte) {
	t.Helper()
	h.ingestPacket(t, &wire.DataPacket{
		Seq:       seq,
		Tier:      classify.TierReference,
		FragCount: 1,
		Checksum:  wire.PayloadChecksum(payload),
		Payload:   payload,
	})
}

func (h *harness) ingestPacket(t *testing.T, p *wire.DataPacket) {
	t.Helper()
	if err := h.engine.Ingest(uuid.Nil, p); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) deliveredSeqs() []uint64 {
	out := make([]uint64, len(h.delivered))
	for i, p := range h.delivered {
		out[i] = p.Seq
	}
	return out
}

func (h *harness) nacks() []wire.Nack {
	var out []wire.Nack
	for _, c := range h.controls {
		if n, ok := c.(wire.Nack); ok {
			out = append(out, n)
		}
	}
	return out
}

func seqsEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEngine_InOrderDelivery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for seq := uint64(1); seq <= 5; seq++ {
		h.ingest(t, seq, []byte{byte(seq)})
	}
	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
	if got := h.engine.State(); got != StateDelivering {
		t.Fatalf("state = %v, want delivering", got)
	}
}

func TestEngine_ReorderedAcrossLinksDeliveredInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for _, seq := range []uint64{1, 3, 2, 5, 4} {
		h.ingest(t, seq, []byte{byte(seq)})
	}
	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
}

// A fast link can land a mid-stream packet before the stream head arrives
// on a slower one. Nothing may be delivered or discarded until the head
// shows up.
func TestEngine_LateStreamHeadStillDelivered(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ingest(t, 3, []byte{3})
	if len(h.delivered) != 0 {
		t.Fatalf("delivered ahead of the stream head: %v", h.deliveredSeqs())
	}
	if got := h.engine.State(); got != StateRecovering {
		t.Fatalf("state = %v, want recovering", got)
	}
	h.ingest(t, 1, []byte{1})
	h.ingest(t, 2, []byte{2})
	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3}) {
		t.Fatalf("stream head was discarded: %v", h.deliveredSeqs())
	}
}

// A stream head that never arrives surfaces as loss markers, not a silent
// re-anchor.
func TestEngine_MissingStreamHeadSurfacesLoss(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	h.ingest(t, 3, []byte{3})
	h.clock.Advance(cfg.MaxWait)
	h.engine.Tick()
	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
	if !h.delivered[0].Lost || !h.delivered[1].Lost || h.delivered[2].Lost {
		t.Fatalf("head gap not surfaced as loss markers: %+v", h.delivered)
	}
}

func TestEngine_DuplicatesDiscarded(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ingest(t, 1, []byte{1})
	h.ingest(t, 2, []byte{2})
	h.ingest(t, 1, []byte{1}) // already delivered
	h.ingest(t, 4, []byte{4})
	h.ingest(t, 4, []byte{4}) // already buffered
	h.ingest(t, 3, []byte{3})
	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3, 4}) {
		t.Fatalf("duplicates leaked: %v", h.deliveredSeqs())
	}
}

func TestEngine_ChecksumMismatchDropped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ingestPacket(t, &wire.DataPacket{
		Seq:       1,
		FragCount: 1,
		Checksum:  0xdeadbeef, // wrong on purpose
		Payload:   []byte{1, 2, 3},
	})
	if len(h.delivered) != 0 {
		t.Fatalf("corrupt packet was delivered")
	}
}

func TestEngine_AcksEveryAcceptedPacket(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ingest(t, 1, []byte{1})
	h.ingest(t, 3, []byte{3})
	var acks []uint64
	for _, c := range h.controls {
		if a, ok := c.(wire.Ack); ok {
			acks = append(acks, a.Seq)
		}
	}
	if !seqsEqual(acks, []uint64{1, 3}) {
		t.Fatalf("acks = %v, want [1 3]", acks)
	}
}

func TestEngine_GapNacksAfterDelayAndRepeats(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	h.ingest(t, 1, []byte{1})
	h.ingest(t, 4, []byte{4}) // 2 and 3 missing
	if got := h.engine.State(); got != StateRecovering {
		t.Fatalf("state = %v, want recovering", got)
	}

	h.engine.Tick() // inside NackDelay, silent
	if len(h.nacks()) != 0 {
		t.Fatal("nacked before the reorder window expired")
	}

	h.clock.Advance(cfg.NackDelay)
	h.engine.Tick()
	nacks := h.nacks()
	if len(nacks) != 1 || nacks[0].Seq != 2 || nacks[0].Count != 2 {
		t.Fatalf("nacks = %+v, want one covering seqs 2-3", nacks)
	}

	h.engine.Tick() // inside NackInterval, no repeat yet
	if len(h.nacks()) != 1 {
		t.Fatal("nack repeated too early")
	}
	h.clock.Advance(cfg.NackInterval)
	h.engine.Tick()
	if len(h.nacks()) != 2 {
		t.Fatal("nack was not repeated after the retry interval")
	}

	// Retransmits arrive; the stream drains in order.
	h.ingest(t, 2, []byte{2})
	h.ingest(t, 3, []byte{3})
	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3, 4}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
	if got := h.engine.State(); got != StateDelivering {
		t.Fatalf("state = %v, want delivering", got)
	}
}

func TestEngine_GapSurfacesLossMarkersAfterMaxWait(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	h.ingest(t, 1, []byte{1})
	h.ingest(t, 4, []byte{4})

	h.clock.Advance(cfg.MaxWait)
	h.engine.Tick()

	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3, 4}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
	if !h.delivered[1].Lost || !h.delivered[2].Lost {
		t.Fatal("missing sequences were not surfaced as loss markers")
	}
	if h.delivered[3].Lost {
		t.Fatal("a real packet was marked lost")
	}

	// A straggler for a lost sequence is a duplicate now.
	h.ingest(t, 2, []byte{2})
	if len(h.delivered) != 4 {
		t.Fatal("lost sequence was delivered twice")
	}
}

func TestEngine_FecFillsGapWithoutNack(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)

	enc, err := fec.NewGroupEncoder(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	payloads := [][]byte{{0xA0}, {0xB1, 0xB2}, {0xC3}, {0xD4, 0xD5, 0xD6}}
	type member struct {
		groupID uint32
		index   uint8
	}
	members := make([]member, 4)
	var repairs []fec.Repair
	meta := fec.Meta{Tier: uint8(classify.TierReference), FragCount: 1}
	for i, p := range payloads {
		gid, idx, reps, err := enc.Add(uint64(i+1), meta, p)
		if err != nil {
			t.Fatal(err)
		}
		members[i] = member{gid, idx}
		repairs = append(repairs, reps...)
	}
	if len(repairs) != 2 {
		t.Fatalf("expected 2 repair shards, got %d", len(repairs))
	}

	// Sequence 3 never arrives.
	for _, i := range []int{0, 1, 3} {
		h.ingestPacket(t, &wire.DataPacket{
			Seq:        uint64(i + 1),
			Tier:       classify.TierReference,
			GroupID:    members[i].groupID,
			GroupIndex: members[i].index,
			FragCount:  1,
			Checksum:   wire.PayloadChecksum(payloads[i]),
			Payload:    payloads[i],
		})
	}
	for _, rep := range repairs {
		err := h.engine.IngestRepair(wire.FecRepair{
			GroupID: rep.GroupID,
			Index:   rep.Index,
			K:       rep.K,
			R:       rep.R,
			BaseSeq: rep.BaseSeq,
			Shard:   rep.Shard,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3, 4}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
	rec := h.delivered[2]
	if !rec.Recovered || string(rec.Payload) != string(payloads[2]) {
		t.Fatalf("seq 3 not recovered from parity: %+v", rec)
	}
	if len(h.nacks()) != 0 {
		t.Fatal("nacked a gap that parity already covered")
	}
}

// A reconstructed packet that was one fragment of a larger unit must come
// back with its fragment position so the unit reassembles intact.
func TestEngine_FecRecoveryPreservesFragmentFraming(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	enc, err := fec.NewGroupEncoder(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	payloads := [][]byte{{0x11, 0x12}, {0x13}, {0x14, 0x15}}
	metas := []fec.Meta{
		{Tier: uint8(classify.TierReference), FragIndex: 0, FragCount: 3},
		{Tier: uint8(classify.TierReference), FragIndex: 1, FragCount: 3},
		{Tier: uint8(classify.TierReference), FragIndex: 2, FragCount: 3},
	}
	var repairs []fec.Repair
	for i := range payloads {
		_, _, reps, err := enc.Add(uint64(i+1), metas[i], payloads[i])
		if err != nil {
			t.Fatal(err)
		}
		repairs = append(repairs, reps...)
	}

	// The middle fragment is lost; head and tail arrive.
	for _, i := range []int{0, 2} {
		h.ingestPacket(t, &wire.DataPacket{
			Seq:        uint64(i + 1),
			Tier:       classify.Tier(metas[i].Tier),
			GroupID:    0,
			GroupIndex: uint8(i),
			FragIndex:  metas[i].FragIndex,
			FragCount:  metas[i].FragCount,
			Checksum:   wire.PayloadChecksum(payloads[i]),
			Payload:    payloads[i],
		})
	}
	if err := h.engine.IngestRepair(wire.FecRepair{
		GroupID: repairs[0].GroupID,
		Index:   repairs[0].Index,
		K:       repairs[0].K,
		R:       repairs[0].R,
		BaseSeq: repairs[0].BaseSeq,
		Shard:   repairs[0].Shard,
	}); err != nil {
		t.Fatal(err)
	}

	if !seqsEqual(h.deliveredSeqs(), []uint64{1, 2, 3}) {
		t.Fatalf("unexpected delivery order %v", h.deliveredSeqs())
	}
	rec := h.delivered[1]
	if !rec.Recovered || rec.FragIndex != 1 || rec.FragCount != 3 {
		t.Fatalf("recovered fragment lost its framing: %+v", rec)
	}
	if string(rec.Payload) != string(payloads[1]) {
		t.Fatalf("recovered payload mismatch: %x", rec.Payload)
	}

	// The assembler sees a complete unit, not a voided one.
	var units []Unit
	asm := NewAssembler(func(u Unit) { units = append(units, u) })
	for _, p := range h.delivered {
		asm.Push(p)
	}
	if len(units) != 1 || units[0].Lost {
		t.Fatalf("fragments did not reassemble: %+v", units)
	}
	if string(units[0].Data) != string([]byte{0x11, 0x12, 0x13, 0x14, 0x15}) {
		t.Fatalf("unit bytes corrupted: %x", units[0].Data)
	}
}

func TestEngine_BufferBoundForcesAdvance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBuffer = 8
	h := newHarness(t, cfg)
	h.ingest(t, 1, []byte{1})
	for seq := uint64(3); seq <= 12; seq++ { // 2 missing, 10 buffered
		h.ingest(t, seq, []byte{byte(seq)})
	}
	h.engine.Tick()
	if !h.delivered[1].Lost || h.delivered[1].Seq != 2 {
		t.Fatalf("expected loss marker for seq 2, got %+v", h.delivered[1])
	}
	if h.deliveredSeqs()[len(h.delivered)-1] != 12 {
		t.Fatalf("stream did not resume after eviction: %v", h.deliveredSeqs())
	}
}

func TestEngine_ClosedRejectsInput(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ingest(t, 1, []byte{1})
	h.engine.Close()
	err := h.engine.Ingest(uuid.Nil, &wire.DataPacket{
		Seq:       2,
		FragCount: 1,
		Checksum:  wire.PayloadChecksum([]byte{2}),
		Payload:   []byte{2},
	})
	if err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if got := h.engine.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

// Any interleaving of a window of packets, including duplicates, delivers
// each sequence exactly once in order.
func TestEngine_ArbitraryInterleavingStaysOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		h := newHarness(t, DefaultConfig())
		const n = 40
		order := rng.Perm(n)
		for _, i := range order {
			h.ingest(t, uint64(i+1), []byte{byte(i)})
			if rng.Intn(4) == 0 {
				h.ingest(t, uint64(i+1), []byte{byte(i)}) // duplicate
			}
		}
		want := make([]uint64, n)
		for i := range want {
			want[i] = uint64(i + 1)
		}
		if !seqsEqual(h.deliveredSeqs(), want) {
			t.Fatalf("trial %d: out of order or duplicated: %v", trial, h.deliveredSeqs())
		}
	}
}
