package bonding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bondcast/core/internal/classify"
	"github.com/bondcast/core/internal/health"
	"github.com/bondcast/core/internal/observability"
	"github.com/bondcast/core/internal/transport"
	"github.com/bondcast/core/internal/wire"
)

// peerCounter drains one peer end of a pipe and tallies decoded data
// packets by tier and sequence.
type peerCounter struct {
	mu      sync.Mutex
	byTier  map[classify.Tier]int
	bySeq   map[uint64]int
	packets int
}

func newPeerCounter() *peerCounter {
	return &peerCounter{
		byTier: make(map[classify.Tier]int),
		bySeq:  make(map[uint64]int),
	}
}

func (c *peerCounter) run(ctx context.Context, peer transport.Link) {
	for {
		buf, err := peer.Receive(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf)
		if err != nil {
			continue
		}
		if p, ok := msg.(*wire.DataPacket); ok {
			c.mu.Lock()
			c.byTier[p.Tier]++
			c.bySeq[p.Seq]++
			c.packets++
			c.mu.Unlock()
		}
	}
}

func (c *peerCounter) tier(t classify.Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byTier[t]
}

func (c *peerCounter) seq(seq uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySeq[seq]
}

func (c *peerCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

type schedFixture struct {
	sched   *Scheduler
	monitor *health.Monitor
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, cfg Config, onAllDead func()) *schedFixture {
	t.Helper()
	monitor := health.NewMonitor(health.DefaultConfig(), observability.NopLogger(), nil, nil)
	sched, err := NewScheduler(uuid.New(), cfg, monitor, observability.NopLogger(), nil, onAllDead)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(cancel)
	return &schedFixture{sched: sched, monitor: monitor, cancel: cancel}
}

// addPipe attaches a fresh pipe link to the scheduler and returns the
// peer end plus a running counter.
func (f *schedFixture) addPipe(ctx context.Context, opts transport.PipeOptions) (*transport.PipeLink, *peerCounter) {
	local, peer := transport.Pipe(opts)
	f.sched.AddLink(ctx, local)
	c := newPeerCounter()
	go c.run(ctx, peer)
	return peer, c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestScheduler_ParameterSetsDuplicatedToAllLiveLinks(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	_, c1 := f.addPipe(ctx, transport.PipeOptions{Seed: 1})
	_, c2 := f.addPipe(ctx, transport.PipeOptions{Seed: 2})

	f.sched.Send(classify.Unit{Tier: classify.TierParameterSet, Data: []byte{0x67, 0x42}})

	waitFor(t, time.Second, func() bool {
		return c1.tier(classify.TierParameterSet) == 1 && c2.tier(classify.TierParameterSet) == 1
	})
	// Both copies carry the same sequence number.
	if c1.seq(1) != 1 || c2.seq(1) != 1 {
		t.Fatalf("expected seq 1 on both links, got %d and %d", c1.seq(1), c2.seq(1))
	}
}

// Scenario: link A at 30% loss, link B clean, equal capacity. The health
// monitor scores B far above A, so the large majority of high-priority
// traffic rides B.
func TestScheduler_PrefersHealthyLink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	lossyLocal, lossyPeer := transport.Pipe(transport.PipeOptions{LossRate: 0.3, Capacity: 2048, Seed: 11})
	cleanLocal, cleanPeer := transport.Pipe(transport.PipeOptions{Capacity: 2048, Seed: 12})
	f.sched.AddLink(ctx, lossyLocal)
	f.sched.AddLink(ctx, cleanLocal)
	lossyCount, cleanCount := newPeerCounter(), newPeerCounter()
	go lossyCount.run(ctx, lossyPeer)
	go cleanCount.run(ctx, cleanPeer)

	for i := 0; i < 10; i++ {
		f.monitor.ObserveTransport(lossyLocal.ID(), 0.30, 25)
		f.monitor.ObserveTransport(cleanLocal.ID(), 0.0, 5)
	}
	time.Sleep(50 * time.Millisecond) // let a tick refresh link scores

	const units = 200
	for i := 0; i < units; i++ {
		f.sched.Send(classify.Unit{Tier: classify.TierReference, Data: []byte{0x65, byte(i)}})
	}

	waitFor(t, 2*time.Second, func() bool {
		return cleanCount.tier(classify.TierReference) >= units*8/10
	})
	if lossy, clean := lossyCount.total(), cleanCount.total(); lossy*3 > clean {
		t.Fatalf("lossy link carried too much traffic: lossy=%d clean=%d", lossy, clean)
	}
}

func TestScheduler_ShedsDroppableFirstUnderCongestion(t *testing.T) {
	cfg := DefaultConfig()
	// No probes or ticks: the only frames on the wire are ours.
	cfg.TickInterval = time.Hour
	cfg.PingInterval = time.Hour
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	local, peer := transport.Pipe(transport.PipeOptions{Capacity: 4, Seed: 21})
	f.sched.AddLink(ctx, local)

	// Nobody drains the peer yet, so the link queue fills.
	for i := 0; i < 6; i++ {
		f.sched.Send(classify.Unit{Tier: classify.TierReference, Data: []byte{0x65, byte(i)}})
	}
	waitFor(t, time.Second, func() bool {
		queued, capacity := local.Occupancy()
		return queued == capacity
	})

	// Droppable units are shed outright while headroom is gone.
	for i := 0; i < 10; i++ {
		f.sched.Send(classify.Unit{Tier: classify.TierDroppable, Data: []byte{0x01, byte(i)}})
	}
	f.sched.Telemetry() // round-trips the event loop: sheds have happened

	// Drain and verify: reference traffic got through, droppable did not.
	c := newPeerCounter()
	go c.run(ctx, peer)
	waitFor(t, time.Second, func() bool {
		queued, _ := local.Occupancy()
		return queued == 0 && c.tier(classify.TierReference) >= 3
	})

	base := c.tier(classify.TierReference)
	f.sched.Send(classify.Unit{Tier: classify.TierReference, Data: []byte{0x65, 0xFF}})
	waitFor(t, time.Second, func() bool { return c.tier(classify.TierReference) == base+1 })
	if got := c.tier(classify.TierDroppable); got != 0 {
		t.Fatalf("droppable units should be shed under congestion, %d got through", got)
	}
}

func TestScheduler_RetransmitsOnNack(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	peer, c := f.addPipe(ctx, transport.PipeOptions{Seed: 31})

	f.sched.Send(classify.Unit{Tier: classify.TierReference, Data: []byte{0x65, 0x01}})
	waitFor(t, time.Second, func() bool { return c.seq(1) == 1 })

	nack, err := wire.Encode(&wire.ControlPacket{Session: f.sched.session, Body: wire.Nack{Seq: 1, Count: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.Send(ctx, nack); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return c.seq(1) == 2 })
}

func TestScheduler_AbandonsAfterMaxRetransmits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetransmits = 2
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	peer, c := f.addPipe(ctx, transport.PipeOptions{Seed: 41})

	f.sched.Send(classify.Unit{Tier: classify.TierReference, Data: []byte{0x65, 0x01}})
	waitFor(t, time.Second, func() bool { return c.seq(1) == 1 })

	nack, _ := wire.Encode(&wire.ControlPacket{Session: f.sched.session, Body: wire.Nack{Seq: 1}})
	for i := 0; i < 6; i++ {
		peer.Send(ctx, nack)
		time.Sleep(20 * time.Millisecond)
	}

	// 1 original + 2 retransmits, then abandoned.
	waitFor(t, time.Second, func() bool { return c.seq(1) == 3 })
	time.Sleep(100 * time.Millisecond)
	if got := c.seq(1); got != 3 {
		t.Fatalf("expected exactly 3 copies after abandonment, got %d", got)
	}
}

// A receiver report whose cumulative receive count trails our send count
// drives the link's loss estimate up and its health score down.
func TestScheduler_ReceiveReportDrivesLossEstimate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	local, peer := transport.Pipe(transport.PipeOptions{Seed: 71})
	f.sched.AddLink(ctx, local)
	c := newPeerCounter()
	go c.run(ctx, peer)

	for i := 0; i < 10; i++ {
		f.monitor.ObserveTransport(local.ID(), 0.0, 5)
	}
	healthy := f.monitor.Score(local.ID())

	sent := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			f.sched.Send(classify.Unit{Tier: classify.TierReference, Data: []byte{0x65, byte(sent)}})
			sent++
		}
		waitFor(t, time.Second, func() bool { return c.total() >= sent })

		// Claim only a quarter of the traffic arrived. Link stays zero,
		// meaning the link the report rides on.
		report, err := wire.Encode(&wire.ControlPacket{Session: f.sched.session, Body: wire.LinkReport{
			Received:     uint64(round + 1),
			JitterMicros: 40000,
		}})
		if err != nil {
			t.Fatal(err)
		}
		if err := peer.Send(ctx, report); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.monitor.Score(local.ID()) < healthy-0.1
	})
}

func TestScheduler_AllLinksDeadFiresOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.LivenessTimeout = 50 * time.Millisecond
	fired := make(chan struct{}, 4)
	f := newFixture(t, cfg, func() { fired <- struct{}{} })
	ctx := context.Background()

	// Peers never reply to pings, so both links go silent and die.
	f.addPipe(ctx, transport.PipeOptions{Seed: 51})
	f.addPipe(ctx, transport.PipeOptions{Seed: 52})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("all-dead notification never fired")
	}
	select {
	case <-fired:
		t.Fatal("all-dead notification fired more than once")
	case <-time.After(300 * time.Millisecond):
	}

	for _, lt := range f.sched.Telemetry() {
		if lt.State != LinkDead {
			t.Fatalf("link %v should be dead, is %v", lt.Link, lt.State)
		}
	}
}

func TestScheduler_LinkDegradesOnSustainedLowScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.HysteresisWindow = 50 * time.Millisecond
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	local, peer := transport.Pipe(transport.PipeOptions{Seed: 61})
	f.sched.AddLink(ctx, local)

	// Keep the link alive by answering pings from the peer side.
	go func() {
		for {
			buf, err := peer.Receive(ctx)
			if err != nil {
				return
			}
			msg, err := wire.Decode(buf)
			if err != nil {
				continue
			}
			cp, ok := msg.(*wire.ControlPacket)
			if !ok {
				continue
			}
			if ping, ok := cp.Body.(wire.Ping); ok {
				pong, _ := wire.Encode(&wire.ControlPacket{Session: cp.Session, Body: wire.Pong{
					Nonce:        ping.Nonce,
					EchoUnixNano: ping.SentUnixNano,
				}})
				peer.Send(ctx, pong)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		f.monitor.ObserveTransport(local.ID(), 0.3, 80)
	}

	waitFor(t, 2*time.Second, func() bool {
		tel := f.sched.Telemetry()
		return len(tel) == 1 && tel[0].State == LinkDegraded
	})
}
