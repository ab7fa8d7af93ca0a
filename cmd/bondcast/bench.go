package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bondcast/core/internal/bonding"
	"github.com/bondcast/core/internal/classify"
	"github.com/bondcast/core/internal/health"
	"github.com/bondcast/core/internal/reassembly"
	"github.com/bondcast/core/internal/transport"
	"github.com/bondcast/core/internal/wire"
)

var (
	benchUnits    int
	benchLinks    int
	benchLoss     float64
	benchDelay    time.Duration
	benchJitter   time.Duration
	benchDupRate  float64
	benchSeed     int64
	benchDrainFor time.Duration
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "run sender and receiver back to back over impaired in-memory links",
	Long: `bench wires a scheduler to a reassembly engine through in-memory
pipe links with injected loss, delay, jitter, and duplication, then
reports how much of a synthetic stream survived. It exercises the same
code paths as real links; only the transport is simulated.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchUnits, "units", 5000, "media units to send")
	benchCmd.Flags().IntVar(&benchLinks, "links", 2, "number of bonded links")
	benchCmd.Flags().Float64Var(&benchLoss, "loss", 0.05, "per-datagram loss rate on each link")
	benchCmd.Flags().DurationVar(&benchDelay, "delay", 5*time.Millisecond, "one-way link delay")
	benchCmd.Flags().DurationVar(&benchJitter, "jitter", 2*time.Millisecond, "random extra delay bound")
	benchCmd.Flags().Float64Var(&benchDupRate, "duplicate", 0.01, "per-datagram duplication rate")
	benchCmd.Flags().Int64Var(&benchSeed, "seed", 1, "impairment rng seed")
	benchCmd.Flags().DurationVar(&benchDrainFor, "drain", 2*time.Second, "how long to wait for repair traffic after the last unit")
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel, log, metrics, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cancel()

	sessionID := uuid.New()
	monitor := health.NewMonitor(cfg.Healths(), log, metrics, nil)
	sched, err := bonding.NewScheduler(sessionID, cfg.Bonding(), monitor, log, metrics, nil)
	if err != nil {
		return err
	}

	opts := transport.PipeOptions{
		LossRate:      benchLoss,
		DuplicateRate: benchDupRate,
		Delay:         benchDelay,
		Jitter:        benchJitter,
		Capacity:      4096,
	}
	peers := make([]*transport.PipeLink, 0, benchLinks)
	for i := 0; i < benchLinks; i++ {
		opts.Seed = benchSeed + int64(i)
		local, peer := transport.Pipe(opts)
		monitor.Track(local.ID(), health.BandAuto)
		sched.AddLink(ctx, local)
		peers = append(peers, peer)
	}

	var delivered, lost, recovered atomic.Int64
	engine := reassembly.NewEngine(sessionID, cfg.Reassembly(),
		func(p reassembly.Packet) {
			switch {
			case p.Lost:
				lost.Add(1)
			case p.Recovered:
				recovered.Add(1)
				delivered.Add(1)
			default:
				delivered.Add(1)
			}
		},
		// Acks and nacks ride the first pipe back to the scheduler.
		func(c wire.Control) {
			frame, err := wire.Encode(&wire.ControlPacket{Session: sessionID, Body: c})
			if err != nil {
				return
			}
			_ = peers[0].Send(ctx, frame)
		},
		log, metrics)

	for _, peer := range peers {
		go servePeer(ctx, peer, sessionID, engine)
	}
	go sched.Run(ctx)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.Tick()
			}
		}
	}()

	rng := rand.New(rand.NewSource(benchSeed))
	start := time.Now()
	for i := 0; i < benchUnits; i++ {
		unit := syntheticUnit(rng, i)
		if err := sched.Send(unit); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	time.Sleep(benchDrainFor)
	elapsed := time.Since(start)

	fmt.Printf("sent        %d units in %v\n", benchUnits, elapsed.Round(time.Millisecond))
	fmt.Printf("delivered   %d (%d recovered by fec)\n", delivered.Load(), recovered.Load())
	fmt.Printf("lost        %d\n", lost.Load())
	for _, lt := range sched.Telemetry() {
		fmt.Printf("link %s  state=%s score=%.2f rtt=%.1fms queue=%d/%d\n",
			lt.Link, lt.State, lt.Score, lt.RTTMillis, lt.QueueDepth, lt.QueueCapacity)
	}
	return nil
}

// servePeer is the far end of one impaired link: it feeds data and
// repairs into the engine and answers liveness pings.
func servePeer(ctx context.Context, peer *transport.PipeLink, session uuid.UUID, engine *reassembly.Engine) {
	for {
		buf, err := peer.Receive(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *wire.DataPacket:
			if m.Session == session {
				_ = engine.Ingest(peer.ID(), m)
			}
		case *wire.ControlPacket:
			if m.Session != session {
				continue
			}
			switch body := m.Body.(type) {
			case wire.FecRepair:
				_ = engine.IngestRepair(body)
			case wire.Ping:
				frame, err := wire.Encode(&wire.ControlPacket{Session: session, Body: wire.Pong{
					Nonce:        body.Nonce,
					EchoUnixNano: body.SentUnixNano,
				}})
				if err == nil {
					_ = peer.Send(ctx, frame)
				}
			}
		}
	}
}

// syntheticUnit fabricates a stream shaped like encoded video: sparse
// parameter sets, regular reference frames, droppable filler between.
func syntheticUnit(rng *rand.Rand, i int) classify.Unit {
	switch {
	case i%300 == 0:
		return classify.Unit{Tier: classify.TierParameterSet, Data: randPayload(rng, 40)}
	case i%5 == 0:
		return classify.Unit{Tier: classify.TierReference, Data: randPayload(rng, 900)}
	default:
		return classify.Unit{Tier: classify.TierDroppable, Data: randPayload(rng, 600)}
	}
}

func randPayload(rng *rand.Rand, n int) []byte {
	buf := make([]byte, 1+rng.Intn(n))
	rng.Read(buf)
	return buf
}
