package main

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bondcast/core/config"
	"github.com/bondcast/core/internal/observability"
	"github.com/bondcast/core/internal/reassembly"
	"github.com/bondcast/core/internal/session"
	"github.com/bondcast/core/internal/transport"
	"github.com/bondcast/core/internal/wire"
)

var (
	recvListen string
	recvOut    string
)

// reportInterval spaces the per-link receive reports sent back to the
// sender.
const reportInterval = time.Second

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "accept bonded links and reassemble the stream",
	Args:  cobra.NoArgs,
	RunE:  runRecv,
}

func init() {
	recvCmd.Flags().StringVar(&recvListen, "listen", ":7000", "address to accept links on")
	recvCmd.Flags().StringVar(&recvOut, "out", "-", "output file for the reassembled stream, - for stdout")
}

func runRecv(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel, log, metrics, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cancel()

	out := io.Writer(os.Stdout)
	if recvOut != "-" {
		f, err := os.Create(recvOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	tlsCfg, err := transport.ServerTLSConfig()
	if err != nil {
		return err
	}
	listener, err := transport.ListenQUIC(recvListen, tlsCfg)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Info("listening on " + recvListen)

	r := newReceiver(cfg, out, log, metrics)
	defer r.close()

	for {
		link, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.addLink(link)
		go r.serveLink(ctx, link)
		go r.reportLoop(ctx, link)
	}
}

// sink is the receive path for one session: reorder engine, fragment
// assembly, and the output writer.
type sink struct {
	engine *reassembly.Engine
	stop   chan struct{}
}

// receiver fans datagrams from every accepted link into per-session
// reassembly engines and routes control traffic back toward the sender.
type receiver struct {
	mu          sync.Mutex
	links       map[uuid.UUID]transport.Link
	sinks       map[uuid.UUID]*sink
	stats       map[uuid.UUID]*transport.ReceiveStats
	lastSession map[uuid.UUID]uuid.UUID // link -> session to stamp reports with

	cfg     config.Config
	manager *session.Manager
	out     io.Writer
	outMu   sync.Mutex
	log     *observability.Logger
	metrics *observability.Metrics
}

func newReceiver(cfg config.Config, out io.Writer, log *observability.Logger, metrics *observability.Metrics) *receiver {
	r := &receiver{
		links:       make(map[uuid.UUID]transport.Link),
		sinks:       make(map[uuid.UUID]*sink),
		stats:       make(map[uuid.UUID]*transport.ReceiveStats),
		lastSession: make(map[uuid.UUID]uuid.UUID),
		cfg:         cfg,
		out:         out,
		log:         log,
		metrics:     metrics,
	}
	r.manager = session.NewManager(cfg.Sessions(), r.sessionEnded, log, metrics)
	return r
}

func (r *receiver) addLink(l transport.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID()] = l
	r.stats[l.ID()] = transport.NewReceiveStats()
	r.log.WithLink(l.ID()).Info("link accepted")
}

func (r *receiver) close() {
	r.manager.Close()
	r.mu.Lock()
	sinks := make([]*sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.sinks = make(map[uuid.UUID]*sink)
	links := make([]transport.Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	// Engines lock internally and their callbacks take r.mu, so teardown
	// happens outside it.
	for _, s := range sinks {
		close(s.stop)
		s.engine.Close()
	}
	for _, l := range links {
		l.Close()
	}
}

// serveLink decodes datagrams from one link until it closes. Garbage is
// dropped and logged; nothing a peer sends can take the receiver down.
func (r *receiver) serveLink(ctx context.Context, l transport.Link) {
	defer func() {
		r.mu.Lock()
		delete(r.links, l.ID())
		delete(r.stats, l.ID())
		delete(r.lastSession, l.ID())
		r.mu.Unlock()
		l.Close()
	}()
	for {
		buf, err := l.Receive(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf)
		if err != nil {
			r.log.DecodeDropped(l.ID(), len(buf), err)
			if r.metrics != nil {
				r.metrics.DecodeErrorsTotal.Inc()
			}
			continue
		}
		switch m := msg.(type) {
		case *wire.DataPacket:
			r.noteArrival(l.ID(), m.Session, len(buf))
			r.handleData(ctx, l, m)
		case *wire.ControlPacket:
			r.handleControl(ctx, l, m)
		}
	}
}

func (r *receiver) handleData(ctx context.Context, l transport.Link, p *wire.DataPacket) {
	s := r.sinkFor(ctx, p.Session, true)
	if s == nil {
		return // ended session, or tombstoned id
	}
	r.manager.Touch(p.Session)
	if err := s.engine.Ingest(l.ID(), p); err != nil {
		r.log.Error(err, "packet rejected")
	}
}

func (r *receiver) handleControl(ctx context.Context, l transport.Link, cp *wire.ControlPacket) {
	switch body := cp.Body.(type) {
	case wire.SessionControl:
		switch body.Action {
		case wire.SessionOpen:
			if r.sinkFor(ctx, cp.Session, true) != nil {
				r.manager.Touch(cp.Session)
			}
		case wire.SessionClose:
			_ = r.manager.End(cp.Session, session.ReasonClosed)
		}
	case wire.FecRepair:
		if s := r.sinkFor(ctx, cp.Session, false); s != nil {
			r.manager.Touch(cp.Session)
			if err := s.engine.IngestRepair(body); err != nil {
				r.log.Error(err, "repair rejected")
			}
		}
	case wire.Ping:
		frame, err := wire.Encode(&wire.ControlPacket{Session: cp.Session, Body: wire.Pong{
			Nonce:        body.Nonce,
			EchoUnixNano: body.SentUnixNano,
		}})
		if err == nil {
			_ = l.Send(ctx, frame)
		}
	}
	// Acks, nacks, reports, and bitrate commands flow the other way.
}

// sinkFor returns the session's sink, opening the session on first
// contact when create is set. Tombstoned IDs never come back.
func (r *receiver) sinkFor(ctx context.Context, id uuid.UUID, create bool) *sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[id]; ok {
		if r.manager.Active(id) {
			return s
		}
		return nil
	}
	if !create {
		return nil
	}
	if err := r.manager.Open(ctx, id, 0); err != nil {
		return nil
	}

	asm := reassembly.NewAssembler(func(u reassembly.Unit) { r.writeUnit(id, u) })
	engine := reassembly.NewEngine(id, r.cfg.Reassembly(),
		asm.Push,
		func(c wire.Control) { r.sendControl(id, c) },
		r.log, r.metrics)
	s := &sink{engine: engine, stop: make(chan struct{})}
	r.sinks[id] = s

	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				engine.Tick()
			}
		}
	}()
	return s
}

func (r *receiver) writeUnit(id uuid.UUID, u reassembly.Unit) {
	if u.Lost {
		return // the gap was already logged when it was declared
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if _, err := r.out.Write(u.Data); err != nil {
		r.log.Error(err, "output write failed")
	}
}

// sendControl carries acks and nacks back to the sender on any live link.
func (r *receiver) sendControl(id uuid.UUID, c wire.Control) {
	frame, err := wire.Encode(&wire.ControlPacket{Session: id, Body: c})
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links {
		if l.Send(context.Background(), frame) == nil {
			return
		}
	}
}

// noteArrival feeds the link's receive counters and remembers which
// session the next report gets stamped with.
func (r *receiver) noteArrival(link, session uuid.UUID, n int) {
	r.mu.Lock()
	stats := r.stats[link]
	r.lastSession[link] = session
	r.mu.Unlock()
	if stats != nil {
		stats.Observe(n)
	}
}

// reportLoop sends this link's receive counters back to the sender every
// interval so it can derive per-link loss and track jitter. The report's
// Link field stays zero: it means the link the report arrived on.
func (r *receiver) reportLoop(ctx context.Context, l transport.Link) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			stats := r.stats[l.ID()]
			sess := r.lastSession[l.ID()]
			r.mu.Unlock()
			if stats == nil {
				return // link is gone
			}
			if sess == uuid.Nil {
				continue // no traffic to report on yet
			}
			sample := stats.Sample()
			frame, err := wire.Encode(&wire.ControlPacket{Session: sess, Body: wire.LinkReport{
				Received:      sample.Received,
				JitterMicros:  sample.JitterMicros,
				BandwidthKbps: sample.BandwidthKbps,
			}})
			if err != nil {
				continue
			}
			_ = l.Send(ctx, frame)
		}
	}
}

// sessionEnded tears down the session's sink after the manager's
// exactly-once notification.
func (r *receiver) sessionEnded(id uuid.UUID, reason session.Reason) {
	r.mu.Lock()
	s, ok := r.sinks[id]
	if ok {
		delete(r.sinks, id)
		close(s.stop)
	}
	r.mu.Unlock()
	if ok {
		s.engine.Close()
	}
}
