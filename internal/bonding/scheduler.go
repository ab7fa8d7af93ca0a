// Package bonding implements the sender-side scheduler: the single
// decision authority for which link carries which packet, when to
// duplicate, when to shed, and when to retransmit.
package bonding

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bondcast/core/internal/classify"
	"github.com/bondcast/core/internal/fec"
	"github.com/bondcast/core/internal/health"
	"github.com/bondcast/core/internal/observability"
	"github.com/bondcast/core/internal/ratelimit"
	"github.com/bondcast/core/internal/transport"
	"github.com/bondcast/core/internal/wire"
)

var (
	// ErrNoLiveLinks is returned when every link is dead or saturated.
	ErrNoLiveLinks = errors.New("bonding: no live links")
	// ErrStopped is returned when the scheduler is shutting down.
	ErrStopped = errors.New("bonding: scheduler stopped")
)

// Config tunes the scheduler's policies. All durations bound a timer; no
// data path operation blocks on any of them.
type Config struct {
	// MaxRetransmits abandons a packet after this many resends.
	MaxRetransmits int
	// ShedFloor drops droppable units once aggregate headroom across all
	// live links falls below this fraction.
	ShedFloor float64
	// DegradedThreshold and RecoveredThreshold bound the Active/Degraded
	// hysteresis on the health score.
	DegradedThreshold  float64
	RecoveredThreshold float64
	// HysteresisWindow is how long a score condition must hold before the
	// link changes state.
	HysteresisWindow time.Duration
	// LivenessTimeout declares a link dead when nothing has been heard
	// from it for this long.
	LivenessTimeout time.Duration
	// ResurrectionBackoff spaces probe pings to dead links.
	ResurrectionBackoff time.Duration
	// PingInterval spaces liveness pings on live links.
	PingInterval time.Duration
	// TickInterval drives housekeeping (state machine, pings, pruning).
	TickInterval time.Duration
	// PendingAge prunes unacknowledged packets from the retransmit table.
	PendingAge time.Duration

	// FecK and FecR are the initial FEC group geometry.
	FecK int
	FecR int

	// PaceRate and PaceBurst configure each link's token bucket, in
	// bytes/second and bytes.
	PaceRate  float64
	PaceBurst int
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetransmits:      5,
		ShedFloor:           0.15,
		DegradedThreshold:   0.40,
		RecoveredThreshold:  0.60,
		HysteresisWindow:    3 * time.Second,
		LivenessTimeout:     3 * time.Second,
		ResurrectionBackoff: 2 * time.Second,
		PingInterval:        500 * time.Millisecond,
		TickInterval:        100 * time.Millisecond,
		PendingAge:          10 * time.Second,
		FecK:                8,
		FecR:                2,
		PaceRate:            4 << 20, // 4 MiB/s per link
		PaceBurst:           256 << 10,
	}
}

// LinkTelemetry is the read-only per-link status exposed to the
// management plane.
type LinkTelemetry struct {
	Link          uuid.UUID
	State         LinkState
	Score         float64
	RTTMillis     float64
	BandwidthKbps uint32
	QueueDepth    int
	QueueCapacity int
}

type pendingPacket struct {
	frame    []byte // encoded wire bytes, resent verbatim
	tier     classify.Tier
	attempts int
	sentAt   time.Time
}

// Scheduler owns the link table for one session. All table mutation
// happens on the run loop goroutine; the public API posts events into it.
type Scheduler struct {
	session uuid.UUID
	cfg     Config

	links   map[uuid.UUID]*linkEntry
	nextSeq uint64
	pending map[uint64]*pendingPacket

	fecEnc *fec.GroupEncoder
	fecCtl *fec.Controller

	monitor *health.Monitor
	log     *observability.Logger
	metrics *observability.Metrics

	events chan func()
	done   chan struct{}

	// onAllDead fires exactly once when the last live link dies.
	onAllDead    func()
	allDeadFired bool
}

// NewScheduler creates a scheduler for one session. monitor supplies live
// health scores; onAllDead may be nil.
func NewScheduler(session uuid.UUID, cfg Config, monitor *health.Monitor, log *observability.Logger, metrics *observability.Metrics, onAllDead func()) (*Scheduler, error) {
	enc, err := fec.NewGroupEncoder(cfg.FecK, cfg.FecR)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		session:   session,
		cfg:       cfg,
		links:     make(map[uuid.UUID]*linkEntry),
		nextSeq:   1,
		pending:   make(map[uint64]*pendingPacket),
		fecEnc:    enc,
		monitor:   monitor,
		log:       log.WithSession(session),
		metrics:   metrics,
		events:    make(chan func(), 1024),
		done:      make(chan struct{}),
		onAllDead: onAllDead,
	}
	s.fecCtl = fec.NewController(fec.DefaultControllerConfig(), cfg.FecR, func(r int, reason string) {
		if err := s.fecEnc.SetRedundancy(r); err == nil {
			s.log.Info("fec redundancy adjusted: " + reason)
			if s.metrics != nil {
				s.metrics.FecRedundancyShards.Set(float64(r))
			}
		}
	})
	return s, nil
}

// AddLink places a link into rotation and starts its receive path. The
// receive goroutine feeds decoded control messages back into the run
// loop; malformed datagrams are dropped and logged, never fatal.
func (s *Scheduler) AddLink(ctx context.Context, l transport.Link) {
	s.post(func() {
		e := &linkEntry{
			link:      l,
			state:     LinkActive,
			score:     s.monitor.Score(l.ID()),
			pacer:     ratelimit.NewTokenBucket(s.cfg.PaceRate, s.cfg.PaceBurst),
			lastHeard: time.Now(),
		}
		s.links[l.ID()] = e
		s.updateLinksGauge()
		s.log.LinkStateChanged(l.ID(), "(none)", LinkActive.String(), e.score)
	})
	go s.receiveLoop(ctx, l)
}

// RemoveLink drops a link from the table on session reconfiguration.
func (s *Scheduler) RemoveLink(id uuid.UUID) {
	s.post(func() {
		if e, ok := s.links[id]; ok {
			delete(s.links, id)
			e.link.Close()
			s.updateLinksGauge()
		}
	})
}

// Send classifies, fragments, and schedules one media unit. It never
// blocks on the network; saturated links surface as shedding or queueing
// inside the run loop.
func (s *Scheduler) Send(u classify.Unit) error {
	return s.post(func() { s.handleUnit(u) })
}

// HandleControl feeds a control message received on any link into the
// scheduler.
func (s *Scheduler) HandleControl(from uuid.UUID, body wire.Control) {
	s.post(func() { s.handleControl(from, body) })
}

// Telemetry returns a snapshot of per-link status for observation. The
// reply is computed on the run loop so it never races table mutation.
func (s *Scheduler) Telemetry() []LinkTelemetry {
	reply := make(chan []LinkTelemetry, 1)
	err := s.post(func() {
		out := make([]LinkTelemetry, 0, len(s.links))
		for _, e := range s.links {
			queued, capacity := e.link.Occupancy()
			out = append(out, LinkTelemetry{
				Link:          e.id(),
				State:         e.state,
				Score:         e.score,
				RTTMillis:     e.rttMillis,
				BandwidthKbps: e.bandwidthKbps,
				QueueDepth:    queued,
				QueueCapacity: capacity,
			})
		}
		reply <- out
	})
	if err != nil {
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-s.done:
		return nil
	}
}

// Run executes the scheduler loop until ctx is cancelled. On exit it
// announces session close on every live link and closes them.
func (s *Scheduler) Run(ctx context.Context) {
	// Links queued before Run started join the table ahead of the open
	// announcement.
pending:
	for {
		select {
		case fn := <-s.events:
			fn()
		default:
			break pending
		}
	}
	s.announce(wire.SessionControl{Action: wire.SessionOpen, Links: uint8(len(s.links))})
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.announce(wire.SessionControl{Action: wire.SessionClose})
			close(s.done)
			for _, e := range s.links {
				e.link.Close()
			}
			return
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) post(fn func()) error {
	select {
	case <-s.done:
		return ErrStopped
	case s.events <- fn:
		return nil
	}
}

// --- run-loop internals; everything below executes on the loop goroutine ---

func (s *Scheduler) handleUnit(u classify.Unit) {
	if len(u.Data) == 0 {
		return
	}
	switch u.Tier {
	case classify.TierParameterSet:
		s.sendDuplicated(u)
	case classify.TierReference:
		s.sendPreferred(u)
	default:
		if s.aggregateHeadroom() < s.cfg.ShedFloor {
			if s.metrics != nil {
				s.metrics.PacketsShedTotal.Inc()
			}
			return
		}
		s.sendPreferred(u)
	}
}

// sendDuplicated carries a parameter set on every live link under the
// same sequence numbers. Pacing never refuses these.
func (s *Scheduler) sendDuplicated(u classify.Unit) {
	targets := s.liveLinks()
	if len(targets) == 0 {
		return
	}
	frags := fragment(u.Data)
	for i, frag := range frags {
		frame, ok := s.packetize(u.Tier, frag, uint8(i), uint8(len(frags)))
		if !ok {
			continue
		}
		for _, e := range targets {
			e.pacer.Allow(len(frame)) // account for the bytes, send regardless
			s.transmit(e, frame)
		}
		if s.metrics != nil && len(targets) > 1 {
			s.metrics.PacketsDuplicated.Add(float64(len(targets) - 1))
		}
	}
}

// sendPreferred carries a unit on the single best link, falling back to
// the next-best when the choice is saturated.
func (s *Scheduler) sendPreferred(u classify.Unit) {
	frags := fragment(u.Data)
	for i, frag := range frags {
		frame, ok := s.packetize(u.Tier, frag, uint8(i), uint8(len(frags)))
		if !ok {
			continue
		}
		s.transmitPreferred(frame, u.Tier)
	}
}

// transmitPreferred tries links best-first. Droppable units respect the
// pacer and count as shed when every link refuses; a higher tier always
// gets queued somewhere if any live link accepts. Refused units stay in
// the pending table, so a receiver nack can still retry them later at
// lower urgency.
func (s *Scheduler) transmitPreferred(frame []byte, tier classify.Tier) {
	for _, e := range s.rankedLinks() {
		if tier == classify.TierDroppable && !e.pacer.Allow(len(frame)) {
			continue
		}
		if tier != classify.TierDroppable {
			e.pacer.Allow(len(frame))
		}
		if s.transmit(e, frame) {
			return
		}
	}
	if tier == classify.TierDroppable && s.metrics != nil {
		s.metrics.PacketsShedTotal.Inc()
	}
}

// packetize assigns the next sequence number, folds the payload into the
// FEC group, and encodes the wire frame. Repair shards emitted at a group
// boundary ride the healthiest link immediately.
func (s *Scheduler) packetize(tier classify.Tier, payload []byte, fragIndex, fragCount uint8) (frame []byte, ok bool) {
	seq := s.nextSeq
	meta := fec.Meta{Tier: uint8(tier), FragIndex: fragIndex, FragCount: fragCount}
	groupID, groupIndex, repairs, err := s.fecEnc.Add(seq, meta, payload)
	if err != nil {
		s.log.Error(err, "fec group encode failed")
		return nil, false
	}
	p := &wire.DataPacket{
		Session:    s.session,
		Seq:        seq,
		Tier:       tier,
		GroupID:    groupID,
		GroupIndex: groupIndex,
		FragIndex:  fragIndex,
		FragCount:  fragCount,
		Checksum:   wire.PayloadChecksum(payload),
		Payload:    payload,
	}
	frame, err = wire.Encode(p)
	if err != nil {
		s.log.Error(err, "data packet encode failed")
		return nil, false
	}
	s.nextSeq++
	s.pending[seq] = &pendingPacket{frame: frame, tier: tier, sentAt: time.Now()}
	for _, rep := range repairs {
		s.sendRepair(rep)
	}
	return frame, true
}

func (s *Scheduler) sendRepair(rep fec.Repair) {
	frame, err := wire.Encode(&wire.ControlPacket{Session: s.session, Body: wire.FecRepair{
		GroupID: rep.GroupID,
		Index:   rep.Index,
		K:       rep.K,
		R:       rep.R,
		BaseSeq: rep.BaseSeq,
		Shard:   rep.Shard,
	}})
	if err != nil {
		s.log.Error(err, "fec repair encode failed")
		return
	}
	if e := s.bestLink(); e != nil {
		if e.link.Send(context.Background(), frame) == nil && s.metrics != nil {
			s.metrics.FecRepairsSentTotal.Inc()
		}
	}
}

// transmit hands a frame to one link. Returns false on a saturated or
// closed link so the caller can fall back.
func (s *Scheduler) transmit(e *linkEntry, frame []byte) bool {
	if err := e.link.Send(context.Background(), frame); err != nil {
		return false
	}
	e.sentCount++
	s.fecCtl.Loss().OnSent(1)
	if s.metrics != nil {
		s.metrics.PacketsSentTotal.WithLabelValues(e.id().String()).Inc()
	}
	return true
}

func (s *Scheduler) handleControl(from uuid.UUID, body wire.Control) {
	e := s.links[from]
	if e != nil {
		e.lastHeard = time.Now()
	}
	switch v := body.(type) {
	case wire.Ack:
		delete(s.pending, v.Seq)
	case wire.Nack:
		count := int(v.Count)
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			s.retransmit(v.Seq + uint64(i))
		}
	case wire.LinkReport:
		s.handleLinkReport(from, v)
	case wire.BitrateCmd:
		// Bitrate ceilings translate to pacing: split across live links.
		live := s.liveLinks()
		if len(live) == 0 {
			return
		}
		perLink := float64(v.BitrateKbps) * 125 / float64(len(live)) // kbit/s -> bytes/s
		for _, e := range live {
			e.pacer.SetRate(perLink)
		}
	case wire.Ping:
		s.replyPong(from, v)
	case wire.Pong:
		if e != nil {
			rtt := float64(time.Now().UnixNano()-v.EchoUnixNano) / float64(time.Millisecond)
			if rtt >= 0 {
				e.observeRTT(rtt)
			}
		}
	case wire.SessionControl:
		// The receiver closing the session stops new traffic; the session
		// manager owns the rest of teardown.
		if v.Action == wire.SessionClose {
			s.log.Info("peer closed session")
		}
	}
}

// handleLinkReport folds peer feedback into the link's estimates. The
// receiver's periodic reports leave Link zero, meaning the link the report
// arrived on, and carry its cumulative receive counter; loss is the gap
// between that and our own send counter since the last report. A modem
// agent's report names the link and carries loss directly.
func (s *Scheduler) handleLinkReport(from uuid.UUID, v wire.LinkReport) {
	id := v.Link
	if id == uuid.Nil {
		id = from
	}
	e := s.links[id]
	if e == nil {
		return
	}
	if v.RTTMillis > 0 {
		e.observeRTT(float64(v.RTTMillis))
	}
	if v.BandwidthKbps > 0 {
		e.bandwidthKbps = v.BandwidthKbps
	}
	sentDelta := e.sentCount - e.reportSent
	rcvdDelta := v.Received - e.reportRcvd
	switch {
	case v.Received > 0 && sentDelta > 0:
		e.reportSent, e.reportRcvd = e.sentCount, v.Received
		loss := 1 - float64(rcvdDelta)/float64(sentDelta)
		if loss < 0 {
			loss = 0 // duplicates or late arrivals can outrun the counter
		}
		s.monitor.Observe(id, health.Sample{Metric: health.MetricLoss, Value: loss})
	case v.LossPermille > 0:
		s.monitor.Observe(id, health.Sample{Metric: health.MetricLoss, Value: float64(v.LossPermille) / 1000})
	}
	if v.JitterMicros > 0 {
		s.monitor.Observe(id, health.Sample{Metric: health.MetricJitter, Value: float64(v.JitterMicros) / 1000})
	}
	if s.metrics != nil {
		s.metrics.LinkRTTMillis.WithLabelValues(id.String()).Set(e.rttMillis)
	}
}

// retransmit resends a pending sequence on the current healthiest link,
// which need not be the one that carried it originally.
func (s *Scheduler) retransmit(seq uint64) {
	p, ok := s.pending[seq]
	if !ok {
		return // already acked, abandoned, or never ours
	}
	p.attempts++
	if p.attempts > s.cfg.MaxRetransmits {
		delete(s.pending, seq)
		s.fecCtl.Loss().OnLost(1)
		s.log.PacketAbandoned(seq, p.attempts-1)
		if s.metrics != nil {
			s.metrics.PacketsAbandonedTotal.Inc()
		}
		return
	}
	e := s.bestLink()
	if e == nil {
		return
	}
	s.fecCtl.Loss().OnLost(1) // a nack means the original copy was lost
	e.pacer.Allow(len(p.frame))
	if s.transmit(e, p.frame) {
		p.sentAt = time.Now()
		s.log.RetransmitScheduled(seq, p.attempts, e.id())
		if s.metrics != nil {
			s.metrics.RetransmitsTotal.WithLabelValues("nack").Inc()
		}
	}
}

func (s *Scheduler) replyPong(from uuid.UUID, ping wire.Ping) {
	e := s.links[from]
	if e == nil {
		return
	}
	frame, err := wire.Encode(&wire.ControlPacket{Session: s.session, Body: wire.Pong{
		Nonce:        ping.Nonce,
		EchoUnixNano: ping.SentUnixNano,
	}})
	if err != nil {
		return
	}
	e.link.Send(context.Background(), frame)
}

// tick runs housekeeping: health refresh, the per-link state machine,
// liveness pings, dead-link probes, pending pruning, and the FEC
// controller.
func (s *Scheduler) tick() {
	now := time.Now()
	for _, e := range s.links {
		e.score = s.monitor.Score(e.id())
		s.stepStateMachine(e, now)
	}
	s.probe(now)
	s.prunePending(now)
	s.fecCtl.Tick()
	s.checkAllDead()
}

func (s *Scheduler) stepStateMachine(e *linkEntry, now time.Time) {
	// Liveness dominates score: a silent link is dead regardless of its
	// last known health.
	if e.live() && now.Sub(e.lastHeard) > s.cfg.LivenessTimeout {
		s.setState(e, LinkDead)
		return
	}
	switch e.state {
	case LinkActive:
		if e.score < s.cfg.DegradedThreshold {
			if e.belowSince.IsZero() {
				e.belowSince = now
			} else if now.Sub(e.belowSince) >= s.cfg.HysteresisWindow {
				s.setState(e, LinkDegraded)
			}
		} else {
			e.belowSince = time.Time{}
		}
	case LinkDegraded:
		if e.score >= s.cfg.RecoveredThreshold {
			if e.aboveSince.IsZero() {
				e.aboveSince = now
			} else if now.Sub(e.aboveSince) >= s.cfg.HysteresisWindow {
				s.setState(e, LinkActive)
			}
		} else {
			e.aboveSince = time.Time{}
		}
	case LinkDead:
		// Any sign of life confirms resurrection.
		if now.Sub(e.lastHeard) <= s.cfg.LivenessTimeout {
			s.setState(e, LinkActive)
		}
	}
}

func (s *Scheduler) setState(e *linkEntry, next LinkState) {
	if e.state == next {
		return
	}
	prev := e.state
	e.state = next
	e.belowSince, e.aboveSince = time.Time{}, time.Time{}
	s.log.LinkStateChanged(e.id(), prev.String(), next.String(), e.score)
	if s.metrics != nil {
		s.metrics.LinkStateTransitions.WithLabelValues(prev.String(), next.String()).Inc()
	}
	s.updateLinksGauge()
}

// probe sends liveness pings: frequent on live links, backoff-spaced on
// dead ones so resurrection can be observed.
func (s *Scheduler) probe(now time.Time) {
	for _, e := range s.links {
		interval := s.cfg.PingInterval
		if e.state == LinkDead {
			interval = s.cfg.ResurrectionBackoff
		}
		if now.Sub(e.lastProbe) < interval {
			continue
		}
		e.lastProbe = now
		frame, err := wire.Encode(&wire.ControlPacket{Session: s.session, Body: wire.Ping{
			Nonce:        uint64(now.UnixNano()),
			SentUnixNano: now.UnixNano(),
		}})
		if err != nil {
			continue
		}
		e.link.Send(context.Background(), frame)
	}
}

func (s *Scheduler) prunePending(now time.Time) {
	for seq, p := range s.pending {
		if now.Sub(p.sentAt) > s.cfg.PendingAge {
			delete(s.pending, seq)
		}
	}
}

func (s *Scheduler) checkAllDead() {
	if s.allDeadFired || len(s.links) == 0 {
		return
	}
	for _, e := range s.links {
		if e.live() {
			return
		}
	}
	s.allDeadFired = true
	if s.onAllDead != nil {
		s.onAllDead()
	}
}

func (s *Scheduler) announce(body wire.SessionControl) {
	frame, err := wire.Encode(&wire.ControlPacket{Session: s.session, Body: body})
	if err != nil {
		return
	}
	for _, e := range s.links {
		if e.live() {
			e.link.Send(context.Background(), frame)
		}
	}
}

func (s *Scheduler) liveLinks() []*linkEntry {
	var out []*linkEntry
	for _, e := range s.links {
		if e.live() {
			out = append(out, e)
		}
	}
	return out
}

// rankedLinks returns live links ordered best-first by selection weight.
func (s *Scheduler) rankedLinks() []*linkEntry {
	out := s.liveLinks()
	sort.Slice(out, func(i, j int) bool { return out[i].weight() > out[j].weight() })
	return out
}

func (s *Scheduler) bestLink() *linkEntry {
	ranked := s.rankedLinks()
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

// aggregateHeadroom averages available send capacity over live links; the
// shedding decision compares it against the configured floor.
func (s *Scheduler) aggregateHeadroom() float64 {
	live := s.liveLinks()
	if len(live) == 0 {
		return 0
	}
	var sum float64
	for _, e := range live {
		sum += e.headroom()
	}
	return sum / float64(len(live))
}

func (s *Scheduler) updateLinksGauge() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, e := range s.links {
		if e.live() {
			n++
		}
	}
	s.metrics.LinksActive.Set(float64(n))
}

// fragment splits a unit into wire-sized payloads.
func fragment(data []byte) [][]byte {
	if len(data) <= wire.MaxPayload {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := wire.MaxPayload
		if len(data) < n {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// receiveLoop is one link's receive path: decode datagrams, drop garbage,
// dispatch control bodies into the run loop. It exits when the link
// closes or ctx is cancelled.
func (s *Scheduler) receiveLoop(ctx context.Context, l transport.Link) {
	for {
		buf, err := l.Receive(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf)
		if err != nil {
			s.log.DecodeDropped(l.ID(), len(buf), err)
			if s.metrics != nil {
				s.metrics.DecodeErrorsTotal.Inc()
			}
			continue
		}
		cp, ok := msg.(*wire.ControlPacket)
		if !ok || cp.Session != s.session {
			continue // data packets and foreign sessions are not ours
		}
		s.HandleControl(l.ID(), cp.Body)
	}
}
