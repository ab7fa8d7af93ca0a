package bonding

import (
	"time"

	"github.com/google/uuid"

	"github.com/bondcast/core/internal/ratelimit"
	"github.com/bondcast/core/internal/transport"
)

// LinkState is the scheduler's view of a link's usability.
type LinkState int

const (
	// LinkActive links take a full share of new traffic.
	LinkActive LinkState = iota + 1
	// LinkDegraded links stay in rotation at reduced weight.
	LinkDegraded
	// LinkDead links are out of rotation; probed for resurrection on a
	// backoff schedule.
	LinkDead
)

func (s LinkState) String() string {
	switch s {
	case LinkActive:
		return "active"
	case LinkDegraded:
		return "degraded"
	case LinkDead:
		return "dead"
	default:
		return "unknown"
	}
}

// linkEntry is the scheduler-owned record for one link. Entries live in
// the scheduler's table and are only touched from its run loop; external
// code refers to links by id, never by reference.
type linkEntry struct {
	link  transport.Link
	state LinkState
	score float64

	rttMillis     float64 // EWMA over pong samples and link reports
	bandwidthKbps uint32
	pacer         *ratelimit.TokenBucket

	// sentCount counts data frames handed to the link; the report
	// baselines mark where the last loss computation left off.
	sentCount  uint64
	reportSent uint64
	reportRcvd uint64

	belowSince time.Time
	aboveSince time.Time
	lastHeard  time.Time
	lastProbe  time.Time
}

func (e *linkEntry) id() uuid.UUID { return e.link.ID() }

// live reports whether the link participates in rotation at all.
func (e *linkEntry) live() bool {
	return e.state == LinkActive || e.state == LinkDegraded
}

// headroom is the fraction of send capacity available right now, the
// lesser of queue space and pacing budget.
func (e *linkEntry) headroom() float64 {
	queued, capacity := e.link.Occupancy()
	if capacity == 0 {
		return 0
	}
	q := 1 - float64(queued)/float64(capacity)
	p := e.pacer.Headroom()
	if p < q {
		return p
	}
	return q
}

// weight orders links for selection: health score scaled by available
// headroom, with degraded links carrying a reduced share.
func (e *linkEntry) weight() float64 {
	w := e.score * e.headroom()
	if e.state == LinkDegraded {
		w *= 0.25
	}
	return w
}

// observeRTT folds an RTT sample into the smoothed estimate.
func (e *linkEntry) observeRTT(millis float64) {
	if e.rttMillis == 0 {
		e.rttMillis = millis
		return
	}
	e.rttMillis = 0.8*e.rttMillis + 0.2*millis
}
