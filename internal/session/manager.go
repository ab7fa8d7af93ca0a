// Package session tracks the lifecycle of bonded sessions: open on the
// first announcement, kept alive by traffic, ended exactly once when the
// peer closes, every link dies, or activity stops. Ended session IDs are
// tombstoned so a stale or replayed announcement cannot resurrect them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bondcast/core/internal/observability"
)

var (
	// ErrSessionExists means the ID is already open.
	ErrSessionExists = errors.New("session: already open")
	// ErrSessionReused means the ID belongs to an ended session.
	ErrSessionReused = errors.New("session: id was already used")
	// ErrUnknownSession means the ID is neither open nor tombstoned.
	ErrUnknownSession = errors.New("session: unknown id")
)

// Reason records why a session ended.
type Reason string

const (
	ReasonInactivity Reason = "inactivity"
	ReasonLinksDead  Reason = "all_links_dead"
	ReasonClosed     Reason = "closed"
)

// Config tunes session lifetime handling.
type Config struct {
	// InactivityTimeout ends a session after this long without traffic.
	InactivityTimeout time.Duration
	// TombstoneTTL is how long an ended ID stays rejected. Long enough to
	// outlive any datagram still in flight.
	TombstoneTTL time.Duration
}

// DefaultConfig returns session defaults.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 30 * time.Second,
		TombstoneTTL:      10 * time.Minute,
	}
}

type state struct {
	mu     sync.Mutex
	reason Reason
	span   trace.Span
	opened time.Time
	links  uint8
}

func (s *state) setReason(r Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = r
	}
}

func (s *state) endReason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return ReasonInactivity
	}
	return s.reason
}

// Manager owns the session table. All methods are safe for concurrent
// use; teardown side effects run exactly once per session.
type Manager struct {
	cfg     Config
	active  *ttlcache.Cache[uuid.UUID, *state]
	tombs   *ttlcache.Cache[uuid.UUID, time.Time]
	onEnded func(uuid.UUID, Reason)
	log     *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewManager creates a session manager. onEnded receives exactly one
// notification per session and may be nil.
func NewManager(cfg Config, onEnded func(uuid.UUID, Reason), log *observability.Logger, metrics *observability.Metrics) *Manager {
	m := &Manager{
		cfg: cfg,
		active: ttlcache.New[uuid.UUID, *state](
			ttlcache.WithTTL[uuid.UUID, *state](cfg.InactivityTimeout),
		),
		tombs: ttlcache.New[uuid.UUID, time.Time](
			ttlcache.WithTTL[uuid.UUID, time.Time](cfg.TombstoneTTL),
			ttlcache.WithDisableTouchOnHit[uuid.UUID, time.Time](),
		),
		onEnded: onEnded,
		log:     log,
		metrics: metrics,
		tracer:  otel.Tracer("bondcast/session"),
	}
	// Eviction subscribers run on the cache's own goroutine. End places
	// its tombstone synchronously before deleting; this hook covers the
	// inactivity expiry path and keeps the teardown side effects in one
	// place. Setting the tombstone twice only refreshes its TTL.
	m.active.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[uuid.UUID, *state]) {
		m.tombs.Set(item.Key(), time.Now(), ttlcache.DefaultTTL)
		m.ended(item.Key(), item.Value())
	})
	go m.active.Start()
	go m.tombs.Start()
	return m
}

// Open registers a new session. Reusing an ended ID is rejected; opening
// an already open ID is an error, not a refresh.
func (m *Manager) Open(ctx context.Context, id uuid.UUID, links uint8) error {
	if m.tombs.Has(id) {
		return ErrSessionReused
	}
	if m.active.Has(id) {
		return ErrSessionExists
	}
	_, span := m.tracer.Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session_id", id.String()),
			attribute.Int("links", int(links)),
		))
	m.active.Set(id, &state{span: span, opened: time.Now(), links: links}, ttlcache.DefaultTTL)
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.log.WithSession(id).Info("session opened")
	return nil
}

// Touch refreshes the inactivity deadline; the plain Get hit is what
// resets the TTL. Call it on the traffic path only. Returns false for
// unknown or ended sessions so callers can drop their traffic.
func (m *Manager) Touch(id uuid.UUID) bool {
	return m.active.Get(id) != nil
}

// Active reports whether a session is open. The read disables
// touch-on-hit so a status check never counts as traffic.
func (m *Manager) Active(id uuid.UUID) bool {
	return m.active.Get(id, ttlcache.WithDisableTouchOnHit[uuid.UUID, *state]()) != nil
}

// End tears a session down with the given reason. When End returns, the
// ID is already tombstoned and a replayed open is rejected. Ending an
// unknown or already ended session is a no-op error.
func (m *Manager) End(id uuid.UUID, reason Reason) error {
	item := m.active.Get(id, ttlcache.WithDisableTouchOnHit[uuid.UUID, *state]())
	if item == nil {
		return ErrUnknownSession
	}
	item.Value().setReason(reason)
	m.tombs.Set(id, time.Now(), ttlcache.DefaultTTL)
	m.active.Delete(id) // eviction hook runs the shared teardown
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	return m.active.Len()
}

// Close stops the expiry loops. Open sessions are not ended; the caller
// decides whether shutdown counts as session teardown.
func (m *Manager) Close() {
	m.active.Stop()
	m.tombs.Stop()
}

// ended runs once per session, off the cache eviction hook.
func (m *Manager) ended(id uuid.UUID, st *state) {
	reason := st.endReason()
	st.span.SetAttributes(attribute.String("end_reason", string(reason)))
	st.span.End()
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
		m.metrics.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	}
	m.log.SessionEnded(id, string(reason))
	if m.onEnded != nil {
		m.onEnded(id, reason)
	}
}
