package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bondcast/core/internal/observability"
)

type endRecorder struct {
	mu    sync.Mutex
	ended []Reason
}

func (r *endRecorder) record(_ uuid.UUID, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, reason)
}

func (r *endRecorder) all() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reason(nil), r.ended...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *endRecorder) {
	t.Helper()
	rec := &endRecorder{}
	m := NewManager(cfg, rec.record, observability.NopLogger(), nil)
	t.Cleanup(m.Close)
	return m, rec
}

func TestManager_OpenTouchEnd(t *testing.T) {
	m, rec := newTestManager(t, DefaultConfig())
	id := uuid.New()

	require.NoError(t, m.Open(context.Background(), id, 2))
	assert.True(t, m.Active(id))
	assert.True(t, m.Touch(id))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.End(id, ReasonClosed))
	assert.False(t, m.Active(id))
	assert.False(t, m.Touch(id))
	require.Eventually(t, func() bool {
		all := rec.all()
		return len(all) == 1 && all[0] == ReasonClosed
	}, time.Second, 5*time.Millisecond)
}

func TestManager_DuplicateOpenRejected(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	id := uuid.New()
	require.NoError(t, m.Open(context.Background(), id, 1))
	assert.ErrorIs(t, m.Open(context.Background(), id, 1), ErrSessionExists)
}

func TestManager_TombstoneRejectsReuse(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	id := uuid.New()
	require.NoError(t, m.Open(context.Background(), id, 1))
	require.NoError(t, m.End(id, ReasonClosed))

	assert.ErrorIs(t, m.Open(context.Background(), id, 1), ErrSessionReused)
}

// All links dying ends the session exactly once; traffic arriving
// afterwards finds no session to land in.
func TestManager_AllLinksDeadEndsExactlyOnce(t *testing.T) {
	m, rec := newTestManager(t, DefaultConfig())
	id := uuid.New()
	require.NoError(t, m.Open(context.Background(), id, 2))

	require.NoError(t, m.End(id, ReasonLinksDead))
	assert.ErrorIs(t, m.End(id, ReasonLinksDead), ErrUnknownSession)

	require.Eventually(t, func() bool { return len(rec.all()) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // a second notification would land here
	assert.Equal(t, []Reason{ReasonLinksDead}, rec.all())
	assert.False(t, m.Touch(id), "ended session must not accept traffic")
}

func TestManager_InactivityExpiry(t *testing.T) {
	cfg := Config{InactivityTimeout: 50 * time.Millisecond, TombstoneTTL: time.Minute}
	m, rec := newTestManager(t, cfg)
	id := uuid.New()
	require.NoError(t, m.Open(context.Background(), id, 1))

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, 2*time.Second, 10*time.Millisecond, "session should expire without traffic")
	assert.Equal(t, ReasonInactivity, rec.all()[0])
	assert.ErrorIs(t, m.Open(context.Background(), id, 1), ErrSessionReused)
}

func TestManager_TouchDefersExpiry(t *testing.T) {
	cfg := Config{InactivityTimeout: 150 * time.Millisecond, TombstoneTTL: time.Minute}
	m, rec := newTestManager(t, cfg)
	id := uuid.New()
	require.NoError(t, m.Open(context.Background(), id, 1))

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		assert.True(t, m.Touch(id), "touched session expired early")
	}
	assert.Empty(t, rec.all())
}
