package health

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bondcast/core/internal/observability"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(onRec func(Recommendation)) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMonitor(DefaultConfig(), observability.NopLogger(), nil, onRec)
	m.now = clock.now
	return m, clock
}

func TestKalman_ConvergesAndSmooths(t *testing.T) {
	f := newKalmanFilter(0.05, 4.0)
	for i := 0; i < 50; i++ {
		f.Update(-90)
	}
	if est := f.Value(); est < -91 || est > -89 {
		t.Fatalf("filter did not converge: %v", est)
	}
	// A single outlier must not drag the estimate far.
	f.Update(-120)
	if est := f.Value(); est < -95 {
		t.Fatalf("filter overreacted to outlier: %v", est)
	}
}

func TestMonitor_ScoreClampedAndNonBlocking(t *testing.T) {
	m, _ := newTestMonitor(nil)
	link := uuid.New()

	m.Observe(link, Sample{Metric: MetricSINR, Value: 500}) // far above range
	if s := m.Score(link); s != 1 {
		t.Fatalf("expected clamped score 1, got %v", s)
	}
	m.Observe(link, Sample{Metric: MetricLoss, Value: 1.0})
	if s := m.Score(link); s < 0 || s > 1 {
		t.Fatalf("score out of range: %v", s)
	}
	if s := m.Score(uuid.New()); s != 0 {
		t.Fatalf("unknown link should score 0, got %v", s)
	}
}

func TestMonitor_LossDegradesScore(t *testing.T) {
	m, _ := newTestMonitor(nil)
	clean, lossy := uuid.New(), uuid.New()
	for i := 0; i < 20; i++ {
		m.ObserveTransport(clean, 0.0, 5)
		m.ObserveTransport(lossy, 0.25, 40)
	}
	if m.Score(clean) <= m.Score(lossy) {
		t.Fatalf("clean link %v should outscore lossy link %v", m.Score(clean), m.Score(lossy))
	}
}

// degrade pushes enough bad loss samples to hold score below the degraded
// threshold, advancing the clock between observations.
func degrade(m *Monitor, clock *fakeClock, link uuid.UUID, step time.Duration, n int) {
	for i := 0; i < n; i++ {
		m.Observe(link, Sample{Metric: MetricLoss, Value: 0.3})
		clock.advance(step)
	}
}

func TestMonitor_BandRecommendationRequiresHysteresis(t *testing.T) {
	var recs []Recommendation
	m, clock := newTestMonitor(func(r Recommendation) { recs = append(recs, r) })
	link := uuid.New()
	m.Track(link, BandMid)

	// One bad sample alone must not recommend.
	m.Observe(link, Sample{Metric: MetricLoss, Value: 0.3})
	if len(recs) != 0 {
		t.Fatalf("recommended after a single bad sample")
	}

	// Sustained degradation past the window does.
	degrade(m, clock, link, time.Second, 7)
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 recommendation, got %d", len(recs))
	}
	if recs[0].Link != link || recs[0].From != BandMid {
		t.Fatalf("unexpected recommendation: %+v", recs[0])
	}
}

func TestMonitor_BandRecommendationAwaitsConfirmation(t *testing.T) {
	var recs []Recommendation
	m, clock := newTestMonitor(func(r Recommendation) { recs = append(recs, r) })
	link := uuid.New()

	degrade(m, clock, link, time.Second, 7)
	if len(recs) != 1 {
		t.Fatalf("expected first recommendation, got %d", len(recs))
	}

	// Still degraded long past the rate limit: no second recommendation
	// until improvement is confirmed.
	degrade(m, clock, link, time.Second, 60)
	if len(recs) != 1 {
		t.Fatalf("recommended again without confirmed improvement: %d", len(recs))
	}

	// Sustained recovery confirms the switch.
	for i := 0; i < 10; i++ {
		m.Observe(link, Sample{Metric: MetricLoss, Value: 0.0})
		clock.advance(time.Second)
	}

	// Now a fresh degradation may recommend again.
	degrade(m, clock, link, time.Second, 7)
	if len(recs) != 2 {
		t.Fatalf("expected second recommendation after confirmation, got %d", len(recs))
	}
}

func TestMonitor_RecommendationsRateLimited(t *testing.T) {
	var recs []Recommendation
	cfg := DefaultConfig()
	cfg.BandSwitchInterval = time.Hour
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMonitor(cfg, observability.NopLogger(), nil, func(r Recommendation) { recs = append(recs, r) })
	m.now = clock.now
	link := uuid.New()

	degrade(m, clock, link, time.Second, 7)
	// Confirm improvement quickly, then degrade again well inside the
	// rate-limit interval.
	for i := 0; i < 10; i++ {
		m.Observe(link, Sample{Metric: MetricLoss, Value: 0.0})
		clock.advance(time.Second)
	}
	degrade(m, clock, link, time.Second, 7)

	if len(recs) != 1 {
		t.Fatalf("rate limiter should hold the second recommendation, got %d", len(recs))
	}
}

func TestMonitor_SnapshotAndForget(t *testing.T) {
	m, _ := newTestMonitor(nil)
	link := uuid.New()
	m.Track(link, BandHigh)
	m.Observe(link, Sample{Metric: MetricCQI, Value: 12})

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 snapshot entry, got %d", len(snap))
	}
	if snap[0].Link != link || snap[0].Band != BandHigh {
		t.Fatalf("unexpected snapshot: %+v", snap[0])
	}
	if snap[0].Score <= 0 {
		t.Fatalf("expected positive score, got %v", snap[0].Score)
	}

	m.Forget(link)
	if len(m.Snapshot()) != 0 {
		t.Fatal("Forget did not drop link state")
	}
}
