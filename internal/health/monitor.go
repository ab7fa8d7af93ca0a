// Package health turns raw radio telemetry and transport feedback into a
// per-link scalar health score, and recommends frequency band switches on
// sustained degradation. Scores are always readable without blocking; the
// scheduler reads the latest value, never waits for one.
package health

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bondcast/core/internal/observability"
)

// Metric identifies one telemetry stream feeding a link's score.
type Metric uint8

const (
	MetricRSRP Metric = iota + 1 // reference signal received power, dBm
	MetricRSRQ                   // reference signal received quality, dB
	MetricSINR                   // signal to interference+noise ratio, dB
	MetricCQI                    // channel quality indicator, 0-15
	MetricLoss                   // observed loss rate, 0-1
	MetricJitter                 // observed jitter, milliseconds
)

// Sample is one telemetry measurement for a link.
type Sample struct {
	Metric Metric
	Value  float64
}

// Band identifies a frequency band a modem can lock to.
type Band uint8

const (
	BandAuto Band = iota
	BandLow
	BandMid
	BandHigh
)

// Recommendation asks the modem layer to switch a link off its current
// band after sustained degradation.
type Recommendation struct {
	Link  uuid.UUID
	From  Band
	Score float64
}

// Config tunes scoring thresholds and band-lock hysteresis.
type Config struct {
	// DegradedThreshold is the score below which a link counts as degraded.
	DegradedThreshold float64
	// RecoveredThreshold is the score a link must sustain to confirm
	// recovery. Kept above DegradedThreshold so links do not flap.
	RecoveredThreshold float64
	// HysteresisWindow is how long a condition must hold before it acts.
	HysteresisWindow time.Duration
	// BandSwitchInterval rate-limits band recommendations per link.
	BandSwitchInterval time.Duration
}

// DefaultConfig returns monitor defaults.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold:  0.40,
		RecoveredThreshold: 0.60,
		HysteresisWindow:   5 * time.Second,
		BandSwitchInterval: 30 * time.Second,
	}
}

// metric weights in the combined score. Transport feedback dominates:
// observed loss is the most direct quality signal available.
var scoreWeights = map[Metric]float64{
	MetricRSRP:   0.15,
	MetricRSRQ:   0.10,
	MetricSINR:   0.20,
	MetricCQI:    0.10,
	MetricLoss:   0.30,
	MetricJitter: 0.15,
}

// filter noise per metric: radio metrics are noisy, transport feedback
// already arrives averaged over a report interval.
var filterNoise = map[Metric]struct{ process, measurement float64 }{
	MetricRSRP:   {0.05, 4.0},
	MetricRSRQ:   {0.05, 2.0},
	MetricSINR:   {0.08, 3.0},
	MetricCQI:    {0.10, 1.5},
	MetricLoss:   {0.01, 0.02},
	MetricJitter: {0.50, 8.0},
}

// LinkHealth is a read-only telemetry snapshot for one link, exposed to
// the management plane.
type LinkHealth struct {
	Link      uuid.UUID
	Score     float64
	Band      Band
	UpdatedAt time.Time
}

type linkEstimator struct {
	filters    map[Metric]*kalmanFilter
	score      float64
	band       Band
	limiter    *rate.Limiter
	belowSince time.Time
	aboveSince time.Time
	// awaitingConfirm blocks further recommendations until observed
	// improvement confirms the last switch helped.
	awaitingConfirm bool
	updatedAt       time.Time
}

// Monitor tracks health scores for a set of links.
type Monitor struct {
	mu    sync.RWMutex
	links map[uuid.UUID]*linkEstimator

	cfg         Config
	log         *observability.Logger
	metrics     *observability.Metrics
	onRecommend func(Recommendation)

	now func() time.Time
}

// NewMonitor creates a health monitor. onRecommend receives band switch
// recommendations and may be nil.
func NewMonitor(cfg Config, log *observability.Logger, metrics *observability.Metrics, onRecommend func(Recommendation)) *Monitor {
	return &Monitor{
		links:       make(map[uuid.UUID]*linkEstimator),
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		onRecommend: onRecommend,
		now:         time.Now,
	}
}

// Track registers a link. Observing an unknown link also registers it;
// Track exists so callers can set the starting band.
func (m *Monitor) Track(link uuid.UUID, band Band) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimatorLocked(link).band = band
}

// Forget drops all state for a link on teardown.
func (m *Monitor) Forget(link uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, link)
}

// Observe folds a telemetry sample into the link's filters and recomputes
// its score. Emits a band recommendation when degradation has persisted
// past the hysteresis window.
func (m *Monitor) Observe(link uuid.UUID, s Sample) {
	var rec *Recommendation

	m.mu.Lock()
	est := m.estimatorLocked(link)
	f, ok := est.filters[s.Metric]
	if !ok {
		noise := filterNoise[s.Metric]
		f = newKalmanFilter(noise.process, noise.measurement)
		est.filters[s.Metric] = f
	}
	f.Update(s.Value)
	est.score = combineScore(est.filters)
	est.updatedAt = m.now()
	rec = m.bandCheckLocked(link, est)
	score := est.score
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.LinkHealthScore.WithLabelValues(link.String()).Set(score)
	}
	if rec != nil {
		if m.log != nil {
			m.log.BandSwitchRecommended(link, uint8(rec.From), rec.Score)
		}
		if m.metrics != nil {
			m.metrics.BandSwitchesRecommended.Inc()
		}
		if m.onRecommend != nil {
			m.onRecommend(*rec)
		}
	}
}

// ObserveTransport folds a transport feedback pair (loss rate in [0,1],
// jitter in milliseconds) into the link's score.
func (m *Monitor) ObserveTransport(link uuid.UUID, lossRate, jitterMillis float64) {
	m.Observe(link, Sample{Metric: MetricLoss, Value: lossRate})
	m.Observe(link, Sample{Metric: MetricJitter, Value: jitterMillis})
}

// Score returns the latest health score for a link. Never blocks. Unknown
// links score zero.
func (m *Monitor) Score(link uuid.UUID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if est, ok := m.links[link]; ok {
		return est.score
	}
	return 0
}

// SetBand records a confirmed band lock for a link.
func (m *Monitor) SetBand(link uuid.UUID, band Band) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimatorLocked(link).band = band
}

// Snapshot returns read-only telemetry for every tracked link.
func (m *Monitor) Snapshot() []LinkHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LinkHealth, 0, len(m.links))
	for id, est := range m.links {
		out = append(out, LinkHealth{
			Link:      id,
			Score:     est.score,
			Band:      est.band,
			UpdatedAt: est.updatedAt,
		})
	}
	return out
}

func (m *Monitor) estimatorLocked(link uuid.UUID) *linkEstimator {
	est, ok := m.links[link]
	if !ok {
		est = &linkEstimator{
			filters: make(map[Metric]*kalmanFilter),
			limiter: rate.NewLimiter(rate.Every(m.cfg.BandSwitchInterval), 1),
		}
		m.links[link] = est
	}
	return est
}

// bandCheckLocked runs the band-lock state machine for one link and
// returns a recommendation to emit after unlocking, or nil.
func (m *Monitor) bandCheckLocked(link uuid.UUID, est *linkEstimator) *Recommendation {
	now := m.now()
	switch {
	case est.score < m.cfg.DegradedThreshold:
		est.aboveSince = time.Time{}
		if est.belowSince.IsZero() {
			est.belowSince = now
			return nil
		}
		if now.Sub(est.belowSince) < m.cfg.HysteresisWindow {
			return nil
		}
		if est.awaitingConfirm || !est.limiter.AllowN(now, 1) {
			return nil
		}
		est.awaitingConfirm = true
		est.belowSince = now // restart the window for the next decision
		return &Recommendation{Link: link, From: est.band, Score: est.score}

	case est.score >= m.cfg.RecoveredThreshold:
		est.belowSince = time.Time{}
		if !est.awaitingConfirm {
			return nil
		}
		if est.aboveSince.IsZero() {
			est.aboveSince = now
			return nil
		}
		if now.Sub(est.aboveSince) >= m.cfg.HysteresisWindow {
			// Improvement confirmed; the next degradation may recommend
			// another switch.
			est.awaitingConfirm = false
			est.aboveSince = time.Time{}
		}
	default:
		est.aboveSince = time.Time{}
	}
	return nil
}

// combineScore maps every primed filter through its normalization and
// takes the weighted average, renormalized over the metrics seen so far.
// Result is clamped to [0,1].
func combineScore(filters map[Metric]*kalmanFilter) float64 {
	var sum, weight float64
	for metric, f := range filters {
		if !f.Primed() {
			continue
		}
		w := scoreWeights[metric]
		sum += w * normalize(metric, f.Value())
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return clamp01(sum / weight)
}

// normalize maps a filtered metric value to link quality in [0,1].
func normalize(metric Metric, v float64) float64 {
	switch metric {
	case MetricRSRP:
		return clamp01((v + 120) / 40) // -120..-80 dBm
	case MetricRSRQ:
		return clamp01((v + 20) / 15) // -20..-5 dB
	case MetricSINR:
		return clamp01((v + 5) / 30) // -5..25 dB
	case MetricCQI:
		return clamp01(v / 15)
	case MetricLoss:
		// 30% loss and beyond counts as unusable.
		return clamp01(1 - v/0.3)
	case MetricJitter:
		return clamp01(1 - v/100)
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
