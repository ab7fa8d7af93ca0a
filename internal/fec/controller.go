package fec

import (
	"sync"
	"time"
)

// LossEstimator tracks aggregate sent/lost counts and exposes a smoothed
// loss rate. Estimates use an exponential moving average so a single bad
// report interval does not whipsaw the redundancy ratio.
type LossEstimator struct {
	mu         sync.Mutex
	windowSent int64
	windowLost int64
	ema        float64
	primed     bool
}

const lossEMAAlpha = 0.3

// OnSent records n packets handed to links.
func (le *LossEstimator) OnSent(n int64) {
	le.mu.Lock()
	le.windowSent += n
	le.mu.Unlock()
}

// OnLost records n packets reported or inferred lost.
func (le *LossEstimator) OnLost(n int64) {
	le.mu.Lock()
	le.windowLost += n
	le.mu.Unlock()
}

// Roll folds the current window into the moving average and starts a new
// window. Returns the updated estimate.
func (le *LossEstimator) Roll() float64 {
	le.mu.Lock()
	defer le.mu.Unlock()
	if le.windowSent > 0 {
		rate := float64(le.windowLost) / float64(le.windowSent)
		if !le.primed {
			le.ema = rate
			le.primed = true
		} else {
			le.ema = lossEMAAlpha*rate + (1-lossEMAAlpha)*le.ema
		}
	}
	le.windowSent = 0
	le.windowLost = 0
	return le.ema
}

// Estimate returns the current smoothed loss rate.
func (le *LossEstimator) Estimate() float64 {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.ema
}

// ControllerConfig bounds the adaptive redundancy ratio.
type ControllerConfig struct {
	MinR           int
	MaxR           int
	MinObservation time.Duration // minimum time between changes
}

// DefaultControllerConfig returns controller defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MinR:           1,
		MaxR:           8,
		MinObservation: 5 * time.Second,
	}
}

// Controller adapts the parity shard count to aggregate observed loss.
// The scheduler calls Tick on its housekeeping interval; changes are
// applied through the callback so the encoder swaps parameters at a group
// boundary.
type Controller struct {
	mu         sync.Mutex
	cfg        ControllerConfig
	r          int
	loss       *LossEstimator
	lastChange time.Time
	apply      func(r int, reason string)
	now        func() time.Time
}

// NewController creates a redundancy controller starting at initR parity
// shards.
func NewController(cfg ControllerConfig, initR int, apply func(r int, reason string)) *Controller {
	return &Controller{
		cfg:   cfg,
		r:     initR,
		loss:  &LossEstimator{},
		apply: apply,
		now:   time.Now,
	}
}

// Loss exposes the controller's loss estimator for the scheduler to feed.
func (c *Controller) Loss() *LossEstimator { return c.loss }

// Redundancy returns the current parity shard count.
func (c *Controller) Redundancy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r
}

// Tick rolls the loss window and adjusts redundancy when the observation
// interval has elapsed since the last change.
func (c *Controller) Tick() {
	loss := c.loss.Roll()

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastChange) < c.cfg.MinObservation {
		return
	}

	next, reason := c.r, ""
	switch {
	case loss > 0.10 && c.r+2 <= c.cfg.MaxR:
		next, reason = c.r+2, "loss>10%"
	case loss > 0.03 && c.r+1 <= c.cfg.MaxR:
		next, reason = c.r+1, "loss>3%"
	case loss < 0.01 && c.r-1 >= c.cfg.MinR:
		next, reason = c.r-1, "loss<1%"
	}
	if next == c.r {
		return
	}
	c.r = next
	c.lastChange = now
	if c.apply != nil {
		c.apply(next, reason)
	}
}
