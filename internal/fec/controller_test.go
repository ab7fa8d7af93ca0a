package fec

import (
	"testing"
	"time"
)

func newTestController(initR int) (*Controller, *time.Time, *[]int) {
	var applied []int
	ctl := NewController(DefaultControllerConfig(), initR, func(r int, reason string) {
		applied = append(applied, r)
	})
	now := time.Unix(1_700_000_000, 0)
	ctl.now = func() time.Time { return now }
	return ctl, &now, &applied
}

func TestController_RaisesRedundancyUnderLoss(t *testing.T) {
	ctl, now, applied := newTestController(2)

	ctl.Loss().OnSent(100)
	ctl.Loss().OnLost(15) // 15% loss
	*now = now.Add(10 * time.Second)
	ctl.Tick()

	if ctl.Redundancy() != 4 {
		t.Fatalf("expected redundancy 4 after heavy loss, got %d", ctl.Redundancy())
	}
	if len(*applied) != 1 || (*applied)[0] != 4 {
		t.Fatalf("apply callback not invoked correctly: %v", *applied)
	}
}

func TestController_ObservationHysteresis(t *testing.T) {
	ctl, now, _ := newTestController(2)

	ctl.Loss().OnSent(100)
	ctl.Loss().OnLost(15)
	*now = now.Add(10 * time.Second)
	ctl.Tick()
	r := ctl.Redundancy()

	// Immediately after a change, more loss must not change R again.
	ctl.Loss().OnSent(100)
	ctl.Loss().OnLost(20)
	*now = now.Add(time.Second)
	ctl.Tick()
	if ctl.Redundancy() != r {
		t.Fatalf("redundancy changed inside observation window: %d -> %d", r, ctl.Redundancy())
	}
}

func TestController_DecaysWhenClean(t *testing.T) {
	ctl, now, _ := newTestController(4)

	// EMA needs several clean windows to fall below 1%.
	for i := 0; i < 30; i++ {
		ctl.Loss().OnSent(100)
		*now = now.Add(10 * time.Second)
		ctl.Tick()
	}
	if ctl.Redundancy() != DefaultControllerConfig().MinR {
		t.Fatalf("expected decay to MinR, got %d", ctl.Redundancy())
	}
}

func TestLossEstimator_EMASmoothing(t *testing.T) {
	le := &LossEstimator{}
	le.OnSent(100)
	le.OnLost(30)
	if got := le.Roll(); got != 0.3 {
		t.Fatalf("first roll should prime to the raw rate, got %v", got)
	}
	le.OnSent(100)
	if got := le.Roll(); got >= 0.3 || got <= 0 {
		t.Fatalf("clean window should decay the estimate, got %v", got)
	}
	// Empty window keeps the estimate.
	if got := le.Roll(); got != le.Estimate() {
		t.Fatalf("empty window changed estimate: %v", got)
	}
}
