package transport

import (
	"sync"
	"time"
)

// ReceiveSample is one reporting window's worth of receive-side
// measurements for a link.
type ReceiveSample struct {
	// Received is the cumulative datagram count since tracking began; the
	// peer diffs it against its own send counter to derive loss.
	Received uint64
	// BandwidthKbps is the throughput observed over the window.
	BandwidthKbps uint32
	// JitterMicros is the smoothed interarrival jitter.
	JitterMicros uint32
}

// ReceiveStats accumulates per-link receive measurements for periodic link
// reports: cumulative count, windowed throughput, and interarrival jitter
// smoothed the RFC 3550 way (1/16 gain on the gap variation).
type ReceiveStats struct {
	mu          sync.Mutex
	received    uint64
	windowBytes uint64
	windowStart time.Time
	lastArrival time.Time
	lastGap     time.Duration
	jitter      float64 // microseconds

	now func() time.Time
}

// NewReceiveStats creates an empty tracker.
func NewReceiveStats() *ReceiveStats {
	return &ReceiveStats{now: time.Now}
}

// Observe counts one received datagram of n bytes.
func (s *ReceiveStats) Observe(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.received++
	s.windowBytes += uint64(n)
	if !s.lastArrival.IsZero() {
		gap := now.Sub(s.lastArrival)
		if s.lastGap > 0 {
			d := gap - s.lastGap
			if d < 0 {
				d = -d
			}
			s.jitter += (float64(d.Microseconds()) - s.jitter) / 16
		}
		s.lastGap = gap
	}
	s.lastArrival = now
}

// Sample snapshots the current measurements and starts a new throughput
// window. The cumulative count and jitter estimate carry across windows.
func (s *ReceiveStats) Sample() ReceiveSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := ReceiveSample{
		Received:     s.received,
		JitterMicros: uint32(s.jitter),
	}
	if !s.windowStart.IsZero() {
		if elapsed := now.Sub(s.windowStart); elapsed > 0 {
			out.BandwidthKbps = uint32(float64(s.windowBytes) * 8 / elapsed.Seconds() / 1000)
		}
	}
	s.windowBytes = 0
	s.windowStart = now
	return out
}
