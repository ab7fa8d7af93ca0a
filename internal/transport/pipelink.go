package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PipeOptions configures the impairment an in-memory link pair injects.
// Zero values mean a perfect link.
type PipeOptions struct {
	LossRate      float64 // probability a datagram is silently dropped
	DuplicateRate float64 // probability a datagram is delivered twice
	Delay         time.Duration
	Jitter        time.Duration // uniform extra delay, also causes reordering
	Capacity      int           // inbox depth per direction
	Seed          int64
}

// PipeLink is one end of an in-memory link pair. It implements Link and
// injects configurable loss, duplication, delay and reordering, so
// scheduler and receiver tests exercise the same code paths a real
// impaired network would.
type PipeLink struct {
	id    uuid.UUID
	inbox chan []byte
	peer  *PipeLink
	opts  PipeOptions

	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
	done   chan struct{}
}

// Pipe creates a connected link pair sharing the same impairment profile.
func Pipe(opts PipeOptions) (*PipeLink, *PipeLink) {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	a := &PipeLink{
		id:    uuid.New(),
		inbox: make(chan []byte, opts.Capacity),
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed)),
		done:  make(chan struct{}),
	}
	b := &PipeLink{
		id:    uuid.New(),
		inbox: make(chan []byte, opts.Capacity),
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed + 1)),
		done:  make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (l *PipeLink) ID() uuid.UUID { return l.id }

func (l *PipeLink) Send(ctx context.Context, datagram []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	drop := l.rng.Float64() < l.opts.LossRate
	dup := l.rng.Float64() < l.opts.DuplicateRate
	delay := l.opts.Delay
	if l.opts.Jitter > 0 {
		delay += time.Duration(l.rng.Int63n(int64(l.opts.Jitter)))
	}
	l.mu.Unlock()

	if drop {
		return nil // loss is invisible to the sender
	}
	buf := make([]byte, len(datagram))
	copy(buf, datagram)
	copies := 1
	if dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if delay > 0 {
			time.AfterFunc(delay, func() { l.peer.deliver(buf) })
		} else {
			l.peer.deliver(buf)
		}
	}
	return nil
}

func (l *PipeLink) deliver(buf []byte) {
	select {
	case <-l.done:
	case l.inbox <- buf:
	default:
		// Inbox overflow behaves like tail-drop on a saturated path.
	}
}

func (l *PipeLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-l.inbox:
		return buf, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeLink) Occupancy() (queued, capacity int) {
	return len(l.peer.inbox), cap(l.peer.inbox)
}

func (l *PipeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}
