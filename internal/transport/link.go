// Package transport defines the abstract Link the scheduler and receiver
// operate on, plus the concrete implementations: a QUIC datagram link for
// real networks and an in-memory pipe link with injectable impairment.
// The core never learns whether a link is real hardware or a simulation;
// it sees only datagrams and the health signals derived from them.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Send when the link's outstanding-send
	// queue is saturated. The scheduler treats it as zero headroom.
	ErrQueueFull = errors.New("transport: send queue full")
	// ErrClosed is returned once a link has been closed.
	ErrClosed = errors.New("transport: link closed")
)

// Link is one physical or simulated path in the bond. Send must not block
// indefinitely: it either queues the datagram or fails fast. Receive
// blocks until a datagram arrives, the context is cancelled, or the link
// closes.
type Link interface {
	ID() uuid.UUID
	Send(ctx context.Context, datagram []byte) error
	Receive(ctx context.Context) ([]byte, error)
	// Occupancy reports the outstanding-send queue fill, used for
	// headroom-weighted link selection.
	Occupancy() (queued, capacity int)
	Close() error
}
