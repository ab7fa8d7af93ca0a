package transport

import (
	"context"
	"testing"
	"time"
)

func TestPipe_DeliversBothDirections(t *testing.T) {
	a, b := Pipe(PipeOptions{Seed: 1})
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q", got)
	}

	if err := b.Send(ctx, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	if got, err = a.Receive(ctx); err != nil || string(got) != "pong" {
		t.Fatalf("reverse direction: %q, %v", got, err)
	}
}

func TestPipe_LossRateDropsRoughly(t *testing.T) {
	a, b := Pipe(PipeOptions{LossRate: 0.5, Capacity: 2048, Seed: 42})
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	const n = 1000
	for i := 0; i < n; i++ {
		if err := a.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	delivered := len(b.inbox)
	if delivered < n/4 || delivered > 3*n/4 {
		t.Fatalf("expected roughly half delivered, got %d/%d", delivered, n)
	}
}

func TestPipe_ClosedLinkRefuses(t *testing.T) {
	a, b := Pipe(PipeOptions{Seed: 7})
	a.Close()
	if err := a.Send(context.Background(), []byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); err != ErrClosed {
		t.Fatalf("expected ErrClosed from Receive, got %v", err)
	}
}

func TestPipe_OccupancyReflectsQueue(t *testing.T) {
	a, b := Pipe(PipeOptions{Capacity: 8, Seed: 3})
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a.Send(ctx, []byte{1})
	}
	queued, capacity := a.Occupancy()
	if queued != 3 || capacity != 8 {
		t.Fatalf("occupancy %d/%d, want 3/8", queued, capacity)
	}
}
