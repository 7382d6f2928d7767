package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kryptco/ycybridge/internal/valuemap"
	"github.com/kryptco/ycybridge/internal/wire"
)

func withFastTick(t *testing.T) {
	old := tickInterval
	tickInterval = 5 * time.Millisecond
	t.Cleanup(func() { tickInterval = old })
}

func TestPlayer_EmitsQueuedFramesInOrder(t *testing.T) {
	withFastTick(t)

	var mu sync.Mutex
	var got []valuemap.CustomParams
	applied := make(chan struct{}, 10)

	apply := func(ctx context.Context, ch wire.Channel, p valuemap.CustomParams) error {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		applied <- struct{}{}
		return nil
	}

	p := New(wire.ChannelA, apply, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Add(ctx, valuemap.CustomParams{Frequency: 1, PulseWidth: 1}, valuemap.CustomParams{Frequency: 2, PulseWidth: 2})

	for i := 0; i < 2; i++ {
		select {
		case <-applied:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for playback")
		}
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Frequency != 1 || got[1].Frequency != 2 {
		t.Fatalf("got %+v, want in-order [1,2]", got)
	}
}

func TestPlayer_DropsWhenQueueFull(t *testing.T) {
	withFastTick(t)

	block := make(chan struct{})
	apply := func(ctx context.Context, ch wire.Channel, p valuemap.CustomParams) error {
		<-block
		return nil
	}

	p := New(wire.ChannelA, apply, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	many := make([]valuemap.CustomParams, queueCapacity+50)
	p.Add(ctx, many...)
	close(block)
	p.Stop()
	// No assertion beyond "did not deadlock or panic": overflow frames
	// are dropped silently per spec, there is no observable count.
}

func TestPlayer_ClearDrainsQueue(t *testing.T) {
	withFastTick(t)

	calls := make(chan struct{}, 100)
	apply := func(ctx context.Context, ch wire.Channel, p valuemap.CustomParams) error {
		calls <- struct{}{}
		return nil
	}

	p := New(wire.ChannelA, apply, nil)
	ctx := context.Background()

	// Fill the queue without starting the loop (simulate add-then-clear
	// as clear_pulses/add_pulses atomicity requires at the bridge layer).
	for i := 0; i < 10; i++ {
		p.queue <- valuemap.CustomParams{Frequency: i}
	}
	p.Clear()

	p.Add(ctx, valuemap.CustomParams{Frequency: 99})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the post-clear frame")
	}
	p.Stop()

	select {
	case <-calls:
		t.Fatal("received a call from a frame that should have been cleared")
	default:
	}
}

func TestPlayer_StopIsIdempotentAndCancelsCleanly(t *testing.T) {
	withFastTick(t)
	p := New(wire.ChannelB, func(context.Context, wire.Channel, valuemap.CustomParams) error { return nil }, nil)
	ctx := context.Background()
	p.Start(ctx)
	p.Stop()
	p.Stop() // must not panic or block
}
