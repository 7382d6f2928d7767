// Package player implements the per-channel waveform player: a bounded
// queue of custom-mode parameter pairs and a 10Hz playback loop that
// drains it through the channel cache and transport.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/kryptco/ycybridge/internal/valuemap"
	"github.com/kryptco/ycybridge/internal/wire"
)

// queueCapacity bounds the per-channel waveform queue (spec: 500 frames).
const queueCapacity = 500

// tickInterval is both the pop wait bound and the inter-emission spacing
// (spec: 100ms, i.e. 10Hz). A var, not a const, purely so tests can shrink
// it; production callers never change it.
var tickInterval = 100 * time.Millisecond

// Apply performs one playback tick's side effect: composing and sending
// the custom-mode command for the player's channel. It must no-op
// (return nil) rather than error when the channel is currently disabled,
// matching channel.Cache.ApplyCustomWave's contract.
type Apply func(ctx context.Context, ch wire.Channel, params valuemap.CustomParams) error

// Player is one channel's waveform queue and playback loop. The zero
// value is not usable; construct with New.
type Player struct {
	channel wire.Channel
	apply   Apply
	log     *logging.Logger

	queue chan valuemap.CustomParams

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a player for ch. apply is invoked once per playback tick
// with the next queued parameters.
func New(ch wire.Channel, apply Apply, log *logging.Logger) *Player {
	return &Player{
		channel: ch,
		apply:   apply,
		log:     log,
		queue:   make(chan valuemap.CustomParams, queueCapacity),
	}
}

// Add enqueues params at the back of the queue, dropping the newest
// frames silently if the queue is full (freshness over completeness).
// Starts the playback loop if not running.
func (p *Player) Add(ctx context.Context, params ...valuemap.CustomParams) {
	for _, pr := range params {
		select {
		case p.queue <- pr:
		default:
			if p.log != nil {
				p.log.Debugf("channel %v: waveform queue full, dropping frame", p.channel)
			}
		}
	}
	p.Start(ctx)
}

// Clear drains the queue without affecting whether the loop is running.
func (p *Player) Clear() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// Start spawns the playback goroutine if it is not already running.
func (p *Player) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.run(runCtx, p.done)
}

// Stop cooperatively cancels the playback goroutine and waits for it to
// exit.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Player) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case params := <-p.queue:
			if err := p.apply(ctx, p.channel, params); err != nil {
				if p.log != nil {
					p.log.Warningf("channel %v: waveform apply error: %v", p.channel, err)
				}
			}
			select {
			case <-time.After(tickInterval):
			case <-ctx.Done():
				return
			}
		case <-time.After(tickInterval):
			// nothing queued within the bound; idle and try again.
		}
	}
}
