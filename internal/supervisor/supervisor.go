// Package supervisor implements the loop-isolation boundary between the
// bridge's caller-facing goroutines and the single worker goroutine that
// runs submitted actions, such as transport writes. Connect and
// Disconnect run on the goroutine that calls Start and Stop; everything
// submitted runs on the worker goroutine, where callers either
// fire-and-forget (Submit) or block for a reply with a timeout
// (SubmitAwait), the same two shapes the teacher
// repo's EnclaveClient uses for its background BLE writer goroutine and
// its tryRequest/sendRequestAndReceiveResponses request/reply pair
// (agent/enclave_client.go).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/op/go-logging"

	"github.com/kryptco/ycybridge/internal/transport"
)

// ErrTimeout is returned by SubmitAwait when fn does not complete within
// the given timeout.
var ErrTimeout = errors.New("supervisor: request timed out")

// ErrQueueFull is returned when the worker's action queue is saturated;
// submit-await callers get it synchronously, fire-and-forget callers only
// see it in the log (see Submit).
var ErrQueueFull = errors.New("supervisor: action queue full")

// ErrNotRunning is returned by SubmitAwait before Start or after Stop;
// Submit drops its action silently in the same situation.
var ErrNotRunning = errors.New("supervisor: not running")

// actionQueueCapacity bounds how many pending actions (including
// in-flight submit-await calls) may be queued before new fire-and-forget
// submissions are dropped.
const actionQueueCapacity = 128

// Config configures Start. ScanTimeout bounds the combined
// scan-then-dial-then-discover phase; Start's own bound adds 15s of
// slack on top of it for GATT discovery, matching the margin the spec
// gives the transport beyond its own scan deadline.
type Config struct {
	DeviceAddress string
	ScanTimeout   time.Duration
}

// Supervisor owns one Transport and a single worker goroutine that
// serializes all access to it.
type Supervisor struct {
	transport transport.Transport
	log       *logging.Logger

	actions chan func()
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Supervisor around tp. Only the actions submitted to the
// worker are serialized; the supervisor does not stop other goroutines
// from calling tp directly.
func New(tp transport.Transport, log *logging.Logger) *Supervisor {
	return &Supervisor{transport: tp, log: log}
}

// Start connects the transport and spawns the worker goroutine. It
// blocks until the connection is established, fails, or the connect
// bound elapses: ScanTimeout (10s if unset) plus a 15s discovery margin,
// or ctx's own deadline if that comes first.
func (s *Supervisor) Start(ctx context.Context, cfg Config) error {
	scanTimeout := cfg.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, scanTimeout+15*time.Second)
	defer cancelConnect()

	if err := s.transport.Connect(connectCtx); err != nil {
		return fmt.Errorf("supervisor: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.actions = make(chan func(), actionQueueCapacity)
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Stop cancels the worker loop, waits for it to drain, and disconnects
// the transport. Callers must invoke it explicitly; nothing stops the
// loop automatically on its own (there is no finalizer or idle timeout).
func (s *Supervisor) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	return s.transport.Disconnect()
}

func (s *Supervisor) running() bool {
	return s.actions != nil && s.cancel != nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-s.actions:
			action()
		}
	}
}

// Submit enqueues fn to run on the worker goroutine without waiting for
// it. If the queue is saturated, fn is dropped and the drop is logged
// (callers needing a guaranteed outcome must use SubmitAwait).
func (s *Supervisor) Submit(fn func()) {
	if !s.running() {
		return
	}
	select {
	case s.actions <- fn:
	default:
		if s.log != nil {
			s.log.Warning("supervisor: action queue full, dropping fire-and-forget action")
		}
	}
}

// SubmitAwait enqueues fn and blocks for its result, or for timeout,
// whichever comes first. fn itself always runs to completion on the
// worker goroutine even if the caller times out waiting for it.
func (s *Supervisor) SubmitAwait(timeout time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	if !s.running() {
		return nil, ErrNotRunning
	}

	type result struct {
		value interface{}
		err   error
	}
	cb := make(chan result, 1)

	select {
	case s.actions <- func() {
		v, err := fn()
		cb <- result{v, err}
	}:
	default:
		return nil, ErrQueueFull
	}

	select {
	case r := <-cb:
		return r.value, r.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}
