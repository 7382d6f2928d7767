// Package bridge is the facade the legacy-API server calls into: it
// composes the per-channel cache, waveform players, supervisor and
// transport into the operations the legacy protocol actually needs
// (set/adjust strength, queue waveform frames, select a preset, stop,
// and read back device status), hiding the target device's bit-level
// wire protocol entirely.
//
// The facade's shape — a struct wrapping a mutex-guarded cache plus a
// supervisor whose worker goroutine performs every transport write
// (notifications are read by a separate pump goroutine) — follows the teacher repo's EnclaveClient
// (agent/enclave_client.go): a small set of exported request methods,
// each either firing a background action or blocking on a reply
// channel with a timeout.
package bridge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/kryptco/ycybridge/internal/channel"
	"github.com/kryptco/ycybridge/internal/player"
	"github.com/kryptco/ycybridge/internal/supervisor"
	"github.com/kryptco/ycybridge/internal/transport"
	"github.com/kryptco/ycybridge/internal/valuemap"
	"github.com/kryptco/ycybridge/internal/wire"
)

// queryTimeout bounds the supervisor write call and, separately, the
// wait for a matching reply after it, so a query can take up to twice
// this long; the device is expected to answer a query
// within one BLE connection interval's worth of round trips, and the
// legacy-API caller would rather see a sentinel than hang. A var, not a
// const, purely so tests can shrink it; production callers never change
// it.
var queryTimeout = 5 * time.Second

// LegacyStrength is one channel's current strength in the legacy API's
// 0-200 scale, as delivered on a StrengthStream subscription.
// Disconnected marks the final update sent for each channel immediately
// before a stream closes because the transport reports the device link
// is down; Value is meaningless when Disconnected is true.
type LegacyStrength struct {
	Channel      wire.Channel
	Value        int
	Disconnected bool
}

// WaveformFrame is one 100ms legacy-API waveform frame.
type WaveformFrame = valuemap.Frame

// pendingQuery is one in-flight query awaiting its reply, matched by
// qtype against whatever the single notification pump decodes next.
// This mirrors the teacher repo's requestCallbacksByRequestID table
// (agent/enclave_client.go), keyed by query type instead of a request
// ID since the device protocol has no per-request correlation field.
type pendingQuery struct {
	qtype wire.QueryType
	reply chan *wire.Response
}

// Config configures a Bridge. Use DefaultConfig and override individual
// fields rather than constructing a zero Config, since several fields
// (StrengthLimit, ScanTimeout) are meaningless at their zero value.
type Config struct {
	DeviceAddress          string
	ScanTimeout            time.Duration
	StrengthLimit          int
	WaveformFreqPolicy     valuemap.FreqPolicy
	ChecksumVerifyOnQuery  bool
	ChecksumVerifyOnNotify bool
}

// DefaultConfig returns the facade's documented defaults for connecting
// to address (empty to accept the first device advertising the target
// service).
func DefaultConfig(address string) Config {
	return Config{
		DeviceAddress:          address,
		ScanTimeout:            10 * time.Second,
		StrengthLimit:          200,
		WaveformFreqPolicy:     valuemap.FixedHundred,
		ChecksumVerifyOnQuery:  true,
		ChecksumVerifyOnNotify: false,
	}
}

// Bridge is the legacy-API-facing facade over one target device
// connection. The zero value is not usable; construct with New.
type Bridge struct {
	cfg       Config
	log       *logging.Logger
	sessionID uuid.UUID

	cache   *channel.Cache
	players [2]*player.Player
	sup     *supervisor.Supervisor
	tp      transport.Transport

	mu        sync.Mutex
	status    [2]*wire.ChannelStatus
	battery   *byte
	stepCount *uint16
	imu       *wire.IMUSample
	lastErr   *wire.ErrorCode
	pending   []*pendingQuery

	notifyCancel context.CancelFunc
	notifyDone   chan struct{}
}

// New builds a Bridge around tp, not yet connected. Call Start to
// connect and begin serving.
func New(cfg Config, tp transport.Transport, log *logging.Logger) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		log:       log,
		sessionID: deriveSessionID(cfg.DeviceAddress),
		cache:     channel.NewCache(cfg.StrengthLimit),
		tp:        tp,
		sup:       supervisor.New(tp, log),
	}
	b.players[idx(wire.ChannelA)] = player.New(wire.ChannelA, b.applyCustomWave, log)
	b.players[idx(wire.ChannelB)] = player.New(wire.ChannelB, b.applyCustomWave, log)
	return b
}

// SessionID is a deterministic identifier for this device address,
// derived the same way the teacher repo derives its pairing UUID
// (src/common/protocol/pair.go's PairingSecret.DeriveUUID): sha256 of
// the identifying bytes, truncated to a UUID's 16 bytes. It is stable
// across restarts for the same DeviceAddress and is suitable for log
// correlation or persistence keys.
func (b *Bridge) SessionID() uuid.UUID { return b.sessionID }

func deriveSessionID(address string) uuid.UUID {
	digest := sha256.Sum256([]byte(address))
	id, err := uuid.FromBytes(digest[:16])
	if err != nil {
		// FromBytes only fails on a wrong-length slice; digest[:16] is
		// always exactly 16 bytes.
		panic(err)
	}
	return id
}

func idx(ch wire.Channel) int {
	switch ch {
	case wire.ChannelA:
		return 0
	case wire.ChannelB:
		return 1
	default:
		panic("bridge: operation requires ChannelA or ChannelB, not ChannelAB")
	}
}

// addressable expands ch into the channel(s) it addresses: itself for
// ChannelA/ChannelB, or both for the ChannelAB broadcast pseudo-channel.
// SetStrength and SetPulsePreset accept ChannelAB and fan out through
// this; per-channel operations like channel-status queries and waveform
// playback have no broadcast form and still require ChannelA/ChannelB.
func addressable(ch wire.Channel) []wire.Channel {
	if ch == wire.ChannelAB {
		return []wire.Channel{wire.ChannelA, wire.ChannelB}
	}
	return []wire.Channel{ch}
}

// Start connects the transport (via the supervisor) and begins pumping
// notifications. It blocks until connected or ctx/ScanTimeout expires.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.sup.Start(ctx, supervisor.Config{
		DeviceAddress: b.cfg.DeviceAddress,
		ScanTimeout:   b.cfg.ScanTimeout,
	}); err != nil {
		return fmt.Errorf("bridge: start: %w", err)
	}

	notifyCtx, cancel := context.WithCancel(context.Background())
	b.notifyCancel = cancel
	b.notifyDone = make(chan struct{})
	go b.pumpNotifications(notifyCtx)
	return nil
}

// Stop cancels waveform playback, stops the notification pump, and
// disconnects the transport. There is no automatic shutdown on garbage
// collection or idle timeout; callers own the lifecycle explicitly.
func (b *Bridge) Stop() error {
	b.players[0].Stop()
	b.players[1].Stop()
	if b.notifyCancel != nil {
		b.notifyCancel()
		<-b.notifyDone
	}
	return b.sup.Stop()
}

// SetStrength applies a legacy-API strength operation (absolute set or
// relative increase/decrease) to ch and sends the resulting
// channel-control frame(s). ch may be ChannelAB to apply the same
// operation to both channels. It does not wait for the device to
// acknowledge; the cache is updated synchronously so LegacyStrength
// reads are consistent even before the frame is transmitted.
func (b *Bridge) SetStrength(ch wire.Channel, op channel.Op, value int) {
	for _, c := range addressable(ch) {
		frame := b.cache.ApplyLegacyStrengthOp(c, op, value)
		b.writeAsync(frame)
	}
}

// LegacyStrength returns ch's last-commanded strength in the legacy
// API's 0-200 scale.
func (b *Bridge) LegacyStrength(ch wire.Channel) int {
	return b.cache.LegacyStrength(ch)
}

// SetPulsePreset selects one of the device's 16 built-in waveforms for
// ch (legacy-API catalog index, 0-15). ch may be ChannelAB to select the
// same preset on both channels. Any queued custom-mode frames for the
// affected channel(s) are cleared, matching the legacy API's "presets
// replace whatever was playing" semantics.
func (b *Bridge) SetPulsePreset(ch wire.Channel, presetIndex int) {
	for _, c := range addressable(ch) {
		b.players[idx(c)].Clear()
		if frame, ok := b.cache.ApplyPreset(c, presetIndex); ok {
			b.writeAsync(frame)
		}
	}
}

// AddPulses clears ch's queued-but-not-yet-played custom-mode frames and
// enqueues frames in their place, atomically from the caller's point of
// view: no previously queued frame is ever played after a call to
// AddPulses returns. Frames enqueued while ch is disabled or at minimum
// strength are silently dropped when the player reaches them
// (channel.Cache.ApplyCustomWave's no-op contract); they are not held
// until the channel becomes active.
func (b *Bridge) AddPulses(ctx context.Context, ch wire.Channel, frames ...WaveformFrame) {
	params := make([]valuemap.CustomParams, len(frames))
	for i, f := range frames {
		params[i] = valuemap.ConvertPulse(b.cfg.WaveformFreqPolicy, f)
	}
	player := b.players[idx(ch)]
	player.Clear()
	player.Add(ctx, params...)
}

// ClearPulses drops ch's queued-but-not-yet-played custom-mode frames
// without stopping the channel or affecting its current output.
func (b *Bridge) ClearPulses(ch wire.Channel) {
	b.players[idx(ch)].Clear()
}

// StopAll disables both channels immediately: playback queues are
// cleared, the cache resets to its initial (disabled, preset1) state,
// and a disable frame is sent for each channel.
func (b *Bridge) StopAll() {
	for _, ch := range [2]wire.Channel{wire.ChannelA, wire.ChannelB} {
		b.players[idx(ch)].Clear()
		frame := b.cache.Stop(ch)
		b.writeAsync(frame)
	}
}

// SetMotor drives the vibration motor into state.
func (b *Bridge) SetMotor(state wire.MotorState) {
	b.writeAsync(wire.EncodeMotorControl(state))
}

// SetStepControl drives the device's built-in step counter. This is a
// supplemental operation the legacy protocol never exposed; it is
// wired through for API completeness since the device supports it.
func (b *Bridge) SetStepControl(state wire.StepControlState) {
	b.writeAsync(wire.EncodeStepControl(state))
}

// SetAngleReporting enables or disables unsolicited IMU angle
// notifications. Another supplemental operation, not part of the
// legacy protocol's surface.
func (b *Bridge) SetAngleReporting(enabled bool) {
	b.writeAsync(wire.EncodeAngleControl(enabled))
}

// applyCustomWave is the waveform player's Apply callback: it composes
// the channel-control frame for the given custom params via the cache
// (which no-ops while the channel is inactive) and writes it.
func (b *Bridge) applyCustomWave(ctx context.Context, ch wire.Channel, params valuemap.CustomParams) error {
	if frame, ok := b.cache.ApplyCustomWave(ch, params.Frequency, params.PulseWidth); ok {
		b.writeAsync(frame)
	}
	return nil
}

func (b *Bridge) writeAsync(frame []byte) {
	b.sup.Submit(func() {
		if err := b.tp.Write(frame); err != nil && b.log != nil {
			b.log.Warningf("bridge: write failed: %v", err)
		}
	})
}

// Battery queries and returns the device's battery level (0-100). A
// query timeout is not surfaced as an error: it is reported as the
// documented sentinel -1, matching original_source's get_battery.
func (b *Bridge) Battery() (int, error) {
	v, err := b.query(wire.QueryBattery)
	if err != nil {
		if errors.Is(err, supervisor.ErrTimeout) {
			return -1, nil
		}
		return -1, err
	}
	return int(*v.Battery), nil
}

// ElectrodeStatus queries and returns ch's electrode connection state. A
// query timeout reports the documented sentinel ElectrodeDisconnected
// rather than an error, matching original_source's get_electrode_status.
func (b *Bridge) ElectrodeStatus(ch wire.Channel) (wire.ElectrodeStatus, error) {
	status, err := b.ChannelStatus(ch)
	if err != nil {
		return wire.ElectrodeDisconnected, err
	}
	if status == nil {
		return wire.ElectrodeDisconnected, nil
	}
	return status.Electrode, nil
}

// ChannelStatus queries and returns ch's full device-reported status. A
// query timeout reports the documented sentinel (nil, nil) rather than
// an error, matching original_source's get_channel_status.
func (b *Bridge) ChannelStatus(ch wire.Channel) (*wire.ChannelStatus, error) {
	qtype := wire.QueryChannelA
	if idx(ch) == 1 {
		qtype = wire.QueryChannelB
	}
	v, err := b.query(qtype)
	if err != nil {
		if errors.Is(err, supervisor.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return v.ChannelStatus, nil
}

// StepCount queries and returns the device's built-in step counter.
func (b *Bridge) StepCount() (uint16, error) {
	v, err := b.query(wire.QueryStepCount)
	if err != nil {
		return 0, err
	}
	return *v.StepCount, nil
}

// IMU queries and returns the device's current IMU sample.
func (b *Bridge) IMU() (*wire.IMUSample, error) {
	v, err := b.query(wire.QueryIMU)
	if err != nil {
		return nil, err
	}
	return v.IMU, nil
}

// query sends a query frame and blocks for the matching reply. The
// frame is written on the supervisor's worker goroutine (serializing it
// with every other transport write); the reply itself is delivered by
// the single notification pump goroutine (pumpNotifications), which is
// the only goroutine ever allowed to call Transport.NextNotification —
// query does not read notifications itself, avoiding two goroutines
// racing to drain the same stream.
func (b *Bridge) query(qtype wire.QueryType) (*wire.Response, error) {
	reply := make(chan *wire.Response, 1)
	b.mu.Lock()
	b.pending = append(b.pending, &pendingQuery{qtype: qtype, reply: reply})
	b.mu.Unlock()

	if _, err := b.sup.SubmitAwait(queryTimeout, func() (interface{}, error) {
		return nil, b.tp.Write(wire.EncodeQuery(qtype))
	}); err != nil {
		b.removePending(reply)
		return nil, err
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-time.After(queryTimeout):
		b.removePending(reply)
		return nil, supervisor.ErrTimeout
	}
}

func (b *Bridge) removePending(reply chan *wire.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.pending {
		if p.reply == reply {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

// defaultPollInterval is used by StrengthStream when pollInterval <= 0.
const defaultPollInterval = 100 * time.Millisecond

// StrengthStream produces a lazy, infinite sequence of both channels'
// current legacy-API strength snapshots, sampled every pollInterval (or
// defaultPollInterval if pollInterval <= 0). It terminates — emitting one
// final update per channel with Disconnected set, then closing the
// channel — once the transport reports the device link is down, or
// immediately (with no final marker) once ctx is done.
func (b *Bridge) StrengthStream(ctx context.Context, pollInterval time.Duration) <-chan LegacyStrength {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	out := make(chan LegacyStrength, 16)

	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !b.tp.Connected() {
					for _, ch := range [2]wire.Channel{wire.ChannelA, wire.ChannelB} {
						select {
						case out <- LegacyStrength{Channel: ch, Disconnected: true}:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				for _, ch := range [2]wire.Channel{wire.ChannelA, wire.ChannelB} {
					update := LegacyStrength{Channel: ch, Value: b.cache.LegacyStrength(ch)}
					select {
					case out <- update:
					default:
					}
				}
			}
		}
	}()
	return out
}

// pumpNotifications drains both kinds of frame the device ever sends
// unprompted on the notify characteristic: replies claimed by a pending
// query and genuinely unsolicited status pushes. Checksum verification
// is stricter for the former (ChecksumVerifyOnQuery) than the latter
// (ChecksumVerifyOnNotify), so the frame's qtype byte is peeked before
// decoding to pick the right flag — it cannot be decided after Decode,
// since Decode itself enforces whichever flag it is given.
func (b *Bridge) pumpNotifications(ctx context.Context) {
	defer close(b.notifyDone)
	for {
		frame, err := b.tp.NextNotification(ctx)
		if err != nil {
			return
		}
		verify := b.cfg.ChecksumVerifyOnNotify
		if len(frame) > 2 && b.hasPendingQuery(wire.QueryType(frame[2])) {
			verify = b.cfg.ChecksumVerifyOnQuery
		}
		resp, err := wire.Decode(frame, verify)
		if err != nil {
			continue
		}
		b.absorbNotification(resp)
	}
}

func (b *Bridge) hasPendingQuery(qtype wire.QueryType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pending {
		if p.qtype == qtype {
			return true
		}
	}
	return false
}

func (b *Bridge) absorbNotification(resp *wire.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch resp.Type {
	case wire.QueryChannelA:
		b.status[0] = resp.ChannelStatus
	case wire.QueryChannelB:
		b.status[1] = resp.ChannelStatus
	case wire.QueryBattery:
		b.battery = resp.Battery
	case wire.QueryStepCount:
		b.stepCount = resp.StepCount
	case wire.QueryIMU:
		b.imu = resp.IMU
	case wire.QueryError:
		b.lastErr = resp.Err
		if b.log != nil {
			b.log.Warningf("bridge: device reported error code 0x%02x", byte(*resp.Err))
		}
	}

	remaining := b.pending[:0]
	for _, p := range b.pending {
		if p.qtype == resp.Type {
			select {
			case p.reply <- resp:
			default:
			}
			continue
		}
		remaining = append(remaining, p)
	}
	b.pending = remaining
}

// CachedChannelStatus returns the last notification-derived status for
// ch without issuing a new query, or nil if none has arrived yet.
func (b *Bridge) CachedChannelStatus(ch wire.Channel) *wire.ChannelStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status[idx(ch)]
}

// CachedLastError returns the last device-reported error code absorbed
// from a notification, or nil if none has arrived.
func (b *Bridge) CachedLastError() *wire.ErrorCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}
