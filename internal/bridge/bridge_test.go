package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kryptco/ycybridge/internal/channel"
	"github.com/kryptco/ycybridge/internal/valuemap"
	"github.com/kryptco/ycybridge/internal/wire"
)

// fakeTransport is a minimal, hand-rolled Transport double: writes are
// recorded, and notifications are served from an in-memory queue tests
// push to directly (mirroring the teacher's mockedEnclaveClient style:
// a struct with channels standing in for the network).
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	writes    [][]byte
	notifies  chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notifies: make(chan []byte, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeTransport) Disconnect() error { f.connected = false; return nil }
func (f *fakeTransport) Connected() bool   { return f.connected }

func (f *fakeTransport) Write(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) NextNotification(ctx context.Context) ([]byte, error) {
	select {
	case n := <-f.notifies:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func newTestBridge(t *testing.T) (*Bridge, *fakeTransport) {
	t.Helper()
	tp := newFakeTransport()
	cfg := DefaultConfig("")
	b := New(cfg, tp, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop() })
	return b, tp
}

func TestSetStrength_WritesFrameAndUpdatesCache(t *testing.T) {
	b, tp := newTestBridge(t)

	b.SetStrength(wire.ChannelA, channel.OpSet, 100)

	deadline := time.Now().Add(time.Second)
	for tp.lastWrite() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	frame := tp.lastWrite()
	if frame == nil {
		t.Fatal("expected a channel-control frame to be written")
	}
	if frame[0] != wire.Header || frame[3] != 0x01 {
		t.Fatalf("got frame % x, want enabled channel-control frame", frame)
	}

	if got := b.LegacyStrength(wire.ChannelA); got < 99 || got > 101 {
		t.Fatalf("cached strength = %d, want ~100", got)
	}
}

func TestSetPulsePreset_NoEmissionWhileDisabled(t *testing.T) {
	b, tp := newTestBridge(t)

	b.SetPulsePreset(wire.ChannelA, 5)
	time.Sleep(10 * time.Millisecond)
	if tp.lastWrite() != nil {
		t.Fatal("expected no frame while channel disabled")
	}

	b.SetStrength(wire.ChannelA, channel.OpSet, 100)
	deadline := time.Now().Add(time.Second)
	for tp.lastWrite() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	frame := tp.lastWrite()
	if frame == nil || frame[6] != byte(wire.PresetMode(6)) {
		t.Fatalf("expected reasserted preset6 frame, got % x", frame)
	}
}

func TestStopAll_DisablesBothChannelsAndReportsZero(t *testing.T) {
	b, _ := newTestBridge(t)
	b.SetStrength(wire.ChannelA, channel.OpSet, 150)
	b.SetStrength(wire.ChannelB, channel.OpSet, 150)
	b.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := b.StrengthStream(ctx, time.Millisecond)

	seen := map[wire.Channel]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case u := <-stream:
			if u.Disconnected {
				t.Fatal("unexpected disconnect marker")
			}
			if u.Value != 0 {
				t.Fatalf("got strength %d after StopAll, want 0", u.Value)
			}
			seen[u.Channel] = true
		case <-deadline:
			t.Fatal("timed out waiting for post-stop strength snapshots")
		}
	}

	if b.LegacyStrength(wire.ChannelA) != 0 || b.LegacyStrength(wire.ChannelB) != 0 {
		t.Fatal("expected both channels at 0 after StopAll")
	}
}

func TestStrengthStream_EmitsDisconnectMarkerOnTransportDisconnect(t *testing.T) {
	b, tp := newTestBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := b.StrengthStream(ctx, time.Millisecond)

	tp.mu.Lock()
	tp.connected = false
	tp.mu.Unlock()

	seen := map[wire.Channel]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case u, ok := <-stream:
			if !ok {
				t.Fatal("stream closed before both disconnect markers were seen")
			}
			if !u.Disconnected {
				continue
			}
			seen[u.Channel] = true
		case <-deadline:
			t.Fatal("timed out waiting for disconnect markers")
		}
	}

	if _, ok := <-stream; ok {
		t.Fatal("expected stream to close after disconnect markers")
	}
}

func TestAddPulses_PlaysOnceChannelActive(t *testing.T) {
	b, tp := newTestBridge(t)
	b.SetStrength(wire.ChannelA, channel.OpSet, 100)

	b.AddPulses(context.Background(), wire.ChannelA, valuemap.Frame{
		Freq:      [4]int{10, 20, 30, 40},
		Intensity: [4]int{50, 50, 50, 50},
	})

	deadline := time.Now().Add(2 * time.Second)
	var frame []byte
	for time.Now().Before(deadline) {
		if f := tp.lastWrite(); f != nil && f[6] == byte(wire.ModeCustom) {
			frame = f
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if frame == nil {
		t.Fatal("expected a custom-mode frame to be emitted")
	}
	if frame[7] != 100 || frame[8] != 50 {
		t.Fatalf("got freq/pw = %d/%d, want 100/50", frame[7], frame[8])
	}
}

func TestBattery_RoundTripsThroughQuery(t *testing.T) {
	b, tp := newTestBridge(t)

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if f := tp.lastWrite(); f != nil && f[2] == byte(wire.QueryBattery) {
				reply := []byte{wire.Header, 0x71, byte(wire.QueryBattery), 77}
				reply = append(reply, sumChecksum(reply))
				tp.notifies <- reply
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	level, err := b.Battery()
	if err != nil {
		t.Fatal(err)
	}
	if level != 77 {
		t.Fatalf("battery = %d, want 77", level)
	}
}

func TestBattery_TimesOutToSentinel(t *testing.T) {
	b, _ := newTestBridge(t)
	prev := queryTimeout
	queryTimeout = 10 * time.Millisecond
	defer func() { queryTimeout = prev }()

	level, err := b.Battery()
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if level != -1 {
		t.Fatalf("battery = %d, want -1 sentinel on timeout", level)
	}
}

func TestChannelStatus_TimesOutToSentinel(t *testing.T) {
	b, _ := newTestBridge(t)
	prev := queryTimeout
	queryTimeout = 10 * time.Millisecond
	defer func() { queryTimeout = prev }()

	status, err := b.ChannelStatus(wire.ChannelA)
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if status != nil {
		t.Fatalf("expected nil channel status on timeout, got %+v", status)
	}

	electrode, err := b.ElectrodeStatus(wire.ChannelA)
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if electrode != wire.ElectrodeDisconnected {
		t.Fatalf("electrode status = %v, want disconnected sentinel", electrode)
	}
}

func sumChecksum(data []byte) byte {
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return byte(sum & 0xFF)
}

func TestSessionID_DeterministicPerAddress(t *testing.T) {
	a := deriveSessionID("aa:bb:cc:dd:ee:ff")
	b := deriveSessionID("aa:bb:cc:dd:ee:ff")
	c := deriveSessionID("11:22:33:44:55:66")
	if a != b {
		t.Fatal("expected identical address to derive identical session id")
	}
	if a == c {
		t.Fatal("expected different address to derive different session id")
	}
}
