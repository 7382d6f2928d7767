// Package transport adapts the target device's BLE GATT profile to a
// small connect/write/notify interface the bridge and supervisor can
// drive without knowing about ble.Client, characteristics, or scanning.
//
// Grounded on the vendored github.com/currantlabs/ble library's Client
// interface (gatt.go) for the post-connection surface (WriteCharacteristic,
// Subscribe/NotificationHandler) and on the library's package-level
// central-API functions (ble.Scan, ble.Dial) for connection establishment;
// the teacher repo only exercises this library's peripheral (GATT server)
// half via agent/bluetooth.go, so the central half used here follows the
// library's documented Dial/Scan surface rather than a teacher call site.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/currantlabs/ble"
)

// ServiceUUID, WriteCharUUID and NotifyCharUUID identify the target
// device's single GATT service and its command/notification
// characteristics (bit-exact identifiers the device advertises).
var (
	ServiceUUID    = ble.MustParse("0000ff30-0000-1000-8000-00805f9b34fb")
	WriteCharUUID  = ble.MustParse("0000ff31-0000-1000-8000-00805f9b34fb")
	NotifyCharUUID = ble.MustParse("0000ff32-0000-1000-8000-00805f9b34fb")
)

// ConnectError wraps a failure to scan for, dial, or discover the
// profile of the target device.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Address, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// DeviceNotFoundError is returned when a scan completes (or times out)
// without ever matching a candidate peripheral.
type DeviceNotFoundError struct {
	Address string
}

func (e *DeviceNotFoundError) Error() string {
	if e.Address == "" {
		return "transport: no matching device found while scanning"
	}
	return fmt.Sprintf("transport: device %s not found while scanning", e.Address)
}

// ErrDisconnected is returned by BLETransport.Write when it is called
// before Connect or after Disconnect.
var ErrDisconnected = fmt.Errorf("transport: not connected")

// Transport is the bridge's view of the BLE link: connect once, push
// command frames, and receive notification frames in whatever order the
// device emits them.
type Transport interface {
	// Connect scans for, dials, and subscribes to the target device.
	// It blocks until ready or ctx is done.
	Connect(ctx context.Context) error
	// Disconnect tears down the link. Safe to call when not connected.
	Disconnect() error
	// Connected reports whether the link is currently up.
	Connected() bool
	// Write sends one pre-encoded command frame.
	Write(frame []byte) error
	// NextNotification blocks until a notification frame arrives or ctx
	// is done.
	NextNotification(ctx context.Context) ([]byte, error)
}

// Scanner abstracts device discovery so tests can supply a fake instead
// of driving real BLE hardware.
type Scanner interface {
	// Scan blocks until match returns true for some advertisement, or
	// ctx is done, returning that advertisement's address.
	Scan(ctx context.Context, match func(ble.Advertisement) bool) (ble.Addr, error)
}

type bleScanner struct{}

// DefaultScanner drives discovery through the real ble package.
var DefaultScanner Scanner = bleScanner{}

func (bleScanner) Scan(ctx context.Context, match func(ble.Advertisement) bool) (ble.Addr, error) {
	found := make(chan ble.Addr, 1)
	h := ble.AdvHandlerFunc(func(a ble.Advertisement) {
		if match(a) {
			select {
			case found <- a.Address():
			default:
			}
		}
	})
	scanErr := make(chan error, 1)
	go func() { scanErr <- ble.Scan(ctx, false, h, nil) }()

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return nil, &DeviceNotFoundError{}
	case err := <-scanErr:
		if err != nil {
			return nil, err
		}
		return nil, &DeviceNotFoundError{}
	}
}

// AddressMatch builds a Scanner match predicate: an exact (case
// insensitive) address match if want is non-empty, otherwise a
// service-UUID match against ServiceUUID (first candidate wins).
func AddressMatch(want string) func(ble.Advertisement) bool {
	return func(a ble.Advertisement) bool {
		if want != "" {
			return strings.EqualFold(a.Address().String(), want)
		}
		for _, u := range a.Services() {
			if u.Equal(ServiceUUID) {
				return true
			}
		}
		return false
	}
}

// BLETransport is the Transport implementation used in production: a
// thin wrapper around a connected ble.Client, its discovered write
// characteristic, and a channel fed by the notify characteristic's
// subscription handler.
type BLETransport struct {
	address string
	scanner Scanner

	client     ble.Client
	writeChar  *ble.Characteristic
	notifyChar *ble.Characteristic
	notifies   chan []byte
}

// NewBLETransport builds a transport that connects to address if
// non-empty, or to the first device advertising ServiceUUID otherwise.
// A nil scanner uses DefaultScanner.
func NewBLETransport(address string, scanner Scanner) *BLETransport {
	if scanner == nil {
		scanner = DefaultScanner
	}
	return &BLETransport{
		address:  address,
		scanner:  scanner,
		notifies: make(chan []byte, 64),
	}
}

func (t *BLETransport) Connect(ctx context.Context) error {
	addr, err := t.scanner.Scan(ctx, AddressMatch(t.address))
	if err != nil {
		return &ConnectError{Address: t.address, Err: err}
	}

	client, err := ble.Dial(ctx, addr)
	if err != nil {
		return &ConnectError{Address: t.address, Err: err}
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return &ConnectError{Address: t.address, Err: err}
	}

	var writeChar, notifyChar *ble.Characteristic
	for _, s := range profile.Services {
		if !s.UUID.Equal(ServiceUUID) {
			continue
		}
		for _, c := range s.Characteristics {
			switch {
			case c.UUID.Equal(WriteCharUUID):
				writeChar = c
			case c.UUID.Equal(NotifyCharUUID):
				notifyChar = c
			}
		}
	}
	if writeChar == nil || notifyChar == nil {
		client.CancelConnection()
		return &ConnectError{Address: t.address, Err: fmt.Errorf("target service/characteristics not found in profile")}
	}

	if err := client.Subscribe(notifyChar, false, t.onNotify); err != nil {
		client.CancelConnection()
		return &ConnectError{Address: t.address, Err: err}
	}

	t.client = client
	t.writeChar = writeChar
	t.notifyChar = notifyChar
	return nil
}

func (t *BLETransport) onNotify(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case t.notifies <- cp:
	default:
		// Notification queue is only drained by one caller at a time
		// (NextNotification); drop the oldest-pending one rather than
		// block the BLE driver's event goroutine.
		select {
		case <-t.notifies:
		default:
		}
		select {
		case t.notifies <- cp:
		default:
		}
	}
}

func (t *BLETransport) Disconnect() error {
	if t.client == nil {
		return nil
	}
	err := t.client.CancelConnection()
	t.client = nil
	t.writeChar = nil
	t.notifyChar = nil
	return err
}

// Connected reports whether Connect has succeeded and Disconnect has not
// been called since. A link that drops on its own is not detected: it
// keeps reporting true until Disconnect is called.
func (t *BLETransport) Connected() bool {
	return t.client != nil
}

func (t *BLETransport) Write(frame []byte) error {
	if t.client == nil || t.writeChar == nil {
		return ErrDisconnected
	}
	return t.client.WriteCharacteristic(t.writeChar, frame, true)
}

func (t *BLETransport) NextNotification(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.notifies:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectTimeout is the 10s default scan bound, the same value
// supervisor.Start uses when Config.ScanTimeout is unset. Nothing in
// this package applies it.
const connectTimeout = 10 * time.Second
