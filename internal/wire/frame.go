// Package wire implements the target device's bit-level BLE framing: frame
// layout, checksum, and the byte-level value ranges of the protocol.
package wire

import "fmt"

// Header is the sentinel byte every frame, command or reply, begins with.
const Header byte = 0x35

// command bytes (frame byte 1)
const (
	cmdChannelControl byte = 0x11
	cmdMotorControl   byte = 0x12
	cmdStepControl    byte = 0x13
	cmdAngleControl   byte = 0x14
	cmdQuery          byte = 0x71
)

// Channel identifies one of the two physical outputs, or the AB broadcast
// pseudo-channel valid only in outgoing channel-control frames.
type Channel byte

const (
	ChannelA  Channel = 0x01
	ChannelB  Channel = 0x02
	ChannelAB Channel = 0x03
)

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	case ChannelAB:
		return "AB"
	default:
		return fmt.Sprintf("channel(0x%02x)", byte(c))
	}
}

// Mode selects one of the 16 built-in presets or the parametric custom
// waveform. ModeOff never appears in an outgoing frame; it is a
// status-only value used by ChannelStatus replies.
type Mode byte

const (
	ModeOff    Mode = 0x00
	ModeCustom Mode = 0x11
)

// PresetMode returns the Mode byte for preset n, 1-indexed (PresetMode(1)
// is the device's first built-in waveform, ModePreset1).
func PresetMode(n int) Mode {
	return Mode(n)
}

const (
	ModePreset1  = Mode(1)
	ModePreset16 = Mode(16)
)

// IsValidOutgoingMode reports whether m may appear in a channel-control
// frame: a preset 1-16 or custom, never off.
func (m Mode) IsValidOutgoingMode() bool {
	return m >= ModePreset1 && m <= ModeCustom
}

func (m Mode) String() string {
	switch {
	case m == ModeOff:
		return "off"
	case m == ModeCustom:
		return "custom"
	case m >= ModePreset1 && m <= ModePreset16:
		return fmt.Sprintf("preset%d", m)
	default:
		return fmt.Sprintf("mode(0x%02x)", byte(m))
	}
}

// MotorState is the vibration motor's state.
type MotorState byte

const (
	MotorOff     MotorState = 0x00
	MotorOn      MotorState = 0x01
	MotorPreset1 MotorState = 0x11
	MotorPreset2 MotorState = 0x12
	MotorPreset3 MotorState = 0x13
)

// StepControlState drives the device's built-in step counter.
type StepControlState byte

const (
	StepOff     StepControlState = 0x00
	StepOn      StepControlState = 0x01
	StepClear   StepControlState = 0x02
	StepPause   StepControlState = 0x03
	StepResume  StepControlState = 0x04
)

// ElectrodeStatus reports whether an electrode pad is plugged in and, if
// so, whether it is currently discharging.
type ElectrodeStatus byte

const (
	ElectrodeDisconnected      ElectrodeStatus = 0x00
	ElectrodeConnectedActive   ElectrodeStatus = 0x01
	ElectrodeConnectedInactive ElectrodeStatus = 0x02
)

func (e ElectrodeStatus) String() string {
	switch e {
	case ElectrodeDisconnected:
		return "disconnected"
	case ElectrodeConnectedActive:
		return "active"
	case ElectrodeConnectedInactive:
		return "inactive"
	default:
		return fmt.Sprintf("electrode(0x%02x)", byte(e))
	}
}

// QueryType selects what a query frame asks for, and tags the reply.
type QueryType byte

const (
	QueryChannelA  QueryType = 0x01
	QueryChannelB  QueryType = 0x02
	QueryMotor     QueryType = 0x03
	QueryBattery   QueryType = 0x04
	QueryStepCount QueryType = 0x05
	QueryIMU       QueryType = 0x06
	QueryError     QueryType = 0x55
)

// ErrorCode is the device's self-reported fault code, delivered as the
// payload of a QueryError reply.
type ErrorCode byte

const (
	ErrorChecksum       ErrorCode = 0x01
	ErrorHeader         ErrorCode = 0x02
	ErrorCommand        ErrorCode = 0x03
	ErrorData           ErrorCode = 0x04
	ErrorNotImplemented ErrorCode = 0x05
)

// ChannelStatus is the decoded payload of a QueryChannelA/QueryChannelB
// reply.
type ChannelStatus struct {
	Electrode ElectrodeStatus
	Enabled   bool
	Strength  int
	Mode      Mode
}

// IMUSample is the decoded payload of a QueryIMU reply: six signed
// 16-bit, big-endian axis readings.
type IMUSample struct {
	AccX, AccY, AccZ   int16
	GyroX, GyroY, GyroZ int16
}

// Response is the tagged union over every reply the device can send.
// For every QueryType this package defines, exactly one of the pointer
// fields is non-nil, selected by Type; for any other qtype byte Decode
// sets only Type and leaves every pointer field nil.
type Response struct {
	Type          QueryType
	ChannelStatus *ChannelStatus
	Motor         *MotorState
	Battery       *byte
	StepCount     *uint16
	IMU           *IMUSample
	Err           *ErrorCode
}
