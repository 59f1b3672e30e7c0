// Package rtp defines the fixed-width over-the-air frames exchanged with
// each robot: the Control Frame sent by the base station and the Status
// Frame sent back. Both are packed/unpacked with encoding/binary against a
// big-endian byte layout so a frame is byte-identical on the wire
// regardless of host architecture.
package rtp

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Team identifies which side a robot plays for.
type Team uint8

const (
	TeamBlue Team = iota
	TeamYellow
)

func (t Team) String() string {
	if t == TeamYellow {
		return "yellow"
	}
	return "blue"
}

// ShootMode selects how a kick is delivered.
type ShootMode uint8

const (
	ShootKick ShootMode = iota
	ShootChip
)

// TriggerMode selects when a queued kick fires.
type TriggerMode uint8

const (
	TriggerStandDown TriggerMode = iota
	TriggerImmediate
	TriggerOnBreakBeam
)

// Role marks a robot's on-field responsibility.
type Role uint8

const (
	RoleDefault Role = iota
	RoleGoalie
)

// ControlFrameSize is the fixed wire size of a Control Frame in bytes.
const ControlFrameSize = 19

// ErrMalformedFrame marks a frame that was too short or otherwise could
// not be decoded; it is never recovered from with a retry, only dropped.
var ErrMalformedFrame = fmt.Errorf("rtp: malformed frame")

// ControlFrame is one slot's worth of commanded motion and tool state,
// destined for a single robot.
type ControlFrame struct {
	Team          Team
	RobotID       uint8
	BodyX         float32 // m/s
	BodyY         float32 // m/s
	BodyW         float32 // rad/s
	ShootMode     ShootMode
	TriggerMode   TriggerMode
	KickStrength  uint8
	DribblerSpeed uint8
	Role          Role
}

// Pack encodes f into its fixed 19-byte wire representation.
func (f ControlFrame) Pack() [ControlFrameSize]byte {
	var buf [ControlFrameSize]byte
	buf[0] = byte(f.Team)
	buf[1] = f.RobotID
	binary.BigEndian.PutUint32(buf[2:6], math.Float32bits(f.BodyX))
	binary.BigEndian.PutUint32(buf[6:10], math.Float32bits(f.BodyY))
	binary.BigEndian.PutUint32(buf[10:14], math.Float32bits(f.BodyW))
	buf[14] = byte(f.ShootMode)
	buf[15] = byte(f.TriggerMode)
	buf[16] = f.KickStrength
	buf[17] = f.DribblerSpeed
	buf[18] = byte(f.Role)
	return buf
}

// UnpackControlFrame decodes a Control Frame from b. b must be at least
// ControlFrameSize bytes; extra trailing bytes are ignored.
func UnpackControlFrame(b []byte) (ControlFrame, error) {
	if len(b) < ControlFrameSize {
		return ControlFrame{}, fmt.Errorf("%w: control frame needs %d bytes, got %d", ErrMalformedFrame, ControlFrameSize, len(b))
	}
	return ControlFrame{
		Team:          Team(b[0]),
		RobotID:       b[1],
		BodyX:         math.Float32frombits(binary.BigEndian.Uint32(b[2:6])),
		BodyY:         math.Float32frombits(binary.BigEndian.Uint32(b[6:10])),
		BodyW:         math.Float32frombits(binary.BigEndian.Uint32(b[10:14])),
		ShootMode:     ShootMode(b[14]),
		TriggerMode:   TriggerMode(b[15]),
		KickStrength:  b[16],
		DribblerSpeed: b[17],
		Role:          Role(b[18]),
	}, nil
}

// KeepAlive builds the "safe flags" Control Frame C4 sends to a robot that
// has no real command queued: zero velocities, kick disarmed.
func KeepAlive(team Team, robotID uint8) ControlFrame {
	return ControlFrame{
		Team:        team,
		RobotID:     robotID,
		ShootMode:   ShootKick,
		TriggerMode: TriggerStandDown,
		Role:        RoleDefault,
	}
}

// StatusFrameSize is the fixed wire size of a Status Frame in bytes.
const StatusFrameSize = 11

// StatusFrame is the telemetry reply a robot sends back after a Control
// Frame addressed to it.
type StatusFrame struct {
	RobotID      uint8
	Battery      uint8 // percent
	BallSense    bool
	FPGAError    bool
	KickHealthy  bool
	KickFault    bool
	MotorErrors  uint8 // bitmask, one bit per motor
	MotorSpeeds  [4]uint8
}

// Pack encodes f into its fixed 11-byte wire representation.
func (f StatusFrame) Pack() [StatusFrameSize]byte {
	var buf [StatusFrameSize]byte
	buf[0] = f.RobotID
	buf[1] = f.Battery
	buf[2] = boolByte(f.BallSense)
	buf[3] = boolByte(f.FPGAError)
	buf[4] = boolByte(f.KickHealthy)
	buf[5] = boolByte(f.KickFault)
	buf[6] = f.MotorErrors
	copy(buf[7:11], f.MotorSpeeds[:])
	return buf
}

// UnpackStatusFrame decodes a Status Frame from b. b must be at least
// StatusFrameSize bytes; extra trailing bytes are ignored.
func UnpackStatusFrame(b []byte) (StatusFrame, error) {
	if len(b) < StatusFrameSize {
		return StatusFrame{}, fmt.Errorf("%w: status frame needs %d bytes, got %d", ErrMalformedFrame, StatusFrameSize, len(b))
	}
	f := StatusFrame{
		RobotID:     b[0],
		Battery:     b[1],
		BallSense:   b[2] != 0,
		FPGAError:   b[3] != 0,
		KickHealthy: b[4] != 0,
		KickFault:   b[5] != 0,
		MotorErrors: b[6],
	}
	copy(f.MotorSpeeds[:], b[7:11])
	return f, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
