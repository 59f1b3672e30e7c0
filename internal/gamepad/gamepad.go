// Package gamepad implements the base station's optional manual command
// source (part of C2): it reads the Linux joystick driver's event stream
// from /dev/input/js0 and /dev/input/js1, maps stick and button state to
// Control Frames for robots 0 and 1, and runs on its own goroutine since a
// blocking device read must never stall the Radio Thread.
package gamepad

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/robocup-rtp/base-station/internal/applog"
	"github.com/robocup-rtp/base-station/internal/rtp"
)

// MaxBodyVelocity and MaxTurnVelocity bound the stick/shoulder-button
// mapping, matching the xbox control node this package is modeled on.
const (
	MaxBodyVelocity = 1.5 // m/s
	MaxTurnVelocity = 1.5 // rad/s
)

// Linux joystick event layout (struct js_event): 4-byte time, 2-byte
// value, 1-byte type, 1-byte number.
const (
	eventSize = 8

	jsEventButton = 0x01
	jsEventAxis   = 0x02
	jsEventInit   = 0x80

	axisLeftStickX = 0
	axisLeftStickY = 1

	buttonA  = 0
	buttonX  = 2
	buttonLB = 4
	buttonRB = 5
)

type deviceState struct {
	mu      sync.Mutex
	axes    map[uint8]int16
	buttons map[uint8]bool
}

func newDeviceState() *deviceState {
	return &deviceState{axes: make(map[uint8]int16), buttons: make(map[uint8]bool)}
}

func (s *deviceState) apply(typ, number uint8, value int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch typ &^ jsEventInit {
	case jsEventAxis:
		s.axes[number] = value
	case jsEventButton:
		s.buttons[number] = value != 0
	}
}

func (s *deviceState) snapshot() (axes map[uint8]int16, buttons map[uint8]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	axes = make(map[uint8]int16, len(s.axes))
	for k, v := range s.axes {
		axes[k] = v
	}
	buttons = make(map[uint8]bool, len(s.buttons))
	for k, v := range s.buttons {
		buttons[k] = v
	}
	return
}

// device wraps one /dev/input/jsN handle. A nil *device means "absent":
// the robot it would drive simply never receives a manual command.
type device struct {
	file  *os.File
	state *deviceState
}

func openDevice(path string) *device {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil
	}
	return &device{file: f, state: newDeviceState()}
}

// drain reads every queued event without blocking. It reports false if
// the device has gone away (read error other than "no data"), at which
// point the caller should stop treating it as present.
func (d *device) drain() bool {
	buf := make([]byte, eventSize)
	for {
		d.file.SetReadDeadline(time.Now())
		n, err := d.file.Read(buf)
		if err != nil {
			return isTimeout(err)
		}
		if n < eventSize {
			continue
		}
		value := int16(binary.LittleEndian.Uint16(buf[4:6]))
		typ := buf[6]
		number := buf[7]
		d.state.apply(typ, number, value)
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func (d *device) close() {
	d.file.Close()
}

// Source is the manual command source: up to two joystick devices feeding
// robots 0 and 1.
type Source struct {
	team    rtp.Team
	logger  applog.Logger
	tick    time.Duration
	devices [2]*device

	mu     sync.Mutex
	latest map[int]rtp.ControlFrame
}

// New opens /dev/input/js0 and /dev/input/js1 (best-effort; a missing
// device just means that robot gets no manual override, never an error).
func New(team rtp.Team, logger applog.Logger) *Source {
	if logger == nil {
		logger = applog.Default("gamepad")
	}
	s := &Source{
		team:   team,
		logger: logger,
		tick:   50 * time.Millisecond,
		latest: make(map[int]rtp.ControlFrame),
	}
	s.devices[0] = openDevice("/dev/input/js0")
	s.devices[1] = openDevice("/dev/input/js1")
	for i, d := range s.devices {
		if d == nil {
			s.logger.Warn("manual input device absent, robot will have no manual override", "robot", i)
		}
	}
	return s
}

// Get returns the latest manual command for robotID, if any device has
// ever produced one.
func (s *Source) Get(robotID int) (rtp.ControlFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.latest[robotID]
	return f, ok
}

// Run polls both devices every 50ms until ctx is cancelled, publishing a
// fresh Control Frame per present device each tick.
func (s *Source) Run(ctx context.Context) error {
	defer func() {
		for _, d := range s.devices {
			if d != nil {
				d.close()
			}
		}
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Source) pollOnce() {
	for robotID, d := range s.devices {
		if d == nil {
			continue
		}
		if !d.drain() {
			s.logger.Warn("manual input device disappeared", "robot", robotID)
			d.close()
			s.devices[robotID] = nil
			continue
		}

		axes, buttons := d.state.snapshot()
		frame := mapToControlFrame(s.team, uint8(robotID), axes, buttons)

		s.mu.Lock()
		s.latest[robotID] = frame
		s.mu.Unlock()
	}
}

func mapToControlFrame(team rtp.Team, robotID uint8, axes map[uint8]int16, buttons map[uint8]bool) rtp.ControlFrame {
	f := rtp.ControlFrame{
		Team:        team,
		RobotID:     robotID,
		ShootMode:   rtp.ShootKick,
		TriggerMode: rtp.TriggerStandDown,
		Role:        rtp.RoleDefault,
	}

	f.BodyX = scaleAxis(axes[axisLeftStickX], MaxBodyVelocity)
	f.BodyY = scaleAxis(axes[axisLeftStickY], MaxBodyVelocity)

	switch {
	case buttons[buttonLB]:
		f.BodyW = MaxTurnVelocity
	case buttons[buttonRB]:
		f.BodyW = -MaxTurnVelocity
	}

	if buttons[buttonA] {
		f.DribblerSpeed = 255
	}
	if buttons[buttonX] {
		f.KickStrength = 255
		f.TriggerMode = rtp.TriggerImmediate
	}

	return f
}

// scaleAxis maps a raw joystick axis value (int16 range) to
// [-max, max], matching the xbox mapping this is modeled on
// (value / 32768 * max).
func scaleAxis(raw int16, max float32) float32 {
	return (float32(raw) / 32768.0) * max
}
