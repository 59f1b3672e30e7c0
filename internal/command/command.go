// Package command implements the base station's Command Sources (C2): a
// non-blocking UDP subscriber keyed by robot id, and the synthesized
// keep-alive factory used when no real command exists for a dead robot.
// The manual (gamepad) source lives in internal/gamepad since it owns its
// own thread; it feeds the same overwrite-per-robot-id contract.
package command

import (
	"net"
	"sync"
	"time"

	"github.com/robocup-rtp/base-station/internal/applog"
	"github.com/robocup-rtp/base-station/internal/rtp"
)

// NetworkSource is the UDP control-frame subscriber. Each datagram is one
// packed Control Frame; the most recent frame per robot id replaces any
// earlier one (overwrite, never a queue).
type NetworkSource struct {
	conn   *net.UDPConn
	logger applog.Logger

	mu     sync.Mutex
	latest map[int]rtp.ControlFrame
}

// NewNetworkSource wraps an already-bound UDP socket. The socket's read
// deadline is managed entirely by Drain; callers must not read from conn
// themselves.
func NewNetworkSource(conn *net.UDPConn, logger applog.Logger) *NetworkSource {
	if logger == nil {
		logger = applog.Default("command")
	}
	return &NetworkSource{
		conn:   conn,
		logger: logger,
		latest: make(map[int]rtp.ControlFrame),
	}
}

// Drain reads the entire backlog of queued datagrams without blocking,
// overwriting S_net per robot id. Malformed datagrams (short or
// undecodable) are dropped and logged, never propagated.
func (s *NetworkSource) Drain() {
	buf := make([]byte, rtp.ControlFrameSize+16)
	for {
		s.conn.SetReadDeadline(time.Now())
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}

		frame, err := rtp.UnpackControlFrame(buf[:n])
		if err != nil {
			s.logger.Warn("dropping malformed control frame", "err", err, "bytes", n)
			continue
		}

		s.mu.Lock()
		s.latest[int(frame.RobotID)] = frame
		s.mu.Unlock()
	}
}

// Get returns the latest network command for robotID, if any. The entry
// is not consumed: it remains until a newer datagram for the same robot
// overwrites it, by design (spec: last-known-intent beats silence).
func (s *NetworkSource) Get(robotID int) (rtp.ControlFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.latest[robotID]
	return f, ok
}

// KeepAliveBuilder is the synthesized command source: a pure factory, not
// a source of truth, used only when no real command exists for a robot
// currently marked not alive.
type KeepAliveBuilder struct {
	Team rtp.Team
}

// Build produces a neutral Control Frame for robotID: zero velocities,
// kick disarmed, default role.
func (b KeepAliveBuilder) Build(robotID int) rtp.ControlFrame {
	return rtp.KeepAlive(b.Team, uint8(robotID))
}
