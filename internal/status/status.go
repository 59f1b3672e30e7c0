// Package status implements the base station's Status Fan-Out (C3): it
// takes a Status Frame handed off by C4, republishes it to the field
// computer over UDP, and fires a local "heard from robot r" event so the
// Liveness Aggregator (C5) can refresh that robot's last-heard timestamp.
package status

import (
	"net"

	"github.com/robocup-rtp/base-station/internal/applog"
	"github.com/robocup-rtp/base-station/internal/rtp"
)

// HeardNotifier is the local, non-blocking liveness feedback path; C5's
// *liveness.Aggregator satisfies this without internal/status importing
// internal/liveness directly.
type HeardNotifier interface {
	Heard(robotID int)
}

// Publisher is C3: a UDP forwarder plus a liveness tap.
type Publisher struct {
	conn   *net.UDPConn
	heard  HeardNotifier
	logger applog.Logger
}

// New wraps an already-bound UDP socket pointed at the field computer's
// status port, and the liveness sink that should be told about every
// frame regardless of whether the UDP send succeeds.
func New(conn *net.UDPConn, heard HeardNotifier, logger applog.Logger) *Publisher {
	if logger == nil {
		logger = applog.Default("status")
	}
	return &Publisher{conn: conn, heard: heard, logger: logger}
}

// Publish forwards f to the field computer and notifies C5. The liveness
// notification always fires first: a bad downlink must never make a
// robot that just answered look dead.
func (p *Publisher) Publish(f rtp.StatusFrame) {
	if p.heard != nil {
		p.heard.Heard(int(f.RobotID))
	}

	buf := f.Pack()
	if _, err := p.conn.Write(buf[:]); err != nil {
		p.logger.Warn("failed to publish status frame", "robot", f.RobotID, "err", err)
	}
}
