// Package scheduler implements the base station's Radio Round Scheduler
// (C4): the state machine that owns the radio exclusively, arbitrates
// between command sources, and drives one time-division round over up to
// 16 robots. It is the core of the system — everything else exists to
// feed it commands or carry away what it hears back.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/robocup-rtp/base-station/internal/applog"
	"github.com/robocup-rtp/base-station/internal/command"
	"github.com/robocup-rtp/base-station/internal/metrics"
	"github.com/robocup-rtp/base-station/internal/nrf24"
	"github.com/robocup-rtp/base-station/internal/rtp"
)

// Radio is the half-duplex radio capability C4 drives exclusively. C1's
// *nrf24.Device satisfies this directly.
type Radio interface {
	SendTo(robotID int, frame []byte) (nrf24.AckResult, error)
	PollRx() ([]byte, bool)
	FlushRX()
	FlushTX()
}

// NetworkSource is the overwrite-per-robot-id UDP command map. C2's
// *command.NetworkSource satisfies this directly.
type NetworkSource interface {
	Drain()
	Get(robotID int) (rtp.ControlFrame, bool)
}

// ManualSource is the optional gamepad override. C2's *gamepad.Source
// satisfies this directly. A nil ManualSource means manual input is
// disabled entirely, not merely absent this tick.
type ManualSource interface {
	Get(robotID int) (rtp.ControlFrame, bool)
}

// AlivenessSource reports C5's most recently published aliveness bit for
// a robot. *liveness.Aggregator satisfies this directly.
type AlivenessSource interface {
	IsAlive(robotID int) bool
}

// StatusSink is C3: where received Status Frames are forwarded.
// *status.Publisher satisfies this directly.
type StatusSink interface {
	Publish(f rtp.StatusFrame)
}

// Config carries the Radio Round Scheduler's fixed parameters.
type Config struct {
	Team      rtp.Team
	NumRobots int
	TSlot     time.Duration // default 50ms
	TResp     time.Duration // reply window; not defaulted, zero or less disables it
}

// Scheduler is C4. It is driven by a single goroutine (the Radio Thread)
// and must never be called concurrently from more than one.
type Scheduler struct {
	cfg Config

	radio     Radio
	network   NetworkSource
	manual    ManualSource
	aliveness AlivenessSource
	status    StatusSink
	keepAlive command.KeepAliveBuilder
	metrics   *metrics.Registry
	logger    applog.Logger

	cursor     int
	roundID    uuid.UUID
	roundStart time.Time
}

// New constructs a Scheduler. metrics may be nil to disable instrumentation;
// manual may be nil to disable the gamepad override entirely.
func New(cfg Config, radio Radio, network NetworkSource, manual ManualSource, aliveness AlivenessSource, status StatusSink, reg *metrics.Registry, logger applog.Logger) *Scheduler {
	if cfg.TSlot <= 0 {
		cfg.TSlot = 50 * time.Millisecond
	}
	if logger == nil {
		logger = applog.Default("scheduler")
	}
	return &Scheduler{
		cfg:        cfg,
		radio:      radio,
		network:    network,
		manual:     manual,
		aliveness:  aliveness,
		status:     status,
		keepAlive:  command.KeepAliveBuilder{Team: cfg.Team},
		metrics:    reg,
		logger:     logger,
		roundID:    uuid.New(),
		roundStart: time.Now(),
	}
}

// Run ticks every TSlot, processing exactly one robot slot per tick, until
// ctx is cancelled. With NumRobots == 0 it idles forever without ever
// touching the radio, per the scheduler's zero-robot boundary behavior.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TSlot)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.cfg.NumRobots > 0 {
				s.runSlot()
			}
		}
	}
}

// runSlot executes one full Idle→Selecting→Transmitting→AwaitingReply→
// Draining→Advance pass for the current cursor robot.
func (s *Scheduler) runSlot() {
	s.network.Drain()

	r := s.cursor

	if r == 0 {
		s.roundID = uuid.New()
		s.roundStart = time.Now()
	}

	frame, source, selected := s.selectCommand(r)
	if !selected {
		s.record(metrics.OutcomeSkipped, "")
		s.advance()
		return
	}

	// Invariant: team is never overridden by a command source.
	frame.Team = s.cfg.Team
	frame.RobotID = uint8(r)

	packed := frame.Pack()
	ack, err := s.radio.SendTo(r, packed[:])
	if err != nil {
		s.logger.Warn("send_to failed, forfeiting slot", "robot", r, "round", s.roundID, "err", err)
		s.radio.FlushTX()
		s.record(metrics.OutcomeError, source)
		s.advance()
		return
	}
	if ack == nrf24.AckNone {
		s.logger.Debug("no-ack on write, still listening briefly", "robot", r, "round", s.roundID)
	}

	matched := s.awaitReply(r)

	switch {
	case ack == nrf24.AckNone && !matched:
		s.record(metrics.OutcomeNoAck, source)
	case !matched:
		s.record(metrics.OutcomeNoReply, source)
	default:
		s.record(metrics.OutcomeAck, source)
	}

	s.advance()
}

// selectCommand implements the priority order: manual > network >
// synthesized keep-alive > skip.
func (s *Scheduler) selectCommand(r int) (rtp.ControlFrame, metrics.CommandSource, bool) {
	if s.manual != nil {
		if f, ok := s.manual.Get(r); ok {
			return f, metrics.SourceManual, true
		}
	}
	if f, ok := s.network.Get(r); ok {
		return f, metrics.SourceNetwork, true
	}
	if s.aliveness != nil && !s.aliveness.IsAlive(r) {
		return s.keepAlive.Build(r), metrics.SourceKeepAlive, true
	}
	return rtp.ControlFrame{}, "", false
}

// awaitReply busy-polls the radio for up to TResp, forwarding every
// received frame to C3 regardless of which robot it belongs to, and
// drains any further backlog once the window closes or a match is found.
// It returns whether a reply from r itself was seen.
func (s *Scheduler) awaitReply(r int) bool {
	if s.cfg.TResp <= 0 {
		return false
	}

	matched := false
	deadline := time.Now().Add(s.cfg.TResp)

	for time.Now().Before(deadline) {
		data, ok := s.radio.PollRx()
		if !ok {
			continue
		}
		if robotID, ok := s.forward(data); ok && robotID == r {
			matched = true
			break
		}
	}

	// Draining: forward anything else already sitting in the FIFO so it
	// never builds up across slots, without extending the reply window.
	for {
		data, ok := s.radio.PollRx()
		if !ok {
			break
		}
		s.forward(data)
	}

	return matched
}

// forward decodes and publishes one received frame, reporting the robot
// id it came from so awaitReply can check for a match.
func (s *Scheduler) forward(data []byte) (int, bool) {
	frame, err := rtp.UnpackStatusFrame(data)
	if err != nil {
		s.logger.Warn("dropping malformed status frame", "round", s.roundID, "err", err)
		return 0, false
	}
	s.status.Publish(frame)
	return int(frame.RobotID), true
}

func (s *Scheduler) record(outcome metrics.SlotOutcome, source metrics.CommandSource) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSlot(outcome, source)
}

func (s *Scheduler) advance() {
	s.cursor++
	if s.cursor >= s.cfg.NumRobots {
		s.cursor = 0
		if s.metrics != nil {
			s.metrics.ObserveRound(time.Since(s.roundStart))
		}
	}
}
