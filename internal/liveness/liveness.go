// Package liveness implements the base station's Liveness Aggregator (C5):
// it consumes "heard from robot r" events off the Radio Thread, maintains
// a per-robot last-heard timestamp, and periodically republishes a packed
// aliveness mask to the field computer and to C4's local feedback path.
package liveness

import (
	"context"
	"encoding/binary"
	"math/bits"
	"net"
	"sync/atomic"
	"time"

	"github.com/robocup-rtp/base-station/internal/applog"
	"github.com/robocup-rtp/base-station/internal/metrics"
)

// MaxRobots bounds the aliveness mask at 16 bits, per spec.
const MaxRobots = 16

// Mask is the packed aliveness bitmap; bit i (LSB-first) is robot i.
type Mask uint16

// Alive reports whether bit r is set.
func (m Mask) Alive(r int) bool {
	return m&(1<<uint(r)) != 0
}

// Pack encodes m as the 2-byte little-endian wire form the field computer
// expects on the alive-robots port.
func (m Mask) Pack() [2]byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(m))
	return buf
}

// Aggregator owns the alive[] array and the mask publication; it is driven
// by its own ticking thread (the Liveness Thread), never by C4 directly.
type Aggregator struct {
	numRobots int
	tDead     time.Duration
	tCheck    time.Duration

	heardCh chan int

	lastHeard [MaxRobots]time.Time

	mask    atomic.Uint32 // holds a Mask
	conn    *net.UDPConn
	metrics *metrics.Registry
	logger  applog.Logger
}

// New constructs an Aggregator for numRobots robots (numRobots ≤
// MaxRobots). conn is the already-bound UDP socket used to publish to the
// field computer's alive-robots port; it may be nil in tests that only
// care about the in-process Mask() feedback. reg may also be nil, in which
// case the aliveness gauge is simply never reported.
func New(numRobots int, tDead, tCheck time.Duration, conn *net.UDPConn, reg *metrics.Registry, logger applog.Logger) *Aggregator {
	if logger == nil {
		logger = applog.Default("liveness")
	}
	a := &Aggregator{
		numRobots: numRobots,
		tDead:     tDead,
		tCheck:    tCheck,
		heardCh:   make(chan int, MaxRobots*4),
		conn:      conn,
		metrics:   reg,
		logger:    logger,
	}

	var optimistic Mask
	for r := 0; r < numRobots; r++ {
		optimistic |= 1 << uint(r)
	}
	a.mask.Store(uint32(optimistic))

	return a
}

// Heard records that a status frame from robotID arrived just now. It
// never blocks: C3 calls this on every received frame, and a full channel
// means a tick is already overdue, so the event is dropped rather than
// stalling the Radio Thread.
func (a *Aggregator) Heard(robotID int) {
	select {
	case a.heardCh <- robotID:
	default:
		a.logger.Warn("heard-from channel full, dropping event", "robot", robotID)
	}
}

// IsAlive reports whether robotID is currently marked alive in the most
// recently published mask. C4's Selecting step calls this directly so it
// need not depend on the Mask type.
func (a *Aggregator) IsAlive(robotID int) bool {
	return a.Mask().Alive(robotID)
}

// Mask returns the most recently published aliveness mask. C4's Selecting
// step reads this to decide whether a robot needs a keep-alive; the read
// is lock-free and always sees a fully-formed word, never a tear.
func (a *Aggregator) Mask() Mask {
	return Mask(a.mask.Load())
}

// Run ticks every tCheck, draining heard-from events, recomputing
// aliveness, and publishing the mask, until ctx is cancelled. On exit it
// publishes an all-zero mask so the field computer fails closed.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.tCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.publishZero()
			return nil
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Aggregator) tick() {
	now := time.Now()

drain:
	for {
		select {
		case r := <-a.heardCh:
			if r >= 0 && r < MaxRobots {
				a.lastHeard[r] = now
			}
		default:
			break drain
		}
	}

	var m Mask
	for r := 0; r < a.numRobots; r++ {
		if !a.lastHeard[r].IsZero() && now.Sub(a.lastHeard[r]) <= a.tDead {
			m |= 1 << uint(r)
		}
	}

	a.mask.Store(uint32(m))
	a.publish(m)
	a.recordMetric(m)
}

func (a *Aggregator) publishZero() {
	a.mask.Store(0)
	a.publish(0)
	a.recordMetric(0)
}

func (a *Aggregator) recordMetric(m Mask) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordAliveness(uint16(m), bits.OnesCount16(uint16(m)))
}

func (a *Aggregator) publish(m Mask) {
	if a.conn == nil {
		return
	}
	buf := m.Pack()
	if _, err := a.conn.Write(buf[:]); err != nil {
		a.logger.Warn("failed to publish aliveness mask", "err", err)
	}
}
