package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskPackLittleEndianBitOrder(t *testing.T) {
	m := Mask(0b0000_0001_0000_0010) // bit 1 and bit 8 set
	buf := m.Pack()

	assert.True(t, m.Alive(1))
	assert.True(t, m.Alive(8))
	assert.False(t, m.Alive(0))
	assert.Equal(t, byte(0b0000_0010), buf[0])
	assert.Equal(t, byte(0b0000_0001), buf[1])
}

func TestOptimisticStartBeforeFirstTick(t *testing.T) {
	a := New(3, 200*time.Millisecond, 50*time.Millisecond, nil, nil, nil)

	mask := a.Mask()
	for r := 0; r < 3; r++ {
		assert.True(t, mask.Alive(r), "robot %d should start optimistically alive", r)
	}
	assert.False(t, mask.Alive(3), "robot outside numRobots must never be marked alive")
}

func TestHeardRobotStaysAlive(t *testing.T) {
	a := New(2, 100*time.Millisecond, 10*time.Millisecond, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	a.Heard(0)
	time.Sleep(30 * time.Millisecond)

	mask := a.Mask()
	assert.True(t, mask.Alive(0))

	cancel()
	<-done
}

func TestUnheardRobotFlipsDeadWithinBound(t *testing.T) {
	tDead := 20 * time.Millisecond
	tCheck := 10 * time.Millisecond
	a := New(1, tDead, tCheck, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !a.Mask().Alive(0)
	}, tDead+4*tCheck, tCheck)

	cancel()
	<-done
}

func TestShutdownPublishesAllZero(t *testing.T) {
	a := New(2, 100*time.Millisecond, 10*time.Millisecond, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	a.Heard(0)
	a.Heard(1)

	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, Mask(0), a.Mask())
}
