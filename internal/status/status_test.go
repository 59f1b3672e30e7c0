package status

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robocup-rtp/base-station/internal/rtp"
)

type fakeNotifier struct {
	heard []int
}

func (f *fakeNotifier) Heard(robotID int) {
	f.heard = append(f.heard, robotID)
}

func TestPublishForwardsUDPAndNotifiesLiveness(t *testing.T) {
	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	listener, err := net.ListenUDP("udp", serverAddr)
	require.NoError(t, err)
	defer listener.Close()

	sender, err := net.DialUDP("udp", nil, listener.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	notifier := &fakeNotifier{}
	pub := New(sender, notifier, nil)

	frame := rtp.StatusFrame{RobotID: 4, Battery: 77}
	pub.Publish(frame)

	require.Equal(t, []int{4}, notifier.heard)

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := listener.Read(buf)
	require.NoError(t, err)

	got, err := rtp.UnpackStatusFrame(buf[:n])
	require.NoError(t, err)
	require.Equal(t, frame, got)
}

func TestPublishNotifiesLivenessEvenWhenUDPSendFails(t *testing.T) {
	// A conn with no peer address set (unconnected UDPConn) fails Write;
	// the liveness tap must still fire per the "bad downlink, still alive" rule.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	notifier := &fakeNotifier{}
	pub := New(conn, notifier, nil)

	pub.Publish(rtp.StatusFrame{RobotID: 1})
	require.Equal(t, []int{1}, notifier.heard)
}
