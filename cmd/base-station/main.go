// Command base-station is the RoboCup SSL/SSH radio base station: it
// binds the field computer's UDP sockets, brings up the nRF24L01+ radio
// over periph.io, and runs the Radio, Liveness, and (optionally) Gamepad
// threads described by SPEC_FULL.md until it is asked to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robocup-rtp/base-station/internal/applog"
	"github.com/robocup-rtp/base-station/internal/command"
	"github.com/robocup-rtp/base-station/internal/config"
	"github.com/robocup-rtp/base-station/internal/gamepad"
	"github.com/robocup-rtp/base-station/internal/liveness"
	"github.com/robocup-rtp/base-station/internal/metrics"
	"github.com/robocup-rtp/base-station/internal/nrf24"
	"github.com/robocup-rtp/base-station/internal/osthread"
	"github.com/robocup-rtp/base-station/internal/scheduler"
	"github.com/robocup-rtp/base-station/internal/status"
)

// spiBusPath and the CE pin are hardware wiring, not a CLI concern. The
// Radio Round Scheduler drives the radio by busy-polling PollRx, so no
// IRQ pin is wired up.
const (
	spiBusPath = "/dev/spidev0.0"
	spiClockHz = 8 * physic.MegaHertz
	cePinName  = "GPIO25"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := applog.New(os.Stderr, applog.ParseLevel(cfg.LogLevel), "base-station")

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger applog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, closeRadio, err := bringUpRadio(cfg, logger)
	if err != nil {
		return fmt.Errorf("hardware init: %w", err)
	}
	defer closeRadio()

	if err := dev.Configure(cfg.Channel, cfg.PALevelValue(), cfg.BaseAddress, cfg.RobotAddresses); err != nil {
		return fmt.Errorf("hardware init: radio configure: %w", err)
	}

	controlConn, err := bindUDP(cfg.ControlMessagePort)
	if err != nil {
		return fmt.Errorf("hardware init: control socket: %w", err)
	}
	defer controlConn.Close()

	statusConn, err := dialUDP(cfg.FieldComputerAddress, cfg.RobotStatusPort)
	if err != nil {
		return fmt.Errorf("hardware init: status socket: %w", err)
	}
	defer statusConn.Close()

	aliveConn, err := dialUDP(cfg.FieldComputerAddress, cfg.AliveRobotsPort)
	if err != nil {
		return fmt.Errorf("hardware init: aliveness socket: %w", err)
	}
	defer aliveConn.Close()

	network := command.NewNetworkSource(controlConn, applog.New(os.Stderr, applog.ParseLevel(cfg.LogLevel), "command"))

	tCheck := time.Duration(cfg.TimeoutMs) * time.Millisecond
	tDead := tCheck
	if cfg.DeadTimeoutMs > 0 {
		tDead = time.Duration(cfg.DeadTimeoutMs) * time.Millisecond
	}
	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	liveAgg := liveness.New(cfg.Robots, tDead, tCheck, aliveConn, metricsReg, applog.New(os.Stderr, applog.ParseLevel(cfg.LogLevel), "liveness"))

	statusPub := status.New(statusConn, liveAgg, applog.New(os.Stderr, applog.ParseLevel(cfg.LogLevel), "status"))

	var manual scheduler.ManualSource
	var gamepadSrc *gamepad.Source
	if cfg.Manual {
		gamepadSrc = gamepad.New(cfg.TeamTag(), applog.New(os.Stderr, applog.ParseLevel(cfg.LogLevel), "gamepad"))
		manual = gamepadSrc
	}

	sched := scheduler.New(
		scheduler.Config{
			Team:      cfg.TeamTag(),
			NumRobots: cfg.Robots,
			TSlot:     50 * time.Millisecond,
			TResp:     time.Duration(cfg.SendTimeoutMs) * time.Millisecond,
		},
		dev, network, manual, liveAgg, statusPub,
		metricsReg,
		applog.New(os.Stderr, applog.ParseLevel(cfg.LogLevel), "scheduler"),
	)

	errCh := make(chan error, 3)
	threads := 0

	threads++
	go func() {
		if err := osthread.Pin(); err != nil {
			logger.Warn("could not elevate radio thread scheduling priority, continuing at default priority", "err", err)
		}
		errCh <- sched.Run(ctx)
	}()

	threads++
	go func() {
		errCh <- liveAgg.Run(ctx)
	}()

	if gamepadSrc != nil {
		threads++
		go func() {
			errCh <- gamepadSrc.Run(ctx)
		}()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				logger.Warn("metrics server stopped", "err", err)
			}
		}()
	}

	logger.Info("base station running",
		"robots", cfg.Robots, "team", cfg.TeamTag(), "manual", cfg.Manual,
		"control_port", cfg.ControlMessagePort, "status_port", cfg.RobotStatusPort, "alive_port", cfg.AliveRobotsPort)

	<-ctx.Done()
	logger.Info("shutting down")

	for i := 0; i < threads; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				logger.Warn("thread exited with error", "err", err)
			}
		case <-time.After(time.Second):
		}
	}

	return nil
}

// bringUpRadio opens the SPI bus and CE pin through periph.io and
// constructs the nRF24 driver. Any failure here is fatal: spec requires
// aborting before the round loop ever starts.
func bringUpRadio(cfg config.Config, logger applog.Logger) (*nrf24.Device, func(), error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(spiBusPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open SPI port %s: %w", spiBusPath, err)
	}

	conn, err := port.Connect(spiClockHz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("connect SPI port: %w", err)
	}

	cePin := gpioreg.ByName(cePinName)
	if cePin == nil {
		port.Close()
		return nil, nil, fmt.Errorf("open CE pin %s", cePinName)
	}

	dev, err := nrf24.New(nrf24.Config{
		ChannelNumber: cfg.Channel,
		RxAddr:        cfg.BaseAddress,
		// Control Frames (19B) and Status Frames (11B) share one pipe in
		// opposite directions, so the payload width must float rather
		// than lock to either frame's fixed size.
		EnableDynamicPayload: true,
		EnableAutoAck:        true,
		DataRate:             nrf24.DataRate1mbps,
		PALevel:              cfg.PALevelValue(),
		AutoRetransmitDelay:  250,
		AutoRetransmitCount:  3,
		AddressWidth:         5,
		CRCLength:            nrf24.CRCLength16,
		Logger:               logger,
	}, conn, &pinAdapter{PinIO: cePin})
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("init nrf24 driver: %w", err)
	}

	closeFn := func() {
		if err := dev.Close(); err != nil {
			logger.Warn("error closing radio", "err", err)
		}
	}
	return dev, closeFn, nil
}

// pinAdapter wraps a periph.io gpio.PinIO to satisfy nrf24.Pin. Level is an
// alias of the periph.io gpio type, so CE's Out call passes straight through.
type pinAdapter struct {
	gpio.PinIO
}

func (p *pinAdapter) Out(l nrf24.Level) error { return p.PinIO.Out(l) }

func bindUDP(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{Port: port})
}

func dialUDP(host string, port int) (*net.UDPConn, error) {
	return net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(host), Port: port})
}
