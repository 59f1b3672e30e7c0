// Package nrf24 drives an nRF24L01+ 2.4GHz packet radio over SPI/GPIO.
//
// It is the base station's Radio Driver Adapter (C1): a stateless-looking
// Configure/SendTo/PollRx API over a stateful half-duplex, single-FIFO
// radio. SendTo encodes the stop-listening / set-pipe / write-with-auto-ack /
// resume-listening ritual so a caller can never leave the radio wedged on a
// normal exit path. SendTo does not reconfigure the payload width per
// direction: with EnableDynamicPayload each frame carries its own length,
// and without it both directions use the one configured PayloadSize.
package nrf24

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

var (
	ErrPkg        = errors.New("nrf24")
	ErrMaxRetries = errors.New("max retransmissions reached")
	ErrTimeout    = errors.New("timeout waiting for device")
)

type (
	Address [5]byte
	Packet  [32]byte
)

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4])
}

type (
	DataRate  byte
	PALevel   byte
	CRCLength byte
)

const (
	// DataRate250kbps represents a data rate of 250kbps
	DataRate250kbps DataRate = iota
	// DataRate1mbps represents a data rate of 1mbps
	DataRate1mbps
	// DataRate2mbps represents a data rate of 2mbps
	DataRate2mbps
)

func (d DataRate) String() string {
	switch d {
	case DataRate250kbps:
		return "250kbps"
	case DataRate1mbps:
		return "1mbps"
	case DataRate2mbps:
		return "2mbps"
	default:
		return "unknown"
	}
}

const (
	// PALevelMin represents a power amplifier level of -18dBm
	PALevelMin PALevel = iota
	// PALevelLow represents a power amplifier level of -12dBm
	PALevelLow
	// PALevelHigh represents a power amplifier level of -6dBm
	PALevelHigh
	// PALevelMax represents a power amplifier level of 0dBm
	PALevelMax
)

func (p PALevel) String() string {
	switch p {
	case PALevelMin:
		return "-18dBm"
	case PALevelLow:
		return "-12dBm"
	case PALevelHigh:
		return "-6dBm"
	case PALevelMax:
		return "0dBm"
	default:
		return "unknown"
	}
}

const (
	// CRCLengthDisabled disables CRC
	CRCLengthDisabled CRCLength = iota
	// CRCLength8 enables 8-bit CRC
	CRCLength8
	// CRCLength16 enables 16-bit CRC
	CRCLength16
)

// --- NRF24L01 Registers/Commands/Bits ---

const (
	_CONFIG      = 0x00
	_RF_CH       = 0x05
	_RF_SETUP    = 0x06
	_STATUS      = 0x07
	_RX_ADDR_P0  = 0x0A
	_RX_ADDR_P1  = 0x0B
	_TX_ADDR_REG = 0x10
	_RX_PW_P0    = 0x11
	_RX_PW_P1    = 0x12

	_DYNPD   = 0x1C
	_FEATURE = 0x1D

	_W_REGISTER   = 0x20
	_R_RX_PAYLOAD = 0x61
	_W_TX_PAYLOAD = 0xA0
	_FLUSH_TX     = 0xE1
	_FLUSH_RX     = 0xE2
	_NOP          = 0xFF
)

const (
	_PWR_UP  = 1 << 1
	_PRIM_RX = 1 << 0
	_RX_DR   = 1 << 6
	_TX_DS   = 1 << 5
	_MAX_RT  = 1 << 4
	_EN_CRC  = 1 << 3
	_CRCO    = 1 << 2

	_SETUP_RETR = 0x04
	_EN_AA      = 0x01
	_EN_RXADDR  = 0x02
	_ERX_P0     = 1 << 0
	_ERX_P1     = 1 << 1
	_SETUP_AW   = 0x03

	_EN_DPL     = 1 << 2
	_EN_ACK_PAY = 1 << 1
	_EN_DYN_ACK = 1 << 0
)

const _MAX_PAYLOAD_BYTES = 32
const _R_RX_PL_WID = 0x60

// Level is the GPIO vocabulary the driver needs for CE (chip enable); it is
// an alias of periph.io's conn/v3/gpio.Level so a caller can pass a real
// periph.io pin straight through a small adapter.
type Level = gpio.Level

const (
	Low  = gpio.Low
	High = gpio.High
)

// Pin is the minimal GPIO capability the driver needs to drive CE.
type Pin interface {
	Out(l Level) error
}

// SPI is the minimal full-duplex SPI capability the driver needs, matching
// periph.io/x/conn/v3/spi.Conn's Tx method.
type SPI interface {
	Tx(w, r []byte) error
}

// Logger is the structured-logging capability the driver needs. Its method
// set matches *github.com/charmbracelet/log.Logger, so callers can pass one
// in directly; pass nil to silence the driver.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(interface{}, ...interface{}) {}
func (nopLogger) Info(interface{}, ...interface{})  {}
func (nopLogger) Warn(interface{}, ...interface{})  {}
func (nopLogger) Error(interface{}, ...interface{}) {}

// Config carries the radio parameters applied at initialization.
type Config struct {
	// ChannelNumber selects the 2.4GHz channel (0-124); frequency = 2400+N MHz.
	ChannelNumber byte
	// RxAddr is this radio's own reading-pipe address (pipe 1).
	RxAddr Address
	// EnableDynamicPayload enables variable packet size. Defaults to false.
	EnableDynamicPayload bool
	// PayloadSize is the fixed payload size in bytes (1-32) when
	// EnableDynamicPayload is false. Defaults to 32.
	PayloadSize byte
	// EnableAutoAck enables hardware auto-acknowledgement.
	EnableAutoAck bool
	// DataRate sets the air data rate. Defaults to DataRate250kbps.
	DataRate DataRate
	// PALevel sets the power amplifier level. Defaults to PALevelMax.
	PALevel PALevel
	// AutoRetransmitDelay in microseconds, multiple of 250, 250-4000. Defaults to 250.
	AutoRetransmitDelay uint16
	// AutoRetransmitCount, 0-15. Defaults to 3.
	AutoRetransmitCount byte
	// AddressWidth, 3-5 bytes. Defaults to 5.
	AddressWidth byte
	// CRCLength. Defaults to CRCLength16.
	CRCLength CRCLength
	// Logger receives driver diagnostics. A nil Logger silences the driver.
	Logger Logger
}

// Device is a driver instance for one physical nRF24L01+ radio. All
// exported methods are concurrency-safe; only one goroutine should drive
// the radio at a time per the base station's "C4 alone owns the radio"
// rule, but the mutex makes misuse safe rather than undefined.
type Device struct {
	config Config
	conn   SPI
	ce     Pin

	mu      sync.Mutex
	scratch [33]byte // max payload (32) + 1 status byte

	// addresses is the per-robot writing-pipe address table recorded by
	// Configure, indexed by robot id; SendTo loads its target's entry into
	// TX_ADDR/RX_ADDR_P0 without a caller round-trip.
	addresses map[int]Address
}

// New initializes a new NRF24L01+ driver over the given SPI connection and
// chip-enable pin.
func New(cfg Config, conn SPI, ce Pin) (*Device, error) {
	return newDriver(cfg, conn, ce)
}

func newDriver(c Config, conn SPI, ce Pin) (*Device, error) {
	if !c.EnableDynamicPayload && (c.PayloadSize == 0 || c.PayloadSize > 32) {
		c.PayloadSize = 32
	}
	if c.DataRate == 0 {
		c.DataRate = DataRate250kbps
	}
	if c.PALevel == 0 {
		c.PALevel = PALevelMax
	}
	if c.AutoRetransmitDelay == 0 {
		c.AutoRetransmitDelay = 250
	}
	if c.AutoRetransmitCount == 0 {
		c.AutoRetransmitCount = 3
	}
	if c.AddressWidth == 0 {
		c.AddressWidth = 5
	}
	if c.AddressWidth < 3 || c.AddressWidth > 5 {
		return nil, fmt.Errorf("%w: AddressWidth must be 3, 4, or 5", ErrPkg)
	}
	if c.CRCLength == 0 {
		c.CRCLength = CRCLength16
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if ce == nil {
		return nil, fmt.Errorf("%w: CE pin not configured", ErrPkg)
	}
	if c.ChannelNumber > 124 {
		return nil, fmt.Errorf("%w: channel number must be between 0 and 124", ErrPkg)
	}

	dev := &Device{
		config:    c,
		conn:      conn,
		ce:        ce,
		addresses: make(map[int]Address),
	}

	dev.config.Logger.Info("initializing nRF24L01+", "channel", c.ChannelNumber)

	dev.ce.Out(Low)

	dev.setCE(false)
	dev.writeRegister(_CONFIG, 0)
	dev.clearStatus()
	dev.flushTX()
	dev.flushRX()

	var configValue byte = _PWR_UP | _PRIM_RX
	switch dev.config.CRCLength {
	case CRCLength8:
		configValue |= _EN_CRC
	case CRCLength16:
		configValue |= _EN_CRC | _CRCO
	}
	dev.writeRegister(_CONFIG, configValue)
	time.Sleep(5 * time.Millisecond)

	dev.writeRegister(_RF_CH, dev.config.ChannelNumber)
	dev.writeRegister(_SETUP_AW, dev.config.AddressWidth-2)

	ard := (dev.config.AutoRetransmitDelay/250 - 1) & 0x0F
	arc := dev.config.AutoRetransmitCount & 0x0F
	dev.writeRegister(_SETUP_RETR, (byte(ard)<<4)|byte(arc))

	dev.writeRegister(_RF_SETUP, rfSetupValue(dev.config.DataRate, dev.config.PALevel))

	if dev.config.EnableAutoAck {
		dev.writeRegister(_EN_AA, _ERX_P0|_ERX_P1)
	} else {
		dev.writeRegister(_EN_AA, 0)
	}
	dev.writeRegister(_EN_RXADDR, _ERX_P0|_ERX_P1)

	dev.writeRegisterN(_RX_ADDR_P1, dev.config.RxAddr[:])

	featureVal := byte(_EN_DYN_ACK)
	if dev.config.EnableDynamicPayload {
		featureVal |= _EN_DPL | _EN_ACK_PAY
		dev.writeRegister(_FEATURE, featureVal)
		dev.writeRegister(_DYNPD, _ERX_P0|_ERX_P1)
	} else {
		dev.writeRegister(_FEATURE, featureVal)
		dev.writeRegister(_DYNPD, 0)
		dev.writeRegister(_RX_PW_P0, dev.config.PayloadSize)
		dev.writeRegister(_RX_PW_P1, dev.config.PayloadSize)
	}

	readChannel := dev.readRegister(_RF_CH)
	if readChannel != dev.config.ChannelNumber {
		dev.Close()
		return nil, fmt.Errorf("%w: failed to verify connection: check wiring/power", ErrPkg)
	}

	dev.config.Logger.Info("nRF24L01+ initialized, listening")
	dev.setCE(true)

	return dev, nil
}

func rfSetupValue(rate DataRate, pa PALevel) byte {
	var rfSetup byte
	switch rate {
	case DataRate1mbps:
	case DataRate2mbps:
		rfSetup |= 1 << 3
	case DataRate250kbps:
		rfSetup |= 1 << 5
	}
	switch pa {
	case PALevelMin:
	case PALevelLow:
		rfSetup |= 1 << 1
	case PALevelHigh:
		rfSetup |= 2 << 1
	case PALevelMax:
		rfSetup |= 3 << 1
	}
	return rfSetup
}

// Close powers down the radio and closes the underlying SPI port, if it
// supports closing.
func (dev *Device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.writeRegister(_CONFIG, dev.readRegister(_CONFIG)&^byte(_PWR_UP))
	dev.config.Logger.Info("nRF24L01+ powered down")

	if closer, ok := dev.conn.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			dev.config.Logger.Warn("failed to close SPI port", "err", err)
		}
	}

	return nil
}

// --- Core SPI register access ---

func (d *Device) spiTransfer(length int) (status byte, response []byte) {
	slice := d.scratch[:length]
	if err := d.conn.Tx(slice, slice); err != nil {
		d.config.Logger.Error("SPI transfer error", "err", err)
		return 0, nil
	}
	if length > 0 {
		return d.scratch[0], d.scratch[1:length]
	}
	return 0, nil
}

func (d *Device) writeRegister(reg, val byte) {
	d.scratch[0] = _W_REGISTER | reg
	d.scratch[1] = val
	d.spiTransfer(2)
}

func (d *Device) readRegister(reg byte) byte {
	d.scratch[0] = reg
	d.scratch[1] = _NOP
	_, data := d.spiTransfer(2)
	if len(data) > 0 {
		return data[0]
	}
	return 0
}

func (d *Device) writeRegisterN(reg byte, data []byte) {
	d.scratch[0] = _W_REGISTER | reg
	copy(d.scratch[1:], data)
	d.spiTransfer(1 + len(data))
}

func (d *Device) flushTX() {
	d.scratch[0] = _FLUSH_TX
	d.spiTransfer(1)
}

func (d *Device) flushRX() {
	d.scratch[0] = _FLUSH_RX
	d.spiTransfer(1)
}

func (d *Device) clearStatus() {
	d.writeRegister(_STATUS, _RX_DR|_TX_DS|_MAX_RT)
}

func (d *Device) setCE(level bool) {
	if level {
		d.ce.Out(High)
	} else {
		d.ce.Out(Low)
	}
}

// setTargetAddress switches the writing pipe (and, for auto-ack, the
// matching RX_ADDR_P0) to addr.
func (d *Device) setTargetAddress(addr Address) {
	d.setCE(false)
	d.writeRegisterN(_TX_ADDR_REG, addr[:])
	d.writeRegisterN(_RX_ADDR_P0, addr[:])
	time.Sleep(time.Millisecond)
}

// FlushTX clears the transmit FIFO.
func (d *Device) FlushTX() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushTX()
}

// FlushRX clears the receive FIFO.
func (d *Device) FlushRX() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushRX()
}

func (d *Device) startListening() {
	d.setCE(false)
	d.writeRegister(_CONFIG, d.readRegister(_CONFIG)|_PRIM_RX)
	d.setCE(true)
	time.Sleep(130 * time.Microsecond)
	d.clearStatus()
	d.flushRX()
}

func (d *Device) stopListening() {
	d.setCE(false)
	d.writeRegister(_CONFIG, d.readRegister(_CONFIG)&^byte(_PRIM_RX))
}

// --- Read/write ---

func (d *Device) available() bool {
	return ((d.readRegister(_STATUS) >> 1) & 0x07) != 7
}

func (d *Device) getDynamicPayloadSize() byte {
	d.scratch[0] = _R_RX_PL_WID
	d.scratch[1] = _NOP
	_, data := d.spiTransfer(2)
	if len(data) > 0 {
		if data[0] > 32 {
			d.flushRX()
			return 0
		}
		return data[0]
	}
	return 0
}

func (d *Device) readDynamic() ([]byte, bool) {
	if !d.available() {
		return nil, false
	}

	size := d.getDynamicPayloadSize()
	if size == 0 {
		d.flushRX()
		d.clearStatus()
		return nil, false
	}

	d.scratch[0] = _R_RX_PAYLOAD
	for i := 1; i <= int(size); i++ {
		d.scratch[i] = _NOP
	}
	_, data := d.spiTransfer(int(size) + 1)

	result := make([]byte, len(data))
	copy(result, data)
	d.clearStatus()

	return result, true
}

func (d *Device) readFixedPayload() ([]byte, bool) {
	if !d.available() {
		return nil, false
	}

	size := int(d.config.PayloadSize)
	d.scratch[0] = _R_RX_PAYLOAD
	for i := 1; i <= size; i++ {
		d.scratch[i] = _NOP
	}
	_, data := d.spiTransfer(size + 1)

	result := make([]byte, len(data))
	copy(result, data)
	d.clearStatus()

	return result, true
}

func (d *Device) write(data []byte) error {
	d.stopListening()

	d.scratch[0] = _W_TX_PAYLOAD
	if d.config.EnableDynamicPayload {
		copy(d.scratch[1:], data)
		d.spiTransfer(1 + len(data))
	} else {
		size := int(d.config.PayloadSize)
		for i := 1; i <= size; i++ {
			d.scratch[i] = 0
		}
		copy(d.scratch[1:], data)
		d.spiTransfer(1 + size)
	}

	d.setCE(true)
	time.Sleep(15 * time.Microsecond)
	d.setCE(false)

	timeoutDuration := time.Duration(d.config.AutoRetransmitDelay)*time.Duration(d.config.AutoRetransmitCount)*time.Microsecond + 50*time.Millisecond
	timeout := time.After(timeoutDuration)

	for {
		select {
		case <-timeout:
			d.clearStatus()
			d.flushTX()
			return fmt.Errorf("%w: %w", ErrPkg, ErrTimeout)
		default:
			status := d.readRegister(_STATUS)
			if status&(_TX_DS|_MAX_RT) != 0 {
				d.clearStatus()
				if status&_MAX_RT != 0 {
					d.flushTX()
					return fmt.Errorf("%w: %w", ErrPkg, ErrMaxRetries)
				}
				return nil
			}
			time.Sleep(1 * time.Millisecond)
		}
	}
}

// AckResult reports the outcome of a single SendTo call.
type AckResult int

const (
	// AckOK means the peer's hardware auto-acked the frame.
	AckOK AckResult = iota
	// AckNone means the frame was sent but no auto-ack arrived within the
	// configured retransmit window. It is never retransmitted here (see
	// C4's "no intra-round retry" policy); C4 still runs the reply window.
	AckNone
)

func (r AckResult) String() string {
	if r == AckOK {
		return "ack"
	}
	return "no-ack"
}

// RadioError wraps a failure from the SPI/GPIO path encountered while
// driving the radio for a specific robot slot.
type RadioError struct {
	RobotID int
	Op      string
	Err     error
}

func (e *RadioError) Error() string {
	return fmt.Sprintf("nrf24: robot %d: %s: %v", e.RobotID, e.Op, e.Err)
}

func (e *RadioError) Unwrap() error { return e.Err }

// Configure performs the one-shot startup sequence C4 runs before its
// first round: set the channel and PA level, open this station's own
// reading pipe on baseAddr, and record the per-robot writing-pipe address
// table that SendTo will index into.
func (d *Device) Configure(channel byte, pa PALevel, baseAddr Address, robotAddrs []Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if channel > 124 {
		return &RadioError{Op: "configure", Err: fmt.Errorf("%w: channel must be 0-124", ErrPkg)}
	}

	d.writeRegister(_RF_CH, channel)
	d.config.ChannelNumber = channel

	d.config.PALevel = pa
	d.writeRegister(_RF_SETUP, rfSetupValue(d.config.DataRate, d.config.PALevel))

	d.writeRegisterN(_RX_ADDR_P1, baseAddr[:])
	d.config.RxAddr = baseAddr

	d.addresses = make(map[int]Address, len(robotAddrs))
	for i, a := range robotAddrs {
		d.addresses[i] = a
	}

	d.config.Logger.Info("radio configured", "channel", channel, "pa", pa, "robots", len(robotAddrs))
	return nil
}

// SendTo runs the atomic stop-listening / set-pipe / write-with-auto-ack /
// resume-listening ritual for one robot slot: the only way a caller should
// ever put a frame on the air. It never retries: a NoAck is reported as
// AckNone and a transport error as a *RadioError, leaving what happens next
// to the round scheduler.
func (d *Device) SendTo(robotID int, frame []byte) (AckResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr, ok := d.addresses[robotID]
	if !ok {
		return AckNone, &RadioError{RobotID: robotID, Op: "send", Err: fmt.Errorf("%w: no address configured for robot", ErrPkg)}
	}

	limit := int(_MAX_PAYLOAD_BYTES)
	if !d.config.EnableDynamicPayload {
		limit = int(d.config.PayloadSize)
	}
	if len(frame) > limit {
		return AckNone, &RadioError{RobotID: robotID, Op: "send", Err: fmt.Errorf("%w: frame too large (%d bytes), limit %d", ErrPkg, len(frame), limit)}
	}

	d.stopListening()
	d.setTargetAddress(addr)

	err := d.write(frame)
	d.startListening()

	if err != nil {
		if errors.Is(err, ErrMaxRetries) {
			return AckNone, nil
		}
		return AckNone, &RadioError{RobotID: robotID, Op: "send", Err: err}
	}
	return AckOK, nil
}

// PollRx non-blockingly drains one frame from the RX FIFO, forwarding
// anything the radio has heard since the last poll regardless of which
// robot it came from — C4 is responsible for matching it to the slot that
// is currently awaiting a reply.
func (d *Device) PollRx() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config.EnableDynamicPayload {
		return d.readDynamic()
	}
	return d.readFixedPayload()
}
