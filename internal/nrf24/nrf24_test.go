package nrf24

import (
	"bytes"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// --- Mocks ---

type mockPin struct {
	mode  string
	level gpio.Level
}

func (m *mockPin) Out(l gpio.Level) error {
	m.mode = "output"
	m.level = l
	return nil
}

type mockSPIConn struct {
	tx      []byte
	rxQueue [][]byte // Queue of responses to return for subsequent Tx calls
	regs    map[byte]byte // Last value written per register, echoed on unscripted reads
}

func (m *mockSPIConn) Tx(w, r []byte) error {
	m.tx = append(m.tx, w...)
	
	if len(m.rxQueue) > 0 {
		// Pop the next response
		nextRx := m.rxQueue[0]
		m.rxQueue = m.rxQueue[1:]
		
		// Copy min(len(r), len(nextRx))
		n := len(r)
		if len(nextRx) < n {
			n = len(nextRx)
		}
		copy(r, nextRx[:n])
	} else if len(w) == 2 {
		// No scripted response: act as a register file, so the driver's
		// RF_CH read-back during init sees the channel it just wrote.
		if m.regs == nil {
			m.regs = make(map[byte]byte)
		}
		if w[0]&0xE0 == 0x20 {
			m.regs[w[0]&0x1F] = w[1]
		} else if w[0] <= 0x1F {
			r[1] = m.regs[w[0]]
		}
	}
	return nil
}

func (m *mockSPIConn) queueRx(data []byte) {
	m.rxQueue = append(m.rxQueue, data)
}

func (m *mockSPIConn) Duplex() conn.Duplex { return conn.Full }
func (m *mockSPIConn) TxPackets(p []spi.Packet) error { return nil }
func (m *mockSPIConn) String() string { return "mockSPI" }
func (m *mockSPIConn) Close() error { return nil }
func (m *mockSPIConn) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	return m, nil
}
func (m *mockSPIConn) LimitSpeed(f physic.Frequency) error { return nil }


// --- Tests ---

func TestInitialization(t *testing.T) {
	// Setup Mocks
	mockSPI := &mockSPIConn{}
	mockCE := &mockPin{}

	// Config
	cfg := Config{
		ChannelNumber: 76,
		RxAddr:        Address{0xE7, 0xE7, 0xE7, 0xE7, 0xE7},
		Logger:        &nopLogger{}, // Silence logs
	}

	// Call newDriver
	dev, err := newDriver(cfg, mockSPI, mockCE)
	if err != nil {
		t.Fatalf("newDriver failed: %v", err)
	}

	// Verify CE was set to Output and started Low
	if mockCE.mode != "output" {
		t.Errorf("Expected CE pin to be output, got %s", mockCE.mode)
	}
	
	// Verify SPI commands
	// We look for specific register writes that should happen during init.
	// Example: Writing Channel 76 to register _RF_CH (0x05)
	// Write command is 0x20 | reg. So 0x25.
	
	expectedOp := []byte{0x20 | _RF_CH, 76}
	if !bytes.Contains(mockSPI.tx, expectedOp) {
		t.Errorf("Expected SPI write to RF_CH (0x%X), but not found in TX buffer: %X", expectedOp, mockSPI.tx)
	}

	// Verify Power Up
	// _CONFIG (0x00) should be written with _PWR_UP (bit 1) and _PRIM_RX (bit 0) set.
	// Default CRCLength16 sets _EN_CRC (bit 3) and _CRCO (bit 2).
	// Value: 0000 1111 = 0x0F.
	// Command: 0x20 | 0x00 = 0x20. Payload: 0x0F.
	expectedPowerUp := []byte{0x20 | _CONFIG, 0x0F}
	if !bytes.Contains(mockSPI.tx, expectedPowerUp) {
		t.Errorf("Expected SPI write to CONFIG for PowerUp (0x%X), but not found: %X", expectedPowerUp, mockSPI.tx)
	}

	// Verify CE is High at the end (Listening)
	if mockCE.level != gpio.High {
		t.Errorf("Expected CE to be High (Listening) after init, got %v", mockCE.level)
	}

	dev.Close()
}

func TestFlushTXAndFlushRX(t *testing.T) {
	mockSPI := &mockSPIConn{}
	cfg := Config{Logger: &nopLogger{}}
	dev, _ := newDriver(cfg, mockSPI, &mockPin{})

	mockSPI.tx = nil
	dev.FlushTX()
	if !bytes.Contains(mockSPI.tx, []byte{0xE1}) { // _FLUSH_TX
		t.Errorf("FlushTX sent wrong command: %X", mockSPI.tx)
	}

	mockSPI.tx = nil
	dev.FlushRX()
	if !bytes.Contains(mockSPI.tx, []byte{0xE2}) { // _FLUSH_RX
		t.Errorf("FlushRX sent wrong command: %X", mockSPI.tx)
	}
}

func TestConfigureRecordsRobotAddresses(t *testing.T) {
	mockSPI := &mockSPIConn{}
	cfg := Config{Logger: &nopLogger{}}
	dev, _ := newDriver(cfg, mockSPI, &mockPin{})

	base := Address{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}
	robots := []Address{
		{0x01, 0x01, 0x01, 0x01, 0x01},
		{0x02, 0x02, 0x02, 0x02, 0x02},
	}

	mockSPI.tx = nil
	if err := dev.Configure(42, PALevelHigh, base, robots); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if !bytes.Contains(mockSPI.tx, []byte{0x20 | _RF_CH, 42}) {
		t.Errorf("Configure didn't write channel to RF_CH: %X", mockSPI.tx)
	}
	if len(dev.addresses) != 2 {
		t.Fatalf("expected 2 robot addresses recorded, got %d", len(dev.addresses))
	}
	if dev.addresses[1] != robots[1] {
		t.Errorf("robot 1 address not recorded correctly: got %v", dev.addresses[1])
	}
}

func TestSendToUnknownRobot(t *testing.T) {
	mockSPI := &mockSPIConn{}
	cfg := Config{Logger: &nopLogger{}}
	dev, _ := newDriver(cfg, mockSPI, &mockPin{})

	_, err := dev.SendTo(9, []byte("frame"))
	if err == nil {
		t.Fatal("expected error sending to an unconfigured robot id")
	}
	var radioErr *RadioError
	if !bytesErrorsAs(err, &radioErr) {
		t.Fatalf("expected a *RadioError, got %T: %v", err, err)
	}
	if radioErr.RobotID != 9 {
		t.Errorf("expected RobotID 9 in error, got %d", radioErr.RobotID)
	}
}

func TestSendToAckOutcomes(t *testing.T) {
	mockSPI := &mockSPIConn{}
	cfg := Config{Logger: &nopLogger{}}
	dev, _ := newDriver(cfg, mockSPI, &mockPin{})

	addr := Address{9, 9, 9, 9, 9}
	if err := dev.Configure(10, PALevelMax, Address{1, 1, 1, 1, 1}, []Address{addr}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	mockSPI.tx = nil
	mockSPI.rxQueue = nil
	for i := 0; i < 7; i++ {
		mockSPI.queueRx([]byte{0})
	}
	mockSPI.queueRx([]byte{0x00, 0x20}) // TX_DS -> acked

	result, err := dev.SendTo(0, []byte("cmd"))
	if err != nil {
		t.Fatalf("SendTo returned error: %v", err)
	}
	if result != AckOK {
		t.Errorf("expected AckOK, got %v", result)
	}

	mockSPI.tx = nil
	mockSPI.rxQueue = nil
	for i := 0; i < 7; i++ {
		mockSPI.queueRx([]byte{0})
	}
	mockSPI.queueRx([]byte{0x00, 0x10}) // MAX_RT -> no ack, forfeits the slot

	result, err = dev.SendTo(0, []byte("cmd"))
	if err != nil {
		t.Fatalf("SendTo with MAX_RT should not surface an error, got: %v", err)
	}
	if result != AckNone {
		t.Errorf("expected AckNone, got %v", result)
	}
}

func TestPollRxDrainsFifo(t *testing.T) {
	mockSPI := &mockSPIConn{}
	cfg := Config{Logger: &nopLogger{}, EnableDynamicPayload: true}
	dev, _ := newDriver(cfg, mockSPI, &mockPin{})
	mockSPI.tx = nil

	mockSPI.queueRx([]byte{0x00, 0x40})                  // available
	mockSPI.queueRx([]byte{0x40, 0x06})                  // dynamic payload size
	mockSPI.queueRx([]byte{0x40, 's', 't', 'a', 't', 'u', 's'}) // payload
	mockSPI.queueRx([]byte{0x00, 0x00})                  // clearStatus

	data, ok := dev.PollRx()
	if !ok {
		t.Fatal("expected PollRx to report a frame")
	}
	if string(data) != "status" {
		t.Errorf("expected 'status', got %q", string(data))
	}
}

// bytesErrorsAs avoids importing errors solely for one assertion helper.
func bytesErrorsAs(err error, target **RadioError) bool {
	for err != nil {
		if re, ok := err.(*RadioError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
