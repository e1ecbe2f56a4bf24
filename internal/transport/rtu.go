package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// RTUConfig is the serial-port shape for a Modbus RTU device.
type RTUConfig struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int    // 1 or 2
	Parity   string // "none", "even", "odd"
	UnitID   byte
	Timeout  time.Duration
}

// RTUTransport speaks Modbus RTU over a serial port: unit id + function
// code + payload framed with a trailing CRC16, no MBAP header. Grounded on
// the teacher's pkg/nodes/industrial/modbus_rtu.go buildRequest/sendRequest
// pair and original_source/src/modbus/mod.rs's tolerant RTU construction
// (invalid serial parameters fall back to a safe default rather than
// aborting device setup).
type RTUTransport struct {
	cfg  RTUConfig
	mu   sync.Mutex
	port serial.Port

	// warn receives a message whenever a configured serial parameter was
	// invalid and silently coerced to a default. Optional; nil is fine.
	warn func(string)
}

// NewRTUTransport opens the serial port. Unrecognized StopBits/Parity
// values are coerced to 1/"none" with a warning rather than failing
// construction, matching the original bridge's behavior.
func NewRTUTransport(cfg RTUConfig, warn func(string)) (*RTUTransport, error) {
	t := &RTUTransport{cfg: cfg, warn: warn}
	mode := &serial.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}

	switch cfg.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		t.warnf("invalid stop_bits %d for port %s, defaulting to 1", cfg.StopBits, cfg.Port)
		mode.StopBits = serial.OneStopBit
	}

	switch cfg.Parity {
	case "none", "":
		mode.Parity = serial.NoParity
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	default:
		t.warnf("invalid parity %q for port %s, defaulting to none", cfg.Parity, cfg.Port)
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, newTransportErr("open serial port", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, newTransportErr("set read timeout", err)
	}
	t.port = port
	return t, nil
}

func (t *RTUTransport) warnf(format string, args ...interface{}) {
	if t.warn != nil {
		t.warn(fmt.Sprintf(format, args...))
	}
}

func (t *RTUTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// roundTrip frames pdu with the unit id and CRC16, writes it, and reads
// back a response, stripping the unit id and CRC before returning the PDU.
func (t *RTUTransport) roundTrip(ctx context.Context, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, newTransportErr("round trip", fmt.Errorf("serial port closed"))
	}

	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, t.cfg.UnitID)
	frame = append(frame, pdu...)
	frame = appendCRC(frame)

	t.port.ResetInputBuffer()
	if _, err := t.port.Write(frame); err != nil {
		return nil, newTransportErr("write", err)
	}

	// Inter-frame delay: give the device time to reply before polling reads.
	time.Sleep(50 * time.Millisecond)

	resp, err := t.readFrame()
	if err != nil {
		return nil, err
	}
	if !verifyCRC(resp) {
		return nil, newIOErr("verify crc", fmt.Errorf("crc mismatch"))
	}
	respPDU := resp[1 : len(resp)-2]
	if err := checkException(respPDU); err != nil {
		return nil, err
	}
	return respPDU, nil
}

// readFrame reads until it has at least the minimum RTU response size
// (unit id + function + 1 byte + CRC16) or the read times out.
func (t *RTUTransport) readFrame() ([]byte, error) {
	const minFrame = 5
	buf := make([]byte, 256)
	total := 0
	for total < minFrame {
		n, err := t.port.Read(buf[total:])
		if err != nil {
			return nil, newTransportErr("read", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total < minFrame {
		return nil, newIOErr("read", fmt.Errorf("incomplete frame: got %d bytes", total))
	}
	return buf[:total], nil
}

func (t *RTUTransport) ReadHolding(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if err := checkQuantity(funcReadHoldingRegs, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadHoldingRegs, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(pdu[1:], quantity)
}

func (t *RTUTransport) ReadInput(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if err := checkQuantity(funcReadInputRegs, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadInputRegs, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(pdu[1:], quantity)
}

func (t *RTUTransport) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if err := checkQuantity(funcReadCoils, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadCoils, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeBits(pdu[1:], quantity)
}

func (t *RTUTransport) ReadDiscrete(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if err := checkQuantity(funcReadDiscreteInputs, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadDiscreteInputs, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeBits(pdu[1:], quantity)
}

func (t *RTUTransport) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := t.roundTrip(ctx, buildWriteSinglePDU(funcWriteSingleReg, address, value))
	return err
}

func (t *RTUTransport) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	_, err := t.roundTrip(ctx, buildWriteMultiPDU(funcWriteMultiRegs, address, uint16(len(values)), wordsToBytes(values)))
	return err
}

func (t *RTUTransport) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	coilValue := uint16(0)
	if value {
		coilValue = 0xFF00
	}
	_, err := t.roundTrip(ctx, buildWriteSinglePDU(funcWriteSingleCoil, address, coilValue))
	return err
}
