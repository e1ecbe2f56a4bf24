package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPConfig is the dial shape for a Modbus TCP device.
type TCPConfig struct {
	Host    string
	Port    int
	UnitID  byte
	Timeout time.Duration
}

// TCPTransport speaks Modbus TCP: a 7-byte MBAP header (transaction id,
// protocol id, length, unit id) followed by the PDU. Grounded on the
// teacher's pkg/nodes/industrial/modbus_tcp.go buildRequest/sendRequest
// pair, generalized behind the Transport interface.
type TCPTransport struct {
	cfg  TCPConfig
	mu   sync.Mutex
	conn net.Conn
	txID uint32
}

// NewTCPTransport dials the device. The connection is lazily redialed by
// the next operation if it drops; callers don't need to reconnect manually.
func NewTCPTransport(cfg TCPConfig) (*TCPTransport, error) {
	t := &TCPTransport{cfg: cfg}
	if err := t.ensureConn(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TCPTransport) ensureConn() error {
	if t.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, t.cfg.Timeout)
	if err != nil {
		return newTransportErr("dial", err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// roundTrip wraps a PDU in an MBAP header, sends it, and returns the PDU
// portion of the response with the MBAP header stripped off.
func (t *TCPTransport) roundTrip(ctx context.Context, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConn(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(dl)
	} else if t.cfg.Timeout > 0 {
		t.conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	txID := uint16(atomic.AddUint32(&t.txID, 1))
	frame := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:], txID)
	binary.BigEndian.PutUint16(frame[2:], 0) // protocol id is always 0 for Modbus
	binary.BigEndian.PutUint16(frame[4:], uint16(1+len(pdu)))
	frame[6] = t.cfg.UnitID
	copy(frame[7:], pdu)

	if _, err := t.conn.Write(frame); err != nil {
		t.conn.Close()
		t.conn = nil
		return nil, newTransportErr("write", err)
	}

	// Read the first six MBAP bytes; the length field counts the unit id
	// and the PDU that follow.
	header := make([]byte, 6)
	if _, err := readFull(t.conn, header); err != nil {
		t.conn.Close()
		t.conn = nil
		return nil, newTransportErr("read header", err)
	}
	pduLen := int(binary.BigEndian.Uint16(header[4:]))
	if pduLen < 1 {
		return nil, newIOErr("read pdu", fmt.Errorf("non-positive pdu length %d", pduLen))
	}
	body := make([]byte, pduLen)
	if _, err := readFull(t.conn, body); err != nil {
		t.conn.Close()
		t.conn = nil
		return nil, newTransportErr("read pdu", err)
	}
	// body[0] is the unit id echo; the PDU itself starts at body[1:].
	respPDU := body[1:]
	if err := checkException(respPDU); err != nil {
		return nil, err
	}
	return respPDU, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *TCPTransport) ReadHolding(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if err := checkQuantity(funcReadHoldingRegs, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadHoldingRegs, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(pdu[1:], quantity)
}

func (t *TCPTransport) ReadInput(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	if err := checkQuantity(funcReadInputRegs, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadInputRegs, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeRegisters(pdu[1:], quantity)
}

func (t *TCPTransport) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if err := checkQuantity(funcReadCoils, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadCoils, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeBits(pdu[1:], quantity)
}

func (t *TCPTransport) ReadDiscrete(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if err := checkQuantity(funcReadDiscreteInputs, quantity); err != nil {
		return nil, err
	}
	pdu, err := t.roundTrip(ctx, buildReadPDU(funcReadDiscreteInputs, address, quantity))
	if err != nil {
		return nil, err
	}
	return decodeBits(pdu[1:], quantity)
}

func (t *TCPTransport) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := t.roundTrip(ctx, buildWriteSinglePDU(funcWriteSingleReg, address, value))
	return err
}

func (t *TCPTransport) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	_, err := t.roundTrip(ctx, buildWriteMultiPDU(funcWriteMultiRegs, address, uint16(len(values)), wordsToBytes(values)))
	return err
}

func (t *TCPTransport) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	coilValue := uint16(0)
	if value {
		coilValue = 0xFF00
	}
	_, err := t.roundTrip(ctx, buildWriteSinglePDU(funcWriteSingleCoil, address, coilValue))
	return err
}
