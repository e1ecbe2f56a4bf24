// Package transport implements the wire-level Modbus client: TCP (MBAP
// framing) and RTU (CRC16 framing over a serial port) behind one interface,
// so the poller never needs to know which variant a device uses.
package transport

import "context"

// Transport is the uniform operation set a polled device exposes,
// regardless of whether it speaks Modbus TCP or Modbus RTU. Implementations
// must be safe to call from a single goroutine only; the poller owns one
// Transport per device and never shares it.
type Transport interface {
	ReadHolding(ctx context.Context, address, quantity uint16) ([]uint16, error)
	ReadInput(ctx context.Context, address, quantity uint16) ([]uint16, error)
	ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error)
	ReadDiscrete(ctx context.Context, address, quantity uint16) ([]bool, error)
	WriteSingleRegister(ctx context.Context, address, value uint16) error
	WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error
	WriteSingleCoil(ctx context.Context, address uint16, value bool) error

	// Close releases the underlying connection or serial port. Safe to call
	// more than once.
	Close() error
}
