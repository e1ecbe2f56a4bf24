// Package modbusmodel holds the types shared by every stage of the polling
// pipeline: transport, poller, store, and bus. Keeping them here instead of
// in any one stage's package avoids an import cycle between store and bus.
package modbusmodel

import "time"

// RegisterKind is the Modbus object type a RegisterSpec addresses.
type RegisterKind string

const (
	Holding  RegisterKind = "holding"
	Input    RegisterKind = "input"
	Coil     RegisterKind = "coil"
	Discrete RegisterKind = "discrete"
)

// DataType is how raw words are reinterpreted into an engineering value.
type DataType string

const (
	U16  DataType = "u16"
	I16  DataType = "i16"
	U32  DataType = "u32"
	I32  DataType = "i32"
	F32  DataType = "f32"
	Bool DataType = "bool"
)

// TransportKind selects which wire variant a DeviceSpec's Transport uses.
type TransportKind string

const (
	TCP TransportKind = "tcp"
	RTU TransportKind = "rtu"
)

// RegisterSpec describes a single addressable value on a device.
type RegisterSpec struct {
	Name     string
	Address  uint16
	Kind     RegisterKind
	Count    uint16
	DataType DataType
	Unit     string
	Scale    float64 // config loader defaults this to 1.0 when absent from YAML
	Offset   float64
}

// TCPConnection is the connection shape for TransportKind TCP.
type TCPConnection struct {
	Host   string
	Port   int
	UnitID byte
}

// RTUConnection is the connection shape for TransportKind RTU.
type RTUConnection struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "none", "even", "odd"
	UnitID   byte
}

// DeviceSpec is the immutable, validated description of one polled device.
type DeviceSpec struct {
	ID             string
	Name           string
	TransportKind  TransportKind
	TCP            TCPConnection
	RTU            RTUConnection
	PollInterval   time.Duration
	Registers      []RegisterSpec
}

// LatestValue is the most recently decoded reading for one register.
type LatestValue struct {
	RegisterName string
	Raw          []uint16
	Value        float64
	Unit         string
	Timestamp    time.Time
}

// RegisterUpdate is the payload fanned out on the broadcast bus: a
// LatestValue plus the device it came from, frozen at publish time.
type RegisterUpdate struct {
	DeviceID     string
	RegisterName string
	Value        float64
	Raw          []uint16
	Unit         string
	Timestamp    time.Time
}

// ToUpdate builds the RegisterUpdate a poller emits alongside a store write.
func (v LatestValue) ToUpdate(deviceID string) RegisterUpdate {
	raw := make([]uint16, len(v.Raw))
	copy(raw, v.Raw)
	return RegisterUpdate{
		DeviceID:     deviceID,
		RegisterName: v.RegisterName,
		Value:        v.Value,
		Raw:          raw,
		Unit:         v.Unit,
		Timestamp:    v.Timestamp,
	}
}
