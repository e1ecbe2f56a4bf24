package transport

import "encoding/binary"

// Modbus function codes, shared by the TCP and RTU wire encodings.
const (
	funcReadCoils          byte = 0x01
	funcReadDiscreteInputs byte = 0x02
	funcReadHoldingRegs    byte = 0x03
	funcReadInputRegs      byte = 0x04
	funcWriteSingleCoil    byte = 0x05
	funcWriteSingleReg     byte = 0x06
	funcWriteMultiCoils    byte = 0x0F
	funcWriteMultiRegs     byte = 0x10
)

// checkQuantity rejects a zero-length read before it reaches the wire, per
// spec: a count of zero is an illegal-data-value exception, not a 0-byte
// round trip.
func checkQuantity(funcCode byte, quantity uint16) error {
	if quantity == 0 {
		return &ExceptionError{FunctionCode: funcCode, Code: ExcIllegalDataValue}
	}
	return nil
}

// buildReadPDU builds the PDU body (function code + address + quantity) for
// any of the four read operations.
func buildReadPDU(funcCode byte, address, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = funcCode
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	return pdu
}

// buildWriteSinglePDU builds the PDU body for write-single-coil and
// write-single-register.
func buildWriteSinglePDU(funcCode byte, address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = funcCode
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], value)
	return pdu
}

// buildWriteMultiPDU builds the PDU body for write-multiple-coils and
// write-multiple-registers.
func buildWriteMultiPDU(funcCode byte, address, quantity uint16, data []byte) []byte {
	pdu := make([]byte, 6+len(data))
	pdu[0] = funcCode
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	pdu[5] = byte(len(data))
	copy(pdu[6:], data)
	return pdu
}

// decodeRegisters reinterprets a read-registers response payload (byte
// count followed by big-endian 16-bit words) as a slice of words.
func decodeRegisters(payload []byte, quantity uint16) ([]uint16, error) {
	if len(payload) < 1 {
		return nil, errShortResponse
	}
	byteCount := int(payload[0])
	if len(payload) < 1+byteCount || byteCount < int(quantity)*2 {
		return nil, errShortResponse
	}
	words := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		words[i] = binary.BigEndian.Uint16(payload[1+int(i)*2:])
	}
	return words, nil
}

// decodeBits reinterprets a read-coils/read-discrete-inputs response
// payload as a slice of bools, LSB-first within each byte.
func decodeBits(payload []byte, quantity uint16) ([]bool, error) {
	if len(payload) < 1 {
		return nil, errShortResponse
	}
	byteCount := int(payload[0])
	if len(payload) < 1+byteCount {
		return nil, errShortResponse
	}
	bits := make([]bool, quantity)
	for i := uint16(0); i < quantity; i++ {
		byteIdx := 1 + int(i/8)
		bitIdx := i % 8
		bits[i] = payload[byteIdx]&(1<<bitIdx) != 0
	}
	return bits, nil
}

// checkException inspects a PDU's function-code byte for the high-bit
// exception marker and extracts the exception code when set.
func checkException(pdu []byte) error {
	if len(pdu) < 2 {
		return errShortResponse
	}
	if pdu[0]&0x80 == 0 {
		return nil
	}
	return &ExceptionError{FunctionCode: pdu[0] & 0x7F, Code: ExceptionCode(pdu[1])}
}

func wordsToBytes(values []uint16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}
