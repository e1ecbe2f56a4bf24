// Package decode turns raw Modbus register words into engineering values.
// The function here is pure: no I/O, no locking, no time — it takes a data
// type and a slice of words and returns a float64, which makes it trivial
// to table-test exhaustively. Grounded on
// original_source/src/modbus/reader.rs's convert_value.
package decode

import (
	"fmt"
	"math"

	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
)

// Value reinterprets raw as dt, then applies value*scale + offset. Missing
// words (raw shorter than the data type needs) decode as zero before
// scaling, matching the original bridge rather than erroring: a short read
// is a transport-layer concern, not a decode-layer one.
func Value(dt modbusmodel.DataType, raw []uint16, scale, offset float64) (float64, error) {
	var rawValue float64

	switch dt {
	case modbusmodel.U16:
		rawValue = float64(first(raw))
	case modbusmodel.I16:
		rawValue = float64(int16(first(raw)))
	case modbusmodel.U32:
		rawValue = float64(combine32(raw))
	case modbusmodel.I32:
		rawValue = float64(int32(combine32(raw)))
	case modbusmodel.F32:
		rawValue = float64(math.Float32frombits(combine32(raw)))
	case modbusmodel.Bool:
		if first(raw) != 0 {
			rawValue = 1
		}
	default:
		return 0, fmt.Errorf("decode: unknown data type %q", dt)
	}

	return rawValue*scale + offset, nil
}

func first(raw []uint16) uint16 {
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

// combine32 packs the first two words big-endian (high word first) into a
// 32-bit value, matching the MBAP/RTU register order on the wire.
func combine32(raw []uint16) uint32 {
	if len(raw) < 2 {
		return 0
	}
	return uint32(raw[0])<<16 | uint32(raw[1])
}

// WordCount reports how many 16-bit registers dt occupies on the wire.
func WordCount(dt modbusmodel.DataType) uint16 {
	switch dt {
	case modbusmodel.U32, modbusmodel.I32, modbusmodel.F32:
		return 2
	default:
		return 1
	}
}
