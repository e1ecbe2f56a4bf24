package decode

import (
	"math"
	"testing"

	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_IdentityScale(t *testing.T) {
	v, err := Value(modbusmodel.U16, []uint16{250}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 250.0, v)
}

func TestValue_SignExtension(t *testing.T) {
	v, err := Value(modbusmodel.I16, []uint16{0xFF9C}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, -100.0, v)
}

func TestValue_TCPHappyPath(t *testing.T) {
	v, err := Value(modbusmodel.I16, []uint16{0x00FA}, 0.1, 0.0)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, v, 1e-9)
}

func TestValue_U32BigEndianWordOrder(t *testing.T) {
	v, err := Value(modbusmodel.U32, []uint16{0x0001, 0x0000}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, float64(1<<16), v)
}

func TestValue_I32Negative(t *testing.T) {
	v, err := Value(modbusmodel.I32, []uint16{0xFFFF, 0xFFFF}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, -1.0, v)
}

func TestValue_F32BigEndian(t *testing.T) {
	bits := math.Float32bits(3.14)
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)
	v, err := Value(modbusmodel.F32, []uint16{hi, lo}, 1.0, 0.0)
	require.NoError(t, err)
	assert.InDelta(t, 3.14, v, 1e-5)
}

func TestValue_BoolKinds(t *testing.T) {
	v, err := Value(modbusmodel.Bool, []uint16{1}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	v, err = Value(modbusmodel.Bool, []uint16{0}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	// Any nonzero word counts as true, not just 1.
	v, err = Value(modbusmodel.Bool, []uint16{42}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestValue_ScalingLaw(t *testing.T) {
	raw := []uint16{0x00FA}
	base, err := Value(modbusmodel.U16, raw, 1.0, 0.0)
	require.NoError(t, err)

	scale, offset := 2.5, 10.0
	scaled, err := Value(modbusmodel.U16, raw, scale, offset)
	require.NoError(t, err)

	assert.InDelta(t, scale*base+offset, scaled, 1e-9)
}

func TestValue_ZeroScaleIsHonored(t *testing.T) {
	v, err := Value(modbusmodel.U16, []uint16{250}, 0.0, 5.0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestValue_NaNAndInfPropagate(t *testing.T) {
	v, err := Value(modbusmodel.U16, []uint16{1}, math.Inf(1), 0.0)
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, 1))
}

func TestValue_MissingWordsDecodeAsZero(t *testing.T) {
	v, err := Value(modbusmodel.U32, []uint16{0x0001}, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	v, err = Value(modbusmodel.U16, nil, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestValue_UnknownDataType(t *testing.T) {
	_, err := Value(modbusmodel.DataType("nonsense"), []uint16{1}, 1.0, 0.0)
	assert.Error(t, err)
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, uint16(1), WordCount(modbusmodel.U16))
	assert.Equal(t, uint16(1), WordCount(modbusmodel.I16))
	assert.Equal(t, uint16(1), WordCount(modbusmodel.Bool))
	assert.Equal(t, uint16(2), WordCount(modbusmodel.U32))
	assert.Equal(t, uint16(2), WordCount(modbusmodel.I32))
	assert.Equal(t, uint16(2), WordCount(modbusmodel.F32))
}
