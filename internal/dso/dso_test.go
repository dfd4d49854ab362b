package dso_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/jrake/torquedec/internal/dso"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// builder assembles a minimal, well-formed DSO byte stream for tests,
// mirroring the section order parse_dso.py reads in: version, two
// string tables, two float tables, code + linebreak pairs, patch
// table.
type builder struct {
	buf bytes.Buffer
}

func (b *builder) u32(v uint32) *builder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

func (b *builder) blob(data []byte) *builder {
	b.u32(uint32(len(data)))
	b.buf.Write(data)
	return b
}

func (b *builder) floats(vals []float64) *builder {
	b.u32(uint32(len(vals)))
	for _, v := range vals {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
		b.buf.Write(tmp[:])
	}
	return b
}

// code writes the variable-width code vector: values under 0xFF are
// written as a single byte, values that would collide with or exceed
// the 0xFF marker are written as 0xFF followed by 4 bytes.
func (b *builder) code(values []uint32) *builder {
	b.u32(uint32(len(values)))
	b.u32(0) // linebreak_pair_count
	for _, v := range values {
		if v < 0xFF {
			b.buf.WriteByte(byte(v))
		} else {
			b.buf.WriteByte(0xFF)
			b.u32(v)
		}
	}
	return b
}

func (b *builder) noPatches() *builder {
	return b.u32(0)
}

func TestParseRoundTripsStringsAndFloats(t *testing.T) {
	var b builder
	b.u32(44) // version
	b.blob([]byte("hello\x00world\x00"))
	b.blob([]byte("fnstr\x00"))
	b.floats([]float64{1.5, 2.5})
	b.floats([]float64{9.0})
	b.code([]uint32{10, 20, 30})
	b.noPatches()

	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)

	assert.EqualValues(t, 44, m.Version())

	s, err := m.String(0, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	s, err = m.String(6, false)
	require.NoError(t, err)
	assert.Equal(t, "world", s)

	s, err = m.String(0, true)
	require.NoError(t, err)
	assert.Equal(t, "fnstr", s)

	f, err := m.Float(1, false)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	f, err = m.Float(0, true)
	require.NoError(t, err)
	assert.Equal(t, 9.0, f)

	assert.Equal(t, []uint32{10, 20, 30}, m.Code)
}

func TestParseWideCodeValuesRoundTrip(t *testing.T) {
	var b builder
	b.u32(44)
	b.blob([]byte("\x00"))
	b.blob([]byte("\x00"))
	b.floats(nil)
	b.floats(nil)
	b.code([]uint32{0xFF, 0x1000, 1, 0x10000})
	b.noPatches()

	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0xFF, 0x1000, 1, 0x10000}, m.Code)
}

func TestParseApplysStringPatchTable(t *testing.T) {
	var b builder
	b.u32(44)
	b.blob([]byte("abc\x00xyz\x00"))
	b.blob([]byte("\x00"))
	b.floats(nil)
	b.floats(nil)
	b.code([]uint32{0, 0, 99})
	// one patch-table entry: offset=4 ("xyz"), patching code index 1
	b.u32(1)
	b.u32(4)
	b.u32(1)
	b.u32(1)

	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 4, 99}, m.Code)
}

func TestStringOutOfRangeOffsetErrors(t *testing.T) {
	var b builder
	b.u32(44)
	b.blob([]byte("ok\x00"))
	b.blob([]byte("\x00"))
	b.floats(nil)
	b.floats(nil)
	b.code(nil)
	b.noPatches()

	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)

	_, err = m.String(1000, false)
	assert.Error(t, err)
}

func TestFloatOutOfRangeIndexErrors(t *testing.T) {
	var b builder
	b.u32(44)
	b.blob([]byte("\x00"))
	b.blob([]byte("\x00"))
	b.floats([]float64{1.0})
	b.floats(nil)
	b.code(nil)
	b.noPatches()

	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)

	_, err = m.Float(5, false)
	assert.Error(t, err)
}

func TestParseTruncatedStreamReturnsFormatError(t *testing.T) {
	var b builder
	b.u32(44)
	// Declare a blob of length 10 but never write the bytes.
	b.u32(10)

	_, err := dso.Parse(&b.buf)
	require.Error(t, err)

	var fe *dso.FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestStringPreservesNonUTF8Bytes(t *testing.T) {
	var b builder
	b.u32(44)
	b.blob([]byte{0xE9, 0x00}) // an isolated high-bit byte, invalid UTF-8 on its own
	b.blob([]byte("\x00"))
	b.floats(nil)
	b.floats(nil)
	b.code(nil)
	b.noPatches()

	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)

	s, err := m.String(0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE9}, []byte(s))
}
