// Package dso parses the compiled-script container format: the binary
// envelope a Torque engine writes around a code vector, its two string
// tables, its two float tables, and the line-break and string-patch
// tables that accompany them.
//
// A Module is the decompiler's only collaborator for constant-pool
// lookups (spec component 4.3's "constant accessor"); everything else
// in this repository treats a *Module as an opaque source of code,
// strings and floats.
package dso

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Module is a parsed DSO container.
type Module struct {
	version uint32

	globalStrings   []byte
	functionStrings []byte
	globalFloats    []float64
	functionFloats  []float64

	// Code is the module's code vector, one element per opcode or
	// opcode argument. It is mutable: the decompiler inserts and
	// removes synthetic markers in its own codebuf.Buffer view, but
	// callers that want the untouched vector read it from here before
	// handing it to the decompiler.
	Code []uint32

	// LinebreakPairs holds statement/line correlation pairs as they
	// appear in the container; the decompiler does not currently use
	// them but they are retained for round-trip fidelity and future
	// use (e.g. emitting #line-style comments).
	LinebreakPairs []uint32
}

// FormatError reports a malformed or truncated DSO container. Offset is
// the byte offset within the stream at which the error was detected,
// or -1 when not meaningful (e.g. a length mismatch discovered only
// after a whole section was read).
type FormatError struct {
	Offset int64
	Err    error
}

func (e *FormatError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("dso: %s", e.Err)
	}
	return fmt.Sprintf("dso: at offset %d: %s", e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Parse reads a complete DSO container from r.
func Parse(r io.Reader) (*Module, error) {
	br := &byteReader{r: r}

	m := &Module{}
	var err error

	if m.version, err = br.readUint32(); err != nil {
		return nil, br.wrap("reading version", err)
	}
	if m.globalStrings, err = br.readBlob(); err != nil {
		return nil, br.wrap("reading global string table", err)
	}
	if m.functionStrings, err = br.readBlob(); err != nil {
		return nil, br.wrap("reading function string table", err)
	}
	if m.globalFloats, err = br.readFloatTable(); err != nil {
		return nil, br.wrap("reading global float table", err)
	}
	if m.functionFloats, err = br.readFloatTable(); err != nil {
		return nil, br.wrap("reading function float table", err)
	}
	if err := br.readCode(m); err != nil {
		return nil, br.wrap("reading code", err)
	}
	if err := br.patchStringReferences(m); err != nil {
		return nil, br.wrap("patching string references", err)
	}

	return m, nil
}

// Version returns the container's dialect version, used by
// opcode.Resolve to pick the right numbering era.
func (m *Module) Version() uint32 { return m.version }

// String returns the NUL-terminated string at offset in the global or
// function string table. Embedded non-UTF-8 bytes are preserved
// byte-for-byte, matching the container's own tolerant decoding: a
// Torque string table is not guaranteed to be valid UTF-8, since it
// may embed raw high-bit bytes from the original script's string
// literals.
func (m *Module) String(offset uint32, inFunction bool) (string, error) {
	tbl := m.globalStrings
	if inFunction {
		tbl = m.functionStrings
	}
	if int(offset) > len(tbl) {
		return "", fmt.Errorf("dso: string offset %d exceeds table of length %d", offset, len(tbl))
	}
	end := offset
	for end < uint32(len(tbl)) && tbl[end] != 0 {
		end++
	}
	s := string(tbl[offset:end])
	return strings.TrimRight(s, "\n"), nil
}

// Float returns the value at index in the global or function float
// table.
func (m *Module) Float(index uint32, inFunction bool) (float64, error) {
	tbl := m.globalFloats
	if inFunction {
		tbl = m.functionFloats
	}
	if int(index) >= len(tbl) {
		return 0, fmt.Errorf("dso: float index %d exceeds table of length %d", index, len(tbl))
	}
	return tbl[index], nil
}

type byteReader struct {
	r      io.Reader
	offset int64
}

func (br *byteReader) wrap(context string, err error) error {
	return &FormatError{Offset: br.offset, Err: fmt.Errorf("%s: %w", context, err)}
}

func (br *byteReader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(br.r, buf[:]); err != nil {
		return 0, err
	}
	br.offset += 4
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (br *byteReader) readFloat64() (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(br.r, buf[:]); err != nil {
		return 0, err
	}
	br.offset += 8
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}

func (br *byteReader) readBlob() ([]byte, error) {
	size, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br.r, buf); err != nil {
		return nil, err
	}
	br.offset += int64(size)
	return buf, nil
}

func (br *byteReader) readFloatTable() ([]float64, error) {
	size, err := br.readUint32()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	out := make([]float64, size)
	for i := range out {
		v, err := br.readFloat64()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (br *byteReader) readByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(br.r, buf[:]); err != nil {
		return 0, err
	}
	br.offset++
	return buf[0], nil
}

// readCode reads the variable-width code vector (one byte per element,
// or 0xFF followed by a 4-byte little-endian value for wide elements)
// followed by the linebreak-pair table.
func (br *byteReader) readCode(m *Module) error {
	codeSize, err := br.readUint32()
	if err != nil {
		return err
	}
	lineBreakPairCount, err := br.readUint32()
	if err != nil {
		return err
	}

	m.Code = make([]uint32, 0, codeSize)
	for count := uint32(0); count < codeSize; count++ {
		b, err := br.readByte()
		if err != nil {
			return err
		}
		if b == 0xFF {
			v, err := br.readUint32()
			if err != nil {
				return err
			}
			m.Code = append(m.Code, v)
			continue
		}
		m.Code = append(m.Code, uint32(b))
	}

	m.LinebreakPairs = make([]uint32, 0, lineBreakPairCount*2)
	for count := uint32(0); count < lineBreakPairCount*2; count++ {
		v, err := br.readUint32()
		if err != nil {
			return err
		}
		m.LinebreakPairs = append(m.LinebreakPairs, v)
	}
	return nil
}

// patchStringReferences applies the patch table: a list of (offset,
// locations) entries that overwrite zero placeholders left in the code
// vector at compile time with the real string-table offsets now that
// they're known.
func (br *byteReader) patchStringReferences(m *Module) error {
	entryCount, err := br.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		offset, err := br.readUint32()
		if err != nil {
			return err
		}
		count, err := br.readUint32()
		if err != nil {
			return err
		}
		for j := uint32(0); j < count; j++ {
			location, err := br.readUint32()
			if err != nil {
				return err
			}
			if int(location) >= len(m.Code) {
				return fmt.Errorf("patch location %d exceeds code length %d", location, len(m.Code))
			}
			m.Code[location] = offset
		}
	}
	return nil
}
