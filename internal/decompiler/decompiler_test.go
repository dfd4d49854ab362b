package decompiler

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/jrake/torquedec/internal/codebuf"
	"github.com/jrake/torquedec/internal/dso"
	"github.com/jrake/torquedec/internal/opcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// builder assembles a minimal, well-formed DSO byte stream, mirroring
// the section order dso.Parse reads in: version, two string tables,
// two float tables, code + linebreak pairs, patch table.
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

// module builds a parsed *dso.Module for version with the given
// global string table, code vector, and no function-local tables.
func module(t *testing.T, version uint32, globalStrings []byte, code []uint32) *dso.Module {
	t.Helper()
	var b builder
	b.u32(version)
	b.blob(globalStrings)
	b.blob([]byte("\x00"))
	b.floats(nil)
	b.floats(nil)
	b.code(code)
	b.noPatches()
	m, err := dso.Parse(&b.buf)
	require.NoError(t, err)
	return m
}

func decompile(t *testing.T, mod *dso.Module) string {
	t.Helper()
	var out bytes.Buffer
	err := Decompile(mod, &out)
	require.NoError(t, err)
	return out.String()
}

// --- spec §8 scenario 1: empty return ---

func TestEmptyReturnProducesNoOutput(t *testing.T) {
	mod := module(t, 44, nil, []uint32{uint32(opcode.ReturnVoid)})
	assert.Equal(t, "", decompile(t, mod))
}

// --- spec §8 scenario 2: simple assignment ---

func TestSimpleUintAssignment(t *testing.T) {
	mod := module(t, 44, []byte("$x\x00"), []uint32{
		uint32(opcode.LoadImmedUint), 42,
		uint32(opcode.SetCurVarCreate), 0, 0,
		uint32(opcode.SaveVarUint),
		uint32(opcode.UintToNone),
	})
	assert.Equal(t, "$x = 42;\n", decompile(t, mod))
}

// --- spec §8 scenario 3: short-circuit or ---

func TestShortCircuitOrLeavesOperandsUnparenthesised(t *testing.T) {
	// $x = $a || $b;
	mod := module(t, 44, []byte("$a\x00$b\x00$x\x00"), []uint32{
		uint32(opcode.SetCurVarCreate), 0, 0, // $a
		uint32(opcode.LoadVarUint),
		uint32(opcode.JmpIfNP), 10,
		uint32(opcode.SetCurVarCreate), 3, 0, // $b
		uint32(opcode.LoadVarUint),
		uint32(opcode.SetCurVarCreate), 6, 0, // $x
		uint32(opcode.SaveVarUint),
		uint32(opcode.UintToNone),
	})
	assert.Equal(t, "$x = $a || $b;\n", decompile(t, mod))
}

// --- spec §8 scenario 4: if/else with ternary-shaped body ---

func TestTernaryDetectionAvoidsIfElseBlock(t *testing.T) {
	// 65 harmless no-op filler instructions ahead of the real sequence.
	// The Jmp below is overwritten with the ELSE marker before the probe
	// runs, and the marker's handler skips the Jmp's leftover operand,
	// so the probe steps straight onto the else branch.
	code := make([]uint32, 0, 75)
	for i := 0; i < 65; i++ {
		code = append(code, uint32(opcode.Break))
	}
	code = append(code,
		uint32(opcode.LoadImmedUint), 1, // condition
		uint32(opcode.JmpIfNot), 73, // -> else body
		uint32(opcode.LoadImmedStr), 0, // "yes"
		uint32(opcode.Jmp), 75, // -> end; operand skipped by the ELSE marker
		uint32(opcode.LoadImmedStr), 4, // "no"
	)
	mod := module(t, 44, []byte("yes\x00no\x00"), code)

	d := newDecompiler(mod, codebuf.New(mod.Code), new(bytes.Buffer), false, 0)
	strs, _, _, err := d.run()
	require.NoError(t, err)
	require.Len(t, strs, 1)
	assert.Equal(t, `(1) ? "yes" : "no"`, strs[0])
}

// --- spec §8 scenario 5: while loop with break ---

func TestWhileLoopWithBreak(t *testing.T) {
	code := []uint32{
		uint32(opcode.LoadImmedUint), 1, // loop condition
		uint32(opcode.JmpIfNot), 10, // loop head -> end
		uint32(opcode.Jmp), 10, // break -> end
		uint32(opcode.LoadImmedUint), 1, // dummy re-evaluated condition before the back-edge
		uint32(opcode.JmpIfNot), 4, // back-edge test -> body start
	}
	mod := module(t, 44, nil, code)
	assert.Equal(t, "while (1)\n{\n\tbreak;\n}\n", decompile(t, mod))
}

// --- spec §8 scenario 6: object literal, dialect >= 45 ---

func TestObjectLiteralAtDialect45(t *testing.T) {
	code := []uint32{
		uint32(opcode.LoadImmedUint), 0, // root/parent sentinel
		uint32(opcode.PushFrame),
		uint32(opcode.LoadImmedIdent), 0, 0, // "SimObject" (identifier, unquoted)
		uint32(opcode.Push),
		uint32(opcode.LoadImmedStr), 10, // "Foo"
		uint32(opcode.Push),
		uint32(opcode.CreateObject), 0, 0, 0, 0, 0, 0, 0, // parent + 6 filler slots
		uint32(opcode.SetCurField), 14, 0, // "a"
		uint32(opcode.LoadImmedStr), 16, // "1"
		uint32(opcode.SaveFieldStr),
		uint32(opcode.SetCurField), 18, 0, // "b"
		uint32(opcode.LoadImmedStr), 20, // "hi"
		uint32(opcode.SaveFieldStr),
		uint32(opcode.AddObject), 1, // root != 0
		uint32(opcode.EndObject), 1, // root != 0
		uint32(opcode.FinishObject),
		uint32(opcode.UintToNone),
	}
	globals := []byte("SimObject\x00Foo\x00a\x00" + "1\x00" + "b\x00" + "hi\x00")
	mod := module(t, 45, globals, code)
	assert.Equal(t, "new SimObject(\"Foo\")\n{\n\ta = 1;\n\tb = \"hi\";\n}\n", decompile(t, mod))
}

// --- spec §8 scenario 7: foreach ---

func TestForeachLoop(t *testing.T) {
	code := []uint32{
		uint32(opcode.SetCurVarCreate), 0, 0, // $list
		uint32(opcode.LoadVarStr),
		uint32(opcode.IterBegin), 6, 0, 0, // "%item" + 2 filler
		uint32(opcode.LoadImmedUint), 7,
		uint32(opcode.SetCurVarCreate), 12, 0, // $y
		uint32(opcode.SaveVarUint),
		uint32(opcode.UintToNone),
		uint32(opcode.Iter), 0, // back-edge operand, skipped
		uint32(opcode.IterEnd),
	}
	globals := []byte("$list\x00%item\x00$y\x00")
	mod := module(t, 44, globals, code)
	assert.Equal(t, "foreach (%item in $list)\n{\n\t$y = 7;\n}\n", decompile(t, mod))
}

// --- error kinds ---

func TestUnknownOpcodeError(t *testing.T) {
	mod := module(t, 44, nil, []uint32{9999})
	var out bytes.Buffer
	err := Decompile(mod, &out)
	require.Error(t, err)
	var de *DecompileError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, UnknownOpcode, de.Kind)
}

func TestBackwardJumpError(t *testing.T) {
	mod := module(t, 44, nil, []uint32{
		uint32(opcode.LoadImmedUint), 1,
		uint32(opcode.JmpIfNot), 0,
	})
	var out bytes.Buffer
	err := Decompile(mod, &out)
	require.Error(t, err)
	var de *DecompileError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, BackwardJump, de.Kind)
}

func TestStackUnderflowError(t *testing.T) {
	mod := module(t, 44, nil, []uint32{uint32(opcode.SaveVarUint)})
	var out bytes.Buffer
	err := Decompile(mod, &out)
	require.Error(t, err)
	var de *DecompileError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StackUnderflow, de.Kind)
}

func TestUnimplementedOpcodeError(t *testing.T) {
	mod := module(t, 44, nil, []uint32{uint32(opcode.SaveFieldUint)})
	var out bytes.Buffer
	err := Decompile(mod, &out)
	require.Error(t, err)
	var de *DecompileError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, UnimplementedOpcode, de.Kind)
}

// --- supplementary control-flow unit tests ---

func TestSimpleIfWithNoElse(t *testing.T) {
	// if ($a) { $x = 1; }
	code := []uint32{
		uint32(opcode.SetCurVarCreate), 0, 0, // $a
		uint32(opcode.LoadVarUint),
		uint32(opcode.JmpIfNot), 13, // -> end of if (one past the body's last element)
		uint32(opcode.LoadImmedUint), 1,
		uint32(opcode.SetCurVarCreate), 3, 0, // $x
		uint32(opcode.SaveVarUint),
		uint32(opcode.UintToNone),
	}
	mod := module(t, 44, []byte("$a\x00$x\x00"), code)
	assert.Equal(t, "if ($a)\n{\n\t$x = 1;\n}\n", decompile(t, mod))
}
