package decompiler

import (
	"strconv"
	"strings"
)

// fragment is a value living on one of the numeric pseudo-stacks
// (uint or float). Most fragments are just text: the reconstructed
// source expression that produced the value. A fragment that came
// straight off an immediate-load opcode additionally carries the
// numeric value itself, so that OP_NEG and OP_NOTF can fold the
// negation arithmetically instead of rewriting text, exactly as the
// VM would have done at compile time.
type fragment struct {
	text    string
	literal bool
	value   float64
}

func textFragment(s string) fragment { return fragment{text: s} }

func floatLiteral(v float64) fragment {
	return fragment{text: formatFloat(v), literal: true, value: v}
}

func uintLiteral(v uint32) fragment {
	return fragment{text: strconv.FormatUint(uint64(v), 10), literal: true, value: float64(v)}
}

// formatFloat renders v the way the original interpreter's host
// language stringifies a float: always with a decimal point, so 5
// prints as "5.0" and not a bare integer.
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
