package decompiler

import (
	"fmt"
	"io"
	"strings"
)

// emitter writes reconstructed source lines to an io.Writer, tracking
// indentation depth the way the VM's own block structure nests. It
// follows the teacher's Printer/printer split: a sticky err field so
// call sites can fire-and-forget individual writes and check the
// cumulative result once at the end of the walk.
type emitter struct {
	w     io.Writer
	depth int
	err   error
}

func newEmitter(w io.Writer) *emitter { return &emitter{w: w} }

func (e *emitter) indent() string { return strings.Repeat("\t", e.depth) }

// line writes one indented, newline-terminated line.
func (e *emitter) line(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, "%s%s\n", e.indent(), fmt.Sprintf(format, args...))
}

// lineAt writes one line indented at a specific depth, used for the
// handful of constructs (closing braces, else) that print one level
// shallower than the current depth without permanently changing it.
func (e *emitter) lineAt(depth int, format string, args ...any) {
	if e.err != nil {
		return
	}
	ind := ""
	if depth > 0 {
		ind = strings.Repeat("\t", depth)
	}
	_, e.err = fmt.Fprintf(e.w, "%s%s\n", ind, fmt.Sprintf(format, args...))
}

// raw writes text verbatim with no indentation or trailing newline,
// for building up multi-line blocks incrementally (object bodies).
func (e *emitter) raw(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}
