package decompiler

import (
	"fmt"
	"strings"

	"github.com/jrake/torquedec/internal/opcode"
)

// handleConditionalJump recognizes the shape of a conditional forward
// jump (OP_JMPIFNOT / OP_JMPIFFNOT): an empty-bodied if, a ternary
// expression, an if with no else, an if/else, or a while loop's
// back-edge test, distinguished by the opcodes sitting just before
// the jump's effective target.
func (d *decompiler) handleConditionalJump(op opcode.Opcode, opIP int, name string) error {
	jmpTarget := d.buf.TranslateJump(int(d.buf.At(d.ip)), d.offset)
	if jmpTarget < d.ip {
		return d.fatal(BackwardJump, opIP, name)
	}
	if jmpTarget == d.ip+1 {
		d.ip++
		if op == opcode.JmpIfNot {
			if _, err := d.popInt(opIP, name); err != nil {
				return err
			}
		} else {
			if _, err := d.popFloat(opIP, name); err != nil {
				return err
			}
		}
		return nil
	}

	opBeforeDest, _ := opcode.Resolve(d.version, d.buf.At(jmpTarget-2))

	if opBeforeDest == opcode.Jmp {
		opBeforeJmp, jok := opcode.Resolve(d.version, d.buf.At(jmpTarget-4))
		if jok && strings.HasPrefix(opBeforeJmp.String(), "OP_LOAD") {
			d.buf.Set(jmpTarget-2, uint32(opcode.EndElse))
			if d.tryTernary(op, jmpTarget) {
				return nil
			}
		}

		destJmpTarget := d.buf.TranslateJump(int(d.buf.At(jmpTarget-1)), d.offset)
		opBeforeDestJmpDest, _ := opcode.Resolve(d.version, d.buf.At(destJmpTarget-2))
		jmpBreak := opBeforeDestJmpDest == opcode.EndWhile || opBeforeDestJmpDest == opcode.EndWhileFlt || opBeforeDestJmpDest == opcode.IterEnd

		if !jmpBreak {
			if err := d.emitIfHeader(op, opIP, name); err != nil {
				return err
			}
			d.buf.Set(jmpTarget-2, uint32(opcode.EndElse))
			d.buf.Insert(destJmpTarget, uint32(opcode.EndIf))
			d.ip++
			d.em.depth++
			return nil
		}
		// A break/continue sits where an else would: fall through to the
		// generic simple-if path below, matching the forward-only pass's
		// inability to retroactively tell the two apart here.
	} else if (opBeforeDest == opcode.JmpIfNot || opBeforeDest == opcode.JmpIf || opBeforeDest == opcode.JmpIfF) &&
		int(d.buf.At(jmpTarget-1))-d.offset == d.ip+1 {
		if err := d.emitWhileHeader(op, opIP, name); err != nil {
			return err
		}
		if opBeforeDest == opcode.JmpIfNot || opBeforeDest == opcode.JmpIf {
			d.buf.Set(jmpTarget-2, uint32(opcode.EndWhile))
		} else {
			d.buf.Set(jmpTarget-2, uint32(opcode.EndWhileFlt))
		}
		d.ip++
		d.em.depth++
		return nil
	}

	if err := d.emitIfHeader(op, opIP, name); err != nil {
		return err
	}
	d.buf.Insert(jmpTarget, uint32(opcode.EndIf))
	d.ip++
	d.em.depth++
	return nil
}

func (d *decompiler) emitIfHeader(op opcode.Opcode, opIP int, name string) error {
	if op == opcode.JmpIfNot {
		v, err := d.popInt(opIP, name)
		if err != nil {
			return err
		}
		d.em.line("if (%s)", v.text)
	} else {
		v, err := d.popFloat(opIP, name)
		if err != nil {
			return err
		}
		d.em.line("if (%s)", v.text)
	}
	d.em.line("{")
	return nil
}

func (d *decompiler) emitWhileHeader(op opcode.Opcode, opIP int, name string) error {
	if op == opcode.JmpIfNot {
		v, err := d.popInt(opIP, name)
		if err != nil {
			return err
		}
		d.em.line("while (%s)", v.text)
	} else {
		v, err := d.popFloat(opIP, name)
		if err != nil {
			return err
		}
		d.em.line("while (%s)", v.text)
	}
	d.em.line("{")
	return nil
}

// tryTernary speculatively runs a silent partial decompile of the
// code between the conditional jump and its else-branch's jump target
// to see whether exactly two values landed on one stack — the
// signature of a ternary expression rather than a full if/else.
func (d *decompiler) tryTernary(op opcode.Opcode, jmpTarget int) (ok bool) {
	// The speculative sub-range may not actually be a self-contained
	// instruction sequence (its tail can be a jump operand misread as
	// an opcode): treat any failure, panic included, as "not a
	// ternary" and fall back to the generic if/else path, the same
	// way the original's bare except around this probe does.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	endRaw := d.buf.At(jmpTarget - 1)
	ss, is, fs, err := d.partialDecompile(d.ip+1, int(endRaw))
	if err != nil {
		return false
	}

	popCond := func() (string, bool) {
		if op == opcode.JmpIfNot {
			v, ok := d.intStack.pop()
			return v.text, ok
		}
		v, ok := d.fltStack.pop()
		return v.text, ok
	}

	switch {
	case len(ss) == 2:
		cond, ok := popCond()
		if !ok {
			return false
		}
		d.strStack.push(fmt.Sprintf("(%s) ? %s : %s", cond, ss[0], ss[1]))
	case len(is) == 2:
		cond, ok := popCond()
		if !ok {
			return false
		}
		d.intStack.push(textFragment(fmt.Sprintf("(%s) ? %s : %s", cond, is[0].text, is[1].text)))
	case len(fs) == 2:
		cond, ok := popCond()
		if !ok {
			return false
		}
		d.fltStack.push(textFragment(fmt.Sprintf("(%s) ? %s : %s", cond, fs[0].text, fs[1].text)))
	default:
		return false
	}

	d.ip = int(endRaw)
	return true
}
