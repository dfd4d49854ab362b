// Package codebuf implements the code buffer that the decompiler walks and
// annotates: a view of a module's original opcode stream plus a sorted
// overlay of positions where synthetic metadata has been inserted.
//
// Jump targets recorded in a DSO file's code address positions in the
// original, pre-insertion coordinate system. TranslateJump is the only
// supported way to turn such a raw target into a position in the buffer's
// current, overlay-adjusted coordinate system.
package codebuf

import (
	"golang.org/x/exp/slices"
)

// Buffer is a mutable view over a code vector: logically the concatenation
// of an original slice with a set of single-value insertions recorded at
// specific positions. Insert and Delete never touch the original slice;
// Set on an original position writes into it.
type Buffer struct {
	orig    []uint32
	inserts []insertion // sorted by pos
}

type insertion struct {
	pos   int
	value uint32
}

// New returns a Buffer over code, without copying it. All insertions are
// tracked in a separate overlay, but Set on a non-inserted position
// overwrites the corresponding element of code itself.
func New(code []uint32) *Buffer {
	return &Buffer{orig: code}
}

// Len returns the number of elements currently visible through the overlay.
func (b *Buffer) Len() int {
	return len(b.orig) + len(b.inserts)
}

// At returns the value at the given position in the buffer's current
// (overlay-adjusted) coordinate system.
func (b *Buffer) At(pos int) uint32 {
	orig := pos
	for _, ins := range b.inserts {
		if ins.pos == pos {
			return ins.value
		}
		if ins.pos < pos {
			orig--
		} else {
			break
		}
	}
	return b.orig[orig]
}

// Set overwrites the value at pos, in the current coordinate system,
// in place: unlike Insert/Delete it does not change the buffer's
// length or shift any other position. Used when the decompiler
// rewrites an existing jump opcode into a synthetic block terminator
// (e.g. turning a trailing OP_JMP into an ELSE marker) instead of
// splicing a new element in.
func (b *Buffer) Set(pos int, value uint32) {
	orig := pos
	for i, ins := range b.inserts {
		if ins.pos == pos {
			b.inserts[i].value = value
			return
		}
		if ins.pos < pos {
			orig--
		} else {
			break
		}
	}
	b.orig[orig] = value
}

// Insert records a synthetic value at position pos in the current
// coordinate system, shifting every later position (original or
// previously-inserted) up by one.
func (b *Buffer) Insert(pos int, value uint32) {
	idx, _ := slices.BinarySearchFunc(b.inserts, pos, func(ins insertion, pos int) int {
		return ins.pos - pos
	})
	b.inserts = slices.Insert(b.inserts, idx, insertion{pos: pos, value: value})
	for i := idx + 1; i < len(b.inserts); i++ {
		b.inserts[i].pos++
	}
}

// Delete removes the synthetic value previously inserted at position pos.
// It panics if pos does not name a previously inserted position: every
// Delete must correspond to exactly one prior Insert, per the decompiler's
// invariant that no marker survives past its consumption.
func (b *Buffer) Delete(pos int) {
	idx, found := slices.BinarySearchFunc(b.inserts, pos, func(ins insertion, pos int) int {
		return ins.pos - pos
	})
	if !found {
		panic("codebuf: Delete of a position that was never Insert-ed")
	}
	b.inserts = slices.Delete(b.inserts, idx, idx+1)
	for i := idx; i < len(b.inserts); i++ {
		b.inserts[i].pos--
	}
}

// TranslateJump converts a raw jump target, expressed in the original
// (pre-insertion) coordinate system, plus an additional offset (used by
// partial decompilations run on a sub-slice), into a position in the
// buffer's current coordinate system. It walks the insertion index in
// order, incrementing the target once for every insertion strictly before
// it, and stops at the first insertion at or after it: a marker inserted
// exactly at the (already shifted) target is where the jump lands.
func (b *Buffer) TranslateJump(rawTarget int, offset int) int {
	target := rawTarget - offset
	for _, ins := range b.inserts {
		if target <= ins.pos {
			break
		}
		target++
	}
	return target
}

// Slice returns a new Buffer over the elements of b in [start, end), in the
// current coordinate system, for use by a partial decompilation. The
// returned Buffer shares no mutable state with b: its overlay starts empty,
// and further inserts/deletes on either Buffer do not affect the other.
func (b *Buffer) Slice(start, end int) *Buffer {
	out := make([]uint32, 0, end-start)
	for pos := start; pos < end; pos++ {
		out = append(out, b.At(pos))
	}
	return New(out)
}
