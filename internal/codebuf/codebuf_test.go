package codebuf_test

import (
	"testing"

	"github.com/jrake/torquedec/internal/codebuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtWithNoInsertsIsIdentity(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	assert.Equal(t, 3, b.Len())
	assert.EqualValues(t, 10, b.At(0))
	assert.EqualValues(t, 30, b.At(2))
}

func TestInsertShiftsLaterPositions(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	b.Insert(1, 0x1001)
	require.Equal(t, 4, b.Len())
	assert.EqualValues(t, 10, b.At(0))
	assert.EqualValues(t, 0x1001, b.At(1))
	assert.EqualValues(t, 20, b.At(2))
	assert.EqualValues(t, 30, b.At(3))
}

func TestInsertThenDeleteRestoresOriginal(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	b.Insert(1, 0x1001)
	b.Delete(1)
	require.Equal(t, 3, b.Len())
	assert.EqualValues(t, 10, b.At(0))
	assert.EqualValues(t, 20, b.At(1))
	assert.EqualValues(t, 30, b.At(2))
}

func TestDeleteOfUnrecordedPositionPanics(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	assert.Panics(t, func() { b.Delete(1) })
}

func TestTranslateJumpIsIdentityAbsentInsertions(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30, 40, 50})
	for target := 0; target <= 5; target++ {
		assert.Equal(t, target, b.TranslateJump(target, 0))
	}
}

func TestTranslateJumpStaysAttachedAcrossInsertions(t *testing.T) {
	// Original stream: five opcodes. A jump originally targeting position 3
	// (pre-insertion) must keep pointing at the same logical opcode after
	// markers are spliced in ahead of it.
	b := codebuf.New([]uint32{10, 20, 30, 40, 50})

	assert.Equal(t, 3, b.TranslateJump(3, 0))

	b.Insert(1, 0x1001) // marker before the target: target shifts right
	assert.Equal(t, 4, b.TranslateJump(3, 0))

	b.Insert(4, 0x1002) // a marker lands exactly at the (already shifted) target: walk-and-stop halts there
	assert.Equal(t, 4, b.TranslateJump(3, 0))
}

func TestTranslateJumpHonoursOffsetForPartialDecompiles(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	assert.Equal(t, 1, b.TranslateJump(6, 5))
}

func TestSetOverwritesInPlaceWithoutShifting(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	b.Set(1, 0x1000)
	require.Equal(t, 3, b.Len())
	assert.EqualValues(t, 0x1000, b.At(1))
	assert.EqualValues(t, 30, b.At(2))
}

func TestSetOnAnInsertedPositionRewritesTheMarker(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30})
	b.Insert(1, 0x1001)
	b.Set(1, 0x1002)
	require.Equal(t, 4, b.Len())
	assert.EqualValues(t, 0x1002, b.At(1))
}

func TestSliceIsIndependentOfParent(t *testing.T) {
	b := codebuf.New([]uint32{10, 20, 30, 40, 50})
	b.Insert(2, 0x1001)

	sub := b.Slice(1, 4)
	require.Equal(t, 3, sub.Len())
	assert.EqualValues(t, 20, sub.At(0))
	assert.EqualValues(t, 0x1001, sub.At(1))
	assert.EqualValues(t, 30, sub.At(2))

	sub.Insert(0, 0x1002)
	assert.Equal(t, 4, sub.Len())
	assert.Equal(t, 6, b.Len(), "mutating the slice must not affect the parent buffer")
}
