package arc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

func TestAddPathCounts(t *testing.T) {
	tests := []struct {
		mine, theirs uint32
		want         uint32
		ok           bool
	}{
		{1, 2, 3, true},
		{0xfffffffe, 1, overflowOccurredValue, false},
		{0x80000000, 0x80000000, overflowOccurredValue, false},
		{0xfffffff0, 0x20, overflowOccurredValue, false},
	}
	for _, tt := range tests {
		got, ok := addPathCounts(tt.mine, tt.theirs)
		assert.Equal(t, tt.want, got, "%d + %d", tt.mine, tt.theirs)
		assert.Equal(t, tt.ok, ok, "%d + %d", tt.mine, tt.theirs)
	}
}

func TestAllPathCount(t *testing.T) {
	b := newBBState()
	b.TopDownPathCount, b.BottomUpPathCount = 3, 4
	count, ok := b.AllPathCount()
	assert.True(t, ok)
	assert.Equal(t, uint32(12), count)

	b.TopDownPathCount, b.BottomUpPathCount = 1<<16, 1<<16
	_, ok = b.AllPathCount()
	assert.False(t, ok)

	b.TopDownPathCount, b.BottomUpPathCount = overflowOccurredValue, 1
	_, ok = b.AllPathCount()
	assert.False(t, ok)
}

func TestMergePredOverflowDropsPointers(t *testing.T) {
	x := &ir.Value{Name: "x", Kind: ir.ValueParameter, Type: types.Object}

	b := newBBState()
	b.TopDownPathCount = 0xfffffffe
	b.TopDown(x).Seq = SeqRetain

	other := newBBState()
	other.TopDownPathCount = 1
	other.TopDown(x).Seq = SeqRetain

	b.MergePred(other)
	assert.Equal(t, overflowOccurredValue, b.TopDownPathCount)
	assert.Zero(t, b.perPtrTopDown.len())

	// Saturated counts stay saturated.
	b.MergePred(other)
	assert.Equal(t, overflowOccurredValue, b.TopDownPathCount)
}

func TestMergeSuccOneSidedPointer(t *testing.T) {
	x := &ir.Value{Name: "x", Kind: ir.ValueParameter, Type: types.Object}
	y := &ir.Value{Name: "y", Kind: ir.ValueParameter, Type: types.Object}

	b := newBBState()
	b.BottomUpPathCount = 1
	b.BottomUp(x).Seq = SeqRelease
	b.BottomUp(y).Seq = SeqUse

	other := newBBState()
	other.BottomUpPathCount = 2
	other.BottomUp(y).Seq = SeqRelease

	b.MergeSucc(other)
	assert.Equal(t, uint32(3), b.BottomUpPathCount)
	assert.Equal(t, SeqNone, b.BottomUp(x).Seq)
	assert.Equal(t, SeqUse, b.BottomUp(y).Seq)
}

func TestInitFromPredCopies(t *testing.T) {
	x := &ir.Value{Name: "x", Kind: ir.ValueParameter, Type: types.Object}

	pred := newBBState()
	pred.setAsEntry()
	pred.TopDown(x).Seq = SeqRetain

	b := newBBState()
	b.initFromPred(pred)
	b.TopDown(x).Seq = SeqCanRelease

	assert.Equal(t, uint32(1), b.TopDownPathCount)
	assert.Equal(t, SeqRetain, pred.TopDown(x).Seq)
}
