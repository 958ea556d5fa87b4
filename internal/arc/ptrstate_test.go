package arc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeSeqs(t *testing.T) {
	tests := []struct {
		a, b    Sequence
		topDown bool
		want    Sequence
	}{
		{SeqRetain, SeqRetain, true, SeqRetain},
		{SeqNone, SeqRetain, true, SeqNone},
		{SeqRetain, SeqCanRelease, true, SeqCanRelease},
		{SeqCanRelease, SeqUse, true, SeqUse},
		{SeqRetain, SeqUse, true, SeqNone},
		{SeqRelease, SeqMovableRelease, true, SeqNone},

		{SeqRelease, SeqRelease, false, SeqRelease},
		{SeqRelease, SeqMovableRelease, false, SeqRelease},
		{SeqStop, SeqRelease, false, SeqStop},
		{SeqStop, SeqMovableRelease, false, SeqStop},
		{SeqUse, SeqStop, false, SeqUse},
		{SeqUse, SeqRelease, false, SeqUse},
		{SeqCanRelease, SeqUse, false, SeqUse},
		{SeqCanRelease, SeqMovableRelease, false, SeqCanRelease},
		{SeqRetain, SeqRelease, false, SeqNone},
		{SeqNone, SeqUse, false, SeqNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MergeSeqs(tt.a, tt.b, tt.topDown),
			"MergeSeqs(%s, %s, topDown=%v)", tt.a, tt.b, tt.topDown)
		assert.Equal(t, tt.want, MergeSeqs(tt.b, tt.a, tt.topDown),
			"MergeSeqs(%s, %s, topDown=%v)", tt.b, tt.a, tt.topDown)
	}
}

func TestRRInfoMerge(t *testing.T) {
	imprecise := "clang.imprecise_release"
	same := "clang.imprecise_release"

	a := &RRInfo{KnownSafe: true, IsTailCallRelease: true, ReleaseMetadata: &imprecise}
	a.Calls.Insert(1)
	a.ReverseInsertPts.Insert(10)

	b := &RRInfo{KnownSafe: true, ReleaseMetadata: &same}
	b.Calls.Insert(2)
	b.ReverseInsertPts.Insert(10)

	assert.False(t, a.Merge(b))
	assert.True(t, a.KnownSafe)
	assert.False(t, a.IsTailCallRelease)
	assert.Equal(t, &imprecise, a.ReleaseMetadata)
	assert.Equal(t, []int{1, 2}, a.Calls.AppendTo(nil))

	c := &RRInfo{CFGHazardAfflicted: true}
	c.ReverseInsertPts.Insert(11)
	assert.True(t, a.Merge(c))
	assert.False(t, a.KnownSafe)
	assert.Nil(t, a.ReleaseMetadata)
	assert.True(t, a.CFGHazardAfflicted)
	assert.Equal(t, []int{10, 11}, a.ReverseInsertPts.AppendTo(nil))
}

func TestRRInfoCloneIsDeep(t *testing.T) {
	a := &RRInfo{}
	a.Calls.Insert(3)
	b := a.Clone()
	b.Calls.Insert(4)
	a.Clear()

	assert.True(t, a.Calls.IsEmpty())
	assert.Equal(t, []int{3, 4}, b.Calls.AppendTo(nil))
}

func TestPtrStateMerge(t *testing.T) {
	t.Run("agreeing", func(t *testing.T) {
		s := &PtrState{Seq: SeqUse, KnownPositiveRefCount: true}
		s.RRI.ReverseInsertPts.Insert(1)
		other := &PtrState{Seq: SeqRelease}
		other.RRI.ReverseInsertPts.Insert(1)

		s.Merge(other, false)
		assert.Equal(t, SeqUse, s.Seq)
		assert.False(t, s.KnownPositiveRefCount)
		assert.False(t, s.Partial)
	})

	t.Run("disagreeing insertion points", func(t *testing.T) {
		s := &PtrState{Seq: SeqUse}
		s.RRI.ReverseInsertPts.Insert(1)
		other := &PtrState{Seq: SeqUse}
		other.RRI.ReverseInsertPts.Insert(2)

		s.Merge(other, false)
		assert.Equal(t, SeqUse, s.Seq)
		assert.True(t, s.Partial)
	})

	t.Run("partial merged again", func(t *testing.T) {
		s := &PtrState{Seq: SeqUse, Partial: true}
		s.RRI.Calls.Insert(1)
		s.Merge(&PtrState{Seq: SeqUse}, false)
		assert.Equal(t, SeqNone, s.Seq)
		assert.True(t, s.RRI.Calls.IsEmpty())
	})

	t.Run("collapse to none", func(t *testing.T) {
		s := &PtrState{Seq: SeqRetain}
		s.RRI.Calls.Insert(1)
		s.Merge(&PtrState{Seq: SeqUse}, true)
		assert.Equal(t, SeqNone, s.Seq)
		assert.True(t, s.RRI.Calls.IsEmpty())
	})
}
