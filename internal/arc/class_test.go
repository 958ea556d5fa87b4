package arc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	m := parse(t, `
declare @peek(i8*) void readonly
declare @opaque() void
declare @pure() void readonly
global @g i8*

func @f(i8* %x, i8* %y, i64 %n) void {
entry:
  %0 = call i8* @objc_retain(%x)
  call void @peek(%x)
  call void @use(%x)
  call void @opaque()
  call void @pure()
  %1 = ptrtoint %x to i64
  %2 = bitcast %x to i8*
  %3 = eq %x, %y
  %4 = eq %x, null
  %5 = add %n, %n
  %6 = load @g
  store %x, @g
  return
}
`)
	instrs := m.Function("f").Entry.Instructions
	tests := []struct {
		index int
		full  Class
		basic Class
	}{
		{0, ClassRetain, ClassRetain},
		{1, ClassUser, ClassCallOrUser},
		{2, ClassCallOrUser, ClassCallOrUser},
		{3, ClassCall, ClassCallOrUser},
		{4, ClassNone, ClassCallOrUser},
		{5, ClassUser, ClassUser},
		{6, ClassNone, ClassUser},
		{7, ClassUser, ClassUser},
		{8, ClassNone, ClassUser},
		{9, ClassNone, ClassUser},
		{10, ClassNone, ClassUser},
		{11, ClassUser, ClassUser},
		{12, ClassNone, ClassUser},
	}
	for _, tt := range tests {
		instr := instrs[tt.index]
		assert.Equal(t, tt.full, Classify(instr), "Classify(%s)", instr)
		assert.Equal(t, tt.basic, BasicClass(instr), "BasicClass(%s)", instr)
	}
}

func TestClassifyMismatchedSignature(t *testing.T) {
	// A runtime name with the wrong signature is an ordinary call.
	m := parse(t, `
declare @objc_release(i8*, i8*) void

func @f(i8* %x) void {
entry:
  call void @objc_release(%x, %x)
  return
}
`)
	call := m.Function("f").Entry.Instructions[0]
	assert.Equal(t, ClassCallOrUser, Classify(call))
}

func TestClassPredicates(t *testing.T) {
	assert.True(t, IsRetain(ClassRetainRV))
	assert.False(t, IsRetain(ClassRetainBlock))
	assert.True(t, IsAutorelease(ClassAutoreleaseRV))
	assert.True(t, IsForwarding(ClassNoopCast))
	assert.False(t, IsForwarding(ClassRelease))
	assert.True(t, IsNoopOnNull(ClassRetainBlock))
	assert.False(t, IsNoopOnNull(ClassLoadWeak))
	assert.True(t, IsAlwaysTail(ClassAutoreleaseRV))
	assert.False(t, IsAlwaysTail(ClassAutorelease))
	assert.True(t, IsNeverTail(ClassAutorelease))
	assert.True(t, IsNoThrow(ClassAutoreleasepoolPop))
	assert.False(t, IsNoThrow(ClassRetainBlock))
	assert.True(t, IsUser(ClassIntrinsicUser))
	assert.False(t, IsUser(ClassCall))
	assert.True(t, IsWeak(ClassDestroyWeak))
	assert.False(t, IsWeak(ClassStoreStrong))
	assert.True(t, CanInterruptRV(ClassCall))
	assert.False(t, CanInterruptRV(ClassUser))
}

func TestClassSet(t *testing.T) {
	var s ClassSet
	s = s.Add(ClassRelease).Add(ClassNone)
	assert.True(t, s.Has(ClassRelease))
	assert.False(t, s.Has(ClassRetain))
	assert.True(t, s.HasAny(ClassRetain, ClassNone))
	assert.False(t, s.HasAny(ClassRetain, ClassRetainRV))
	assert.Equal(t, "FusedRetainAutoreleaseRV", ClassFusedRetainAutoreleaseRV.String())
	assert.Equal(t, "Class(?)", numClasses.String())
}
