package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/arcopt/internal/ir/types"
)

// buildDiamond builds
//
//	entry: %r = call @retain(%x); branch %c, left, right
//	left:  jump exit
//	right: jump exit
//	exit:  call @release(%x); return
func buildDiamond(t *testing.T) (*Module, *Function) {
	t.Helper()

	m := NewModule("test")
	retain := m.Declare("retain", types.NewFunction([]types.Type{types.Object}, types.Object), AttrNoUnwind)
	release := m.Declare("release", types.NewFunction([]types.Type{types.Object}, types.Void), AttrNoUnwind)

	b := NewBuilder(m)
	fn := b.BeginFunction("diamond", types.Void, Param{Name: "x", Type: types.Object}, Param{Name: "c", Type: types.I1})
	left := b.NewBlock("left")
	right := b.NewBlock("right")
	exit := b.NewBlock("exit")

	b.Call(retain, fn.Parameters[0])
	b.Branch(fn.Parameters[1], left, right)

	b.SetInsertBlock(left)
	b.Jump(exit)
	b.SetInsertBlock(right)
	b.Jump(exit)

	b.SetInsertBlock(exit)
	b.Call(release, fn.Parameters[0])
	b.Return(nil)

	require.Empty(t, b.Errors())
	return m, fn
}

func TestBuilderMaintainsCFG(t *testing.T) {
	m, fn := buildDiamond(t)

	assert.Empty(t, m.Verify())
	assert.Len(t, fn.Blocks, 4)
	assert.Len(t, fn.Entry.Successors, 2)

	exit := fn.Block("exit")
	require.NotNil(t, exit)
	assert.Len(t, exit.Predecessors, 2)
	assert.Equal(t, fn, exit.Parent)
	assert.Equal(t, fn.Ref, m.Lookup("diamond"))
}

func TestCallResultTracksDefinition(t *testing.T) {
	_, fn := buildDiamond(t)

	call, ok := fn.Entry.Instructions[0].(*Call)
	require.True(t, ok)
	require.NotNil(t, call.Dest)
	assert.Equal(t, Instruction(call), call.Dest.Def)
	assert.Equal(t, fn.Entry, call.Block())
	assert.Equal(t, "retain", call.CalleeName())
	assert.True(t, call.HasAttr(AttrNoUnwind))
	assert.False(t, call.OnlyReadsMemory())
}

func TestEraseAndInsert(t *testing.T) {
	m, fn := buildDiamond(t)
	call := fn.Entry.Instructions[0].(*Call)

	clone := call.Clone(fn)
	require.NoError(t, InsertAfter(call, clone))
	assert.Equal(t, 1, fn.Entry.IndexOf(clone))
	assert.NotEqual(t, call.Dest, clone.Dest)

	require.NoError(t, Erase(call))
	assert.Nil(t, call.Block())
	assert.Equal(t, ErrNotInFunction, Erase(call))
	assert.Equal(t, 0, fn.Entry.IndexOf(clone))
	assert.Empty(t, m.Verify())
}

func TestVerifyReportsErasedDefinition(t *testing.T) {
	m, fn := buildDiamond(t)
	call := fn.Entry.Instructions[0].(*Call)

	b := NewBuilder(m)
	b.SetInsertPoint(fn.Entry.Terminator())
	b.Bitcast(call.Dest, types.Object)

	require.NoError(t, Erase(call))
	errs := m.Verify()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "definition is gone")
}

func TestUsersAndReplaceAllUses(t *testing.T) {
	m, fn := buildDiamond(t)
	x := fn.Parameters[0]

	users := fn.Users(x)
	require.Len(t, users, 2)

	null := Null(types.Object)
	assert.Equal(t, 2, fn.ReplaceAllUsesWith(x, null))
	assert.False(t, fn.HasUses(x))
	assert.Empty(t, m.Verify())
}

func TestMetadataPrinting(t *testing.T) {
	_, fn := buildDiamond(t)
	release := fn.Block("exit").Instructions[0].(*Call)

	release.SetMetadata("clang.imprecise_release", "")
	release.Tail = true
	assert.Equal(t, "tail call void @release(%x) !clang.imprecise_release", release.String())

	md, ok := release.Metadata("clang.imprecise_release")
	assert.True(t, ok)
	assert.Empty(t, md)

	release.RemoveMetadata("clang.imprecise_release")
	_, ok = release.Metadata("clang.imprecise_release")
	assert.False(t, ok)
}

func TestPhiPlacement(t *testing.T) {
	m, fn := buildDiamond(t)
	exit := fn.Block("exit")

	b := NewBuilder(m)
	b.SetInsertBlock(exit)
	phi := b.Phi(types.Object,
		PhiIncoming{Value: fn.Parameters[0], Block: fn.Block("left")},
		PhiIncoming{Value: Null(types.Object), Block: fn.Block("right")},
	)

	assert.Equal(t, 0, exit.IndexOf(phi))
	assert.Equal(t, 1, exit.FirstNonPhi())
	assert.Equal(t, "%t3 = phi i8* [%x, left], [null, right]", phi.String())
	assert.Equal(t, fn.Parameters[0], phi.IncomingValueFor(fn.Block("left")))
	assert.Empty(t, m.Verify())
}

func TestValueString(t *testing.T) {
	tests := []struct {
		value *Value
		want  string
	}{
		{Null(types.Object), "null"},
		{Undef(types.Object), "undef"},
		{ConstInt(types.I64, 42), "42"},
		{ConstBool(true), "true"},
		{&Value{Name: "g", Kind: ValueGlobal}, "@g"},
		{&Value{Name: "x", Kind: ValueParameter}, "%x"},
		{&Value{ID: 7, Kind: ValueTemporary}, "%t7"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.value.String())
		})
	}
}

func TestIsNoopInstruction(t *testing.T) {
	v := &Value{Name: "p", Kind: ValueParameter, Type: types.Object}
	assert.True(t, IsNoopInstruction(&Cast{Op: CastBitcast, Dest: &Value{}, Value: v}))
	assert.False(t, IsNoopInstruction(&Cast{Op: CastPtrToInt, Dest: &Value{}, Value: v}))
	assert.True(t, IsNoopInstruction(&GetElementPtr{Dest: &Value{}, Base: v, Index: ConstInt(types.I64, 0)}))
	assert.False(t, IsNoopInstruction(&GetElementPtr{Dest: &Value{}, Base: v, Index: ConstInt(types.I64, 1)}))
}

func TestModuleStringListsDeclarations(t *testing.T) {
	m, _ := buildDiamond(t)
	out := m.String()

	assert.Contains(t, out, "declare @release(i8*) void nounwind\n")
	assert.Contains(t, out, "declare @retain(i8*) i8* nounwind\n")
	assert.NotContains(t, out, "declare @diamond")
	assert.Contains(t, out, "func @diamond(i8* %x, i1 %c) void {\n")
}
