package irtext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

const loopSource = `
declare @objc_retain(i8*) i8* nounwind
declare @objc_release(i8*) void nounwind
global @g i8* constant

func @loop(i8* %x, i1 %c) i8* {
entry:
  %0 = tail call i8* @objc_retain(%x) nounwind
  jump header
header:
  %p = phi i8* [%x, entry], [%q, body]
  branch %c, body, exit
body:
  %q = bitcast %p to i8*
  call void @use(%q)
  jump header
exit:
  %s = load @g
  call void @objc_release(%x) !clang.imprecise_release
  return %s
}
`

func TestParseLoop(t *testing.T) {
	m, err := Parse(loopSource, "loop.ir")
	require.NoError(t, err)

	fn := m.Function("loop")
	require.NotNil(t, fn)
	require.Len(t, fn.Blocks, 4)
	assert.Equal(t, []string{"entry", "header", "body", "exit"}, labels(fn))
	assert.Equal(t, fn.Entry, fn.Blocks[0])

	header := fn.Block("header")
	assert.Len(t, header.Predecessors, 2)

	phi, ok := header.Instructions[0].(*ir.Phi)
	require.True(t, ok)
	q := phi.IncomingValueFor(fn.Block("body"))
	require.NotNil(t, q)
	assert.IsType(t, &ir.Cast{}, q.Def)
	assert.True(t, q.Type.Equals(types.Object))

	retain := fn.Entry.Instructions[0].(*ir.Call)
	assert.True(t, retain.Tail)
	assert.Equal(t, ir.AttrNoUnwind, retain.Attrs)

	release := fn.Block("exit").Instructions[1].(*ir.Call)
	_, ok = release.Metadata("clang.imprecise_release")
	assert.True(t, ok)

	use := m.Lookup("use")
	require.NotNil(t, use, "implicit declaration")
	assert.Equal(t, ir.ValueFunction, use.Kind)

	g := m.Lookup("g")
	require.NotNil(t, g)
	assert.Equal(t, ir.AttrConstant, g.Attrs)
	load := fn.Block("exit").Instructions[0].(*ir.Load)
	assert.True(t, load.Dest.Type.Equals(types.Object))
}

func TestParseRoundTrip(t *testing.T) {
	m, err := Parse(loopSource, "loop.ir")
	require.NoError(t, err)

	printed := m.String()
	again, err := Parse(printed, "loop.ir")
	require.NoError(t, err, printed)
	assert.Equal(t, printed, again.String())
}

func TestParseForwardFunctionReference(t *testing.T) {
	m, err := ParseString(`
func @a() void {
entry:
  call void @b()
  return
}
func @b() void {
entry:
  return
}
`)
	require.NoError(t, err)

	call := m.Function("a").Entry.Instructions[0].(*ir.Call)
	assert.Equal(t, m.Function("b").Ref, call.Callee)
	assert.Empty(t, m.Declarations())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "undefined value",
			source: "func @f() void {\nentry:\n  call void @g(%nope)\n  return\n}",
			want:   "<input>:3:16: undefined value %nope",
		},
		{
			name:   "undefined label",
			source: "func @f() void {\nentry:\n  jump nowhere\n}",
			want:   "<input>:3:8: undefined label nowhere",
		},
		{
			name:   "unknown instruction",
			source: "func @f() void {\nentry:\n  %x = frob %y\n  return\n}",
			want:   "<input>:3:8: unknown instruction 'frob'",
		},
		{
			name:   "redefinition",
			source: "func @f(i8* %x) void {\nentry:\n  %x = bitcast null to i8*\n  return\n}",
			want:   "<input>:3:3: redefinition of %x",
		},
		{
			name:   "void call defines value",
			source: "func @f() void {\nentry:\n  %x = call void @g()\n  return\n}",
			want:   "<input>:3:3: void call cannot define %x",
		},
		{
			name:   "top level",
			source: "return",
			want:   "<input>:1:1: expected 'declare', 'global' or 'func', found 'return'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.source)
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestParseRunsVerifier(t *testing.T) {
	_, err := ParseString("func @f() void {\nentry:\n  call void @g()\n}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block entry has no terminator")
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("func") })
}

func labels(fn *ir.Function) []string {
	out := make([]string, len(fn.Blocks))
	for i, bb := range fn.Blocks {
		out[i] = bb.Label
	}
	return out
}
