package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/irtext"
)

func TestBasicAlias(t *testing.T) {
	m, err := irtext.ParseString(`
global @g i8*
global @h i8*

func @f(i8* %x, i8* %y, i64 %n) void {
entry:
  %a = alloca i8*
  %b = alloca i8*
  %esc = alloca i8*
  %xc = bitcast %x to i8*
  %x0 = gep %x, 0
  %x1 = gep %x, 1
  %x2 = gep %x, 2
  %xn = gep %x, %n
  store %x, %a
  %l = load %b
  call void @take(%esc)
  return
}
`)
	require.NoError(t, err)
	fn := m.Function("f")

	v := map[string]*ir.Value{}
	for _, p := range fn.Parameters {
		v[p.Name] = p
	}
	for _, instr := range fn.Instructions() {
		if res := instr.Result(); res != nil {
			v[res.Name] = res
		}
	}
	v["g"] = m.Lookup("g")
	v["h"] = m.Lookup("h")

	tests := []struct {
		a, b string
		want Result
	}{
		{"x", "x", MustAlias},
		{"x", "xc", MustAlias},
		{"x", "x0", MustAlias},
		{"x", "y", MayAlias},
		{"x1", "x2", NoAlias},
		{"x", "x1", NoAlias},
		{"x1", "xn", PartialAlias},
		{"a", "b", NoAlias},
		{"a", "x", NoAlias},
		{"g", "h", NoAlias},
		{"g", "a", NoAlias},
		{"esc", "x", MayAlias},
		{"g", "y", MayAlias},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Basic{}.Alias(v[tt.a], v[tt.b]))
			assert.Equal(t, tt.want, Basic{}.Alias(v[tt.b], v[tt.a]), "symmetric")
		})
	}
}

func TestNullNeverAliases(t *testing.T) {
	p := &ir.Value{Name: "p", Kind: ir.ValueParameter}
	assert.Equal(t, NoAlias, Basic{}.Alias(p, ir.Null(nil)))
	assert.Equal(t, NoAlias, Basic{}.Alias(ir.Undef(nil), p))
}
