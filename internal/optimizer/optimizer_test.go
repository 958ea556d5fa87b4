package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/arcopt/internal/arc"
	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/irtext"
)

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := irtext.ParseString(src)
	require.NoError(t, err)
	return m
}

// countingPass reports a change the first changes times it runs on each function.
type countingPass struct {
	changes int

	mu   sync.Mutex
	runs map[string]int
}

func (p *countingPass) Name() string { return "Counting" }

func (p *countingPass) Run(fn *ir.Function) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runs == nil {
		p.runs = make(map[string]int)
	}
	p.runs[fn.Name]++
	return p.runs[fn.Name] <= p.changes, nil
}

type failingPass struct{ err error }

func (p failingPass) Name() string                   { return "Failing" }
func (p failingPass) Run(*ir.Function) (bool, error) { return false, p.err }

const twoFunctions = `
func @f() void {
entry:
  return
}

func @g() void {
entry:
  return
}
`

func TestFixedPointIteration(t *testing.T) {
	tests := []struct {
		name          string
		changes       int
		maxIterations int
		wantRuns      int
		wantChanged   bool
	}{
		{"no change", 0, 4, 1, false},
		{"settles", 2, 4, 3, true},
		{"capped", 10, 4, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parse(t, twoFunctions)
			pass := &countingPass{changes: tt.changes}
			o := NewOptimizer(Config{MaxIterations: tt.maxIterations, Parallelism: 1}, pass)

			changed, err := o.OptimizeFunction(m.Function("f"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantRuns, pass.runs["f"])
		})
	}
}

func TestOptimizeModuleInParallel(t *testing.T) {
	m := parse(t, twoFunctions)
	pass := &countingPass{changes: 1}
	o := NewOptimizer(Config{MaxIterations: 4, Parallelism: 2}, pass)

	require.NoError(t, o.Optimize(context.Background(), m))
	assert.Equal(t, map[string]int{"f": 2, "g": 2}, pass.runs)
}

func TestOptimizeWrapsErrors(t *testing.T) {
	m := parse(t, twoFunctions)
	boom := errors.New("boom")
	o := NewOptimizer(Config{Parallelism: 1}, failingPass{boom})

	err := o.Optimize(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "pass Failing failed: boom")
	assert.Contains(t, err.Error(), "optimization failed for function")
}

func TestOptimizeCancelled(t *testing.T) {
	m := parse(t, twoFunctions)
	pass := &countingPass{}
	o := NewOptimizer(Config{Parallelism: 1}, pass)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Optimize(ctx, m)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, pass.runs)
}

func TestAddPass(t *testing.T) {
	o := NewOptimizer(DefaultConfig)
	assert.Empty(t, o.Passes())
	o.AddPass(&countingPass{})
	require.Len(t, o.Passes(), 1)
	assert.Equal(t, "Counting", o.Passes()[0].Name())
}

func TestDeadCodeElimination(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			name: "unused values",
			src: `
func @f(i8* %x) void {
entry:
  %0 = bitcast %x to i8*
  %1 = gep %0, 0
  %s = alloca i8*
  %2 = load %s
  call void @use(%x)
  return
}
`,
			want: []string{"call", "return"},
		},
		{
			name: "stored values stay",
			src: `
func @f(i8* %x) void {
entry:
  %0 = bitcast %x to i8*
  %s = alloca i8*
  store %0, %s
  return
}
`,
			want: []string{"bitcast", "alloca", "store", "return"},
		},
		{
			name: "dead phi cycle",
			src: `
func @f(i8* %x, i1 %c) void {
entry:
  jump loop
loop:
  %p = phi i8* [%x, entry], [%q, loop]
  %q = bitcast %p to i8*
  branch %c, loop, exit
exit:
  return
}
`,
			want: []string{"jump", "branch", "return"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parse(t, tt.src)
			fn := m.Function("f")
			before := countInstructions(fn)

			changed, err := (&DeadCodeEliminationPass{}).Run(fn)
			require.NoError(t, err)
			assert.Equal(t, before != len(tt.want), changed)
			assert.Equal(t, tt.want, kinds(fn))
			assert.Empty(t, m.Verify())
		})
	}
}

func TestDeadCodeEliminationUnreachableBlock(t *testing.T) {
	m := parse(t, `
func @f(i8* %x) i8* {
entry:
  jump exit
dead:
  %y = bitcast %x to i8*
  jump exit
exit:
  %p = phi i8* [%x, entry], [%y, dead]
  return %p
}
`)
	fn := m.Function("f")
	changed, err := (&DeadCodeEliminationPass{}).Run(fn)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, fn.Blocks, 2)
	exit := fn.Block("exit")
	require.NotNil(t, exit)
	assert.Equal(t, 1, exit.Index)
	assert.Equal(t, []*ir.BasicBlock{fn.Entry}, exit.Predecessors)
	phi := exit.Instructions[0].(*ir.Phi)
	assert.Len(t, phi.Incoming, 1)
	assert.Empty(t, m.Verify())
}

func TestPipelineWithARC(t *testing.T) {
	m := parse(t, `
func @f(i8* %x, i1 %c) void {
entry:
  %0 = call i8* @objc_retain(%x)
  branch %c, a, b
a:
  jump exit
b:
  jump exit
exit:
  call void @objc_release(%x)
  return
}

func @g(i8* %x) void {
entry:
  %0 = call i8* @objc_retain(%x)
  call void @use(%x)
  call void @objc_release(%x)
  return
}
`)
	pass := arc.New(arc.DefaultConfig, nil)
	o := NewOptimizer(Config{MaxIterations: 4, Parallelism: 2}, pass)
	require.NoError(t, o.Optimize(context.Background(), m))
	require.Empty(t, m.Verify())

	assert.Equal(t, []string{"branch"}, kinds(m.Function("f"))[:1])
	assert.Equal(t, 4, countInstructions(m.Function("f")))
	assert.Equal(t, 4, countInstructions(m.Function("g")))
	assert.Equal(t, int64(2), pass.Stats().Snapshot()[arc.StatRRs])
}

// kinds lists the instruction kinds of fn in block order.
func kinds(fn *ir.Function) []string {
	var out []string
	for _, instr := range fn.Instructions() {
		switch i := instr.(type) {
		case *ir.Call:
			out = append(out, "call")
		case *ir.Cast:
			out = append(out, i.Op.String())
		case *ir.GetElementPtr:
			out = append(out, "gep")
		case *ir.Alloca:
			out = append(out, "alloca")
		case *ir.Load:
			out = append(out, "load")
		case *ir.Store:
			out = append(out, "store")
		case *ir.Phi:
			out = append(out, "phi")
		case *ir.Jump:
			out = append(out, "jump")
		case *ir.Branch:
			out = append(out, "branch")
		case *ir.Return:
			out = append(out, "return")
		}
	}
	return out
}
