package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hassan/arcopt/internal/ir/types"
)

// ErrNotInFunction is returned when an instruction is edited after it was
// erased or before it was inserted.
var ErrNotInFunction = errors.New("instruction is not in a function")

// BasicBlock represents a sequence of instructions with single entry and exit.
//
// WHAT IS A BASIC BLOCK?
// A basic block is a straight-line code sequence with:
// - One entry point (the first instruction)
// - One exit point (a jump, branch or return)
// - No jumps in or out in the middle
//
// EXAMPLE:
//
//	entry:                  then:                  exit:
//	  %r = call @retain     call @use(%x)          call @release(%x)
//	  branch %c, then, exit jump exit              return
//
// DESIGN CHOICE: Store predecessors and successors because:
// - The ARC dataflow runs both top-down (over predecessors) and bottom-up (over successors)
// - Makes CFG traversal efficient
// - Lets the hazard check compare a block with each of its neighbours directly
type BasicBlock struct {
	// Label is the unique name of this block
	Label string

	// Instructions in this block (in order)
	Instructions []Instruction

	// Successors are blocks that can execute after this one
	// Determined by the terminator instruction (jump, branch, return)
	Successors []*BasicBlock

	// Predecessors are blocks that can jump to this one
	// Updated when building the CFG
	Predecessors []*BasicBlock

	// Index is the position in the function's block list
	Index int

	// Parent is the function containing this block
	Parent *Function
}

// NewBasicBlock creates a new basic block with the given label.
func NewBasicBlock(label string) *BasicBlock {
	return &BasicBlock{
		Label:        label,
		Instructions: make([]Instruction, 0),
		Successors:   make([]*BasicBlock, 0),
		Predecessors: make([]*BasicBlock, 0),
	}
}

// attach records bb as the owner of instr and instr as the definition of its result.
func (bb *BasicBlock) attach(instr Instruction) {
	instr.node().block = bb
	if res := instr.Result(); res != nil {
		res.Def = instr
	}
}

// AddInstruction adds an instruction to the end of this block.
func (bb *BasicBlock) AddInstruction(instr Instruction) {
	bb.attach(instr)
	bb.Instructions = append(bb.Instructions, instr)
}

// IndexOf returns the position of instr in the block, or -1.
func (bb *BasicBlock) IndexOf(instr Instruction) int {
	for i, in := range bb.Instructions {
		if in == instr {
			return i
		}
	}
	return -1
}

// InsertAt inserts instr so that it ends up at position i.
func (bb *BasicBlock) InsertAt(i int, instr Instruction) {
	bb.attach(instr)
	bb.Instructions = append(bb.Instructions, nil)
	copy(bb.Instructions[i+1:], bb.Instructions[i:])
	bb.Instructions[i] = instr
}

// InsertBefore inserts instr immediately before pos, which must be in a block.
func InsertBefore(pos, instr Instruction) error {
	bb := pos.Block()
	if bb == nil {
		return ErrNotInFunction
	}
	i := bb.IndexOf(pos)
	if i < 0 {
		return ErrNotInFunction
	}
	bb.InsertAt(i, instr)
	return nil
}

// InsertAfter inserts instr immediately after pos, which must be in a block.
func InsertAfter(pos, instr Instruction) error {
	bb := pos.Block()
	if bb == nil {
		return ErrNotInFunction
	}
	i := bb.IndexOf(pos)
	if i < 0 {
		return ErrNotInFunction
	}
	bb.InsertAt(i+1, instr)
	return nil
}

// Remove unlinks instr from the block. The instruction keeps its operands.
func (bb *BasicBlock) Remove(instr Instruction) bool {
	i := bb.IndexOf(instr)
	if i < 0 {
		return false
	}
	copy(bb.Instructions[i:], bb.Instructions[i+1:])
	bb.Instructions[len(bb.Instructions)-1] = nil
	bb.Instructions = bb.Instructions[:len(bb.Instructions)-1]
	instr.node().block = nil
	return true
}

// AddSuccessor adds a successor block and updates its predecessor list.
//
// DESIGN CHOICE: Automatically maintain bidirectional links because:
// - Ensures consistency (no dangling references)
// - Simpler for users of the IR
// - Prevents common bugs
func (bb *BasicBlock) AddSuccessor(succ *BasicBlock) {
	// Check for duplicates
	for _, s := range bb.Successors {
		if s == succ {
			return
		}
	}

	bb.Successors = append(bb.Successors, succ)
	succ.Predecessors = append(succ.Predecessors, bb)
}

// Terminator returns the last instruction (should be jump, branch, or return).
//
// In a well-formed CFG, every basic block ends with a terminator.
// Returns nil if the block is empty or doesn't have a terminator yet.
func (bb *BasicBlock) Terminator() Instruction {
	if len(bb.Instructions) == 0 {
		return nil
	}
	last := bb.Instructions[len(bb.Instructions)-1]
	if IsTerminator(last) {
		return last
	}
	return nil
}

// IsTerminated returns true if this block has a terminator instruction.
func (bb *BasicBlock) IsTerminated() bool {
	return bb.Terminator() != nil
}

// FirstNonPhi returns the index of the first instruction that is not a phi.
func (bb *BasicBlock) FirstNonPhi() int {
	for i, instr := range bb.Instructions {
		if _, ok := instr.(*Phi); !ok {
			return i
		}
	}
	return len(bb.Instructions)
}

// String returns the textual form of the basic block.
func (bb *BasicBlock) String() string {
	var sb strings.Builder

	sb.WriteString(bb.Label)
	sb.WriteString(":")

	// Show predecessors
	if len(bb.Predecessors) > 0 {
		sb.WriteString("  ; preds: ")
		for i, pred := range bb.Predecessors {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(pred.Label)
		}
	}
	sb.WriteString("\n")

	// Show instructions
	for _, instr := range bb.Instructions {
		sb.WriteString("  ")
		sb.WriteString(instr.String())
		sb.WriteString("\n")
	}

	return sb.String()
}

// Function represents a function in IR.
//
// DESIGN CHOICE: Store all basic blocks in a slice because:
// - Provides a stable ordering (useful for algorithms)
// - Entry block is always first
// - Easy to iterate over all blocks
type Function struct {
	// Name is the function name
	Name string

	// Parameters are the function parameters (as Values)
	Parameters []*Value

	// ReturnType is the function's return type
	ReturnType types.Type

	// Blocks are all basic blocks in this function
	// The first block is always the entry block
	Blocks []*BasicBlock

	// Entry is the entry basic block
	Entry *BasicBlock

	// Module is the containing module, set by Module.AddFunction
	Module *Module

	// Ref is the value naming this function, set by Module.AddFunction
	Ref *Value

	// nextValueID is used to generate unique value IDs
	nextValueID int
}

// NewFunction creates a new function.
func NewFunction(name string, params []*Value, returnType types.Type) *Function {
	f := &Function{
		Name:        name,
		Parameters:  params,
		ReturnType:  returnType,
		nextValueID: len(params), // Start after parameters
	}
	f.Entry = f.NewBasicBlockInFunc("entry")
	return f
}

// NewBasicBlockInFunc creates a new basic block and adds it to the function.
func (f *Function) NewBasicBlockInFunc(label string) *BasicBlock {
	bb := NewBasicBlock(label)
	bb.Index = len(f.Blocks)
	bb.Parent = f
	f.Blocks = append(f.Blocks, bb)
	return bb
}

// Block returns the block with the given label, or nil.
func (f *Function) Block(label string) *BasicBlock {
	for _, bb := range f.Blocks {
		if bb.Label == label {
			return bb
		}
	}
	return nil
}

// NewValue creates a new value with a unique ID.
func (f *Function) NewValue(name string, typ types.Type, kind ValueKind) *Value {
	v := &Value{
		ID:   f.nextValueID,
		Name: name,
		Type: typ,
		Kind: kind,
	}
	f.nextValueID++
	return v
}

// NewTemp creates a new temporary value.
func (f *Function) NewTemp(typ types.Type) *Value {
	return f.NewValue("", typ, ValueTemporary)
}

// Signature returns the function's type.
func (f *Function) Signature() *types.FunctionType {
	params := make([]types.Type, len(f.Parameters))
	for i, p := range f.Parameters {
		params[i] = p.Type
	}
	return types.NewFunction(params, f.ReturnType)
}

// Instructions returns a snapshot of every instruction in block order.
// Editing the function while ranging over the snapshot is safe.
func (f *Function) Instructions() []Instruction {
	var all []Instruction
	for _, bb := range f.Blocks {
		all = append(all, bb.Instructions...)
	}
	return all
}

// Users returns the instructions that read v.
func (f *Function) Users(v *Value) []Instruction {
	var users []Instruction
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instructions {
			for _, op := range instr.Operands() {
				if op == v {
					users = append(users, instr)
					break
				}
			}
		}
	}
	return users
}

// HasUses reports whether any instruction reads v.
func (f *Function) HasUses(v *Value) bool {
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instructions {
			for _, op := range instr.Operands() {
				if op == v {
					return true
				}
			}
		}
	}
	return false
}

// ReplaceAllUsesWith rewrites every use of from into a use of to.
func (f *Function) ReplaceAllUsesWith(from, to *Value) int {
	if from == nil {
		return 0
	}
	n := 0
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instructions {
			n += instr.ReplaceOperand(from, to)
		}
	}
	return n
}

// Erase removes instr from its block.
func Erase(instr Instruction) error {
	bb := instr.Block()
	if bb == nil || !bb.Remove(instr) {
		return ErrNotInFunction
	}
	return nil
}

// String returns the textual form of the function.
func (f *Function) String() string {
	var sb strings.Builder

	// Function signature
	sb.WriteString("func @")
	sb.WriteString(f.Name)
	sb.WriteString("(")
	for i, param := range f.Parameters {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(param.Type.String())
		sb.WriteString(" ")
		sb.WriteString(param.String())
	}
	sb.WriteString(") ")
	sb.WriteString(f.ReturnType.String())
	sb.WriteString(" {\n")

	// Basic blocks
	for i, block := range f.Blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.String())
	}

	sb.WriteString("}\n")
	return sb.String()
}

// Verify checks that the function is well-formed.
//
// CHECKS:
// - Every block ends with exactly one terminator
// - Successors match the terminator
// - Phis lead their block and name only predecessors
// - Every temporary operand is defined by an instruction still in the function
func (f *Function) Verify() []error {
	var errs []error
	report := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("function %s: %s", f.Name, fmt.Sprintf(format, args...)))
	}

	if len(f.Entry.Predecessors) > 0 {
		report("entry block has predecessors")
	}

	for _, bb := range f.Blocks {
		if !bb.IsTerminated() {
			report("block %s has no terminator", bb.Label)
		}

		seenNonPhi := false
		for i, instr := range bb.Instructions {
			if instr.Block() != bb {
				report("block %s: %q has a stale parent", bb.Label, instr)
			}
			if IsTerminator(instr) && i != len(bb.Instructions)-1 {
				report("block %s: terminator %q is not last", bb.Label, instr)
			}

			if phi, ok := instr.(*Phi); ok {
				if seenNonPhi {
					report("block %s: phi %q after non-phi", bb.Label, instr)
				}
				for _, inc := range phi.Incoming {
					if !containsBlock(bb.Predecessors, inc.Block) {
						report("block %s: phi %q names non-predecessor %s", bb.Label, instr, inc.Block.Label)
					}
				}
			} else {
				seenNonPhi = true
			}

			for _, op := range instr.Operands() {
				if op == nil {
					report("block %s: %q has a nil operand", bb.Label, instr)
					continue
				}
				if op.Kind != ValueTemporary {
					continue
				}
				if op.Def == nil || op.Def.Block() == nil || op.Def.Block().Parent != f {
					report("block %s: %q uses %s whose definition is gone", bb.Label, instr, op)
				}
			}
		}

		var want []*BasicBlock
		switch t := bb.Terminator().(type) {
		case *Jump:
			want = []*BasicBlock{t.Target}
		case *Branch:
			want = []*BasicBlock{t.TrueBlock, t.FalseBlock}
		}
		for _, w := range want {
			if !containsBlock(bb.Successors, w) {
				report("block %s: successor %s missing from CFG", bb.Label, w.Label)
			}
		}
		if len(bb.Successors) > len(want) {
			report("block %s: CFG has %d successors, terminator has %d", bb.Label, len(bb.Successors), len(want))
		}
	}

	return errs
}

func containsBlock(blocks []*BasicBlock, bb *BasicBlock) bool {
	for _, b := range blocks {
		if b == bb {
			return true
		}
	}
	return false
}

// Module represents a compilation unit (functions, declarations and globals).
//
// DESIGN CHOICE: Module is the top-level IR container because:
// - Declarations of runtime entry points live at module scope
// - The ARC pass checks the module once to decide whether it has work to do
// - Functions are optimized independently and may run concurrently
type Module struct {
	// Name is the module name
	Name string

	// Functions are all function definitions in this module
	Functions []*Function

	// Globals are global variables
	Globals []*Value

	// mu guards symbols and order; passes declare runtime entry points
	// while other functions are being optimized
	mu      sync.Mutex
	symbols map[string]*Value
	order   []*Value
}

// NewModule creates a new module.
func NewModule(name string) *Module {
	return &Module{
		Name:      name,
		Functions: make([]*Function, 0),
		Globals:   make([]*Value, 0),
		symbols:   make(map[string]*Value),
	}
}

// AddFunction adds a function definition to the module.
func (m *Module) AddFunction(fn *Function) {
	fn.Module = m
	fn.Ref = m.Declare(fn.Name, fn.Signature(), 0)
	m.Functions = append(m.Functions, fn)
}

// Declare returns the function value called name, creating it with the given
// signature and attributes if it does not exist yet.
func (m *Module) Declare(name string, sig *types.FunctionType, attrs Attr) *Value {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.symbols[name]; ok {
		return v
	}
	v := &Value{
		ID:    -1,
		Name:  name,
		Type:  types.NewPointer(sig),
		Kind:  ValueFunction,
		Attrs: attrs,
	}
	m.symbols[name] = v
	m.order = append(m.order, v)
	return v
}

// AddGlobal creates a global variable holding a value of type content.
// The global's value is its address.
func (m *Module) AddGlobal(name string, content types.Type, attrs Attr) *Value {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.symbols[name]; ok {
		return v
	}
	v := &Value{
		ID:    -1,
		Name:  name,
		Type:  types.NewPointer(content),
		Kind:  ValueGlobal,
		Attrs: attrs,
	}
	m.symbols[name] = v
	m.Globals = append(m.Globals, v)
	return v
}

// Lookup returns the global or function named name, or nil.
func (m *Module) Lookup(name string) *Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbols[name]
}

// Function returns the definition named name, or nil.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Declarations returns the functions that are declared but not defined,
// in declaration order.
func (m *Module) Declarations() []*Value {
	m.mu.Lock()
	order := append([]*Value(nil), m.order...)
	m.mu.Unlock()

	defined := make(map[string]bool, len(m.Functions))
	for _, fn := range m.Functions {
		defined[fn.Name] = true
	}
	var decls []*Value
	for _, v := range order {
		if !defined[v.Name] {
			decls = append(decls, v)
		}
	}
	return decls
}

// String returns the textual form of the module. The output can be read
// back by the irtext package.
func (m *Module) String() string {
	var sb strings.Builder

	sb.WriteString("; Module: ")
	sb.WriteString(m.Name)
	sb.WriteString("\n\n")

	decls := m.Declarations()
	sort.SliceStable(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	for _, d := range decls {
		sig, ok := types.Elem(d.Type).(*types.FunctionType)
		if !ok {
			continue
		}
		sb.WriteString("declare @")
		sb.WriteString(d.Name)
		sb.WriteString("(")
		for i, p := range sig.Parameters {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.String())
		}
		sb.WriteString(") ")
		sb.WriteString(sig.ReturnType.String())
		if d.Attrs != 0 {
			sb.WriteString(" ")
			sb.WriteString(d.Attrs.String())
		}
		sb.WriteString("\n")
	}
	if len(decls) > 0 {
		sb.WriteString("\n")
	}

	// Globals
	for _, global := range m.Globals {
		sb.WriteString("global ")
		sb.WriteString(global.String())
		sb.WriteString(" ")
		sb.WriteString(types.Elem(global.Type).String())
		if global.Attrs != 0 {
			sb.WriteString(" ")
			sb.WriteString(global.Attrs.String())
		}
		sb.WriteString("\n")
	}
	if len(m.Globals) > 0 {
		sb.WriteString("\n")
	}

	// Functions
	for i, fn := range m.Functions {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fn.String())
	}

	return sb.String()
}

// Verify checks that the IR is well-formed.
// Returns a list of errors found.
func (m *Module) Verify() []error {
	errors := make([]error, 0)
	for _, fn := range m.Functions {
		errors = append(errors, fn.Verify()...)
	}
	return errors
}
