// Package ir implements the Intermediate Representation consumed by the ARC optimizer.
//
// WHAT IS IR?
// IR is a low-level representation of a program organised as a control-flow graph
// of basic blocks. The ARC optimizer only cares about a small slice of it:
// calls into the Objective-C runtime (retain, release, autorelease, weak
// accessors), the instructions that can use or release a pointer in between,
// and the shape of the CFG.
//
// DESIGN PHILOSOPHY:
// We use a Three-Address Code (TAC) style IR similar to LLVM:
// - Each instruction has a small, explicit operand list
// - Values are in Static Single Assignment (SSA) form
// - Control flow is represented with basic blocks ending in a terminator
// - Instructions can carry keyed metadata tags (e.g. clang.imprecise_release)
//
// EXAMPLE:
//
//	%0 = call i8* @make()
//	%1 = tail call i8* @objc_retain(%0) nounwind
//	call void @objc_release(%0) !clang.imprecise_release
package ir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hassan/arcopt/internal/ir/types"
)

// Value represents a value in the IR (temporary, parameter, constant, global or function).
//
// DESIGN CHOICE: Use a single Value type rather than separate Variable/Constant because:
// - Simplifies instruction definitions (uniform operand type)
// - Values can be tagged with their kind
// - Pointer identity is value identity, which is what alias queries compare
type Value struct {
	// ID is a unique identifier for this value within its function
	ID int

	// Name is the textual name (if any)
	Name string

	// Type is the value's type
	Type types.Type

	// Kind indicates what kind of value this is
	Kind ValueKind

	// Constant is the constant value (if Kind == ValueConstant).
	// A nil Constant of pointer type is the null pointer.
	Constant interface{}

	// Def is the instruction producing this value (if Kind == ValueTemporary).
	// It is kept up to date by BasicBlock when instructions are added.
	Def Instruction

	// Attrs holds function attributes (ValueFunction) or AttrConstant (ValueGlobal).
	Attrs Attr
}

// ValueKind represents the kind of value.
type ValueKind int

const (
	ValueTemporary ValueKind = iota // Result of an instruction
	ValueParameter                  // Function parameter
	ValueConstant                   // Compile-time constant (including null)
	ValueUndef                      // Undefined value
	ValueGlobal                     // Address of a global variable
	ValueFunction                   // Address of a function
)

// Attr is a bit set of function and global attributes.
type Attr uint8

const (
	// AttrReadOnly marks a function that never writes memory.
	AttrReadOnly Attr = 1 << iota
	// AttrArgMemOnly marks a function that only touches memory reachable from its arguments.
	AttrArgMemOnly
	// AttrNoUnwind marks a function or call that never throws.
	AttrNoUnwind
	// AttrConstant marks a global whose contents never change.
	AttrConstant
)

var attrNames = []struct {
	attr Attr
	name string
}{
	{AttrReadOnly, "readonly"},
	{AttrArgMemOnly, "argmemonly"},
	{AttrNoUnwind, "nounwind"},
	{AttrConstant, "constant"},
}

// String returns the space-separated attribute keywords.
func (a Attr) String() string {
	var parts []string
	for _, n := range attrNames {
		if a&n.attr != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, " ")
}

// ParseAttr returns the attribute named by keyword.
func ParseAttr(keyword string) (Attr, bool) {
	for _, n := range attrNames {
		if n.name == keyword {
			return n.attr, true
		}
	}
	return 0, false
}

func (v *Value) String() string {
	switch v.Kind {
	case ValueConstant:
		if v.Constant == nil {
			return "null"
		}
		return fmt.Sprintf("%v", v.Constant)
	case ValueUndef:
		return "undef"
	case ValueGlobal, ValueFunction:
		return "@" + v.Name
	default:
		if v.Name != "" {
			return "%" + v.Name
		}
		return fmt.Sprintf("%%t%d", v.ID)
	}
}

// IsConstant returns true if this is a constant value.
func (v *Value) IsConstant() bool {
	return v.Kind == ValueConstant
}

// IsNullOrUndef reports whether v is the null pointer or undef.
func (v *Value) IsNullOrUndef() bool {
	return v.Kind == ValueUndef || (v.Kind == ValueConstant && v.Constant == nil)
}

// IsZero reports whether v is the integer constant zero.
func (v *Value) IsZero() bool {
	if v.Kind != ValueConstant {
		return false
	}
	n, ok := v.Constant.(int64)
	return ok && n == 0
}

// Null returns a null constant of the given pointer type.
func Null(typ types.Type) *Value {
	return &Value{ID: -1, Type: typ, Kind: ValueConstant}
}

// Undef returns an undefined value of the given type.
func Undef(typ types.Type) *Value {
	return &Value{ID: -1, Type: typ, Kind: ValueUndef}
}

// ConstInt returns an integer constant.
func ConstInt(typ types.Type, n int64) *Value {
	return &Value{ID: -1, Type: typ, Kind: ValueConstant, Constant: n}
}

// ConstBool returns an i1 constant.
func ConstBool(b bool) *Value {
	return &Value{ID: -1, Type: types.I1, Kind: ValueConstant, Constant: b}
}

// Instruction represents a single IR instruction.
//
// DESIGN CHOICE: Use an interface rather than a tagged union because:
// - More idiomatic Go
// - Type-safe pattern matching via type switches
// - Easy to add new instruction types
type Instruction interface {
	// String returns the textual form of the instruction
	String() string

	// Operands returns all values read by this instruction
	// Used for data flow analysis
	Operands() []*Value

	// Result returns the value written by this instruction (if any)
	// Returns nil for instructions that don't produce a value
	Result() *Value

	// ReplaceOperand rewrites every operand equal to from with to and
	// returns how many were rewritten.
	ReplaceOperand(from, to *Value) int

	// Block returns the containing block, or nil once erased.
	Block() *BasicBlock

	// Metadata returns the metadata attached under kind.
	Metadata(kind string) (string, bool)

	// SetMetadata attaches value under kind.
	SetMetadata(kind, value string)

	// RemoveMetadata drops the metadata attached under kind.
	RemoveMetadata(kind string)

	node() *instrNode
}

// instrNode carries the state shared by all instructions.
type instrNode struct {
	block    *BasicBlock
	metadata map[string]string
}

func (n *instrNode) node() *instrNode    { return n }
func (n *instrNode) Block() *BasicBlock { return n.block }

func (n *instrNode) Metadata(kind string) (string, bool) {
	v, ok := n.metadata[kind]
	return v, ok
}

func (n *instrNode) SetMetadata(kind, value string) {
	if n.metadata == nil {
		n.metadata = make(map[string]string)
	}
	n.metadata[kind] = value
}

func (n *instrNode) RemoveMetadata(kind string) {
	delete(n.metadata, kind)
}

// metadataString renders attachments in a stable order.
func (n *instrNode) metadataString() string {
	if len(n.metadata) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(n.metadata))
	for k := range n.metadata {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var sb strings.Builder
	for _, k := range kinds {
		sb.WriteString(" !")
		sb.WriteString(k)
		if v := n.metadata[k]; v != "" {
			sb.WriteString(fmt.Sprintf(" %q", v))
		}
	}
	return sb.String()
}

func (n *instrNode) copyMetadata() map[string]string {
	if n.metadata == nil {
		return nil
	}
	md := make(map[string]string, len(n.metadata))
	for k, v := range n.metadata {
		md[k] = v
	}
	return md
}

func replace(slot **Value, from, to *Value) int {
	if *slot == from {
		*slot = to
		return 1
	}
	return 0
}

// Binary arithmetic, logical and comparison operations
// Format: result = op left, right

type BinaryOp struct {
	instrNode
	Op    BinaryOperator
	Dest  *Value
	Left  *Value
	Right *Value
}

func (b *BinaryOp) String() string {
	return fmt.Sprintf("%s = %s %s, %s%s", b.Dest, b.Op, b.Left, b.Right, b.metadataString())
}

func (b *BinaryOp) Operands() []*Value { return []*Value{b.Left, b.Right} }
func (b *BinaryOp) Result() *Value     { return b.Dest }

func (b *BinaryOp) ReplaceOperand(from, to *Value) int {
	return replace(&b.Left, from, to) + replace(&b.Right, from, to)
}

// IsComparison reports whether the operation produces an i1.
func (b *BinaryOp) IsComparison() bool {
	return b.Op >= OpEq && b.Op <= OpGe
}

type BinaryOperator int

const (
	// Arithmetic
	OpAdd BinaryOperator = iota
	OpSub
	OpMul
	OpDiv
	OpRem

	// Comparison
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// Bitwise
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
)

var binaryOpNames = [...]string{
	OpAdd: "add",
	OpSub: "sub",
	OpMul: "mul",
	OpDiv: "div",
	OpRem: "rem",
	OpEq:  "eq",
	OpNe:  "ne",
	OpLt:  "lt",
	OpLe:  "le",
	OpGt:  "gt",
	OpGe:  "ge",
	OpAnd: "and",
	OpOr:  "or",
	OpXor: "xor",
	OpShl: "shl",
	OpShr: "shr",
}

func (op BinaryOperator) String() string {
	if int(op) < len(binaryOpNames) {
		return binaryOpNames[op]
	}
	return "?"
}

// ParseBinaryOperator maps a mnemonic to its operator.
func ParseBinaryOperator(s string) (BinaryOperator, bool) {
	for i, name := range binaryOpNames {
		if name == s {
			return BinaryOperator(i), true
		}
	}
	return 0, false
}

// Pointer and integer conversions
// Format: result = op value to type

type Cast struct {
	instrNode
	Op    CastOperator
	Dest  *Value
	Value *Value
}

type CastOperator int

const (
	CastBitcast CastOperator = iota
	CastPtrToInt
	CastIntToPtr
)

var castOpNames = [...]string{
	CastBitcast:  "bitcast",
	CastPtrToInt: "ptrtoint",
	CastIntToPtr: "inttoptr",
}

func (op CastOperator) String() string {
	if int(op) < len(castOpNames) {
		return castOpNames[op]
	}
	return "?"
}

// ParseCastOperator maps a mnemonic to its operator.
func ParseCastOperator(s string) (CastOperator, bool) {
	for i, name := range castOpNames {
		if name == s {
			return CastOperator(i), true
		}
	}
	return 0, false
}

func (c *Cast) String() string {
	return fmt.Sprintf("%s = %s %s to %s%s", c.Dest, c.Op, c.Value, c.Dest.Type, c.metadataString())
}

func (c *Cast) Operands() []*Value { return []*Value{c.Value} }
func (c *Cast) Result() *Value     { return c.Dest }

func (c *Cast) ReplaceOperand(from, to *Value) int {
	return replace(&c.Value, from, to)
}

// Memory operations

// Load from memory
// Format: result = load address

type Load struct {
	instrNode
	Dest    *Value
	Address *Value
}

func (l *Load) String() string {
	return fmt.Sprintf("%s = load %s%s", l.Dest, l.Address, l.metadataString())
}

func (l *Load) Operands() []*Value { return []*Value{l.Address} }
func (l *Load) Result() *Value     { return l.Dest }

func (l *Load) ReplaceOperand(from, to *Value) int {
	return replace(&l.Address, from, to)
}

// Store to memory
// Format: store value, address

type Store struct {
	instrNode
	Address *Value
	Value   *Value
}

func (s *Store) String() string {
	return fmt.Sprintf("store %s, %s%s", s.Value, s.Address, s.metadataString())
}

func (s *Store) Operands() []*Value { return []*Value{s.Address, s.Value} }
func (s *Store) Result() *Value     { return nil }

func (s *Store) ReplaceOperand(from, to *Value) int {
	return replace(&s.Address, from, to) + replace(&s.Value, from, to)
}

// GetElementPtr calculates an address offset
// Format: result = gep base, index

type GetElementPtr struct {
	instrNode
	Dest  *Value
	Base  *Value
	Index *Value
}

func (g *GetElementPtr) String() string {
	return fmt.Sprintf("%s = gep %s, %s%s", g.Dest, g.Base, g.Index, g.metadataString())
}

func (g *GetElementPtr) Operands() []*Value { return []*Value{g.Base, g.Index} }
func (g *GetElementPtr) Result() *Value     { return g.Dest }

func (g *GetElementPtr) ReplaceOperand(from, to *Value) int {
	return replace(&g.Base, from, to) + replace(&g.Index, from, to)
}

// Alloca allocates stack space
// Format: result = alloca type

type Alloca struct {
	instrNode
	Dest *Value
	Type types.Type
}

func (a *Alloca) String() string {
	return fmt.Sprintf("%s = alloca %s%s", a.Dest, a.Type, a.metadataString())
}

func (a *Alloca) Operands() []*Value              { return nil }
func (a *Alloca) Result() *Value                  { return a.Dest }
func (a *Alloca) ReplaceOperand(_, _ *Value) int { return 0 }

// Function call
// Format: result = [tail] call type callee(args...) attrs
//
// Calls are where all the interesting ARC behaviour lives: the runtime
// entry points are ordinary calls whose callee names the entry point.

type Call struct {
	instrNode
	Dest   *Value   // Can be nil for void functions
	Callee *Value   // Function to call
	Args   []*Value // Arguments

	// Tail marks the call as eligible for tail-call lowering
	Tail bool

	// Attrs are call-site attributes, merged with the callee's
	Attrs Attr
}

func (c *Call) String() string {
	var sb strings.Builder
	if c.Dest != nil {
		sb.WriteString(c.Dest.String())
		sb.WriteString(" = ")
	}
	if c.Tail {
		sb.WriteString("tail ")
	}
	sb.WriteString("call ")
	sb.WriteString(c.ReturnType().String())
	sb.WriteString(" ")
	sb.WriteString(c.Callee.String())
	sb.WriteString("(")
	for i, arg := range c.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(arg.String())
	}
	sb.WriteString(")")
	if c.Attrs != 0 {
		sb.WriteString(" ")
		sb.WriteString(c.Attrs.String())
	}
	sb.WriteString(c.metadataString())
	return sb.String()
}

func (c *Call) Operands() []*Value {
	operands := make([]*Value, 0, len(c.Args)+1)
	operands = append(operands, c.Callee)
	operands = append(operands, c.Args...)
	return operands
}

func (c *Call) Result() *Value { return c.Dest }

func (c *Call) ReplaceOperand(from, to *Value) int {
	n := replace(&c.Callee, from, to)
	for i := range c.Args {
		n += replace(&c.Args[i], from, to)
	}
	return n
}

// ReturnType returns the type the call produces.
func (c *Call) ReturnType() types.Type {
	if c.Dest != nil {
		return c.Dest.Type
	}
	return types.Void
}

// CalleeName returns the name of a direct callee, or "" for indirect calls.
func (c *Call) CalleeName() string {
	if c.Callee != nil && c.Callee.Kind == ValueFunction {
		return c.Callee.Name
	}
	return ""
}

// HasAttr reports whether the call site or a direct callee carries attr.
func (c *Call) HasAttr(attr Attr) bool {
	if c.Attrs&attr != 0 {
		return true
	}
	return c.Callee != nil && c.Callee.Kind == ValueFunction && c.Callee.Attrs&attr != 0
}

// OnlyReadsMemory reports whether the call never writes memory.
func (c *Call) OnlyReadsMemory() bool { return c.HasAttr(AttrReadOnly) }

// SetDoesNotThrow marks the call site nounwind.
func (c *Call) SetDoesNotThrow() { c.Attrs |= AttrNoUnwind }

// Clone returns an unattached copy of the call producing a fresh result in fn.
func (c *Call) Clone(fn *Function) *Call {
	clone := &Call{
		Callee: c.Callee,
		Args:   append([]*Value(nil), c.Args...),
		Tail:   c.Tail,
		Attrs:  c.Attrs,
	}
	clone.metadata = c.copyMetadata()
	if c.Dest != nil {
		clone.Dest = fn.NewTemp(c.Dest.Type)
	}
	return clone
}

// Control flow

// Jump unconditionally to a basic block
type Jump struct {
	instrNode
	Target *BasicBlock
}

func (j *Jump) String() string {
	return fmt.Sprintf("jump %s", j.Target.Label)
}

func (j *Jump) Operands() []*Value             { return nil }
func (j *Jump) Result() *Value                 { return nil }
func (j *Jump) ReplaceOperand(_, _ *Value) int { return 0 }

// Conditional jump
// Format: branch condition, trueBlock, falseBlock

type Branch struct {
	instrNode
	Condition  *Value
	TrueBlock  *BasicBlock
	FalseBlock *BasicBlock
}

func (b *Branch) String() string {
	return fmt.Sprintf("branch %s, %s, %s", b.Condition, b.TrueBlock.Label, b.FalseBlock.Label)
}

func (b *Branch) Operands() []*Value { return []*Value{b.Condition} }
func (b *Branch) Result() *Value     { return nil }

func (b *Branch) ReplaceOperand(from, to *Value) int {
	return replace(&b.Condition, from, to)
}

// Return from function
// Format: return value

type Return struct {
	instrNode
	Value *Value // Can be nil for void return
}

func (r *Return) String() string {
	if r.Value != nil {
		return fmt.Sprintf("return %s", r.Value)
	}
	return "return"
}

func (r *Return) Operands() []*Value {
	if r.Value != nil {
		return []*Value{r.Value}
	}
	return nil
}

func (r *Return) Result() *Value { return nil }

func (r *Return) ReplaceOperand(from, to *Value) int {
	if r.Value == nil {
		return 0
	}
	return replace(&r.Value, from, to)
}

// Phi node for SSA form
// Format: result = phi type [value1, block1], [value2, block2], ...
//
// PHI NODES:
// When multiple control flow paths merge, a phi node selects the value
// belonging to the edge that was taken. The ARC peephole pass looks at phis
// whose incoming values are partly null: a retain of such a phi only needs to
// happen on the non-null edges.

type Phi struct {
	instrNode
	Dest     *Value
	Incoming []PhiIncoming
}

type PhiIncoming struct {
	Value *Value
	Block *BasicBlock
}

func (p *Phi) String() string {
	parts := make([]string, len(p.Incoming))
	for i, inc := range p.Incoming {
		parts[i] = fmt.Sprintf("[%s, %s]", inc.Value, inc.Block.Label)
	}
	return fmt.Sprintf("%s = phi %s %s", p.Dest, p.Dest.Type, strings.Join(parts, ", "))
}

func (p *Phi) Operands() []*Value {
	operands := make([]*Value, len(p.Incoming))
	for i, inc := range p.Incoming {
		operands[i] = inc.Value
	}
	return operands
}

func (p *Phi) Result() *Value { return p.Dest }

func (p *Phi) ReplaceOperand(from, to *Value) int {
	n := 0
	for i := range p.Incoming {
		n += replace(&p.Incoming[i].Value, from, to)
	}
	return n
}

// IncomingValueFor returns the value flowing in from block, or nil.
func (p *Phi) IncomingValueFor(block *BasicBlock) *Value {
	for _, inc := range p.Incoming {
		if inc.Block == block {
			return inc.Value
		}
	}
	return nil
}

// IsTerminator reports whether instr ends a basic block.
func IsTerminator(instr Instruction) bool {
	switch instr.(type) {
	case *Jump, *Branch, *Return:
		return true
	default:
		return false
	}
}

// IsNoopInstruction reports whether instr only renames a pointer:
// a bitcast, or a gep whose index is zero.
func IsNoopInstruction(instr Instruction) bool {
	switch i := instr.(type) {
	case *Cast:
		return i.Op == CastBitcast
	case *GetElementPtr:
		return i.Index.IsZero()
	default:
		return false
	}
}

// StripPointerCasts follows bitcasts and zero-index geps back to the
// underlying pointer.
func StripPointerCasts(v *Value) *Value {
	for v != nil && v.Kind == ValueTemporary && v.Def != nil {
		switch def := v.Def.(type) {
		case *Cast:
			if def.Op != CastBitcast {
				return v
			}
			v = def.Value
		case *GetElementPtr:
			if !def.Index.IsZero() {
				return v
			}
			v = def.Base
		default:
			return v
		}
	}
	return v
}
