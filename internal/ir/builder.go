package ir

import (
	"fmt"

	"github.com/hassan/arcopt/internal/ir/types"
)

// Builder constructs IR instructions at an insertion point.
//
// DESIGN PHILOSOPHY:
// The builder owns "where does the next instruction go" so that callers only
// say what to emit. It maintains:
// - Current function and basic block
// - An optional instruction to insert before (otherwise append to the block)
// - Errors from insertions that could not be performed
//
// DESIGN CHOICE: Terminators also update the CFG because:
// - Successor lists must always match the terminator
// - Callers can never forget the second half of a branch
type Builder struct {
	// module is the IR module being built
	module *Module

	// currentFunc is the function being built
	currentFunc *Function

	// currentBlock is the basic block being built
	currentBlock *BasicBlock

	// insertBefore, when set, is the instruction new code goes in front of
	insertBefore Instruction

	// errors accumulates insertion errors
	errors []error
}

// NewBuilder creates a new IR builder for module m.
func NewBuilder(m *Module) *Builder {
	return &Builder{
		module: m,
		errors: make([]error, 0),
	}
}

// Module returns the module being built.
func (b *Builder) Module() *Module { return b.module }

// Function returns the function being built.
func (b *Builder) Function() *Function { return b.currentFunc }

// Errors returns the insertion errors recorded so far.
func (b *Builder) Errors() []error { return b.errors }

// Param describes a function parameter for BeginFunction.
type Param struct {
	Name string
	Type types.Type
}

// BeginFunction creates a function, adds it to the module and positions the
// builder at the end of its entry block.
func (b *Builder) BeginFunction(name string, returnType types.Type, params ...Param) *Function {
	values := make([]*Value, len(params))
	for i, p := range params {
		values[i] = &Value{
			ID:   i,
			Name: p.Name,
			Type: p.Type,
			Kind: ValueParameter,
		}
	}
	fn := NewFunction(name, values, returnType)
	b.module.AddFunction(fn)
	b.currentFunc = fn
	b.SetInsertBlock(fn.Entry)
	return fn
}

// SetFunction positions the builder in an existing function without choosing a block.
func (b *Builder) SetFunction(fn *Function) {
	b.currentFunc = fn
	b.currentBlock = nil
	b.insertBefore = nil
}

// NewBlock creates a block in the current function without moving the insertion point.
func (b *Builder) NewBlock(label string) *BasicBlock {
	return b.currentFunc.NewBasicBlockInFunc(label)
}

// SetInsertBlock makes new instructions append to bb.
func (b *Builder) SetInsertBlock(bb *BasicBlock) {
	b.currentBlock = bb
	b.insertBefore = nil
	if bb.Parent != nil {
		b.currentFunc = bb.Parent
	}
}

// SetInsertPoint makes new instructions go immediately before pos.
func (b *Builder) SetInsertPoint(pos Instruction) {
	b.insertBefore = pos
	b.currentBlock = pos.Block()
	if b.currentBlock != nil && b.currentBlock.Parent != nil {
		b.currentFunc = b.currentBlock.Parent
	}
}

// Insert places instr at the insertion point.
func (b *Builder) Insert(instr Instruction) Instruction {
	if b.insertBefore != nil {
		if err := InsertBefore(b.insertBefore, instr); err != nil {
			b.error(fmt.Errorf("insert %q: %w", instr, err))
		}
		return instr
	}
	if b.currentBlock == nil {
		b.error(fmt.Errorf("insert %q: no insertion block", instr))
		return instr
	}
	b.currentBlock.AddInstruction(instr)
	return instr
}

// Call emits a call. The result type is taken from the callee's signature.
func (b *Builder) Call(callee *Value, args ...*Value) *Call {
	call := &Call{Callee: callee, Args: args}
	if sig, ok := types.Elem(callee.Type).(*types.FunctionType); ok && !types.IsVoid(sig.ReturnType) {
		call.Dest = b.currentFunc.NewTemp(sig.ReturnType)
	}
	b.Insert(call)
	return call
}

// Cast emits a pointer or integer conversion.
func (b *Builder) Cast(op CastOperator, value *Value, to types.Type) *Value {
	result := b.currentFunc.NewTemp(to)
	b.Insert(&Cast{Op: op, Dest: result, Value: value})
	return result
}

// Bitcast emits a pointer bitcast.
func (b *Builder) Bitcast(value *Value, to types.Type) *Value {
	return b.Cast(CastBitcast, value, to)
}

// Binary emits a binary operation.
func (b *Builder) Binary(op BinaryOperator, left, right *Value) *Value {
	resultType := left.Type
	if op >= OpEq && op <= OpGe {
		resultType = types.I1
	}
	result := b.currentFunc.NewTemp(resultType)
	b.Insert(&BinaryOp{Op: op, Dest: result, Left: left, Right: right})
	return result
}

// Load emits a load through address.
func (b *Builder) Load(address *Value) *Value {
	result := b.currentFunc.NewTemp(types.Elem(address.Type))
	b.Insert(&Load{Dest: result, Address: address})
	return result
}

// Store emits a store of value through address.
func (b *Builder) Store(value, address *Value) *Store {
	store := &Store{Address: address, Value: value}
	b.Insert(store)
	return store
}

// GEP emits an address computation.
func (b *Builder) GEP(base, index *Value) *Value {
	result := b.currentFunc.NewTemp(base.Type)
	b.Insert(&GetElementPtr{Dest: result, Base: base, Index: index})
	return result
}

// Alloca emits a stack slot holding a value of type typ.
func (b *Builder) Alloca(typ types.Type) *Value {
	result := b.currentFunc.NewTemp(types.NewPointer(typ))
	b.Insert(&Alloca{Dest: result, Type: typ})
	return result
}

// Phi emits a phi node. Phis are always placed at the start of the block.
func (b *Builder) Phi(typ types.Type, incoming ...PhiIncoming) *Phi {
	phi := &Phi{Dest: b.currentFunc.NewTemp(typ), Incoming: incoming}
	if b.currentBlock == nil {
		b.error(fmt.Errorf("insert %q: no insertion block", phi))
		return phi
	}
	b.currentBlock.InsertAt(b.currentBlock.FirstNonPhi(), phi)
	return phi
}

// Jump terminates the current block with an unconditional jump.
func (b *Builder) Jump(target *BasicBlock) {
	b.Insert(&Jump{Target: target})
	b.currentBlock.AddSuccessor(target)
}

// Branch terminates the current block with a conditional branch.
func (b *Builder) Branch(cond *Value, trueBlock, falseBlock *BasicBlock) {
	b.Insert(&Branch{Condition: cond, TrueBlock: trueBlock, FalseBlock: falseBlock})
	b.currentBlock.AddSuccessor(trueBlock)
	b.currentBlock.AddSuccessor(falseBlock)
}

// Return terminates the current block. value may be nil.
func (b *Builder) Return(value *Value) {
	b.Insert(&Return{Value: value})
}

// error records an IR construction error.
func (b *Builder) error(err error) {
	b.errors = append(b.errors, err)
}
