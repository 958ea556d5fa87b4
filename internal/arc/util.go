package arc

import (
	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

// isPotentialRetainableObjPtr reports whether v could be a pointer to an
// object managed by reference counting. Constants, globals, functions and
// stack slots never are.
func isPotentialRetainableObjPtr(v *ir.Value) bool {
	if v == nil || !types.IsPointer(v.Type) {
		return false
	}
	switch v.Kind {
	case ir.ValueConstant, ir.ValueUndef, ir.ValueGlobal, ir.ValueFunction:
		return false
	}
	if _, ok := v.Def.(*ir.Alloca); ok {
		return false
	}
	return true
}

// RCIdentityRoot strips pointer casts and forwarding runtime calls, which
// return their argument, from v. Two values with the same root refer to the
// same reference-counted object.
func RCIdentityRoot(v *ir.Value) *ir.Value {
	for {
		v = ir.StripPointerCasts(v)
		call, ok := v.Def.(*ir.Call)
		if !ok || v.Kind != ir.ValueTemporary || !IsForwarding(BasicClass(call)) {
			return v
		}
		v = call.Args[0]
	}
}

// argRoot returns the RC identity root of a runtime call's pointer argument.
func argRoot(instr ir.Instruction) *ir.Value {
	return RCIdentityRoot(instr.(*ir.Call).Args[0])
}

// underlyingObjCPtr strips casts, every gep, and forwarding calls.
func underlyingObjCPtr(v *ir.Value) *ir.Value {
	for v != nil && v.Kind == ir.ValueTemporary {
		switch def := v.Def.(type) {
		case *ir.Cast:
			if def.Op != ir.CastBitcast {
				return v
			}
			v = def.Value
		case *ir.GetElementPtr:
			v = def.Base
		case *ir.Call:
			if !IsForwarding(BasicClass(def)) {
				return v
			}
			v = def.Args[0]
		default:
			return v
		}
	}
	return v
}

// isObjCIdentifiedObject reports whether v is the start of a distinct object:
// a call result, a parameter, a constant, a global, a stack slot or a load
// from a constant global.
func isObjCIdentifiedObject(v *ir.Value) bool {
	switch v.Kind {
	case ir.ValueParameter, ir.ValueConstant, ir.ValueUndef, ir.ValueGlobal, ir.ValueFunction:
		return true
	}
	switch def := v.Def.(type) {
	case *ir.Call, *ir.Alloca:
		return true
	case *ir.Load:
		return isConstantGlobal(ir.StripPointerCasts(def.Address))
	}
	return false
}

func isConstantGlobal(v *ir.Value) bool {
	return v.Kind == ir.ValueGlobal && v.Attrs&ir.AttrConstant != 0
}

// isKnownSafeRoot reports whether the object behind root lives in static or
// stack storage, where reference counting can never free it.
func isKnownSafeRoot(root *ir.Value) bool {
	switch root.Kind {
	case ir.ValueConstant, ir.ValueUndef, ir.ValueGlobal, ir.ValueFunction:
		return true
	}
	switch def := root.Def.(type) {
	case *ir.Alloca:
		return true
	case *ir.Load:
		return isConstantGlobal(ir.StripPointerCasts(def.Address))
	}
	return false
}

// anyUnderlyingAlloca reports whether the address ultimately points into a
// stack slot. Phis are followed through every incoming value.
func anyUnderlyingAlloca(v *ir.Value) bool {
	seen := make(map[*ir.Value]bool)
	work := []*ir.Value{v}
	for len(work) > 0 {
		v = work[len(work)-1]
		work = work[:len(work)-1]
		if seen[v] {
			continue
		}
		seen[v] = true

		v = underlyingObjCPtr(v)
		switch def := v.Def.(type) {
		case *ir.Alloca:
			return true
		case *ir.Phi:
			for _, in := range def.Incoming {
				work = append(work, in.Value)
			}
		}
	}
	return false
}

// functionOf returns the function containing instr.
func functionOf(instr ir.Instruction) *ir.Function {
	if bb := instr.Block(); bb != nil {
		return bb.Parent
	}
	return nil
}

// numUses counts operand slots reading v.
func numUses(fn *ir.Function, v *ir.Value) int {
	n := 0
	for _, bb := range fn.Blocks {
		for _, instr := range bb.Instructions {
			for _, op := range instr.Operands() {
				if op == v {
					n++
				}
			}
		}
	}
	return n
}

// hasUses reports whether the result of instr is read anywhere.
func hasUses(fn *ir.Function, instr ir.Instruction) bool {
	res := instr.Result()
	return res != nil && fn.HasUses(res)
}

// eraseInstruction deletes a runtime call. A forwarding call that still has
// users is replaced by its argument; an unused one may leave its argument
// computation dead, which is cleaned up as well.
func eraseInstruction(instr ir.Instruction) {
	fn := functionOf(instr)
	call := instr.(*ir.Call)
	oldArg := call.Args[0]

	unused := !hasUses(fn, call)
	if !unused {
		fn.ReplaceAllUsesWith(call.Dest, oldArg)
	}
	mustErase(call)
	if unused {
		deleteDeadChain(fn, oldArg)
	}
}

// deleteDeadChain erases the definition of v, and transitively its operands'
// definitions, as long as they have no side effects and no remaining uses.
func deleteDeadChain(fn *ir.Function, v *ir.Value) {
	work := []*ir.Value{v}
	for len(work) > 0 {
		v = work[len(work)-1]
		work = work[:len(work)-1]
		if v == nil || v.Kind != ir.ValueTemporary || v.Def == nil || v.Def.Block() == nil {
			continue
		}
		def := v.Def
		if !isTriviallyDead(fn, def) {
			continue
		}
		mustErase(def)
		work = append(work, def.Operands()...)
	}
}

func isTriviallyDead(fn *ir.Function, instr ir.Instruction) bool {
	switch instr.(type) {
	case *ir.Cast, *ir.GetElementPtr, *ir.BinaryOp, *ir.Load, *ir.Phi, *ir.Alloca:
		return !fn.HasUses(instr.Result())
	default:
		return false
	}
}

// mustErase removes instr from its block. The optimizer only erases
// instructions it found by walking the function, so failure is a bug.
func mustErase(instr ir.Instruction) {
	if err := ir.Erase(instr); err != nil {
		panic("arc: erasing " + instr.String() + ": " + err.Error())
	}
}

// mustInsertBefore inserts instr before pos.
func mustInsertBefore(pos, instr ir.Instruction) {
	if err := ir.InsertBefore(pos, instr); err != nil {
		panic("arc: inserting before " + pos.String() + ": " + err.Error())
	}
}

// asObject returns v as an i8*, inserting a bitcast before pos when needed.
func asObject(fn *ir.Function, v *ir.Value, pos ir.Instruction) *ir.Value {
	if v.Type.Equals(types.Object) {
		return v
	}
	cast := &ir.Cast{Op: ir.CastBitcast, Dest: fn.NewTemp(types.Object), Value: v}
	mustInsertBefore(pos, cast)
	return cast.Dest
}

// newRuntimeCall builds an unattached call to callee with a single argument.
func newRuntimeCall(fn *ir.Function, callee, arg *ir.Value) *ir.Call {
	call := &ir.Call{Callee: callee, Args: []*ir.Value{arg}}
	if sig, ok := types.Elem(callee.Type).(*types.FunctionType); ok && !types.IsVoid(sig.ReturnType) {
		call.Dest = fn.NewTemp(sig.ReturnType)
	}
	return call
}
