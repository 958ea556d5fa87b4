package arc

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/hassan/arcopt/internal/ir"
)

// dependenceKind selects which instructions a dependency search stops at.
type dependenceKind int

const (
	// needsPositiveRetainCount: anything that needs the object alive.
	needsPositiveRetainCount dependenceKind = iota
	// autoreleasePoolBoundary: pool push or pop.
	autoreleasePoolBoundary
	// canChangeRetainCount: anything that could retain or release the object.
	canChangeRetainCount
	// retainAutoreleaseDep: a retain of the same object, or a pool boundary.
	retainAutoreleaseDep
	// retainAutoreleaseRVDep: like retainAutoreleaseDep, but anything that
	// could break the return value handshake also counts.
	retainAutoreleaseRVDep
	// retainRVDep: anything that could break the return value handshake.
	retainRVDep
)

// canAlterRefCount reports whether instr may retain or release ptr.
func (s *funcState) canAlterRefCount(instr ir.Instruction, ptr *ir.Value, class Class) bool {
	switch class {
	case ClassAutorelease, ClassAutoreleaseRV, ClassIntrinsicUser, ClassUser:
		// Autorelease only defers the release past the end of the pool.
		return false
	}
	call, ok := instr.(*ir.Call)
	if !ok {
		return false
	}
	if call.OnlyReadsMemory() {
		return false
	}
	if call.HasAttr(ir.AttrArgMemOnly) {
		for _, arg := range call.Args {
			if isPotentialRetainableObjPtr(arg) && s.pa.related(ptr, arg) {
				return true
			}
		}
		return false
	}
	return true
}

// canUse reports whether instr may read ptr as an object pointer.
func (s *funcState) canUse(instr ir.Instruction, ptr *ir.Value, class Class) bool {
	if class == ClassCall {
		return false
	}

	switch i := instr.(type) {
	case *ir.BinaryOp:
		// Comparing a pointer with null or another constant is not a use.
		if i.IsComparison() && !isPotentialRetainableObjPtr(i.Right) {
			return false
		}
	case *ir.Call:
		for _, arg := range i.Args {
			if isPotentialRetainableObjPtr(arg) && s.pa.related(ptr, arg) {
				return true
			}
		}
		return false
	case *ir.Store:
		// Only the address matters, not the stored value.
		op := underlyingObjCPtr(i.Address)
		return isPotentialRetainableObjPtr(op) && s.pa.related(op, ptr)
	}

	for _, op := range instr.Operands() {
		if isPotentialRetainableObjPtr(op) && s.pa.related(ptr, op) {
			return true
		}
	}
	return false
}

// depends reports whether a search of the given kind for arg stops at instr.
func (s *funcState) depends(kind dependenceKind, instr ir.Instruction, arg *ir.Value) bool {
	// The definition of arg is always a dependency.
	if res := instr.Result(); res != nil && res == arg {
		return true
	}

	switch kind {
	case needsPositiveRetainCount:
		class := Classify(instr)
		switch class {
		case ClassAutoreleasepoolPop, ClassAutoreleasepoolPush, ClassNone:
			return false
		default:
			return s.canUse(instr, arg, class)
		}

	case autoreleasePoolBoundary:
		switch BasicClass(instr) {
		case ClassAutoreleasepoolPop, ClassAutoreleasepoolPush:
			return true
		default:
			return false
		}

	case canChangeRetainCount:
		class := Classify(instr)
		switch class {
		case ClassAutoreleasepoolPop:
			return true
		case ClassAutoreleasepoolPush, ClassNone:
			return false
		default:
			return s.canAlterRefCount(instr, arg, class)
		}

	case retainAutoreleaseDep:
		switch BasicClass(instr) {
		case ClassAutoreleasepoolPop, ClassAutoreleasepoolPush:
			return true
		case ClassRetain, ClassRetainRV:
			return argRoot(instr) == arg
		default:
			return false
		}

	case retainAutoreleaseRVDep:
		class := BasicClass(instr)
		switch class {
		case ClassRetain, ClassRetainRV:
			return argRoot(instr) == arg
		default:
			return CanInterruptRV(class)
		}

	case retainRVDep:
		return CanInterruptRV(BasicClass(instr))
	}
	panic("arc: unknown dependence kind")
}

// dependencies is the result of a dependency search.
type dependencies struct {
	insts []ir.Instruction

	// reachedEntry: some path reached the function entry without a dependency.
	reachedEntry bool

	// notPostDominated: a visited block can leave the search region without
	// passing through the start block, so the start is not on every path.
	notPostDominated bool
}

// single returns the one dependency found, or nil if the search was
// ambiguous.
func (d *dependencies) single() ir.Instruction {
	if len(d.insts) != 1 || d.reachedEntry || d.notPostDominated {
		return nil
	}
	return d.insts[0]
}

// findDependencies walks backwards from start, not including start itself,
// along every path until an instruction arg depends on is found.
func (s *funcState) findDependencies(kind dependenceKind, arg *ir.Value, start ir.Instruction) *dependencies {
	type position struct {
		block *ir.BasicBlock
		index int // instructions before index are still to be scanned
	}

	deps := &dependencies{}
	found := make(map[ir.Instruction]bool)
	startBlock := start.Block()
	visited := mapset.NewThreadUnsafeSet()

	work := []position{{startBlock, startBlock.IndexOf(start)}}
	for len(work) > 0 {
		pos := work[len(work)-1]
		work = work[:len(work)-1]

		for {
			if pos.index == 0 {
				if len(pos.block.Predecessors) == 0 {
					deps.reachedEntry = true
				}
				for _, pred := range pos.block.Predecessors {
					if visited.Add(pred) {
						work = append(work, position{pred, len(pred.Instructions)})
					}
				}
				break
			}
			pos.index--
			instr := pos.block.Instructions[pos.index]
			if s.depends(kind, instr, arg) {
				if !found[instr] {
					found[instr] = true
					deps.insts = append(deps.insts, instr)
				}
				break
			}
		}
	}

	// The start block must post-dominate every block the search visited.
	visited.Each(func(item interface{}) bool {
		bb := item.(*ir.BasicBlock)
		if bb == startBlock {
			return false
		}
		for _, succ := range bb.Successors {
			if succ != startBlock && !visited.Contains(succ) {
				deps.notPostDominated = true
				return true
			}
		}
		return false
	})
	return deps
}
