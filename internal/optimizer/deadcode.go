package optimizer

import (
	"github.com/hassan/arcopt/internal/ir"
)

// DeadCodeEliminationPass removes unused instructions and unreachable code.
//
// WHAT IS DEAD CODE?
// Dead code is code that either:
// 1. Computes values that are never used
// 2. Is unreachable (no control flow path reaches it)
//
// EXAMPLE - what the ARC pass leaves behind:
//
//	Before:  %0 = bitcast %x to i8*   // only fed a release that was deleted
//	         %s = alloca i8*           // weak slot whose accesses were deleted
//	         return
//	After:   return
//
// The pass works mark-and-sweep: every critical instruction is live, and so
// is everything a live instruction reads. The rest is removed.
type DeadCodeEliminationPass struct{}

// Name returns the name of this optimization pass.
func (d *DeadCodeEliminationPass) Name() string {
	return "DeadCodeElimination"
}

// Run executes dead code elimination on the given function.
//
// ALGORITHM:
// 1. Remove unreachable blocks
// 2. Mark all "critical" instructions (those with side effects)
// 3. Transitively mark all values used by critical instructions
// 4. Remove unmarked instructions
func (d *DeadCodeEliminationPass) Run(fn *ir.Function) (bool, error) {
	modified := d.removeUnreachableBlocks(fn)

	usedValues := d.markUsedValues(fn)
	if d.removeUnusedInstructions(fn, usedValues) {
		modified = true
	}
	return modified, nil
}

// markUsedValues identifies all values that are actually used.
func (d *DeadCodeEliminationPass) markUsedValues(fn *ir.Function) map[*ir.Value]bool {
	used := make(map[*ir.Value]bool)
	var worklist []*ir.Value

	for _, block := range fn.Blocks {
		for _, instr := range block.Instructions {
			if d.isCritical(instr) {
				worklist = append(worklist, instr.Operands()...)
			}
		}
	}

	// Follow def-use chains backwards with an explicit worklist; phis make
	// them cyclic.
	for len(worklist) > 0 {
		v := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if v == nil || used[v] || v.Kind != ir.ValueTemporary {
			continue
		}
		used[v] = true
		if v.Def != nil {
			worklist = append(worklist, v.Def.Operands()...)
		}
	}
	return used
}

// isCritical returns true if an instruction has side effects and must be kept.
//
// Calls are always critical, even read-only ones: runtime entry points are
// removed by the ARC pass, which knows what they do.
func (d *DeadCodeEliminationPass) isCritical(instr ir.Instruction) bool {
	switch instr.(type) {
	case *ir.Store, *ir.Call:
		return true
	default:
		return ir.IsTerminator(instr)
	}
}

// removeUnusedInstructions removes instructions whose results are not used.
// Returns true if any instructions were removed.
func (d *DeadCodeEliminationPass) removeUnusedInstructions(fn *ir.Function, used map[*ir.Value]bool) bool {
	modified := false

	for _, block := range fn.Blocks {
		// Iterate over a copy; Erase edits block.Instructions.
		for _, instr := range append([]ir.Instruction(nil), block.Instructions...) {
			if d.isCritical(instr) {
				continue
			}
			if result := instr.Result(); result != nil && used[result] {
				continue
			}
			if err := ir.Erase(instr); err != nil {
				panic(err)
			}
			modified = true
		}
	}

	return modified
}

// removeUnreachableBlocks removes basic blocks that cannot be reached.
// Returns true if any blocks were removed.
//
// ALGORITHM:
// 1. Start from entry block
// 2. Do a DFS with an explicit stack following successor edges
// 3. Remove blocks not visited, unlinking them from their successors'
//    predecessor lists and phis
func (d *DeadCodeEliminationPass) removeUnreachableBlocks(fn *ir.Function) bool {
	reachable := make(map[*ir.BasicBlock]bool)
	stack := []*ir.BasicBlock{fn.Entry}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if reachable[current] {
			continue
		}
		reachable[current] = true

		for _, succ := range current.Successors {
			if !reachable[succ] {
				stack = append(stack, succ)
			}
		}
	}

	newBlocks := make([]*ir.BasicBlock, 0, len(fn.Blocks))
	var dead []*ir.BasicBlock
	for _, block := range fn.Blocks {
		if reachable[block] {
			newBlocks = append(newBlocks, block)
		} else {
			dead = append(dead, block)
		}
	}
	if len(dead) == 0 {
		return false
	}

	for _, block := range dead {
		for _, succ := range block.Successors {
			if reachable[succ] {
				unlinkPredecessor(succ, block)
			}
		}
		block.Parent = nil
	}

	fn.Blocks = newBlocks
	for i, block := range fn.Blocks {
		block.Index = i
	}
	return true
}

// unlinkPredecessor removes pred from the predecessors and phis of bb.
func unlinkPredecessor(bb, pred *ir.BasicBlock) {
	preds := bb.Predecessors[:0]
	for _, p := range bb.Predecessors {
		if p != pred {
			preds = append(preds, p)
		}
	}
	bb.Predecessors = preds

	for _, instr := range bb.Instructions {
		phi, ok := instr.(*ir.Phi)
		if !ok {
			break
		}
		incoming := phi.Incoming[:0]
		for _, inc := range phi.Incoming {
			if inc.Block != pred {
				incoming = append(incoming, inc)
			}
		}
		phi.Incoming = incoming
	}
}
