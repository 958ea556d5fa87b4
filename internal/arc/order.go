package arc

import (
	"github.com/hassan/arcopt/internal/ir"
)

// computePostOrders computes a post-order of the CFG from the entry block
// and a post-order of the reverse CFG from every exit. It also creates the
// BBState of every block and records its effective predecessors and
// successors: the CFG edges that are not back edges of the forward DFS.
//
// ALGORITHM:
// Both walks are iterative depth-first searches with explicit stacks, so
// deeply nested CFGs cannot overflow the goroutine stack. An edge to a block
// still on the forward DFS stack closes a cycle and is left out of the
// effective edges; the sweeps treat such loops conservatively.
func computePostOrders(fn *ir.Function) (postOrder, reverseCFGPostOrder []*ir.BasicBlock, states map[*ir.BasicBlock]*BBState) {
	states = make(map[*ir.BasicBlock]*BBState, len(fn.Blocks))
	for _, bb := range fn.Blocks {
		states[bb] = newBBState()
	}

	type frame struct {
		block *ir.BasicBlock
		next  int
	}

	visited := make(map[*ir.BasicBlock]bool, len(fn.Blocks))
	onStack := make(map[*ir.BasicBlock]bool)

	entry := fn.Entry
	states[entry].setAsEntry()
	stack := []frame{{block: entry}}
	visited[entry] = true
	onStack[entry] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		curr := top.block
		if top.next < len(curr.Successors) {
			succ := curr.Successors[top.next]
			top.next++
			if !visited[succ] {
				visited[succ] = true
				onStack[succ] = true
				states[curr].addSucc(succ)
				states[succ].addPred(curr)
				stack = append(stack, frame{block: succ})
				continue
			}
			if !onStack[succ] {
				states[curr].addSucc(succ)
				states[succ].addPred(curr)
			}
			continue
		}
		onStack[curr] = false
		postOrder = append(postOrder, curr)
		stack = stack[:len(stack)-1]
	}

	// Functions may have many exits, and blocks whose only successors are
	// reached through ignored edges are exits too.
	visited = make(map[*ir.BasicBlock]bool, len(fn.Blocks))
	for _, exit := range fn.Blocks {
		if !states[exit].isExit() {
			continue
		}
		states[exit].setAsExit()
		if visited[exit] {
			continue
		}
		visited[exit] = true
		stack = append(stack[:0], frame{block: exit})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			preds := states[top.block].Preds
			if top.next < len(preds) {
				pred := preds[top.next]
				top.next++
				if !visited[pred] {
					visited[pred] = true
					stack = append(stack, frame{block: pred})
				}
				continue
			}
			reverseCFGPostOrder = append(reverseCFGPostOrder, top.block)
			stack = stack[:len(stack)-1]
		}
	}
	return postOrder, reverseCFGPostOrder, states
}
