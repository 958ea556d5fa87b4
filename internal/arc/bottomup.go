package arc

import (
	"github.com/hassan/arcopt/internal/ir"
)

// retainMap holds the RRInfo the bottom-up sweep computed for each retain,
// in the order the retains were found. Entries can be blotted out while the
// map is being walked.
type retainMap struct {
	order []ir.Instruction
	infos map[ir.Instruction]*RRInfo
}

func newRetainMap() *retainMap {
	return &retainMap{infos: make(map[ir.Instruction]*RRInfo)}
}

func (m *retainMap) set(retain ir.Instruction, rri *RRInfo) {
	if _, ok := m.infos[retain]; !ok {
		m.order = append(m.order, retain)
	}
	m.infos[retain] = rri
}

func (m *retainMap) get(retain ir.Instruction) (*RRInfo, bool) {
	rri, ok := m.infos[retain]
	return rri, ok
}

// blot removes retain without disturbing an ongoing walk.
func (m *retainMap) blot(retain ir.Instruction) {
	delete(m.infos, retain)
}

func (m *retainMap) len() int { return len(m.infos) }

// visitBottomUp sweeps bb from its terminator to its first instruction,
// starting from the merged state of its effective successors.
func (s *funcState) visitBottomUp(bb *ir.BasicBlock, states map[*ir.BasicBlock]*BBState, retains *retainMap) bool {
	my := states[bb]
	for i, succ := range my.Succs {
		if i == 0 {
			my.initFromSucc(states[succ])
		} else {
			my.MergeSucc(states[succ])
		}
	}

	nesting := false
	for i := len(bb.Instructions) - 1; i >= 0; i-- {
		var next ir.Instruction
		if i+1 < len(bb.Instructions) {
			next = bb.Instructions[i+1]
		}
		if s.visitInstructionBottomUp(bb.Instructions[i], next, retains, my) {
			nesting = true
		}
	}
	return nesting
}

// visitInstructionBottomUp applies the effect of instr to every pointer
// tracked in my. next is the instruction after instr, where a retain would
// be inserted to cover a use by instr.
func (s *funcState) visitInstructionBottomUp(instr, next ir.Instruction, retains *retainMap, my *BBState) bool {
	nesting := false
	class := Classify(instr)
	var arg *ir.Value

	switch class {
	case ClassRelease:
		arg = argRoot(instr)
		st := my.BottomUp(arg)

		// Two releases in a row on the same pointer. The outer pair can
		// only be found once the inner one is gone, so ask for another run.
		if st.Seq == SeqRelease || st.Seq == SeqMovableRelease {
			nesting = true
		}

		md, imprecise := instr.Metadata(ImpreciseReleaseMD)
		newSeq := SeqRelease
		if imprecise {
			newSeq = SeqMovableRelease
		}
		s.traceTransition("bottom-up", instr, arg, st.Seq, newSeq)
		st.ResetSequenceProgress(newSeq)
		if imprecise {
			st.RRI.ReleaseMetadata = &md
		}
		st.RRI.KnownSafe = st.KnownPositiveRefCount
		st.RRI.IsTailCallRelease = instr.(*ir.Call).Tail
		st.RRI.Calls.Insert(s.arena.id(instr))
		st.KnownPositiveRefCount = true

	case ClassRetainBlock:
		// Optimizable retainBlocks were strength reduced by the peephole
		// pass; the remaining ones must stay.

	case ClassRetain, ClassRetainRV:
		arg = argRoot(instr)
		st := my.BottomUp(arg)
		st.KnownPositiveRefCount = true

		switch old := st.Seq; old {
		case SeqStop, SeqRelease, SeqMovableRelease, SeqUse:
			// Without a use in between, or with an imprecise release,
			// the calls can simply be deleted.
			if old != SeqUse || st.RRI.ReleaseMetadata != nil {
				st.RRI.ReverseInsertPts.Clear()
			}
			fallthrough
		case SeqCanRelease:
			// RetainRV is best left right after its call.
			if class != ClassRetainRV {
				retains.set(instr, st.RRI.Clone())
			}
			s.traceTransition("bottom-up", instr, arg, old, SeqNone)
			st.ClearSequenceProgress()
		case SeqNone:
		case SeqRetain:
			panic("arc: bottom-up pointer in retain state")
		}
		// A retain moving bottom up can be a use of other pointers.

	case ClassAutoreleasepoolPop:
		// Conservatively forget every pointer.
		my.clearBottomUpPointers()
		return nesting

	case ClassAutoreleasepoolPush, ClassNone:
		return nesting

	case ClassUser:
		// A tracked pointer stored into a stack slot has a second owner.
		if store, ok := instr.(*ir.Store); ok && anyUnderlyingAlloca(store.Address) {
			root := RCIdentityRoot(store.Value)
			if my.perPtrBottomUp.lookup(root) != nil {
				s.multiOwners.Add(root)
			}
		}
	}

	// Consider the effect of instr on every other tracked pointer.
	my.perPtrBottomUp.each(func(ptr *ir.Value, st *PtrState) {
		if ptr == arg {
			return
		}
		seq := st.Seq

		if s.canAlterRefCount(instr, ptr, class) {
			st.KnownPositiveRefCount = false
			switch seq {
			case SeqUse:
				s.traceTransition("bottom-up", instr, ptr, seq, SeqCanRelease)
				st.Seq = SeqCanRelease
				return
			case SeqRetain:
				panic("arc: bottom-up pointer in retain state")
			}
		}

		switch seq {
		case SeqRelease, SeqMovableRelease:
			if s.canUse(instr, ptr, class) {
				st.RRI.ReverseInsertPts.Insert(s.arena.id(mustNext(instr, next)))
				s.traceTransition("bottom-up", instr, ptr, seq, SeqUse)
				st.Seq = SeqUse
			} else if seq == SeqRelease && IsUser(class) {
				// A precise release may not move above any possible use.
				st.RRI.ReverseInsertPts.Insert(s.arena.id(mustNext(instr, next)))
				s.traceTransition("bottom-up", instr, ptr, seq, SeqStop)
				st.Seq = SeqStop
			}
		case SeqStop:
			if s.canUse(instr, ptr, class) {
				s.traceTransition("bottom-up", instr, ptr, seq, SeqUse)
				st.Seq = SeqUse
			}
		case SeqRetain:
			panic("arc: bottom-up pointer in retain state")
		}
	})
	return nesting
}

// mustNext returns next, which only a terminator lacks. Terminators are
// never classified as uses, so a missing next means a malformed block.
func mustNext(instr, next ir.Instruction) ir.Instruction {
	if next == nil {
		panic("arc: use of a tracked pointer at the end of a block: " + instr.String())
	}
	return next
}
