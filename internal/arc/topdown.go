package arc

import (
	"github.com/hassan/arcopt/internal/ir"
)

// visitTopDown sweeps bb from its first instruction to its terminator,
// starting from the merged state of its effective predecessors, then checks
// the result against the bottom-up state of its successors.
func (s *funcState) visitTopDown(bb *ir.BasicBlock, states map[*ir.BasicBlock]*BBState, releases map[ir.Instruction]*RRInfo) bool {
	my := states[bb]
	for i, pred := range my.Preds {
		if i == 0 {
			my.initFromPred(states[pred])
		} else {
			my.MergePred(states[pred])
		}
	}

	nesting := false
	for _, instr := range bb.Instructions {
		if s.visitInstructionTopDown(instr, releases, my) {
			nesting = true
		}
	}

	s.checkForCFGHazards(bb, states, my)
	return nesting
}

func (s *funcState) visitInstructionTopDown(instr ir.Instruction, releases map[ir.Instruction]*RRInfo, my *BBState) bool {
	nesting := false
	class := Classify(instr)
	var arg *ir.Value

	switch class {
	case ClassRetainBlock:
		// Optimizable retainBlocks were strength reduced by the peephole
		// pass; the remaining ones must stay.

	case ClassRetain, ClassRetainRV:
		arg = argRoot(instr)
		st := my.TopDown(arg)

		// RetainRV is best left right after its call.
		if class != ClassRetainRV {
			// Two retains in a row on the same pointer; see the bottom-up
			// release case.
			if st.Seq == SeqRetain {
				nesting = true
			}
			s.traceTransition("top-down", instr, arg, st.Seq, SeqRetain)
			st.ResetSequenceProgress(SeqRetain)
			st.RRI.KnownSafe = st.KnownPositiveRefCount
			st.RRI.Calls.Insert(s.arena.id(instr))
		}
		st.KnownPositiveRefCount = true
		// A retain is also a potential use of the other pointers.

	case ClassRelease:
		arg = argRoot(instr)
		st := my.TopDown(arg)
		st.KnownPositiveRefCount = false

		md, imprecise := instr.Metadata(ImpreciseReleaseMD)
		switch old := st.Seq; old {
		case SeqRetain, SeqCanRelease:
			if old == SeqRetain || imprecise {
				st.RRI.ReverseInsertPts.Clear()
			}
			fallthrough
		case SeqUse:
			st.RRI.ReleaseMetadata = nil
			if imprecise {
				st.RRI.ReleaseMetadata = &md
			}
			st.RRI.IsTailCallRelease = instr.(*ir.Call).Tail
			releases[instr] = st.RRI.Clone()
			s.traceTransition("top-down", instr, arg, old, SeqNone)
			st.ClearSequenceProgress()
		case SeqNone:
		case SeqStop, SeqRelease, SeqMovableRelease:
			panic("arc: top-down pointer in release state")
		}

	case ClassAutoreleasepoolPop:
		my.clearTopDownPointers()
		return nesting

	case ClassAutoreleasepoolPush, ClassNone:
		return nesting
	}

	my.perPtrTopDown.each(func(ptr *ir.Value, st *PtrState) {
		if ptr == arg {
			return
		}
		seq := st.Seq

		if s.canAlterRefCount(instr, ptr, class) {
			st.KnownPositiveRefCount = false
			switch seq {
			case SeqRetain:
				// The release can go right before the instruction that
				// might release the object.
				s.traceTransition("top-down", instr, ptr, seq, SeqCanRelease)
				st.Seq = SeqCanRelease
				st.RRI.ReverseInsertPts.Insert(s.arena.id(instr))
				// One instruction cannot both release and use.
				return
			case SeqStop, SeqRelease, SeqMovableRelease:
				panic("arc: top-down pointer in release state")
			}
		}

		switch seq {
		case SeqCanRelease:
			if s.canUse(instr, ptr, class) {
				s.traceTransition("top-down", instr, ptr, seq, SeqUse)
				st.Seq = SeqUse
			}
		case SeqStop, SeqRelease, SeqMovableRelease:
			panic("arc: top-down pointer in release state")
		}
	})
	return nesting
}

// checkForCFGHazards compares the top-down state at the end of bb with the
// bottom-up state at the start of each successor. A successor that has
// already finished its sequence means the two sweeps disagree about where
// the matching call is; one that is at a different stage of the sequence
// means a loop or a join sits inside the window.
func (s *funcState) checkForCFGHazards(bb *ir.BasicBlock, states map[*ir.BasicBlock]*BBState, my *BBState) {
	my.perPtrTopDown.each(func(ptr *ir.Value, st *PtrState) {
		if st.Seq != SeqUse && st.Seq != SeqCanRelease {
			return
		}

		someSuccHasSame := false
		allSuccsHaveSame := true
		notAllSeqEqualButKnownSafe := false

		for _, succ := range bb.Successors {
			succState := states[succ].bottomUpState(ptr)
			succSeq := succState.Seq

			if succSeq == SeqNone {
				st.ClearSequenceProgress()
				continue
			}

			// Known safe on one side still allows deleting the pair but not
			// moving it. On both sides the disagreement does not matter.
			knownSafe := st.RRI.KnownSafe || succState.RRI.KnownSafe
			bothSafe := st.RRI.KnownSafe && succState.RRI.KnownSafe
			switch st.Seq {
			case SeqUse:
				switch succSeq {
				case SeqCanRelease:
					if !knownSafe {
						st.ClearSequenceProgress()
						continue
					}
					if !bothSafe {
						st.RRI.CFGHazardAfflicted = true
					}
				case SeqUse:
					someSuccHasSame = true
				case SeqStop, SeqRelease, SeqMovableRelease:
					if !knownSafe {
						allSuccsHaveSame = false
					} else if !bothSafe {
						notAllSeqEqualButKnownSafe = true
					}
				case SeqRetain:
					panic("arc: bottom-up pointer in retain state")
				}
			case SeqCanRelease:
				switch succSeq {
				case SeqCanRelease:
					someSuccHasSame = true
				case SeqStop, SeqRelease, SeqMovableRelease, SeqUse:
					if !knownSafe {
						allSuccsHaveSame = false
					} else if !bothSafe {
						notAllSeqEqualButKnownSafe = true
					}
				case SeqRetain:
					panic("arc: bottom-up pointer in retain state")
				}
			}
		}

		// If any successor continues the sequence, they all must. This
		// guards against loops in the middle of a sequence.
		if someSuccHasSame && !allSuccsHaveSame {
			st.ClearSequenceProgress()
		} else if notAllSeqEqualButKnownSafe {
			// Deleting the pair is still fine, moving it is not.
			st.RRI.CFGHazardAfflicted = true
		}
	})
}
