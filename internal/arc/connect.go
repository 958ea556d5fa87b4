package arc

import (
	"golang.org/x/tools/container/intsets"

	"github.com/hassan/arcopt/internal/ir"
)

// arena numbers the instructions of a function at the start of a sequence
// sweep. RRInfo sets hold these numbers rather than the instructions.
type arena struct {
	ids    map[ir.Instruction]int
	instrs []ir.Instruction
}

func newArena(fn *ir.Function) *arena {
	a := &arena{ids: make(map[ir.Instruction]int)}
	for _, bb := range fn.Blocks {
		for _, instr := range bb.Instructions {
			a.id(instr)
		}
	}
	return a
}

func (a *arena) id(instr ir.Instruction) int {
	if id, ok := a.ids[instr]; ok {
		return id
	}
	id := len(a.instrs)
	a.ids[instr] = id
	a.instrs = append(a.instrs, instr)
	return id
}

func (a *arena) instr(id int) ir.Instruction { return a.instrs[id] }

// list returns the instructions in set, ordered by ID.
func (a *arena) list(set *intsets.Sparse) []ir.Instruction {
	ids := set.AppendTo(nil)
	instrs := make([]ir.Instruction, len(ids))
	for i, id := range ids {
		instrs[i] = a.instrs[id]
	}
	return instrs
}

// connectTDBUTraversals grows a set of related retains and releases from
// one retain, checks that deleting them and inserting the replacement calls
// keeps every path balanced, and reports whether the move may go ahead.
//
// ALGORITHM:
// The bottom-up RRInfo of a retain names the releases it pairs with; the
// top-down RRInfo of a release names the retains. Following these links back
// and forth until no new call turns up gives the full N:M group. Each call
// and each insertion point is weighted by the number of entry-to-exit paths
// through its block:
//   - oldDelta sums +retains -releases of the existing calls
//   - newDelta does the same for the replacement calls
//
// Both must be zero for the rewrite to keep every path balanced.
func (s *funcState) connectTDBUTraversals(
	states map[*ir.BasicBlock]*BBState,
	retains *retainMap,
	releases map[ir.Instruction]*RRInfo,
	retain ir.Instruction,
	knownSafe bool,
	retainsToMove, releasesToMove *RRInfo,
) (move, eliminated bool) {
	// A pair in a region where the count is already known to be positive
	// can ignore possible decrements in between, unless the object has
	// more than one owner.
	knownSafeTD, knownSafeBU := true, true
	multipleOwners := false
	cfgHazardAfflicted := false

	var oldDelta, newDelta, oldCount, newCount int64
	firstRelease := true

	pathCount := func(instr ir.Instruction) (int64, bool) {
		n, ok := states[instr.Block()].AllPathCount()
		return int64(n), ok
	}

	newRetains := []ir.Instruction{retain}
	var newReleases []ir.Instruction
	for {
		for _, newRetain := range newRetains {
			rri, ok := retains.get(newRetain)
			if !ok {
				return false, false
			}
			knownSafeTD = knownSafeTD && rri.KnownSafe
			if s.multiOwners.Contains(argRoot(newRetain)) {
				multipleOwners = true
			}

			for _, release := range s.arena.list(&rri.Calls) {
				relRRI, ok := releases[release]
				if !ok {
					return false, false
				}
				// The release must point back at the retain. It does not
				// when a path count overflow cleared state in between.
				if !relRRI.Calls.Has(s.arena.id(newRetain)) {
					return false, false
				}
				if !releasesToMove.Calls.Insert(s.arena.id(release)) {
					continue
				}

				n, ok := pathCount(release)
				if !ok {
					return false, false
				}
				oldDelta -= n

				if firstRelease {
					releasesToMove.ReleaseMetadata = relRRI.ReleaseMetadata
					releasesToMove.IsTailCallRelease = relRRI.IsTailCallRelease
					firstRelease = false
				} else {
					if !sameMetadata(releasesToMove.ReleaseMetadata, relRRI.ReleaseMetadata) {
						releasesToMove.ReleaseMetadata = nil
					}
					if releasesToMove.IsTailCallRelease != relRRI.IsTailCallRelease {
						releasesToMove.IsTailCallRelease = false
					}
				}

				if !knownSafe {
					for _, pt := range s.arena.list(&relRRI.ReverseInsertPts) {
						if !releasesToMove.ReverseInsertPts.Insert(s.arena.id(pt)) {
							continue
						}
						n, ok := pathCount(pt)
						if !ok {
							return false, false
						}
						newDelta -= n
					}
				}
				newReleases = append(newReleases, release)
			}
		}
		newRetains = newRetains[:0]
		if len(newReleases) == 0 {
			break
		}

		for _, newRelease := range newReleases {
			rri, ok := releases[newRelease]
			if !ok {
				return false, false
			}
			knownSafeBU = knownSafeBU && rri.KnownSafe
			cfgHazardAfflicted = cfgHazardAfflicted || rri.CFGHazardAfflicted

			for _, ret := range s.arena.list(&rri.Calls) {
				retRRI, ok := retains.get(ret)
				if !ok {
					return false, false
				}
				if !retRRI.Calls.Has(s.arena.id(newRelease)) {
					return false, false
				}
				if !retainsToMove.Calls.Insert(s.arena.id(ret)) {
					continue
				}

				n, ok := pathCount(ret)
				if !ok {
					return false, false
				}
				oldDelta += n
				oldCount += n

				if !knownSafe {
					for _, pt := range s.arena.list(&retRRI.ReverseInsertPts) {
						if !retainsToMove.ReverseInsertPts.Insert(s.arena.id(pt)) {
							continue
						}
						n, ok := pathCount(pt)
						if !ok {
							return false, false
						}
						newDelta += n
						newCount += n
					}
				}
				newRetains = append(newRetains, ret)
			}
		}
		newReleases = newReleases[:0]
		if len(newRetains) == 0 {
			break
		}
	}

	unconditionallySafe := (knownSafeTD && knownSafeBU) ||
		((knownSafeTD || knownSafeBU) && !multipleOwners)
	if unconditionallySafe {
		retainsToMove.ReverseInsertPts.Clear()
		releasesToMove.ReverseInsertPts.Clear()
		newCount = 0
	} else {
		if newDelta != 0 {
			return false, false
		}
		willMove := !retainsToMove.ReverseInsertPts.IsEmpty() || !releasesToMove.ReverseInsertPts.IsEmpty()
		if cfgHazardAfflicted && willMove {
			return false, false
		}
	}

	// The existing calls must be balanced to begin with.
	if oldDelta != 0 {
		return false, false
	}
	if oldCount == 0 {
		panic("arc: connected retains lie in unreachable code")
	}

	if newCount != 0 && s.motionIsNoop(retainsToMove, releasesToMove) {
		s.log.Trace("Pair already at its best position", "retain", retain)
		return false, false
	}

	s.stats.pairs(oldCount - newCount)
	return true, newCount == 0
}

// motionIsNoop reports whether every replacement call would land right
// next to the original it replaces, so that moving changes nothing.
func (s *funcState) motionIsNoop(retainsToMove, releasesToMove *RRInfo) bool {
	// New retains go before releasesToMove's insertion points. The original
	// retain must sit immediately before one of them.
	if !pairsAdjacent(s.arena.list(&retainsToMove.Calls), s.arena.list(&releasesToMove.ReverseInsertPts), false) {
		return false
	}
	// New releases go before retainsToMove's insertion points. The original
	// release must be that instruction or sit immediately before it.
	return pairsAdjacent(s.arena.list(&releasesToMove.Calls), s.arena.list(&retainsToMove.ReverseInsertPts), true)
}

// pairsAdjacent matches originals to insertion points one to one, each
// original being the instruction right before its point, or the point
// itself when allowSame is set.
func pairsAdjacent(originals, points []ir.Instruction, allowSame bool) bool {
	if len(originals) != len(points) {
		return false
	}
	used := make(map[ir.Instruction]bool, len(originals))
	for _, pt := range points {
		bb := pt.Block()
		i := bb.IndexOf(pt)
		matched := false
		for _, orig := range originals {
			if used[orig] || orig.Block() != bb {
				continue
			}
			j := bb.IndexOf(orig)
			if j == i-1 || (allowSame && j == i) {
				used[orig] = true
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// moveCalls inserts the replacement calls and queues the originals for
// deletion. Nothing is erased yet: later candidates may still refer to the
// originals as insertion points.
func (s *funcState) moveCalls(arg *ir.Value, retainsToMove, releasesToMove *RRInfo, retains *retainMap, releases map[ir.Instruction]*RRInfo, dead *[]ir.Instruction) {
	for _, pt := range s.arena.list(&releasesToMove.ReverseInsertPts) {
		myArg := asObject(s.fn, arg, pt)
		call := newRuntimeCall(s.fn, s.ep.retain(), myArg)
		call.SetDoesNotThrow()
		call.Tail = true
		mustInsertBefore(pt, call)
		s.log.Debug("Inserted retain", "call", call, "before", pt)
	}
	for _, pt := range s.arena.list(&retainsToMove.ReverseInsertPts) {
		myArg := asObject(s.fn, arg, pt)
		call := newRuntimeCall(s.fn, s.ep.release(), myArg)
		if md := releasesToMove.ReleaseMetadata; md != nil {
			call.SetMetadata(ImpreciseReleaseMD, *md)
		}
		call.SetDoesNotThrow()
		call.Tail = releasesToMove.IsTailCallRelease
		mustInsertBefore(pt, call)
		s.log.Debug("Inserted release", "call", call, "before", pt)
	}

	for _, orig := range s.arena.list(&retainsToMove.Calls) {
		retains.blot(orig)
		*dead = append(*dead, orig)
	}
	for _, orig := range s.arena.list(&releasesToMove.Calls) {
		delete(releases, orig)
		*dead = append(*dead, orig)
	}
}

// performCodePlacement runs the connector from every retain the bottom-up
// sweep found and applies the moves it approves. It reports whether any
// retain/release pair was removed without replacement.
func (s *funcState) performCodePlacement(states map[*ir.BasicBlock]*BBState, retains *retainMap, releases map[ir.Instruction]*RRInfo) bool {
	anyPairsCompletelyEliminated := false
	var dead []ir.Instruction

	for _, retain := range retains.order {
		if _, ok := retains.get(retain); !ok {
			continue // blotted
		}
		arg := argRoot(retain)

		// Objects in static or stack storage are not managed by reference
		// counting, so their pairs can go whatever lies in between.
		knownSafe := isKnownSafeRoot(arg)

		var retainsToMove, releasesToMove RRInfo
		move, eliminated := s.connectTDBUTraversals(states, retains, releases, retain, knownSafe, &retainsToMove, &releasesToMove)
		if !move {
			continue
		}
		s.changed = true
		if eliminated {
			anyPairsCompletelyEliminated = true
		}
		s.log.Debug("Pairing retains and releases", "ptr", arg,
			"retains", retainsToMove.Calls.Len(), "releases", releasesToMove.Calls.Len(),
			"eliminated", eliminated)
		s.moveCalls(arg, &retainsToMove, &releasesToMove, retains, releases, &dead)
	}

	// The originals are no longer needed as insertion points.
	for i := len(dead) - 1; i >= 0; i-- {
		eraseInstruction(dead[i])
	}
	return anyPairsCompletelyEliminated
}
