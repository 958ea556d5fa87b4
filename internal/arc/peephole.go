package arc

import (
	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

// optimizeIndividualCalls makes one pass over the function simplifying
// runtime calls that can be judged on their own. It also records in s.used
// which classes of calls the function contains, which decides which of the
// later phases run.
func (s *funcState) optimizeIndividualCalls() {
	s.used = 0

	for _, instr := range s.fn.Instructions() {
		if instr.Block() == nil {
			continue // erased along with an earlier call
		}
		class := Classify(instr)
		s.log.Trace("Visiting", "class", class, "instr", instr)

		switch class {
		case ClassNoopCast:
			s.log.Debug("Erasing no-op cast", "instr", instr)
			s.changed = true
			s.stats.noops.Inc(1)
			eraseInstruction(instr)
			continue

		case ClassStoreWeak, ClassLoadWeak, ClassLoadWeakRetained, ClassInitWeak, ClassDestroyWeak:
			call := instr.(*ir.Call)
			if call.Args[0].IsNullOrUndef() {
				s.replaceWeakCallOnNull(call)
				continue
			}

		case ClassCopyWeak, ClassMoveWeak:
			call := instr.(*ir.Call)
			if call.Args[0].IsNullOrUndef() || call.Args[1].IsNullOrUndef() {
				s.replaceWeakCallOnNull(call)
				continue
			}

		case ClassRetainRV:
			if s.optimizeRetainRVCall(instr.(*ir.Call)) {
				continue
			}
			if calleeIs(instr, RetainName) {
				class = ClassRetain
			}

		case ClassAutoreleaseRV:
			if s.optimizeAutoreleaseRVCall(instr.(*ir.Call)) {
				class = ClassAutorelease
			}

		case ClassRetainBlock:
			if s.optimizeRetainBlockCall(instr.(*ir.Call)) {
				class = ClassRetain
			}
		}

		// objc_autorelease(x) -> objc_release(x) if x is otherwise unused.
		if IsAutorelease(class) && !hasUses(s.fn, instr) {
			call := instr.(*ir.Call)
			if s.findSingleUseIdentifiedObject(call.Args[0]) != nil {
				release := newRuntimeCall(s.fn, s.ep.release(), call.Args[0])
				release.SetMetadata(ImpreciseReleaseMD, "")
				mustInsertBefore(call, release)
				s.log.Debug("Replacing autorelease of an unused object with a release",
					"old", call, "new", release)
				s.changed = true
				s.stats.autoreleases.Inc(1)
				eraseInstruction(call)
				instr, class = release, ClassRelease
			}
		}

		if call, ok := instr.(*ir.Call); ok {
			s.setCallFlags(call, class)
		}

		if !IsNoopOnNull(class) {
			s.used = s.used.Add(class)
			continue
		}

		// Runtime calls on null do nothing.
		arg := argRoot(instr)
		if arg.IsNullOrUndef() {
			s.log.Debug("Erasing call on null", "instr", instr)
			s.changed = true
			s.stats.noops.Inc(1)
			eraseInstruction(instr)
			continue
		}

		s.used = s.used.Add(class)
		s.splitOverNullPhi(instr.(*ir.Call), class, arg)
	}
}

// setCallFlags adds or removes the tail and nounwind flags that the
// semantics of class dictate.
func (s *funcState) setCallFlags(call *ir.Call, class Class) {
	if IsAlwaysTail(class) && !call.Tail {
		s.log.Trace("Adding tail keyword", "call", call)
		s.changed = true
		call.Tail = true
	}
	// objc_autorelease must not be a tail call; it looks at its caller's frame.
	if IsNeverTail(class) && call.Tail {
		s.log.Trace("Removing tail keyword", "call", call)
		s.changed = true
		call.Tail = false
	}
	if IsNoThrow(class) && call.Attrs&ir.AttrNoUnwind == 0 {
		s.log.Trace("Adding nounwind", "call", call)
		s.changed = true
		call.SetDoesNotThrow()
	}
}

// replaceWeakCallOnNull replaces a weak entry point called on a null or
// undefined slot, which is undefined behaviour, by a store to null that
// keeps the behaviour visible to later passes.
func (s *funcState) replaceWeakCallOnNull(call *ir.Call) {
	s.log.Debug("Replacing weak call on null slot", "call", call)
	s.changed = true

	slotType := call.Args[0].Type
	store := &ir.Store{
		Address: ir.Null(slotType),
		Value:   ir.Undef(types.Elem(slotType)),
	}
	mustInsertBefore(call, store)
	if call.Dest != nil {
		s.fn.ReplaceAllUsesWith(call.Dest, ir.Undef(call.Dest.Type))
	}
	mustErase(call)
}

// optimizeRetainRVCall handles objc_retainAutoreleasedReturnValue. Right
// after the call producing its argument it is left alone. Right after an
// objc_autoreleaseReturnValue of the same pointer the two cancel out and
// true is returned. Anywhere else it is turned into a plain objc_retain.
func (s *funcState) optimizeRetainRVCall(retainRV *ir.Call) bool {
	arg := ir.StripPointerCasts(retainRV.Args[0])
	bb := retainRV.Block()
	idx := bb.IndexOf(retainRV)

	if producer, ok := arg.Def.(*ir.Call); ok && arg.Kind == ir.ValueTemporary && producer.Block() == bb {
		i := bb.IndexOf(producer) + 1
		for i < idx && ir.IsNoopInstruction(bb.Instructions[i]) {
			i++
		}
		if i == idx {
			return false
		}
	}

	if idx > 0 {
		i := idx - 1
		for i > 0 && ir.IsNoopInstruction(bb.Instructions[i]) {
			i--
		}
		prev := bb.Instructions[i]
		if BasicClass(prev) == ClassAutoreleaseRV && ir.StripPointerCasts(prev.(*ir.Call).Args[0]) == arg {
			s.log.Debug("Erasing autoreleaseRV/retainRV pair", "autoreleaseRV", prev, "retainRV", retainRV)
			s.changed = true
			s.stats.peeps.Inc(2)
			eraseInstruction(prev)
			eraseInstruction(retainRV)
			return true
		}
	}

	s.log.Debug("Transforming retainRV into retain", "call", retainRV)
	s.changed = true
	s.stats.peeps.Inc(1)
	retainRV.Callee = s.ep.retain()
	return false
}

// optimizeAutoreleaseRVCall turns an objc_autoreleaseReturnValue whose
// value is not returned, or handed to an objc_retainAutoreleasedReturnValue,
// into a plain objc_autorelease. It reports whether it did so.
func (s *funcState) optimizeAutoreleaseRVCall(autoreleaseRV *ir.Call) bool {
	work := []*ir.Value{ir.StripPointerCasts(autoreleaseRV.Args[0])}
	if autoreleaseRV.Dest != nil {
		work = append(work, autoreleaseRV.Dest)
	}
	seen := make(map[*ir.Value]bool)
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[v] {
			continue
		}
		seen[v] = true

		for _, user := range s.fn.Users(v) {
			if _, ok := user.(*ir.Return); ok || BasicClass(user) == ClassRetainRV {
				return false
			}
			if cast, ok := user.(*ir.Cast); ok && cast.Op == ir.CastBitcast {
				work = append(work, cast.Dest)
			}
		}
	}

	s.log.Debug("Transforming autoreleaseRV into autorelease", "call", autoreleaseRV)
	s.changed = true
	s.stats.peeps.Inc(1)
	autoreleaseRV.Callee = s.ep.autorelease()
	autoreleaseRV.Tail = false
	return true
}

// optimizeRetainBlockCall strength reduces an objc_retainBlock tagged
// copy_on_escape to objc_retain when the block cannot escape.
func (s *funcState) optimizeRetainBlockCall(retainBlock *ir.Call) bool {
	if _, ok := retainBlock.Metadata(CopyOnEscapeMD); !ok {
		return false
	}
	if s.doesRetainableObjPtrEscape(retainBlock) {
		return false
	}

	s.log.Debug("Strength reducing retainBlock to retain", "call", retainBlock)
	s.changed = true
	s.stats.peeps.Inc(1)
	retainBlock.Callee = s.ep.retain()
	retainBlock.RemoveMetadata(CopyOnEscapeMD)
	return true
}

// doesRetainableObjPtrEscape follows the def-use chains of a call's result
// and argument looking for anything that could keep a copy of the pointer.
// Passing it to an ordinary call is not an escape.
func (s *funcState) doesRetainableObjPtrEscape(call *ir.Call) bool {
	var work []*ir.Value
	if call.Dest != nil {
		work = append(work, call.Dest)
	}
	work = append(work, call.Args...)
	visited := make(map[ir.Instruction]bool)

	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]

		for _, user := range s.fn.Users(v) {
			switch BasicClass(user) {
			case ClassStoreWeak, ClassInitWeak, ClassStoreStrong, ClassAutorelease, ClassAutoreleaseRV:
				// These keep a copy of their argument.
				return true
			case ClassIntrinsicUser:
				continue
			case ClassUser, ClassNone:
				switch u := user.(type) {
				case *ir.Cast, *ir.GetElementPtr, *ir.Phi:
					// The copy escapes if it does.
					if !visited[user] {
						visited[user] = true
						work = append(work, user.Result())
					}
					continue
				case *ir.Load:
					continue
				case *ir.Store:
					if u.Value != v {
						continue
					}
				}
				return true
			default:
				continue
			}
		}
	}
	return false
}

// findSingleUseIdentifiedObject returns the identified object v derives from,
// if v is its only use. Uses that merely forward the pointer to nowhere are
// tolerated. It returns nil otherwise.
func (s *funcState) findSingleUseIdentifiedObject(v *ir.Value) *ir.Value {
	for v != nil && numUses(s.fn, v) == 1 {
		if v.Kind != ir.ValueTemporary {
			break
		}
		switch def := v.Def.(type) {
		case *ir.Cast:
			if def.Op == ir.CastBitcast {
				v = def.Value
				continue
			}
		case *ir.GetElementPtr:
			if def.Index.IsZero() {
				v = def.Base
				continue
			}
		case *ir.Call:
			if IsForwarding(BasicClass(def)) {
				v = def.Args[0]
				continue
			}
		}
		break
	}
	if v == nil || !isObjCIdentifiedObject(v) || v.IsNullOrUndef() {
		return nil
	}
	if numUses(s.fn, v) == 1 {
		return v
	}

	// Several uses are fine as long as none of them goes anywhere.
	for _, user := range s.fn.Users(v) {
		res := user.Result()
		if res == nil || s.fn.HasUses(res) || RCIdentityRoot(res) != v {
			return nil
		}
	}
	return v
}

// splitOverNullPhi handles a call whose argument is a phi with some null
// incoming values: the call is only needed on the other edges, so it is
// cloned into those predecessors and the original is erased. Clones whose
// argument is itself such a phi are split again, up to the configured limit.
func (s *funcState) splitOverNullPhi(call *ir.Call, class Class, arg *ir.Value) {
	type item struct {
		call *ir.Call
		arg  *ir.Value
	}

	switch class {
	case ClassRetainRV, ClassAutoreleaseRV:
		// These must stay next to their call or return.
		return
	}

	work := []item{{call, arg}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]

		phi, ok := it.arg.Def.(*ir.Phi)
		if !ok || it.arg.Kind != ir.ValueTemporary {
			continue
		}
		if s.phiSplits >= s.config.MaxPHISplits {
			s.log.Trace("PHI split limit reached", "call", it.call)
			return
		}

		hasNull, hasCriticalEdges := false, false
		for _, in := range phi.Incoming {
			if RCIdentityRoot(in.Value).IsNullOrUndef() {
				hasNull = true
			} else if len(in.Block.Successors) != 1 {
				hasCriticalEdges = true
				break
			}
		}
		if !hasNull || hasCriticalEdges {
			continue
		}

		// Nothing between the phi and the call may care about the call
		// being moved up.
		var kind dependenceKind
		switch class {
		case ClassRelease:
			kind = needsPositiveRetainCount
		default:
			kind = autoreleasePoolBoundary
		}
		s.pa.purge()
		if dep := s.singleDependency(kind, it.arg, it.call); dep != ir.Instruction(phi) {
			continue
		}

		s.log.Debug("Splitting call over partially null phi", "call", it.call, "phi", phi)
		s.changed = true
		s.phiSplits++
		s.stats.partialNoops.Inc(1)

		paramType := it.call.Args[0].Type
		for _, in := range phi.Incoming {
			incoming := RCIdentityRoot(in.Value)
			if incoming.IsNullOrUndef() {
				continue
			}
			clone := it.call.Clone(s.fn)
			pos := in.Block.Terminator()
			op := in.Value
			if !op.Type.Equals(paramType) {
				cast := &ir.Cast{Op: ir.CastBitcast, Dest: s.fn.NewTemp(paramType), Value: op}
				mustInsertBefore(pos, cast)
				op = cast.Dest
			}
			clone.Args[0] = op
			mustInsertBefore(pos, clone)
			s.log.Trace("Cloned call into predecessor", "clone", clone, "block", in.Block.Label)
			work = append(work, item{clone, incoming})
		}
		eraseInstruction(it.call)
	}
}

func calleeIs(instr ir.Instruction, name string) bool {
	call, ok := instr.(*ir.Call)
	return ok && call.CalleeName() == name
}
