package arc

import (
	"github.com/hassan/arcopt/internal/alias"
	"github.com/hassan/arcopt/internal/ir"
)

// optimizeWeakCalls removes weak loads made redundant by an earlier load
// or store of the same slot in the same block, then deletes stack slots
// that are only ever used by the weak entry points.
func (s *funcState) optimizeWeakCalls() {
	for _, instr := range s.fn.Instructions() {
		if instr.Block() == nil {
			continue
		}
		class := BasicClass(instr)
		if class != ClassLoadWeak && class != ClassLoadWeakRetained {
			continue
		}
		load := instr.(*ir.Call)

		if class == ClassLoadWeak && !hasUses(s.fn, load) {
			s.log.Debug("Erasing unused weak load", "call", load)
			s.changed = true
			s.stats.weakLoads.Inc(1)
			mustErase(load)
			continue
		}

		s.forwardWeakLoad(load, class)
	}

	for _, instr := range s.fn.Instructions() {
		if instr.Block() == nil || BasicClass(instr) != ClassDestroyWeak {
			continue
		}
		slot := instr.(*ir.Call).Args[0]
		if alloca, ok := slot.Def.(*ir.Alloca); ok && slot.Kind == ir.ValueTemporary {
			s.zapWeakSlot(alloca)
		}
	}
}

// forwardWeakLoad scans backwards from load within its block for an access
// to the same slot whose value it can reuse. Any instruction that could
// write the slot ends the scan.
func (s *funcState) forwardWeakLoad(load *ir.Call, class Class) {
	bb := load.Block()
	slot := load.Args[0]

	for i := bb.IndexOf(load) - 1; i >= 0; i-- {
		earlier := bb.Instructions[i]
		var value *ir.Value

		switch Classify(earlier) {
		case ClassLoadWeak, ClassLoadWeakRetained:
			value = earlier.Result()
			if value == nil {
				// The earlier load discarded its value; nothing to reuse.
				return
			}
		case ClassStoreWeak, ClassInitWeak:
			// These return the stored value.
			value = earlier.(*ir.Call).Args[1]
		case ClassAutoreleasepoolPush, ClassNone, ClassIntrinsicUser, ClassUser:
			// Weak slots only change through the runtime, or through calls
			// that may call into it.
			continue
		default:
			return
		}

		switch s.aa.Alias(slot, earlier.(*ir.Call).Args[0]) {
		case alias.NoAlias:
			continue
		case alias.MayAlias, alias.PartialAlias:
			return
		}

		s.log.Debug("Forwarding weak load", "load", load, "from", earlier)
		s.changed = true
		s.stats.weakLoads.Inc(1)
		if class == ClassLoadWeakRetained {
			// The load returned a +1 reference; keep it that way.
			retain := newRuntimeCall(s.fn, s.ep.retain(), asObject(s.fn, value, load))
			retain.Tail = true
			mustInsertBefore(load, retain)
		}
		if load.Dest != nil {
			s.fn.ReplaceAllUsesWith(load.Dest, value)
		}
		mustErase(load)
		return
	}
}

// zapWeakSlot deletes alloca and every access to it if it is only used by
// objc_initWeak, objc_storeWeak and objc_destroyWeak. Nothing can observe
// such a slot.
func (s *funcState) zapWeakSlot(alloca *ir.Alloca) {
	users := s.fn.Users(alloca.Dest)
	for _, user := range users {
		switch BasicClass(user) {
		case ClassInitWeak, ClassStoreWeak, ClassDestroyWeak:
		default:
			return
		}
	}

	s.log.Debug("Erasing dead weak slot", "alloca", alloca, "users", len(users))
	s.changed = true
	s.stats.weakSlots.Inc(1)
	for _, user := range users {
		call := user.(*ir.Call)
		if BasicClass(call) != ClassDestroyWeak && call.Dest != nil {
			// These return their second argument.
			s.fn.ReplaceAllUsesWith(call.Dest, call.Args[1])
		}
		mustErase(call)
	}
	mustErase(alloca)
}
