package arc

import (
	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

// optimizeReturns removes a retain and autorelease of a value that a call
// just produced and the function returns. The callee already hands over a
// +0 reference, so
//
//	%call = call i8* @something(...)
//	%2 = call i8* @objc_retain(i8* %call)
//	%3 = call i8* @objc_autorelease(i8* %2)
//	return i8* %3
//
// becomes a plain call and return.
func (s *funcState) optimizeReturns() {
	if !types.IsPointer(s.fn.ReturnType) {
		return
	}

	for _, bb := range s.fn.Blocks {
		ret, ok := bb.Terminator().(*ir.Return)
		if !ok || ret.Value == nil {
			continue
		}
		arg := RCIdentityRoot(ret.Value)

		// Look for an autorelease of the returned value with nothing in
		// between that needs the object alive.
		autorelease := s.singleDependency(needsPositiveRetainCount, arg, ret)
		if autorelease == nil || !IsAutorelease(BasicClass(autorelease)) || argRoot(autorelease) != arg {
			continue
		}

		// Then for a retain with nothing in between that could change the count.
		retain := s.singleDependency(canChangeRetainCount, arg, autorelease)
		if retain == nil || !IsRetain(BasicClass(retain)) || argRoot(retain) != arg {
			continue
		}

		// And finally for the call that produced the value.
		call := s.singleDependency(canChangeRetainCount, arg, retain)
		if call == nil || call.Result() != arg {
			continue
		}
		if class := BasicClass(call); class != ClassCall && class != ClassCallOrUser {
			continue
		}

		s.log.Debug("Erasing return value retain and autorelease",
			"retain", retain, "autorelease", autorelease)
		s.changed = true
		s.stats.rets.Inc(1)
		eraseInstruction(retain)
		eraseInstruction(autorelease)
	}
}

// singleDependency returns the one instruction a search from start finds,
// or nil when there is none or more than one.
func (s *funcState) singleDependency(kind dependenceKind, arg *ir.Value, start ir.Instruction) ir.Instruction {
	return s.findDependencies(kind, arg, start).single()
}
