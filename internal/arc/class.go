// Package arc implements the reference counting optimizer.
//
// WHAT DOES IT DO?
// Compilers that implement automatic reference counting insert a retain
// whenever a reference is taken and a release whenever one is dropped. Much
// of that bookkeeping is redundant: a retain immediately balanced by a
// release with nothing in between that could free the object can simply be
// deleted. This package finds such pairs and deletes or moves them.
//
// PHASES (per function):
//  1. Peephole: order-independent local rewrites of individual runtime calls.
//  2. Weak: forwarding of weak loads from earlier weak loads/stores in the
//     same block, and removal of weak stack slots nobody reads.
//  3. Sequences: a bottom-up and a top-down dataflow sweep track each
//     pointer through the retain -> use -> release lifecycle, then the
//     connector pairs the calls the two sweeps agree on and deletes or moves
//     them when the path-weighted balance is provably unchanged.
//  4. Returns: retain+autorelease pairs that only serve to hand a freshly
//     produced value back to the caller are removed.
//
// Phase 3 repeats while it both eliminated pairs and saw nested pairs.
package arc

import (
	"github.com/hassan/arcopt/internal/ir"
)

// Class describes what an instruction does to reference counts.
type Class int

const (
	ClassRetain                   Class = iota // objc_retain
	ClassRetainRV                              // objc_retainAutoreleasedReturnValue
	ClassRetainBlock                           // objc_retainBlock
	ClassRelease                               // objc_release
	ClassAutorelease                           // objc_autorelease
	ClassAutoreleaseRV                         // objc_autoreleaseReturnValue
	ClassAutoreleasepoolPush                   // objc_autoreleasePoolPush
	ClassAutoreleasepoolPop                    // objc_autoreleasePoolPop
	ClassNoopCast                              // objc_retainedObject, etc.
	ClassFusedRetainAutorelease                // objc_retainAutorelease
	ClassFusedRetainAutoreleaseRV              // objc_retainAutoreleaseReturnValue
	ClassLoadWeakRetained                      // objc_loadWeakRetained (primitive)
	ClassStoreWeak                             // objc_storeWeak (primitive)
	ClassInitWeak                              // objc_initWeak (derived)
	ClassLoadWeak                              // objc_loadWeak (derived)
	ClassMoveWeak                              // objc_moveWeak (derived)
	ClassCopyWeak                              // objc_copyWeak (derived)
	ClassDestroyWeak                           // objc_destroyWeak (derived)
	ClassStoreStrong                           // objc_storeStrong (derived)
	ClassIntrinsicUser                         // clang.arc.use
	ClassCallOrUser                            // could call objc_release and/or "use" pointers
	ClassCall                                  // could call objc_release
	ClassUser                                  // could "use" a pointer
	ClassNone                                  // anything else

	numClasses
)

var classNames = [numClasses]string{
	ClassRetain:                   "Retain",
	ClassRetainRV:                 "RetainRV",
	ClassRetainBlock:              "RetainBlock",
	ClassRelease:                  "Release",
	ClassAutorelease:              "Autorelease",
	ClassAutoreleaseRV:            "AutoreleaseRV",
	ClassAutoreleasepoolPush:      "AutoreleasepoolPush",
	ClassAutoreleasepoolPop:       "AutoreleasepoolPop",
	ClassNoopCast:                 "NoopCast",
	ClassFusedRetainAutorelease:   "FusedRetainAutorelease",
	ClassFusedRetainAutoreleaseRV: "FusedRetainAutoreleaseRV",
	ClassLoadWeakRetained:         "LoadWeakRetained",
	ClassStoreWeak:                "StoreWeak",
	ClassInitWeak:                 "InitWeak",
	ClassLoadWeak:                 "LoadWeak",
	ClassMoveWeak:                 "MoveWeak",
	ClassCopyWeak:                 "CopyWeak",
	ClassDestroyWeak:              "DestroyWeak",
	ClassStoreStrong:              "StoreStrong",
	ClassIntrinsicUser:            "IntrinsicUser",
	ClassCallOrUser:               "CallOrUser",
	ClassCall:                     "Call",
	ClassUser:                     "User",
	ClassNone:                     "None",
}

func (c Class) String() string {
	if c < 0 || c >= numClasses {
		return "Class(?)"
	}
	return classNames[c]
}

// ClassSet is a bit set of classes.
type ClassSet uint32

// Add returns s with c included.
func (s ClassSet) Add(c Class) ClassSet { return s | 1<<uint(c) }

// Has reports whether c is in s.
func (s ClassSet) Has(c Class) bool { return s&(1<<uint(c)) != 0 }

// HasAny reports whether any of cs is in s.
func (s ClassSet) HasAny(cs ...Class) bool {
	for _, c := range cs {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Classify returns the class of instr.
//
// Calls to recognised runtime entry points get their own class. Other calls
// are classified by whether they may write memory and whether they are passed
// anything that could be a retainable object pointer. Of the remaining
// instructions only those that read such a pointer are users.
func Classify(instr ir.Instruction) Class {
	switch i := instr.(type) {
	case *ir.Call:
		if c, ok := calleeClass(i.Callee); ok {
			return c
		}
		return classifyCallSite(i)

	case *ir.BinaryOp:
		// Comparing against null or another constant is not a use.
		if i.IsComparison() && isPotentialRetainableObjPtr(i.Right) {
			return ClassUser
		}
		return ClassNone

	case *ir.Cast:
		if i.Op != ir.CastPtrToInt {
			return ClassNone
		}

	case *ir.GetElementPtr, *ir.Phi, *ir.Alloca,
		*ir.Jump, *ir.Branch, *ir.Return:
		return ClassNone
	}

	for _, op := range instr.Operands() {
		if isPotentialRetainableObjPtr(op) {
			return ClassUser
		}
	}
	return ClassNone
}

// BasicClass is a cheaper Classify that only recognises runtime entry points.
// Every other call is CallOrUser and every other instruction is User.
func BasicClass(instr ir.Instruction) Class {
	call, ok := instr.(*ir.Call)
	if !ok {
		return ClassUser
	}
	if c, ok := calleeClass(call.Callee); ok {
		return c
	}
	return ClassCallOrUser
}

func classifyCallSite(call *ir.Call) Class {
	readOnly := call.OnlyReadsMemory()
	for _, arg := range call.Args {
		if isPotentialRetainableObjPtr(arg) {
			if readOnly {
				return ClassUser
			}
			return ClassCallOrUser
		}
	}
	if readOnly {
		return ClassNone
	}
	return ClassCall
}

// IsRetain reports whether c is objc_retain or objc_retainAutoreleasedReturnValue.
func IsRetain(c Class) bool {
	return c == ClassRetain || c == ClassRetainRV
}

// IsAutorelease reports whether c is either autorelease entry point.
func IsAutorelease(c Class) bool {
	return c == ClassAutorelease || c == ClassAutoreleaseRV
}

// IsForwarding reports whether calls of class c return their argument.
func IsForwarding(c Class) bool {
	switch c {
	case ClassRetain, ClassRetainRV, ClassAutorelease, ClassAutoreleaseRV, ClassNoopCast:
		return true
	default:
		return false
	}
}

// IsNoopOnNull reports whether calls of class c do nothing when passed null.
func IsNoopOnNull(c Class) bool {
	switch c {
	case ClassRetain, ClassRetainRV, ClassRelease, ClassAutorelease,
		ClassAutoreleaseRV, ClassRetainBlock:
		return true
	default:
		return false
	}
}

// IsAlwaysTail reports whether calls of class c can always be marked tail.
// These entry points never take stack-allocated arguments.
func IsAlwaysTail(c Class) bool {
	switch c {
	case ClassRetain, ClassRetainRV, ClassAutoreleaseRV:
		return true
	default:
		return false
	}
}

// IsNeverTail reports whether calls of class c must never be marked tail.
// objc_autorelease relies on its caller's frame staying live.
func IsNeverTail(c Class) bool {
	return c == ClassAutorelease
}

// IsNoThrow reports whether calls of class c can never unwind.
func IsNoThrow(c Class) bool {
	switch c {
	case ClassRetain, ClassRetainRV, ClassRelease, ClassAutorelease,
		ClassAutoreleaseRV, ClassAutoreleasepoolPush, ClassAutoreleasepoolPop:
		return true
	default:
		return false
	}
}

// IsUser reports whether class c may use a pointer operand.
func IsUser(c Class) bool {
	switch c {
	case ClassUser, ClassCallOrUser, ClassIntrinsicUser:
		return true
	default:
		return false
	}
}

// IsWeak reports whether c is one of the weak pointer entry points.
func IsWeak(c Class) bool {
	switch c {
	case ClassLoadWeak, ClassLoadWeakRetained, ClassStoreWeak, ClassInitWeak,
		ClassCopyWeak, ClassMoveWeak, ClassDestroyWeak:
		return true
	default:
		return false
	}
}

// CanInterruptRV reports whether an instruction of class c placed between a
// call and its objc_retainAutoreleasedReturnValue breaks the handshake.
func CanInterruptRV(c Class) bool {
	switch c {
	case ClassAutoreleasepoolPop, ClassCallOrUser, ClassCall, ClassAutorelease,
		ClassAutoreleaseRV, ClassFusedRetainAutorelease, ClassFusedRetainAutoreleaseRV:
		return true
	default:
		return false
	}
}
