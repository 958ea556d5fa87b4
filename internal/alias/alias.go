// Package alias answers whether two pointers may refer to the same memory.
//
// The ARC optimizer only consumes the four-way answer; how it is computed is
// up to the Analysis implementation. Basic handles the cases a reference
// counting optimizer runs into most: casts of the same pointer, null,
// distinct stack slots and globals, and constant offsets from a common base.
package alias

import (
	"github.com/hassan/arcopt/internal/ir"
)

// Result is the answer to an alias query.
type Result int

const (
	// NoAlias: the pointers never refer to overlapping memory.
	NoAlias Result = iota
	// MayAlias: nothing is known.
	MayAlias
	// PartialAlias: the pointers refer to overlapping but different locations.
	PartialAlias
	// MustAlias: the pointers are always equal.
	MustAlias
)

func (r Result) String() string {
	switch r {
	case NoAlias:
		return "NoAlias"
	case MayAlias:
		return "MayAlias"
	case PartialAlias:
		return "PartialAlias"
	case MustAlias:
		return "MustAlias"
	default:
		return "?"
	}
}

// Analysis answers alias queries for pointers in one function.
type Analysis interface {
	Alias(a, b *ir.Value) Result
}

// Basic is a stateless local alias analysis.
type Basic struct{}

// Alias implements Analysis.
func (Basic) Alias(a, b *ir.Value) Result {
	a = ir.StripPointerCasts(a)
	b = ir.StripPointerCasts(b)

	if a == b {
		return MustAlias
	}

	// Null and undef point nowhere.
	if a.IsNullOrUndef() || b.IsNullOrUndef() {
		return NoAlias
	}

	// Constant offsets from a common base.
	if ga, gb := gep(a), gep(b); ga != nil || gb != nil {
		return aliasOffsets(a, b, ga, gb)
	}

	// Two different identified objects never overlap.
	if IsIdentifiedObject(a) && IsIdentifiedObject(b) {
		return NoAlias
	}

	// A stack slot whose address never escapes cannot be reached through
	// anything but itself.
	if isNonEscapingLocal(a) || isNonEscapingLocal(b) {
		return NoAlias
	}

	return MayAlias
}

// IsIdentifiedObject reports whether v is the start of a distinct object:
// a stack slot, a global or a function.
func IsIdentifiedObject(v *ir.Value) bool {
	switch v.Kind {
	case ir.ValueGlobal, ir.ValueFunction:
		return true
	case ir.ValueTemporary:
		_, ok := v.Def.(*ir.Alloca)
		return ok
	}
	return false
}

func gep(v *ir.Value) *ir.GetElementPtr {
	if v.Kind != ir.ValueTemporary {
		return nil
	}
	g, _ := v.Def.(*ir.GetElementPtr)
	return g
}

// aliasOffsets compares base+offset forms; a value that is not a gep is its
// own base at offset zero.
func aliasOffsets(a, b *ir.Value, ga, gb *ir.GetElementPtr) Result {
	baseA, offA, okA := a, int64(0), true
	if ga != nil {
		baseA = ir.StripPointerCasts(ga.Base)
		offA, okA = constant(ga.Index)
	}
	baseB, offB, okB := b, int64(0), true
	if gb != nil {
		baseB = ir.StripPointerCasts(gb.Base)
		offB, okB = constant(gb.Index)
	}

	if baseA != baseB {
		if IsIdentifiedObject(baseA) && IsIdentifiedObject(baseB) {
			return NoAlias
		}
		return MayAlias
	}
	if !okA || !okB {
		return PartialAlias
	}
	if offA == offB {
		return MustAlias
	}
	return NoAlias
}

func constant(v *ir.Value) (int64, bool) {
	if v.Kind != ir.ValueConstant {
		return 0, false
	}
	n, ok := v.Constant.(int64)
	return n, ok
}

// isNonEscapingLocal reports whether v is an alloca only ever used as the
// address operand of loads and stores.
func isNonEscapingLocal(v *ir.Value) bool {
	if v.Kind != ir.ValueTemporary {
		return false
	}
	alloca, ok := v.Def.(*ir.Alloca)
	if !ok || alloca.Block() == nil {
		return false
	}
	for _, user := range alloca.Block().Parent.Users(v) {
		switch u := user.(type) {
		case *ir.Load:
		case *ir.Store:
			if u.Value == v {
				return false
			}
		default:
			return false
		}
	}
	return true
}
