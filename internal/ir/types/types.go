// Package types implements the type system of the IR.
//
// DESIGN PHILOSOPHY:
// The ARC optimizer only needs to answer a handful of questions about types:
// 1. Is this value a pointer (and therefore a potential retainable object)?
// 2. What does a load through this pointer produce?
// 3. What does a call to this function return?
//
// So the type system is deliberately small: void, integers of a fixed width,
// pointers and function signatures. A retainable object pointer is spelled
// i8* in the textual form, and a slot holding one (a weak or strong variable
// on the stack) is i8**.
package types

import (
	"fmt"
	"strings"
)

// Type is the interface that all IR types implement.
//
// DESIGN CHOICE: Use an interface rather than a struct with a "kind" field because:
// - Type-safe (each type has its own struct)
// - Pattern matching via type switches
// - Follows Go conventions (ast.Node, etc.)
type Type interface {
	// String returns the textual spelling of the type
	String() string

	// Equals checks if this type is identical to another type.
	// All IR types are structural: i8** == i8**.
	Equals(other Type) bool

	// kind returns the kind of type (for internal use)
	// We don't export this because external code should use type switches
	kind() TypeKind
}

// TypeKind represents the kind of type.
type TypeKind int

const (
	KindInvalid TypeKind = iota
	KindVoid
	KindInt
	KindPointer
	KindFunction
)

// InvalidType represents a type that could not be resolved.
type InvalidType struct{}

func (i *InvalidType) String() string         { return "<invalid>" }
func (i *InvalidType) Equals(other Type) bool { return false }
func (i *InvalidType) kind() TypeKind         { return KindInvalid }

// VoidType is the result type of instructions and functions producing nothing.
type VoidType struct{}

func (v *VoidType) String() string         { return "void" }
func (v *VoidType) Equals(other Type) bool { _, ok := other.(*VoidType); return ok }
func (v *VoidType) kind() TypeKind         { return KindVoid }

// IntType is a fixed-width integer. Bits is one of 1, 8, 32 or 64.
type IntType struct {
	Bits int
}

func (i *IntType) String() string { return fmt.Sprintf("i%d", i.Bits) }

func (i *IntType) Equals(other Type) bool {
	o, ok := other.(*IntType)
	return ok && o.Bits == i.Bits
}

func (i *IntType) kind() TypeKind { return KindInt }

// PointerType is a pointer to Elem.
//
// The IR has no struct types; objects are opaque and only ever reached
// through i8*. Anything that needs field access uses getelementptr on i8*.
type PointerType struct {
	Elem Type
}

func (p *PointerType) String() string { return p.Elem.String() + "*" }

func (p *PointerType) Equals(other Type) bool {
	o, ok := other.(*PointerType)
	return ok && p.Elem.Equals(o.Elem)
}

func (p *PointerType) kind() TypeKind { return KindPointer }

// FunctionType is the signature of a declared or defined function.
type FunctionType struct {
	Parameters []Type
	ReturnType Type
}

func (f *FunctionType) String() string {
	params := make([]string, len(f.Parameters))
	for i, param := range f.Parameters {
		params[i] = param.String()
	}
	return fmt.Sprintf("%s (%s)", f.ReturnType.String(), strings.Join(params, ", "))
}

func (f *FunctionType) Equals(other Type) bool {
	o, ok := other.(*FunctionType)
	if !ok || !f.ReturnType.Equals(o.ReturnType) || len(f.Parameters) != len(o.Parameters) {
		return false
	}
	for i, param := range f.Parameters {
		if !param.Equals(o.Parameters[i]) {
			return false
		}
	}
	return true
}

func (f *FunctionType) kind() TypeKind { return KindFunction }

// Predefined type instances (singletons).
var (
	Invalid = &InvalidType{}
	Void    = &VoidType{}
	I1      = &IntType{Bits: 1}
	I8      = &IntType{Bits: 8}
	I32     = &IntType{Bits: 32}
	I64     = &IntType{Bits: 64}

	// Object is the type of a retainable object pointer (i8*).
	Object = &PointerType{Elem: I8}

	// ObjectSlot is the type of memory holding an object pointer (i8**).
	ObjectSlot = &PointerType{Elem: Object}
)

// NewPointer creates a pointer type to elem.
func NewPointer(elem Type) *PointerType {
	return &PointerType{Elem: elem}
}

// NewFunction creates a new function type
func NewFunction(parameters []Type, returnType Type) *FunctionType {
	return &FunctionType{
		Parameters: parameters,
		ReturnType: returnType,
	}
}

// IsPointer reports whether t is a pointer type.
func IsPointer(t Type) bool {
	_, ok := t.(*PointerType)
	return ok
}

// IsVoid reports whether t is void.
func IsVoid(t Type) bool {
	_, ok := t.(*VoidType)
	return ok
}

// Elem returns the pointee of a pointer type, or Invalid.
func Elem(t Type) Type {
	if p, ok := t.(*PointerType); ok {
		return p.Elem
	}
	return Invalid
}

// IntOfWidth returns the singleton integer type of the given width, or nil.
func IntOfWidth(bits int) *IntType {
	switch bits {
	case 1:
		return I1
	case 8:
		return I8
	case 32:
		return I32
	case 64:
		return I64
	default:
		return nil
	}
}
