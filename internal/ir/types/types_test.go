package types

import (
	"testing"
)

func TestType_String(t *testing.T) {
	tests := []struct {
		typ      Type
		expected string
	}{
		{Void, "void"},
		{I1, "i1"},
		{I64, "i64"},
		{Object, "i8*"},
		{ObjectSlot, "i8**"},
		{NewFunction([]Type{Object, I64}, Void), "void (i8*, i64)"},
		{Invalid, "<invalid>"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.typ.String(); got != tt.expected {
				t.Errorf("Type.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestType_Equals(t *testing.T) {
	tests := []struct {
		name     string
		t1       Type
		t2       Type
		expected bool
	}{
		{"i8 equals i8", I8, &IntType{Bits: 8}, true},
		{"i8 not equals i64", I8, I64, false},
		{"pointers compare structurally", NewPointer(NewPointer(I8)), ObjectSlot, true},
		{"pointer depth matters", Object, ObjectSlot, false},
		{"void equals void", Void, &VoidType{}, true},
		{"invalid never equal", Invalid, Invalid, false},
		{"functions compare structurally",
			NewFunction([]Type{Object}, Object), NewFunction([]Type{Object}, Object), true},
		{"function arity matters",
			NewFunction([]Type{Object}, Object), NewFunction(nil, Object), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.t1.Equals(tt.t2); got != tt.expected {
				t.Errorf("Equals() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestHelpers(t *testing.T) {
	if !IsPointer(Object) || IsPointer(I64) {
		t.Error("IsPointer misclassified")
	}
	if !Elem(ObjectSlot).Equals(Object) {
		t.Errorf("Elem(i8**) = %v, want i8*", Elem(ObjectSlot))
	}
	if Elem(I64) != Invalid {
		t.Error("Elem of non-pointer should be Invalid")
	}
	if IntOfWidth(16) != nil {
		t.Error("IntOfWidth(16) should be nil")
	}
	if IntOfWidth(64) != I64 {
		t.Error("IntOfWidth(64) should return the singleton")
	}
}
