// Package irtext reads the textual form of the IR printed by ir.Module.String.
//
// The format is line-oriented for readability but newlines are not
// significant; ';' starts a comment that runs to the end of the line.
//
//	declare @objc_retain(i8*) i8* nounwind
//	global @g i8* constant
//
//	func @f(i8* %x) void {
//	entry:
//	  %0 = call i8* @objc_retain(%x)
//	  call void @use(%x)
//	  call void @objc_release(%x) !clang.imprecise_release
//	  return
//	}
package irtext

import "fmt"

// Position represents a location in the source text.
//
// DESIGN CHOICE: Position is a value type (not a pointer) because:
// - It's small and immutable once created
// - Copying is cheap and avoids pointer chasing
// - No need for nil state - invalid positions can use zero values
type Position struct {
	// Filename is the name of the source file.
	Filename string

	// Line is the 1-based line number.
	Line int

	// Column is the 1-based column number, counted in runes.
	Column int

	// Offset is the 0-based byte offset from the start of the file.
	Offset int
}

// String returns "filename:line:column".
func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Filename, p.Line, p.Column)
}

// IsValid returns true if the position is valid (has a non-zero line number).
func (p Position) IsValid() bool {
	return p.Line > 0
}

// Error is a syntax or resolution error at a position in the source.
type Error struct {
	Pos Position
	Msg string
}

func (e *Error) Error() string {
	if !e.Pos.IsValid() {
		return e.Msg
	}
	return e.Pos.String() + ": " + e.Msg
}
