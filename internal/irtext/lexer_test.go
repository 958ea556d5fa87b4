package irtext

import (
	"testing"
)

func TestLexer_Tokens(t *testing.T) {
	source := `%x = tail call i8* @objc_retain(%0) nounwind !clang.imprecise_release "" ; comment
if.then: [-1, 42]`
	l := NewLexer(source, "test.ir")

	expected := []struct {
		typ    TokenType
		lexeme string
	}{
		{TokenLocal, "x"},
		{TokenEqual, "="},
		{TokenWord, "tail"},
		{TokenWord, "call"},
		{TokenWord, "i8"},
		{TokenStar, "*"},
		{TokenGlobal, "objc_retain"},
		{TokenLeftParen, "("},
		{TokenLocal, "0"},
		{TokenRightParen, ")"},
		{TokenWord, "nounwind"},
		{TokenMetadata, "clang.imprecise_release"},
		{TokenString, ""},
		{TokenWord, "if.then"},
		{TokenColon, ":"},
		{TokenLeftBracket, "["},
		{TokenNumber, "-1"},
		{TokenComma, ","},
		{TokenNumber, "42"},
		{TokenRightBracket, "]"},
		{TokenEOF, ""},
	}

	for i, want := range expected {
		token, err := l.NextToken()
		if err != nil {
			t.Fatalf("token %d: unexpected error: %v", i, err)
		}
		if token.Type != want.typ || token.Lexeme != want.lexeme {
			t.Errorf("token %d: expected %v(%q), got %v(%q)", i, want.typ, want.lexeme, token.Type, token.Lexeme)
		}
	}
}

func TestLexer_Positions(t *testing.T) {
	l := NewLexer("entry:\n  return", "f.ir")

	want := []Position{
		{Filename: "f.ir", Line: 1, Column: 1, Offset: 0},
		{Filename: "f.ir", Line: 1, Column: 6, Offset: 5},
		{Filename: "f.ir", Line: 2, Column: 3, Offset: 9},
	}
	for i, pos := range want {
		token, err := l.NextToken()
		if err != nil {
			t.Fatalf("token %d: unexpected error: %v", i, err)
		}
		if token.Position != pos {
			t.Errorf("token %d: expected %v, got %v", i, pos, token.Position)
		}
	}
}

func TestLexer_Errors(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"#", `t.ir:1:1: unexpected character '#'`},
		{"% x", `t.ir:1:1: expected a name after "%"`},
		{`"abc`, `t.ir:1:1: unterminated string`},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			l := NewLexer(tt.source, "t.ir")
			token, err := l.NextToken()
			if err == nil {
				t.Fatalf("expected an error, got %v", token)
			}
			if token.Type != TokenInvalid {
				t.Errorf("expected TokenInvalid, got %v", token.Type)
			}
			if err.Error() != tt.want {
				t.Errorf("expected %q, got %q", tt.want, err.Error())
			}
		})
	}
}
