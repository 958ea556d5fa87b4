package irtext

// TokenType represents the type of a token.
//
// DESIGN CHOICE: We use an int-based enum (via iota) rather than strings because:
// - Faster comparisons
// - Type safety (compiler catches typos)
//
// Keywords are not separate token types: mnemonics such as "call" or "load"
// are plain words and the parser decides what they mean from position.
type TokenType int

const (
	// TokenEOF marks the end of the input.
	TokenEOF TokenType = iota

	// TokenInvalid represents a lexical error; Lexeme holds the offending text.
	TokenInvalid

	// TokenWord is a bare word: a mnemonic, type name, attribute or label.
	TokenWord

	// TokenLocal is a %-prefixed name. Lexeme excludes the sigil.
	TokenLocal

	// TokenGlobal is an @-prefixed name. Lexeme excludes the sigil.
	TokenGlobal

	// TokenMetadata is a !-prefixed metadata kind. Lexeme excludes the sigil.
	TokenMetadata

	// TokenNumber is a decimal integer, possibly negative.
	TokenNumber

	// TokenString is a double-quoted string. Lexeme is the unquoted text.
	TokenString

	// Punctuation
	TokenLeftParen    // (
	TokenRightParen   // )
	TokenLeftBrace    // {
	TokenRightBrace   // }
	TokenLeftBracket  // [
	TokenRightBracket // ]
	TokenComma        // ,
	TokenEqual        // =
	TokenColon        // :
	TokenStar         // *
)

var tokenNames = [...]string{
	TokenEOF:          "EOF",
	TokenInvalid:      "INVALID",
	TokenWord:         "WORD",
	TokenLocal:        "LOCAL",
	TokenGlobal:       "GLOBAL",
	TokenMetadata:     "METADATA",
	TokenNumber:       "NUMBER",
	TokenString:       "STRING",
	TokenLeftParen:    "(",
	TokenRightParen:   ")",
	TokenLeftBrace:    "{",
	TokenRightBrace:   "}",
	TokenLeftBracket:  "[",
	TokenRightBracket: "]",
	TokenComma:        ",",
	TokenEqual:        "=",
	TokenColon:        ":",
	TokenStar:         "*",
}

// String returns the string representation of a token type.
func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "UNKNOWN"
}

// Token represents a lexical token.
type Token struct {
	// Type is the token type.
	Type TokenType

	// Lexeme is the text of the token, without sigils or quotes.
	Lexeme string

	// Position is where this token appears in the source.
	Position Position
}

// String returns "TYPE(lexeme) at position".
func (t Token) String() string {
	return t.Type.String() + "(" + t.Lexeme + ") at " + t.Position.String()
}

// describe renders a token for "expected X, found Y" messages.
func (t Token) describe() string {
	switch t.Type {
	case TokenEOF:
		return "end of input"
	case TokenLocal:
		return "%" + t.Lexeme
	case TokenGlobal:
		return "@" + t.Lexeme
	case TokenMetadata:
		return "!" + t.Lexeme
	case TokenString:
		return `"` + t.Lexeme + `"`
	default:
		return "'" + t.Lexeme + "'"
	}
}
