package irtext

import (
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"
)

// Lexer converts IR text into a stream of tokens.
//
// DESIGN CHOICE: We use a struct with methods rather than a functional approach because:
// - State management is clearer (current position, line, column)
// - Error handling is simpler (errors can reference lexer state)
// - It matches Go idioms (similar to bufio.Scanner)
type Lexer struct {
	// source is the complete text being lexed.
	source string

	// filename is the name of the source file (for error reporting).
	filename string

	// start is the byte offset of the current token being scanned.
	start int

	// current is the byte offset we're currently examining.
	current int

	// line is the current line number (1-based).
	line int

	// lineStart is the byte offset where the current line started.
	// Used to calculate column numbers on demand.
	lineStart int
}

// NewLexer creates a new Lexer for the given source text.
func NewLexer(source, filename string) *Lexer {
	return &Lexer{
		source:   source,
		filename: filename,
		line:     1, // Lines are 1-based
	}
}

// NextToken returns the next token from the source.
//
// Errors are returned alongside a TokenInvalid token so the caller has a
// position to report.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespaceAndComments()

	// Mark the start of this token
	l.start = l.current

	if l.isAtEnd() {
		return l.makeToken(TokenEOF, ""), nil
	}

	ch := l.advance()

	switch {
	case isWordStart(ch):
		return l.scanWord(), nil
	case isDigit(ch) || (ch == '-' && isDigit(l.peek())):
		return l.scanNumber(), nil
	}

	switch ch {
	case '%':
		return l.scanSigil(TokenLocal)
	case '@':
		return l.scanSigil(TokenGlobal)
	case '!':
		return l.scanSigil(TokenMetadata)
	case '"':
		return l.scanString()
	case '(':
		return l.makeToken(TokenLeftParen, "("), nil
	case ')':
		return l.makeToken(TokenRightParen, ")"), nil
	case '{':
		return l.makeToken(TokenLeftBrace, "{"), nil
	case '}':
		return l.makeToken(TokenRightBrace, "}"), nil
	case '[':
		return l.makeToken(TokenLeftBracket, "["), nil
	case ']':
		return l.makeToken(TokenRightBracket, "]"), nil
	case ',':
		return l.makeToken(TokenComma, ","), nil
	case '=':
		return l.makeToken(TokenEqual, "="), nil
	case ':':
		return l.makeToken(TokenColon, ":"), nil
	case '*':
		return l.makeToken(TokenStar, "*"), nil
	}

	tok := l.makeToken(TokenInvalid, string(ch))
	return tok, &Error{Pos: tok.Position, Msg: fmt.Sprintf("unexpected character %q", ch)}
}

// advance reads and returns the next character, advancing the current position.
func (l *Lexer) advance() rune {
	if l.isAtEnd() {
		return 0
	}
	ch, size := utf8.DecodeRuneInString(l.source[l.current:])
	l.current += size
	return ch
}

// peek returns the current character without advancing.
// Returns 0 if at end of file.
func (l *Lexer) peek() rune {
	if l.isAtEnd() {
		return 0
	}
	ch, _ := utf8.DecodeRuneInString(l.source[l.current:])
	return ch
}

// isAtEnd returns true if we've consumed all the source text.
func (l *Lexer) isAtEnd() bool {
	return l.current >= len(l.source)
}

// skipWhitespaceAndComments skips blanks, newlines and ';' comments,
// tracking newlines for position information.
func (l *Lexer) skipWhitespaceAndComments() {
	for !l.isAtEnd() {
		switch l.peek() {
		case ' ', '\r', '\t':
			l.advance()
		case '\n':
			l.advance()
			l.line++
			l.lineStart = l.current
		case ';':
			for !l.isAtEnd() && l.peek() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

// scanWord scans a bare word such as a mnemonic, type or label.
func (l *Lexer) scanWord() Token {
	for !l.isAtEnd() && isWordChar(l.peek()) {
		l.advance()
	}
	return l.makeToken(TokenWord, l.source[l.start:l.current])
}

// scanSigil scans a %name, @name or !name. Names may start with a digit.
func (l *Lexer) scanSigil(typ TokenType) (Token, error) {
	nameStart := l.current
	for !l.isAtEnd() && isWordChar(l.peek()) {
		l.advance()
	}
	if l.current == nameStart {
		tok := l.makeToken(TokenInvalid, l.source[l.start:l.current])
		return tok, &Error{Pos: tok.Position, Msg: fmt.Sprintf("expected a name after %q", tok.Lexeme)}
	}
	return l.makeToken(typ, l.source[nameStart:l.current]), nil
}

// scanNumber scans a decimal integer. The leading '-' (if any) was consumed.
func (l *Lexer) scanNumber() Token {
	for !l.isAtEnd() && isDigit(l.peek()) {
		l.advance()
	}
	return l.makeToken(TokenNumber, l.source[l.start:l.current])
}

// scanString scans a double-quoted string with Go escape rules.
func (l *Lexer) scanString() (Token, error) {
	for !l.isAtEnd() {
		ch := l.advance()
		switch ch {
		case '\\':
			l.advance()
		case '\n':
			tok := l.makeToken(TokenInvalid, l.source[l.start:l.current])
			return tok, &Error{Pos: tok.Position, Msg: "newline in string"}
		case '"':
			raw := l.source[l.start:l.current]
			text, err := strconv.Unquote(raw)
			if err != nil {
				tok := l.makeToken(TokenInvalid, raw)
				return tok, &Error{Pos: tok.Position, Msg: fmt.Sprintf("malformed string %s", raw)}
			}
			return l.makeToken(TokenString, text), nil
		}
	}
	tok := l.makeToken(TokenInvalid, l.source[l.start:l.current])
	return tok, &Error{Pos: tok.Position, Msg: "unterminated string"}
}

// makeToken creates a token starting at l.start.
func (l *Lexer) makeToken(typ TokenType, lexeme string) Token {
	return Token{
		Type:   typ,
		Lexeme: lexeme,
		Position: Position{
			Filename: l.filename,
			Line:     l.line,
			Column:   utf8.RuneCountInString(l.source[l.lineStart:l.start]) + 1,
			Offset:   l.start,
		},
	}
}

func isWordStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isWordChar(ch rune) bool {
	return ch == '_' || ch == '.' || ch == '$' || unicode.IsLetter(ch) || isDigit(ch)
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}
