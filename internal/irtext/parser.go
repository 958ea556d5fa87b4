package irtext

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

// Parse reads a module from its textual form and verifies it.
//
// Calls to functions that were never declared create an implicit declaration
// whose signature is taken from the call site.
func Parse(src, filename string) (m *ir.Module, err error) {
	p := &parser{
		lex:    NewLexer(src, filename),
		module: ir.NewModule(filename),
	}
	p.b = ir.NewBuilder(p.module)

	// Errors unwind the recursive descent; everything else is a bug.
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			m, err = nil, perr
		}
	}()

	p.next()
	p.parseModule()

	if errs := p.b.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", filename, errors.Join(errs...))
	}
	if errs := p.module.Verify(); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", filename, errors.Join(errs...))
	}
	return p.module, nil
}

// ParseString is Parse with a placeholder filename.
func ParseString(src string) (*ir.Module, error) {
	return Parse(src, "<input>")
}

// MustParse is like ParseString but panics on error.
func MustParse(src string) *ir.Module {
	m, err := ParseString(src)
	if err != nil {
		panic(err)
	}
	return m
}

type parser struct {
	lex    *Lexer
	tok    Token
	module *ir.Module
	b      *ir.Builder

	// Per-function state
	fn      *ir.Function
	values  map[string]*ir.Value
	pending map[string]Token // forward-referenced values and their first use
	blocks  map[string]*ir.BasicBlock
	refs    map[string]Token // forward-referenced labels and their first use
	order   []*ir.BasicBlock
}

func (p *parser) next() {
	tok, err := p.lex.NextToken()
	if err != nil {
		panic(err)
	}
	p.tok = tok
}

func (p *parser) failAt(tok Token, format string, args ...interface{}) {
	panic(&Error{Pos: tok.Position, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) fail(format string, args ...interface{}) {
	p.failAt(p.tok, format, args...)
}

func (p *parser) expect(typ TokenType) Token {
	tok := p.tok
	if tok.Type != typ {
		p.fail("expected %s, found %s", typ, tok.describe())
	}
	p.next()
	return tok
}

func (p *parser) isWord(word string) bool {
	return p.tok.Type == TokenWord && p.tok.Lexeme == word
}

func (p *parser) expectWord(word string) {
	if !p.isWord(word) {
		p.fail("expected '%s', found %s", word, p.tok.describe())
	}
	p.next()
}

// parseModule parses top-level declarations until end of input.
func (p *parser) parseModule() {
	for p.tok.Type != TokenEOF {
		switch {
		case p.isWord("declare"):
			p.parseDeclare()
		case p.isWord("global"):
			p.parseGlobal()
		case p.isWord("func"):
			p.parseFunc()
		default:
			p.fail("expected 'declare', 'global' or 'func', found %s", p.tok.describe())
		}
	}
}

// declare @name(types...) type attrs...
func (p *parser) parseDeclare() {
	p.next()
	name := p.expect(TokenGlobal).Lexeme
	p.expect(TokenLeftParen)
	var params []types.Type
	for p.tok.Type != TokenRightParen {
		if len(params) > 0 {
			p.expect(TokenComma)
		}
		params = append(params, p.parseType())
	}
	p.next()
	ret := p.parseType()
	attrs := p.parseAttrs()

	v := p.module.Declare(name, types.NewFunction(params, ret), attrs)
	v.Attrs |= attrs
}

// global @name type [constant]
func (p *parser) parseGlobal() {
	p.next()
	name := p.expect(TokenGlobal).Lexeme
	content := p.parseType()
	attrs := p.parseAttrs()
	p.module.AddGlobal(name, content, attrs)
}

// func @name(type %param, ...) type { blocks... }
func (p *parser) parseFunc() {
	p.next()
	name := p.expect(TokenGlobal).Lexeme
	p.expect(TokenLeftParen)

	var params []ir.Param
	for p.tok.Type != TokenRightParen {
		if len(params) > 0 {
			p.expect(TokenComma)
		}
		typ := p.parseType()
		params = append(params, ir.Param{Name: p.expect(TokenLocal).Lexeme, Type: typ})
	}
	p.next()
	ret := p.parseType()
	p.expect(TokenLeftBrace)

	p.fn = p.b.BeginFunction(name, ret, params...)
	p.values = make(map[string]*ir.Value)
	p.pending = make(map[string]Token)
	p.blocks = make(map[string]*ir.BasicBlock)
	p.refs = make(map[string]Token)
	p.order = nil
	for _, param := range p.fn.Parameters {
		if _, dup := p.values[param.Name]; dup {
			p.fail("duplicate parameter %%%s", param.Name)
		}
		p.values[param.Name] = param
	}

	for p.tok.Type != TokenRightBrace {
		p.parseBlock()
	}
	p.next()
	p.finishFunc()
}

func (p *parser) finishFunc() {
	for _, tok := range p.pending {
		p.failAt(tok, "undefined value %%%s", tok.Lexeme)
	}
	for _, tok := range p.refs {
		p.failAt(tok, "undefined label %s", tok.Lexeme)
	}
	if len(p.order) == 0 {
		p.fail("function @%s has no blocks", p.fn.Name)
	}

	// Lay blocks out in definition order.
	p.fn.Blocks = p.order
	for i, bb := range p.fn.Blocks {
		bb.Index = i
	}
	p.fn = nil
}

// label: instructions... terminator
func (p *parser) parseBlock() {
	label := p.expect(TokenWord)
	p.expect(TokenColon)

	var bb *ir.BasicBlock
	if len(p.order) == 0 {
		bb = p.fn.Entry
		bb.Label = label.Lexeme
		p.blocks[label.Lexeme] = bb
	} else {
		if existing, ok := p.blocks[label.Lexeme]; ok {
			if _, forward := p.refs[label.Lexeme]; !forward {
				p.failAt(label, "duplicate label %s", label.Lexeme)
			}
			delete(p.refs, label.Lexeme)
			bb = existing
		} else {
			bb = p.fn.NewBasicBlockInFunc(label.Lexeme)
			p.blocks[label.Lexeme] = bb
		}
	}
	p.order = append(p.order, bb)
	p.b.SetInsertBlock(bb)

	for p.tok.Type != TokenRightBrace {
		if p.parseInstruction() {
			break
		}
	}
}

// blockRef returns the block named by the current token, creating it if it
// has not been defined yet.
func (p *parser) blockRef() *ir.BasicBlock {
	tok := p.expect(TokenWord)
	if bb, ok := p.blocks[tok.Lexeme]; ok {
		return bb
	}
	bb := p.fn.NewBasicBlockInFunc(tok.Lexeme)
	p.blocks[tok.Lexeme] = bb
	p.refs[tok.Lexeme] = tok
	return bb
}

// parseInstruction parses one instruction and reports whether it was a terminator.
func (p *parser) parseInstruction() bool {
	var instr ir.Instruction

	switch {
	case p.tok.Type == TokenLocal:
		name := p.tok
		p.next()
		p.expect(TokenEqual)
		instr = p.parseAssignment(name)

	case p.isWord("call"), p.isWord("tail"):
		instr = p.parseCall(nil)

	case p.isWord("store"):
		p.next()
		value := p.parseValue(nil)
		p.expect(TokenComma)
		address := p.parseValue(nil)
		instr = p.b.Store(value, address)

	case p.isWord("jump"):
		p.next()
		p.b.Jump(p.blockRef())
		return true

	case p.isWord("branch"):
		p.next()
		cond := p.parseValue(types.I1)
		p.expect(TokenComma)
		t := p.blockRef()
		p.expect(TokenComma)
		f := p.blockRef()
		p.b.Branch(cond, t, f)
		return true

	case p.isWord("return"):
		p.next()
		var value *ir.Value
		if p.isValueStart() {
			value = p.parseValue(p.fn.ReturnType)
		}
		p.b.Return(value)
		return true

	default:
		p.fail("expected an instruction, found %s", p.tok.describe())
	}

	p.parseMetadata(instr)
	return false
}

// parseAssignment parses the right-hand side of "%name = ...".
func (p *parser) parseAssignment(name Token) ir.Instruction {
	if p.isWord("call") || p.isWord("tail") {
		return p.parseCall(&name)
	}

	op := p.expect(TokenWord)
	switch op.Lexeme {
	case "load":
		address := p.parseValue(nil)
		typ := types.Elem(address.Type)
		if typ == types.Invalid {
			typ = types.Object
		}
		return p.b.Insert(&ir.Load{Dest: p.define(name, typ), Address: address})

	case "gep":
		base := p.parseValue(nil)
		p.expect(TokenComma)
		index := p.parseValue(types.I64)
		return p.b.Insert(&ir.GetElementPtr{Dest: p.define(name, base.Type), Base: base, Index: index})

	case "alloca":
		typ := p.parseType()
		return p.b.Insert(&ir.Alloca{Dest: p.define(name, types.NewPointer(typ)), Type: typ})

	case "phi":
		typ := p.parseType()
		phi := &ir.Phi{}
		for {
			p.expect(TokenLeftBracket)
			value := p.parseValue(typ)
			p.expect(TokenComma)
			block := p.blockRef()
			p.expect(TokenRightBracket)
			phi.Incoming = append(phi.Incoming, ir.PhiIncoming{Value: value, Block: block})
			if p.tok.Type != TokenComma {
				break
			}
			p.next()
		}
		phi.Dest = p.define(name, typ)
		return p.b.Insert(phi)
	}

	if castOp, ok := ir.ParseCastOperator(op.Lexeme); ok {
		value := p.parseValue(nil)
		p.expectWord("to")
		typ := p.parseType()
		return p.b.Insert(&ir.Cast{Op: castOp, Dest: p.define(name, typ), Value: value})
	}

	if binOp, ok := ir.ParseBinaryOperator(op.Lexeme); ok {
		left := p.parseValue(nil)
		p.expect(TokenComma)
		right := p.parseValue(left.Type)
		typ := left.Type
		if binOp >= ir.OpEq && binOp <= ir.OpGe {
			typ = types.I1
		}
		return p.b.Insert(&ir.BinaryOp{Op: binOp, Dest: p.define(name, typ), Left: left, Right: right})
	}

	p.failAt(op, "unknown instruction '%s'", op.Lexeme)
	return nil
}

// [tail] call type callee(args...) attrs...
func (p *parser) parseCall(name *Token) ir.Instruction {
	tail := false
	if p.isWord("tail") {
		tail = true
		p.next()
	}
	p.expectWord("call")
	ret := p.parseType()

	calleeTok := p.tok
	var callee *ir.Value
	switch calleeTok.Type {
	case TokenGlobal:
		p.next()
		callee = p.module.Lookup(calleeTok.Lexeme)
	case TokenLocal:
		p.next()
		callee = p.local(calleeTok)
	default:
		p.fail("expected a callee, found %s", calleeTok.describe())
	}

	var sig *types.FunctionType
	if callee != nil {
		sig, _ = types.Elem(callee.Type).(*types.FunctionType)
	}

	p.expect(TokenLeftParen)
	var args []*ir.Value
	for p.tok.Type != TokenRightParen {
		if len(args) > 0 {
			p.expect(TokenComma)
		}
		var want types.Type
		if sig != nil && len(args) < len(sig.Parameters) {
			want = sig.Parameters[len(args)]
		}
		args = append(args, p.parseValue(want))
	}
	p.next()

	if callee == nil {
		params := make([]types.Type, len(args))
		for i, arg := range args {
			params[i] = arg.Type
			if params[i] == nil {
				params[i] = types.Object
			}
		}
		callee = p.module.Declare(calleeTok.Lexeme, types.NewFunction(params, ret), 0)
	}

	call := &ir.Call{Callee: callee, Args: args, Tail: tail, Attrs: p.parseAttrs()}
	if name != nil {
		if types.IsVoid(ret) {
			p.failAt(*name, "void call cannot define %%%s", name.Lexeme)
		}
		call.Dest = p.define(*name, ret)
	}
	return p.b.Insert(call)
}

func (p *parser) parseAttrs() ir.Attr {
	var attrs ir.Attr
	for p.tok.Type == TokenWord {
		attr, ok := ir.ParseAttr(p.tok.Lexeme)
		if !ok {
			break
		}
		attrs |= attr
		p.next()
	}
	return attrs
}

// !kind ["value"] ...
func (p *parser) parseMetadata(instr ir.Instruction) {
	for p.tok.Type == TokenMetadata {
		kind := p.tok.Lexeme
		p.next()
		value := ""
		if p.tok.Type == TokenString {
			value = p.tok.Lexeme
			p.next()
		}
		instr.SetMetadata(kind, value)
	}
}

// parseType parses void, iN and any number of trailing '*'.
func (p *parser) parseType() types.Type {
	tok := p.expect(TokenWord)

	var typ types.Type
	switch {
	case tok.Lexeme == "void":
		typ = types.Void
	case strings.HasPrefix(tok.Lexeme, "i"):
		bits, err := strconv.Atoi(tok.Lexeme[1:])
		if err != nil {
			p.failAt(tok, "unknown type '%s'", tok.Lexeme)
		}
		it := types.IntOfWidth(bits)
		if it == nil {
			p.failAt(tok, "unsupported integer width %d", bits)
		}
		typ = it
	default:
		p.failAt(tok, "unknown type '%s'", tok.Lexeme)
	}

	for p.tok.Type == TokenStar {
		p.next()
		typ = types.NewPointer(typ)
	}
	return typ
}

func (p *parser) isValueStart() bool {
	switch p.tok.Type {
	case TokenLocal, TokenGlobal, TokenNumber:
		return true
	case TokenWord:
		switch p.tok.Lexeme {
		case "null", "undef", "true", "false":
			return true
		}
	}
	return false
}

// parseValue parses an operand. expected types untyped literals; it may be nil.
func (p *parser) parseValue(expected types.Type) *ir.Value {
	tok := p.tok
	switch tok.Type {
	case TokenLocal:
		p.next()
		return p.local(tok)

	case TokenGlobal:
		p.next()
		v := p.module.Lookup(tok.Lexeme)
		if v == nil {
			p.failAt(tok, "undefined global @%s", tok.Lexeme)
		}
		return v

	case TokenNumber:
		p.next()
		n, err := strconv.ParseInt(tok.Lexeme, 10, 64)
		if err != nil {
			p.failAt(tok, "malformed number %s", tok.Lexeme)
		}
		typ := expected
		if _, ok := typ.(*types.IntType); !ok {
			typ = types.I64
		}
		return ir.ConstInt(typ, n)

	case TokenWord:
		typ := expected
		if !types.IsPointer(typ) {
			typ = types.Object
		}
		switch tok.Lexeme {
		case "null":
			p.next()
			return ir.Null(typ)
		case "undef":
			p.next()
			if expected != nil {
				typ = expected
			}
			return ir.Undef(typ)
		case "true", "false":
			p.next()
			return ir.ConstBool(tok.Lexeme == "true")
		}
	}

	p.fail("expected a value, found %s", tok.describe())
	return nil
}

// local resolves %name, creating a placeholder for forward references.
func (p *parser) local(tok Token) *ir.Value {
	if v, ok := p.values[tok.Lexeme]; ok {
		return v
	}
	v := p.fn.NewValue(tok.Lexeme, nil, ir.ValueTemporary)
	p.values[tok.Lexeme] = v
	p.pending[tok.Lexeme] = tok
	return v
}

// define returns the value named by tok, filling in a forward reference if one exists.
func (p *parser) define(tok Token, typ types.Type) *ir.Value {
	if v, ok := p.values[tok.Lexeme]; ok {
		if _, forward := p.pending[tok.Lexeme]; !forward {
			p.failAt(tok, "redefinition of %%%s", tok.Lexeme)
		}
		delete(p.pending, tok.Lexeme)
		v.Type = typ
		return v
	}
	v := p.fn.NewValue(tok.Lexeme, typ, ir.ValueTemporary)
	p.values[tok.Lexeme] = v
	return v
}
