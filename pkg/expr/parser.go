package expr

import (
	"strconv"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
)

// Precedence, lowest first:
//
//	or
//	and
//	not
//	== != < <= > >=
//	+ -
//	* /
//	unary -
//	literal, field, ( ... )
type parser struct {
	src  string
	toks []token
	i    int
}

func parse(src string) (Node, error) {
	lx := &lexer{src: src}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, p.errorAt(p.peek(), "empty expression")
	}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorAt(tok, "unexpected %s", describe(tok))
	}
	return root, nil
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) advance() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) errorAt(tok token, format string, args ...any) error {
	return pqerrors.New(pqerrors.KindSyntaxError, format, args...).WithFormula(p.src, tok.pos)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: OpOr, Left: left, Right: right, opPos: op.pos}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: OpAnd, Left: left, Right: right, opPos: op.pos}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().kind == tokNot {
		op := p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: OpNot, Operand: operand, pos: op.pos}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[tokenKind]Op{
	tokEq: OpEq,
	tokNe: OpNe,
	tokLt: OpLt,
	tokLe: OpLe,
	tokGt: OpGt,
	tokGe: OpGe,
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := comparisonOps[p.peek().kind]
		if !ok {
			return left, nil
		}
		tok := p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right, opPos: tok.pos}
	}
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op Op
		switch p.peek().kind {
		case tokPlus:
			op = OpAdd
		case tokMinus:
			op = OpSub
		default:
			return left, nil
		}
		tok := p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right, opPos: tok.pos}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op Op
		switch p.peek().kind {
		case tokStar:
			op = OpMul
		case tokSlash:
			op = OpDiv
		default:
			return left, nil
		}
		tok := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryOp{Op: op, Left: left, Right: right, opPos: tok.pos}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().kind == tokMinus {
		op := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: OpNeg, Operand: operand, pos: op.pos}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokInt:
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorAt(tok, "invalid integer literal %s", tok.text)
		}
		return &Literal{Value: record.Int(i), pos: tok.pos}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorAt(tok, "invalid number literal %s", tok.text)
		}
		return &Literal{Value: record.Float(f), pos: tok.pos}, nil
	case tokString:
		return &Literal{Value: record.String(tok.text), pos: tok.pos}, nil
	case tokTrue:
		return &Literal{Value: record.Bool(true), pos: tok.pos}, nil
	case tokFalse:
		return &Literal{Value: record.Bool(false), pos: tok.pos}, nil
	case tokNull:
		return &Literal{Value: record.Null, pos: tok.pos}, nil
	case tokIdent:
		return &FieldRef{Name: tok.text, pos: tok.pos}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.peek(); closing.kind != tokRParen {
			return nil, p.errorAt(closing, "expected ')' to close '(' at position %d, found %s", tok.pos, describe(closing))
		}
		p.advance()
		return inner, nil
	default:
		return nil, p.errorAt(tok, "unexpected %s", describe(tok))
	}
}

func describe(tok token) string {
	switch tok.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return strconv.Quote(tok.text)
	default:
		return "'" + tok.text + "'"
	}
}
