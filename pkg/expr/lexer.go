package expr

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokFloat
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNull
	tokAnd
	tokOr
	tokNot
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	// pos is the 1-based byte offset of the first character.
	pos int
}

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"true":  tokTrue,
	"false": tokFalse,
	"null":  tokNull,
}

type lexer struct {
	src string
	off int
}

func (l *lexer) syntaxError(pos int, format string, args ...any) error {
	return pqerrors.New(pqerrors.KindSyntaxError, format, args...).WithFormula(l.src, pos)
}

// tokens splits the whole input up front; formulas are short.
func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.off < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.off:])
		if !unicode.IsSpace(r) {
			break
		}
		l.off += size
	}
	start := l.off
	pos := start + 1
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: pos}, nil
	}

	c := l.src[l.off]
	switch {
	case isDigit(c) || (c == '.' && l.off+1 < len(l.src) && isDigit(l.src[l.off+1])):
		return l.number()
	case c == '"' || c == '\'':
		return l.str()
	case c == '_' || isLetter(c):
		for l.off < len(l.src) && (l.src[l.off] == '_' || isLetter(l.src[l.off]) || isDigit(l.src[l.off])) {
			l.off++
		}
		word := l.src[start:l.off]
		if kind, ok := keywords[strings.ToLower(word)]; ok {
			return token{kind: kind, text: word, pos: pos}, nil
		}
		return token{kind: tokIdent, text: word, pos: pos}, nil
	}

	two := ""
	if l.off+1 < len(l.src) {
		two = l.src[l.off : l.off+2]
	}
	switch two {
	case "==":
		l.off += 2
		return token{kind: tokEq, text: two, pos: pos}, nil
	case "!=":
		l.off += 2
		return token{kind: tokNe, text: two, pos: pos}, nil
	case "<=":
		l.off += 2
		return token{kind: tokLe, text: two, pos: pos}, nil
	case ">=":
		l.off += 2
		return token{kind: tokGe, text: two, pos: pos}, nil
	case "&&":
		l.off += 2
		return token{kind: tokAnd, text: two, pos: pos}, nil
	case "||":
		l.off += 2
		return token{kind: tokOr, text: two, pos: pos}, nil
	}

	var kind tokenKind
	switch c {
	case '+':
		kind = tokPlus
	case '-':
		kind = tokMinus
	case '*':
		kind = tokStar
	case '/':
		kind = tokSlash
	case '<':
		kind = tokLt
	case '>':
		kind = tokGt
	case '!':
		kind = tokNot
	case '(':
		kind = tokLParen
	case ')':
		kind = tokRParen
	default:
		r, _ := utf8.DecodeRuneInString(l.src[l.off:])
		return token{}, l.syntaxError(pos, "unexpected character %q", r)
	}
	l.off++
	return token{kind: kind, text: string(c), pos: pos}, nil
}

func (l *lexer) number() (token, error) {
	start := l.off
	isFloat := false
	for l.off < len(l.src) && isDigit(l.src[l.off]) {
		l.off++
	}
	if l.off < len(l.src) && l.src[l.off] == '.' {
		isFloat = true
		l.off++
		for l.off < len(l.src) && isDigit(l.src[l.off]) {
			l.off++
		}
	}
	if l.off < len(l.src) && (l.src[l.off] == 'e' || l.src[l.off] == 'E') {
		isFloat = true
		l.off++
		if l.off < len(l.src) && (l.src[l.off] == '+' || l.src[l.off] == '-') {
			l.off++
		}
		if l.off >= len(l.src) || !isDigit(l.src[l.off]) {
			return token{}, l.syntaxError(l.off+1, "malformed exponent in number %q", l.src[start:l.off])
		}
		for l.off < len(l.src) && isDigit(l.src[l.off]) {
			l.off++
		}
	}
	if l.off < len(l.src) && (isLetter(l.src[l.off]) || l.src[l.off] == '_') {
		return token{}, l.syntaxError(l.off+1, "unexpected character %q after number", l.src[l.off])
	}

	text := l.src[start:l.off]
	if isFloat {
		return token{kind: tokFloat, text: text, pos: start + 1}, nil
	}
	if _, err := strconv.ParseInt(text, 10, 64); err != nil {
		return token{}, l.syntaxError(start+1, "integer literal %s out of range", text)
	}
	return token{kind: tokInt, text: text, pos: start + 1}, nil
}

func (l *lexer) str() (token, error) {
	start := l.off
	quote := l.src[l.off]
	l.off++

	var sb strings.Builder
	for l.off < len(l.src) {
		c := l.src[l.off]
		switch {
		case c == quote:
			l.off++
			return token{kind: tokString, text: sb.String(), pos: start + 1}, nil
		case c == '\\':
			if l.off+1 >= len(l.src) {
				return token{}, l.syntaxError(start+1, "unterminated string literal")
			}
			switch esc := l.src[l.off+1]; esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '"', '\'':
				sb.WriteByte(esc)
			default:
				return token{}, l.syntaxError(l.off+1, "unknown escape sequence \\%c", esc)
			}
			l.off += 2
		default:
			sb.WriteByte(c)
			l.off++
		}
	}
	return token{}, l.syntaxError(start+1, "unterminated string literal")
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
