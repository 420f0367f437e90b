// Package expr implements the boolean condition language used by IF_ELSE, LOOP and CRITIQUE steps.
//
// A condition is compiled once when a definition is loaded and evaluated many times
// against a run's payload:
//
//	payload.tension > 5 && !payload.flagged
//	loop.revise >= 2 || payload.verdict == "ok"
package expr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc resolves an identifier path such as "payload.tension".
type LookupFunc func(path string) (any, bool)

var (
	// ErrSyntax indicates the condition could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrUnknownIdentifier indicates a referenced value is not in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates operands of incompatible types.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Condition is a compiled expression.
type Condition struct {
	source string
	root   node
}

// String returns the source text.
func (c *Condition) String() string { return c.source }

// Compile parses src. It does not resolve identifiers.
func Compile(src string) (*Condition, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrSyntax)
	}
	p := &parser{lex: &lexer{input: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.cur.text, p.cur.pos)
	}
	return &Condition{source: src, root: root}, nil
}

// Eval evaluates the condition. The result must be a boolean.
func (c *Condition) Eval(ctx context.Context, lookup LookupFunc) (bool, error) {
	if lookup == nil {
		return false, fmt.Errorf("%w: no lookup scope", ErrUnknownIdentifier)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v, err := c.root.eval(lookup)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q yields %T, not bool", ErrTypeMismatch, c.source, v)
	}
	return b, nil
}

// Identifiers returns every identifier path referenced by the condition.
func (c *Condition) Identifiers() []string {
	var out []string
	c.root.walk(func(n node) {
		if id, ok := n.(identNode); ok {
			out = append(out, string(id))
		}
	})
	return out
}

// Evaluate compiles and evaluates src in one call.
func Evaluate(ctx context.Context, src string, lookup LookupFunc) (bool, error) {
	c, err := Compile(src)
	if err != nil {
		return false, err
	}
	return c.Eval(ctx, lookup)
}

// MapLookup resolves dotted paths against nested maps rooted at scope.
// "payload.a.b" reads scope["payload"]["a"]["b"].
func MapLookup(scope map[string]any) LookupFunc {
	return func(path string) (any, bool) {
		var cur any = scope
		for _, seg := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[seg]
			if !ok {
				return nil, false
			}
		}
		return cur, true
	}
}

// --- nodes ---

type node interface {
	eval(LookupFunc) (any, error)
	walk(func(node))
}

type literalNode struct{ v any }

func (n literalNode) eval(LookupFunc) (any, error) { return n.v, nil }
func (n literalNode) walk(f func(node))            { f(n) }

type identNode string

func (n identNode) eval(lookup LookupFunc) (any, error) {
	v, ok := lookup(string(n))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, string(n))
	}
	return v, nil
}
func (n identNode) walk(f func(node)) { f(n) }

type notNode struct{ x node }

func (n notNode) eval(lookup LookupFunc) (any, error) {
	v, err := n.x.eval(lookup)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: ! applied to %T", ErrTypeMismatch, v)
	}
	return !b, nil
}
func (n notNode) walk(f func(node)) { f(n); n.x.walk(f) }

type logicalNode struct {
	op          tokenType
	left, right node
}

func (n logicalNode) eval(lookup LookupFunc) (any, error) {
	l, err := evalBool(n.left, lookup)
	if err != nil {
		return nil, err
	}
	if n.op == tokAnd && !l {
		return false, nil
	}
	if n.op == tokOr && l {
		return true, nil
	}
	return evalBool(n.right, lookup)
}
func (n logicalNode) walk(f func(node)) { f(n); n.left.walk(f); n.right.walk(f) }

func evalBool(n node, lookup LookupFunc) (bool, error) {
	v, err := n.eval(lookup)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool operand, got %T", ErrTypeMismatch, v)
	}
	return b, nil
}

type compareNode struct {
	op          tokenType
	left, right node
}

func (n compareNode) walk(f func(node)) { f(n); n.left.walk(f); n.right.walk(f) }

func (n compareNode) eval(lookup LookupFunc) (any, error) {
	l, err := n.left.eval(lookup)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(lookup)
	if err != nil {
		return nil, err
	}

	if lf, lok := toFloat(l); lok {
		if rf, rok := toFloat(r); rok {
			return compareOrdered(n.op, lf, rf), nil
		}
	}
	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			return compareOrdered(n.op, ls, rs), nil
		}
	}

	switch n.op {
	case tokEq:
		return equalLoose(l, r), nil
	case tokNeq:
		return !equalLoose(l, r), nil
	}
	return nil, fmt.Errorf("%w: cannot order %T and %T", ErrTypeMismatch, l, r)
}

func compareOrdered[T float64 | string](op tokenType, l, r T) bool {
	switch op {
	case tokEq:
		return l == r
	case tokNeq:
		return l != r
	case tokGt:
		return l > r
	case tokGte:
		return l >= r
	case tokLt:
		return l < r
	default:
		return l <= r
	}
}

func equalLoose(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if lok && rok {
		return lb == rb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// --- lexer ---

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNeq
	tokGt
	tokGte
	tokLt
	tokLte
	tokLParen
	tokRParen
	tokMinus
)

type token struct {
	typ  tokenType
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

var twoCharOps = map[string]tokenType{
	"&&": tokAnd, "||": tokOr, "==": tokEq, "!=": tokNeq, ">=": tokGte, "<=": tokLte,
}

var oneCharOps = map[byte]tokenType{
	'!': tokNot, '>': tokGt, '<': tokLt, '(': tokLParen, ')': tokRParen, '-': tokMinus,
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && strings.ContainsRune(" \t\r\n", rune(l.input[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.input) {
		return token{typ: tokEOF, pos: start}, nil
	}
	if l.pos+2 <= len(l.input) {
		if typ, ok := twoCharOps[l.input[l.pos:l.pos+2]]; ok {
			l.pos += 2
			return token{typ: typ, text: l.input[start:l.pos], pos: start}, nil
		}
	}
	ch := l.input[l.pos]
	if typ, ok := oneCharOps[ch]; ok {
		l.pos++
		return token{typ: typ, text: string(ch), pos: start}, nil
	}
	switch {
	case ch == '"' || ch == '\'':
		return l.scanString(ch)
	case ch >= '0' && ch <= '9':
		for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{typ: tokNumber, text: l.input[start:l.pos], pos: start}, nil
	case isIdentStart(ch):
		for l.pos < len(l.input) && (isIdentStart(l.input[l.pos]) || isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		text := l.input[start:l.pos]
		switch text {
		case "true":
			return token{typ: tokTrue, text: text, pos: start}, nil
		case "false":
			return token{typ: tokFalse, text: text, pos: start}, nil
		case "null":
			return token{typ: tokNull, text: text, pos: start}, nil
		}
		if strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
			return token{}, fmt.Errorf("%w: malformed identifier %q", ErrSyntax, text)
		}
		return token{typ: tokIdent, text: text, pos: start}, nil
	}
	return token{}, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, ch, start)
}

func (l *lexer) scanString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.pos++
		switch {
		case ch == '\\' && l.pos < len(l.input):
			sb.WriteByte(l.input[l.pos])
			l.pos++
		case ch == quote:
			return token{typ: tokString, text: sb.String(), pos: start}, nil
		default:
			sb.WriteByte(ch)
		}
	}
	return token{}, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

// --- parser ---
//
//	or      := and ( "||" and )*
//	and     := unary ( "&&" unary )*
//	unary   := "!" unary | compare
//	compare := operand ( op operand )?
//	operand := literal | ident | "-" number | "(" or ")"

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.cur.typ == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch op := p.cur.typ; op {
	case tokEq, tokNeq, tokGt, tokGte, tokLt, tokLte:
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.cur
	switch t.typ {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.typ != tokRParen {
			return nil, fmt.Errorf("%w: missing ) at offset %d", ErrSyntax, p.cur.pos)
		}
		return inner, p.advance()
	case tokIdent:
		return identNode(t.text), p.advance()
	case tokString:
		return literalNode{v: t.text}, p.advance()
	case tokTrue, tokFalse:
		return literalNode{v: t.typ == tokTrue}, p.advance()
	case tokNull:
		return literalNode{v: nil}, p.advance()
	case tokNumber, tokMinus:
		sign := 1.0
		if t.typ == tokMinus {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.typ != tokNumber {
				return nil, fmt.Errorf("%w: '-' must precede a number at offset %d", ErrSyntax, t.pos)
			}
			sign = -1
		}
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, p.cur.text)
		}
		return literalNode{v: sign * f}, p.advance()
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of condition", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
}
