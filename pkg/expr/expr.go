// Package expr implements the restricted boolean expression language used by
// conditional steps. The grammar supports literals, dotted field lookups
// against a read-only context projection, comparisons and boolean logic.
// There is deliberately no function call syntax, no assignment and no access
// to anything beyond the projection handed to Evaluate.
package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

var ErrParse = errors.New("expression parse error")

// Expr is a parsed expression ready for evaluation.
type Expr struct {
	root   node
	source string
}

// Parse compiles the expression text. Parsing never evaluates anything.
func Parse(source string) (*Expr, error) {
	tokens, err := lex(source)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if !p.atEnd() {
		return nil, fmt.Errorf("%w: unexpected %q", ErrParse, p.peek().text)
	}

	return &Expr{root: root, source: source}, nil
}

// Evaluate runs the expression against the given projection and coerces the
// result to a boolean using the same truthiness rules as branch routing.
func (e *Expr) Evaluate(projection map[string]any) (bool, error) {
	v, err := e.root.eval(projection)
	if err != nil {
		return false, err
	}

	return truthy(v), nil
}

// EvaluateBool is a convenience for one-shot evaluation.
func EvaluateBool(source string, projection map[string]any) (bool, error) {
	parsed, err := Parse(source)
	if err != nil {
		return false, err
	}

	return parsed.Evaluate(projection)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return false
	}
}

// --- lexer ---

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(source string) ([]token, error) {
	var tokens []token

	runes := []rune(source)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case r == '\'' || r == '"':
			quote := r
			j := i + 1

			for j < len(runes) && runes[j] != quote {
				j++
			}

			if j >= len(runes) {
				return nil, fmt.Errorf("%w: unterminated string", ErrParse)
			}

			tokens = append(tokens, token{tokenString, string(runes[i+1 : j])})
			i = j + 1
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) && startsValue(tokens)):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenIdent, string(runes[i:j])})
			i = j
		default:
			op, width := matchOperator(runes[i:])
			if op == "" {
				return nil, fmt.Errorf("%w: unexpected character %q", ErrParse, string(r))
			}

			tokens = append(tokens, token{tokenOp, op})
			i += width
		}
	}

	return tokens, nil
}

// startsValue reports whether a '-' at the current position begins a negative
// number rather than being part of an (unsupported) arithmetic expression.
func startsValue(tokens []token) bool {
	if len(tokens) == 0 {
		return true
	}

	last := tokens[len(tokens)-1]

	return last.kind == tokenOp || last.kind == tokenLParen
}

func matchOperator(runes []rune) (string, int) {
	two := ""
	if len(runes) >= 2 {
		two = string(runes[:2])
	}

	switch two {
	case "&&", "||", "==", "!=", "<=", ">=":
		return two, 2
	}

	switch runes[0] {
	case '!', '<', '>':
		return string(runes[0]), 1
	}

	return "", 0
}

// --- parser ---

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{}
	}

	return p.tokens[p.pos]
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.atEnd() || p.tokens[p.pos].kind != tokenOp {
		return "", false
	}

	for _, op := range ops {
		if p.tokens[p.pos].text == op {
			p.pos++

			return op, true
		}
	}

	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}

		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}

	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	return &binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &notNode{operand: operand}, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrParse)
	}

	tok := p.tokens[p.pos]
	p.pos++

	switch tok.kind {
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if p.atEnd() || p.tokens[p.pos].kind != tokenRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrParse)
		}

		p.pos++

		return inner, nil
	case tokenNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrParse, tok.text)
		}

		return &literalNode{value: f}, nil
	case tokenString:
		return &literalNode{value: tok.text}, nil
	case tokenIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}

		return &lookupNode{path: strings.Split(tok.text, ".")}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrParse, tok.text)
	}
}

// --- evaluation ---

type node interface {
	eval(projection map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type lookupNode struct{ path []string }

// Missing fields resolve to nil rather than erroring, so expressions can
// probe optional context keys.
func (n *lookupNode) eval(projection map[string]any) (any, error) {
	var current any = projection

	for _, segment := range n.path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, nil
		}

		current = m[segment]
	}

	return current, nil
}

type notNode struct{ operand node }

func (n *notNode) eval(projection map[string]any) (any, error) {
	v, err := n.operand.eval(projection)
	if err != nil {
		return nil, err
	}

	return !truthy(v), nil
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(projection map[string]any) (any, error) {
	left, err := n.left.eval(projection)
	if err != nil {
		return nil, err
	}

	// Short-circuit boolean operators.
	switch n.op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}

		right, err := n.right.eval(projection)
		if err != nil {
			return nil, err
		}

		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}

		right, err := n.right.eval(projection)
		if err != nil {
			return nil, err
		}

		return truthy(right), nil
	}

	right, err := n.right.eval(projection)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)

	if lok && rok {
		switch n.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)

	if lok && rok {
		switch n.op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot compare %T and %T with %q", left, right, n.op)
}

func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
	}

	// Field lookups can surface maps and slices; a raw == panics on
	// uncomparable operands.
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
