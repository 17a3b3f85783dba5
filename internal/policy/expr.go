package policy

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Predicates use a small closed grammar:
//
//	expr    := and { ("OR" | "||") and }
//	and     := unary { ("AND" | "&&") unary }
//	unary   := ("NOT" | "!") unary | primary
//	primary := "(" expr ")" | "true" | "false" | field ("==" | "!=") literal
//	         | field "in" "[" [literal { "," literal }] "]"
//
// Keywords are accepted in upper or lower case. Literals are quoted with
// single or double quotes, or written bare when they contain no spaces or
// punctuation other than : / . _ - @ *.

// node is a compiled predicate
type node interface {
	eval(in Input) bool
}

type orNode struct{ left, right node }
type andNode struct{ left, right node }
type notNode struct{ x node }
type constNode struct{ v bool }

// eqNode is field == value; negated gives field != value
type eqNode struct {
	f       field
	value   string
	negated bool
}

type inNode struct {
	f      field
	values []string
}

func (n orNode) eval(in Input) bool  { return n.left.eval(in) || n.right.eval(in) }
func (n andNode) eval(in Input) bool { return n.left.eval(in) && n.right.eval(in) }
func (n notNode) eval(in Input) bool { return !n.x.eval(in) }
func (n constNode) eval(Input) bool  { return n.v }

// A missing field equals nothing, so == is false and != is true.
func (n eqNode) eval(in Input) bool {
	vals, ok := n.f.values(in)
	matched := ok && slices.Contains(vals, n.value)
	return matched != n.negated
}

func (n inNode) eval(in Input) bool {
	vals, ok := n.f.values(in)
	if !ok {
		return false
	}
	for _, v := range vals {
		if slices.Contains(n.values, v) {
			return true
		}
	}
	return false
}

// Limits on predicate source. Parsing and evaluation recurse, so both
// bound how deep a rule can nest.
const (
	maxPredicateLength = 4096
	maxPredicateDepth  = 64
)

// compile parses src into an evaluable predicate
func compile(src string) (node, error) {
	if len(src) > maxPredicateLength {
		return nil, fmt.Errorf("predicate is %d bytes, limit is %d", len(src), maxPredicateLength)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("empty predicate")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s at offset %d", t, t.pos)
	}
	return n, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokWord
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEq
	tokNe
	tokNot
	tokAnd
	tokOr
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-.:/@*", r)
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case r == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '=' && i+1 < len(rs) && rs[i+1] == '=':
			toks = append(toks, token{tokEq, "==", i})
			i += 2
		case r == '!' && i+1 < len(rs) && rs[i+1] == '=':
			toks = append(toks, token{tokNe, "!=", i})
			i += 2
		case r == '!':
			toks = append(toks, token{tokNot, "!", i})
			i++
		case r == '&' && i+1 < len(rs) && rs[i+1] == '&':
			toks = append(toks, token{tokAnd, "&&", i})
			i += 2
		case r == '|' && i+1 < len(rs) && rs[i+1] == '|':
			toks = append(toks, token{tokOr, "||", i})
			i += 2
		case r == '"' || r == '\'':
			start := i
			var sb strings.Builder
			i++
			for ; i < len(rs) && rs[i] != r; i++ {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				sb.WriteRune(rs[i])
			}
			if i >= len(rs) {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			i++
			toks = append(toks, token{tokString, sb.String(), start})
		case isWordRune(r):
			start := i
			for i < len(rs) && isWordRune(rs[i]) {
				i++
			}
			word := string(rs[start:i])
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{tokAnd, word, start})
			case "or":
				toks = append(toks, token{tokOr, word, start})
			case "not":
				toks = append(toks, token{tokNot, word, start})
			default:
				toks = append(toks, token{tokWord, word, start})
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

// descend enters one level of NOT or parentheses
func (p *parser) descend(t token) error {
	p.depth++
	if p.depth > maxPredicateDepth {
		return fmt.Errorf("predicate nests deeper than %d levels at offset %d", maxPredicateDepth, t.pos)
	}
	return nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, found %s at offset %d", what, t, t.pos)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		if err := p.descend(p.next()); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		p.depth--
		return notNode{x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		if err := p.descend(t); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, `")"`); err != nil {
			return nil, err
		}
		p.depth--
		return n, nil
	case tokWord:
		switch strings.ToLower(t.text) {
		case "true":
			return constNode{true}, nil
		case "false":
			return constNode{false}, nil
		}
		f, err := parseField(t.text)
		if err != nil {
			return nil, err
		}
		return p.parseComparison(f)
	default:
		return nil, fmt.Errorf("expected a field or \"(\", found %s at offset %d", t, t.pos)
	}
}

func (p *parser) parseComparison(f field) (node, error) {
	op := p.next()
	switch {
	case op.kind == tokEq || op.kind == tokNe:
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return eqNode{f: f, value: lit, negated: op.kind == tokNe}, nil
	case op.kind == tokWord && strings.EqualFold(op.text, "in"):
		return p.parseInList(f)
	default:
		return nil, fmt.Errorf("expected ==, != or in after %q, found %s at offset %d", f.name, op, op.pos)
	}
}

func (p *parser) parseInList(f field) (node, error) {
	if _, err := p.expect(tokLBracket, `"["`); err != nil {
		return nil, err
	}
	values := []string{}
	if p.peek().kind == tokRBracket {
		p.next()
		return inNode{f: f, values: values}, nil
	}
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, lit)

		t := p.next()
		if t.kind == tokRBracket {
			return inNode{f: f, values: values}, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected \",\" or \"]\", found %s at offset %d", t, t.pos)
		}
	}
}

func (p *parser) parseLiteral() (string, error) {
	t := p.next()
	if t.kind == tokString || t.kind == tokWord {
		return t.text, nil
	}
	return "", fmt.Errorf("expected a literal, found %s at offset %d", t, t.pos)
}
