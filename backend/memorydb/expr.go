package memorydb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The evaluator covers the expression grammar the mapper emits: comparison
// operators, AND/OR/NOT, BETWEEN, IN, and the functions attribute_exists,
// attribute_not_exists, begins_with, contains, and size.

type tokKind int

const (
	tokIdent tokKind = iota
	tokName          // #ref
	tokValue         // :ref
	tokLParen
	tokRParen
	tokComma
	tokOp // = <> < <= > >=
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '<':
			if i+1 < len(expr) && (expr[i+1] == '>' || expr[i+1] == '=') {
				toks = append(toks, token{tokOp, expr[i : i+2]})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "<"})
				i++
			}
		case c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				toks = append(toks, token{tokOp, ">="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, ">"})
				i++
			}
		case c == '#' || c == ':':
			j := i + 1
			for j < len(expr) && isWordByte(expr[j]) {
				j++
			}
			kind := tokName
			if c == ':' {
				kind = tokValue
			}
			toks = append(toks, token{kind, expr[i:j]})
			i = j
		case isWordByte(c):
			j := i
			for j < len(expr) && isWordByte(expr[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, expr[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("memorydb: bad character %q in expression %q", c, expr)
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type evalFn func(item map[string]types.AttributeValue) bool

type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

// parseCondition compiles an expression string into an evaluator closure.
func parseCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (evalFn, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, names: names, values: values}
	fn, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("memorydb: trailing tokens in expression %q", expr)
	}
	return fn, nil
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) parseOr() (evalFn, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(item map[string]types.AttributeValue) bool { return l(item) || r(item) }
	}
	return left, nil
}

func (p *parser) parseAnd() (evalFn, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(item map[string]types.AttributeValue) bool { return l(item) && r(item) }
	}
	return left, nil
}

func (p *parser) parseUnary() (evalFn, error) {
	if p.isKeyword("NOT") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(item map[string]types.AttributeValue) bool { return !inner(item) }, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (evalFn, error) {
	t := p.peek()
	switch {
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("memorydb: missing closing paren")
		}
		return inner, nil

	case t.kind == tokIdent && !strings.EqualFold(t.text, "size"):
		return p.parseFunc()

	default:
		return p.parseComparison()
	}
}

// parseFunc handles attribute_exists / attribute_not_exists / begins_with /
// contains.
func (p *parser) parseFunc() (evalFn, error) {
	name := strings.ToLower(p.next().text)
	if p.next().kind != tokLParen {
		return nil, fmt.Errorf("memorydb: %s wants arguments", name)
	}
	attr, err := p.attrArg()
	if err != nil {
		return nil, err
	}

	switch name {
	case "attribute_exists", "attribute_not_exists":
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("memorydb: %s wants one argument", name)
		}
		want := name == "attribute_exists"
		return func(item map[string]types.AttributeValue) bool {
			_, ok := item[attr]
			return ok == want
		}, nil

	case "begins_with", "contains":
		if p.next().kind != tokComma {
			return nil, fmt.Errorf("memorydb: %s wants two arguments", name)
		}
		operand, err := p.valueArg()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("memorydb: %s: missing closing paren", name)
		}
		if name == "begins_with" {
			return func(item map[string]types.AttributeValue) bool {
				s, ok := item[attr].(*types.AttributeValueMemberS)
				o, ok2 := operand.(*types.AttributeValueMemberS)
				return ok && ok2 && strings.HasPrefix(s.Value, o.Value)
			}, nil
		}
		return func(item map[string]types.AttributeValue) bool {
			switch v := item[attr].(type) {
			case *types.AttributeValueMemberS:
				o, ok := operand.(*types.AttributeValueMemberS)
				return ok && strings.Contains(v.Value, o.Value)
			case *types.AttributeValueMemberSS:
				o, ok := operand.(*types.AttributeValueMemberS)
				if !ok {
					return false
				}
				for _, m := range v.Value {
					if m == o.Value {
						return true
					}
				}
			}
			return false
		}, nil
	}
	return nil, fmt.Errorf("memorydb: unknown function %q", name)
}

// parseComparison handles operand cmp operand, BETWEEN, and IN, where the
// left operand is a #name or size(#name).
func (p *parser) parseComparison() (evalFn, error) {
	load, err := p.parseOperandLoader()
	if err != nil {
		return nil, err
	}

	if p.isKeyword("BETWEEN") {
		p.next()
		lo, err := p.valueArg()
		if err != nil {
			return nil, err
		}
		if !p.isKeyword("AND") {
			return nil, fmt.Errorf("memorydb: BETWEEN wants AND")
		}
		p.next()
		hi, err := p.valueArg()
		if err != nil {
			return nil, err
		}
		return func(item map[string]types.AttributeValue) bool {
			v, ok := load(item)
			if !ok {
				return false
			}
			cl, ok1 := compareValues(v, lo)
			ch, ok2 := compareValues(v, hi)
			return ok1 && ok2 && cl >= 0 && ch <= 0
		}, nil
	}

	if p.isKeyword("IN") {
		p.next()
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("memorydb: IN wants a list")
		}
		var options []types.AttributeValue
		for {
			v, err := p.valueArg()
			if err != nil {
				return nil, err
			}
			options = append(options, v)
			t := p.next()
			if t.kind == tokRParen {
				break
			}
			if t.kind != tokComma {
				return nil, fmt.Errorf("memorydb: bad IN list")
			}
		}
		return func(item map[string]types.AttributeValue) bool {
			v, ok := load(item)
			if !ok {
				return false
			}
			for _, o := range options {
				if c, ok := compareValues(v, o); ok && c == 0 {
					return true
				}
			}
			return false
		}, nil
	}

	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("memorydb: want comparison operator, got %q", op.text)
	}
	rhs, err := p.valueArg()
	if err != nil {
		return nil, err
	}
	return func(item map[string]types.AttributeValue) bool {
		v, ok := load(item)
		if !ok {
			return false
		}
		c, ok := compareValues(v, rhs)
		if !ok {
			// Incomparable kinds only support (in)equality.
			if op.text == "<>" {
				return true
			}
			return false
		}
		switch op.text {
		case "=":
			return c == 0
		case "<>":
			return c != 0
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		case ">=":
			return c >= 0
		}
		return false
	}, nil
}

// parseOperandLoader parses #name or size(#name) and returns a loader that
// resolves the left-hand value from an item.
func (p *parser) parseOperandLoader() (func(map[string]types.AttributeValue) (types.AttributeValue, bool), error) {
	if p.isKeyword("size") {
		p.next()
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("memorydb: size wants an argument")
		}
		attr, err := p.attrArg()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("memorydb: size: missing closing paren")
		}
		return func(item map[string]types.AttributeValue) (types.AttributeValue, bool) {
			switch v := item[attr].(type) {
			case *types.AttributeValueMemberS:
				return &types.AttributeValueMemberN{Value: strconv.Itoa(len(v.Value))}, true
			case *types.AttributeValueMemberSS:
				return &types.AttributeValueMemberN{Value: strconv.Itoa(len(v.Value))}, true
			}
			return nil, false
		}, nil
	}

	t := p.next()
	if t.kind != tokName {
		return nil, fmt.Errorf("memorydb: want attribute reference, got %q", t.text)
	}
	attr, ok := p.names[t.text]
	if !ok {
		return nil, fmt.Errorf("memorydb: unresolved name %q", t.text)
	}
	return func(item map[string]types.AttributeValue) (types.AttributeValue, bool) {
		v, ok := item[attr]
		return v, ok
	}, nil
}

func (p *parser) attrArg() (string, error) {
	t := p.next()
	if t.kind != tokName {
		return "", fmt.Errorf("memorydb: want #name argument, got %q", t.text)
	}
	attr, ok := p.names[t.text]
	if !ok {
		return "", fmt.Errorf("memorydb: unresolved name %q", t.text)
	}
	return attr, nil
}

func (p *parser) valueArg() (types.AttributeValue, error) {
	t := p.next()
	if t.kind != tokValue {
		return nil, fmt.Errorf("memorydb: want :value argument, got %q", t.text)
	}
	v, ok := p.values[t.text]
	if !ok {
		return nil, fmt.Errorf("memorydb: unresolved value %q", t.text)
	}
	return v, nil
}

// compareValues orders two attribute values of the same kind. The bool is
// false for incomparable kinds.
func compareValues(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		af, err1 := strconv.ParseFloat(av.Value, 64)
		bf, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, false
		}
		if av.Value == bv.Value {
			return 0, true
		}
		return 1, true
	case *types.AttributeValueMemberSS:
		bv, ok := b.(*types.AttributeValueMemberSS)
		if !ok || len(av.Value) != len(bv.Value) {
			return 1, false
		}
		seen := make(map[string]bool, len(av.Value))
		for _, m := range av.Value {
			seen[m] = true
		}
		for _, m := range bv.Value {
			if !seen[m] {
				return 1, true
			}
		}
		return 0, true
	}
	return 0, false
}
