// Package condition compiles the structured condition DSL into DynamoDB
// expression strings plus their attribute-name and attribute-value maps.
//
// The DSL is a map shape: {field: value} means equality, {field: {$op:
// operand}} applies an operator, and {$and: [...]}, {$or: [...]},
// {$not: c} compose. Unknown fields and unknown operators are compile-time
// errors, never silently dropped.
package condition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	// ErrUnknownField is wrapped when a condition names a field the
	// entity does not declare.
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownOperator is wrapped when a condition uses an operator the
	// DSL does not define.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrBadCondition is wrapped for structurally invalid conditions.
	ErrBadCondition = errors.New("bad condition")
)

// FieldCodec is what the compiler needs to know about one declared field:
// its physical attribute name and how to encode operand values. Key
// attributes encode through the index-string form; data attributes through
// the storage form.
type FieldCodec interface {
	Attribute() string
	Storage(v any) (types.AttributeValue, error)
	IndexString(v any) (string, error)
	IsKey() bool
}

// MemberCodec is optionally implemented by codecs whose attribute holds a
// collection. A $contains operand then encodes as one member value instead
// of a whole stored value.
type MemberCodec interface {
	MemberStorage(v any) (types.AttributeValue, error)
}

// Schema resolves DSL field names. The entity descriptor implements it.
type Schema interface {
	Field(name string) (FieldCodec, bool)
}

// Compiled is the parallel output triple of a compilation.
type Compiled struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

type compiler struct {
	schema Schema
	names  map[string]string // #ref -> attribute
	byAttr map[string]string
	values map[string]types.AttributeValue
	nameP  string
	valueP string
}

func newCompiler(schema Schema, nameP, valueP string) *compiler {
	return &compiler{
		schema: schema,
		names:  make(map[string]string),
		byAttr: make(map[string]string),
		values: make(map[string]types.AttributeValue),
		nameP:  nameP,
		valueP: valueP,
	}
}

func (c *compiler) nameRef(attr string) string {
	if ref, ok := c.byAttr[attr]; ok {
		return ref
	}
	ref := fmt.Sprintf("#%s%d", c.nameP, len(c.byAttr))
	c.byAttr[attr] = ref
	c.names[ref] = attr
	return ref
}

func (c *compiler) valueRef(av types.AttributeValue) string {
	ref := fmt.Sprintf(":%s%d", c.valueP, len(c.values))
	c.values[ref] = av
	return ref
}

// encode runs an operand value through the field's storage or index-string
// encoder depending on where the attribute lives.
func (c *compiler) encode(f FieldCodec, v any) (types.AttributeValue, error) {
	if f.IsKey() {
		s, err := f.IndexString(v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberS{Value: s}, nil
	}
	return f.Storage(v)
}

// sortedKeys gives deterministic compilation output for map conditions.
func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Compile compiles a data condition (filter or write condition) against the
// schema's data attributes.
func Compile(schema Schema, cond map[string]any) (*Compiled, error) {
	c := newCompiler(schema, "n", "v")
	expr, err := c.compileNode(cond)
	if err != nil {
		return nil, err
	}
	return &Compiled{Expression: expr, Names: c.names, Values: c.values}, nil
}

func (c *compiler) compileNode(cond map[string]any) (string, error) {
	if len(cond) == 0 {
		return "", fmt.Errorf("empty condition: %w", ErrBadCondition)
	}
	var clauses []string
	for _, key := range sortedKeys(cond) {
		clause, err := c.compileEntry(key, cond[key])
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func (c *compiler) compileEntry(key string, val any) (string, error) {
	switch key {
	case "$and", "$or":
		list, ok := val.([]any)
		if !ok || len(list) == 0 {
			return "", fmt.Errorf("%s wants a non-empty list: %w", key, ErrBadCondition)
		}
		joiner := " AND "
		if key == "$or" {
			joiner = " OR "
		}
		var parts []string
		for _, item := range list {
			sub, ok := item.(map[string]any)
			if !ok {
				return "", fmt.Errorf("%s element must be a condition map, got %T: %w", key, item, ErrBadCondition)
			}
			expr, err := c.compileNode(sub)
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
		return "(" + strings.Join(parts, joiner) + ")", nil

	case "$not":
		sub, ok := val.(map[string]any)
		if !ok {
			return "", fmt.Errorf("$not wants a condition map, got %T: %w", val, ErrBadCondition)
		}
		expr, err := c.compileNode(sub)
		if err != nil {
			return "", err
		}
		return "(NOT " + expr + ")", nil
	}

	if strings.HasPrefix(key, "$") {
		return "", fmt.Errorf("%q: %w", key, ErrUnknownOperator)
	}

	f, ok := c.schema.Field(key)
	if !ok {
		return "", fmt.Errorf("%q: %w", key, ErrUnknownField)
	}
	ref := c.nameRef(f.Attribute())

	// Bare value means equality.
	ops, isOps := val.(map[string]any)
	if !isOps {
		av, err := c.encode(f, val)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", ref, c.valueRef(av)), nil
	}

	var clauses []string
	for _, op := range sortedKeys(ops) {
		clause, err := c.compileOp(f, ref, op, ops[op])
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

var comparators = map[string]string{
	"$eq":  "=",
	"$ne":  "<>",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

func (c *compiler) compileOp(f FieldCodec, ref, op string, operand any) (string, error) {
	if sym, ok := comparators[op]; ok {
		av, err := c.encode(f, operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", ref, sym, c.valueRef(av)), nil
	}

	switch op {
	case "$beginsWith":
		av, err := c.encode(f, operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("begins_with(%s, %s)", ref, c.valueRef(av)), nil

	case "$contains":
		var av types.AttributeValue
		var err error
		if mc, ok := f.(MemberCodec); ok {
			av, err = mc.MemberStorage(operand)
		} else {
			av, err = f.Storage(operand)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("contains(%s, %s)", ref, c.valueRef(av)), nil

	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return "", fmt.Errorf("$exists wants a bool, got %T: %w", operand, ErrBadCondition)
		}
		if want {
			return fmt.Sprintf("attribute_exists(%s)", ref), nil
		}
		return fmt.Sprintf("attribute_not_exists(%s)", ref), nil

	case "$in":
		list, ok := operand.([]any)
		if !ok || len(list) == 0 {
			return "", fmt.Errorf("$in wants a non-empty list: %w", ErrBadCondition)
		}
		var refs []string
		for _, item := range list {
			av, err := c.encode(f, item)
			if err != nil {
				return "", err
			}
			refs = append(refs, c.valueRef(av))
		}
		return fmt.Sprintf("%s IN (%s)", ref, strings.Join(refs, ", ")), nil

	case "$size":
		// $size: N means equality; $size: {$op: N} compares.
		if n, ok := toSizeOperand(operand); ok {
			return fmt.Sprintf("size(%s) = %s", ref, c.valueRef(n)), nil
		}
		ops, ok := operand.(map[string]any)
		if !ok || len(ops) != 1 {
			return "", fmt.Errorf("$size wants a number or a single comparison: %w", ErrBadCondition)
		}
		for _, inner := range sortedKeys(ops) {
			sym, ok := comparators[inner]
			if !ok {
				return "", fmt.Errorf("$size: %q: %w", inner, ErrUnknownOperator)
			}
			n, ok := toSizeOperand(ops[inner])
			if !ok {
				return "", fmt.Errorf("$size comparison wants a number: %w", ErrBadCondition)
			}
			return fmt.Sprintf("size(%s) %s %s", ref, sym, c.valueRef(n)), nil
		}
	}

	return "", fmt.Errorf("%q: %w", op, ErrUnknownOperator)
}

func toSizeOperand(v any) (types.AttributeValue, bool) {
	switch n := v.(type) {
	case int:
		return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}, true
	case int64:
		return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}, true
	case float64:
		if float64(int64(n)) == n {
			return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", int64(n))}, true
		}
	}
	return nil, false
}
