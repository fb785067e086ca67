package condition

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// keyOperators is the restricted operator set DynamoDB allows on a sort
// key.
var keyOperators = map[string]bool{
	"$eq":         true,
	"$beginsWith": true,
	"$between":    true,
	"$gt":         true,
	"$gte":        true,
	"$lt":         true,
	"$lte":        true,
}

// CompileKeyCondition compiles the sort-key half of a key condition.
//
// sortField is the declared sort key of the chosen index ("" when the sort
// key is the model-prefix sentinel, which cannot be constrained). The
// condition must target exactly that field. Key refs use the #k/:k
// namespaces so they merge with a filter compilation without collision.
func CompileKeyCondition(sortField string, codec FieldCodec, cond map[string]any) (*Compiled, error) {
	if len(cond) != 1 {
		return nil, fmt.Errorf("key condition wants exactly one field, got %d: %w", len(cond), ErrBadCondition)
	}
	var name string
	var val any
	for k, v := range cond {
		name, val = k, v
	}
	if sortField == "" {
		return nil, fmt.Errorf("index sort key is the model prefix and cannot be constrained: %w", ErrBadCondition)
	}
	if name != sortField {
		return nil, fmt.Errorf("%q is not the sort key of this index (want %q): %w", name, sortField, ErrUnknownField)
	}

	c := newCompiler(nil, "k", "k")
	ref := c.nameRef(codec.Attribute())

	encode := func(v any) (string, error) {
		s, err := codec.IndexString(v)
		if err != nil {
			return "", err
		}
		return c.valueRef(&types.AttributeValueMemberS{Value: s}), nil
	}

	// Bare value means equality.
	ops, isOps := val.(map[string]any)
	if !isOps {
		vref, err := encode(val)
		if err != nil {
			return nil, err
		}
		return &Compiled{Expression: fmt.Sprintf("%s = %s", ref, vref), Names: c.names, Values: c.values}, nil
	}
	if len(ops) != 1 {
		return nil, fmt.Errorf("key condition wants exactly one operator: %w", ErrBadCondition)
	}

	var expr string
	for _, op := range sortedKeys(ops) {
		if !keyOperators[op] {
			return nil, fmt.Errorf("%q is not a key-condition operator: %w", op, ErrUnknownOperator)
		}
		operand := ops[op]
		switch op {
		case "$eq", "$gt", "$gte", "$lt", "$lte":
			vref, err := encode(operand)
			if err != nil {
				return nil, err
			}
			expr = fmt.Sprintf("%s %s %s", ref, comparators[op], vref)
		case "$beginsWith":
			vref, err := encode(operand)
			if err != nil {
				return nil, err
			}
			expr = fmt.Sprintf("begins_with(%s, %s)", ref, vref)
		case "$between":
			pair, ok := operand.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("$between wants [low, high]: %w", ErrBadCondition)
			}
			lo, err := encode(pair[0])
			if err != nil {
				return nil, err
			}
			hi, err := encode(pair[1])
			if err != nil {
				return nil, err
			}
			expr = fmt.Sprintf("%s BETWEEN %s AND %s", ref, lo, hi)
		}
	}
	return &Compiled{Expression: expr, Names: c.names, Values: c.values}, nil
}

// MergeInto folds this compilation's name and value maps into the given
// maps. Ref namespaces keep merges collision-free.
func (c *Compiled) MergeInto(names map[string]string, values map[string]types.AttributeValue) {
	for k, v := range c.Names {
		names[k] = v
	}
	for k, v := range c.Values {
		values[k] = v
	}
}

// JoinAnd composes expression strings with AND, used to combine the
// partition-key clause with a compiled sort-key clause.
func JoinAnd(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " AND ")
}
