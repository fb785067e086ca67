package condition

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCodec encodes everything as a string attribute.
type stubCodec struct {
	attr  string
	isKey bool
}

func (c *stubCodec) Attribute() string { return c.attr }
func (c *stubCodec) Storage(v any) (types.AttributeValue, error) {
	return &types.AttributeValueMemberS{Value: v.(string)}, nil
}
func (c *stubCodec) IndexString(v any) (string, error) { return "ix:" + v.(string), nil }
func (c *stubCodec) IsKey() bool                       { return c.isKey }

type stubSchema map[string]*stubCodec

func (s stubSchema) Field(name string) (FieldCodec, bool) {
	c, ok := s[name]
	return c, ok
}

func testSchema() stubSchema {
	return stubSchema{
		"status": {attr: "status"},
		"email":  {attr: "email"},
		"tags":   {attr: "tags"},
	}
}

func TestCompileEquality(t *testing.T) {
	c, err := Compile(testSchema(), map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "#n0 = :v0", c.Expression)
	assert.Equal(t, map[string]string{"#n0": "status"}, c.Names)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "open"}, c.Values[":v0"])
}

func TestCompileOperators(t *testing.T) {
	tests := []struct {
		name string
		cond map[string]any
		want string
	}{
		{"ne", map[string]any{"status": map[string]any{"$ne": "x"}}, "#n0 <> :v0"},
		{"gt", map[string]any{"status": map[string]any{"$gt": "x"}}, "#n0 > :v0"},
		{"gte", map[string]any{"status": map[string]any{"$gte": "x"}}, "#n0 >= :v0"},
		{"lt", map[string]any{"status": map[string]any{"$lt": "x"}}, "#n0 < :v0"},
		{"lte", map[string]any{"status": map[string]any{"$lte": "x"}}, "#n0 <= :v0"},
		{"beginsWith", map[string]any{"status": map[string]any{"$beginsWith": "x"}}, "begins_with(#n0, :v0)"},
		{"contains", map[string]any{"tags": map[string]any{"$contains": "x"}}, "contains(#n0, :v0)"},
		{"exists", map[string]any{"email": map[string]any{"$exists": true}}, "attribute_exists(#n0)"},
		{"not exists", map[string]any{"email": map[string]any{"$exists": false}}, "attribute_not_exists(#n0)"},
		{"in", map[string]any{"status": map[string]any{"$in": []any{"a", "b"}}}, "#n0 IN (:v0, :v1)"},
		{"size eq", map[string]any{"tags": map[string]any{"$size": 3}}, "size(#n0) = :v0"},
		{"size cmp", map[string]any{"tags": map[string]any{"$size": map[string]any{"$gt": 2}}}, "size(#n0) > :v0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(testSchema(), tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Expression)
		})
	}
}

type stubSchemaAny map[string]FieldCodec

func (s stubSchemaAny) Field(name string) (FieldCodec, bool) {
	c, ok := s[name]
	return c, ok
}

// memberStubCodec models a collection-typed field: whole-value encoding
// rejects bare strings, member encoding accepts them.
type memberStubCodec struct {
	stubCodec
}

func (c *memberStubCodec) Storage(v any) (types.AttributeValue, error) {
	return nil, assert.AnError
}

func (c *memberStubCodec) MemberStorage(v any) (types.AttributeValue, error) {
	return &types.AttributeValueMemberS{Value: "member:" + v.(string)}, nil
}

func TestContainsEncodesMemberOperand(t *testing.T) {
	schema := stubSchemaAny{
		"tags": &memberStubCodec{stubCodec{attr: "tags"}},
	}

	c, err := Compile(schema, map[string]any{"tags": map[string]any{"$contains": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "contains(#n0, :v0)", c.Expression)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "member:a"}, c.Values[":v0"],
		"the operand is one member, not a whole collection value")

	// A bare equality on the same field still goes through whole-value
	// encoding and surfaces its error.
	_, err = Compile(schema, map[string]any{"tags": "a"})
	assert.Error(t, err)
}

func TestCompileComposition(t *testing.T) {
	c, err := Compile(testSchema(), map[string]any{
		"$or": []any{
			map[string]any{"status": "open"},
			map[string]any{"status": "blocked"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "(#n0 = :v0 OR #n0 = :v1)", c.Expression)
	assert.Len(t, c.Names, 1, "same attribute shares one name ref")

	c, err = Compile(testSchema(), map[string]any{
		"$not": map[string]any{"email": map[string]any{"$exists": true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "(NOT attribute_exists(#n0))", c.Expression)
}

func TestCompileImplicitAndIsDeterministic(t *testing.T) {
	cond := map[string]any{"status": "open", "email": "a@b.c"}
	first, err := Compile(testSchema(), cond)
	require.NoError(t, err)
	// Map iteration order must not leak into the output: email sorts
	// before status.
	assert.Equal(t, "(#n0 = :v0 AND #n1 = :v1)", first.Expression)
	assert.Equal(t, "email", first.Names["#n0"])
	assert.Equal(t, "status", first.Names["#n1"])

	for i := 0; i < 10; i++ {
		again, err := Compile(testSchema(), cond)
		require.NoError(t, err)
		assert.Equal(t, first.Expression, again.Expression)
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(testSchema(), map[string]any{"bogus": 1})
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = Compile(testSchema(), map[string]any{"status": map[string]any{"$regex": "x"}})
	assert.ErrorIs(t, err, ErrUnknownOperator)

	_, err = Compile(testSchema(), map[string]any{})
	assert.ErrorIs(t, err, ErrBadCondition)

	_, err = Compile(testSchema(), map[string]any{"$and": []any{}})
	assert.ErrorIs(t, err, ErrBadCondition)

	_, err = Compile(testSchema(), map[string]any{"status": map[string]any{"$in": []any{}}})
	assert.ErrorIs(t, err, ErrBadCondition)
}

func TestCompileKeyCondition(t *testing.T) {
	codec := &stubCodec{attr: "_s1_sk", isKey: true}

	c, err := CompileKeyCondition("createdAt", codec, map[string]any{"createdAt": "2024"})
	require.NoError(t, err)
	assert.Equal(t, "#k0 = :k0", c.Expression)
	assert.Equal(t, map[string]string{"#k0": "_s1_sk"}, c.Names)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "ix:2024"}, c.Values[":k0"],
		"key operands encode through the index-string form")

	c, err = CompileKeyCondition("createdAt", codec, map[string]any{
		"createdAt": map[string]any{"$between": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "#k0 BETWEEN :k0 AND :k1", c.Expression)

	c, err = CompileKeyCondition("createdAt", codec, map[string]any{
		"createdAt": map[string]any{"$beginsWith": "2024-03"},
	})
	require.NoError(t, err)
	assert.Equal(t, "begins_with(#k0, :k0)", c.Expression)
}

func TestCompileKeyConditionErrors(t *testing.T) {
	codec := &stubCodec{attr: "_s1_sk", isKey: true}

	_, err := CompileKeyCondition("createdAt", codec, map[string]any{"other": "x"})
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = CompileKeyCondition("", codec, map[string]any{"createdAt": "x"})
	assert.ErrorIs(t, err, ErrBadCondition)

	_, err = CompileKeyCondition("createdAt", codec, map[string]any{
		"createdAt": map[string]any{"$contains": "x"},
	})
	assert.ErrorIs(t, err, ErrUnknownOperator)

	_, err = CompileKeyCondition("createdAt", codec, map[string]any{
		"createdAt": map[string]any{"$between": []any{"only-one"}},
	})
	assert.ErrorIs(t, err, ErrBadCondition)
}

func TestMergeIntoKeepsNamespacesDisjoint(t *testing.T) {
	schema := testSchema()
	filter, err := Compile(schema, map[string]any{"status": "open"})
	require.NoError(t, err)

	key, err := CompileKeyCondition("createdAt", &stubCodec{attr: "_s1_sk", isKey: true},
		map[string]any{"createdAt": "x"})
	require.NoError(t, err)

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	filter.MergeInto(names, values)
	key.MergeInto(names, values)
	assert.Len(t, names, 2)
	assert.Len(t, values, 2)

	assert.Equal(t, "a AND b", JoinAnd("a", "", "b"))
}
