package field

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxIndexDigits is the zero-pad width for integer index strings. Twenty
// digits cover the full non-negative int64 range so lexicographic order
// matches numeric order.
const maxIndexDigits = 20

// toInt64 normalizes the integer representations callers commonly hand us.
// Floats are accepted only when they are whole (JSON decoding produces
// float64 for every number).
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		i := int64(n)
		if float64(i) == n {
			return i, true
		}
	}
	return 0, false
}

func intIndexString(n int64) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("negative integer %d has no order-preserving index form: %w", n, ErrInvalid)
	}
	return fmt.Sprintf("%0*d", maxIndexDigits, n), nil
}

// StringField stores a plain string attribute.
type StringField struct {
	Meta

	// MaxLength bounds the value when > 0.
	MaxLength int
}

func NewString(name string) *StringField { return &StringField{Meta: Meta{name: name}} }

func (f *StringField) Initial() (any, bool) { return nil, false }

func (f *StringField) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return invalidf(f.name, "want string, got %T", v)
	}
	if f.MaxLength > 0 && len(s) > f.MaxLength {
		return invalidf(f.name, "length %d exceeds max %d", len(s), f.MaxLength)
	}
	return nil
}

func (f *StringField) ToStorage(v any) (types.AttributeValue, error) {
	s, ok := v.(string)
	if !ok {
		return nil, invalidf(f.name, "want string, got %T", v)
	}
	return &types.AttributeValueMemberS{Value: s}, nil
}

func (f *StringField) FromStorage(av types.AttributeValue) (any, error) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want S", av)
	}
	return s.Value, nil
}

func (f *StringField) ToIndexString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalidf(f.name, "want string, got %T", v)
	}
	return s, nil
}

func (f *StringField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
	if v == nil {
		x.Remove(attr)
		return nil
	}
	av, err := f.ToStorage(v)
	if err != nil {
		return err
	}
	x.Set(attr, av)
	return nil
}

func (f *StringField) IndexEncodable() error { return nil }

// IntegerField stores an int64 attribute. Only unsigned integers may
// occupy key or index positions; the zero-padded index form is not
// order-preserving for negatives.
type IntegerField struct {
	Meta

	// Unsigned rejects negative values and unlocks key/index use.
	Unsigned bool
}

func NewInteger(name string) *IntegerField { return &IntegerField{Meta: Meta{name: name}} }

func (f *IntegerField) Initial() (any, bool) { return nil, false }

func (f *IntegerField) Validate(v any) error {
	n, ok := toInt64(v)
	if !ok {
		return invalidf(f.name, "want integer, got %T", v)
	}
	if f.Unsigned && n < 0 {
		return invalidf(f.name, "negative value %d for unsigned field", n)
	}
	return nil
}

func (f *IntegerField) ToStorage(v any) (types.AttributeValue, error) {
	n, ok := toInt64(v)
	if !ok {
		return nil, invalidf(f.name, "want integer, got %T", v)
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil
}

func (f *IntegerField) FromStorage(av types.AttributeValue) (any, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want N", av)
	}
	i, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, invalidf(f.name, "stored number %q: %v", n.Value, err)
	}
	return i, nil
}

func (f *IntegerField) ToIndexString(v any) (string, error) {
	n, ok := toInt64(v)
	if !ok {
		return "", invalidf(f.name, "want integer, got %T", v)
	}
	return intIndexString(n)
}

func (f *IntegerField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
	if v == nil {
		x.Remove(attr)
		return nil
	}
	av, err := f.ToStorage(v)
	if err != nil {
		return err
	}
	x.Set(attr, av)
	return nil
}

func (f *IntegerField) IndexEncodable() error {
	if !f.Unsigned {
		return fmt.Errorf("signed integer field %q cannot be indexed; mark it Unsigned", f.name)
	}
	return nil
}

// FloatField stores a float64 attribute. Floats never occupy key or index
// positions: no fixed string rendering preserves numeric order across
// signs and exponents.
type FloatField struct {
	Meta
}

func NewFloat(name string) *FloatField { return &FloatField{Meta: Meta{name: name}} }

func (f *FloatField) Initial() (any, bool) { return nil, false }

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (f *FloatField) Validate(v any) error {
	if _, ok := toFloat64(v); !ok {
		return invalidf(f.name, "want float, got %T", v)
	}
	return nil
}

func (f *FloatField) ToStorage(v any) (types.AttributeValue, error) {
	n, ok := toFloat64(v)
	if !ok {
		return nil, invalidf(f.name, "want float, got %T", v)
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(n, 'g', -1, 64)}, nil
}

func (f *FloatField) FromStorage(av types.AttributeValue) (any, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want N", av)
	}
	x, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return nil, invalidf(f.name, "stored number %q: %v", n.Value, err)
	}
	return x, nil
}

func (f *FloatField) ToIndexString(v any) (string, error) {
	return "", invalidf(f.name, "float fields have no order-preserving index form")
}

func (f *FloatField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
	if v == nil {
		x.Remove(attr)
		return nil
	}
	av, err := f.ToStorage(v)
	if err != nil {
		return err
	}
	x.Set(attr, av)
	return nil
}

func (f *FloatField) IndexEncodable() error {
	return fmt.Errorf("float field %q cannot be indexed; no rendering preserves numeric order", f.name)
}

// BooleanField stores a BOOL attribute; the index form is "0"/"1".
type BooleanField struct {
	Meta
}

func NewBoolean(name string) *BooleanField { return &BooleanField{Meta: Meta{name: name}} }

func (f *BooleanField) Initial() (any, bool) { return nil, false }

func (f *BooleanField) Validate(v any) error {
	if _, ok := v.(bool); !ok {
		return invalidf(f.name, "want bool, got %T", v)
	}
	return nil
}

func (f *BooleanField) ToStorage(v any) (types.AttributeValue, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, invalidf(f.name, "want bool, got %T", v)
	}
	return &types.AttributeValueMemberBOOL{Value: b}, nil
}

func (f *BooleanField) FromStorage(av types.AttributeValue) (any, error) {
	b, ok := av.(*types.AttributeValueMemberBOOL)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want BOOL", av)
	}
	return b.Value, nil
}

func (f *BooleanField) ToIndexString(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", invalidf(f.name, "want bool, got %T", v)
	}
	if b {
		return "1", nil
	}
	return "0", nil
}

func (f *BooleanField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
	if v == nil {
		x.Remove(attr)
		return nil
	}
	av, err := f.ToStorage(v)
	if err != nil {
		return err
	}
	x.Set(attr, av)
	return nil
}

func (f *BooleanField) IndexEncodable() error { return nil }
