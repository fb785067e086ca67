package field

import (
	"regexp"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var deltaRE = regexp.MustCompile(`^[+-][0-9]+$`)

// CounterField stores an int64 that supports relative updates. A plain
// integer value is an absolute SET; the string forms "+N" and "-N" are
// deltas and compile to an ADD fragment so concurrent increments do not
// clobber each other.
type CounterField struct {
	Meta
}

func NewCounter(name string) *CounterField { return &CounterField{Meta: Meta{name: name}} }

// counterDelta recognizes the "+N"/"-N" relative form.
func counterDelta(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok || !deltaRE.MatchString(s) {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (f *CounterField) Initial() (any, bool) { return int64(0), true }

func (f *CounterField) Validate(v any) error {
	if _, ok := toInt64(v); ok {
		return nil
	}
	if _, ok := counterDelta(v); ok {
		return nil
	}
	return invalidf(f.name, `want integer or "+N"/"-N" delta, got %v`, v)
}

func (f *CounterField) ToStorage(v any) (types.AttributeValue, error) {
	n, ok := toInt64(v)
	if !ok {
		return nil, invalidf(f.name, "want absolute integer, got %v", v)
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil
}

func (f *CounterField) FromStorage(av types.AttributeValue) (any, error) {
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

func (f *CounterField) ToIndexString(v any) (string, error) {
	n, ok := toInt64(v)
	if !ok {
		return "", invalidf(f.name, "deltas have no index form")
	}
	return intIndexString(n)
}

func (f *CounterField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
	if v == nil {
		x.Remove(attr)
		return nil
	}
	if d, ok := counterDelta(v); ok {
		x.Add(attr, &types.AttributeValueMemberN{Value: strconv.FormatInt(d, 10)})
		return nil
	}
	av, err := f.ToStorage(v)
	if err != nil {
		return err
	}
	x.Set(attr, av)
	return nil
}

func (f *CounterField) IndexEncodable() error { return nil }

func (f *CounterField) AutoValue(op Op, current any, hasCurrent bool, othersDirty bool) (any, bool) {
	if op == OpCreate && !hasCurrent {
		return int64(0), true
	}
	return nil, false
}
