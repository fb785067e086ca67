package field

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// isoFormat is the index-string rendering for datetimes: ISO-8601 at UTC
// with millisecond precision, which stays lexicographically monotone with
// time.
const isoFormat = "2006-01-02T15:04:05.000Z"

// nowMillis is stubbed in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// toEpochMillis accepts a time.Time or an integer epoch-milliseconds value.
func toEpochMillis(v any) (int64, bool) {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli(), true
	}
	return toInt64(v)
}

// DatetimeField stores epoch milliseconds and indexes as ISO-8601 UTC.
type DatetimeField struct {
	Meta
}

func NewDatetime(name string) *DatetimeField { return &DatetimeField{Meta: Meta{name: name}} }

func (f *DatetimeField) Initial() (any, bool) { return nil, false }

func (f *DatetimeField) Validate(v any) error {
	if _, ok := toEpochMillis(v); !ok {
		return invalidf(f.name, "want time.Time or epoch milliseconds, got %T", v)
	}
	return nil
}

func (f *DatetimeField) ToStorage(v any) (types.AttributeValue, error) {
	ms, ok := toEpochMillis(v)
	if !ok {
		return nil, invalidf(f.name, "want time.Time or epoch milliseconds, got %T", v)
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(ms, 10)}, nil
}

func (f *DatetimeField) FromStorage(av types.AttributeValue) (any, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want N", av)
	}
	ms, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, invalidf(f.name, "stored number %q: %v", n.Value, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (f *DatetimeField) ToIndexString(v any) (string, error) {
	ms, ok := toEpochMillis(v)
	if !ok {
		return "", invalidf(f.name, "want time.Time or epoch milliseconds, got %T", v)
	}
	return time.UnixMilli(ms).UTC().Format(isoFormat), nil
}

func (f *DatetimeField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
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

func (f *DatetimeField) IndexEncodable() error { return nil }

// CreateDateField is a datetime set exactly once, at create.
type CreateDateField struct {
	DatetimeField
}

func NewCreateDate(name string) *CreateDateField {
	return &CreateDateField{DatetimeField{Meta: Meta{name: name}}}
}

func (f *CreateDateField) AutoValue(op Op, current any, hasCurrent bool, othersDirty bool) (any, bool) {
	if op == OpCreate && !hasCurrent {
		return nowMillis(), true
	}
	return nil, false
}

// ModifiedDateField is a datetime refreshed on every save.
type ModifiedDateField struct {
	DatetimeField
}

func NewModifiedDate(name string) *ModifiedDateField {
	return &ModifiedDateField{DatetimeField{Meta: Meta{name: name}}}
}

func (f *ModifiedDateField) AutoValue(op Op, current any, hasCurrent bool, othersDirty bool) (any, bool) {
	if hasCurrent {
		return nil, false
	}
	return nowMillis(), true
}

// TTLField stores epoch seconds under the attribute name "ttl" (the table's
// time-to-live attribute). The name is fixed; registration enforces it.
type TTLField struct {
	Meta

	// DefaultTTL, when non-zero, auto-populates the field at create with
	// now + DefaultTTL.
	DefaultTTL time.Duration
}

// NewTTL returns the ttl field. The attribute name is always "ttl".
func NewTTL() *TTLField { return &TTLField{Meta: Meta{name: "ttl"}} }

// toEpochSeconds accepts a time.Time or an integer epoch-seconds value.
func toEpochSeconds(v any) (int64, bool) {
	if t, ok := v.(time.Time); ok {
		return t.Unix(), true
	}
	return toInt64(v)
}

func (f *TTLField) Initial() (any, bool) { return nil, false }

func (f *TTLField) Validate(v any) error {
	n, ok := toEpochSeconds(v)
	if !ok || n < 0 {
		return invalidf(f.name, "want time.Time or epoch seconds, got %v", v)
	}
	return nil
}

func (f *TTLField) ToStorage(v any) (types.AttributeValue, error) {
	n, ok := toEpochSeconds(v)
	if !ok {
		return nil, invalidf(f.name, "want time.Time or epoch seconds, got %T", v)
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil
}

func (f *TTLField) FromStorage(av types.AttributeValue) (any, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want N", av)
	}
	s, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, invalidf(f.name, "stored number %q: %v", n.Value, err)
	}
	return s, nil
}

func (f *TTLField) ToIndexString(v any) (string, error) {
	n, ok := toEpochSeconds(v)
	if !ok {
		return "", invalidf(f.name, "want time.Time or epoch seconds, got %T", v)
	}
	return intIndexString(n)
}

func (f *TTLField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
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

func (f *TTLField) IndexEncodable() error { return nil }

func (f *TTLField) AutoValue(op Op, current any, hasCurrent bool, othersDirty bool) (any, bool) {
	if op == OpCreate && !hasCurrent && f.DefaultTTL > 0 {
		return nowMillis()/1000 + int64(f.DefaultTTL/time.Second), true
	}
	return nil, false
}
