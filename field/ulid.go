package field

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
)

// newULID is stubbed in tests that need deterministic ids.
var newULID = func() string { return ulid.Make().String() }

// validateULID checks the 26-character Crockford-base32 form and that the
// embedded timestamp decodes.
func validateULID(name, s string) error {
	if len(s) != ulid.EncodedSize {
		return invalidf(name, "ulid must be %d characters, got %d", ulid.EncodedSize, len(s))
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return invalidf(name, "bad ulid %q: %v", s, err)
	}
	if id.Time() > ulid.MaxTime() {
		return invalidf(name, "ulid %q: timestamp out of range", s)
	}
	return nil
}

// UlidField stores a sortable 26-character identifier, optionally minted at
// create when the caller supplied none.
type UlidField struct {
	Meta

	// AutoAssign mints a fresh ulid on create when absent from the input.
	AutoAssign bool
}

func NewUlid(name string) *UlidField { return &UlidField{Meta: Meta{name: name}} }

func (f *UlidField) Initial() (any, bool) {
	if f.AutoAssign {
		return newULID(), true
	}
	return nil, false
}

func (f *UlidField) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return invalidf(f.name, "want string, got %T", v)
	}
	return validateULID(f.name, s)
}

func (f *UlidField) ToStorage(v any) (types.AttributeValue, error) {
	if err := f.Validate(v); err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: v.(string)}, nil
}

func (f *UlidField) FromStorage(av types.AttributeValue) (any, error) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want S", av)
	}
	return s.Value, nil
}

func (f *UlidField) ToIndexString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalidf(f.name, "want string, got %T", v)
	}
	return s, nil
}

func (f *UlidField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
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

func (f *UlidField) IndexEncodable() error { return nil }

// VersionField is a ulid bumped on any save where some other field is
// dirty. It backs optimistic concurrency: callers condition an update on
// the version they loaded.
type VersionField struct {
	UlidField
}

func NewVersion(name string) *VersionField {
	return &VersionField{UlidField{Meta: Meta{name: name}}}
}

func (f *VersionField) Initial() (any, bool) { return newULID(), true }

func (f *VersionField) AutoValue(op Op, current any, hasCurrent bool, othersDirty bool) (any, bool) {
	if op == OpCreate && !hasCurrent {
		return newULID(), true
	}
	if op == OpUpdate && othersDirty {
		return newULID(), true
	}
	return nil, false
}
