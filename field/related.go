package field

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// RelatedField stores another entity's primary id as a string pointer.
// Writes never cascade; loading the target is an explicit, lazy operation
// on the owning instance.
type RelatedField struct {
	Meta

	// Target is the entity type name the pointer refers to.
	Target string
}

func NewRelated(name, target string) *RelatedField {
	return &RelatedField{Meta: Meta{name: name}, Target: target}
}

func (f *RelatedField) Initial() (any, bool) { return nil, false }

func (f *RelatedField) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return invalidf(f.name, "want primary id string, got %T", v)
	}
	if s == "" {
		return invalidf(f.name, "empty primary id")
	}
	return nil
}

func (f *RelatedField) ToStorage(v any) (types.AttributeValue, error) {
	if err := f.Validate(v); err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberS{Value: v.(string)}, nil
}

func (f *RelatedField) FromStorage(av types.AttributeValue) (any, error) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want S", av)
	}
	return s.Value, nil
}

func (f *RelatedField) ToIndexString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", invalidf(f.name, "want primary id string, got %T", v)
	}
	return s, nil
}

func (f *RelatedField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
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

func (f *RelatedField) IndexEncodable() error { return nil }
