package field

import (
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SetDelta is the relative mutation form for string-set fields: members to
// add and members to remove in one save. It compiles to an ADD and a
// DELETE fragment on the same attribute.
type SetDelta struct {
	Add    []string
	Remove []string
}

// SetView is the live, mutation-recording view an instance exposes for a
// string-set field. Add/Delete update both the desired final membership
// and the delta that the save will compile.
type SetView struct {
	members map[string]struct{}
	added   map[string]struct{}
	removed map[string]struct{}
}

// NewSetView builds a view over the given current membership.
func NewSetView(members []string) *SetView {
	v := &SetView{
		members: make(map[string]struct{}, len(members)),
		added:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
	for _, m := range members {
		v.members[m] = struct{}{}
	}
	return v
}

// Add records s as a member.
func (v *SetView) Add(s string) {
	v.members[s] = struct{}{}
	delete(v.removed, s)
	v.added[s] = struct{}{}
}

// Delete removes s from the membership.
func (v *SetView) Delete(s string) {
	delete(v.members, s)
	delete(v.added, s)
	v.removed[s] = struct{}{}
}

// Has reports membership.
func (v *SetView) Has(s string) bool {
	_, ok := v.members[s]
	return ok
}

// Len returns the current member count.
func (v *SetView) Len() int { return len(v.members) }

// Members returns the current membership, sorted.
func (v *SetView) Members() []string {
	out := make([]string, 0, len(v.members))
	for m := range v.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dirty reports whether any mutation has been recorded.
func (v *SetView) Dirty() bool { return len(v.added) > 0 || len(v.removed) > 0 }

// Delta returns the recorded mutations in sorted order.
func (v *SetView) Delta() SetDelta {
	d := SetDelta{}
	for m := range v.added {
		d.Add = append(d.Add, m)
	}
	for m := range v.removed {
		d.Remove = append(d.Remove, m)
	}
	sort.Strings(d.Add)
	sort.Strings(d.Remove)
	return d
}

// Rebase clears the recorded delta after a successful save.
func (v *SetView) Rebase() {
	v.added = make(map[string]struct{})
	v.removed = make(map[string]struct{})
}

// StringSetField stores a bounded string set. An empty set is stored as an
// absent attribute so {$exists:false} matches empties. Set fields may never
// appear in an index.
type StringSetField struct {
	Meta

	MaxMemberCount  int
	MaxStringLength int
}

func NewStringSet(name string, maxMembers, maxLen int) *StringSetField {
	return &StringSetField{Meta: Meta{name: name}, MaxMemberCount: maxMembers, MaxStringLength: maxLen}
}

// toMembers normalizes []string or *SetView into a sorted member slice.
func toMembers(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		out := append([]string(nil), s...)
		sort.Strings(out)
		return out, true
	case *SetView:
		return s.Members(), true
	}
	return nil, false
}

func (f *StringSetField) Initial() (any, bool) { return nil, false }

func (f *StringSetField) checkMembers(members []string) error {
	if f.MaxMemberCount > 0 && len(members) > f.MaxMemberCount {
		return invalidf(f.name, "member count %d exceeds max %d", len(members), f.MaxMemberCount)
	}
	for _, m := range members {
		if f.MaxStringLength > 0 && len(m) > f.MaxStringLength {
			return invalidf(f.name, "member %q exceeds max length %d", m, f.MaxStringLength)
		}
	}
	return nil
}

func (f *StringSetField) Validate(v any) error {
	if d, ok := v.(SetDelta); ok {
		return f.checkMembers(append(append([]string(nil), d.Add...), d.Remove...))
	}
	members, ok := toMembers(v)
	if !ok {
		return invalidf(f.name, "want []string, *SetView, or SetDelta, got %T", v)
	}
	return f.checkMembers(members)
}

func (f *StringSetField) ToStorage(v any) (types.AttributeValue, error) {
	members, ok := toMembers(v)
	if !ok {
		return nil, invalidf(f.name, "want []string or *SetView, got %T", v)
	}
	if len(members) == 0 {
		// Empty sets store as an absent attribute.
		return nil, nil
	}
	return &types.AttributeValueMemberSS{Value: members}, nil
}

func (f *StringSetField) FromStorage(av types.AttributeValue) (any, error) {
	ss, ok := av.(*types.AttributeValueMemberSS)
	if !ok {
		return nil, invalidf(f.name, "stored attribute is %T, want SS", av)
	}
	out := append([]string(nil), ss.Value...)
	sort.Strings(out)
	return out, nil
}

func (f *StringSetField) ToIndexString(v any) (string, error) {
	return "", fmt.Errorf("set field %q has no index form: %w", f.name, ErrInvalid)
}

// Member encodes a single membership-test operand, applying the per-member
// length bound. Used for contains conditions, where the operand is one
// member rather than a whole set.
func (f *StringSetField) Member(v any) (types.AttributeValue, error) {
	s, ok := v.(string)
	if !ok {
		return nil, invalidf(f.name, "want string member, got %T", v)
	}
	if f.MaxStringLength > 0 && len(s) > f.MaxStringLength {
		return nil, invalidf(f.name, "member %q exceeds max length %d", s, f.MaxStringLength)
	}
	return &types.AttributeValueMemberS{Value: s}, nil
}

func (f *StringSetField) AppendUpdate(x *UpdateExpr, attr string, v any) error {
	if v == nil {
		x.Remove(attr)
		return nil
	}
	if d, ok := v.(SetDelta); ok {
		if len(d.Add) > 0 {
			x.Add(attr, &types.AttributeValueMemberSS{Value: d.Add})
		}
		if len(d.Remove) > 0 {
			x.DeleteElems(attr, &types.AttributeValueMemberSS{Value: d.Remove})
		}
		return nil
	}
	av, err := f.ToStorage(v)
	if err != nil {
		return err
	}
	if av == nil {
		x.Remove(attr)
		return nil
	}
	x.Set(attr, av)
	return nil
}

func (f *StringSetField) IndexEncodable() error {
	return fmt.Errorf("set field %q cannot appear in an index", f.name)
}
