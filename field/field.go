// Package field implements the per-kind value kernel: validation, storage
// encoding, order-preserving index-string encoding, and update-expression
// fragments for every field kind an entity can declare.
//
// The concrete kinds live in sibling files; this file holds the Field
// contract, the shared metadata embed, and the update-expression builder
// that mutation code feeds fragments into.
package field

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrInvalid is the base error wrapped by every validation failure raised
// in this package. Callers match it with errors.Is.
var ErrInvalid = errors.New("invalid field value")

// Op identifies which mutation a hook is running under.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
)

// Field is the contract every field kind implements.
//
// ToStorage/FromStorage translate between the normalized Go value and the
// stored attribute. ToIndexString produces the order-preserving string form
// used in key positions; kinds that cannot appear in a key return an error
// from IndexEncodable and are rejected at registration.
type Field interface {
	Name() string
	IsRequired() bool

	// Initial returns the value a create uses when the caller supplied
	// none. The second return is false when the kind has no initial value.
	Initial() (any, bool)

	Validate(v any) error
	ToStorage(v any) (types.AttributeValue, error)
	FromStorage(av types.AttributeValue) (any, error)
	ToIndexString(v any) (string, error)

	// AppendUpdate adds this field's SET/ADD/DELETE/REMOVE fragment for
	// the given new value to the builder. A nil value removes the
	// attribute.
	AppendUpdate(x *UpdateExpr, attr string, v any) error

	// IndexEncodable reports whether the kind may occupy a key or index
	// position; a non-nil error names the reason it may not.
	IndexEncodable() error
}

// AutoValuer is implemented by kinds that synthesize a value before a save
// when the caller did not supply one (create-date, modified-date, version,
// counter, ttl, auto-assigned ulid).
type AutoValuer interface {
	// AutoValue returns the synthesized value and true when the kind wants
	// to write one. current/hasCurrent describe the value already staged
	// for this save; othersDirty reports whether any other field is dirty.
	AutoValue(op Op, current any, hasCurrent bool, othersDirty bool) (any, bool)
}

// Meta carries the name and required flag shared by all kinds.
type Meta struct {
	name string

	// Required marks the field as mandatory at create time. Key fields
	// are implicitly required regardless of this flag.
	Required bool
}

func (m *Meta) Name() string     { return m.name }
func (m *Meta) IsRequired() bool { return m.Required }

// invalidf wraps ErrInvalid with a field-specific message.
func invalidf(name, format string, args ...any) error {
	return fmt.Errorf("field %q: %s: %w", name, fmt.Sprintf(format, args...), ErrInvalid)
}

// UpdateExpr accumulates SET, ADD, DELETE, and REMOVE fragments together
// with their expression attribute names and values, and renders the final
// DynamoDB update expression. Name refs are deduplicated per attribute so
// an ADD and a DELETE on the same set attribute share one #ref.
type UpdateExpr struct {
	sets []string
	adds []string
	dels []string
	rems []string

	names  map[string]string // #ref -> attribute
	byAttr map[string]string // attribute -> #ref
	values map[string]types.AttributeValue
	nextV  int
}

// NewUpdateExpr returns an empty builder.
func NewUpdateExpr() *UpdateExpr {
	return &UpdateExpr{
		names:  make(map[string]string),
		byAttr: make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

// NameRef returns the #ref for attr, minting one on first use.
func (x *UpdateExpr) NameRef(attr string) string {
	if ref, ok := x.byAttr[attr]; ok {
		return ref
	}
	ref := fmt.Sprintf("#u%d", len(x.byAttr))
	x.byAttr[attr] = ref
	x.names[ref] = attr
	return ref
}

// ValueRef mints a :ref for av.
func (x *UpdateExpr) ValueRef(av types.AttributeValue) string {
	ref := fmt.Sprintf(":u%d", x.nextV)
	x.nextV++
	x.values[ref] = av
	return ref
}

// Set stages a SET attr = value fragment.
func (x *UpdateExpr) Set(attr string, av types.AttributeValue) {
	x.sets = append(x.sets, fmt.Sprintf("%s = %s", x.NameRef(attr), x.ValueRef(av)))
}

// Add stages an ADD attr value fragment (counters and set additions).
func (x *UpdateExpr) Add(attr string, av types.AttributeValue) {
	x.adds = append(x.adds, fmt.Sprintf("%s %s", x.NameRef(attr), x.ValueRef(av)))
}

// DeleteElems stages a DELETE attr value fragment (set member removal).
func (x *UpdateExpr) DeleteElems(attr string, av types.AttributeValue) {
	x.dels = append(x.dels, fmt.Sprintf("%s %s", x.NameRef(attr), x.ValueRef(av)))
}

// Remove stages a REMOVE attr fragment.
func (x *UpdateExpr) Remove(attr string) {
	x.rems = append(x.rems, x.NameRef(attr))
}

// Empty reports whether no fragment has been staged.
func (x *UpdateExpr) Empty() bool {
	return len(x.sets) == 0 && len(x.adds) == 0 && len(x.dels) == 0 && len(x.rems) == 0
}

// Expression renders the full update expression string.
func (x *UpdateExpr) Expression() string {
	var parts []string
	if len(x.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(x.sets, ", "))
	}
	if len(x.adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(x.adds, ", "))
	}
	if len(x.dels) > 0 {
		parts = append(parts, "DELETE "+strings.Join(x.dels, ", "))
	}
	if len(x.rems) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(x.rems, ", "))
	}
	return strings.Join(parts, " ")
}

// Names returns the expression attribute name map.
func (x *UpdateExpr) Names() map[string]string { return x.names }

// Values returns the expression attribute value map.
func (x *UpdateExpr) Values() map[string]types.AttributeValue { return x.values }
