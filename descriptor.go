// Package monotable maps declared entities onto one DynamoDB table:
// partition/sort key encoding, five reserved GSI slots, uniqueness
// companion rows, request-scoped batched reads, conditional and
// transactional writes, and a structured query DSL.
package monotable

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/condition"
	"github.com/monotable/monotable/field"
	"github.com/monotable/monotable/keycodec"
)

// PrefixSentinel marks a primary-key or index-key position that uses the
// entity's model prefix as the literal key component instead of a field.
const PrefixSentinel = "modelPrefix"

// Physical attribute names of the single-table layout. Never user-visible.
const (
	attrPK     = "_pk"
	attrSK     = "_sk"
	attrIterPK = "_iter_pk"
	attrIterSK = "_iter_sk"

	attrRelatedID    = "relatedId"
	attrRelatedModel = "relatedModel"
)

const (
	maxIndexSlots  = 5
	maxUniqueSlots = 3
	maxIterBuckets = 1000
)

// IndexDef declares one secondary index occupying a physical GSI slot.
type IndexDef struct {
	Name         string
	PartitionKey string // field name
	SortKey      string // field name or PrefixSentinel
	Slot         int    // 1..5
}

// UniqueDef declares a uniqueness constraint on one field, enforced with a
// companion row in a reserved slot namespace.
type UniqueDef struct {
	Field string
	Slot  int // 1..3
}

// Definition is the declarative input to registration. It is validated
// and frozen into a Descriptor; the Definition itself is not retained.
type Definition struct {
	// Name is the entity type name ("User").
	Name string

	// Prefix is the stable short model prefix used in every key ("u").
	Prefix string

	// Fields in declaration order.
	Fields []field.Field

	// PartitionKey and SortKey name primary-key fields; either may be
	// PrefixSentinel.
	PartitionKey string
	SortKey      string

	Indexes []IndexDef
	Unique  []UniqueDef

	// Iterable adds iteration-bucket keys to every item so the entity can
	// be swept bucket by bucket.
	Iterable    bool
	IterBuckets int // 1..1000; defaults to 100 when Iterable

	// DefaultQueryLimit overrides the manager-level default page size.
	DefaultQueryLimit int32
}

// Descriptor is the frozen per-entity metadata. Immutable after
// registration; safe for concurrent use.
type Descriptor struct {
	name   string
	prefix string

	fields map[string]field.Field
	order  []string

	pkField    string // "" when sentinel
	skField    string // "" when sentinel
	indexes    []IndexDef
	indexByID  map[string]IndexDef
	unique     []UniqueDef
	iterable   bool
	iterCount  int
	queryLimit int32

	tenant *Tenant
}

// Name returns the entity type name.
func (d *Descriptor) Name() string { return d.name }

// Prefix returns the model prefix.
func (d *Descriptor) Prefix() string { return d.prefix }

// IterBuckets returns the iteration bucket count (0 when not iterable).
func (d *Descriptor) IterBuckets() int {
	if !d.iterable {
		return 0
	}
	return d.iterCount
}

// newDescriptor validates every invariant and freezes the definition.
// Registration is the single validation point; nothing is re-checked per
// operation.
func newDescriptor(def Definition, t *Tenant) (*Descriptor, error) {
	if def.Name == "" {
		return nil, configErrf("entity name is required")
	}
	if def.Prefix == "" || strings.ContainsAny(def.Prefix, "#|") {
		return nil, configErrf("entity %s: prefix %q must be non-empty and free of '#' and '|'", def.Name, def.Prefix)
	}

	d := &Descriptor{
		name:       def.Name,
		prefix:     def.Prefix,
		fields:     make(map[string]field.Field, len(def.Fields)),
		indexByID:  make(map[string]IndexDef, len(def.Indexes)),
		iterable:   def.Iterable,
		iterCount:  def.IterBuckets,
		queryLimit: def.DefaultQueryLimit,
		tenant:     t,
	}

	for _, f := range def.Fields {
		name := f.Name()
		if name == "" {
			return nil, configErrf("entity %s: field with empty name", def.Name)
		}
		if strings.HasPrefix(name, "_") {
			return nil, configErrf("entity %s: field %q: names may not start with underscore", def.Name, name)
		}
		if _, dup := d.fields[name]; dup {
			return nil, configErrf("entity %s: duplicate field %q", def.Name, name)
		}
		if name == "ttl" {
			if _, ok := f.(*field.TTLField); !ok {
				return nil, configErrf("entity %s: field ttl must be a ttl field", def.Name)
			}
		}
		d.fields[name] = f
		d.order = append(d.order, name)
	}

	keyField := func(pos, name string) (string, error) {
		if name == PrefixSentinel {
			return "", nil
		}
		f, ok := d.fields[name]
		if !ok {
			return "", configErrf("entity %s: %s names unknown field %q", def.Name, pos, name)
		}
		if err := f.IndexEncodable(); err != nil {
			return "", configErrf("entity %s: %s: %v", def.Name, pos, err)
		}
		return name, nil
	}

	var err error
	if d.pkField, err = keyField("partition key", def.PartitionKey); err != nil {
		return nil, err
	}
	if d.skField, err = keyField("sort key", def.SortKey); err != nil {
		return nil, err
	}
	if def.PartitionKey == "" {
		return nil, configErrf("entity %s: partition key is required", def.Name)
	}
	if def.SortKey == "" {
		return nil, configErrf("entity %s: sort key is required (use PrefixSentinel for single-item entities)", def.Name)
	}

	slots := make(map[int]string, len(def.Indexes))
	for _, idx := range def.Indexes {
		if idx.Name == "" {
			return nil, configErrf("entity %s: index with empty name", def.Name)
		}
		if idx.Slot < 1 || idx.Slot > maxIndexSlots {
			return nil, configErrf("entity %s: index %s: slot %d out of range 1..%d", def.Name, idx.Name, idx.Slot, maxIndexSlots)
		}
		if prev, taken := slots[idx.Slot]; taken {
			return nil, configErrf("entity %s: index %s: slot %d already used by %s", def.Name, idx.Name, idx.Slot, prev)
		}
		slots[idx.Slot] = idx.Name
		if _, dup := d.indexByID[idx.Name]; dup {
			return nil, configErrf("entity %s: duplicate index %s", def.Name, idx.Name)
		}
		if _, err := keyField(fmt.Sprintf("index %s partition key", idx.Name), idx.PartitionKey); err != nil {
			return nil, err
		}
		if idx.PartitionKey == PrefixSentinel {
			return nil, configErrf("entity %s: index %s: partition key cannot be the prefix sentinel", def.Name, idx.Name)
		}
		if _, err := keyField(fmt.Sprintf("index %s sort key", idx.Name), idx.SortKey); err != nil {
			return nil, err
		}
		d.indexes = append(d.indexes, idx)
		d.indexByID[idx.Name] = idx
	}

	uniqueSlots := make(map[int]string, len(def.Unique))
	for _, u := range def.Unique {
		if u.Slot < 1 || u.Slot > maxUniqueSlots {
			return nil, configErrf("entity %s: unique %s: slot %d out of range 1..%d", def.Name, u.Field, u.Slot, maxUniqueSlots)
		}
		if prev, taken := uniqueSlots[u.Slot]; taken {
			return nil, configErrf("entity %s: unique %s: slot %d already used by %s", def.Name, u.Field, u.Slot, prev)
		}
		uniqueSlots[u.Slot] = u.Field
		f, ok := d.fields[u.Field]
		if !ok {
			return nil, configErrf("entity %s: unique constraint on unknown field %q", def.Name, u.Field)
		}
		if err := f.IndexEncodable(); err != nil {
			return nil, configErrf("entity %s: unique constraint: %v", def.Name, err)
		}
		d.unique = append(d.unique, u)
	}

	if d.iterable {
		if d.iterCount == 0 {
			d.iterCount = 100
		}
		if d.iterCount < 1 || d.iterCount > maxIterBuckets {
			return nil, configErrf("entity %s: iteration bucket count %d out of range 1..%d", def.Name, d.iterCount, maxIterBuckets)
		}
	}
	return d, nil
}

// Field returns the declared field, implementing condition.Schema for the
// data-condition compiler.
func (d *Descriptor) Field(name string) (condition.FieldCodec, bool) {
	f, ok := d.fields[name]
	if !ok {
		return nil, false
	}
	return &fieldCodec{f: f}, true
}

// fieldCodec adapts a field to the condition compiler. Data attributes
// carry the field name itself; only the reserved _-prefixed attributes are
// key attributes, and those are never reachable through the DSL.
type fieldCodec struct {
	f field.Field
}

func (c *fieldCodec) Attribute() string                                { return c.f.Name() }
func (c *fieldCodec) Storage(v any) (types.AttributeValue, error)      { return c.f.ToStorage(v) }
func (c *fieldCodec) IndexString(v any) (string, error)                { return c.f.ToIndexString(v) }
func (c *fieldCodec) IsKey() bool                                      { return false }

// MemberStorage encodes a contains operand: set fields match one member,
// every other kind matches against the whole stored value.
func (c *fieldCodec) MemberStorage(v any) (types.AttributeValue, error) {
	if ss, ok := c.f.(*field.StringSetField); ok {
		return ss.Member(v)
	}
	return c.f.ToStorage(v)
}

// indexString encodes a key component: the prefix itself for sentinel
// positions, the field's index-string form otherwise. Missing values
// report ok=false so callers can omit a projection.
func (d *Descriptor) indexString(fieldName string, values map[string]any) (string, bool, error) {
	if fieldName == "" {
		return d.prefix, true, nil
	}
	v, ok := values[fieldName]
	if !ok || v == nil {
		return "", false, nil
	}
	s, err := d.fields[fieldName].ToIndexString(v)
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// primaryID computes the opaque primary id from fully-populated values.
func (d *Descriptor) primaryID(values map[string]any) (string, error) {
	pkVal, ok, err := d.indexString(d.pkField, values)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", validationErrf("entity %s: partition key field %q has no value", d.name, d.pkField)
	}
	skSentinel := d.skField == ""
	skVal := ""
	if !skSentinel {
		skVal, ok, err = d.indexString(d.skField, values)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", validationErrf("entity %s: sort key field %q has no value", d.name, d.skField)
		}
	}
	return keycodec.EncodeID(pkVal, skVal, skSentinel), nil
}

// keyForID builds the physical primary key for a primary id.
func (d *Descriptor) keyForID(id string) (map[string]types.AttributeValue, error) {
	skSentinel := d.skField == ""
	pkVal, skVal, err := keycodec.DecodeID(id, skSentinel)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: keycodec.PartitionKey(d.prefix, pkVal)},
		attrSK: &types.AttributeValueMemberS{Value: keycodec.SortKey(d.prefix, skVal, skSentinel)},
	}, nil
}

// idFromItem recovers the primary id from a stored item's key attributes.
func (d *Descriptor) idFromItem(item map[string]types.AttributeValue) (string, error) {
	pk, ok := item[attrPK].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("entity %s: item missing %s", d.name, attrPK)
	}
	sk, ok := item[attrSK].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("entity %s: item missing %s", d.name, attrSK)
	}
	pkVal, err := keycodec.ParsePartitionKey(d.prefix, pk.Value)
	if err != nil {
		return "", err
	}
	skSentinel := d.skField == ""
	return keycodec.EncodeID(pkVal, sk.Value, skSentinel), nil
}

// projections derives the _sN_pk/_sN_sk attribute pairs for every declared
// index from the given values. A projection is omitted entirely when
// either component is undefined.
func (d *Descriptor) projections(values map[string]any) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue)
	for _, idx := range d.indexes {
		pkVal, ok, err := d.indexString(idx.PartitionKey, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		skSentinel := idx.SortKey == PrefixSentinel
		skName := idx.SortKey
		if skSentinel {
			skName = ""
		}
		skVal, ok, err := d.indexString(skName, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		pkAttr, skAttr := slotAttrs(idx.Slot)
		out[pkAttr] = &types.AttributeValueMemberS{Value: keycodec.IndexPartitionKey(d.prefix, idx.Slot, pkVal)}
		out[skAttr] = &types.AttributeValueMemberS{Value: keycodec.SortKey(d.prefix, skVal, skSentinel)}
	}
	return out, nil
}

func slotAttrs(slot int) (string, string) {
	return fmt.Sprintf("_s%d_pk", slot), fmt.Sprintf("_s%d_sk", slot)
}

// uniqueRowKey builds the companion-row primary key for one constraint
// value.
func (d *Descriptor) uniqueRowKey(u UniqueDef, indexValue string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: keycodec.UniqueKey(u.Slot, d.prefix, u.Field, indexValue)},
		attrSK: &types.AttributeValueMemberS{Value: keycodec.UniqueSortKey},
	}
}

// buildItem assembles the full physical item for a create: data
// attributes, primary key, index projections, and iteration keys.
func (d *Descriptor) buildItem(id string, values map[string]any) (map[string]types.AttributeValue, error) {
	item, err := d.keyForID(id)
	if err != nil {
		return nil, err
	}
	for _, name := range d.order {
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}
		av, err := d.fields[name].ToStorage(v)
		if err != nil {
			return nil, err
		}
		if av == nil {
			continue // empty sets store as absent
		}
		item[name] = av
	}
	proj, err := d.projections(values)
	if err != nil {
		return nil, err
	}
	for k, v := range proj {
		item[k] = v
	}
	if d.iterable {
		item[attrIterPK] = &types.AttributeValueMemberS{Value: keycodec.IterPartitionKey(d.prefix, id, d.iterCount)}
		item[attrIterSK] = &types.AttributeValueMemberS{Value: id}
	}
	return item, nil
}
