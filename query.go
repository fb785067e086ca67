package monotable

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/condition"
	"github.com/monotable/monotable/keycodec"
	"github.com/monotable/monotable/reqctx"
)

// Direction orders query results along the sort key.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// relatedLoadConcurrency bounds the parallel hydration of related items.
const relatedLoadConcurrency = 8

// QueryOptions shape one page of a query.
type QueryOptions struct {
	// Index names a declared secondary index; empty means the primary
	// index.
	Index string

	// SortCondition is the optional sort-key half of the key condition,
	// restricted to the key-condition operator set.
	SortCondition map[string]any

	// Filter is a post-read data condition. Filtered-out items still
	// consume capacity and still count against Limit.
	Filter map[string]any

	// Limit caps the page size before filtering; 0 applies the entity's
	// default.
	Limit int32

	Direction Direction

	// StartKey resumes from a previous page's LastEvaluatedKey.
	StartKey map[string]types.AttributeValue

	// CountOnly returns only the match count.
	CountOnly bool

	// Raw skips materialization and returns the stored items.
	Raw bool

	// LoadRelated hydrates related fields on every result. RelatedFields
	// narrows which; empty means all declared related fields.
	LoadRelated   bool
	RelatedFields []string

	// RelatedOnly returns the deduplicated targets of exactly one related
	// field instead of the matched items themselves.
	RelatedOnly bool
}

// QueryResult is one page of results.
type QueryResult struct {
	Instances []*Instance
	Items     []map[string]types.AttributeValue
	Count     int32

	// LastEvaluatedKey is non-nil when another page exists; feed it back
	// through QueryOptions.StartKey.
	LastEvaluatedKey map[string]types.AttributeValue

	Capacity reqctx.Capacity
}

// Query reads one page of items sharing a partition. pkValue is the value
// of the chosen index's partition-key field (ignored when that key is the
// model-prefix sentinel).
func (d *Descriptor) Query(ctx context.Context, pkValue any, opts *QueryOptions) (*QueryResult, error) {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	if opts == nil {
		opts = &QueryOptions{}
	}

	pkAttr, skAttr, pkString, sortField, indexName, err := d.resolveQueryIndex(pkValue, opts.Index)
	if err != nil {
		return nil, err
	}

	expr := "#kp = :kp"
	names := map[string]string{"#kp": pkAttr}
	values := map[string]types.AttributeValue{
		":kp": &types.AttributeValueMemberS{Value: pkString},
	}
	if len(opts.SortCondition) > 0 {
		var codec condition.FieldCodec
		if sortField != "" {
			codec = &keyCodec{attr: skAttr, f: &fieldCodec{f: d.fields[sortField]}}
		}
		compiled, err := condition.CompileKeyCondition(sortField, codec, opts.SortCondition)
		if err != nil {
			return nil, queryErrf("entity %s: sort condition: %v", d.name, err)
		}
		expr = condition.JoinAnd(expr, compiled.Expression)
		compiled.MergeInto(names, values)
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(d.tenant.handle.Table()),
		KeyConditionExpression:    aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(opts.Direction == Ascending),
		ReturnConsumedCapacity:    types.ReturnConsumedCapacityTotal,
	}
	if indexName != "" {
		in.IndexName = aws.String(indexName)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = d.defaultQueryLimit()
	}
	in.Limit = aws.Int32(limit)
	if len(opts.StartKey) > 0 {
		in.ExclusiveStartKey = opts.StartKey
	}
	if opts.CountOnly {
		in.Select = types.SelectCount
	}
	if len(opts.Filter) > 0 {
		compiled, err := condition.Compile(d, opts.Filter)
		if err != nil {
			return nil, queryErrf("entity %s: filter: %v", d.name, err)
		}
		in.FilterExpression = aws.String(compiled.Expression)
		compiled.MergeInto(names, values)
	}

	h := d.tenant.handle
	var out *dynamodb.QueryOutput
	err = h.Do(ctx, "Query", func() error {
		var callErr error
		out, callErr = h.Client().Query(ctx, in)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	cost := reqctx.Capacity{Read: backend.ReadCapacity(out.ConsumedCapacity)}
	scope.AddCapacity(cost)

	result := &QueryResult{
		Count:            out.Count,
		LastEvaluatedKey: out.LastEvaluatedKey,
		Capacity:         cost,
	}
	if opts.CountOnly {
		return result, nil
	}
	if opts.Raw {
		result.Items = out.Items
		return result, nil
	}

	result.Instances = make([]*Instance, 0, len(out.Items))
	for _, item := range out.Items {
		inst, err := d.materialize(item)
		if err != nil {
			return nil, err
		}
		if v, ok := scope.Cached(d.cacheKey(inst.id)); ok {
			result.Instances = append(result.Instances, v.(*Instance))
			continue
		}
		scope.Store(d.cacheKey(inst.id), inst)
		result.Instances = append(result.Instances, inst)
	}

	if opts.LoadRelated || opts.RelatedOnly {
		if err := d.hydrateRelated(ctx, result.Instances, opts.RelatedFields); err != nil {
			return nil, err
		}
	}
	if opts.RelatedOnly {
		related, err := d.collectRelated(result.Instances, opts.RelatedFields)
		if err != nil {
			return nil, err
		}
		result.Instances = related
	}
	return result, nil
}

// resolveQueryIndex maps an index choice onto the physical key attributes,
// the encoded partition-key string, the constrainable sort field, and the
// physical index name.
func (d *Descriptor) resolveQueryIndex(pkValue any, index string) (pkAttr, skAttr, pkString, sortField, indexName string, err error) {
	encode := func(fieldName string) (string, error) {
		if fieldName == "" {
			return d.prefix, nil
		}
		if pkValue == nil {
			return "", queryErrf("entity %s: partition value for field %q is required", d.name, fieldName)
		}
		s, encErr := d.fields[fieldName].ToIndexString(pkValue)
		if encErr != nil {
			return "", queryErrf("entity %s: partition value: %v", d.name, encErr)
		}
		return s, nil
	}

	if index == "" {
		pkVal, encErr := encode(d.pkField)
		if encErr != nil {
			return "", "", "", "", "", encErr
		}
		return attrPK, attrSK, keycodec.PartitionKey(d.prefix, pkVal), d.skField, "", nil
	}

	idx, ok := d.indexByID[index]
	if !ok {
		return "", "", "", "", "", queryErrf("entity %s has no index %q", d.name, index)
	}
	pkVal, encErr := encode(idx.PartitionKey)
	if encErr != nil {
		return "", "", "", "", "", encErr
	}
	sortField = idx.SortKey
	if sortField == PrefixSentinel {
		sortField = ""
	}
	pkAttr, skAttr = slotAttrs(idx.Slot)
	return pkAttr, skAttr, keycodec.IndexPartitionKey(d.prefix, idx.Slot, pkVal), sortField, gsiName(idx.Slot), nil
}

func gsiName(slot int) string { return fmt.Sprintf("gsi%d", slot) }

// keyCodec overrides a field codec's attribute with the physical key
// attribute and forces index-string encoding.
type keyCodec struct {
	attr string
	f    condition.FieldCodec
}

func (c *keyCodec) Attribute() string                           { return c.attr }
func (c *keyCodec) Storage(v any) (types.AttributeValue, error) { return c.f.Storage(v) }
func (c *keyCodec) IndexString(v any) (string, error)           { return c.f.IndexString(v) }
func (c *keyCodec) IsKey() bool                                 { return true }

// hydrateRelated dereferences related fields across a result page in
// parallel; duplicate pointers coalesce through the batch context.
func (d *Descriptor) hydrateRelated(ctx context.Context, instances []*Instance, fields []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(relatedLoadConcurrency)
	for _, inst := range instances {
		g.Go(func() error {
			return inst.LoadRelated(gctx, fields...)
		})
	}
	return g.Wait()
}

// collectRelated flattens a page down to the distinct targets of exactly
// one related field.
func (d *Descriptor) collectRelated(instances []*Instance, fields []string) ([]*Instance, error) {
	if len(fields) != 1 {
		return nil, queryErrf("entity %s: related-only queries want exactly one related field, got %d", d.name, len(fields))
	}
	name := fields[0]
	seen := make(map[string]struct{})
	var out []*Instance
	for _, inst := range instances {
		rel := inst.Related(name)
		if rel == nil {
			continue
		}
		if _, dup := seen[rel.ID()]; dup {
			continue
		}
		seen[rel.ID()] = struct{}{}
		out = append(out, rel)
	}
	return out, nil
}
