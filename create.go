package monotable

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/condition"
	"github.com/monotable/monotable/field"
	"github.com/monotable/monotable/reqctx"
)

// Create inserts a new item. Initial values and create-time auto values
// fill absent fields, every value is validated, and the insert is
// conditional on the primary key not existing. Entities with uniqueness
// constraints write the item and its companion rows in one transaction.
//
// The returned instance is cached in the request scope.
func (d *Descriptor) Create(ctx context.Context, values map[string]any, opts *WriteOptions) (*Instance, error) {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, ErrNoScope
	}

	vals := make(map[string]any, len(values))
	for name, v := range values {
		if _, ok := d.fields[name]; !ok {
			return nil, validationErrf("entity %s has no field %q", d.name, name)
		}
		if v != nil {
			vals[name] = v
		}
	}

	for _, name := range d.order {
		f := d.fields[name]
		cur, has := vals[name]
		if !has {
			if init, ok := f.Initial(); ok {
				vals[name] = init
				cur, has = init, true
			}
		}
		if auto, ok := f.(field.AutoValuer); ok {
			if nv, ok := auto.AutoValue(field.OpCreate, cur, has, true); ok {
				vals[name] = nv
			}
		}
		// A counter created with a delta resolves against zero.
		if _, isCounter := f.(*field.CounterField); isCounter {
			if s, isStr := vals[name].(string); isStr {
				if n, err := strconv.ParseInt(s, 10, 64); err == nil {
					vals[name] = n
				}
			}
		}
	}

	for _, name := range d.order {
		f := d.fields[name]
		v, has := vals[name]
		if !has {
			if f.IsRequired() || name == d.pkField || name == d.skField {
				return nil, validationErrf("entity %s: field %q is required", d.name, name)
			}
			continue
		}
		if err := f.Validate(v); err != nil {
			return nil, validationErrf("entity %s: %v", d.name, err)
		}
	}

	id, err := d.primaryID(vals)
	if err != nil {
		return nil, err
	}
	item, err := d.buildItem(id, vals)
	if err != nil {
		return nil, err
	}
	companions, err := d.companions(vals)
	if err != nil {
		return nil, err
	}
	userCond, err := d.compileWriteCondition(opts)
	if err != nil {
		return nil, err
	}

	var cost reqctx.Capacity
	if len(companions) > 0 {
		probeCost, err := d.checkUnique(ctx, companions, id)
		cost = cost.Add(probeCost)
		if err != nil {
			scope.AddCapacity(cost)
			return nil, err
		}
		writeCost, err := d.createTransactional(ctx, id, item, companions, userCond)
		cost = cost.Add(writeCost)
		if err != nil {
			scope.AddCapacity(cost)
			return nil, err
		}
	} else {
		writeCost, err := d.createDirect(ctx, id, item, userCond, hasUserCondition(opts))
		cost = cost.Add(writeCost)
		if err != nil {
			scope.AddCapacity(cost)
			return nil, err
		}
	}
	scope.AddCapacity(cost)

	inst, err := d.materialize(item)
	if err != nil {
		return nil, err
	}
	inst.addCapacity(cost)
	scope.Store(d.cacheKey(id), inst)
	return inst, nil
}

// createDirect is the single-item insert path.
func (d *Descriptor) createDirect(ctx context.Context, id string, item map[string]types.AttributeValue, userCond *condition.Compiled, conditioned bool) (reqctx.Capacity, error) {
	h := d.tenant.handle

	expr := "attribute_not_exists(#p)"
	names := map[string]string{"#p": attrPK}
	values := map[string]types.AttributeValue{}
	if userCond != nil {
		expr = expr + " AND " + userCond.Expression
		userCond.MergeInto(names, values)
	}
	in := &dynamodb.PutItemInput{
		TableName:                aws.String(h.Table()),
		Item:                     item,
		ConditionExpression:      aws.String(expr),
		ExpressionAttributeNames: names,
		ReturnConsumedCapacity:   types.ReturnConsumedCapacityTotal,
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}

	var out *dynamodb.PutItemOutput
	err := h.Do(ctx, "PutItem", func() error {
		var callErr error
		out, callErr = h.Client().PutItem(ctx, in)
		return callErr
	})
	if err != nil {
		if backend.IsConditionFailure(err) {
			if conditioned {
				return reqctx.Capacity{}, conditionalErrf("entity %s: create condition not met", d.name)
			}
			return reqctx.Capacity{}, conditionalErrf("entity %s: id %q already exists", d.name, id)
		}
		return reqctx.Capacity{}, err
	}
	return reqctx.Capacity{Write: backend.WriteCapacity(out.ConsumedCapacity)}, nil
}

// createTransactional inserts the item plus its uniqueness companion rows
// atomically.
func (d *Descriptor) createTransactional(ctx context.Context, id string, item map[string]types.AttributeValue, companions []uniqueCompanion, userCond *condition.Compiled) (reqctx.Capacity, error) {
	h := d.tenant.handle

	expr := "attribute_not_exists(#p)"
	names := map[string]string{"#p": attrPK}
	values := map[string]types.AttributeValue{}
	if userCond != nil {
		expr = expr + " AND " + userCond.Expression
		userCond.MergeInto(names, values)
	}
	mainPut := &types.Put{
		TableName:                aws.String(h.Table()),
		Item:                     item,
		ConditionExpression:      aws.String(expr),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		mainPut.ExpressionAttributeValues = values
	}

	writes := make([]types.TransactWriteItem, 0, len(companions)+1)
	writes = append(writes, types.TransactWriteItem{Put: mainPut})
	for _, c := range companions {
		writes = append(writes, d.companionPut(c, id))
	}

	var out *dynamodb.TransactWriteItemsOutput
	err := h.Do(ctx, "TransactWriteItems", func() error {
		var callErr error
		out, callErr = h.Client().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems:          writes,
			ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
		})
		return callErr
	})
	if err != nil {
		return reqctx.Capacity{}, d.mapTransactionError(ctx, err, companions, id,
			conditionalErrf("entity %s: id %q already exists", d.name, id))
	}
	var cost reqctx.Capacity
	for _, cc := range out.ConsumedCapacity {
		cost.Write += backend.WriteCapacity(&cc)
	}
	return cost, nil
}
