package monotable

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/reqctx"
)

// Delete removes the item and releases any uniqueness companion rows it
// owns, atomically when companions are involved. Targets with no live row
// fail with ErrNotFound. The id is evicted from the identity cache.
func (d *Descriptor) Delete(ctx context.Context, id string, opts *WriteOptions) error {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return ErrNoScope
	}

	cur, err := d.Find(ctx, id, &FindOptions{BatchDelay: &ZeroDelay})
	if err != nil {
		return err
	}
	if !cur.Exists() {
		return fmt.Errorf("entity %s: id %q: %w", d.name, id, ErrNotFound)
	}
	clean, err := d.materialize(cur.snapshot)
	if err != nil {
		return err
	}
	companions, err := d.companions(clean.values)
	if err != nil {
		return err
	}
	userCond, err := d.compileWriteCondition(opts)
	if err != nil {
		return err
	}
	key, err := d.keyForID(id)
	if err != nil {
		return validationErrf("entity %s: bad primary id %q: %v", d.name, id, err)
	}

	expr := "attribute_exists(#p)"
	names := map[string]string{"#p": attrPK}
	values := map[string]types.AttributeValue{}
	if userCond != nil {
		expr += " AND " + userCond.Expression
		userCond.MergeInto(names, values)
	}

	var cost reqctx.Capacity
	if len(companions) == 0 {
		cost, err = d.deleteDirect(ctx, id, key, expr, names, values, hasUserCondition(opts))
	} else {
		cost, err = d.deleteTransactional(ctx, id, key, expr, names, values, companions)
	}
	scope.AddCapacity(cost)
	if err != nil {
		return err
	}
	scope.Evict(d.cacheKey(id))
	return nil
}

func (d *Descriptor) deleteDirect(ctx context.Context, id string, key map[string]types.AttributeValue, condExpr string, names map[string]string, values map[string]types.AttributeValue, conditioned bool) (reqctx.Capacity, error) {
	h := d.tenant.handle
	in := &dynamodb.DeleteItemInput{
		TableName:                aws.String(h.Table()),
		Key:                      key,
		ConditionExpression:      aws.String(condExpr),
		ExpressionAttributeNames: names,
		ReturnConsumedCapacity:   types.ReturnConsumedCapacityTotal,
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}

	var out *dynamodb.DeleteItemOutput
	err := h.Do(ctx, "DeleteItem", func() error {
		var callErr error
		out, callErr = h.Client().DeleteItem(ctx, in)
		return callErr
	})
	if err != nil {
		if backend.IsConditionFailure(err) {
			if conditioned {
				return reqctx.Capacity{}, conditionalErrf("entity %s: delete condition not met for id %q", d.name, id)
			}
			return reqctx.Capacity{}, fmt.Errorf("entity %s: id %q: %w", d.name, id, ErrNotFound)
		}
		return reqctx.Capacity{}, err
	}
	return reqctx.Capacity{Write: backend.WriteCapacity(out.ConsumedCapacity)}, nil
}

func (d *Descriptor) deleteTransactional(ctx context.Context, id string, key map[string]types.AttributeValue, condExpr string, names map[string]string, values map[string]types.AttributeValue, companions []uniqueCompanion) (reqctx.Capacity, error) {
	h := d.tenant.handle
	mainDelete := &types.Delete{
		TableName:                aws.String(h.Table()),
		Key:                      key,
		ConditionExpression:      aws.String(condExpr),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		mainDelete.ExpressionAttributeValues = values
	}

	writes := make([]types.TransactWriteItem, 0, 1+len(companions))
	writes = append(writes, types.TransactWriteItem{Delete: mainDelete})
	for _, c := range companions {
		writes = append(writes, d.companionDelete(c, id))
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
		reasons, canceled := backend.IsTransactionCanceled(err)
		if canceled && backend.HasConditionalCancellation(reasons) {
			return reqctx.Capacity{}, conditionalErrf("entity %s: delete condition not met for id %q", d.name, id)
		}
		return reqctx.Capacity{}, err
	}
	var cost reqctx.Capacity
	for _, cc := range out.ConsumedCapacity {
		cost.Write += backend.WriteCapacity(&cc)
	}
	return cost, nil
}
