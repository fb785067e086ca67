package monotable

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/condition"
	"github.com/monotable/monotable/reqctx"
)

// WriteOptions carry the optional caller-supplied condition a mutation
// must satisfy. The condition compiles through the same DSL as query
// filters and attaches to the main item's write.
type WriteOptions struct {
	Condition map[string]any
}

// compileWriteCondition compiles opts.Condition, returning nil when no
// condition was supplied. Compile failures are query errors, not backend
// errors.
func (d *Descriptor) compileWriteCondition(opts *WriteOptions) (*condition.Compiled, error) {
	if opts == nil || len(opts.Condition) == 0 {
		return nil, nil
	}
	compiled, err := condition.Compile(d, opts.Condition)
	if err != nil {
		return nil, queryErrf("entity %s: write condition: %v", d.name, err)
	}
	return compiled, nil
}

func hasUserCondition(opts *WriteOptions) bool {
	return opts != nil && len(opts.Condition) > 0
}

// uniqueCompanion is one companion row in play for a write: the
// constraint, the constrained value's index-string form, and the row key.
type uniqueCompanion struct {
	def   UniqueDef
	value string
	key   map[string]types.AttributeValue
}

// companions resolves the companion rows the given values occupy. A
// constraint whose field has no value contributes no row.
func (d *Descriptor) companions(values map[string]any) ([]uniqueCompanion, error) {
	var out []uniqueCompanion
	for _, u := range d.unique {
		s, ok, err := d.indexString(u.Field, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, uniqueCompanion{def: u, value: s, key: d.uniqueRowKey(u, s)})
	}
	return out, nil
}

// companionItem is the full companion row: its key plus the back-pointers
// that record which item owns the constrained value.
func (d *Descriptor) companionItem(c uniqueCompanion, id string) map[string]types.AttributeValue {
	item := make(map[string]types.AttributeValue, len(c.key)+2)
	for k, v := range c.key {
		item[k] = v
	}
	item[attrRelatedID] = &types.AttributeValueMemberS{Value: id}
	item[attrRelatedModel] = &types.AttributeValueMemberS{Value: d.name}
	return item
}

// companionPut builds the transactional claim of one companion row. The
// condition tolerates re-claiming a row this item already owns, which is
// what makes creates and value-preserving updates idempotent under retry.
func (d *Descriptor) companionPut(c uniqueCompanion, id string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(d.tenant.handle.Table()),
			Item:      d.companionItem(c, id),
			ConditionExpression: aws.String(
				"attribute_not_exists(#cp) OR (#cr = :cid AND #cm = :cmodel)"),
			ExpressionAttributeNames: map[string]string{
				"#cp": attrPK,
				"#cr": attrRelatedID,
				"#cm": attrRelatedModel,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid":    &types.AttributeValueMemberS{Value: id},
				":cmodel": &types.AttributeValueMemberS{Value: d.name},
			},
		},
	}
}

// companionDelete builds the transactional release of one companion row.
// Absent rows and rows owned by this item both release cleanly; a row
// owned by someone else cancels the transaction.
func (d *Descriptor) companionDelete(c uniqueCompanion, id string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:           aws.String(d.tenant.handle.Table()),
			Key:                 c.key,
			ConditionExpression: aws.String("attribute_not_exists(#cp) OR #cr = :cid"),
			ExpressionAttributeNames: map[string]string{
				"#cp": attrPK,
				"#cr": attrRelatedID,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": &types.AttributeValueMemberS{Value: id},
			},
		},
	}
}

// checkUnique pre-flights the companion rows: a row owned by a different
// item fails fast with the field-specific uniqueness error before any
// write is attempted. Returns the read cost of the probes.
func (d *Descriptor) checkUnique(ctx context.Context, companions []uniqueCompanion, id string) (reqctx.Capacity, error) {
	h := d.tenant.handle
	var cost reqctx.Capacity
	for _, c := range companions {
		var out *dynamodb.GetItemOutput
		err := h.Do(ctx, "GetItem", func() error {
			var callErr error
			out, callErr = h.Client().GetItem(ctx, &dynamodb.GetItemInput{
				TableName:              aws.String(h.Table()),
				Key:                    c.key,
				ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
			})
			return callErr
		})
		if err != nil {
			return cost, err
		}
		cost.Read += backend.ReadCapacity(out.ConsumedCapacity)
		if len(out.Item) == 0 {
			continue
		}
		owner, _ := out.Item[attrRelatedID].(*types.AttributeValueMemberS)
		if owner == nil || owner.Value != id {
			return cost, uniqueErr(c.def.Field)
		}
	}
	return cost, nil
}

// mapTransactionError translates a transaction cancellation into the
// caller-facing error. Conditional cancellations re-run the companion
// probes to name the violated field; when every companion is clean the
// failure came from the main item's condition.
func (d *Descriptor) mapTransactionError(ctx context.Context, err error, companions []uniqueCompanion, id string, mainErr error) error {
	reasons, ok := backend.IsTransactionCanceled(err)
	if !ok || !backend.HasConditionalCancellation(reasons) {
		return err
	}
	if _, checkErr := d.checkUnique(ctx, companions, id); checkErr != nil {
		if errors.Is(checkErr, ErrConditional) {
			return checkErr
		}
		// The probe itself failed; surface the original cancellation.
		return err
	}
	return mainErr
}

// conditionalErrf wraps ErrConditional with context.
func conditionalErrf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConditional)...)
}
