package monotable

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/field"
	"github.com/monotable/monotable/keycodec"
	"github.com/monotable/monotable/reqctx"
)

// Update applies a partial update to an existing item: counter deltas and
// set deltas compile to ADD/DELETE fragments, touched index projections
// are recomputed, and a changed unique value swaps its companion rows in
// one transaction. Targets with no live row fail with ErrNotFound.
func (d *Descriptor) Update(ctx context.Context, id string, updates map[string]any, opts *WriteOptions) (*Instance, error) {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	final, cost, err := d.applyUpdate(ctx, id, updates, opts)
	if err != nil {
		return nil, err
	}
	if v, ok := scope.Cached(d.cacheKey(id)); ok {
		inst := v.(*Instance)
		inst.rebase(final)
		inst.addCapacity(cost)
		return inst, nil
	}
	inst, err := d.materialize(final)
	if err != nil {
		return nil, err
	}
	inst.addCapacity(cost)
	scope.Store(d.cacheKey(id), inst)
	return inst, nil
}

// applyUpdate runs the shared update pipeline and returns the post-write
// item plus the write cost. Instance.Save feeds its staged changes through
// the same path.
func (d *Descriptor) applyUpdate(ctx context.Context, id string, updates map[string]any, opts *WriteOptions) (map[string]types.AttributeValue, reqctx.Capacity, error) {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, reqctx.Capacity{}, ErrNoScope
	}
	if len(updates) == 0 {
		return nil, reqctx.Capacity{}, validationErrf("entity %s: update with no changes", d.name)
	}

	staged := make(map[string]any, len(updates))
	for name, v := range updates {
		if _, ok := d.fields[name]; !ok {
			return nil, reqctx.Capacity{}, validationErrf("entity %s has no field %q", d.name, name)
		}
		if name == d.pkField || name == d.skField {
			return nil, reqctx.Capacity{}, validationErrf("entity %s: key field %q is immutable", d.name, name)
		}
		staged[name] = v
	}

	cur, err := d.Find(ctx, id, &FindOptions{BatchDelay: &ZeroDelay})
	if err != nil {
		return nil, reqctx.Capacity{}, err
	}
	if !cur.Exists() {
		return nil, reqctx.Capacity{}, fmt.Errorf("entity %s: id %q: %w", d.name, id, ErrNotFound)
	}
	clean, err := d.materialize(cur.snapshot)
	if err != nil {
		return nil, reqctx.Capacity{}, err
	}

	// Caller-supplied changes drive the modified-date and version hooks;
	// the synthesized values themselves do not.
	callerDirty := make(map[string]struct{}, len(staged))
	for name := range staged {
		callerDirty[name] = struct{}{}
	}
	othersDirty := func(name string) bool {
		for k := range callerDirty {
			if k != name {
				return true
			}
		}
		return false
	}
	for _, name := range d.order {
		f := d.fields[name]
		auto, ok := f.(field.AutoValuer)
		if !ok {
			continue
		}
		curV, has := staged[name]
		if nv, ok := auto.AutoValue(field.OpUpdate, curV, has, othersDirty(name)); ok {
			staged[name] = nv
		}
	}

	for name, v := range staged {
		if v == nil {
			continue // attribute removal
		}
		if err := d.fields[name].Validate(v); err != nil {
			return nil, reqctx.Capacity{}, validationErrf("entity %s: %v", d.name, err)
		}
	}

	x := field.NewUpdateExpr()
	for _, name := range d.order {
		v, ok := staged[name]
		if !ok {
			continue
		}
		if err := d.fields[name].AppendUpdate(x, name, v); err != nil {
			return nil, reqctx.Capacity{}, validationErrf("entity %s: %v", d.name, err)
		}
	}

	newValues, err := d.resolveNewValues(clean.values, staged)
	if err != nil {
		return nil, reqctx.Capacity{}, err
	}
	if err := d.reprojectIndexes(x, staged, newValues); err != nil {
		return nil, reqctx.Capacity{}, err
	}

	oldComp, err := d.companions(clean.values)
	if err != nil {
		return nil, reqctx.Capacity{}, err
	}
	newComp, err := d.companions(newValues)
	if err != nil {
		return nil, reqctx.Capacity{}, err
	}
	added, removed := diffCompanions(oldComp, newComp)

	userCond, err := d.compileWriteCondition(opts)
	if err != nil {
		return nil, reqctx.Capacity{}, err
	}

	expr := "attribute_exists(#p)"
	names := map[string]string{"#p": attrPK}
	values := map[string]types.AttributeValue{}
	guarded := false
	if vf, old, ok := d.versionGuard(clean.values); ok {
		expr += " AND #vg = :vg"
		names["#vg"] = vf
		values[":vg"] = &types.AttributeValueMemberS{Value: old}
		guarded = true
	}
	if userCond != nil {
		expr += " AND " + userCond.Expression
		userCond.MergeInto(names, values)
	}
	for k, v := range x.Names() {
		names[k] = v
	}
	for k, v := range x.Values() {
		values[k] = v
	}

	var final map[string]types.AttributeValue
	var cost reqctx.Capacity
	if len(added) == 0 && len(removed) == 0 {
		final, cost, err = d.updateDirect(ctx, id, x, expr, names, values, guarded, hasUserCondition(opts))
	} else {
		probeCost, probeErr := d.checkUnique(ctx, added, id)
		cost = cost.Add(probeCost)
		if probeErr != nil {
			scope.AddCapacity(cost)
			return nil, cost, probeErr
		}
		var writeCost reqctx.Capacity
		writeCost, err = d.updateTransactional(ctx, id, x, expr, names, values, added, removed)
		cost = cost.Add(writeCost)
		if err == nil {
			final, err = d.buildItem(id, newValues)
		}
	}
	scope.AddCapacity(cost)
	if err != nil {
		return nil, cost, err
	}
	return final, cost, nil
}

// updateDirect is the single-item path; the store hands back the post-write
// item.
func (d *Descriptor) updateDirect(ctx context.Context, id string, x *field.UpdateExpr, condExpr string, names map[string]string, values map[string]types.AttributeValue, guarded, conditioned bool) (map[string]types.AttributeValue, reqctx.Capacity, error) {
	h := d.tenant.handle
	key, err := d.keyForID(id)
	if err != nil {
		return nil, reqctx.Capacity{}, validationErrf("entity %s: bad primary id %q: %v", d.name, id, err)
	}
	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(h.Table()),
		Key:                      key,
		UpdateExpression:         aws.String(x.Expression()),
		ConditionExpression:      aws.String(condExpr),
		ExpressionAttributeNames: names,
		ReturnValues:             types.ReturnValueAllNew,
		ReturnConsumedCapacity:   types.ReturnConsumedCapacityTotal,
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}

	var out *dynamodb.UpdateItemOutput
	err = h.Do(ctx, "UpdateItem", func() error {
		var callErr error
		out, callErr = h.Client().UpdateItem(ctx, in)
		return callErr
	})
	if err != nil {
		if backend.IsConditionFailure(err) {
			if guarded || conditioned {
				return nil, reqctx.Capacity{}, conditionalErrf("entity %s: update condition not met for id %q", d.name, id)
			}
			return nil, reqctx.Capacity{}, fmt.Errorf("entity %s: id %q: %w", d.name, id, ErrNotFound)
		}
		return nil, reqctx.Capacity{}, err
	}
	cost := reqctx.Capacity{Write: backend.WriteCapacity(out.ConsumedCapacity)}
	return out.Attributes, cost, nil
}

// updateTransactional swaps companion rows atomically with the item
// update.
func (d *Descriptor) updateTransactional(ctx context.Context, id string, x *field.UpdateExpr, condExpr string, names map[string]string, values map[string]types.AttributeValue, added, removed []uniqueCompanion) (reqctx.Capacity, error) {
	h := d.tenant.handle
	key, err := d.keyForID(id)
	if err != nil {
		return reqctx.Capacity{}, validationErrf("entity %s: bad primary id %q: %v", d.name, id, err)
	}
	mainUpdate := &types.Update{
		TableName:                aws.String(h.Table()),
		Key:                      key,
		UpdateExpression:         aws.String(x.Expression()),
		ConditionExpression:      aws.String(condExpr),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		mainUpdate.ExpressionAttributeValues = values
	}

	writes := make([]types.TransactWriteItem, 0, 1+len(added)+len(removed))
	writes = append(writes, types.TransactWriteItem{Update: mainUpdate})
	for _, c := range added {
		writes = append(writes, d.companionPut(c, id))
	}
	for _, c := range removed {
		writes = append(writes, d.companionDelete(c, id))
	}

	var out *dynamodb.TransactWriteItemsOutput
	err = h.Do(ctx, "TransactWriteItems", func() error {
		var callErr error
		out, callErr = h.Client().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems:          writes,
			ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
		})
		return callErr
	})
	if err != nil {
		return reqctx.Capacity{}, d.mapTransactionError(ctx, err, added, id,
			conditionalErrf("entity %s: update condition not met for id %q", d.name, id))
	}
	var cost reqctx.Capacity
	for _, cc := range out.ConsumedCapacity {
		cost.Write += backend.WriteCapacity(&cc)
	}
	return cost, nil
}

// versionGuard returns the version field's attribute and its loaded value
// when the entity declares one, enabling the optimistic write guard.
func (d *Descriptor) versionGuard(clean map[string]any) (string, string, bool) {
	for _, name := range d.order {
		if _, ok := d.fields[name].(*field.VersionField); !ok {
			continue
		}
		old, ok := clean[name].(string)
		if !ok || old == "" {
			return "", "", false
		}
		return name, old, true
	}
	return "", "", false
}

// resolveNewValues merges the staged changes onto the clean values,
// resolving relative forms (counter deltas, set deltas) into the absolute
// post-write state. The result drives index reprojection, companion
// diffing, and the client-side final item of transactional updates.
func (d *Descriptor) resolveNewValues(clean map[string]any, staged map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(clean)+len(staged))
	for k, v := range clean {
		out[k] = v
	}
	for name, v := range staged {
		if v == nil {
			delete(out, name)
			continue
		}
		switch f := d.fields[name].(type) {
		case *field.CounterField:
			if s, ok := v.(string); ok {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, validationErrf("entity %s: field %q: bad delta %q", d.name, name, s)
				}
				base, _ := out[name].(int64)
				out[name] = base + n
				continue
			}
			out[name] = v
		case *field.StringSetField:
			if delta, ok := v.(field.SetDelta); ok {
				members, _ := out[name].([]string)
				view := field.NewSetView(members)
				for _, m := range delta.Add {
					view.Add(m)
				}
				for _, m := range delta.Remove {
					view.Delete(m)
				}
				if view.Len() == 0 {
					delete(out, name)
				} else {
					out[name] = view.Members()
				}
				continue
			}
			if members, ok := v.([]string); ok {
				if len(members) == 0 {
					delete(out, name)
					continue
				}
			}
			out[name] = v
		default:
			_ = f
			out[name] = v
		}
	}
	return out, nil
}

// reprojectIndexes recomputes the GSI key pairs whose components were
// touched. A projection with an undefined component is removed so the item
// drops out of that index.
func (d *Descriptor) reprojectIndexes(x *field.UpdateExpr, staged map[string]any, newValues map[string]any) error {
	changed := func(name string) bool {
		if name == "" {
			return false
		}
		_, ok := staged[name]
		return ok
	}
	for _, idx := range d.indexes {
		skSentinel := idx.SortKey == PrefixSentinel
		skName := idx.SortKey
		if skSentinel {
			skName = ""
		}
		if !changed(idx.PartitionKey) && !changed(skName) {
			continue
		}
		pkVal, okP, err := d.indexString(idx.PartitionKey, newValues)
		if err != nil {
			return err
		}
		skVal, okS, err := d.indexString(skName, newValues)
		if err != nil {
			return err
		}
		pkAttr, skAttr := slotAttrs(idx.Slot)
		if okP && okS {
			x.Set(pkAttr, &types.AttributeValueMemberS{Value: keycodec.IndexPartitionKey(d.prefix, idx.Slot, pkVal)})
			x.Set(skAttr, &types.AttributeValueMemberS{Value: keycodec.SortKey(d.prefix, skVal, skSentinel)})
		} else {
			x.Remove(pkAttr)
			x.Remove(skAttr)
		}
	}
	return nil
}

// diffCompanions splits the companion transition into rows to claim and
// rows to release, keyed by slot and value.
func diffCompanions(old, new []uniqueCompanion) (added, removed []uniqueCompanion) {
	type rowKey struct {
		slot  int
		value string
	}
	oldSet := make(map[rowKey]uniqueCompanion, len(old))
	for _, c := range old {
		oldSet[rowKey{c.def.Slot, c.value}] = c
	}
	newSet := make(map[rowKey]struct{}, len(new))
	for _, c := range new {
		k := rowKey{c.def.Slot, c.value}
		newSet[k] = struct{}{}
		if _, ok := oldSet[k]; !ok {
			added = append(added, c)
		}
	}
	for k, c := range oldSet {
		if _, ok := newSet[k]; !ok {
			removed = append(removed, c)
		}
	}
	return added, removed
}
