package memorydb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// GetItem returns a point read of the item at the given primary key.
func (s *Store) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetItem")

	key, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.GetItemOutput{ConsumedCapacity: readCapacity(1)}
	if item, ok := s.items[key]; ok {
		out.Item = copyItem(item)
	}
	return out, nil
}

// BatchGetItem fulfills up to BatchLimit keys (all of them when the limit
// is unset) and reports the remainder as unprocessed.
func (s *Store) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("BatchGetItem")

	out := &dynamodb.BatchGetItemOutput{
		Responses:       make(map[string][]map[string]types.AttributeValue),
		UnprocessedKeys: make(map[string]types.KeysAndAttributes),
	}
	for table, req := range in.RequestItems {
		keys := req.Keys
		if s.BatchLimit > 0 && len(keys) > s.BatchLimit {
			rest := make([]map[string]types.AttributeValue, len(keys)-s.BatchLimit)
			copy(rest, keys[s.BatchLimit:])
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: rest}
			keys = keys[:s.BatchLimit]
		}
		var found []map[string]types.AttributeValue
		for _, k := range keys {
			key, err := itemKey(k)
			if err != nil {
				return nil, err
			}
			if item, ok := s.items[key]; ok {
				found = append(found, copyItem(item))
			}
		}
		out.Responses[table] = found
		cc := readCapacity(len(keys))
		cc.TableName = aws.String(table)
		out.ConsumedCapacity = append(out.ConsumedCapacity, *cc)
	}
	if len(out.UnprocessedKeys) == 0 {
		out.UnprocessedKeys = nil
	}
	return out, nil
}

// PutItem replaces the whole item after checking the condition against the
// current state.
func (s *Store) PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("PutItem")

	key, err := itemKey(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := conditionHolds(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, s.items[key])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	s.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{ConsumedCapacity: writeCapacity(1)}, nil
}

// UpdateItem applies the update expression, creating the item when absent
// (unless the condition forbids it), and returns ALL_NEW attributes.
func (s *Store) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("UpdateItem")

	key, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	existing := s.items[key]
	ok, err := conditionHolds(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}

	item := copyItem(existing)
	if item == nil {
		item = copyItem(in.Key)
	}
	if in.UpdateExpression != nil {
		if err := applyUpdate(item, *in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	s.items[key] = item

	out := &dynamodb.UpdateItemOutput{ConsumedCapacity: writeCapacity(1)}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(item)
	}
	return out, nil
}

// DeleteItem removes the item after checking the condition; returns
// ALL_OLD attributes when asked.
func (s *Store) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteItem")

	key, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	existing := s.items[key]
	ok, err := conditionHolds(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}

	out := &dynamodb.DeleteItemOutput{ConsumedCapacity: writeCapacity(1)}
	if in.ReturnValues == types.ReturnValueAllOld && existing != nil {
		out.Attributes = copyItem(existing)
	}
	delete(s.items, key)
	return out, nil
}

// Query walks the chosen index in sort order, evaluating the key condition
// and then the filter, honoring Limit, ScanIndexForward, ExclusiveStartKey,
// and Select=COUNT.
func (s *Store) Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("Query")

	ipk, isk, err := indexKeyAttrs(in.IndexName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, fmt.Errorf("memorydb: query requires a key condition")
	}
	keyEval, err := parseCondition(*in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	var filterEval func(map[string]types.AttributeValue) bool
	if in.FilterExpression != nil {
		filterEval, err = parseCondition(*in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
	}

	ordered := s.sortedItems(ipk, isk)
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	var matching []map[string]types.AttributeValue
	for _, item := range ordered {
		if keyEval(item) {
			matching = append(matching, item)
		}
	}

	// ExclusiveStartKey points at the last item of the previous page.
	start := 0
	if in.ExclusiveStartKey != nil {
		wantKey, err := itemKey(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, item := range matching {
			k, _ := itemKey(item)
			if k == wantKey {
				start = i + 1
				break
			}
		}
	}

	limit := len(matching)
	if in.Limit != nil && int(*in.Limit) < limit-start {
		limit = int(*in.Limit)
	} else {
		limit = limit - start
	}

	out := &dynamodb.QueryOutput{}
	scanned := 0
	for i := start; i < len(matching) && scanned < limit; i++ {
		item := matching[i]
		scanned++
		if filterEval == nil || filterEval(item) {
			out.Count++
			if in.Select != types.SelectCount {
				out.Items = append(out.Items, copyItem(item))
			}
		}
	}
	out.ScannedCount = int32(scanned)
	if scanned > 0 && start+scanned < len(matching) {
		last := matching[start+scanned-1]
		lek := map[string]types.AttributeValue{
			pkAttr: copyValue(last[pkAttr]),
			skAttr: copyValue(last[skAttr]),
		}
		if in.IndexName != nil {
			lek[ipk] = copyValue(last[ipk])
			lek[isk] = copyValue(last[isk])
		}
		out.LastEvaluatedKey = lek
	}
	out.ConsumedCapacity = readCapacity(scanned)
	return out, nil
}

// TransactWriteItems checks every item's condition against the current
// state and applies all writes only when every condition holds. A failed
// condition cancels the whole transaction with per-item reasons.
func (s *Store) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("TransactWriteItems")

	type staged struct {
		apply func() error
	}
	var stagedOps []staged
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		switch {
		case ti.Put != nil:
			put := ti.Put
			key, err := itemKey(put.Item)
			if err != nil {
				return nil, err
			}
			ok, err := conditionHolds(put.ConditionExpression, put.ExpressionAttributeNames, put.ExpressionAttributeValues, s.items[key])
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			item := copyItem(put.Item)
			stagedOps = append(stagedOps, staged{apply: func() error {
				s.items[key] = item
				return nil
			}})

		case ti.Update != nil:
			upd := ti.Update
			key, err := itemKey(upd.Key)
			if err != nil {
				return nil, err
			}
			ok, err := conditionHolds(upd.ConditionExpression, upd.ExpressionAttributeNames, upd.ExpressionAttributeValues, s.items[key])
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			stagedOps = append(stagedOps, staged{apply: func() error {
				item := copyItem(s.items[key])
				if item == nil {
					item = copyItem(upd.Key)
				}
				if upd.UpdateExpression != nil {
					if err := applyUpdate(item, *upd.UpdateExpression, upd.ExpressionAttributeNames, upd.ExpressionAttributeValues); err != nil {
						return err
					}
				}
				s.items[key] = item
				return nil
			}})

		case ti.Delete != nil:
			del := ti.Delete
			key, err := itemKey(del.Key)
			if err != nil {
				return nil, err
			}
			ok, err := conditionHolds(del.ConditionExpression, del.ExpressionAttributeNames, del.ExpressionAttributeValues, s.items[key])
			if err != nil {
				return nil, err
			}
			if !ok {
				failed = true
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				continue
			}
			stagedOps = append(stagedOps, staged{apply: func() error {
				delete(s.items, key)
				return nil
			}})

		default:
			return nil, fmt.Errorf("memorydb: unsupported transact item %d", i)
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, op := range stagedOps {
		if err := op.apply(); err != nil {
			return nil, err
		}
	}
	cc := writeCapacity(len(in.TransactItems) * 2) // transactions cost double
	return &dynamodb.TransactWriteItemsOutput{
		ConsumedCapacity: []types.ConsumedCapacity{*cc},
	}, nil
}
