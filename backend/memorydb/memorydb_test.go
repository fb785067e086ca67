package memorydb

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = "test"

func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func n(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }

func put(t *testing.T, store *Store, item map[string]types.AttributeValue) {
	t.Helper()
	_, err := store.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	require.NoError(t, err)
}

func TestPutGetRoundtrip(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{
		"_pk": s("u#1"), "_sk": s("u"), "name": s("alice"),
	})

	out, err := store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")},
	})
	require.NoError(t, err)
	assert.Equal(t, s("alice"), out.Item["name"])
	assert.Equal(t, 0.5, *out.ConsumedCapacity.ReadCapacityUnits)

	out, err = store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       map[string]types.AttributeValue{"_pk": s("u#ghost"), "_sk": s("u")},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Item)
}

func TestPutConditionNotExists(t *testing.T) {
	store := New()
	item := map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")}
	in := &dynamodb.PutItemInput{
		TableName:                aws.String(table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#p)"),
		ExpressionAttributeNames: map[string]string{"#p": "_pk"},
	}
	_, err := store.PutItem(context.Background(), in)
	require.NoError(t, err)

	_, err = store.PutItem(context.Background(), in)
	var ccf *types.ConditionalCheckFailedException
	assert.True(t, errors.As(err, &ccf), "second insert must fail the condition")
}

func TestUpdateItemAllNew(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{
		"_pk": s("u#1"), "_sk": s("u"), "hits": n("5"), "tags": &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		"stale": s("x"),
	})

	out, err := store.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName:        aws.String(table),
		Key:              map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")},
		UpdateExpression: aws.String("SET #u0 = :u0 ADD #u1 :u1, #u2 :u2 DELETE #u2 :u3 REMOVE #u4"),
		ExpressionAttributeNames: map[string]string{
			"#u0": "name", "#u1": "hits", "#u2": "tags", "#u4": "stale",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u0": s("alice"),
			":u1": n("3"),
			":u2": &types.AttributeValueMemberSS{Value: []string{"c"}},
			":u3": &types.AttributeValueMemberSS{Value: []string{"a"}},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	require.NoError(t, err)
	assert.Equal(t, s("alice"), out.Attributes["name"])
	assert.Equal(t, n("8"), out.Attributes["hits"])
	assert.ElementsMatch(t, []string{"b", "c"}, out.Attributes["tags"].(*types.AttributeValueMemberSS).Value)
	assert.NotContains(t, out.Attributes, "stale")
}

func TestDeleteItemCondition(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u"), "relatedId": s("owner-1")})

	in := &dynamodb.DeleteItemInput{
		TableName:                 aws.String(table),
		Key:                       map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")},
		ConditionExpression:       aws.String("#r = :id"),
		ExpressionAttributeNames:  map[string]string{"#r": "relatedId"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": s("someone-else")},
	}
	_, err := store.DeleteItem(context.Background(), in)
	var ccf *types.ConditionalCheckFailedException
	require.True(t, errors.As(err, &ccf))
	assert.Equal(t, 1, store.Len())

	in.ExpressionAttributeValues[":id"] = s("owner-1")
	_, err = store.DeleteItem(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestBatchGetHonorsBatchLimit(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")})
	put(t, store, map[string]types.AttributeValue{"_pk": s("u#2"), "_sk": s("u")})
	put(t, store, map[string]types.AttributeValue{"_pk": s("u#3"), "_sk": s("u")})
	store.BatchLimit = 2

	out, err := store.BatchGetItem(context.Background(), &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			table: {Keys: []map[string]types.AttributeValue{
				{"_pk": s("u#1"), "_sk": s("u")},
				{"_pk": s("u#2"), "_sk": s("u")},
				{"_pk": s("u#3"), "_sk": s("u")},
			}},
		},
	})
	require.NoError(t, err)
	assert.Len(t, out.Responses[table], 2)
	require.Contains(t, out.UnprocessedKeys, table)
	assert.Len(t, out.UnprocessedKeys[table].Keys, 1)
}

func queryStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	for _, it := range []struct{ sk, status string }{
		{"2024-01", "open"},
		{"2024-02", "closed"},
		{"2024-03", "open"},
		{"2024-04", "open"},
	} {
		put(t, store, map[string]types.AttributeValue{
			"_pk": s("o#acct1"), "_sk": s(it.sk), "status": s(it.status),
		})
	}
	put(t, store, map[string]types.AttributeValue{
		"_pk": s("o#acct2"), "_sk": s("2024-01"), "status": s("open"),
	})
	return store
}

func TestQueryKeyConditionAndOrder(t *testing.T) {
	store := queryStore(t)

	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String("#kp = :kp"),
		ExpressionAttributeNames:  map[string]string{"#kp": "_pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kp": s("o#acct1")},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 4)
	assert.Equal(t, s("2024-01"), out.Items[0]["_sk"])
	assert.Equal(t, s("2024-04"), out.Items[3]["_sk"])

	out, err = store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String("#kp = :kp"),
		ExpressionAttributeNames:  map[string]string{"#kp": "_pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kp": s("o#acct1")},
		ScanIndexForward:          aws.Bool(false),
	})
	require.NoError(t, err)
	assert.Equal(t, s("2024-04"), out.Items[0]["_sk"])
}

func TestQuerySortKeyRange(t *testing.T) {
	store := queryStore(t)
	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                aws.String(table),
		KeyConditionExpression:   aws.String("#kp = :kp AND #ks BETWEEN :lo AND :hi"),
		ExpressionAttributeNames: map[string]string{"#kp": "_pk", "#ks": "_sk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kp": s("o#acct1"), ":lo": s("2024-02"), ":hi": s("2024-03"),
		},
	})
	require.NoError(t, err)
	assert.Len(t, out.Items, 2)
}

func TestQueryFilterAndCount(t *testing.T) {
	store := queryStore(t)
	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String("#kp = :kp"),
		FilterExpression:          aws.String("#f = :f"),
		ExpressionAttributeNames:  map[string]string{"#kp": "_pk", "#f": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kp": s("o#acct1"), ":f": s("open")},
		Select:                    types.SelectCount,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), out.Count)
	assert.Nil(t, out.Items)
	assert.Equal(t, int32(4), out.ScannedCount, "filter runs after the key condition")
}

func TestQueryPagination(t *testing.T) {
	store := queryStore(t)
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String("#kp = :kp"),
		ExpressionAttributeNames:  map[string]string{"#kp": "_pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kp": s("o#acct1")},
		Limit:                     aws.Int32(3),
	}
	first, err := store.Query(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, first.Items, 3)
	require.NotNil(t, first.LastEvaluatedKey)

	in.ExclusiveStartKey = first.LastEvaluatedKey
	second, err := store.Query(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.Nil(t, second.LastEvaluatedKey)
}

func TestQueryGSIUsesSlotAttributes(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{
		"_pk": s("u#1"), "_sk": s("u"),
		"_s2_pk": s("u#2#admin"), "_s2_sk": s("alice"),
	})
	put(t, store, map[string]types.AttributeValue{
		"_pk": s("u#2"), "_sk": s("u"), // not projected into gsi2
	})

	out, err := store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		IndexName:                 aws.String("gsi2"),
		KeyConditionExpression:    aws.String("#kp = :kp"),
		ExpressionAttributeNames:  map[string]string{"#kp": "_s2_pk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kp": s("u#2#admin")},
	})
	require.NoError(t, err)
	assert.Len(t, out.Items, 1)

	_, err = store.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		IndexName:                 aws.String("gsi9"),
		KeyConditionExpression:    aws.String("#kp = :kp"),
		ExpressionAttributeNames:  map[string]string{"#kp": "x"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":kp": s("y")},
	})
	assert.Error(t, err)
}

func TestTransactWriteAllOrNothing(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{"_pk": s("taken"), "_sk": s("_")})

	_, err := store.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(table),
				Item:      map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")},
			}},
			{Put: &types.Put{
				TableName:                aws.String(table),
				Item:                     map[string]types.AttributeValue{"_pk": s("taken"), "_sk": s("_")},
				ConditionExpression:      aws.String("attribute_not_exists(#p)"),
				ExpressionAttributeNames: map[string]string{"#p": "_pk"},
			}},
		},
	})
	var tce *types.TransactionCanceledException
	require.True(t, errors.As(err, &tce))
	require.Len(t, tce.CancellationReasons, 2)
	assert.Equal(t, "None", *tce.CancellationReasons[0].Code)
	assert.Equal(t, "ConditionalCheckFailed", *tce.CancellationReasons[1].Code)

	// Nothing applied: the unconditional put rolled back with the failure.
	out, err := store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")},
	})
	require.NoError(t, err)
	assert.Nil(t, out.Item)
}

func TestCallCounts(t *testing.T) {
	store := New()
	put(t, store, map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")})
	_, _ = store.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       map[string]types.AttributeValue{"_pk": s("u#1"), "_sk": s("u")},
	})
	assert.Equal(t, 1, store.CallCount("PutItem"))
	assert.Equal(t, 1, store.CallCount("GetItem"))
	assert.Equal(t, 0, store.CallCount("Query"))
}
