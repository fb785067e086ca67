package monotable

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/keycodec"
	"github.com/monotable/monotable/reqctx"
)

// iterIndexName is the physical keys-only GSI over the iteration-bucket
// attributes.
const iterIndexName = "iter"

// IterateOptions shape one page of a bucket sweep.
type IterateOptions struct {
	// Limit caps the page size; 0 applies the entity's default.
	Limit int32

	// StartKey resumes from a previous page.
	StartKey map[string]types.AttributeValue
}

// IteratePage is one page of primary ids from a bucket sweep.
type IteratePage struct {
	IDs              []string
	LastEvaluatedKey map[string]types.AttributeValue
	Capacity         reqctx.Capacity
}

// IterateBucket sweeps one iteration bucket of an iterable entity through
// the keys-only iteration index, returning primary ids. Sweeping buckets
// 0..IterBuckets()-1 visits every item exactly once.
func (d *Descriptor) IterateBucket(ctx context.Context, bucket int, opts *IterateOptions) (*IteratePage, error) {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	if !d.iterable {
		return nil, configErrf("entity %s is not iterable", d.name)
	}
	if bucket < 0 || bucket >= d.iterCount {
		return nil, validationErrf("entity %s: bucket %d out of range 0..%d", d.name, bucket, d.iterCount-1)
	}
	if opts == nil {
		opts = &IterateOptions{}
	}

	h := d.tenant.handle
	in := &dynamodb.QueryInput{
		TableName:                aws.String(h.Table()),
		IndexName:                aws.String(iterIndexName),
		KeyConditionExpression:   aws.String("#kp = :kp"),
		ExpressionAttributeNames: map[string]string{"#kp": attrIterPK},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kp": &types.AttributeValueMemberS{Value: keycodec.IterBucketKey(d.prefix, bucket)},
		},
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	}
	limit := opts.Limit
	if limit == 0 {
		limit = d.defaultQueryLimit()
	}
	in.Limit = aws.Int32(limit)
	if len(opts.StartKey) > 0 {
		in.ExclusiveStartKey = opts.StartKey
	}

	var out *dynamodb.QueryOutput
	err := h.Do(ctx, "Query", func() error {
		var callErr error
		out, callErr = h.Client().Query(ctx, in)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	cost := reqctx.Capacity{Read: backend.ReadCapacity(out.ConsumedCapacity)}
	scope.AddCapacity(cost)

	page := &IteratePage{
		IDs:              make([]string, 0, len(out.Items)),
		LastEvaluatedKey: out.LastEvaluatedKey,
		Capacity:         cost,
	}
	for _, item := range out.Items {
		sk, ok := item[attrIterSK].(*types.AttributeValueMemberS)
		if !ok {
			return nil, queryErrf("entity %s: iteration row missing %s", d.name, attrIterSK)
		}
		page.IDs = append(page.IDs, sk.Value)
	}
	return page, nil
}
