package monotable

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/reqctx"
)

// maxBatchKeys is the BatchGetItem key limit.
const maxBatchKeys = 100

// unprocessedRetryRounds bounds how often partially fulfilled bulk reads
// are re-issued before giving up on the stragglers.
const unprocessedRetryRounds = 3

// FindOptions tune one point lookup.
type FindOptions struct {
	// BatchDelay overrides the manager-level coalescing window. A zero
	// delay bypasses coalescing and issues a single point read.
	BatchDelay *time.Duration

	// NoCache bypasses the identity cache in both directions.
	NoCache bool
}

// ZeroDelay is a convenience for FindOptions.BatchDelay.
var ZeroDelay = time.Duration(0)

func (o *FindOptions) delay(d *Descriptor) time.Duration {
	if o != nil && o.BatchDelay != nil {
		return *o.BatchDelay
	}
	return d.defaultBatchDelay()
}

func (o *FindOptions) noCache() bool { return o != nil && o.NoCache }

// cacheKey namespaces the shared identity cache by tenant and model prefix
// so equally named entities on different tenants, and entity types with
// colliding pk values, stay distinct.
func (d *Descriptor) cacheKey(id string) string {
	return d.tenant.id + "\x00" + d.prefix + "\x00" + id
}

// batchKind namespaces the pending-batch map the same way: a batch keeps
// its first enqueuer's fetch closure, which reads through that tenant's
// backend handle, so two tenants must never share one.
func (d *Descriptor) batchKind() string { return d.tenant.id + "\x00" + d.name }

// Find resolves a primary id to an instance through the request scope.
//
// Cached ids return the same instance reference every time. With a
// non-zero batch delay the lookup coalesces with concurrent lookups of
// the same entity type into one bulk read. An absent row yields the
// not-found marker instance (Exists() == false), not an error.
func (d *Descriptor) Find(ctx context.Context, id string, opts *FindOptions) (*Instance, error) {
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	if !opts.noCache() {
		if v, ok := scope.Cached(d.cacheKey(id)); ok {
			return v.(*Instance), nil
		}
	}
	delay := opts.delay(d)
	if delay == 0 || opts.noCache() {
		return d.findDirect(ctx, scope, id, opts.noCache())
	}

	outcome := <-scope.Enqueue(ctx, d.batchKind(), delay, id, d.bulkFetch(scope))
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Value == nil {
		return d.notFoundInstance(id, outcome.Capacity), nil
	}
	inst := outcome.Value.(*Instance)
	inst.addCapacity(outcome.Capacity)
	return inst, nil
}

// BatchFind looks up many ids at once through the same batch machinery.
// Empty input issues no backend call. Results are positional; absent rows
// come back as not-found markers.
func (d *Descriptor) BatchFind(ctx context.Context, ids []string, opts *FindOptions) ([]*Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	scope, ok := reqctx.From(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	delay := opts.delay(d)
	if delay == 0 || opts.noCache() {
		out := make([]*Instance, len(ids))
		for i, id := range ids {
			inst, err := d.Find(ctx, id, opts)
			if err != nil {
				return nil, err
			}
			out[i] = inst
		}
		return out, nil
	}

	chans := make([]<-chan reqctx.Outcome, len(ids))
	cached := make([]*Instance, len(ids))
	fetch := d.bulkFetch(scope)
	for i, id := range ids {
		if v, ok := scope.Cached(d.cacheKey(id)); ok {
			cached[i] = v.(*Instance)
			continue
		}
		chans[i] = scope.Enqueue(ctx, d.batchKind(), delay, id, fetch)
	}
	out := make([]*Instance, len(ids))
	for i, id := range ids {
		if cached[i] != nil {
			out[i] = cached[i]
			continue
		}
		outcome := <-chans[i]
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if outcome.Value == nil {
			out[i] = d.notFoundInstance(id, outcome.Capacity)
			continue
		}
		inst := outcome.Value.(*Instance)
		inst.addCapacity(outcome.Capacity)
		out[i] = inst
	}
	return out, nil
}

// findDirect issues a single point read, bypassing the batch map.
func (d *Descriptor) findDirect(ctx context.Context, scope *reqctx.Context, id string, noCache bool) (*Instance, error) {
	key, err := d.keyForID(id)
	if err != nil {
		return nil, validationErrf("entity %s: bad primary id %q: %v", d.name, id, err)
	}
	h := d.tenant.handle
	var out *dynamodb.GetItemOutput
	err = h.Do(ctx, "GetItem", func() error {
		var callErr error
		out, callErr = h.Client().GetItem(ctx, &dynamodb.GetItemInput{
			TableName:              aws.String(h.Table()),
			Key:                    key,
			ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	cost := reqctx.Capacity{Read: backend.ReadCapacity(out.ConsumedCapacity)}
	scope.AddCapacity(cost)

	if len(out.Item) == 0 {
		return d.notFoundInstance(id, cost), nil
	}
	inst, err := d.materialize(out.Item)
	if err != nil {
		return nil, err
	}
	inst.addCapacity(cost)
	if !noCache {
		scope.Store(d.cacheKey(id), inst)
	}
	return inst, nil
}

// bulkFetch returns the batch callback: one bulk read over the distinct
// pending ids, fragmented into groups of at most 100 keys, with the
// unprocessed-keys protocol retried under backoff. Stragglers that remain
// unprocessed after the retry rounds are logged and skipped; their waiters
// resolve as not found.
func (d *Descriptor) bulkFetch(scope *reqctx.Context) reqctx.Fetch {
	return func(ctx context.Context, ids []string) (map[string]any, reqctx.Capacity, error) {
		h := d.tenant.handle
		found := make(map[string]any, len(ids))
		var total reqctx.Capacity

		for start := 0; start < len(ids); start += maxBatchKeys {
			end := min(start+maxBatchKeys, len(ids))
			keys := make([]map[string]types.AttributeValue, 0, end-start)
			for _, id := range ids[start:end] {
				key, err := d.keyForID(id)
				if err != nil {
					return nil, total, validationErrf("entity %s: bad primary id %q: %v", d.name, id, err)
				}
				keys = append(keys, key)
			}

			remaining := keys
			for round := 0; len(remaining) > 0; round++ {
				if round > 0 {
					if round > unprocessedRetryRounds {
						h.Log().Warn("bulk read left keys unprocessed, proceeding",
							"entity", d.name, "unprocessed", len(remaining))
						break
					}
					backoffSleep(ctx, round-1)
				}

				var out *dynamodb.BatchGetItemOutput
				err := h.Do(ctx, "BatchGetItem", func() error {
					var callErr error
					out, callErr = h.Client().BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
						RequestItems: map[string]types.KeysAndAttributes{
							h.Table(): {Keys: remaining},
						},
						ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
					})
					return callErr
				})
				if err != nil {
					return nil, total, err
				}
				for _, cc := range out.ConsumedCapacity {
					total.Read += backend.ReadCapacity(&cc)
				}
				for _, item := range out.Responses[h.Table()] {
					inst, err := d.materialize(item)
					if err != nil {
						return nil, total, err
					}
					found[inst.id] = inst
					scope.Store(d.cacheKey(inst.id), inst)
				}
				if kaa, ok := out.UnprocessedKeys[h.Table()]; ok {
					remaining = kaa.Keys
				} else {
					remaining = nil
				}
			}
		}
		return found, total, nil
	}
}

// backoffSleep waits 100·2^k ms or until the context is done.
func backoffSleep(ctx context.Context, k int) {
	d := 100 * time.Millisecond << k
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
