package monotable_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable"
	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/backend/memorydb"
	"github.com/monotable/monotable/field"
	"github.com/monotable/monotable/reqctx"
)

func userDefinition() monotable.Definition {
	id := field.NewUlid("id")
	id.AutoAssign = true
	email := field.NewString("email")
	email.Required = true
	return monotable.Definition{
		Name:         "User",
		Prefix:       "u",
		PartitionKey: "id",
		SortKey:      monotable.PrefixSentinel,
		Fields: []field.Field{
			id,
			email,
			field.NewString("name"),
			field.NewString("role"),
			field.NewCounter("logins"),
			field.NewStringSet("tags", 10, 50),
			field.NewVersion("version"),
			field.NewCreateDate("createdAt"),
			field.NewModifiedDate("modifiedAt"),
		},
		Indexes: []monotable.IndexDef{
			{Name: "byRole", PartitionKey: "role", SortKey: "name", Slot: 1},
		},
		Unique:      []monotable.UniqueDef{{Field: "email", Slot: 1}},
		Iterable:    true,
		IterBuckets: 4,
	}
}

func orderDefinition() monotable.Definition {
	account := field.NewString("account")
	account.Required = true
	placedAt := field.NewDatetime("placedAt")
	placedAt.Required = true
	return monotable.Definition{
		Name:         "Order",
		Prefix:       "o",
		PartitionKey: "account",
		SortKey:      "placedAt",
		Fields: []field.Field{
			account,
			placedAt,
			field.NewString("status"),
			field.NewFloat("total"),
			field.NewRelated("customer", "User"),
		},
		Indexes: []monotable.IndexDef{
			{Name: "byStatus", PartitionKey: "status", SortKey: "placedAt", Slot: 2},
		},
	}
}

type fixture struct {
	store  *memorydb.Store
	mgr    *monotable.Manager
	ctx    context.Context
	scope  *reqctx.Context
	users  *monotable.Descriptor
	orders *monotable.Descriptor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memorydb.New()
	mgr := monotable.NewManager(store, &monotable.Config{Table: "test"})
	ctx, scope := mgr.BeginRequest(context.Background())
	tn, err := mgr.Tenant(ctx)
	require.NoError(t, err)
	users, err := tn.Register(userDefinition())
	require.NoError(t, err)
	orders, err := tn.Register(orderDefinition())
	require.NoError(t, err)
	return &fixture{store: store, mgr: mgr, ctx: ctx, scope: scope, users: users, orders: orders}
}

func (f *fixture) createUser(t *testing.T, email, name string) *monotable.Instance {
	t.Helper()
	inst, err := f.users.Create(f.ctx, map[string]any{"email": email, "name": name}, nil)
	require.NoError(t, err)
	return inst
}

func TestCreateFillsAutoValues(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")

	assert.True(t, inst.Exists())
	assert.NotEmpty(t, inst.ID())
	assert.Len(t, inst.Get("id"), 26, "auto-assigned ulid")
	assert.NotEmpty(t, inst.Get("version"))
	assert.NotNil(t, inst.Get("createdAt"))
	assert.Equal(t, int64(0), inst.Get("logins"), "counter starts at zero")
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.users.Create(f.ctx, map[string]any{"name": "no email"}, nil)
	assert.ErrorIs(t, err, monotable.ErrValidation)

	_, err = f.users.Create(f.ctx, map[string]any{"email": "a@b.c", "bogus": 1}, nil)
	assert.ErrorIs(t, err, monotable.ErrValidation)

	_, err = f.users.Create(f.ctx, map[string]any{"email": 42}, nil)
	assert.ErrorIs(t, err, monotable.ErrValidation)
}

func TestFindReturnsCachedReference(t *testing.T) {
	f := newFixture(t)
	created := f.createUser(t, "alice@example.com", "Alice")

	before := f.store.CallCount("GetItem") + f.store.CallCount("BatchGetItem")
	found, err := f.users.Find(f.ctx, created.ID(), nil)
	require.NoError(t, err)
	assert.Same(t, created, found, "identity cache hands out one reference per id")
	assert.Equal(t, before, f.store.CallCount("GetItem")+f.store.CallCount("BatchGetItem"),
		"cache hits issue no backend read")

	// NoCache forces a backend read and a distinct instance.
	fresh, err := f.users.Find(f.ctx, created.ID(), &monotable.FindOptions{NoCache: true})
	require.NoError(t, err)
	assert.NotSame(t, created, fresh)
	assert.Equal(t, created.Get("email"), fresh.Get("email"))
}

func TestFindMissingIsMarkerNotError(t *testing.T) {
	f := newFixture(t)
	inst, err := f.users.Find(f.ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", &monotable.FindOptions{BatchDelay: &monotable.ZeroDelay})
	require.NoError(t, err)
	assert.False(t, inst.Exists())
	total := inst.TotalCapacity()
	assert.Greater(t, total.Read, 0.0, "the miss still carries its read cost")
}

func TestFindRequiresScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Find(context.Background(), "some-id", nil)
	assert.ErrorIs(t, err, monotable.ErrNoScope)
	_, err = f.users.Create(context.Background(), map[string]any{"email": "x@y.z"}, nil)
	assert.ErrorIs(t, err, monotable.ErrNoScope)
}

func TestConcurrentFindsCoalesce(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 3)
	for i, email := range []string{"a@x.co", "b@x.co", "c@x.co"} {
		ids[i] = f.createUser(t, email, "U").ID()
	}

	// A fresh request scope so the creates' cache entries do not satisfy
	// the finds.
	ctx, _ := f.mgr.BeginRequest(context.Background())
	before := f.store.CallCount("BatchGetItem")

	var wg sync.WaitGroup
	results := make([]*monotable.Instance, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := f.users.Find(ctx, id, nil)
			assert.NoError(t, err)
			results[i] = inst
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.CallCount("BatchGetItem")-before,
		"finds inside one window share one bulk read")
	for i, inst := range results {
		require.NotNil(t, inst)
		assert.True(t, inst.Exists())
		assert.Equal(t, ids[i], inst.ID())
	}
}

func TestConcurrentSameIDFinds(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 4)
	for i, email := range []string{"a@x.co", "b@x.co", "c@x.co", "d@x.co"} {
		ids[i] = f.createUser(t, email, "U").ID()
	}

	ctx, scope := f.mgr.BeginRequest(context.Background())
	before := f.store.CallCount("BatchGetItem")
	window := 250 * time.Millisecond

	// Several waiters per id, all released at once: every waiter for one id
	// resolves to the same shared instance and appends its capacity share.
	const waitersPerID = 5
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*monotable.Instance, len(ids)*waitersPerID)
	for w := 0; w < waitersPerID; w++ {
		for i, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				inst, err := f.users.Find(ctx, id, &monotable.FindOptions{BatchDelay: &window})
				assert.NoError(t, err)
				results[w*len(ids)+i] = inst
			}()
		}
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, f.store.CallCount("BatchGetItem")-before)
	for i, id := range ids {
		first := results[i]
		require.NotNil(t, first)
		assert.True(t, first.Exists())
		assert.Equal(t, id, first.ID())
		for w := 1; w < waitersPerID; w++ {
			assert.Same(t, first, results[w*len(ids)+i])
		}
		assert.Len(t, first.Capacity(), waitersPerID, "one record per waiter")
	}
	assert.InDelta(t, 2.0, scope.Capacity().Read, 1e-9, "4 items at 0.5 units each")
}

func TestBatchFind(t *testing.T) {
	f := newFixture(t)
	a := f.createUser(t, "a@x.co", "A")
	ctx, _ := f.mgr.BeginRequest(context.Background())

	out, err := f.users.BatchFind(ctx, []string{a.ID(), "01HZZZZZZZZZZZZZZZZZZZZZZZ"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Exists())
	assert.False(t, out[1].Exists())

	before := f.store.CallCount("BatchGetItem") + f.store.CallCount("GetItem")
	empty, err := f.users.BatchFind(ctx, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Equal(t, before, f.store.CallCount("BatchGetItem")+f.store.CallCount("GetItem"),
		"empty input issues no backend call")
}

func TestUnprocessedKeysRetry(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 5)
	for i, email := range []string{"a@x.co", "b@x.co", "c@x.co", "d@x.co", "e@x.co"} {
		ids[i] = f.createUser(t, email, "U").ID()
	}
	f.store.BatchLimit = 2

	ctx, _ := f.mgr.BeginRequest(context.Background())
	out, err := f.users.BatchFind(ctx, ids, nil)
	require.NoError(t, err)
	for i, inst := range out {
		assert.True(t, inst.Exists(), "id %d", i)
	}
	assert.GreaterOrEqual(t, f.store.CallCount("BatchGetItem"), 3,
		"stragglers re-fetch until fulfilled")
}

func TestInstanceSaveStagedChanges(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")
	oldVersion := inst.Get("version")

	require.NoError(t, inst.Set("name", "Alicia"))
	require.NoError(t, inst.Set("logins", "+3"))
	inst.StringSet("tags").Add("admin")
	require.True(t, inst.Dirty())

	require.NoError(t, inst.Save(f.ctx, nil))
	assert.False(t, inst.Dirty())
	assert.Equal(t, "Alicia", inst.Get("name"))
	assert.Equal(t, int64(3), inst.Get("logins"))
	assert.Equal(t, []string{"admin"}, inst.Get("tags"))
	assert.NotEqual(t, oldVersion, inst.Get("version"), "version bumps on save")

	// No-op save does not touch the backend.
	before := f.store.CallCount("UpdateItem")
	require.NoError(t, inst.Save(f.ctx, nil))
	assert.Equal(t, before, f.store.CallCount("UpdateItem"))
}

func TestUpdateCounterDeltasDoNotClobber(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")

	_, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"logins": "+2"}, nil)
	require.NoError(t, err)
	updated, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"logins": "+5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated.Get("logins"))

	updated, err = f.users.Update(f.ctx, inst.ID(), map[string]any{"logins": int64(100)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated.Get("logins"), "absolute value overwrites")
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Update(f.ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", map[string]any{"name": "x"}, nil)
	assert.ErrorIs(t, err, monotable.ErrNotFound)

	err = f.users.Delete(f.ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", nil)
	assert.ErrorIs(t, err, monotable.ErrNotFound)
}

func TestUpdateKeyFieldRejected(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")
	_, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"id": "other"}, nil)
	assert.ErrorIs(t, err, monotable.ErrValidation)
}

func TestWriteConditions(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")

	_, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"role": "admin"},
		&monotable.WriteOptions{Condition: map[string]any{"name": "Alice"}})
	require.NoError(t, err)

	_, err = f.users.Update(f.ctx, inst.ID(), map[string]any{"role": "none"},
		&monotable.WriteOptions{Condition: map[string]any{"name": "Bob"}})
	assert.ErrorIs(t, err, monotable.ErrConditional)

	err = f.users.Delete(f.ctx, inst.ID(),
		&monotable.WriteOptions{Condition: map[string]any{"role": "user"}})
	assert.ErrorIs(t, err, monotable.ErrConditional)

	_, err = f.users.Update(f.ctx, inst.ID(), map[string]any{"role": "x"},
		&monotable.WriteOptions{Condition: map[string]any{"bogus": 1}})
	assert.ErrorIs(t, err, monotable.ErrQuery)
}

func TestOptimisticVersionConflict(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")
	v0 := inst.Get("version")

	a, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"name": "from-a"},
		&monotable.WriteOptions{Condition: map[string]any{"version": v0}})
	require.NoError(t, err)
	v1 := a.Get("version")
	assert.NotEqual(t, v0, v1)

	// A stale writer holding v0 loses.
	_, err = f.users.Update(f.ctx, inst.ID(), map[string]any{"name": "from-b"},
		&monotable.WriteOptions{Condition: map[string]any{"version": v0}})
	assert.ErrorIs(t, err, monotable.ErrConditional)

	// Reload and retry with the current version wins.
	fresh, err := f.users.Find(f.ctx, inst.ID(), &monotable.FindOptions{NoCache: true})
	require.NoError(t, err)
	b, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"name": "from-b"},
		&monotable.WriteOptions{Condition: map[string]any{"version": fresh.Get("version")}})
	require.NoError(t, err)
	assert.Equal(t, "from-b", b.Get("name"))
	assert.NotEqual(t, v1, b.Get("version"))
}

func TestSetMutationRoundtrip(t *testing.T) {
	f := newFixture(t)
	inst, err := f.users.Create(f.ctx, map[string]any{
		"email": "tags@example.com",
		"tags":  []string{"a", "b", "c"},
	}, nil)
	require.NoError(t, err)

	inst.StringSet("tags").Add("d")
	inst.StringSet("tags").Delete("a")
	require.NoError(t, inst.Save(f.ctx, nil))
	assert.Equal(t, []string{"b", "c", "d"}, inst.Get("tags"))

	reloaded, err := f.users.Find(f.ctx, inst.ID(), &monotable.FindOptions{NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, reloaded.Get("tags"))
}

func TestUniquenessConstraint(t *testing.T) {
	f := newFixture(t)
	first := f.createUser(t, "taken@example.com", "First")

	_, err := f.users.Create(f.ctx, map[string]any{"email": "taken@example.com", "name": "Second"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, monotable.ErrConditional)
	assert.Contains(t, err.Error(), "email must be unique")

	// Re-pointing the unique value frees the old one.
	_, err = f.users.Update(f.ctx, first.ID(), map[string]any{"email": "moved@example.com"}, nil)
	require.NoError(t, err)
	_, err = f.users.Create(f.ctx, map[string]any{"email": "taken@example.com", "name": "Second"}, nil)
	require.NoError(t, err)

	// And the new value is now held.
	_, err = f.users.Create(f.ctx, map[string]any{"email": "moved@example.com", "name": "Third"}, nil)
	assert.ErrorIs(t, err, monotable.ErrConditional)
}

func TestDeleteReleasesUniqueValue(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "gone@example.com", "Gone")

	require.NoError(t, inst.Delete(f.ctx, nil))
	assert.False(t, inst.Exists())

	found, err := f.users.Find(f.ctx, inst.ID(), &monotable.FindOptions{BatchDelay: &monotable.ZeroDelay})
	require.NoError(t, err)
	assert.False(t, found.Exists(), "delete evicts the cached instance")

	_, err = f.users.Create(f.ctx, map[string]any{"email": "gone@example.com", "name": "Again"}, nil)
	require.NoError(t, err, "companion row released")
}

func seedOrders(t *testing.T, f *fixture, customer string) []time.Time {
	t.Helper()
	times := make([]time.Time, 4)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	statuses := []string{"open", "shipped", "open", "open"}
	for i := range times {
		times[i] = base.AddDate(0, 0, i)
		vals := map[string]any{
			"account":  "acct1",
			"placedAt": times[i],
			"status":   statuses[i],
			"total":    float64(10 * (i + 1)),
		}
		if customer != "" {
			vals["customer"] = customer
		}
		_, err := f.orders.Create(f.ctx, vals, nil)
		require.NoError(t, err)
	}
	_, err := f.orders.Create(f.ctx, map[string]any{
		"account": "acct2", "placedAt": base, "status": "open",
	}, nil)
	require.NoError(t, err)
	return times
}

func TestQueryPrimaryPartition(t *testing.T) {
	f := newFixture(t)
	times := seedOrders(t, f, "")

	res, err := f.orders.Query(f.ctx, "acct1", nil)
	require.NoError(t, err)
	require.Len(t, res.Instances, 4)
	assert.Equal(t, times[0].UnixMilli(), res.Instances[0].Get("placedAt").(time.Time).UnixMilli())

	res, err = f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{Direction: monotable.Descending})
	require.NoError(t, err)
	assert.Equal(t, times[3].UnixMilli(), res.Instances[0].Get("placedAt").(time.Time).UnixMilli())
}

func TestQuerySortConditionAndFilter(t *testing.T) {
	f := newFixture(t)
	times := seedOrders(t, f, "")

	res, err := f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{
		SortCondition: map[string]any{"placedAt": map[string]any{"$between": []any{times[1], times[3]}}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 3)

	res, err = f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{
		Filter: map[string]any{"status": "open"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 3)

	res, err = f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{
		Filter:    map[string]any{"total": map[string]any{"$gt": 15.0}},
		CountOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.Count)
	assert.Empty(t, res.Instances)

	_, err = f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{
		SortCondition: map[string]any{"status": "open"},
	})
	assert.ErrorIs(t, err, monotable.ErrQuery, "only the sort key may appear in a sort condition")
}

func TestQuerySecondaryIndex(t *testing.T) {
	f := newFixture(t)
	seedOrders(t, f, "")

	res, err := f.orders.Query(f.ctx, "open", &monotable.QueryOptions{Index: "byStatus"})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 4, "both accounts' open orders share the status partition")

	_, err = f.orders.Query(f.ctx, "x", &monotable.QueryOptions{Index: "nope"})
	assert.ErrorIs(t, err, monotable.ErrQuery)
}

func TestQueryFilterContainsSetMember(t *testing.T) {
	f := newFixture(t)
	admin, err := f.users.Create(f.ctx, map[string]any{
		"email": "a@x.co", "name": "A", "role": "staff", "tags": []string{"admin", "ops"},
	}, nil)
	require.NoError(t, err)
	_, err = f.users.Create(f.ctx, map[string]any{
		"email": "b@x.co", "name": "B", "role": "staff", "tags": []string{"ops"},
	}, nil)
	require.NoError(t, err)

	res, err := f.users.Query(f.ctx, "staff", &monotable.QueryOptions{
		Index:  "byRole",
		Filter: map[string]any{"tags": map[string]any{"$contains": "admin"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Same(t, admin, res.Instances[0])
}

func TestQueryPagination(t *testing.T) {
	f := newFixture(t)
	seedOrders(t, f, "")

	first, err := f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, first.Instances, 3)
	require.NotNil(t, first.LastEvaluatedKey)

	second, err := f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{Limit: 3, StartKey: first.LastEvaluatedKey})
	require.NoError(t, err)
	assert.Len(t, second.Instances, 1)
	assert.Nil(t, second.LastEvaluatedKey)
}

func TestQueryRaw(t *testing.T) {
	f := newFixture(t)
	seedOrders(t, f, "")
	res, err := f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{Raw: true})
	require.NoError(t, err)
	assert.Len(t, res.Items, 4)
	assert.Empty(t, res.Instances)
}

func TestIndexProjectionFollowsUpdates(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")
	_, err := f.users.Update(f.ctx, inst.ID(), map[string]any{"role": "admin"}, nil)
	require.NoError(t, err)

	res, err := f.users.Query(f.ctx, "admin", &monotable.QueryOptions{Index: "byRole"})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Same(t, inst, res.Instances[0], "query results resolve through the identity cache")

	// Clearing the partition component drops the item out of the index.
	_, err = f.users.Update(f.ctx, inst.ID(), map[string]any{"role": nil}, nil)
	require.NoError(t, err)
	res, err = f.users.Query(f.ctx, "admin", &monotable.QueryOptions{Index: "byRole"})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)
}

func TestLoadRelated(t *testing.T) {
	f := newFixture(t)
	customer := f.createUser(t, "buyer@example.com", "Buyer")
	seedOrders(t, f, customer.ID())

	res, err := f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{
		LoadRelated:   true,
		RelatedFields: []string{"customer"},
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 4)
	for _, ord := range res.Instances {
		rel := ord.Related("customer")
		require.NotNil(t, rel)
		assert.Same(t, customer, rel, "duplicate pointers resolve to one cached instance")
	}

	only, err := f.orders.Query(f.ctx, "acct1", &monotable.QueryOptions{
		RelatedOnly:   true,
		RelatedFields: []string{"customer"},
	})
	require.NoError(t, err)
	require.Len(t, only.Instances, 1, "related-only dedupes targets")
	assert.Same(t, customer, only.Instances[0])
}

func TestIterateBucketsCoverAllItems(t *testing.T) {
	f := newFixture(t)
	want := map[string]bool{}
	for _, email := range []string{"a@x.co", "b@x.co", "c@x.co", "d@x.co", "e@x.co", "f@x.co"} {
		want[f.createUser(t, email, "U").ID()] = true
	}

	got := map[string]bool{}
	for bucket := 0; bucket < 4; bucket++ {
		var start map[string]types.AttributeValue
		for {
			page, err := f.users.IterateBucket(f.ctx, bucket, &monotable.IterateOptions{Limit: 2, StartKey: start})
			require.NoError(t, err)
			for _, id := range page.IDs {
				assert.False(t, got[id], "each item visited once")
				got[id] = true
			}
			if page.LastEvaluatedKey == nil {
				break
			}
			start = page.LastEvaluatedKey
		}
	}
	assert.Equal(t, want, got)

	_, err := f.users.IterateBucket(f.ctx, 4, nil)
	assert.ErrorIs(t, err, monotable.ErrValidation)
	_, err = f.orders.IterateBucket(f.ctx, 0, nil)
	assert.ErrorIs(t, err, monotable.ErrConfig)
}

func TestCapacityAccounting(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")

	used := f.scope.Capacity()
	assert.Greater(t, used.Write, 0.0)

	_, err := f.users.Find(f.ctx, inst.ID(), &monotable.FindOptions{NoCache: true})
	require.NoError(t, err)
	assert.Greater(t, f.scope.Capacity().Read, 0.0)
	assert.NotEmpty(t, inst.Capacity())
}

func TestTenantIsolation(t *testing.T) {
	store := memorydb.New()
	mgr := monotable.NewManager(store, &monotable.Config{Table: "test", RequireTenant: true})

	ctx := context.Background()
	_, err := mgr.Tenant(ctx)
	assert.ErrorIs(t, err, monotable.ErrNoTenant)

	ctxA := monotable.WithTenant(ctx, "acme")
	tnA, err := mgr.Tenant(ctxA)
	require.NoError(t, err)
	_, err = tnA.Register(userDefinition())
	require.NoError(t, err)

	ctxB := monotable.WithTenant(ctx, "globex")
	tnB, err := mgr.Tenant(ctxB)
	require.NoError(t, err)
	_, ok := tnB.Descriptor("User")
	assert.False(t, ok, "registrations do not leak across tenants")

	again, err := tnA.Register(userDefinition())
	require.NoError(t, err)
	existing, ok := tnA.Descriptor("User")
	require.True(t, ok)
	assert.Same(t, existing, again, "re-registration returns the existing descriptor")
}

func TestRegistrationValidation(t *testing.T) {
	f := newFixture(t)
	tn, err := f.mgr.Tenant(f.ctx)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*monotable.Definition)
	}{
		{"bad prefix", func(d *monotable.Definition) { d.Prefix = "a#b"; d.Name = "X1" }},
		{"slot collision", func(d *monotable.Definition) {
			d.Name = "X2"
			d.Indexes = append(d.Indexes, monotable.IndexDef{Name: "dup", PartitionKey: "name", SortKey: "email", Slot: 1})
		}},
		{"slot out of range", func(d *monotable.Definition) {
			d.Name = "X3"
			d.Indexes = []monotable.IndexDef{{Name: "bad", PartitionKey: "name", SortKey: "email", Slot: 6}}
		}},
		{"unknown key field", func(d *monotable.Definition) { d.Name = "X4"; d.PartitionKey = "nope" }},
		{"set field in index", func(d *monotable.Definition) {
			d.Name = "X5"
			d.Indexes = []monotable.IndexDef{{Name: "bad", PartitionKey: "tags", SortKey: "name", Slot: 3}}
		}},
		{"too many iter buckets", func(d *monotable.Definition) { d.Name = "X6"; d.IterBuckets = 5000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := userDefinition()
			tt.mutate(&def)
			_, err := tn.Register(def)
			assert.ErrorIs(t, err, monotable.ErrConfig)
		})
	}
}

func TestTenantsDoNotShareCacheOrBatches(t *testing.T) {
	stores := map[string]*memorydb.Store{}
	mgr := monotable.NewManager(nil, &monotable.Config{Table: "test", RequireTenant: true},
		monotable.WithClientFactory(func(tenantID string) (backend.API, error) {
			s := memorydb.New()
			stores[tenantID] = s
			return s, nil
		}))

	tnA, err := mgr.Tenant(monotable.WithTenant(context.Background(), "acme"))
	require.NoError(t, err)
	tnB, err := mgr.Tenant(monotable.WithTenant(context.Background(), "globex"))
	require.NoError(t, err)
	usersA, err := tnA.Register(userDefinition())
	require.NoError(t, err)
	usersB, err := tnB.Register(userDefinition())
	require.NoError(t, err)

	ctx, _ := mgr.BeginRequest(context.Background())
	a, err := usersA.Create(ctx, map[string]any{"email": "a@x.co", "name": "A"}, nil)
	require.NoError(t, err)
	b, err := usersB.Create(ctx, map[string]any{"email": "b@x.co", "name": "B"}, nil)
	require.NoError(t, err)

	// The identity cache never crosses tenants, even for an identical id on
	// an identically named entity.
	ghost, err := usersB.Find(ctx, a.ID(), &monotable.FindOptions{BatchDelay: &monotable.ZeroDelay})
	require.NoError(t, err)
	assert.False(t, ghost.Exists(), "tenant A's row is invisible to tenant B")

	// Coalesced lookups stay per tenant: each batch reads through its own
	// tenant's backend handle.
	ctx2, _ := mgr.BeginRequest(context.Background())
	window := 50 * time.Millisecond
	var wg sync.WaitGroup
	var gotA, gotB *monotable.Instance
	wg.Add(2)
	go func() {
		defer wg.Done()
		inst, findErr := usersA.Find(ctx2, a.ID(), &monotable.FindOptions{BatchDelay: &window})
		assert.NoError(t, findErr)
		gotA = inst
	}()
	go func() {
		defer wg.Done()
		inst, findErr := usersB.Find(ctx2, b.ID(), &monotable.FindOptions{BatchDelay: &window})
		assert.NoError(t, findErr)
		gotB = inst
	}()
	wg.Wait()

	require.NotNil(t, gotA)
	require.NotNil(t, gotB)
	assert.True(t, gotA.Exists())
	assert.True(t, gotB.Exists())
	assert.Equal(t, "A", gotA.Get("name"))
	assert.Equal(t, "B", gotB.Get("name"))
	assert.Equal(t, 1, stores["acme"].CallCount("BatchGetItem"))
	assert.Equal(t, 1, stores["globex"].CallCount("BatchGetItem"))
}

func TestScopeIsolation(t *testing.T) {
	f := newFixture(t)
	inst := f.createUser(t, "alice@example.com", "Alice")

	otherCtx, _ := f.mgr.BeginRequest(context.Background())
	other, err := f.users.Find(otherCtx, inst.ID(), &monotable.FindOptions{BatchDelay: &monotable.ZeroDelay})
	require.NoError(t, err)
	assert.NotSame(t, inst, other, "scopes never share cached instances")
}
