// Package reqctx implements the request-scoped context that owns the
// identity cache, the pending-batch map, and the consumed-capacity
// accumulator.
//
// A scope is attached to a context.Context for the duration of one logical
// request. Attaching inside an existing scope creates a fresh scope that
// fully shadows the outer one; nothing is ever shared across scopes, so
// concurrent requests cannot observe each other's caches or batches.
// Within one scope the fields are mutex-guarded: the single-owner
// discipline is per request, not per goroutine.
package reqctx

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultBatchDelay is the coalescing window for batched point
	// lookups.
	DefaultBatchDelay = 5 * time.Millisecond

	// BatchTimeout is the hard per-batch deadline. There is no other
	// cancellation primitive.
	BatchTimeout = 10 * time.Second
)

// ErrNoScope is returned by operations that require a request scope when
// the context carries none.
var ErrNoScope = errors.New("no request scope in context")

// ErrBatchTimeout is delivered to every waiter of a batch whose bulk read
// did not complete within BatchTimeout.
var ErrBatchTimeout = errors.New("batch read timed out")

// Capacity accumulates backend-reported read and write units.
type Capacity struct {
	Read  float64
	Write float64
}

// Add returns the element-wise sum.
func (c Capacity) Add(o Capacity) Capacity {
	return Capacity{Read: c.Read + o.Read, Write: c.Write + o.Write}
}

type ctxKey struct{}

// Context is one request scope. All fields behind mu are context-local;
// the zero of everything else is set at Attach.
type Context struct {
	id      string
	started time.Time
	log     *slog.Logger

	mu      sync.Mutex
	cache   map[string]any
	batches map[batchKey]*batch
	used    Capacity
}

// Attach creates a fresh scope and returns a derived context carrying it.
// Any scope already present is shadowed, not shared.
func Attach(ctx context.Context, log *slog.Logger) (context.Context, *Context) {
	if log == nil {
		log = slog.Default()
	}
	c := &Context{
		id:      ulid.Make().String(),
		started: time.Now(),
		log:     log,
		cache:   make(map[string]any),
		batches: make(map[batchKey]*batch),
	}
	return context.WithValue(ctx, ctxKey{}, c), c
}

// From extracts the innermost scope.
func From(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Context)
	return c, ok
}

// ID returns the request identifier.
func (c *Context) ID() string { return c.id }

// Started returns the scope's start time.
func (c *Context) Started() time.Time { return c.started }

// Cached returns the identity-cached instance for a primary id. The same
// reference is handed out every time.
func (c *Context) Cached(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[id]
	return v, ok
}

// Store records an instance under its primary id.
func (c *Context) Store(id string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[id] = v
}

// Evict drops a cached instance (used by the delete pipeline).
func (c *Context) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
}

// CacheLen reports the number of cached instances.
func (c *Context) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// AddCapacity folds backend-reported units into the scope total and the
// process-wide meters.
func (c *Context) AddCapacity(cap Capacity) {
	c.mu.Lock()
	c.used = c.used.Add(cap)
	c.mu.Unlock()
	read, write := counters()
	if read != nil {
		read.Add(context.Background(), cap.Read)
	}
	if write != nil {
		write.Add(context.Background(), cap.Write)
	}
}

// Capacity returns a snapshot copy of the accumulated totals.
func (c *Context) Capacity() Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

const meterScope = "github.com/monotable/monotable/reqctx"

var (
	meterOnce    sync.Once
	readCounter  metric.Float64Counter
	writeCounter metric.Float64Counter
)

func counters() (metric.Float64Counter, metric.Float64Counter) {
	meterOnce.Do(func() {
		m := otel.Meter(meterScope)
		readCounter, _ = m.Float64Counter("monotable.capacity.read",
			metric.WithDescription("Backend read capacity units consumed"))
		writeCounter, _ = m.Float64Counter("monotable.capacity.write",
			metric.WithDescription("Backend write capacity units consumed"))
	})
	return readCounter, writeCounter
}
