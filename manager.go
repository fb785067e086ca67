package monotable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/monotable/monotable/backend"
	"github.com/monotable/monotable/reqctx"
)

// DefaultTenant is the tenant id in force when none is set and tenancy is
// not required.
const DefaultTenant = ""

type tenantKey struct{}

// WithTenant returns a context carrying the tenant id.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey{}, id)
}

// TenantFrom extracts the ambient tenant id.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok
}

// ClientFactory builds the backend client for one tenant. The default
// factory hands every tenant the shared client the manager was built with.
type ClientFactory func(tenantID string) (backend.API, error)

// Manager owns the per-tenant descriptor registries and their backend
// handles. Registrations on one tenant are invisible to every other.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	factory ClientFactory

	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClientFactory supplies per-tenant backend clients.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// NewManager builds a manager over a shared backend client. cfg may be
// nil; defaults apply.
func NewManager(client backend.API, cfg *Config, opts ...Option) *Manager {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.applyDefaults()
	m := &Manager{
		cfg:     c,
		log:     slog.Default(),
		tenants: make(map[string]*Tenant),
		factory: func(string) (backend.API, error) { return client, nil },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tenant resolves the registry for the ambient tenant id, creating it on
// first use. When tenancy is required and no id is in scope the call
// fails with ErrNoTenant.
func (m *Manager) Tenant(ctx context.Context) (*Tenant, error) {
	id, ok := TenantFrom(ctx)
	if !ok {
		if m.cfg.RequireTenant {
			return nil, ErrNoTenant
		}
		id = DefaultTenant
	}
	return m.tenantByID(id)
}

func (m *Manager) tenantByID(id string) (*Tenant, error) {
	m.mu.RLock()
	t, ok := m.tenants[id]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tenants[id]; ok {
		return t, nil
	}
	client, err := m.factory(id)
	if err != nil {
		return nil, configErrf("tenant %q: backend client: %v", id, err)
	}
	t = &Tenant{
		id:          id,
		manager:     m,
		handle:      backend.NewHandle(client, m.cfg.Table, m.log.With("tenant", id)),
		descriptors: make(map[string]*Descriptor),
	}
	m.tenants[id] = t
	return t, nil
}

// BeginRequest opens a request scope: one identity cache, one
// pending-batch map, one capacity accumulator. The returned context must
// flow through every operation of the logical request.
func (m *Manager) BeginRequest(ctx context.Context) (context.Context, *reqctx.Context) {
	return reqctx.Attach(ctx, m.log)
}

// Tenant is one isolation unit: a descriptor registry bound to a backend
// handle. The registry is mutated only during registration and read-only
// thereafter.
type Tenant struct {
	id      string
	manager *Manager
	handle  *backend.Handle

	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// ID returns the tenant id.
func (t *Tenant) ID() string { return t.id }

// Handle returns the tenant's backend handle.
func (t *Tenant) Handle() *backend.Handle { return t.handle }

// Register validates the definition and freezes it into a Descriptor.
// Re-registering the same entity name on the same tenant is a no-op
// returning the existing descriptor.
func (t *Tenant) Register(def Definition) (*Descriptor, error) {
	t.mu.RLock()
	existing, ok := t.descriptors[def.Name]
	t.mu.RUnlock()
	if ok {
		return existing, nil
	}

	d, err := newDescriptor(def, t)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.descriptors[def.Name]; ok {
		return existing, nil
	}
	t.descriptors[def.Name] = d
	return d, nil
}

// Descriptor returns a registered entity descriptor by name.
func (t *Tenant) Descriptor(name string) (*Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.descriptors[name]
	return d, ok
}

// queryLimit resolves an entity's default page size.
func (d *Descriptor) defaultQueryLimit() int32 {
	if d.queryLimit > 0 {
		return d.queryLimit
	}
	return d.tenant.manager.cfg.DefaultQueryLimit
}

// batchDelay resolves the default coalescing window.
func (d *Descriptor) defaultBatchDelay() time.Duration {
	return d.tenant.manager.cfg.BatchDelay
}
