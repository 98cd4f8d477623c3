package tenant

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/logging"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/redact"
	"github.com/harunnryd/callcore/pkg/resilience"
)

const DefaultRefreshInterval = 5 * time.Minute

type Options struct {
	RefreshInterval time.Duration
	// Retry wraps every full load from the store.
	Retry    resilience.RetryPolicy
	Logger   *slog.Logger
	Observer metrics.Observer
}

// Stats is a health snapshot of the cache.
type Stats struct {
	Initialized bool      `json:"initialized"`
	TenantCount int       `json:"tenant_count"`
	LastRefresh time.Time `json:"last_refresh"`
}

type snapshot struct {
	entries     map[string]*Tenant
	lastRefresh time.Time
}

// Cache indexes active tenants by normalized phone and by id. Readers load
// an immutable snapshot; writers copy it, mutate the copy and swap it in.
type Cache struct {
	store Store
	opts  Options
	log   *slog.Logger

	snap        atomic.Pointer[snapshot]
	writeMu     sync.Mutex
	initialized atomic.Bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewCache(store Store, opts Options) *Cache {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = resilience.NewRetryPolicy(2, 500*time.Millisecond)
	}
	c := &Cache{
		store: store,
		opts:  opts,
		log:   logging.NewComponentLogger(opts.Logger, "tenant_cache"),
	}
	c.snap.Store(&snapshot{entries: map[string]*Tenant{}})
	return c
}

// Initialize loads every active tenant before returning and starts the
// periodic refresh. A failed load leaves the cache empty but usable; the
// error is returned for reporting only.
func (c *Cache) Initialize(ctx context.Context) error {
	err := c.Refresh(ctx)
	if err != nil {
		c.log.Error("tenant_cache_initial_load_failed", "error", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.refreshLoop(loopCtx)
	return err
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("tenant_cache_refresh_failed", "error", err)
			}
		}
	}
}

// Shutdown stops the refresh loop. It is safe to call more than once.
func (c *Cache) Shutdown() {
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
	})
}

// Refresh rebuilds both indices from the store and swaps them in whole.
func (c *Cache) Refresh(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var tenants []Tenant
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		tenants, err = c.store.ActiveTenants(ctx)
		return err
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTenantStore)
	}

	entries := make(map[string]*Tenant, 2*len(tenants))
	for i := range tenants {
		t := tenants[i]
		if !t.Active {
			continue
		}
		insert(entries, &t)
	}
	now := time.Now()
	c.snap.Store(&snapshot{entries: entries, lastRefresh: now})
	c.initialized.Store(true)
	c.log.Info("tenant_cache_refreshed", "tenants", countTenants(entries))
	return nil
}

// LookupByPhone is a pure in-memory read of the normalized number. It
// returns nil on a miss.
func (c *Cache) LookupByPhone(phone string) *Tenant {
	n := NormalizePhone(phone)
	if n == "" {
		return nil
	}
	if t := c.snap.Load().entries[n]; t != nil {
		return clone(t)
	}
	return nil
}

// LookupByID is a pure in-memory read. It returns nil on a miss.
func (c *Cache) LookupByID(id string) *Tenant {
	if t := c.snap.Load().entries[idKey(id)]; t != nil {
		return clone(t)
	}
	return nil
}

// LookupByPhoneWithFallback queries the store on a cache miss and writes
// an active hit back into the cache.
func (c *Cache) LookupByPhoneWithFallback(ctx context.Context, phone string) (*Tenant, error) {
	if t := c.LookupByPhone(phone); t != nil {
		c.record("cache")
		return t, nil
	}
	normalized := NormalizePhone(phone)
	if normalized == "" {
		c.record("miss")
		return nil, errorsx.Wrap(ErrNotFound, errorsx.ReasonTenantNotFound)
	}
	t, err := c.store.TenantByPhone(ctx, normalized)
	if err != nil {
		c.record("miss")
		if errors.Is(err, ErrNotFound) {
			return nil, errorsx.Wrap(err, errorsx.ReasonTenantNotFound)
		}
		c.log.Warn("tenant_store_lookup_failed", "phone", redact.Phone(normalized), "error", err)
		return nil, errorsx.Wrap(err, errorsx.ReasonTenantStore)
	}
	if !t.Active {
		c.record("miss")
		return nil, errorsx.Wrap(ErrNotFound, errorsx.ReasonTenantNotFound)
	}
	c.update(func(entries map[string]*Tenant) {
		insert(entries, &t)
	})
	c.record("store")
	c.log.Info("tenant_cache_write_back", "tenant_id", t.ID, "phone", redact.Phone(normalized))
	return clone(&t), nil
}

// Invalidate drops a tenant and reloads it from the store, reinserting it
// only if still active. Reload errors are ignored; the next refresh
// corrects the cache.
func (c *Cache) Invalidate(ctx context.Context, id string) {
	c.update(func(entries map[string]*Tenant) {
		remove(entries, id)
	})
	t, err := c.store.TenantByID(ctx, id)
	if err != nil {
		c.log.Debug("tenant_reload_skipped", "tenant_id", id, "error", err)
		return
	}
	if !t.Active {
		return
	}
	c.update(func(entries map[string]*Tenant) {
		remove(entries, id)
		insert(entries, &t)
	})
}

func (c *Cache) Stats() Stats {
	s := c.snap.Load()
	return Stats{
		Initialized: c.initialized.Load(),
		TenantCount: countTenants(s.entries),
		LastRefresh: s.lastRefresh,
	}
}

func (c *Cache) update(fn func(entries map[string]*Tenant)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	cur := c.snap.Load()
	next := maps.Clone(cur.entries)
	fn(next)
	c.snap.Store(&snapshot{entries: next, lastRefresh: cur.lastRefresh})
}

func (c *Cache) record(source string) {
	metrics.Record(c.opts.Observer, metrics.EventTenantLookup, 1, map[string]string{"source": source})
}

func insert(entries map[string]*Tenant, t *Tenant) {
	if phone := NormalizePhone(t.PhoneNumber); phone != "" {
		entries[phone] = t
	}
	entries[idKey(t.ID)] = t
}

func remove(entries map[string]*Tenant, id string) {
	old := entries[idKey(id)]
	delete(entries, idKey(id))
	if old == nil {
		return
	}
	if phone := NormalizePhone(old.PhoneNumber); phone != "" && entries[phone] == old {
		delete(entries, phone)
	}
}

func countTenants(entries map[string]*Tenant) int {
	n := 0
	for k := range entries {
		if strings.HasPrefix(k, "id:") {
			n++
		}
	}
	return n
}

func clone(t *Tenant) *Tenant {
	out := *t
	return &out
}
