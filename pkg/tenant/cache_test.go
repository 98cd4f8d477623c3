package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callcore/pkg/errorsx"
	"github.com/harunnryd/callcore/pkg/metrics"
	"github.com/harunnryd/callcore/pkg/resilience"
)

func testTenants() []Tenant {
	return []Tenant{
		{ID: "t1", BusinessName: "Acme Plumbing", PhoneNumber: "(555) 010-1000", AgentName: "Ava", Active: true},
		{ID: "t2", BusinessName: "Bright Dental", PhoneNumber: "+1 555 010 2000", AgentName: "Ben", Active: true},
		{ID: "t3", BusinessName: "Closed Co", PhoneNumber: "5550103000", Active: false},
	}
}

func fastRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"(555) 010-1000":   "+15550101000",
		"5551234567":       "+15551234567",
		"15550101000":      "+15550101000",
		"+1 555 010 1000":  "+15550101000",
		"+44 20 7946 0958": "+442079460958",
		"020 7946 0958":    "+02079460958",
		"":                 "",
		"ext.":             "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCacheInitializeIndexesActiveTenants(t *testing.T) {
	store := NewMemoryStore(testTenants()...)
	c := NewCache(store, Options{Retry: fastRetry()})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Shutdown()

	for _, tn := range testTenants() {
		got := c.LookupByPhone(NormalizePhone(tn.PhoneNumber))
		if !tn.Active {
			if got != nil {
				t.Fatalf("inactive tenant %s must not be cached", tn.ID)
			}
			continue
		}
		if got == nil || got.ID != tn.ID {
			t.Fatalf("lookup %s: got %+v", tn.ID, got)
		}
		if byID := c.LookupByID(tn.ID); byID == nil || byID.BusinessName != tn.BusinessName {
			t.Fatalf("lookup by id %s: got %+v", tn.ID, byID)
		}
		if got := c.LookupByPhone(tn.PhoneNumber); got == nil || got.ID != tn.ID {
			t.Fatalf("lookup of raw number %q: got %+v", tn.PhoneNumber, got)
		}
		if got := c.LookupByPhone("id:" + tn.ID); got != nil {
			t.Fatalf("id key %q must not resolve as a phone number, got %s", "id:"+tn.ID, got.ID)
		}
	}
	stats := c.Stats()
	if !stats.Initialized || stats.TenantCount != 2 || stats.LastRefresh.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCacheInitialLoadFailureLeavesEmptyCache(t *testing.T) {
	store := NewMemoryStore(testTenants()...)
	store.FailWith(errors.New("connection refused"))
	c := NewCache(store, Options{Retry: fastRetry()})
	err := c.Initialize(context.Background())
	defer c.Shutdown()
	if !errorsx.HasReason(err, errorsx.ReasonTenantStore) {
		t.Fatalf("expected tenant_store error, got %v", err)
	}
	if c.Stats().Initialized || c.LookupByID("t1") != nil {
		t.Fatalf("expected empty cache")
	}
	if store.Calls("ActiveTenants") != 2 {
		t.Fatalf("expected one retry, got %d calls", store.Calls("ActiveTenants"))
	}

	store.FailWith(nil)
	got, err := c.LookupByPhoneWithFallback(context.Background(), "555-010-2000")
	if err != nil || got == nil || got.ID != "t2" {
		t.Fatalf("expected store fallback hit, got %+v %v", got, err)
	}
	if c.LookupByPhone("+15550102000") == nil {
		t.Fatalf("expected fallback hit written back")
	}
}

func TestCacheFallbackMissAndMetrics(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	c := NewCache(NewMemoryStore(testTenants()...), Options{Retry: fastRetry(), Observer: obs})
	_ = c.Initialize(context.Background())
	defer c.Shutdown()

	if _, err := c.LookupByPhoneWithFallback(context.Background(), "+1 555 010 1000"); err != nil {
		t.Fatalf("expected cache hit: %v", err)
	}
	_, err := c.LookupByPhoneWithFallback(context.Background(), "5550103000")
	if !errors.Is(err, ErrNotFound) || !errorsx.HasReason(err, errorsx.ReasonTenantNotFound) {
		t.Fatalf("expected not found for inactive tenant, got %v", err)
	}
	if obs.Count(metrics.EventTenantLookup) != 2 {
		t.Fatalf("expected two lookup events, got %d", obs.Count(metrics.EventTenantLookup))
	}
}

func TestCacheInvalidate(t *testing.T) {
	store := NewMemoryStore(testTenants()...)
	c := NewCache(store, Options{Retry: fastRetry()})
	_ = c.Initialize(context.Background())
	defer c.Shutdown()

	store.Put(Tenant{ID: "t1", BusinessName: "Acme Plumbing & Heating", PhoneNumber: "5550109999", Active: true})
	c.Invalidate(context.Background(), "t1")
	if c.LookupByPhone("+15550101000") != nil {
		t.Fatalf("old phone key must be gone")
	}
	if got := c.LookupByPhone("+15550109999"); got == nil || got.BusinessName != "Acme Plumbing & Heating" {
		t.Fatalf("expected reloaded tenant, got %+v", got)
	}

	store.SetActive("t2", false)
	c.Invalidate(context.Background(), "t2")
	if c.LookupByID("t2") != nil || c.LookupByPhone("+15550102000") != nil {
		t.Fatalf("inactive tenant must be dropped")
	}

	store.FailWith(errors.New("down"))
	c.Invalidate(context.Background(), "t1")
	if c.LookupByID("t1") != nil {
		t.Fatalf("entry must be removed even when reload fails")
	}
}

func TestCacheReadersNeverSeePartialRefresh(t *testing.T) {
	store := NewMemoryStore(testTenants()...)
	c := NewCache(store, Options{Retry: fastRetry()})
	_ = c.Initialize(context.Background())
	defer c.Shutdown()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				a := c.LookupByID("t1")
				b := c.LookupByID("t2")
				if a == nil || b == nil {
					t.Errorf("reader saw a partial cache")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestCachePeriodicRefresh(t *testing.T) {
	store := NewMemoryStore(testTenants()...)
	c := NewCache(store, Options{Retry: fastRetry(), RefreshInterval: 10 * time.Millisecond})
	_ = c.Initialize(context.Background())

	store.Put(Tenant{ID: "t4", PhoneNumber: "5550104000", Active: true})
	deadline := time.Now().Add(2 * time.Second)
	for c.LookupByID("t4") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Shutdown()
	c.Shutdown()
	if c.LookupByID("t4") == nil {
		t.Fatalf("expected background refresh to pick up new tenant")
	}
}
