package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and the mock profile.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]Tenant
	err     error
	calls   map[string]int
}

func NewMemoryStore(tenants ...Tenant) *MemoryStore {
	s := &MemoryStore{tenants: make(map[string]Tenant), calls: make(map[string]int)}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

// Put inserts or replaces a tenant.
func (s *MemoryStore) Put(t Tenant) {
	s.mu.Lock()
	s.tenants[t.ID] = t
	s.mu.Unlock()
}

// SetActive flips a tenant's active flag.
func (s *MemoryStore) SetActive(id string, active bool) {
	s.mu.Lock()
	if t, ok := s.tenants[id]; ok {
		t.Active = active
		s.tenants[id] = t
	}
	s.mu.Unlock()
}

// FailWith makes every query return err until cleared with nil.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Calls reports how many times a query method ran.
func (s *MemoryStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *MemoryStore) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ActiveTenants"]++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TenantByID(ctx context.Context, id string) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["TenantByID"]++
	if s.err != nil {
		return Tenant{}, s.err
	}
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) TenantByPhone(ctx context.Context, phone string) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["TenantByPhone"]++
	if s.err != nil {
		return Tenant{}, s.err
	}
	for _, t := range s.tenants {
		if t.Active && NormalizePhone(t.PhoneNumber) == phone {
			return t, nil
		}
	}
	return Tenant{}, ErrNotFound
}

var _ Store = (*MemoryStore)(nil)
