package listing

import (
	"context"
	"sync"
)

// MemoryCatalog is an in-memory listing catalog for demo/development mode.
type MemoryCatalog struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryCatalog creates a new in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		listings: make(map[string]*Listing),
	}
}

// Put adds or replaces a listing. Used by seed data and tests.
func (m *MemoryCatalog) Put(l *Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
}

func (m *MemoryCatalog) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	// Deep copy so callers cannot mutate catalog data through the
	// returned pointer's package/extra slices.
	cp := *l
	cp.Packages = make([]Package, len(l.Packages))
	copy(cp.Packages, l.Packages)
	if l.Extras != nil {
		cp.Extras = make([]Extra, len(l.Extras))
		copy(cp.Extras, l.Extras)
	}
	return &cp, nil
}

// Compile-time assertion that MemoryCatalog implements Catalog.
var _ Catalog = (*MemoryCatalog)(nil)
