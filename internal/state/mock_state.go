// ABOUTME: Mock DataStore implementation for testing
// ABOUTME: Allows tests to run without SQLite and to count/fail inner-store calls

package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockStore is an in-memory DataStore implementation for testing. It
// follows the same save protocol as the SQLite store (minus row history:
// the latest value simply replaces the previous one) and counts calls so
// tests can verify what reaches the inner store through a cache.
type MockStore struct {
	mu   sync.RWMutex
	rows map[string]*mockRow // keyed by cacheKey(storeType, scope fields)

	// Strict enables compare-and-swap on specific-eTag saves.
	Strict bool

	// SaveHook, if set, runs before each save; returning an error fails
	// the save without touching stored state.
	SaveHook func(addr Address, st StoreType) error

	loadCalls int
	saveCalls int
}

type mockRow struct {
	data       any
	etag       string
	serviceURL string
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		rows: make(map[string]*mockRow),
	}
}

// LoadCalls returns how many times Load has been invoked.
func (m *MockStore) LoadCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadCalls
}

// SaveCalls returns how many times Save has been invoked.
func (m *MockStore) SaveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCalls
}

// Load retrieves the current record for (addr, st).
func (m *MockStore) Load(ctx context.Context, addr Address, st StoreType) (*DataRecord, error) {
	key, err := cacheKey(st, addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++

	row, ok := m.rows[key]
	if !ok {
		return &DataRecord{}, nil
	}
	return &DataRecord{Data: row.data, ETag: row.etag}, nil
}

// Save applies the optimistic-concurrency protocol against the in-memory map.
func (m *MockStore) Save(ctx context.Context, addr Address, st StoreType, rec *DataRecord) error {
	if rec == nil {
		return fmt.Errorf("record must not be nil")
	}
	key, err := cacheKey(st, addr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++

	if m.SaveHook != nil {
		if err := m.SaveHook(addr, st); err != nil {
			return err
		}
	}

	row, found := m.rows[key]

	if m.Strict && rec.ETag != "" && rec.ETag != ETagAny && found && row.etag != rec.ETag {
		return fmt.Errorf("%w: stored etag %s does not match %s", ErrConcurrencyConflict, row.etag, rec.ETag)
	}

	if rec.Data == nil {
		if rec.ETag != "" && found {
			delete(m.rows, key)
		}
		rec.ETag = ""
		return nil
	}

	m.rows[key] = &mockRow{
		data:       rec.Data,
		etag:       uuid.New().String(),
		serviceURL: addr.ServiceURL,
	}
	rec.ETag = m.rows[key].etag
	return nil
}

// Flush is a no-op: saves apply immediately.
func (m *MockStore) Flush(ctx context.Context, addr Address) (bool, error) {
	return true, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements DataStore interface
var _ DataStore = (*MockStore)(nil)
