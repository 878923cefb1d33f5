package vault

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is an encrypted secret at rest. Ciphertext is decryptable only with
// the tenant-bound master key.
type Record struct {
	TenantID   string
	Provider   string
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Scopes     []string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// RecordStore persists encrypted records. The vault holds no plaintext, so a
// store only ever sees sealed bytes. Get returns (nil, nil) when absent.
type RecordStore interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, tenantID, provider string) (*Record, error)
	List(ctx context.Context, tenantID string) ([]*Record, error)
	Delete(ctx context.Context, tenantID, provider string) error
}

// MemoryRecordStore is the default in-process store.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*Record // tenant -> provider -> record
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]map[string]*Record)}
}

func (s *MemoryRecordStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byProvider, ok := s.records[rec.TenantID]
	if !ok {
		byProvider = make(map[string]*Record)
		s.records[rec.TenantID] = byProvider
	}
	byProvider[rec.Provider] = rec
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, tenantID, provider string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[tenantID][provider]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (s *MemoryRecordStore) List(_ context.Context, tenantID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byProvider := s.records[tenantID]
	recs := make([]*Record, 0, len(byProvider))
	for _, rec := range byProvider {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Provider < recs[j].Provider })
	return recs, nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, tenantID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[tenantID], provider)
	return nil
}
