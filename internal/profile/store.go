package profile

import (
	"sort"
	"sync"
	"time"
)

// ExpiryPolicy decides when a record is stale.
type ExpiryPolicy struct {
	// InactivityTTL evicts records not touched for longer than this.
	InactivityTTL time.Duration
	// MaxAge evicts records first seen longer ago than this, even if active.
	MaxAge time.Duration
}

// Expired reports whether r must be evicted at now. Zero durations disable
// the respective check.
func (p ExpiryPolicy) Expired(r *Record, now time.Time) bool {
	if p.InactivityTTL > 0 && now.Sub(r.LastActiveAt) > p.InactivityTTL {
		return true
	}
	if p.MaxAge > 0 && now.Sub(r.FirstSeenAt) > p.MaxAge {
		return true
	}
	return false
}

// Store is the key-value store of conversation records. Get and Snapshot
// return copies; callers write changes back with Put.
type Store interface {
	Get(id string) (*Record, bool)
	Put(r *Record)
	Delete(id string) bool
	ListExpired(now time.Time, policy ExpiryPolicy) []string
	Snapshot() map[string]*Record
	Replace(records map[string]*Record)
	Len() int
}

// MemoryStore is a map-backed Store safe for concurrent use. It serializes
// map access only; two turns for the same id can still overwrite each other.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (s *MemoryStore) Put(r *Record) {
	if r == nil || r.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r.Clone()
}

func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	return true
}

func (s *MemoryStore) ListExpired(now time.Time, policy ExpiryPolicy) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.records {
		if policy.Expired(r, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) Snapshot() map[string]*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Record, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out
}

// Replace swaps the whole content, used when hydrating from a snapshot.
func (s *MemoryStore) Replace(records map[string]*Record) {
	next := make(map[string]*Record, len(records))
	for id, r := range records {
		if r == nil {
			continue
		}
		c := r.Clone()
		if c.ID == "" {
			c.ID = id
		}
		next[id] = c
	}
	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
