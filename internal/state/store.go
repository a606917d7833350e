package state

import (
	"context"
	"sync"

	"github.com/aonescu/kubefacts/internal/types"
)

const DefaultCapacity = 1024

// CommitLog is a queryable journal of committed transactions.
type CommitLog interface {
	Record(commit types.Commit) error
	Recent(limit int) []types.Commit
	ByTxID(txID string) (types.Commit, bool)
}

// In-memory implementation, also the fallback when no database is configured.
// Only the most recent commits are retained.
type MemoryStore struct {
	mu       sync.RWMutex
	commits  []types.Commit
	next     int
	full     bool
	byTxID   map[string]int
	recorded uint64
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		commits: make([]types.Commit, capacity),
		byTxID:  make(map[string]int, capacity),
	}
}

func (s *MemoryStore) Record(commit types.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.full {
		delete(s.byTxID, s.commits[s.next].TxID)
	}
	s.commits[s.next] = commit
	s.byTxID[commit.TxID] = s.next
	s.next = (s.next + 1) % len(s.commits)
	if s.next == 0 {
		s.full = true
	}
	s.recorded++
	return nil
}

// Publish records the commit; it lets the store sit behind the transaction
// manager as a delta sink.
func (s *MemoryStore) Publish(_ context.Context, commit types.Commit) error {
	return s.Record(commit)
}

// Recent returns up to limit commits, newest first. A non-positive limit
// returns everything retained.
func (s *MemoryStore) Recent(limit int) []types.Commit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.commits)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Commit, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.commits)) % len(s.commits)
		out = append(out, s.commits[idx])
	}
	return out
}

func (s *MemoryStore) ByTxID(txID string) (types.Commit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byTxID[txID]
	if !ok {
		return types.Commit{}, false
	}
	return s.commits[idx], true
}

// Recorded is the number of commits seen since start, including evicted ones.
func (s *MemoryStore) Recorded() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recorded
}
