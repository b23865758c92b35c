package audit

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Storage persists log entries.
type Storage interface {
	// Append writes an entry. It fails only when storage is unavailable.
	Append(ctx context.Context, e *Entry) error

	// Query returns one page of matching entries, newest first with ties in
	// insertion order, and the total number of matches.
	Query(ctx context.Context, f Filter) ([]*Entry, int, error)

	// Scan lazily yields every matching entry in insertion order. Limit and
	// Offset are ignored.
	Scan(ctx context.Context, f Filter) iter.Seq2[*Entry, error]

	Close() error
}

// MemoryStorage is an in-memory Storage for tests and single-node use.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []*Entry
	nextSeq uint64

	// Index by username
	byUser map[string][]int
}

// NewMemoryStorage creates an empty log.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make([]*Entry, 0),
		byUser:  make(map[string][]int),
	}
}

// Append stores a copy of e and assigns its sequence number.
func (s *MemoryStorage) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return apperr.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	e.Seq = s.nextSeq
	stored := e.clone()
	s.entries = append(s.entries, stored)
	if stored.Username != "" {
		s.byUser[stored.Username] = append(s.byUser[stored.Username], len(s.entries)-1)
	}
	return nil
}

// Query filters, orders and paginates.
func (s *MemoryStorage) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, apperr.FromContext(err)
	}

	s.mu.RLock()
	var results []*Entry
	for _, e := range s.candidates(f) {
		if f.Matches(e) {
			results = append(results, e.clone())
		}
	}
	s.mu.RUnlock()

	// Stable sort keeps insertion order for equal timestamps.
	slices.SortStableFunc(results, func(a, b *Entry) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	total := len(results)
	return paginate(results, f.Limit, f.Offset), total, nil
}

// Scan takes a snapshot of matching entries when iteration starts.
func (s *MemoryStorage) Scan(ctx context.Context, f Filter) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		if err := f.Validate(); err != nil {
			yield(nil, err)
			return
		}

		s.mu.RLock()
		var snapshot []*Entry
		for _, e := range s.candidates(f) {
			if f.Matches(e) {
				snapshot = append(snapshot, e.clone())
			}
		}
		s.mu.RUnlock()

		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, apperr.FromContext(err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// candidates narrows the scan using the username index. Caller holds mu.
func (s *MemoryStorage) candidates(f Filter) []*Entry {
	if f.Username == "" {
		return s.entries
	}
	idx := s.byUser[f.Username]
	out := make([]*Entry, len(idx))
	for i, pos := range idx {
		out[i] = s.entries[pos]
	}
	return out
}

// Len returns the number of stored entries.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

func paginate(results []*Entry, limit, offset int) []*Entry {
	if offset > 0 {
		if offset >= len(results) {
			return []*Entry{}
		}
		results = results[offset:]
	}
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	if results == nil {
		return []*Entry{}
	}
	return results
}
