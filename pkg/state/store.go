// Package state holds the session store: the durable table of accounting
// sessions keyed by NAS identifier and Acct-Session-Id.
package state

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Store is the session table.
//
// Get returns (nil, nil) when the key does not exist. The List methods
// return lazy sequences; each iteration starts from a fresh snapshot, and
// stops with the context error once ctx is done.
type Store interface {
	Get(ctx context.Context, key Key) (*Session, error)
	Put(ctx context.Context, s *Session) error
	ListActive(ctx context.Context) iter.Seq2[*Session, error]
	ListByUser(ctx context.Context, username string, since time.Time) iter.Seq2[*Session, error]
	List(ctx context.Context) iter.Seq2[*Session, error]
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[Key]*Session

	// Indexes for fast lookup
	active map[Key]struct{}
	byUser map[string]map[Key]struct{}

	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:   logger,
		sessions: make(map[Key]*Session),
		active:   make(map[Key]struct{}),
		byUser:   make(map[string]map[Key]struct{}),
	}
}

// Get returns a copy of the session or nil.
func (m *MemoryStore) Get(ctx context.Context, key Key) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	m.reads.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key].Clone(), nil
}

// Put upserts a session by identity.
func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.FromContext(err)
	}

	stored := s.Clone()
	key := stored.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[key]; ok && prev.Username != stored.Username {
		m.unindexUser(prev.Username, key)
	}
	m.sessions[key] = stored

	if stored.Active() {
		m.active[key] = struct{}{}
	} else {
		delete(m.active, key)
	}
	if stored.Username != "" {
		set, ok := m.byUser[stored.Username]
		if !ok {
			set = make(map[Key]struct{})
			m.byUser[stored.Username] = set
		}
		set[key] = struct{}{}
	}

	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) unindexUser(username string, key Key) {
	set, ok := m.byUser[username]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m.byUser, username)
	}
}

// ListActive yields every Active session in undefined order.
func (m *MemoryStore) ListActive(ctx context.Context) iter.Seq2[*Session, error] {
	return m.snapshot(ctx, func() []*Session {
		out := make([]*Session, 0, len(m.active))
		for key := range m.active {
			out = append(out, m.sessions[key].Clone())
		}
		return out
	})
}

// ListByUser yields the user's sessions still open at or after since.
// A zero since yields all of them.
func (m *MemoryStore) ListByUser(ctx context.Context, username string, since time.Time) iter.Seq2[*Session, error] {
	return m.snapshot(ctx, func() []*Session {
		set := m.byUser[username]
		out := make([]*Session, 0, len(set))
		for key := range set {
			s := m.sessions[key]
			if s.Overlaps(since, time.Time{}) {
				out = append(out, s.Clone())
			}
		}
		return out
	})
}

// List yields every stored session.
func (m *MemoryStore) List(ctx context.Context) iter.Seq2[*Session, error] {
	return m.snapshot(ctx, func() []*Session {
		out := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			out = append(out, s.Clone())
		}
		return out
	})
}

// snapshot copies the selection under the read lock when iteration starts
// and releases it before the first yield, so slow consumers never hold
// writers back.
func (m *MemoryStore) snapshot(ctx context.Context, collect func() []*Session) iter.Seq2[*Session, error] {
	return func(yield func(*Session, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, apperr.FromContext(err))
			return
		}
		m.reads.Add(1)

		m.mu.RLock()
		items := collect()
		m.mu.RUnlock()

		for _, s := range items {
			if err := ctx.Err(); err != nil {
				yield(nil, apperr.FromContext(err))
				return
			}
			if !yield(s, nil) {
				return
			}
		}
	}
}

// Stats returns store statistics.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Sessions:       len(m.sessions),
		ActiveSessions: len(m.active),
		Reads:          m.reads.Load(),
		Writes:         m.writes.Load(),
	}
}

// Collect drains a sequence into a slice, returning the first error.
func Collect(seq iter.Seq2[*Session, error]) ([]*Session, error) {
	var out []*Session
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}
