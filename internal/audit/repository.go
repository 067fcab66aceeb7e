package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store defines the persistence operations the ledger needs. Implementations
// never update or delete a committed event.
type Store interface {
	// ResolveStream returns the stream for (streamType, streamKey), creating it on
	// first use. Concurrent first callers converge on the same stream.
	ResolveStream(ctx context.Context, streamType, streamKey string) (*Stream, error)

	// GetStream returns ErrStreamNotFound for unknown ids.
	GetStream(ctx context.Context, streamID string) (*Stream, error)

	// ListStreams returns every stream ordered by creation time.
	ListStreams(ctx context.Context) ([]*Stream, error)

	// FindByDedupeKey returns ErrEventNotFound when no event in the stream carries key.
	FindByDedupeKey(ctx context.Context, streamID, key string) (*Event, error)

	// BeginAppend opens an append transaction holding the exclusive ordering lock
	// of streamID. The lock is released by Commit or Rollback.
	BeginAppend(ctx context.Context, streamID string) (AppendTx, error)

	// ListStreamEvents returns the events of a stream ordered by seq ascending.
	ListStreamEvents(ctx context.Context, streamID string) ([]*Event, error)

	// GetEvent returns ErrEventNotFound for unknown ids.
	GetEvent(ctx context.Context, eventID string) (*Event, error)

	// QueryEvents returns events matching the filter, oldest first.
	QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// AppendTx is a single append under a stream's exclusive lock.
type AppendTx interface {
	// FindByDedupeKey re-checks the dedupe key under the lock.
	FindByDedupeKey(ctx context.Context, key string) (*Event, error)

	// LastEvent returns the event with the highest seq, or nil for an empty stream.
	LastEvent(ctx context.Context) (*Event, error)

	// Insert stages e. Returns ErrDuplicateDedupeKey or ErrSequenceConflict on
	// uniqueness violations.
	Insert(ctx context.Context, e *Event) error

	Commit() error

	// Rollback is a no-op after Commit.
	Rollback() error
}

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex; per-stream
// ordering locks are channels so acquisition honors context cancellation.
type InMemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	byKey   map[streamKey]string
	order   []string
	events  map[string][]*Event
	byID    map[string]*Event
	dedupe  map[string]map[string]string

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

type streamKey struct {
	typ string
	key string
}

// NewInMemoryStore creates a new in-memory ledger store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[string]*Stream),
		byKey:   make(map[streamKey]string),
		events:  make(map[string][]*Event),
		byID:    make(map[string]*Event),
		dedupe:  make(map[string]map[string]string),
		locks:   make(map[string]chan struct{}),
	}
}

// ResolveStream returns or lazily creates the stream for (streamType, streamKey).
func (s *InMemoryStore) ResolveStream(ctx context.Context, streamType, key string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := streamKey{typ: streamType, key: key}

	s.mu.RLock()
	id, ok := s.byKey[k]
	if ok {
		st := *s.streams[id]
		s.mu.RUnlock()
		return &st, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[k]; ok {
		st := *s.streams[id]
		return &st, nil
	}
	st := &Stream{
		ID:        uuid.New().String(),
		Type:      streamType,
		Key:       key,
		CreatedAt: time.Now().UTC(),
	}
	s.streams[st.ID] = st
	s.byKey[k] = st.ID
	s.order = append(s.order, st.ID)

	stCopy := *st
	return &stCopy, nil
}

// GetStream returns the stream with the given id.
func (s *InMemoryStore) GetStream(ctx context.Context, streamID string) (*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	stCopy := *st
	return &stCopy, nil
}

// ListStreams returns all streams in creation order.
func (s *InMemoryStore) ListStreams(ctx context.Context) ([]*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Stream, 0, len(s.order))
	for _, id := range s.order {
		stCopy := *s.streams[id]
		out = append(out, &stCopy)
	}
	return out, nil
}

// FindByDedupeKey looks up a committed event by dedupe key without taking the stream lock.
func (s *InMemoryStore) FindByDedupeKey(ctx context.Context, streamID, key string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByDedupeKeyLocked(streamID, key)
}

func (s *InMemoryStore) findByDedupeKeyLocked(streamID, key string) (*Event, error) {
	id, ok := s.dedupe[streamID][key]
	if !ok {
		return nil, ErrEventNotFound
	}
	return s.byID[id].Clone(), nil
}

// BeginAppend acquires the stream's ordering lock, waiting until ctx is done.
func (s *InMemoryStore) BeginAppend(ctx context.Context, streamID string) (AppendTx, error) {
	s.mu.RLock()
	_, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}

	lock := s.streamLock(streamID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memoryTx{store: s, streamID: streamID, lock: lock}, nil
}

func (s *InMemoryStore) streamLock(streamID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[streamID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[streamID] = l
	}
	return l
}

// ListStreamEvents returns copies of a stream's events, seq ascending.
func (s *InMemoryStore) ListStreamEvents(ctx context.Context, streamID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.streams[streamID]; !ok {
		return nil, ErrStreamNotFound
	}
	events := s.events[streamID]
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.Clone())
	}
	return out, nil
}

// GetEvent returns a copy of the event with the given id.
func (s *InMemoryStore) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e.Clone(), nil
}

// QueryEvents returns events matching filter ordered by creation time, then stream and seq.
func (s *InMemoryStore) QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	var results []*Event
	for _, e := range s.byID {
		if filter.Matches(e) {
			results = append(results, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.StreamID != b.StreamID {
			return a.StreamID < b.StreamID
		}
		return a.Seq < b.Seq
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

type memoryTx struct {
	store    *InMemoryStore
	streamID string
	lock     chan struct{}
	staged   *Event
	done     bool
}

func (tx *memoryTx) FindByDedupeKey(ctx context.Context, key string) (*Event, error) {
	return tx.store.FindByDedupeKey(ctx, tx.streamID, key)
}

func (tx *memoryTx) LastEvent(ctx context.Context) (*Event, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	events := tx.store.events[tx.streamID]
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1].Clone(), nil
}

func (tx *memoryTx) Insert(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	if e.Seq != int64(len(tx.store.events[tx.streamID]))+1 {
		return ErrSequenceConflict
	}
	if e.DedupeKey != nil {
		if _, exists := tx.store.dedupe[tx.streamID][*e.DedupeKey]; exists {
			return ErrDuplicateDedupeKey
		}
	}
	tx.staged = e.Clone()
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	defer tx.release()

	if tx.staged == nil {
		return nil
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	e := tx.staged
	s.events[tx.streamID] = append(s.events[tx.streamID], e)
	s.byID[e.ID] = e
	if e.DedupeKey != nil {
		if s.dedupe[tx.streamID] == nil {
			s.dedupe[tx.streamID] = make(map[string]string)
		}
		s.dedupe[tx.streamID][*e.DedupeKey] = e.ID
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}

func (tx *memoryTx) release() {
	tx.done = true
	tx.staged = nil
	<-tx.lock
}
