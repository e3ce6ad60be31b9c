// Package memory is an in-process Store used for tests and single-node
// deployments without a database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

const defaultLockTimeout = 5 * time.Second

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithCommitHook(hook store.CommitHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

type Store struct {
	mu          sync.RWMutex
	entries     map[string]models.QueueEntry
	counters    map[string]int
	stations    map[string]models.StationAssignment
	transitions []store.Transition
	lastByEntry map[string]int
	requests    map[string]string
	seq         int64

	locks       *keyedLocks
	lockTimeout time.Duration
	hook        store.CommitHook
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:     make(map[string]models.QueueEntry),
		counters:    make(map[string]int),
		stations:    make(map[string]models.StationAssignment),
		lastByEntry: make(map[string]int),
		requests:    make(map[string]string),
		locks:       newKeyedLocks(),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, keys []string, fn func(tx store.Tx) error) error {
	keys = store.LockKeys(keys...)
	acquired, err := s.locks.acquireAll(ctx, keys, s.lockTimeout)
	if err != nil {
		return err
	}
	t := newTx(s, acquired)
	committed, err := func() ([]store.Transition, error) {
		defer s.locks.releaseAll(acquired)
		if err := fn(t); err != nil {
			return nil, err
		}
		return s.commit(t)
	}()
	if err != nil {
		return err
	}
	if s.hook != nil && len(committed) > 0 {
		s.hook(committed)
	}
	return nil
}

func (s *Store) commit(t *tx) ([]store.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, version := range t.expected {
		current, ok := s.entries[id]
		if !ok || current.Version != version {
			return nil, store.Contention(fmt.Errorf("entry %s changed outside its lock", id))
		}
	}
	for id := range t.created {
		if _, ok := s.entries[id]; ok {
			return nil, store.Contention(fmt.Errorf("entry %s already exists", id))
		}
	}

	for id, entry := range t.entries {
		s.entries[id] = entry.Clone()
	}
	for key, value := range t.counters {
		s.counters[key] = value
	}
	for id, assignment := range t.stations {
		s.stations[id] = assignment
	}
	for key, entryID := range t.requests {
		s.requests[key] = entryID
	}

	committed := make([]store.Transition, 0, len(t.transitions))
	for _, row := range t.transitions {
		s.seq++
		row.Seq = s.seq
		s.transitions = append(s.transitions, row)
		s.lastByEntry[row.EntryID] = len(s.transitions) - 1
		committed = append(committed, row)
	}
	return committed, nil
}

func (s *Store) GetEntry(_ context.Context, entryID string) (models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry.Clone(), nil
}

func (s *Store) ListEntries(_ context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QueueEntry, 0)
	for _, entry := range s.entries {
		if filter.Match(entry) {
			out = append(out, entry.Clone())
		}
	}
	return limitEntries(sortEntries(out), filter.Limit), nil
}

func (s *Store) ListTransitions(_ context.Context, filter store.TransitionFilter) ([]store.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Transition, 0)
	for _, row := range s.transitions {
		if !filter.Match(row) {
			continue
		}
		out = append(out, row)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetStationAssignment(_ context.Context, stationID string) (models.StationAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignment, ok := s.stations[stationID]
	if !ok {
		return models.StationAssignment{StationID: stationID}, nil
	}
	return assignment, nil
}

// tx stages writes over the committed state. Reads see staged values first.
type tx struct {
	s           *Store
	held        map[string]bool
	entries     map[string]models.QueueEntry
	expected    map[string]int64
	created     map[string]bool
	counters    map[string]int
	stations    map[string]models.StationAssignment
	transitions []store.Transition
	requests    map[string]string
}

func newTx(s *Store, keys []string) *tx {
	held := make(map[string]bool, len(keys))
	for _, key := range keys {
		held[key] = true
	}
	return &tx{
		s:        s,
		held:     held,
		entries:  make(map[string]models.QueueEntry),
		expected: make(map[string]int64),
		created:  make(map[string]bool),
		counters: make(map[string]int),
		stations: make(map[string]models.StationAssignment),
		requests: make(map[string]string),
	}
}

func counterKey(serviceID, date string) string {
	return serviceID + "|" + date
}

func requestKey(action, requestID string) string {
	return action + "|" + requestID
}

func (t *tx) NextQueueNumber(_ context.Context, serviceID, date string) (int, error) {
	if !t.held[store.ServiceKey(serviceID)] {
		return 0, store.ErrNumberContention
	}
	key := counterKey(serviceID, date)
	current, ok := t.counters[key]
	if !ok {
		t.s.mu.RLock()
		current = t.s.counters[key]
		t.s.mu.RUnlock()
	}
	current++
	t.counters[key] = current
	return current, nil
}

func (t *tx) InsertEntry(_ context.Context, entry models.QueueEntry) (models.QueueEntry, error) {
	if entry.EntryID == "" {
		return models.QueueEntry{}, store.Validation("entry id is required")
	}
	if _, ok := t.lookup(entry.EntryID); ok {
		return models.QueueEntry{}, store.Validation("entry %s already exists", entry.EntryID)
	}
	entry = entry.Clone()
	entry.Version = 1
	t.entries[entry.EntryID] = entry
	t.created[entry.EntryID] = true
	return entry.Clone(), nil
}

func (t *tx) lookup(entryID string) (models.QueueEntry, bool) {
	if entry, ok := t.entries[entryID]; ok {
		return entry, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	entry, ok := t.s.entries[entryID]
	return entry, ok
}

func (t *tx) GetEntry(_ context.Context, entryID string) (models.QueueEntry, error) {
	entry, ok := t.lookup(entryID)
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry.Clone(), nil
}

func (t *tx) UpdateEntry(_ context.Context, entry models.QueueEntry) (models.QueueEntry, error) {
	current, ok := t.lookup(entry.EntryID)
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if current.Version != entry.Version {
		return models.QueueEntry{}, store.Contention(fmt.Errorf("entry %s version %d, have %d", entry.EntryID, current.Version, entry.Version))
	}
	if _, staged := t.entries[entry.EntryID]; !staged {
		t.expected[entry.EntryID] = current.Version
	}
	entry = entry.Clone()
	entry.Version++
	t.entries[entry.EntryID] = entry
	return entry.Clone(), nil
}

func (t *tx) ListEntries(_ context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	out := make([]models.QueueEntry, 0)
	for _, entry := range t.entries {
		if filter.Match(entry) {
			out = append(out, entry.Clone())
		}
	}
	t.s.mu.RLock()
	for id, entry := range t.s.entries {
		if _, staged := t.entries[id]; staged {
			continue
		}
		if filter.Match(entry) {
			out = append(out, entry.Clone())
		}
	}
	t.s.mu.RUnlock()
	return limitEntries(sortEntries(out), filter.Limit), nil
}

func (t *tx) GetStationAssignment(ctx context.Context, stationID string) (models.StationAssignment, error) {
	if assignment, ok := t.stations[stationID]; ok {
		return assignment, nil
	}
	return t.s.GetStationAssignment(ctx, stationID)
}

func (t *tx) SetStationAssignment(ctx context.Context, stationID, entryID string, at time.Time) error {
	if !t.held[store.StationKey(stationID)] {
		return store.Contention(fmt.Errorf("station %s is not locked", stationID))
	}
	current, err := t.GetStationAssignment(ctx, stationID)
	if err != nil {
		return err
	}
	if entryID != "" && current.EntryID != "" && current.EntryID != entryID {
		return store.ErrStationOccupied
	}
	t.stations[stationID] = models.StationAssignment{StationID: stationID, EntryID: entryID, UpdatedAt: at.UTC()}
	return nil
}

func (t *tx) AppendTransition(_ context.Context, row store.Transition) (store.Transition, error) {
	var prev *store.Transition
	for i := len(t.transitions) - 1; i >= 0; i-- {
		if t.transitions[i].EntryID == row.EntryID {
			last := t.transitions[i]
			prev = &last
			break
		}
	}
	if prev == nil {
		t.s.mu.RLock()
		if idx, ok := t.s.lastByEntry[row.EntryID]; ok {
			last := t.s.transitions[idx]
			prev = &last
		}
		t.s.mu.RUnlock()
	}
	row = store.Chain(prev, row)
	t.transitions = append(t.transitions, row)
	return row, nil
}

func (t *tx) FindRequest(_ context.Context, action, requestID string) (string, bool, error) {
	key := requestKey(action, requestID)
	if entryID, ok := t.requests[key]; ok {
		return entryID, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	entryID, ok := t.s.requests[key]
	return entryID, ok, nil
}

func (t *tx) SaveRequest(_ context.Context, action, requestID, entryID string) error {
	t.requests[requestKey(action, requestID)] = entryID
	return nil
}

func sortEntries(entries []models.QueueEntry) []models.QueueEntry {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].EntryID < entries[j].EntryID
	})
	return entries
}

func limitEntries(entries []models.QueueEntry, limit int) []models.QueueEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

// keyedLocks hands out one single-slot semaphore per lock key so callers
// working on unrelated services or stations never wait on each other.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]chan struct{})}
}

func (l *keyedLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// acquireAll takes keys in order. On failure every key already taken is
// released again.
func (l *keyedLocks) acquireAll(ctx context.Context, keys []string, timeout time.Duration) ([]string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		select {
		case l.slot(key) <- struct{}{}:
			acquired = append(acquired, key)
		case <-waitCtx.Done():
			l.releaseAll(acquired)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return nil, store.ErrLockTimeout
			}
			return nil, waitCtx.Err()
		}
	}
	return acquired, nil
}

func (l *keyedLocks) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		<-l.slot(keys[i])
	}
}
