package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/workorder/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Transactions stage their writes and apply them under one lock at Commit.
type MemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]model.Flow        // key: flow ID
	users    map[string]model.User        // key: user ID
	subjects map[string]model.Subject     // key: subject ID
	details  map[string][]model.Detail    // key: user ID
	events   map[string][]model.FlowEvent // key: flow ID

	locks *keyLocks
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:    make(map[string]model.Flow),
		users:    make(map[string]model.User),
		subjects: make(map[string]model.Subject),
		details:  make(map[string][]model.Detail),
		events:   make(map[string][]model.FlowEvent),
		locks:    newKeyLocks(),
	}
}

// PutUser inserts or replaces a user outside any transaction.
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutSubject inserts or replaces a subject outside any transaction.
func (s *MemoryStore) PutSubject(sub model.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub
}

// PutFlow inserts or replaces a flow outside any transaction. A zero version
// is stored as 1.
func (s *MemoryStore) PutFlow(f model.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Version == 0 {
		f.Version = 1
	}
	s.flows[f.ID] = f.Clone()
}

// Len returns the total number of flows. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Begin opens a transaction.
func (s *MemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		store:   s,
		flows:   make(map[string]model.Flow),
		base:    make(map[string]int),
		created: make(map[string]bool),
		users:   make(map[string]model.User),
		held:    make(map[string]bool),
	}, nil
}

// Get retrieves a committed flow by ID.
func (s *MemoryStore) Get(_ context.Context, flowID string) (model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.Flow{}, flowNotFound(flowID)
	}
	return f.Clone(), nil
}

// List returns committed flows matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.FlowFilters) ([]model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Flow
	for _, f := range s.flows {
		if filters.TemplateID != "" && f.TemplateID != filters.TemplateID {
			continue
		}
		if filters.State != "" && f.State != filters.State {
			continue
		}
		if filters.WFStatus != "" && f.WFStatus != filters.WFStatus {
			continue
		}
		if filters.OwnerID != "" && f.OwnerID != filters.OwnerID {
			continue
		}
		if filters.ExecutorID != "" && f.ExecutorID != filters.ExecutorID {
			continue
		}
		result = append(result, f.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Flow{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Events returns a flow's audit trail in commit order.
func (s *MemoryStore) Events(_ context.Context, flowID string) ([]model.FlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.flows[flowID]; !ok {
		return nil, flowNotFound(flowID)
	}
	events := s.events[flowID]
	result := make([]model.FlowEvent, len(events))
	copy(result, events)
	return result, nil
}

// User retrieves a committed user.
func (s *MemoryStore) User(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return model.User{}, userNotFound(userID)
	}
	return u, nil
}

// Ledger returns a user's ledger entries in creation order.
func (s *MemoryStore) Ledger(_ context.Context, userID string) ([]model.Detail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.details[userID]
	result := make([]model.Detail, len(entries))
	copy(result, entries)
	return result, nil
}

// memTx is a MemoryStore transaction.
type memTx struct {
	store *MemoryStore

	flows   map[string]model.Flow // staged flows
	base    map[string]int        // committed version when first staged
	created map[string]bool
	users   map[string]model.User // staged users
	details []model.Detail
	events  []model.FlowEvent

	held map[string]bool // lock keys owned by this transaction
	done bool
}

var errTxDone = errors.New("memory store: transaction already finished")

func flowLockKey(id string) string { return "flow:" + id }
func userLockKey(id string) string { return "user:" + id }

func (tx *memTx) LockFlow(ctx context.Context, flowID string) (model.Flow, error) {
	if tx.done {
		return model.Flow{}, errTxDone
	}
	key := flowLockKey(flowID)
	if !tx.held[key] {
		if !tx.store.locks.tryLock(key) {
			return model.Flow{}, model.NewConflictError(
				fmt.Sprintf("flow %q is locked by a concurrent transition", flowID),
			)
		}
		tx.held[key] = true
	}
	return tx.FindFlow(ctx, flowID)
}

func (tx *memTx) FindFlow(_ context.Context, flowID string) (model.Flow, error) {
	if tx.done {
		return model.Flow{}, errTxDone
	}
	if f, ok := tx.flows[flowID]; ok {
		return f.Clone(), nil
	}
	return tx.store.Get(context.Background(), flowID)
}

func (tx *memTx) CreateFlow(_ context.Context, f *model.Flow) error {
	if tx.done {
		return errTxDone
	}
	if _, ok := tx.flows[f.ID]; ok {
		return flowExists(f.ID)
	}
	tx.store.mu.RLock()
	_, exists := tx.store.flows[f.ID]
	tx.store.mu.RUnlock()
	if exists {
		return flowExists(f.ID)
	}

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	f.Version = 1
	tx.flows[f.ID] = f.Clone()
	tx.created[f.ID] = true
	return nil
}

func (tx *memTx) SaveFlow(_ context.Context, f *model.Flow) error {
	if tx.done {
		return errTxDone
	}
	current, staged := tx.flows[f.ID]
	if !staged {
		tx.store.mu.RLock()
		committed, ok := tx.store.flows[f.ID]
		tx.store.mu.RUnlock()
		if !ok {
			return flowNotFound(f.ID)
		}
		current = committed
		tx.base[f.ID] = committed.Version
	}

	if current.Version != f.Version {
		return model.NewConflictError(
			fmt.Sprintf("flow %q version conflict (expected %d, got %d)", f.ID, f.Version, current.Version),
		)
	}

	f.Version++
	f.UpdatedAt = time.Now().UTC()
	tx.flows[f.ID] = f.Clone()
	return nil
}

func (tx *memTx) FindUser(ctx context.Context, userID string) (model.User, error) {
	if tx.done {
		return model.User{}, errTxDone
	}
	key := userLockKey(userID)
	if !tx.held[key] {
		if err := tx.store.locks.lock(ctx, key); err != nil {
			return model.User{}, fmt.Errorf("lock user %q: %w", userID, err)
		}
		tx.held[key] = true
	}
	if u, ok := tx.users[userID]; ok {
		return u, nil
	}
	return tx.store.User(ctx, userID)
}

func (tx *memTx) SaveUser(_ context.Context, u model.User) error {
	if tx.done {
		return errTxDone
	}
	if !tx.held[userLockKey(u.ID)] {
		return fmt.Errorf("memory store: user %q saved without being read in this transaction", u.ID)
	}
	tx.users[u.ID] = u
	return nil
}

func (tx *memTx) FindSubject(_ context.Context, subjectID string) (model.Subject, error) {
	if tx.done {
		return model.Subject{}, errTxDone
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	sub, ok := tx.store.subjects[subjectID]
	if !ok {
		return model.Subject{}, model.NewNotFoundError(fmt.Sprintf("subject %q not found", subjectID))
	}
	return sub, nil
}

func (tx *memTx) AppendDetail(_ context.Context, d model.Detail) error {
	if tx.done {
		return errTxDone
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	tx.details = append(tx.details, d)
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, e model.FlowEvent) error {
	if tx.done {
		return errTxDone
	}
	tx.events = append(tx.events, e)
	return nil
}

func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return errTxDone
	}
	defer tx.finish()

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.flows {
		committed, exists := s.flows[id]
		if tx.created[id] {
			if exists {
				return flowExists(id)
			}
			continue
		}
		if base, ok := tx.base[id]; ok && (!exists || committed.Version != base) {
			return model.NewConflictError(fmt.Sprintf("flow %q changed since it was read", id))
		}
	}

	for id, f := range tx.flows {
		s.flows[id] = f
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	for _, d := range tx.details {
		s.details[d.UserID] = append(s.details[d.UserID], d)
	}
	for _, e := range tx.events {
		s.events[e.FlowID] = append(s.events[e.FlowID], e)
	}
	return nil
}

func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memTx) finish() {
	tx.done = true
	for key := range tx.held {
		tx.store.locks.unlock(key)
	}
	tx.held = nil
}

func flowNotFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("flow %q not found", id))
}

func flowExists(id string) *model.ErrorEnvelope {
	return model.NewConflictError(fmt.Sprintf("flow %q already exists", id))
}

func userNotFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
}

// keyLocks is a set of named exclusive locks supporting both non-blocking
// and context-bounded acquisition.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{} // closed on release
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: make(map[string]chan struct{})}
}

func (l *keyLocks) tryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = make(chan struct{})
	return true
}

func (l *keyLocks) lock(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *keyLocks) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.held[key]; ok {
		delete(l.held, key)
		close(ch)
	}
}
