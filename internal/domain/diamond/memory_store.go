package diamond

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps accounts in process memory. Each user has its own lock,
// so units for different users never wait on each other.
type MemoryStore struct {
	policy *Policy
	now    Clock

	mu       sync.RWMutex
	accounts map[string]*Account
	history  map[string][]Transaction

	locksMu sync.Mutex
	locks   map[string]*userLock
}

// userLock is dropped from the map once nobody holds or waits on it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(policy *Policy, now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		policy:   policy,
		now:      now,
		accounts: make(map[string]*Account),
		history:  make(map[string][]Transaction),
		locks:    make(map[string]*userLock),
	}
}

// lock serializes units for userID and returns the matching unlock.
func (s *MemoryStore) lock(userID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.locksMu.Unlock()
	}
}

func (s *MemoryStore) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func (s *MemoryStore) getOrCreate(userID string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		acc = s.policy.NewAccount(userID, s.now())
		s.accounts[userID] = acc
	}
	return *acc
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, userID string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapStorage("get account", err)
	}
	acc := s.getOrCreate(userID)
	return &acc, nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapStorage("recent transactions", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.history[userID], clampLimit(limit)), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	defer s.lock(userID)()

	s.mu.Lock()
	delete(s.accounts, userID)
	delete(s.history, userID)
	s.mu.Unlock()
	return nil
}

// Atomic implements Store.
func (s *MemoryStore) Atomic(ctx context.Context, userID string, fn func(ctx context.Context, u Unit) error) error {
	if err := ctx.Err(); err != nil {
		return wrapStorage("begin unit", err)
	}

	defer s.lock(userID)()

	u := &memoryUnit{store: s, userID: userID}
	if err := fn(ctx, u); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.saved != nil {
		acc := *u.saved
		s.accounts[userID] = &acc
	}
	s.history[userID] = append(s.history[userID], u.appended...)
	return nil
}

func newestFirst(txs []Transaction, limit int) []Transaction {
	out := make([]Transaction, 0, limit)
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, txs[i])
	}
	return out
}

// memoryUnit stages writes until the unit function returns.
type memoryUnit struct {
	store    *MemoryStore
	userID   string
	saved    *Account
	appended []Transaction
}

func (u *memoryUnit) Get(_ context.Context, userID string) (*Account, error) {
	if u.saved != nil {
		acc := *u.saved
		return &acc, nil
	}
	acc := u.store.getOrCreate(userID)
	return &acc, nil
}

func (u *memoryUnit) Save(_ context.Context, acc *Account) error {
	if acc.Balance < 0 {
		return ErrInsufficientBalance
	}
	copied := *acc
	u.saved = &copied
	return nil
}

func (u *memoryUnit) Append(_ context.Context, tx *Transaction) error {
	u.appended = append(u.appended, *tx)
	return nil
}

func (u *memoryUnit) FindByIdempotencyKey(_ context.Context, userID, key string) (*Transaction, error) {
	for _, list := range [][]Transaction{u.appended, u.committed(userID)} {
		for i := range list {
			if list[i].IdempotencyKey.Valid && list[i].IdempotencyKey.String == key {
				tx := list[i]
				return &tx, nil
			}
		}
	}
	return nil, nil
}

func (u *memoryUnit) Recent(_ context.Context, userID string, limit int) ([]Transaction, error) {
	all := append(append([]Transaction{}, u.committed(userID)...), u.appended...)
	return newestFirst(all, clampLimit(limit)), nil
}

func (u *memoryUnit) committed(userID string) []Transaction {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	return u.store.history[userID]
}
