package database

import (
	"context"
	"sync"
	"time"
)

// MemoryUserStore keeps accounts for the lifetime of the process.
type MemoryUserStore struct {
	mu     sync.RWMutex
	users  map[string]User
	nextId int
	cost   int
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:  make(map[string]User),
		nextId: 1,
	}
}

// NewMemoryUserStoreWithCost hashes passwords with the given bcrypt cost
// instead of the default. Tests use bcrypt.MinCost.
func NewMemoryUserStoreWithCost(cost int) *MemoryUserStore {
	s := NewMemoryUserStore()
	s.cost = cost
	return s
}

func (s *MemoryUserStore) IsRegistered(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[username]
	return ok, nil
}

func (s *MemoryUserStore) Register(_ context.Context, username, password string) error {
	// hash outside the lock, bcrypt is slow on purpose
	cost := s.cost
	if cost == 0 {
		cost = bcryptCost
	}
	pwdHash, err := hashPasswordCost(password, cost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}

	s.users[username] = User{
		Id:           s.nextId,
		Username:     username,
		PasswordHash: pwdHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.nextId++

	return nil
}

func (s *MemoryUserStore) Verify(_ context.Context, username, password string) (bool, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}

	return verifyPassword(u.PasswordHash, password), nil
}

func (s *MemoryUserStore) Close() error {
	return nil
}
