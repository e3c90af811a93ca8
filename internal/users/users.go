// Package users is the in-memory account store backing the gateway's own
// register/login/profile endpoints. There is no persistence across
// restarts — this is a process-lifetime store only, hand-rolled over a
// plain map guarded by a mutex.
package users

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/nexagate/apigw/internal/auth"
	"github.com/nexagate/apigw/internal/domain"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidLogin = errors.New("invalid username or password")
)

type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Roles        []domain.Role
}

// Store is a concurrency-safe in-memory user table.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*Account
	byUser   map[string]*Account
	nextID   int
	pwParams auth.PasswordParams
}

func New(params auth.PasswordParams) *Store {
	return &Store{
		byID:     make(map[string]*Account),
		byUser:   make(map[string]*Account),
		pwParams: params,
	}
}

// Register creates a new account with role "user", hashing the password
// with Argon2id.
func (s *Store) Register(username, email, password string) (*Account, error) {
	key := strings.ToLower(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUser[key]; exists {
		return nil, ErrUserExists
	}
	hash, err := auth.HashPassword(password, s.pwParams)
	if err != nil {
		return nil, err
	}
	s.nextID++
	acct := &Account{
		ID:           "user_" + strconv.Itoa(s.nextID),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        []domain.Role{domain.RoleUser},
	}
	s.byID[acct.ID] = acct
	s.byUser[key] = acct
	return acct, nil
}

// Authenticate verifies username/password with a constant-time hash
// comparison, returning the account on success.
func (s *Store) Authenticate(username, password string) (*Account, error) {
	s.mu.RLock()
	acct, ok := s.byUser[strings.ToLower(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidLogin
	}
	ok2, err := auth.VerifyPassword(password, acct.PasswordHash)
	if err != nil || !ok2 {
		return nil, ErrInvalidLogin
	}
	return acct, nil
}

func (s *Store) Get(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byID[id]
	return acct, ok
}

func (a *Account) Principal() domain.Principal {
	return domain.Principal{
		Subject:     a.ID,
		Username:    a.Username,
		Email:       a.Email,
		Roles:       a.Roles,
		Permissions: domain.EffectivePermissions(a.Roles, nil),
	}
}
