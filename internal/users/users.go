// Package users manages the registered-user table: registration, credential
// updates and login state. Passwords are stored as bcrypt hashes; the table
// is persisted to a JSON file on every change.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("username and password must not be empty")
	ErrUserExists         = errors.New("username is not available")
	ErrUnknownUser        = errors.New("user does not exist")
	ErrWrongPassword      = errors.New("password does not match")
	ErrSamePassword       = errors.New("new password must differ from the old one")
	ErrAlreadyLoggedIn    = errors.New("user is already logged in")
	ErrNotLoggedIn        = errors.New("user is not logged in")
)

// User is one registered user. LoggedIn is persisted so a crashed server
// restarts with everyone logged out only after an explicit reset at load.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	LoggedIn     bool   `json:"logged_in"`
}

type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]*User
}

// Load reads the user table from path, or starts empty when it does not
// exist. Everyone is marked logged out: sessions do not survive a restart.
func Load(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]*User)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read users file: %w", err)
	}

	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("users file is corrupt: %w", err)
	}

	for _, u := range s.users {
		u.LoggedIn = false
	}

	return s, nil
}

// Register creates a new user with a bcrypt-hashed password.
func (s *Store) Register(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.users[username] = &User{Username: username, PasswordHash: string(hash)}
	s.persistLocked()
	return nil
}

// UpdateCredentials replaces a user's password. The user must not be logged
// in and the new password must differ from the old one.
func (s *Store) UpdateCredentials(username, oldPassword, newPassword string) error {
	if username == "" || oldPassword == "" || newPassword == "" {
		return ErrInvalidCredentials
	}
	if oldPassword == newPassword {
		return ErrSamePassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if u.LoggedIn {
		return ErrAlreadyLoggedIn
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)) != nil {
		return ErrWrongPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u.PasswordHash = string(hash)
	s.persistLocked()
	return nil
}

// Login marks the user logged in. A second concurrent login for the same
// user is refused.
func (s *Store) Login(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	if u.LoggedIn {
		return ErrAlreadyLoggedIn
	}

	u.LoggedIn = true
	s.persistLocked()
	return nil
}

// Logout marks the user logged out.
func (s *Store) Logout(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if !u.LoggedIn {
		return ErrNotLoggedIn
	}

	u.LoggedIn = false
	s.persistLocked()
	return nil
}

// IsLoggedIn reports the user's current login state.
func (s *Store) IsLoggedIn(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	return ok && u.LoggedIn
}

func (s *Store) persistLocked() {
	data, err := json.Marshal(s.users)
	if err != nil {
		slog.Error("failed to encode users", "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("failed to persist users", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Error("failed to persist users", "error", err)
	}
}
