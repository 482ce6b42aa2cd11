// Package auth manages user accounts stored in a JSON file on disk.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/codedock/internal/appconfig"
	"pkt.systems/pslog"
)

// User represents a stored user account.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type userFile struct {
	Version int    `json:"version"`
	Users   []User `json:"users"`
}

// Store manages users stored on disk.
type Store struct {
	path  string
	mu    sync.RWMutex
	users map[string]User
	log   pslog.Logger
}

// NewStore loads the user file, creating and seeding it when absent.
func NewStore(path string, seeds []appconfig.SeedUser, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("user file path is required")
	}
	if logger != nil {
		logger = logger.With("user_file", path)
	}
	store := &Store{
		path:  path,
		users: make(map[string]User),
		log:   logger,
	}
	if err := store.ensureFile(seeds); err != nil {
		return nil, err
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Authenticate verifies a username and password pair.
func (s *Store) Authenticate(username, password string) error {
	normalized, err := validateUsername(username)
	if err != nil {
		return errors.New("invalid credentials")
	}
	s.mu.RLock()
	user, ok := s.users[normalized]
	s.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway so unknown users cost the same.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return errors.New("invalid credentials")
	}
	return nil
}

// ChangePassword verifies the current password and replaces the stored hash.
func (s *Store) ChangePassword(username, currentPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return errors.New("new password is required")
	}
	if err := s.Authenticate(username, currentPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	s.mu.Lock()
	user := s.users[normalized]
	user.PasswordHash = string(hash)
	s.users[normalized] = user
	s.mu.Unlock()
	if s.log != nil {
		s.log.Info("password updated", "user", normalized)
	}
	return s.save()
}

// AddUser creates a new account with a bcrypt hash of the given password.
func (s *Store) AddUser(username, password string) error {
	normalized, err := validateUsername(username)
	if err != nil {
		return err
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.users[normalized]; exists {
		s.mu.Unlock()
		return fmt.Errorf("user %s already exists", normalized)
	}
	s.users[normalized] = User{Username: normalized, PasswordHash: string(hash)}
	s.mu.Unlock()
	if s.log != nil {
		s.log.Info("user added", "user", normalized)
	}
	return s.save()
}

// Users returns the stored usernames, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateUsername(username string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(username))
	if normalized == "" {
		return "", errors.New("username is required")
	}
	for _, r := range normalized {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return "", fmt.Errorf("invalid username %q", username)
	}
	return normalized, nil
}

func (s *Store) ensureFile(seeds []appconfig.SeedUser) error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	users := make([]User, 0, len(seeds))
	for _, seed := range seeds {
		normalized, err := validateUsername(seed.Username)
		if err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
		if strings.TrimSpace(seed.PasswordHash) == "" {
			return fmt.Errorf("seed user %s: password_hash is required", normalized)
		}
		users = append(users, User{Username: normalized, PasswordHash: seed.PasswordHash})
	}
	if s.log != nil {
		s.log.Info("user file created", "seeds", len(users))
	}
	return writeUserFile(s.path, users)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file userFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse user file: %w", err)
	}
	users := make(map[string]User, len(file.Users))
	for _, user := range file.Users {
		normalized, err := validateUsername(user.Username)
		if err != nil {
			return fmt.Errorf("user file: %w", err)
		}
		user.Username = normalized
		users[normalized] = user
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

func (s *Store) save() error {
	s.mu.RLock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return writeUserFile(s.path, users)
}

func writeUserFile(path string, users []User) error {
	payload := userFile{Version: 1, Users: users}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "users-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
