// ABOUTME: In-memory user store with bcrypt password hashing and group membership
// ABOUTME: Implements session invalidation via a per-user not-before cutoff
package auth

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/chunkdev/chunkd/models"
)

var (
	// ErrUserTaken is returned when a username collides with an existing
	// user or group.
	ErrUserTaken = errors.New("auth: username taken")
	// ErrInvalidUsername is returned for names outside the account format
	// or containing a reserved word.
	ErrInvalidUsername = errors.New("auth: invalid username")
	// ErrInvalidPassword is returned for passwords outside the accepted
	// length range.
	ErrInvalidPassword = errors.New("auth: invalid password")
	// ErrLogin is returned for any failed credential check. Unknown users
	// and wrong passwords are deliberately indistinguishable.
	ErrLogin = errors.New("auth: login failed")
)

const (
	minPassLen = 6
	maxPassLen = 64
)

// Names containing any of these are rejected outright; they collide with
// pseudo-users and operational tooling.
var reservedWords = []string{"public", "admin", "root", "group"}

// Store holds accounts and groups. All methods are safe for concurrent
// use.
type Store struct {
	mu     sync.RWMutex
	users  map[string]models.User
	groups map[string][]string
	log    zerolog.Logger
}

func New(log zerolog.Logger) *Store {
	return &Store{
		users:  map[string]models.User{},
		groups: map[string][]string{},
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// FromSnapshot restores a store from persisted users and groups.
func FromSnapshot(users []models.User, groups map[string][]string, log zerolog.Logger) *Store {
	s := New(log)
	for _, u := range users {
		s.users[u.Name] = u
	}
	for name, members := range groups {
		s.groups[name] = append([]string(nil), members...)
	}
	return s
}

// NewUser registers an account. The password is stored as a bcrypt hash;
// the plaintext never leaves this call.
func (s *Store) NewUser(name, pass string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := checkPass(pass); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken(name) {
		return ErrUserTaken
	}
	s.users[name] = models.User{
		Name:      name,
		Pass:      string(hash),
		NotBefore: time.Now().Unix(),
	}
	s.log.Info().Str("user", name).Msg("user created")
	return nil
}

// Login verifies credentials and returns the account.
func (s *Store) Login(name, pass string) (models.User, error) {
	s.mu.RLock()
	u, ok := s.users[name]
	s.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway so timing does not reveal whether the
		// account exists.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(pass))
		return models.User{}, ErrLogin
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Pass), []byte(pass)) != nil {
		s.log.Warn().Str("user", name).Msg("failed login")
		return models.User{}, ErrLogin
	}
	return u, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("placeholder"), bcrypt.MinCost)

// ResetPass replaces the password after verifying the old one. Existing
// sessions stay valid.
func (s *Store) ResetPass(name, oldPass, newPass string) error {
	if _, err := s.Login(name, oldPass); err != nil {
		return err
	}
	return s.SetPass(name, newPass)
}

// SetPass overwrites the password without checking the old one. Reserved
// for operator tooling.
func (s *Store) SetPass(name, pass string) error {
	if err := checkPass(pass); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return ErrLogin
	}
	u.Pass = string(hash)
	s.users[name] = u
	s.log.Info().Str("user", name).Msg("password changed")
	return nil
}

// InvalidateSessions bumps the user's not-before cutoff so every token
// issued up to now stops validating.
func (s *Store) InvalidateSessions(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return ErrLogin
	}
	u.NotBefore = time.Now().Unix()
	s.users[name] = u
	s.log.Info().Str("user", name).Msg("sessions invalidated")
	return nil
}

// TokenValid reports whether a session token issued at the given time is
// still acceptable for the user.
func (s *Store) TokenValid(name string, issued int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	return ok && issued >= u.NotBefore
}

// Users returns all accounts sorted by name, for persistence.
func (s *Store) Users() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Groups returns a copy of the group membership map, for persistence.
func (s *Store) Groups() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.groups))
	for name, members := range s.groups {
		out[name] = append([]string(nil), members...)
	}
	return out
}

// Members resolves a group to its member list. A plain username resolves
// to itself so grant expansion can treat users and groups uniformly.
func (s *Store) Members(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if members, ok := s.groups[name]; ok {
		return append([]string(nil), members...)
	}
	return []string{name}
}

// taken reports a name collision against both namespaces. Caller holds
// the lock.
func (s *Store) taken(name string) bool {
	if _, ok := s.users[name]; ok {
		return true
	}
	_, ok := s.groups[name]
	return ok
}

func checkName(name string) error {
	if !models.ValidUsername(name) {
		return ErrInvalidUsername
	}
	for _, word := range reservedWords {
		if strings.Contains(name, word) {
			return ErrInvalidUsername
		}
	}
	return nil
}

func checkPass(pass string) error {
	if len(pass) < minPassLen || len(pass) > maxPassLen {
		return ErrInvalidPassword
	}
	return nil
}
