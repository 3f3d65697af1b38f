// Package users implements the credential store consumed by the core as
// corectx.UserStore, plus the role and persistence model supplemented from
// original_source/src/mgmt/mgmtRequest.c's ADD_USER/DELETE_USER handling
// (spec.md §1 treats the user store as an external collaborator; this
// package is that collaborator).
package users

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ealireza/socks5d/internal/corectx"
)

// Role mirrors the original C server's two-valued role field (0 or 1 in
// mgmtRequest.c's handleAddUserCmdResponse).
type Role int

const (
	RoleUser  Role = 0
	RoleAdmin Role = 1
)

// MaxUsers bounds the table the way the original's MAX_USERS / args.c -u
// flag (repeatable up to 10 entries) does for command-line users; users
// added later via the management channel share the same ceiling.
const MaxUsers = 10

var (
	ErrAlreadyExists   = errors.New("users: already exists")
	ErrNotFound        = errors.New("users: not found")
	ErrLimitReached    = errors.New("users: limit reached")
	ErrLastAdmin       = errors.New("users: cannot delete the last admin")
	ErrCredentialsLong = errors.New("users: credentials too long")
	ErrBadRole         = errors.New("users: role does not exist")
)

// credentialMaxLen matches the SOCKS5 wire limit (a single length-prefixed
// byte) so that any persisted user is always usable for RFC 1929
// sub-negotiation.
const credentialMaxLen = 255

// User is one entry of the credential table.
type User struct {
	Name string `yaml:"name"`
	Pass string `yaml:"pass"`
	Role Role   `yaml:"role"`
}

// Store is a goroutine-safe, in-memory credential table with optional YAML
// persistence. Per spec.md §5, when the management channel and proxy share
// the reactor thread mutation happens there too, but Store defends itself
// with a mutex regardless, since the management channel may also run on a
// dedicated goroutine (SPEC_FULL.md's listener split).
type Store struct {
	mu    sync.RWMutex
	byKey map[string]*User
}

// New builds an empty Store.
func New() *Store {
	return &Store{byKey: make(map[string]*User)}
}

// LoadYAML reads and merges a YAML-encoded user list from path, as seeded
// by -u flags. A missing file is not an error: persistence is optional.
func LoadYAML(path string) (*Store, error) {
	s := New()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("users: read %s: %w", path, err)
	}
	var list []User
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("users: parse %s: %w", path, err)
	}
	for _, u := range list {
		u := u
		if err := s.Add(u.Name, u.Pass, u.Role); err != nil {
			return nil, fmt.Errorf("users: %s: %w", u.Name, err)
		}
	}
	return s, nil
}

// SaveYAML writes the current table to path.
func (s *Store) SaveYAML(path string) error {
	s.mu.RLock()
	list := make([]User, 0, len(s.byKey))
	for _, u := range s.byKey {
		list = append(list, *u)
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(list)
	if err != nil {
		return fmt.Errorf("users: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("users: write %s: %w", path, err)
	}
	return nil
}

// Verify implements corectx.UserStore.
func (s *Store) Verify(name, pass string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byKey[name]
	return ok && u.Pass == pass
}

// Add inserts a new user, enforcing MaxUsers, the credential length limit,
// and the role validity the original server checks before EUSER_OK.
func (s *Store) Add(name, pass string, role Role) error {
	if role != RoleUser && role != RoleAdmin {
		return ErrBadRole
	}
	if len(name) == 0 || len(name) > credentialMaxLen || len(pass) > credentialMaxLen {
		return ErrCredentialsLong
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[name]; ok {
		return ErrAlreadyExists
	}
	if len(s.byKey) >= MaxUsers {
		return ErrLimitReached
	}
	s.byKey[name] = &User{Name: name, Pass: pass, Role: role}
	return nil
}

// Delete removes a user by name, refusing to remove the last admin, per
// the original's EUSER_BADOPERATION check.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byKey[name]
	if !ok {
		return ErrNotFound
	}
	if u.Role == RoleAdmin && s.countAdminsLocked() == 1 {
		return ErrLastAdmin
	}
	delete(s.byKey, name)
	return nil
}

func (s *Store) countAdminsLocked() int {
	n := 0
	for _, u := range s.byKey {
		if u.Role == RoleAdmin {
			n++
		}
	}
	return n
}

// Len implements corectx.UserStore, reporting how many credentials are
// currently registered.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// List returns a snapshot of all usernames, for the management channel's
// USERS command.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byKey))
	for name := range s.byKey {
		names = append(names, name)
	}
	return names
}

var _ corectx.UserStore = (*Store)(nil)
