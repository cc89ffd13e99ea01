package userstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kcosr/termstation-sub005/internal/access"
	"github.com/kcosr/termstation-sub005/internal/logger"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrBadCredentials  = errors.New("bad credentials")
	ErrPasswordReused  = errors.New("new password matches the old one")
)

// PermissionKeys is the closed set of permission keys the server enforces.
var PermissionKeys = []string{
	"sandbox_login",
	"terminate_containers",
	"manage_all_sessions",
	"broadcast",
	"impersonate",
}

// FeatureKeys is the closed set of feature flags.
var FeatureKeys = []string{
	"notes_enabled",
	"password_reset_enabled",
}

// PermissionDefaults apply when neither groups nor the user speak to a key.
var PermissionDefaults = map[string]bool{
	"sandbox_login": true,
}

// FeatureDefaults apply when neither groups nor the user speak to a flag.
var FeatureDefaults = map[string]bool{
	"notes_enabled": true,
}

// userRecord mirrors one entry of users.json. Permissions/features accept
// either an object map or the "*" wildcard string.
type userRecord struct {
	Username       string   `json:"username"`
	PasswordHash   string   `json:"password_hash"`
	Groups         []string `json:"groups,omitempty"`
	Permissions    any      `json:"permissions,omitempty"`
	Features       any      `json:"features,omitempty"`
	PromptForReset bool     `json:"prompt_for_reset,omitempty"`
}

// groupRecord mirrors one entry of groups.json.
type groupRecord struct {
	Name        string `json:"name"`
	Permissions any    `json:"permissions,omitempty"`
	Features    any    `json:"features,omitempty"`
}

// Profile is the resolved identity attached to every authenticated request.
type Profile struct {
	Username       string
	Groups         []string
	Permissions    map[string]bool
	Features       map[string]bool
	PromptForReset bool
}

// Can reports whether the profile holds a permission.
func (p *Profile) Can(permission string) bool {
	return p != nil && p.Permissions[permission]
}

// HasFeature reports whether a feature flag is enabled for the profile.
func (p *Profile) HasFeature(flag string) bool {
	return p != nil && p.Features[flag]
}

// Store loads users.json and groups.json and resolves request identities.
// Files are re-read when fsnotify reports a change, so permission edits
// apply to new requests without a restart.
type Store struct {
	usersPath  string
	groupsPath string

	mu     sync.RWMutex
	users  map[string]userRecord
	groups map[string]groupRecord

	watcher *fsnotify.Watcher
}

// Open reads both files and starts the change watcher. Missing files are
// tolerated: the store starts empty and picks the files up when created.
func Open(usersPath, groupsPath string) (*Store, error) {
	s := &Store{
		usersPath:  usersPath,
		groupsPath: groupsPath,
		users:      make(map[string]userRecord),
		groups:     make(map[string]groupRecord),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("user store: fsnotify unavailable, hot reload disabled", "error", err)
		return s, nil
	}
	s.watcher = w
	// Watch the directory: editors replace files, which drops a file watch.
	for _, p := range []string{usersPath, groupsPath} {
		dir := dirOf(p)
		if err := w.Add(dir); err != nil {
			logger.Warn("user store: watch failed", "dir", dir, "error", err)
		}
	}
	go s.watchLoop()
	return s, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.usersPath && ev.Name != s.groupsPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				logger.Warn("user store: reload failed", "error", err)
			} else {
				logger.Info("user store: reloaded", "file", ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("user store: watcher error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) reload() error {
	users := make(map[string]userRecord)
	groups := make(map[string]groupRecord)

	if data, err := os.ReadFile(s.usersPath); err == nil {
		var list []userRecord
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("parse %s: %w", s.usersPath, err)
		}
		for _, u := range list {
			if u.Username != "" {
				users[u.Username] = u
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", s.usersPath, err)
	}

	if data, err := os.ReadFile(s.groupsPath); err == nil {
		var list []groupRecord
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("parse %s: %w", s.groupsPath, err)
		}
		for _, g := range list {
			if g.Name != "" {
				groups[g.Name] = g
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", s.groupsPath, err)
	}

	s.mu.Lock()
	s.users = users
	s.groups = groups
	s.mu.Unlock()
	return nil
}

// Resolve builds the full profile for username. Unknown users resolve to a
// groupless profile so RBAC stays consistent when auth is disabled.
func (s *Store) Resolve(username string) *Profile {
	s.mu.RLock()
	u, known := s.users[username]
	var permGroups, featGroups []access.Input
	if known {
		for _, name := range u.Groups {
			if g, ok := s.groups[name]; ok {
				permGroups = append(permGroups, access.ParseInput(g.Permissions))
				featGroups = append(featGroups, access.ParseInput(g.Features))
			}
		}
	}
	s.mu.RUnlock()

	p := &Profile{
		Username:       username,
		Groups:         u.Groups,
		PromptForReset: u.PromptForReset,
	}
	p.Permissions = access.Resolve(PermissionKeys, permGroups, access.ParseInput(u.Permissions), PermissionDefaults)
	p.Features = access.Resolve(FeatureKeys, featGroups, access.ParseInput(u.Features), FeatureDefaults)
	return p
}

// Authenticate verifies Basic credentials and returns the resolved profile.
func (s *Store) Authenticate(username, password string) (*Profile, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok || !VerifyPassword(password, u.PasswordHash) {
		return nil, ErrBadCredentials
	}
	return s.Resolve(username), nil
}

// Exists reports whether a username is present in users.json.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	_, ok := s.users[username]
	s.mu.RUnlock()
	return ok
}

// ResetPassword replaces the user's hash after verifying the current
// password. Reusing the old password is rejected. The file is rewritten
// atomically and prompt_for_reset cleared.
func (s *Store) ResetPassword(username, current, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if !VerifyPassword(current, u.PasswordHash) {
		return ErrBadCredentials
	}
	if VerifyPassword(next, u.PasswordHash) {
		return ErrPasswordReused
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.PromptForReset = false
	s.users[username] = u
	return s.persistLocked()
}

// persistLocked writes users.json atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	list := make([]userRecord, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, u)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.usersPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp, s.usersPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename users file: %w", err)
	}
	return nil
}
