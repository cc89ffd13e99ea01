package userstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func testStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	groupsPath := filepath.Join(dir, "groups.json")

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	writeJSON(t, usersPath, []map[string]any{
		{
			"username":      "alice",
			"password_hash": hash,
			"groups":        []string{"admins"},
		},
		{
			"username":      "bob",
			"password_hash": hash,
			"groups":        []string{"users"},
			"permissions":   map[string]bool{"broadcast": false},
		},
	})
	writeJSON(t, groupsPath, []map[string]any{
		{"name": "admins", "permissions": "*"},
		{"name": "users", "permissions": map[string]bool{"sandbox_login": true}},
	})

	s, err := Open(usersPath, groupsPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, usersPath, groupsPath
}

func TestHashVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("s3cret", hash) {
		t.Errorf("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Errorf("wrong password accepted")
	}
	if VerifyPassword("s3cret", "pbkdf2$bad$zz$zz") {
		t.Errorf("garbage hash accepted")
	}
}

func TestAuthenticate(t *testing.T) {
	s, _, _ := testStore(t)

	p, err := s.Authenticate("alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !p.Can("manage_all_sessions") {
		t.Errorf("admin wildcard should grant manage_all_sessions")
	}

	if _, err := s.Authenticate("alice", "wrong"); err != ErrBadCredentials {
		t.Errorf("wrong password: err = %v, want ErrBadCredentials", err)
	}
	if _, err := s.Authenticate("nobody", "hunter2"); err != ErrBadCredentials {
		t.Errorf("unknown user: err = %v, want ErrBadCredentials", err)
	}
}

func TestResolveExplicitDeny(t *testing.T) {
	s, _, _ := testStore(t)
	p := s.Resolve("bob")
	if p.Can("broadcast") {
		t.Errorf("bob's explicit deny should stick")
	}
	if !p.Can("sandbox_login") {
		t.Errorf("bob's group grant missing")
	}
}

func TestResolveUnknownUser(t *testing.T) {
	s, _, _ := testStore(t)
	p := s.Resolve("ghost")
	if p.Username != "ghost" {
		t.Errorf("username = %q", p.Username)
	}
	if p.Can("manage_all_sessions") {
		t.Errorf("unknown user should have defaults only")
	}
	if !p.Can("sandbox_login") {
		t.Errorf("default sandbox_login missing")
	}
}

func TestResetPassword(t *testing.T) {
	s, usersPath, _ := testStore(t)

	if err := s.ResetPassword("alice", "wrong", "newpass"); err != ErrBadCredentials {
		t.Errorf("reset with wrong current: err = %v", err)
	}
	if err := s.ResetPassword("alice", "hunter2", "hunter2"); err != ErrPasswordReused {
		t.Errorf("reset with reused password: err = %v", err)
	}
	if err := s.ResetPassword("alice", "hunter2", "newpass"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := s.Authenticate("alice", "newpass"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	// Persisted to disk.
	data, err := os.ReadFile(usersPath)
	if err != nil {
		t.Fatal(err)
	}
	var list []userRecord
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("users.json no longer parses: %v", err)
	}
	for _, u := range list {
		if u.Username == "alice" && !VerifyPassword("newpass", u.PasswordHash) {
			t.Errorf("persisted hash does not match new password")
		}
	}
}

func TestOpenMissingFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "users.json"), filepath.Join(dir, "groups.json"))
	if err != nil {
		t.Fatalf("Open with missing files: %v", err)
	}
	defer s.Close()
	if s.Exists("anyone") {
		t.Errorf("empty store should know no users")
	}
}
