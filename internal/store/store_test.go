package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestTerminatedSessionRoundTrip(t *testing.T) {
	s := testStore(t)

	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ts := &TerminatedSession{
		ID:            "s-1",
		Alias:         strPtr("build"),
		CreatedBy:     "alice",
		Visibility:    "private",
		Workspace:     "Default",
		CreatedAt:     created,
		TerminatedAt:  created.Add(time.Hour),
		ExitCode:      0,
		IsolationMode: "none",
		ShowInSidebar: true,
		Interactive:   true,
	}
	if err := s.SaveTerminatedSession(ts); err != nil {
		t.Fatalf("SaveTerminatedSession: %v", err)
	}

	got, err := s.GetTerminatedSession("s-1")
	if err != nil {
		t.Fatalf("GetTerminatedSession: %v", err)
	}
	if got == nil {
		t.Fatal("row not found")
	}
	if got.CreatedBy != "alice" || got.ExitCode != 0 || *got.Alias != "build" {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}

	// Upsert with a new exit code is idempotent on id.
	ts.ExitCode = 137
	if err := s.SaveTerminatedSession(ts); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, _ = s.GetTerminatedSession("s-1")
	if got.ExitCode != 137 {
		t.Errorf("exit_code = %d after upsert, want 137", got.ExitCode)
	}
}

func TestGetTerminatedSessionMissing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetTerminatedSession("nope")
	if err != nil || got != nil {
		t.Errorf("got %v, %v; want nil, nil", got, err)
	}
}

func TestListAndPruneTerminatedSessions(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		s.SaveTerminatedSession(&TerminatedSession{
			ID:           id,
			CreatedBy:    "alice",
			Visibility:   "private",
			Workspace:    "Default",
			CreatedAt:    base,
			TerminatedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		})
	}

	list, err := s.ListTerminatedSessions("alice", 10)
	if err != nil {
		t.Fatalf("ListTerminatedSessions: %v", err)
	}
	if len(list) != 3 || list[0].ID != "new" {
		t.Errorf("list order wrong: %v", list)
	}

	n, err := s.PruneTerminatedSessions(base.Add(36 * time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminatedSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
}

func TestWorkspacesAndOrder(t *testing.T) {
	s := testStore(t)

	for i, name := range []string{"Default", "infra", "experiments"} {
		if err := s.UpsertWorkspace(&Workspace{Username: "alice", Name: name, Position: i}); err != nil {
			t.Fatalf("UpsertWorkspace: %v", err)
		}
	}
	list, err := s.ListWorkspaces("alice")
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(list) != 3 || list[0].Name != "Default" {
		t.Errorf("workspaces: %v", list)
	}

	if err := s.SetSessionOrder("alice", "Default", []string{"s-2", "s-1"}); err != nil {
		t.Fatalf("SetSessionOrder: %v", err)
	}
	ids, err := s.GetSessionOrder("alice", "Default")
	if err != nil {
		t.Fatalf("GetSessionOrder: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s-2" {
		t.Errorf("order = %v", ids)
	}

	if ids, _ := s.GetSessionOrder("alice", "missing"); ids != nil {
		t.Errorf("missing order = %v, want nil", ids)
	}

	if err := s.DeleteWorkspace("alice", "infra"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	list, _ = s.ListWorkspaces("alice")
	if len(list) != 2 {
		t.Errorf("workspace count after delete = %d", len(list))
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	s := testStore(t)

	tpl := &Template{
		ID:            "shell",
		Name:          "Shell",
		Command:       "/bin/bash",
		Args:          []string{"-l"},
		IsolationMode: "none",
		Parameters: []TemplateParameter{
			{Name: "cwd", Default: "~"},
			{Name: "api_key", Required: true, Secret: true},
		},
	}
	if err := s.UpsertTemplate(tpl); err != nil {
		t.Fatalf("UpsertTemplate: %v", err)
	}

	got, err := s.GetTemplate("shell")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Command != "/bin/bash" || len(got.Args) != 1 || len(got.Parameters) != 2 {
		t.Errorf("got %+v", got)
	}
	if !got.Parameters[1].Secret {
		t.Errorf("secret flag lost")
	}

	all, err := s.ListTemplates()
	if err != nil || len(all) != 1 {
		t.Errorf("ListTemplates: %v, %v", all, err)
	}
}
