package workspace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/kcosr/termstation-sub005/internal/store"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAdapter(db)
}

func TestListAlwaysIncludesDefault(t *testing.T) {
	a := testAdapter(t)

	list, err := a.List("alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != DefaultWorkspace {
		t.Errorf("empty list = %+v", list)
	}

	if err := a.Ensure("alice", "Ops"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := a.Ensure("alice", "Ops"); err != nil {
		t.Fatalf("Ensure twice: %v", err)
	}
	if err := a.Ensure("alice", DefaultWorkspace); err != nil {
		t.Fatalf("Ensure default: %v", err)
	}

	list, err = a.List("alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Name != DefaultWorkspace || list[1].Name != "Ops" {
		t.Errorf("order = %s, %s", list[0].Name, list[1].Name)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	a := testAdapter(t)
	if err := a.SetOrder("alice", "", []string{"s2", "s1"}); err != nil {
		t.Fatalf("SetOrder: %v", err)
	}
	order, err := a.Order("alice", DefaultWorkspace)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(order) != 2 || order[0] != "s2" {
		t.Errorf("order = %v", order)
	}
	if none, _ := a.Order("alice", "Other"); none != nil {
		t.Errorf("unordered workspace = %v", none)
	}
}

func TestApplyOrder(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		order []string
		want  []string
	}{
		{"no stored order", []string{"a", "b"}, nil, []string{"a", "b"}},
		{"full order", []string{"a", "b", "c"}, []string{"c", "a", "b"}, []string{"c", "a", "b"}},
		{"new sessions after ordered", []string{"a", "n", "b"}, []string{"b", "a"}, []string{"b", "a", "n"}},
		{"stale ids in order", []string{"a"}, []string{"gone", "a"}, []string{"a"}},
	}
	for _, tt := range tests {
		got := ApplyOrder(tt.ids, tt.order)
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
				break
			}
		}
	}
}

func TestResolveTemplate(t *testing.T) {
	a := testAdapter(t)
	image := "docker.io/library/python:3"
	err := a.db.UpsertTemplate(&store.Template{
		ID:             "py",
		Name:           "Python REPL",
		Command:        "python3",
		Args:           []string{"-i", "{script}", "--token", "{api_token}"},
		IsolationMode:  "container",
		ContainerImage: &image,
		Parameters: []store.TemplateParameter{
			{Name: "script", Default: "main.py"},
			{Name: "api_token", Required: true, Secret: true},
		},
	})
	if err != nil {
		t.Fatalf("UpsertTemplate: %v", err)
	}

	rt, err := a.ResolveTemplate("py", map[string]string{"api_token": "tok123"})
	if err != nil {
		t.Fatalf("ResolveTemplate: %v", err)
	}
	if rt.Command != "python3" {
		t.Errorf("command = %s", rt.Command)
	}
	want := []string{"-i", "main.py", "--token", "tok123"}
	for i := range want {
		if rt.Args[i] != want[i] {
			t.Errorf("args = %v, want %v", rt.Args, want)
			break
		}
	}
	if len(rt.SecretParams) != 1 || rt.SecretParams[0] != "api_token" {
		t.Errorf("secrets = %v", rt.SecretParams)
	}

	if _, err := a.ResolveTemplate("py", nil); !errors.Is(err, ErrMissingParameter) {
		t.Errorf("missing required: %v", err)
	}
	if _, err := a.ResolveTemplate("nope", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("unknown template: %v", err)
	}
}
