// Package workspace groups a user's sessions into named workspaces and
// resolves session templates into launchable commands.
package workspace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kcosr/termstation-sub005/internal/store"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrMissingParameter = errors.New("required template parameter missing")
)

// DefaultWorkspace is where sessions land when no workspace is named.
const DefaultWorkspace = "Default"

// Adapter exposes workspace listing/ordering and template resolution on
// top of the sqlite store.
type Adapter struct {
	db *store.Store
}

func NewAdapter(db *store.Store) *Adapter {
	return &Adapter{db: db}
}

// List returns a user's workspaces, guaranteeing the default workspace is
// always present (first when unpositioned).
func (a *Adapter) List(username string) ([]*store.Workspace, error) {
	workspaces, err := a.db.ListWorkspaces(username)
	if err != nil {
		return nil, err
	}
	for _, w := range workspaces {
		if w.Name == DefaultWorkspace {
			return workspaces, nil
		}
	}
	return append([]*store.Workspace{{
		Username: username,
		Name:     DefaultWorkspace,
	}}, workspaces...), nil
}

// Ensure records a workspace the first time a session references it.
func (a *Adapter) Ensure(username, name string) error {
	if name == "" || name == DefaultWorkspace {
		return nil
	}
	existing, err := a.db.ListWorkspaces(username)
	if err != nil {
		return err
	}
	position := 0
	for _, w := range existing {
		if w.Name == name {
			return nil
		}
		if w.Position >= position {
			position = w.Position + 1
		}
	}
	return a.db.UpsertWorkspace(&store.Workspace{
		Username: username,
		Name:     name,
		Position: position,
	})
}

// Delete removes a workspace row.
func (a *Adapter) Delete(username, name string) error {
	return a.db.DeleteWorkspace(username, name)
}

// SetOrder stores the user's explicit session ordering for a workspace.
func (a *Adapter) SetOrder(username, workspaceName string, sessionIDs []string) error {
	if workspaceName == "" {
		workspaceName = DefaultWorkspace
	}
	return a.db.SetSessionOrder(username, workspaceName, sessionIDs)
}

// Order returns the stored ordering, nil when the user never reordered.
func (a *Adapter) Order(username, workspaceName string) ([]string, error) {
	if workspaceName == "" {
		workspaceName = DefaultWorkspace
	}
	return a.db.GetSessionOrder(username, workspaceName)
}

// ApplyOrder sorts ids so explicitly ordered sessions come first in their
// stored order, followed by the rest in their given order.
func ApplyOrder(ids, order []string) []string {
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	ordered := make([]string, 0, len(ids))
	var rest []string
	for _, id := range order {
		for _, have := range ids {
			if have == id {
				ordered = append(ordered, id)
				break
			}
		}
	}
	for _, id := range ids {
		if _, ok := rank[id]; !ok {
			rest = append(rest, id)
		}
	}
	return append(ordered, rest...)
}

// ResolvedTemplate is a template with its parameters substituted, ready to
// spawn. SecretValues lists parameter names whose values must never be
// echoed back to clients.
type ResolvedTemplate struct {
	Template     *store.Template
	Command      string
	Args         []string
	SecretParams []string
}

// ResolveTemplate loads a template and substitutes {param} placeholders in
// the command and args. Required parameters without a default must be
// supplied; unknown supplied parameters are ignored.
func (a *Adapter) ResolveTemplate(id string, params map[string]string) (*ResolvedTemplate, error) {
	t, err := a.db.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	values := make(map[string]string, len(t.Parameters))
	var secrets []string
	for _, p := range t.Parameters {
		v, supplied := params[p.Name]
		switch {
		case supplied:
			values[p.Name] = v
		case p.Default != "":
			values[p.Name] = p.Default
		case p.Required:
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, p.Name)
		default:
			values[p.Name] = ""
		}
		if p.Secret {
			secrets = append(secrets, p.Name)
		}
	}

	substitute := func(s string) string {
		for name, v := range values {
			s = strings.ReplaceAll(s, "{"+name+"}", v)
		}
		return s
	}
	args := make([]string, len(t.Args))
	for i, arg := range t.Args {
		args[i] = substitute(arg)
	}
	return &ResolvedTemplate{
		Template:     t,
		Command:      substitute(t.Command),
		Args:         args,
		SecretParams: secrets,
	}, nil
}
