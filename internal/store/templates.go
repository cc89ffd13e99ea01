package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Template describes a launchable session: a command plus declared
// parameters that get substituted at create time.
type Template struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Command        string              `json:"command"`
	Args           []string            `json:"args"`
	IsolationMode  string              `json:"isolation_mode"`
	ContainerImage *string             `json:"container_image,omitempty"`
	Parameters     []TemplateParameter `json:"parameters"`
}

// TemplateParameter is one substitutable value in a template's command
// line. Required parameters without a default must be supplied at create.
type TemplateParameter struct {
	Name     string `json:"name"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
	Secret   bool   `json:"secret,omitempty"`
}

// UpsertTemplate creates or replaces a template definition.
func (s *Store) UpsertTemplate(t *Template) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return err
	}
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO templates (id, name, command, args, isolation_mode, container_image, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name, command = excluded.command, args = excluded.args,
		 isolation_mode = excluded.isolation_mode, container_image = excluded.container_image,
		 parameters = excluded.parameters`,
		t.ID, t.Name, t.Command, string(args), t.IsolationMode, t.ContainerImage, string(params))
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by id, or nil when absent.
func (s *Store) GetTemplate(id string) (*Template, error) {
	t := &Template{}
	var args, params string
	err := s.db.QueryRow(`SELECT id, name, command, args, isolation_mode, container_image, parameters
		FROM templates WHERE id = ?`, id).Scan(
		&t.ID, &t.Name, &t.Command, &args, &t.IsolationMode, &t.ContainerImage, &params)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, fmt.Errorf("parse template args: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return nil, fmt.Errorf("parse template parameters: %w", err)
	}
	return t, nil
}

// ListTemplates returns all templates by name.
func (s *Store) ListTemplates() ([]*Template, error) {
	rows, err := s.db.Query(`SELECT id FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Template, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTemplate(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}
