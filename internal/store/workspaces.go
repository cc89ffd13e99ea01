package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Workspace is one named grouping of a user's sessions.
type Workspace struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// UpsertWorkspace creates or repositions a workspace.
func (s *Store) UpsertWorkspace(w *Workspace) error {
	_, err := s.db.Exec(`INSERT INTO workspaces (username, name, position) VALUES (?, ?, ?)
		ON CONFLICT(username, name) DO UPDATE SET position = excluded.position`,
		w.Username, w.Name, w.Position)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// ListWorkspaces returns a user's workspaces in position order.
func (s *Store) ListWorkspaces(username string) ([]*Workspace, error) {
	rows, err := s.db.Query(`SELECT username, name, position FROM workspaces
		WHERE username = ? ORDER BY position, name`, username)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w := &Workspace{}
		if err := rows.Scan(&w.Username, &w.Name, &w.Position); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace row. Sessions referencing it keep
// their workspace string; it simply no longer appears in the user's list.
func (s *Store) DeleteWorkspace(username, name string) error {
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE username = ? AND name = ?`, username, name)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

// SetSessionOrder stores a user's explicit session ordering for one
// workspace.
func (s *Store) SetSessionOrder(username, workspace string, sessionIDs []string) error {
	data, err := json.Marshal(sessionIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO session_order (username, workspace, session_ids, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(username, workspace) DO UPDATE SET
		 session_ids = excluded.session_ids, updated_at = datetime('now')`,
		username, workspace, string(data))
	if err != nil {
		return fmt.Errorf("set session order: %w", err)
	}
	return nil
}

// GetSessionOrder returns the stored ordering, or nil when none exists.
func (s *Store) GetSessionOrder(username, workspace string) ([]string, error) {
	var raw string
	err := s.db.QueryRow(`SELECT session_ids FROM session_order WHERE username = ? AND workspace = ?`,
		username, workspace).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session order: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("parse session order: %w", err)
	}
	return ids, nil
}
