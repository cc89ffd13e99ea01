package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TerminatedSession is the durable metadata kept for a session after it
// ends. The live Session record is owned by the session manager; this row
// is what survives for history listings.
type TerminatedSession struct {
	ID              string
	Alias           *string
	CreatedBy       string
	Visibility      string
	Workspace       string
	WorkspaceOrder  int
	Title           *string
	DynamicTitle    *string
	CreatedAt       time.Time
	TerminatedAt    time.Time
	ExitCode        int
	TemplateID      *string
	IsolationMode   string
	ContainerName   *string
	ParentSessionID *string
	ChildTabType    *string
	ShowInSidebar   bool
	Interactive     bool
	TranscriptBytes int64
}

// SaveTerminatedSession upserts the metadata row. Idempotent so the
// shutdown path and the exit callback can both write it.
func (s *Store) SaveTerminatedSession(ts *TerminatedSession) error {
	_, err := s.db.Exec(`INSERT INTO terminated_sessions
		(id, alias, created_by, visibility, workspace, workspace_order, title, dynamic_title,
		 created_at, terminated_at, exit_code, template_id, isolation_mode, container_name,
		 parent_session_id, child_tab_type, show_in_sidebar, interactive, transcript_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 terminated_at = excluded.terminated_at,
		 exit_code = excluded.exit_code,
		 title = excluded.title,
		 dynamic_title = excluded.dynamic_title,
		 transcript_bytes = excluded.transcript_bytes`,
		ts.ID, ts.Alias, ts.CreatedBy, ts.Visibility, ts.Workspace, ts.WorkspaceOrder,
		ts.Title, ts.DynamicTitle,
		ts.CreatedAt.UTC().Format(timeFmt), ts.TerminatedAt.UTC().Format(timeFmt),
		ts.ExitCode, ts.TemplateID, ts.IsolationMode, ts.ContainerName,
		ts.ParentSessionID, ts.ChildTabType, ts.ShowInSidebar, ts.Interactive, ts.TranscriptBytes)
	if err != nil {
		return fmt.Errorf("save terminated session: %w", err)
	}
	return nil
}

const terminatedCols = `id, alias, created_by, visibility, workspace, workspace_order,
	title, dynamic_title, created_at, terminated_at, exit_code, template_id,
	isolation_mode, container_name, parent_session_id, child_tab_type,
	show_in_sidebar, interactive, transcript_bytes`

func scanTerminated(row interface{ Scan(...any) error }) (*TerminatedSession, error) {
	ts := &TerminatedSession{}
	var createdAt, terminatedAt string
	err := row.Scan(&ts.ID, &ts.Alias, &ts.CreatedBy, &ts.Visibility, &ts.Workspace,
		&ts.WorkspaceOrder, &ts.Title, &ts.DynamicTitle, &createdAt, &terminatedAt,
		&ts.ExitCode, &ts.TemplateID, &ts.IsolationMode, &ts.ContainerName,
		&ts.ParentSessionID, &ts.ChildTabType, &ts.ShowInSidebar, &ts.Interactive,
		&ts.TranscriptBytes)
	if err != nil {
		return nil, err
	}
	ts.CreatedAt = parseTime(createdAt)
	ts.TerminatedAt = parseTime(terminatedAt)
	return ts, nil
}

// GetTerminatedSession returns one row, or nil when absent.
func (s *Store) GetTerminatedSession(id string) (*TerminatedSession, error) {
	row := s.db.QueryRow(`SELECT `+terminatedCols+` FROM terminated_sessions WHERE id = ?`, id)
	ts, err := scanTerminated(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get terminated session: %w", err)
	}
	return ts, nil
}

// ListTerminatedSessions returns rows for one user, newest first.
func (s *Store) ListTerminatedSessions(username string, limit int) ([]*TerminatedSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+terminatedCols+` FROM terminated_sessions
		WHERE created_by = ? ORDER BY terminated_at DESC LIMIT ?`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("list terminated sessions: %w", err)
	}
	defer rows.Close()

	var out []*TerminatedSession
	for rows.Next() {
		ts, err := scanTerminated(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminated session: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// PruneTerminatedSessions deletes rows older than cutoff, returning the
// number removed.
func (s *Store) PruneTerminatedSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM terminated_sessions WHERE terminated_at < ?`,
		cutoff.UTC().Format(timeFmt))
	if err != nil {
		return 0, fmt.Errorf("prune terminated sessions: %w", err)
	}
	return res.RowsAffected()
}
