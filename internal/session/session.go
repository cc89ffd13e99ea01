// Package session owns the per-session runtime (PTY I/O, history,
// termination) and the in-memory registry of live and recently-terminated
// sessions.
package session

import (
	"sync"
	"time"
)

// Visibility values.
const (
	VisibilityPrivate        = "private"
	VisibilitySharedReadonly = "shared_readonly"
	VisibilityPublic         = "public"
)

// Isolation modes.
const (
	IsolationNone      = "none"
	IsolationDirectory = "directory"
	IsolationContainer = "container"
)

// Session states.
const (
	StateStarting    = "starting"
	StateActive      = "active"
	StateTerminating = "terminating"
	StateTerminated  = "terminated"
)

// SpawnFailedExitCode marks sessions that never reached Active.
const SpawnFailedExitCode = 127

// Session is the central entity: one PTY-backed command, many viewers.
// Mutation goes through the Manager and Runtime; handlers read snapshots.
type Session struct {
	ID              string            `json:"session_id"`
	Alias           string            `json:"alias,omitempty"`
	CreatedBy       string            `json:"created_by"`
	Visibility      string            `json:"visibility"`
	Workspace       string            `json:"workspace"`
	WorkspaceOrder  int               `json:"workspace_order"`
	Title           string            `json:"title,omitempty"`
	DynamicTitle    string            `json:"dynamic_title,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	IsActive        bool              `json:"is_active"`
	ExitCode        *int              `json:"exit_code,omitempty"`
	TemplateID      string            `json:"template_id,omitempty"`
	TemplateParams  map[string]string `json:"template_parameters,omitempty"`
	IsolationMode   string            `json:"isolation_mode"`
	ContainerName   string            `json:"container_name,omitempty"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	ChildTabType    string            `json:"child_tab_type,omitempty"`
	ShowInSidebar   bool              `json:"show_in_sidebar"`
	Interactive     bool              `json:"interactive"`

	// ConnectedClients is the set of client ids attached for I/O.
	ConnectedClients []string `json:"connected_clients"`

	state   string
	cols    int
	rows    int
	mu      sync.Mutex
	runtime *Runtime
}

// Snapshot returns a copy safe for JSON encoding.
func (s *Session) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID:               s.ID,
		Alias:            s.Alias,
		CreatedBy:        s.CreatedBy,
		Visibility:       s.Visibility,
		Workspace:        s.Workspace,
		WorkspaceOrder:   s.WorkspaceOrder,
		Title:            s.Title,
		DynamicTitle:     s.DynamicTitle,
		CreatedAt:        s.CreatedAt,
		IsActive:         s.IsActive,
		ExitCode:         s.ExitCode,
		TemplateID:       s.TemplateID,
		TemplateParams:   s.TemplateParams,
		IsolationMode:    s.IsolationMode,
		ContainerName:    s.ContainerName,
		ParentSessionID:  s.ParentSessionID,
		ChildTabType:     s.ChildTabType,
		ShowInSidebar:    s.ShowInSidebar,
		Interactive:      s.Interactive,
		ConnectedClients: append([]string(nil), s.ConnectedClients...),
		state:            s.state,
		cols:             s.cols,
		rows:             s.rows,
	}
}

// State returns the lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the last applied terminal size.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// IsAttached reports whether clientID is in ConnectedClients.
func (s *Session) IsAttached(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachedLocked(clientID)
}

func (s *Session) attachedLocked(clientID string) bool {
	for _, id := range s.ConnectedClients {
		if id == clientID {
			return true
		}
	}
	return false
}

func (s *Session) attach(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachedLocked(clientID) {
		return false
	}
	s.ConnectedClients = append(s.ConnectedClients, clientID)
	return true
}

func (s *Session) detach(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.ConnectedClients {
		if id == clientID {
			s.ConnectedClients = append(s.ConnectedClients[:i], s.ConnectedClients[i+1:]...)
			return true
		}
	}
	return false
}

// attachedClients returns a copy of the connected client set.
func (s *Session) attachedClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ConnectedClients...)
}

// CanAccess applies the visibility rules to a viewer.
func (s *Session) CanAccess(username string, manageAll bool) bool {
	if manageAll {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreatedBy == username {
		return true
	}
	return s.Visibility != VisibilityPrivate
}

// CanWrite reports whether a viewer may send stdin. Shared-readonly
// sessions accept input only from the owner.
func (s *Session) CanWrite(username string, manageAll bool) bool {
	s.mu.Lock()
	owner := s.CreatedBy
	visibility := s.Visibility
	s.mu.Unlock()
	if username == owner || manageAll {
		return true
	}
	return visibility == VisibilityPublic
}
