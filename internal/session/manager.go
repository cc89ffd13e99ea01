package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/protocol"
	"github.com/kcosr/termstation-sub005/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is not active")
	ErrAliasTaken      = errors.New("alias already in use")
)

const (
	maxTerminatedInMemory = 100
	defaultCols           = 80
	defaultRows           = 24
)

// CreateOptions is everything createSession accepts.
type CreateOptions struct {
	Command        string
	Args           []string
	Dir            string
	Env            []string
	Alias          string
	CreatedBy      string
	Visibility     string
	Workspace      string
	WorkspaceOrder int
	Title          string
	TemplateID     string
	TemplateParams map[string]string
	IsolationMode  string
	ContainerName  string
	ContainerImage string
	ParentSession  string
	ChildTabType   string
	ShowInSidebar  *bool
	Interactive    *bool
	Cols           int
	Rows           int
}

// Manager is the session store: the single writer of session records.
// Route handlers call its APIs; they never mutate records directly.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	aliases    map[string]string
	terminated map[string]*Session
	termOrder  []string

	events        chan Event
	runner        Runner
	db            *store.Store
	transcriptDir string

	// onTerminated runs after a session ends and its metadata persisted;
	// the server uses it to enqueue notifications and stop containers.
	onTerminated func(*Session)
}

func NewManager(runner Runner, db *store.Store, transcriptDir string) *Manager {
	return &Manager{
		sessions:      make(map[string]*Session),
		aliases:       make(map[string]string),
		terminated:    make(map[string]*Session),
		events:        make(chan Event, 1024),
		runner:        runner,
		db:            db,
		transcriptDir: transcriptDir,
	}
}

// Events is read by the server's single dispatcher goroutine, which calls
// the connection manager. Message-passing here is what keeps session and
// hub free of back-pointers.
func (m *Manager) Events() <-chan Event { return m.events }

// SetTerminationCallback installs the post-termination hook.
func (m *Manager) SetTerminationCallback(fn func(*Session)) { m.onTerminated = fn }

// CreateSession spawns the PTY through the runtime adapter, registers the
// record and returns it. Spawn failure yields a Terminated session with
// the spawn-failure exit code rather than an unregistered error.
func (m *Manager) CreateSession(opts CreateOptions) (*Session, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	visibility := opts.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	switch visibility {
	case VisibilityPrivate, VisibilitySharedReadonly, VisibilityPublic:
	default:
		return nil, fmt.Errorf("unknown visibility %q", visibility)
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "Default"
	}
	isolation := opts.IsolationMode
	if isolation == "" {
		isolation = IsolationNone
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	sess := &Session{
		ID:              uuid.New().String(),
		Alias:           opts.Alias,
		CreatedBy:       opts.CreatedBy,
		Visibility:      visibility,
		Workspace:       workspace,
		WorkspaceOrder:  opts.WorkspaceOrder,
		Title:           opts.Title,
		CreatedAt:       time.Now().UTC(),
		TemplateID:      opts.TemplateID,
		TemplateParams:  opts.TemplateParams,
		IsolationMode:   isolation,
		ContainerName:   opts.ContainerName,
		ParentSessionID: opts.ParentSession,
		ChildTabType:    opts.ChildTabType,
		ShowInSidebar:   true,
		Interactive:     true,
		state:           StateStarting,
		cols:            cols,
		rows:            rows,
	}
	if opts.ShowInSidebar != nil {
		sess.ShowInSidebar = *opts.ShowInSidebar
	}
	if opts.Interactive != nil {
		sess.Interactive = *opts.Interactive
	}
	if isolation == IsolationContainer && sess.ContainerName == "" {
		sess.ContainerName = "termstation-" + sess.ID[:8]
	}

	// Register alias before spawning so two concurrent creates cannot
	// both claim it.
	m.mu.Lock()
	if sess.Alias != "" {
		if _, taken := m.aliases[sess.Alias]; taken {
			m.mu.Unlock()
			return nil, ErrAliasTaken
		}
		m.aliases[sess.Alias] = sess.ID
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	ptmx, proc, err := m.runner.Spawn(SpawnSpec{
		SessionID:      sess.ID,
		Command:        opts.Command,
		Args:           opts.Args,
		Dir:            opts.Dir,
		Env:            opts.Env,
		IsolationMode:  isolation,
		ContainerName:  sess.ContainerName,
		ContainerImage: opts.ContainerImage,
		Cols:           cols,
		Rows:           rows,
	})
	if err != nil {
		logger.Error("session spawn failed", "session", sess.ID, "command", opts.Command, "error", err)
		code := SpawnFailedExitCode
		sess.mu.Lock()
		sess.state = StateTerminated
		sess.ExitCode = &code
		sess.mu.Unlock()
		m.moveToTerminated(sess)
		return nil, fmt.Errorf("spawn session: %w", err)
	}

	rt, err := newRuntime(sess, ptmx, proc, m.events, m.transcriptDir, m.handleExit)
	if err != nil {
		proc.Kill()
		ptmx.Close()
		code := SpawnFailedExitCode
		sess.mu.Lock()
		sess.state = StateTerminated
		sess.ExitCode = &code
		sess.mu.Unlock()
		m.moveToTerminated(sess)
		return nil, err
	}
	sess.mu.Lock()
	sess.runtime = rt
	sess.mu.Unlock()
	rt.start()

	m.emit(Event{Msg: protocol.SessionUpdated{
		Type:       protocol.TypeSessionUpdated,
		UpdateType: protocol.UpdateCreated,
		SessionID:  sess.ID,
		Session:    sess.Snapshot(),
	}})
	logger.Info("session created", "session", sess.ID, "user", opts.CreatedBy,
		"command", opts.Command, "isolation", isolation)
	return sess, nil
}

// GetSession returns an active session.
func (m *Manager) GetSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// GetSessionIncludingTerminated also searches the terminated set.
func (m *Manager) GetSessionIncludingTerminated(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.sessions[id]; s != nil {
		return s
	}
	return m.terminated[id]
}

// ResolveID maps an alias to a session id, falling through to treating
// the input as an id.
func (m *Manager) ResolveID(aliasOrID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.aliases[aliasOrID]; ok {
		return id
	}
	return aliasOrID
}

// GetActiveSessions returns every live session.
func (m *Manager) GetActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GetAllSessions returns live sessions plus the retained terminated set.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions)+len(m.terminated))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	for _, s := range m.terminated {
		out = append(out, s)
	}
	return out
}

// Runtime returns the runtime of an active session, or nil.
func (m *Manager) Runtime(id string) *Runtime {
	s := m.GetSession(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// RuntimeIncludingTerminated also returns runtimes of terminated sessions,
// whose transcripts remain readable.
func (m *Manager) RuntimeIncludingTerminated(id string) *Runtime {
	s := m.GetSessionIncludingTerminated(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// Attach subscribes a client to an active session's output and reports
// whether the set changed.
func (m *Manager) Attach(sessionID, clientID string) (*Session, error) {
	s := m.GetSession(sessionID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.State() == StateTerminated {
		return nil, ErrSessionInactive
	}
	s.attach(clientID)
	return s, nil
}

// Detach removes a client from a session.
func (m *Manager) Detach(sessionID, clientID string) {
	if s := m.GetSessionIncludingTerminated(sessionID); s != nil {
		s.detach(clientID)
	}
}

// CleanupClientSessions detaches a client from every session it was
// attached to, returning the affected session ids. Client disconnect
// never terminates a session.
func (m *Manager) CleanupClientSessions(clientID string) []string {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var affected []string
	for _, s := range sessions {
		if s.detach(clientID) {
			affected = append(affected, s.ID)
		}
	}
	return affected
}

// TerminateSession signals the owning process. The state transition and
// callbacks happen asynchronously when the process exits.
func (m *Manager) TerminateSession(id string) error {
	s := m.GetSession(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	rt := s.runtime
	s.mu.Unlock()
	if rt == nil {
		return ErrSessionInactive
	}
	rt.Terminate()
	return nil
}

// TerminateAll terminates every active session and waits for each runtime
// to stop, bounded by ctx. Used by shutdown.
func (m *Manager) TerminateAll(ctx context.Context) {
	active := m.GetActiveSessions()
	var wg sync.WaitGroup
	for _, s := range active {
		s.mu.Lock()
		rt := s.runtime
		s.mu.Unlock()
		if rt == nil {
			continue
		}
		rt.Terminate()
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-rt.Done():
			case <-ctx.Done():
			}
		}()
	}
	wg.Wait()
}

// UpdateSession applies metadata changes through a mutator and emits the
// update broadcast.
func (m *Manager) UpdateSession(id string, mutate func(*Session)) (*Session, error) {
	s := m.GetSession(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	mutate(s)
	s.mu.Unlock()

	m.emit(Event{Msg: protocol.SessionUpdated{
		Type:       protocol.TypeSessionUpdated,
		UpdateType: protocol.UpdateUpdated,
		SessionID:  s.ID,
		Session:    s.Snapshot(),
	}})
	return s, nil
}

// Visibility implements the hub's session lookup. Terminated sessions keep
// their visibility for late update messages.
func (m *Manager) Visibility(sessionID string) (owner string, private bool, ok bool) {
	s := m.GetSessionIncludingTerminated(sessionID)
	if s == nil {
		return "", false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CreatedBy, s.Visibility == VisibilityPrivate, true
}

// handleExit is the runtime's onExit hook: move the record out of the
// active set, persist metadata, then fire the server callback.
func (m *Manager) handleExit(s *Session) {
	m.moveToTerminated(s)
	m.SaveTerminatedSessionMetadata(s, false)
	if m.onTerminated != nil {
		m.onTerminated(s)
	}
	code := 0
	if s.ExitCode != nil {
		code = *s.ExitCode
	}
	logger.Info("session terminated", "session", s.ID, "exit_code", code)
}

func (m *Manager) moveToTerminated(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	if s.Alias != "" && m.aliases[s.Alias] == s.ID {
		delete(m.aliases, s.Alias)
	}
	if _, exists := m.terminated[s.ID]; !exists {
		m.terminated[s.ID] = s
		m.termOrder = append(m.termOrder, s.ID)
	}
	for len(m.termOrder) > maxTerminatedInMemory {
		oldest := m.termOrder[0]
		m.termOrder = m.termOrder[1:]
		delete(m.terminated, oldest)
	}
}

// SaveTerminatedSessionMetadata writes the durable metadata row.
// Best-effort unless force, in which case the error propagates.
func (m *Manager) SaveTerminatedSessionMetadata(s *Session, force bool) error {
	if m.db == nil {
		return nil
	}
	snap := s.Snapshot()
	code := 0
	if snap.ExitCode != nil {
		code = *snap.ExitCode
	}
	row := &store.TerminatedSession{
		ID:             snap.ID,
		CreatedBy:      snap.CreatedBy,
		Visibility:     snap.Visibility,
		Workspace:      snap.Workspace,
		WorkspaceOrder: snap.WorkspaceOrder,
		CreatedAt:      snap.CreatedAt,
		TerminatedAt:   time.Now().UTC(),
		ExitCode:       code,
		IsolationMode:  snap.IsolationMode,
		ShowInSidebar:  snap.ShowInSidebar,
		Interactive:    snap.Interactive,
	}
	if snap.Alias != "" {
		row.Alias = &snap.Alias
	}
	if snap.Title != "" {
		row.Title = &snap.Title
	}
	if snap.DynamicTitle != "" {
		row.DynamicTitle = &snap.DynamicTitle
	}
	if snap.TemplateID != "" {
		row.TemplateID = &snap.TemplateID
	}
	if snap.ContainerName != "" {
		row.ContainerName = &snap.ContainerName
	}
	if snap.ParentSessionID != "" {
		row.ParentSessionID = &snap.ParentSessionID
	}
	if snap.ChildTabType != "" {
		row.ChildTabType = &snap.ChildTabType
	}
	s.mu.Lock()
	if s.runtime != nil {
		row.TranscriptBytes = s.runtime.transcript.Size()
	}
	s.mu.Unlock()

	if err := m.db.SaveTerminatedSession(row); err != nil {
		if force {
			return err
		}
		logger.Warn("save terminated session metadata failed", "session", s.ID, "error", err)
	}
	return nil
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		logger.Warn("event channel full, dropping event")
	}
}
