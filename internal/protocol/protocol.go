package protocol

// Message types for the client WebSocket channel.
const (
	// Browser → Server
	TypeAuth     = "auth"
	TypeStdin    = "stdin"
	TypeResize   = "resize"
	TypeAttach   = "attach"
	TypeDetach   = "detach"
	TypeTitleSet = "title_set"
	TypePing     = "ping"

	// Server → Browser
	TypeAuthSuccess        = "auth_success"
	TypeSessionUpdated     = "session_updated"
	TypeOutput             = "output"
	TypeNotification       = "notification"
	TypeNotifActionResult  = "notification_action_result"
	TypeNotifUpdated       = "notification_updated"
	TypeWorkspacesUpdated  = "workspaces_updated"
	TypeSessionsReordered  = "sessions_reordered"
	TypeShutdown           = "shutdown"
	TypeError              = "error"
	TypePong               = "pong"
	TypeReadOnly           = "read_only"
)

// session_updated update_type values.
const (
	UpdateCreated    = "created"
	UpdateUpdated    = "updated"
	UpdateTerminated = "terminated"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Auth is the first message a client sends on its channel.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"` // cookie value or access token
}

// AuthSuccess acknowledges a successful channel authentication.
type AuthSuccess struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

// Stdin carries keystrokes from the browser to a session's PTY.
type Stdin struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64-encoded
}

// Resize tells the PTY to change its window size.
type Resize struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Attach subscribes the client to a session's output.
type Attach struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"` // id or alias
}

// Detach unsubscribes the client from a session.
type Detach struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// TitleSet overrides a session's title.
type TitleSet struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// Output carries raw PTY bytes to attached clients.
type Output struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64-encoded
	Offset    int64  `json:"offset"` // byte offset of Data within the transcript
}

// ReadOnly is sent when stdin is dropped because the session is not
// interactive.
type ReadOnly struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionUpdated announces a session lifecycle or metadata change.
// Visibility filtering in the hub consults SessionID, not the payload.
type SessionUpdated struct {
	Type       string `json:"type"`
	UpdateType string `json:"update_type"` // created | updated | terminated
	SessionID  string `json:"session_id"`
	Session    any    `json:"session,omitempty"`
}

// Notification delivers a stored notification to its owner.
// User scopes hub delivery to one username.
type Notification struct {
	Type    string `json:"type"`
	User    string `json:"user"`
	Payload any    `json:"payload"`
}

// NotificationActionResult reports the outcome of an interactive
// notification action back to the owner.
type NotificationActionResult struct {
	Type           string `json:"type"`
	User           string `json:"user"`
	NotificationID string `json:"notification_id"`
	Action         string `json:"action"` // approve | cancel
	OK             bool   `json:"ok"`
	Message        string `json:"message,omitempty"`
}

// NotificationUpdated signals that a user's notification list changed.
type NotificationUpdated struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// WorkspacesUpdated signals a change in a user's workspace set.
type WorkspacesUpdated struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// SessionsReordered signals a change in a user's per-workspace ordering.
type SessionsReordered struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	Workspace string `json:"workspace"`
}

// Shutdown tells every client the server is draining.
type Shutdown struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Error is sent for protocol-level failures on the client channel.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"`
}
