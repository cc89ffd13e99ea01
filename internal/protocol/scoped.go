package protocol

// TargetUser / SessionRef mark messages for the hub's visibility filter.
// User-scoped messages reach one username's clients; session-scoped
// messages are filtered against the referenced session's visibility.

func (m Notification) TargetUser() string             { return m.User }
func (m NotificationActionResult) TargetUser() string { return m.User }
func (m NotificationUpdated) TargetUser() string      { return m.User }
func (m WorkspacesUpdated) TargetUser() string        { return m.User }
func (m SessionsReordered) TargetUser() string        { return m.User }

func (m SessionUpdated) SessionRef() string { return m.SessionID }
func (m Output) SessionRef() string         { return m.SessionID }
func (m ReadOnly) SessionRef() string       { return m.SessionID }
