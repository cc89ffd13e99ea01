package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kcosr/termstation-sub005/internal/auth"
	"github.com/kcosr/termstation-sub005/internal/hub"
	"github.com/kcosr/termstation-sub005/internal/protocol"
	"github.com/kcosr/termstation-sub005/internal/proxy"
	"github.com/kcosr/termstation-sub005/internal/session"
	"github.com/kcosr/termstation-sub005/internal/userstore"
	"github.com/kcosr/termstation-sub005/internal/workspace"
)

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/terminate", s.handleTerminateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/history/raw", s.handleHistoryRaw)
	s.mux.HandleFunc("GET /api/sessions/{id}/token", s.handleIssueToken)
	s.mux.HandleFunc("GET /api/sessions/{sid}/tunnel", s.handleTunnelRegister)
	s.mux.HandleFunc("/api/sessions/{sid}/service/{port}", s.handleServiceProxy)
	s.mux.HandleFunc("/api/sessions/{sid}/service/{port}/{suffix...}", s.handleServiceProxy)

	s.mux.HandleFunc("GET /api/containers", s.handleListContainers)
	s.mux.HandleFunc("POST /api/containers/attach", s.handleContainerAttach)
	s.mux.HandleFunc("POST /api/containers/exec", s.handleContainerExec)
	s.mux.HandleFunc("GET /api/containers/lookup", s.handleContainerLookup)
	s.mux.HandleFunc("POST /api/containers/stop", s.handleContainerStop)
	s.mux.HandleFunc("POST /api/containers/terminate-all", s.handleContainersTerminateAll)

	s.mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	s.mux.HandleFunc("POST /api/notifications/{id}/action", s.handleNotificationAction)
	s.mux.HandleFunc("POST /api/notifications/{id}/cancel", s.handleNotificationCancel)
	s.mux.HandleFunc("POST /api/notifications/{id}/read", s.handleNotificationRead)
	s.mux.HandleFunc("POST /api/notifications/read-all", s.handleNotificationsReadAll)
	s.mux.HandleFunc("DELETE /api/notifications/{id}", s.handleNotificationDelete)
	s.mux.HandleFunc("DELETE /api/notifications", s.handleNotificationsClear)

	s.mux.HandleFunc("GET /api/workspaces", s.handleListWorkspaces)
	s.mux.HandleFunc("POST /api/workspaces/order", s.handleSetSessionOrder)
	s.mux.HandleFunc("GET /api/templates", s.handleListTemplates)

	s.mux.HandleFunc("POST /api/user/reset-password", s.handleResetPassword)

	// Everything else is the client WebSocket channel, path /<client_id>.
	s.mux.HandleFunc("/", s.handleClientWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"shutting_down":   s.shuttingDown.Load(),
		"active_sessions": len(s.sessions.GetActiveSessions()),
		"clients":         s.hub.Count(),
	})
}

// resolveAccessible resolves an id or alias to a session the profile may
// see, writing the error response itself when it cannot.
func (s *Server) resolveAccessible(w http.ResponseWriter, idOrAlias string, profile *userstore.Profile, includeTerminated bool) *session.Session {
	id := s.sessions.ResolveID(idOrAlias)
	var sess *session.Session
	if includeTerminated {
		sess = s.sessions.GetSessionIncludingTerminated(id)
	} else {
		sess = s.sessions.GetSession(id)
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	if !sess.CanAccess(profile.Username, profile.Can(hub.ManageAllSessions)) {
		// Private sessions are invisible, not forbidden.
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	manageAll := profile.Can(hub.ManageAllSessions)
	var out []session.Session
	for _, sess := range s.sessions.GetAllSessions() {
		if sess.CanAccess(profile.Username, manageAll) {
			out = append(out, sess.Snapshot())
		}
	}
	if out == nil {
		out = []session.Session{}
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Dir            string            `json:"dir"`
	Env            []string          `json:"env"`
	TemplateID     string            `json:"template_id"`
	TemplateParams map[string]string `json:"template_parameters"`
	Alias          string            `json:"alias"`
	Visibility     string            `json:"visibility"`
	Workspace      string            `json:"workspace"`
	Title          string            `json:"title"`
	IsolationMode  string            `json:"isolation_mode"`
	ContainerImage string            `json:"container_image"`
	ShowInSidebar  *bool             `json:"show_in_sidebar"`
	Interactive    *bool             `json:"interactive"`
	Cols           int               `json:"cols"`
	Rows           int               `json:"rows"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := session.CreateOptions{
		Command:        req.Command,
		Args:           req.Args,
		Dir:            req.Dir,
		Env:            req.Env,
		Alias:          req.Alias,
		CreatedBy:      profile.Username,
		Visibility:     req.Visibility,
		Workspace:      req.Workspace,
		Title:          req.Title,
		TemplateID:     req.TemplateID,
		TemplateParams: req.TemplateParams,
		IsolationMode:  req.IsolationMode,
		ContainerImage: req.ContainerImage,
		ShowInSidebar:  req.ShowInSidebar,
		Interactive:    req.Interactive,
		Cols:           req.Cols,
		Rows:           req.Rows,
	}
	if req.TemplateID != "" {
		resolved, err := s.workspaces.ResolveTemplate(req.TemplateID, req.TemplateParams)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, workspace.ErrTemplateNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		opts.Command = resolved.Command
		opts.Args = resolved.Args
		if opts.IsolationMode == "" {
			opts.IsolationMode = resolved.Template.IsolationMode
		}
		if opts.ContainerImage == "" && resolved.Template.ContainerImage != nil {
			opts.ContainerImage = *resolved.Template.ContainerImage
		}
		// Secret parameter values never round-trip through session metadata.
		for _, name := range resolved.SecretParams {
			delete(opts.TemplateParams, name)
		}
	}

	sess, err := s.sessions.CreateSession(opts)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAliasTaken):
			writeError(w, http.StatusConflict, err.Error())
		case opts.Command == "":
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := s.workspaces.Ensure(profile.Username, sess.Snapshot().Workspace); err == nil {
		s.hub.Broadcast(protocol.WorkspacesUpdated{
			Type: protocol.TypeWorkspacesUpdated,
			User: profile.Username,
		}, "")
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	sess := s.resolveAccessible(w, r.PathValue("id"), profile, true)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	sess := s.resolveAccessible(w, r.PathValue("id"), profile, false)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.CreatedBy != profile.Username && !profile.Can(hub.ManageAllSessions) {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	if err := s.sessions.TerminateSession(snap.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminating"})
}

// handleHistoryRaw streams the on-disk transcript. A Range header or
// since_offset query selects the starting byte.
func (s *Server) handleHistoryRaw(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	sess := s.resolveAccessible(w, r.PathValue("id"), profile, true)
	if sess == nil {
		return
	}
	rt := s.sessions.RuntimeIncludingTerminated(sess.Snapshot().ID)
	if rt == nil {
		writeError(w, http.StatusNotFound, "no transcript for session")
		return
	}

	var offset int64
	ranged := false
	if v := r.URL.Query().Get("since_offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad since_offset")
			return
		}
		offset = n
	} else if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
		spec := strings.TrimPrefix(rng, "bytes=")
		spec = strings.TrimSuffix(spec, "-")
		n, err := strconv.ParseInt(spec, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "bad range")
			return
		}
		offset = n
		ranged = true
	}

	rc, remaining, err := rt.Transcript().Open(offset)
	if err != nil {
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(remaining, 10))
	if ranged {
		w.WriteHeader(http.StatusPartialContent)
	}
	io.Copy(w, rc)
}

// handleIssueToken mints a session-bound access token for the caller.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	sess := s.resolveAccessible(w, r.PathValue("id"), profile, false)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.CreatedBy != profile.Username && !profile.Can(hub.ManageAllSessions) {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	tokenType := r.URL.Query().Get("type")
	if tokenType == "" {
		tokenType = auth.TypeTunnel
	}
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad ttl_seconds")
			return
		}
		ttl = time.Duration(n) * time.Second
	}
	token, err := s.tokens.IssueSessionToken(tokenType, snap.ID, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleServiceProxy dispatches HTTP and Upgrade traffic into the
// session's tunnel. The raw prefix keeps the alias exactly as typed so
// upstream-relative links stay mountable.
func (s *Server) handleServiceProxy(w http.ResponseWriter, r *http.Request) {
	rawSID := r.PathValue("sid")
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(w, http.StatusBadRequest, "bad port")
		return
	}
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	sess := s.resolveAccessible(w, rawSID, profile, false)
	if sess == nil {
		return
	}
	// A session-scoped token only opens the session it is bound to.
	if token := auth.BearerToken(r); token != "" {
		if p, err := s.tokens.VerifySessionToken(token); err == nil && p.SessionID != sess.Snapshot().ID {
			writeError(w, http.StatusForbidden, "token is bound to another session")
			return
		}
	}

	pr := proxy.Request{
		SessionID: sess.Snapshot().ID,
		Port:      port,
		Suffix:    r.PathValue("suffix"),
		RawPrefix: "/api/sessions/" + rawSID + "/service/" + r.PathValue("port"),
	}
	if proxy.IsUpgrade(r) {
		s.proxy.ServeUpgrade(w, r, pr)
		return
	}
	s.proxy.ServeHTTP(w, r, pr)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	list, err := s.workspaces.List(profile.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSetSessionOrder(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	var req struct {
		Workspace  string   `json:"workspace"`
		SessionIDs []string `json:"session_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.workspaces.SetOrder(profile.Username, req.Workspace, req.SessionIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.Broadcast(protocol.SessionsReordered{
		Type:      protocol.TypeSessionsReordered,
		User:      profile.Username,
		Workspace: req.Workspace,
	}, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	list, err := s.db.ListTemplates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	username, current, ok := r.BasicAuth()
	if !ok {
		s.unauthorized(w, r)
		return
	}
	profile := s.users.Resolve(username)
	if !profile.HasFeature("password_reset_enabled") {
		writeError(w, http.StatusForbidden, "password reset is disabled")
		return
	}
	var req struct {
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &req); err != nil || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "new_password is required")
		return
	}

	err := s.users.ResetPassword(username, current, req.NewPassword)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
	case errors.Is(err, userstore.ErrPasswordReused):
		writeError(w, http.StatusBadRequest, "new password must differ from the current one")
	case errors.Is(err, userstore.ErrBadCredentials), errors.Is(err, userstore.ErrUserNotFound):
		s.unauthorized(w, r)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
