package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kcosr/termstation-sub005/internal/hub"
	"github.com/kcosr/termstation-sub005/internal/session"
)

// Container ops are thin wrappers over container-isolated sessions: attach
// and exec spawn child sessions running the engine's exec command.

const (
	permSandboxLogin        = "sandbox_login"
	permTerminateContainers = "terminate_containers"
)

func (s *Server) containerEngine() string {
	if s.runner.Engine != "" {
		return s.runner.Engine
	}
	return "podman"
}

type containerInfo struct {
	SessionID     string `json:"session_id"`
	ContainerName string `json:"container_name"`
	CreatedBy     string `json:"created_by"`
	Workspace     string `json:"workspace"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	manageAll := profile.Can(hub.ManageAllSessions)
	out := []containerInfo{}
	for _, sess := range s.sessions.GetActiveSessions() {
		snap := sess.Snapshot()
		if snap.IsolationMode != session.IsolationContainer || snap.ContainerName == "" {
			continue
		}
		if !sess.CanAccess(profile.Username, manageAll) {
			continue
		}
		out = append(out, containerInfo{
			SessionID:     snap.ID,
			ContainerName: snap.ContainerName,
			CreatedBy:     snap.CreatedBy,
			Workspace:     snap.Workspace,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContainerAttach(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	if !s.requirePermission(profile, permSandboxLogin, w) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess := s.resolveAccessible(w, req.SessionID, profile, false)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.IsolationMode != session.IsolationContainer || snap.ContainerName == "" {
		writeError(w, http.StatusBadRequest, "session has no container")
		return
	}

	child, err := s.sessions.CreateSession(session.CreateOptions{
		Command:       s.containerEngine(),
		Args:          []string{"exec", "-it", snap.ContainerName, "/bin/sh"},
		CreatedBy:     profile.Username,
		Workspace:     snap.Workspace,
		Title:         "shell: " + snap.ContainerName,
		ParentSession: snap.ID,
		ChildTabType:  "attach",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, child.Snapshot())
}

func (s *Server) handleContainerExec(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	if !s.requirePermission(profile, permSandboxLogin, w) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Command   string `json:"command"`
	}
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "session_id and command are required")
		return
	}
	sess := s.resolveAccessible(w, req.SessionID, profile, false)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.IsolationMode != session.IsolationContainer || snap.ContainerName == "" {
		writeError(w, http.StatusBadRequest, "session has no container")
		return
	}

	child, err := s.sessions.CreateSession(session.CreateOptions{
		Command:       s.containerEngine(),
		Args:          []string{"exec", "-it", snap.ContainerName, "/bin/sh", "-lc", req.Command},
		CreatedBy:     profile.Username,
		Workspace:     snap.Workspace,
		Title:         "exec: " + req.Command,
		ParentSession: snap.ID,
		ChildTabType:  "exec",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, child.Snapshot())
}

func (s *Server) handleContainerLookup(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess := s.resolveAccessible(w, sid, profile, true)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.ContainerName == "" {
		writeError(w, http.StatusNotFound, "session has no container")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":     snap.ID,
		"container_name": snap.ContainerName,
	})
}

func (s *Server) handleContainerStop(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	if !s.requirePermission(profile, permTerminateContainers, w) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess := s.resolveAccessible(w, req.SessionID, profile, true)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.ContainerName == "" {
		writeError(w, http.StatusBadRequest, "session has no container")
		return
	}

	if snap.IsActive {
		s.sessions.TerminateSession(snap.ID)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	if err := s.runner.StopContainer(ctx, snap.ContainerName); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleContainersTerminateAll(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	if !s.requirePermission(profile, permTerminateContainers, w) {
		return
	}
	terminated := 0
	for _, sess := range s.sessions.GetActiveSessions() {
		snap := sess.Snapshot()
		if snap.IsolationMode != session.IsolationContainer {
			continue
		}
		if err := s.sessions.TerminateSession(snap.ID); err == nil {
			terminated++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"terminated": terminated})
}
