package server

import (
	"errors"
	"net/http"

	"github.com/kcosr/termstation-sub005/internal/notify"
	"github.com/kcosr/termstation-sub005/internal/protocol"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.notifications.List(profile.Username))
}

func (s *Server) notifyListChanged(username string) {
	s.hub.Broadcast(protocol.NotificationUpdated{
		Type: protocol.TypeNotifUpdated,
		User: username,
	}, "")
}

// respondToNotification is the shared body of the action and cancel
// routes; the action key is single-use and the first response wins.
func (s *Server) respondToNotification(w http.ResponseWriter, r *http.Request, action string) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	id := r.PathValue("id")
	var req struct {
		ActionKey string            `json:"action_key"`
		Inputs    map[string]string `json:"inputs"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.notifications.SetResponse(profile.Username, id, req.ActionKey, action, req.Inputs)
	result := protocol.NotificationActionResult{
		Type:           protocol.TypeNotifActionResult,
		User:           profile.Username,
		NotificationID: id,
		Action:         action,
		OK:             err == nil,
	}
	switch {
	case err == nil:
		s.hub.Broadcast(result, "")
		s.notifyListChanged(profile.Username)
		writeJSON(w, http.StatusOK, n)
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notify.ErrNotInteractive):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notify.ErrAlreadyResponded):
		// 409 carries the current record so the client can reconcile.
		current := s.notifications.GetByID(profile.Username, id)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        err.Error(),
			"notification": current,
		})
	case errors.Is(err, notify.ErrBadActionKey):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	if err != nil {
		result.Message = err.Error()
		s.hub.Broadcast(result, "")
	}
}

func (s *Server) handleNotificationAction(w http.ResponseWriter, r *http.Request) {
	s.respondToNotification(w, r, "approve")
}

func (s *Server) handleNotificationCancel(w http.ResponseWriter, r *http.Request) {
	s.respondToNotification(w, r, "cancel")
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	if err := s.notifications.MarkRead(profile.Username, r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.notifyListChanged(profile.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotificationsReadAll(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	updated := s.notifications.MarkAllRead(profile.Username)
	if updated > 0 {
		s.notifyListChanged(profile.Username)
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) handleNotificationDelete(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	if err := s.notifications.Delete(profile.Username, r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.notifyListChanged(profile.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotificationsClear(w http.ResponseWriter, r *http.Request) {
	profile := s.identify(w, r)
	if profile == nil {
		return
	}
	s.notifications.ClearAll(profile.Username)
	s.notifyListChanged(profile.Username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
