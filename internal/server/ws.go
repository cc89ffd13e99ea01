package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/kcosr/termstation-sub005/internal/auth"
	"github.com/kcosr/termstation-sub005/internal/hub"
	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/protocol"
	"github.com/kcosr/termstation-sub005/internal/session"
	"github.com/kcosr/termstation-sub005/internal/userstore"
)

// handleClientWS serves the client channel at /<client_id>. The first
// message must authenticate unless auth is disabled; I/O messages before
// that are rejected.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.Trim(r.URL.Path, "/")
	if clientID == "" || strings.Contains(clientID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Debug("client accept failed", "client", clientID, "error", err)
		return
	}
	defer conn.CloseNow()

	client := hub.NewClient(clientID, conn)

	// A valid session cookie authenticates the channel without an auth
	// message; so does disabled auth.
	var profile *userstore.Profile
	if c, err := r.Cookie(auth.CookieName); err == nil {
		if p, err := s.tokens.VerifyCookie(c.Value); err == nil {
			profile = s.users.Resolve(p.Username)
		}
	}
	if profile == nil && !s.cfg.Auth.Enabled {
		profile = s.users.Resolve(s.cfg.Auth.DefaultUser)
	}
	if profile != nil {
		s.authenticateClient(client, profile)
	}

	defer func() {
		s.hub.Unregister(clientID)
		// Remaining viewers learn the connected-client set changed.
		for _, id := range s.sessions.CleanupClientSessions(clientID) {
			sess := s.sessions.GetSession(id)
			if sess == nil {
				continue
			}
			s.hub.Broadcast(protocol.SessionUpdated{
				Type:       protocol.TypeSessionUpdated,
				UpdateType: protocol.UpdateUpdated,
				SessionID:  id,
				Session:    sess.Snapshot(),
			}, "")
		}
		logger.Debug("client disconnected", "client", clientID)
	}()

	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			client.Send(protocol.Error{Type: protocol.TypeError, Message: "malformed message"})
			continue
		}
		s.handleClientMessage(client, env.Type, data)
	}
}

func (s *Server) authenticateClient(client *hub.Client, profile *userstore.Profile) {
	client.Username = profile.Username
	client.Permissions = profile.Permissions
	client.Authenticated = true
	s.hub.Register(client)
	client.Send(protocol.AuthSuccess{
		Type:     protocol.TypeAuthSuccess,
		ClientID: client.ID,
		Username: profile.Username,
	})
	logger.Debug("client authenticated", "client", client.ID, "user", profile.Username)
}

func (s *Server) handleClientMessage(client *hub.Client, msgType string, data []byte) {
	// Pre-auth, only auth and ping are admitted.
	if !client.Authenticated && msgType != protocol.TypeAuth && msgType != protocol.TypePing {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "not authenticated"})
		return
	}

	switch msgType {
	case protocol.TypeAuth:
		var msg protocol.Auth
		if err := json.Unmarshal(data, &msg); err != nil {
			client.Send(protocol.Error{Type: protocol.TypeError, Message: "malformed auth"})
			return
		}
		profile := s.resolveChannelToken(msg.Token)
		if profile == nil {
			client.Send(protocol.Error{Type: protocol.TypeError, Message: "authentication failed"})
			return
		}
		s.authenticateClient(client, profile)

	case protocol.TypePing:
		client.Send(protocol.Pong{Type: protocol.TypePong})

	case protocol.TypeStdin:
		var msg protocol.Stdin
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handleStdin(client, msg)

	case protocol.TypeResize:
		var msg protocol.Resize
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		sess, rt := s.channelSession(client, msg.SessionID)
		if rt == nil {
			return
		}
		if !sess.CanWrite(client.Username, client.Permissions[hub.ManageAllSessions]) {
			return
		}
		if err := rt.Resize(msg.Cols, msg.Rows); err != nil {
			logger.Debug("resize failed", "session", msg.SessionID, "error", err)
		}

	case protocol.TypeAttach:
		var msg protocol.Attach
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handleAttach(client, msg.SessionID)

	case protocol.TypeDetach:
		var msg protocol.Detach
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.sessions.Detach(s.sessions.ResolveID(msg.SessionID), client.ID)

	case protocol.TypeTitleSet:
		var msg protocol.TitleSet
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		sess, _ := s.channelSession(client, msg.SessionID)
		if sess == nil {
			return
		}
		if !sess.CanWrite(client.Username, client.Permissions[hub.ManageAllSessions]) {
			return
		}
		s.sessions.UpdateSession(sess.Snapshot().ID, func(ss *session.Session) {
			ss.Title = msg.Title
		})

	default:
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "unknown message type: " + msgType})
	}
}

// resolveChannelToken accepts a cookie value or a session-bound access
// token as the channel credential.
func (s *Server) resolveChannelToken(token string) *userstore.Profile {
	if token != "" {
		if p, err := s.tokens.VerifyCookie(token); err == nil {
			return s.users.Resolve(p.Username)
		}
		if p, err := s.tokens.VerifySessionToken(token); err == nil {
			if sess := s.sessions.GetSession(p.SessionID); sess != nil {
				return s.users.Resolve(sess.Snapshot().CreatedBy)
			}
		}
		return nil
	}
	if !s.cfg.Auth.Enabled {
		return s.users.Resolve(s.cfg.Auth.DefaultUser)
	}
	return nil
}

// channelSession resolves a session reference for an authenticated client,
// enforcing visibility.
func (s *Server) channelSession(client *hub.Client, ref string) (*session.Session, *session.Runtime) {
	id := s.sessions.ResolveID(ref)
	sess := s.sessions.GetSession(id)
	if sess == nil {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "session not found"})
		return nil, nil
	}
	if !sess.CanAccess(client.Username, client.Permissions[hub.ManageAllSessions]) {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "session not found"})
		return nil, nil
	}
	return sess, s.sessions.Runtime(id)
}

func (s *Server) handleStdin(client *hub.Client, msg protocol.Stdin) {
	sess, rt := s.channelSession(client, msg.SessionID)
	if rt == nil {
		return
	}
	if !sess.CanWrite(client.Username, client.Permissions[hub.ManageAllSessions]) {
		client.Send(protocol.ReadOnly{Type: protocol.TypeReadOnly, SessionID: msg.SessionID})
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "bad stdin payload"})
		return
	}
	switch err := rt.WriteInput(client.ID, data); {
	case err == nil:
	case errors.Is(err, session.ErrNotInteractive):
		client.Send(protocol.ReadOnly{Type: protocol.TypeReadOnly, SessionID: msg.SessionID})
	case errors.Is(err, session.ErrNotAttached):
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "not attached to session"})
	default:
		client.Send(protocol.Error{Type: protocol.TypeError, Message: err.Error()})
	}
}

// handleAttach subscribes the client and replays the resident backlog so
// the terminal renders scrollback immediately.
func (s *Server) handleAttach(client *hub.Client, ref string) {
	id := s.sessions.ResolveID(ref)
	sess := s.sessions.GetSession(id)
	if sess == nil {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "session not found"})
		return
	}
	if !sess.CanAccess(client.Username, client.Permissions[hub.ManageAllSessions]) {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: "session not found"})
		return
	}
	if _, err := s.sessions.Attach(id, client.ID); err != nil {
		client.Send(protocol.Error{Type: protocol.TypeError, Message: err.Error()})
		return
	}

	rt := s.sessions.Runtime(id)
	if rt != nil {
		if data, start, _ := rt.History(0); len(data) > 0 {
			client.Send(protocol.Output{
				Type:      protocol.TypeOutput,
				SessionID: id,
				Data:      base64.StdEncoding.EncodeToString(data),
				Offset:    start,
			})
		}
	}
	snap := sess.Snapshot()
	if !snap.Interactive || !sess.CanWrite(client.Username, client.Permissions[hub.ManageAllSessions]) {
		client.Send(protocol.ReadOnly{Type: protocol.TypeReadOnly, SessionID: id})
	}
}

// handleTunnelRegister accepts the per-session reverse carrier. The only
// credential is a tunnel token bound to the session.
func (s *Server) handleTunnelRegister(w http.ResponseWriter, r *http.Request) {
	rawSID := r.PathValue("sid")
	id := s.sessions.ResolveID(rawSID)

	token := auth.BearerToken(r)
	p, err := s.tokens.VerifySessionToken(token)
	if err != nil || p.Type != auth.TypeTunnel || p.SessionID != id {
		writeError(w, http.StatusUnauthorized, "invalid tunnel token")
		return
	}
	sess := s.sessions.GetSession(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Debug("tunnel accept failed", "session", id, "error", err)
		return
	}
	logger.Info("tunnel carrier registered", "session", id)
	carrier := s.tunnels.Register(id, conn)
	<-carrier.Done()
}
