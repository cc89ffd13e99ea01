// Package server wires every subsystem behind one HTTP surface: the REST
// API, the client WebSocket channel, the tunnel carrier endpoint and the
// service proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kcosr/termstation-sub005/internal/auth"
	"github.com/kcosr/termstation-sub005/internal/config"
	"github.com/kcosr/termstation-sub005/internal/hub"
	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/notify"
	"github.com/kcosr/termstation-sub005/internal/protocol"
	"github.com/kcosr/termstation-sub005/internal/proxy"
	"github.com/kcosr/termstation-sub005/internal/session"
	"github.com/kcosr/termstation-sub005/internal/store"
	"github.com/kcosr/termstation-sub005/internal/tunnel"
	"github.com/kcosr/termstation-sub005/internal/userstore"
	"github.com/kcosr/termstation-sub005/internal/workspace"
)

// Server owns all subsystems and the listeners serving them.
type Server struct {
	cfg    *config.Config
	tokens *auth.Service
	users  *userstore.Store

	sessions      *session.Manager
	runner        *session.LocalRunner
	hub           *hub.Hub
	tunnels       *tunnel.Manager
	proxy         *proxy.Proxy
	notifications *notify.Store
	workspaces    *workspace.Adapter
	db            *store.Store

	mux        *http.ServeMux
	httpServer *http.Server
	listeners  []net.Listener

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	dispatchDone chan struct{}
}

// New builds a fully wired server from configuration. Nothing listens yet;
// call Run.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.Data.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	secret, err := auth.LoadOrCreateSecret(cfg.SecretPath())
	if err != nil {
		return nil, err
	}
	users, err := userstore.Open(cfg.UsersPath(), cfg.GroupsPath())
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		users.Close()
		return nil, err
	}
	notifications, err := notify.Open(cfg.NotificationsPath(), nil)
	if err != nil {
		users.Close()
		db.Close()
		return nil, err
	}

	runner := &session.LocalRunner{WorkDirRoot: filepath.Join(cfg.Data.Dir, "workdirs")}
	sessions := session.NewManager(runner, db, cfg.TranscriptDir())
	tunnels := tunnel.NewManager()

	s := &Server{
		cfg:           cfg,
		tokens:        auth.NewService(secret),
		users:         users,
		sessions:      sessions,
		runner:        runner,
		hub:           hub.New(sessions.Visibility),
		tunnels:       tunnels,
		proxy:         proxy.New(tunnels, cfg.Proxy.RequestsPerSec, cfg.Proxy.Burst),
		notifications: notifications,
		workspaces:    workspace.NewAdapter(db),
		db:            db,
		mux:           http.NewServeMux(),
		dispatchDone:  make(chan struct{}),
	}
	sessions.SetTerminationCallback(s.onSessionTerminated)
	s.routes()
	go s.dispatchEvents()
	return s, nil
}

// dispatchEvents is the single reader of the session event channel. It is
// the only goroutine that turns runtime events into hub sends, which keeps
// session and hub decoupled.
func (s *Server) dispatchEvents() {
	defer close(s.dispatchDone)
	for ev := range s.sessions.Events() {
		if len(ev.Targets) > 0 {
			for _, clientID := range ev.Targets {
				s.hub.SendToClient(clientID, ev.Msg)
			}
			continue
		}
		s.hub.Broadcast(ev.Msg, "")
	}
}

// onSessionTerminated runs after a session's metadata is persisted: notify
// the owner, release proxy state and stop the container if one was used.
func (s *Server) onSessionTerminated(sess *session.Session) {
	snap := sess.Snapshot()
	s.tunnels.CloseSession(snap.ID)
	s.proxy.ForgetSession(snap.ID)

	title := snap.Title
	if title == "" {
		title = snap.DynamicTitle
	}
	if title == "" {
		title = snap.ID[:8]
	}
	code := 0
	if snap.ExitCode != nil {
		code = *snap.ExitCode
	}
	n := s.notifications.Add(snap.CreatedBy, notify.Payload{
		Title:     "Session ended",
		Message:   fmt.Sprintf("%s exited with code %d", title, code),
		Kind:      "session_terminated",
		SessionID: snap.ID,
	})
	s.hub.Broadcast(protocol.Notification{
		Type:    protocol.TypeNotification,
		User:    snap.CreatedBy,
		Payload: n,
	}, "")
	s.hub.Broadcast(protocol.NotificationUpdated{
		Type: protocol.TypeNotifUpdated,
		User: snap.CreatedBy,
	}, "")

	if snap.IsolationMode == session.IsolationContainer && snap.ContainerName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := s.runner.StopContainer(ctx, snap.ContainerName); err != nil {
			logger.Warn("container stop failed", "container", snap.ContainerName, "error", err)
		}
	}
}

// Run starts all configured listeners and blocks until Shutdown completes
// or a listener fails.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Handler:           s.gateShutdown(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var listeners []net.Listener
	if s.cfg.Listen.Port > 0 {
		addr := net.JoinHostPort(s.cfg.Listen.Host, strconv.Itoa(s.cfg.Listen.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		logger.Info("listening", "addr", addr)
		listeners = append(listeners, ln)
	}
	if s.cfg.Listen.SocketPath != "" {
		ln, err := listenUnix(s.cfg.Listen.SocketPath, s.cfg.Listen.SocketMode)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return err
		}
		logger.Info("listening", "socket", s.cfg.Listen.SocketPath)
		listeners = append(listeners, ln)
	}
	s.listeners = listeners

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func() { errCh <- s.httpServer.Serve(ln) }()
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// listenUnix binds a unix socket, reclaiming a stale file left by a dead
// process and applying the configured mode.
func listenUnix(path, mode string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is in use by another process", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		logger.Info("removed stale socket", "path", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if mode != "" {
		parsed, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("bad socket mode %q: %w", mode, err)
		}
		if err := os.Chmod(path, os.FileMode(parsed)); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}
	return ln, nil
}

// gateShutdown rejects new REST work once draining has begun. The health
// endpoint stays reachable so orchestrators can observe the drain.
func (s *Server) gateShutdown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown.Load() && r.URL.Path != "/api/health" {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsShuttingDown reports whether a drain is in progress.
func (s *Server) IsShuttingDown() bool { return s.shuttingDown.Load() }

// Shutdown runs the drain exactly once; concurrent callers share the same
// result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		logger.Info("shutdown: draining")

		s.hub.Broadcast(protocol.Shutdown{
			Type:    protocol.TypeShutdown,
			Message: "server is shutting down",
		}, "")
		// Let the notice flush before connections start dropping.
		time.Sleep(250 * time.Millisecond)

		termCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		s.sessions.TerminateAll(termCtx)
		cancel()

		s.tunnels.CloseAll()
		if err := s.notifications.Close(); err != nil {
			logger.Warn("shutdown: notification flush failed", "error", err)
		}
		s.hub.CloseAll(websocket.StatusGoingAway, "server shutting down")

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.shutdownErr = err
			}
		}
		for _, ln := range s.listeners {
			ln.Close()
		}
		if s.cfg.Listen.SocketPath != "" {
			os.Remove(s.cfg.Listen.SocketPath)
		}
		s.users.Close()
		s.db.Close()
		logger.Info("shutdown: complete")
	})
	return s.shutdownErr
}

// Handler exposes the routed (and shutdown-gated) handler for tests.
func (s *Server) Handler() http.Handler { return s.gateShutdown(s.mux) }
