// Package tunnel multiplexes TCP streams to services inside a session over
// the session's single reverse WebSocket carrier.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/protocol"
)

var (
	ErrNoTunnel      = errors.New("no tunnel registered for session")
	ErrCarrierClosed = errors.New("tunnel carrier closed")
	ErrInvalidPort   = errors.New("invalid port")
	ErrNotLoopback   = errors.New("tunnel targets must be loopback")
)

const (
	writeTimeout = 5 * time.Second
	// The carrier is one connection; stream ids stay within 31 bits so
	// helpers written in signed-int languages round-trip them safely.
	maxStreamID = 1<<31 - 1
)

// StatusCodeReplaced is sent to a displaced carrier. 1012 (service restart)
// tells the helper to back off and re-register.
const StatusCodeReplaced = websocket.StatusCode(1012)

// Manager tracks at most one carrier per session.
type Manager struct {
	mu       sync.Mutex
	carriers map[string]*Carrier
}

func NewManager() *Manager {
	return &Manager{carriers: make(map[string]*Carrier)}
}

// Register binds conn as the carrier for sessionID and starts its read
// loop. An existing carrier for the same session is displaced: its streams
// are torn down and the connection is closed with 1012.
func (m *Manager) Register(sessionID string, conn *websocket.Conn) *Carrier {
	c := &Carrier{
		sessionID: sessionID,
		conn:      conn,
		streams:   make(map[uint32]*stream),
		closed:    make(chan struct{}),
		mgr:       m,
	}

	m.mu.Lock()
	old := m.carriers[sessionID]
	m.carriers[sessionID] = c
	m.mu.Unlock()

	if old != nil {
		logger.Info("tunnel carrier replaced", "session", sessionID)
		old.conn.Close(StatusCodeReplaced, "replaced by newer registration")
	}

	go c.readLoop()
	return c
}

// Lookup returns the session's carrier, if any.
func (m *Manager) Lookup(sessionID string) *Carrier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.carriers[sessionID]
}

// HasTunnel reports whether a carrier is registered for the session.
func (m *Manager) HasTunnel(sessionID string) bool {
	return m.Lookup(sessionID) != nil
}

// CloseSession drops the session's carrier, if registered.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	c := m.carriers[sessionID]
	m.mu.Unlock()
	if c != nil {
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// CloseAll tears down every carrier. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	carriers := make([]*Carrier, 0, len(m.carriers))
	for _, c := range m.carriers {
		carriers = append(carriers, c)
	}
	m.mu.Unlock()
	for _, c := range carriers {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// unregister removes c only if it is still the current carrier; a displaced
// carrier must not evict its replacement.
func (m *Manager) unregister(c *Carrier) {
	m.mu.Lock()
	if m.carriers[c.sessionID] == c {
		delete(m.carriers, c.sessionID)
	}
	m.mu.Unlock()
}

// Carrier is one registered reverse connection and its active streams.
type Carrier struct {
	sessionID string
	conn      *websocket.Conn
	mgr       *Manager

	mu      sync.Mutex
	streams map[uint32]*stream
	nextID  uint32

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Done is closed when the carrier's read loop has exited.
func (c *Carrier) Done() <-chan struct{} { return c.closed }

// readLoop consumes carrier frames until the connection dies, then tears
// down every stream. Text frames are control JSON; binary frames carry
// stream data. Malformed or unknown input is dropped, never fatal.
func (c *Carrier) readLoop() {
	defer c.teardown()
	ctx := context.Background()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			logger.Debug("tunnel carrier closed", "session", c.sessionID, "error", err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleBinary(data)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

func (c *Carrier) handleBinary(data []byte) {
	frameType, streamID, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		logger.Debug("dropping short tunnel frame", "session", c.sessionID, "len", len(data))
		return
	}
	switch frameType {
	case protocol.FrameData:
		c.mu.Lock()
		s := c.streams[streamID]
		c.mu.Unlock()
		if s == nil {
			return
		}
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		s.deliver(chunk)
	case protocol.FrameEnd:
		// End for an unknown id is a no-op; the local side may have
		// closed first.
		c.endStream(streamID)
	default:
		logger.Debug("unknown tunnel frame type", "session", c.sessionID, "frame_type", frameType)
	}
}

func (c *Carrier) handleControl(data []byte) {
	var env struct {
		Type string `json:"type"`
		ID   uint32 `json:"id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug("bad tunnel control message", "session", c.sessionID, "error", err)
		return
	}
	switch env.Type {
	case protocol.TypeTunnelErr:
		var msg protocol.TunnelErr
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		logger.Debug("tunnel stream error from helper",
			"session", c.sessionID, "stream", msg.ID, "message", msg.Message)
		c.endStream(msg.ID)
	default:
		// Tolerated: newer helpers may send control types this server
		// does not know.
	}
}

// endStream closes the remote side of a stream. Buffered data already
// delivered remains readable.
func (c *Carrier) endStream(streamID uint32) {
	c.mu.Lock()
	s := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()
	if s != nil {
		s.closeRecv()
	}
}

// teardown runs when the read loop exits: every open stream errors out and
// the carrier unregisters itself.
func (c *Carrier) teardown() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mgr.unregister(c)

	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for id, s := range c.streams {
		streams = append(streams, s)
		delete(c.streams, id)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.closeRecv()
	}
}

func (c *Carrier) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-c.closed:
		return ErrCarrierClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, typ, data)
}

// allocID hands out monotonically increasing stream ids within 31 bits,
// wrapping past zero.
func (c *Carrier) allocID() uint32 {
	for {
		c.nextID++
		if c.nextID > maxStreamID {
			c.nextID = 1
		}
		if _, taken := c.streams[c.nextID]; !taken {
			return c.nextID
		}
	}
}

// OpenStream asks the in-session helper to dial host:port and binds the
// result to a new stream. Only loopback targets are accepted.
func (c *Carrier) OpenStream(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if !isLoopback(host) {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopback, host)
	}

	c.mu.Lock()
	id := c.allocID()
	s := &stream{
		id:       id,
		carrier:  c,
		incoming: make(chan []byte, 32),
		recvDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	c.streams[id] = s
	c.mu.Unlock()

	open, err := json.Marshal(protocol.TunnelOpen{
		Type: protocol.TypeTunnelOpen,
		ID:   id,
		Host: host,
		Port: port,
	})
	if err != nil {
		c.endStream(id)
		return nil, err
	}
	if err := c.write(ctx, websocket.MessageText, open); err != nil {
		c.endStream(id)
		return nil, fmt.Errorf("send open: %w", err)
	}
	return s, nil
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}

// stream is one multiplexed byte stream over the carrier.
type stream struct {
	id      uint32
	carrier *Carrier

	incoming chan []byte
	residue  []byte

	recvDone  chan struct{} // remote side ended
	recvOnce  sync.Once
	closed    chan struct{} // local Close called
	closeOnce sync.Once
}

// deliver hands received bytes to the reader, blocking until the reader
// keeps up or either side closes.
func (s *stream) deliver(chunk []byte) {
	select {
	case s.incoming <- chunk:
	case <-s.recvDone:
	case <-s.closed:
	}
}

func (s *stream) closeRecv() {
	s.recvOnce.Do(func() { close(s.recvDone) })
}

func (s *stream) Read(p []byte) (int, error) {
	for len(s.residue) == 0 {
		select {
		case chunk := <-s.incoming:
			s.residue = chunk
		case <-s.closed:
			return 0, io.ErrClosedPipe
		case <-s.recvDone:
			// Drain anything delivered before the end frame.
			select {
			case chunk := <-s.incoming:
				s.residue = chunk
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.residue)
	s.residue = s.residue[n:]
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	case <-s.recvDone:
		return 0, ErrCarrierClosed
	default:
	}
	frame := protocol.EncodeFrame(protocol.FrameData, s.id, p)
	if err := s.carrier.write(context.Background(), websocket.MessageBinary, frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close ends the stream locally and tells the helper with an end frame.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.carrier.mu.Lock()
		delete(s.carrier.streams, s.id)
		s.carrier.mu.Unlock()
		end := protocol.EncodeFrame(protocol.FrameEnd, s.id, nil)
		s.carrier.write(context.Background(), websocket.MessageBinary, end)
	})
	return nil
}
