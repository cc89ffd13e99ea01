package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kcosr/termstation-sub005/internal/protocol"
)

// pair registers a carrier for sessionID and returns the helper-side
// connection, the way an in-session helper would hold it.
func pair(t *testing.T, m *Manager, sessionID string) (*Carrier, *websocket.Conn) {
	t.Helper()
	registered := make(chan *Carrier, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		registered <- m.Register(sessionID, conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	helper, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { helper.CloseNow() })

	select {
	case c := <-registered:
		return c, helper
	case <-time.After(5 * time.Second):
		t.Fatal("carrier never registered")
		return nil, nil
	}
}

func readOpen(t *testing.T, helper *websocket.Conn) protocol.TunnelOpen {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := helper.Read(ctx)
	if err != nil {
		t.Fatalf("helper read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected control frame, got %v", typ)
	}
	var open protocol.TunnelOpen
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("bad open message: %s", data)
	}
	return open
}

func TestOpenStreamRoundTrip(t *testing.T) {
	m := NewManager()
	c, helper := pair(t, m, "s1")

	ctx := context.Background()
	stream, err := c.OpenStream(ctx, "", 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	open := readOpen(t, helper)
	if open.Type != protocol.TypeTunnelOpen || open.Host != "127.0.0.1" || open.Port != 8080 {
		t.Errorf("open = %+v", open)
	}
	if open.ID == 0 || open.ID > maxStreamID {
		t.Errorf("stream id out of range: %d", open.ID)
	}

	// Helper sends data back, stream reads it.
	if err := helper.Write(ctx, websocket.MessageBinary,
		protocol.EncodeFrame(protocol.FrameData, open.ID, []byte("hello"))); err != nil {
		t.Fatalf("helper write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	// Stream writes travel as data frames.
	if _, err := stream.Write([]byte("world")); err != nil {
		t.Fatalf("stream write: %v", err)
	}
	typ, frame, err := helper.Read(ctx)
	if err != nil || typ != websocket.MessageBinary {
		t.Fatalf("helper read: %v %v", typ, err)
	}
	ft, id, payload, err := protocol.DecodeFrame(frame)
	if err != nil || ft != protocol.FrameData || id != open.ID || string(payload) != "world" {
		t.Errorf("frame = %d %d %q %v", ft, id, payload, err)
	}

	// End frame from the helper drains to EOF.
	if err := helper.Write(ctx, websocket.MessageBinary,
		protocol.EncodeFrame(protocol.FrameEnd, open.ID, nil)); err != nil {
		t.Fatalf("helper end: %v", err)
	}
	if _, err := stream.Read(buf); err != io.EOF {
		t.Errorf("read after end = %v, want EOF", err)
	}
}

func TestOpenStreamValidation(t *testing.T) {
	m := NewManager()
	c, _ := pair(t, m, "s1")
	ctx := context.Background()

	if _, err := c.OpenStream(ctx, "", 0); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("port 0: %v", err)
	}
	if _, err := c.OpenStream(ctx, "", 70000); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("port 70000: %v", err)
	}
	if _, err := c.OpenStream(ctx, "example.com", 80); !errors.Is(err, ErrNotLoopback) {
		t.Errorf("non-loopback: %v", err)
	}
	if _, err := c.OpenStream(ctx, "localhost", 80); err != nil {
		t.Errorf("localhost rejected: %v", err)
	}
}

func TestCarrierDisplacement(t *testing.T) {
	m := NewManager()
	c1, helper1 := pair(t, m, "s1")

	stream, err := c1.OpenStream(context.Background(), "", 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	readOpen(t, helper1)

	c2, _ := pair(t, m, "s1")
	if m.Lookup("s1") != c2 {
		t.Errorf("replacement not registered")
	}

	// The displaced helper sees 1012 and the old carrier's streams die.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = helper1.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != StatusCodeReplaced {
		t.Errorf("displaced close = %v", err)
	}

	select {
	case <-c1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("old carrier never tore down")
	}
	buf := make([]byte, 8)
	if _, err := stream.Read(buf); err != io.EOF {
		t.Errorf("read on displaced stream = %v, want EOF", err)
	}

	// The replacement still serves; its teardown must not evict itself
	// because of the old carrier's exit.
	if m.Lookup("s1") != c2 {
		t.Errorf("old teardown evicted the replacement")
	}
}

func TestMalformedCarrierInput(t *testing.T) {
	m := NewManager()
	c, helper := pair(t, m, "s1")
	ctx := context.Background()

	// Short binary frame, end for unknown id, junk text, unknown control
	// type. None of these may kill the carrier.
	helper.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x00})
	helper.Write(ctx, websocket.MessageBinary, protocol.EncodeFrame(protocol.FrameEnd, 999, nil))
	helper.Write(ctx, websocket.MessageText, []byte("{not json"))
	helper.Write(ctx, websocket.MessageText, []byte(`{"type":"future-thing","id":1}`))

	stream, err := c.OpenStream(ctx, "", 9000)
	if err != nil {
		t.Fatalf("OpenStream after junk: %v", err)
	}
	open := readOpen(t, helper)
	if err := helper.Write(ctx, websocket.MessageBinary,
		protocol.EncodeFrame(protocol.FrameData, open.ID, []byte("ok"))); err != nil {
		t.Fatalf("helper write: %v", err)
	}
	buf := make([]byte, 8)
	if n, err := stream.Read(buf); err != nil || string(buf[:n]) != "ok" {
		t.Fatalf("carrier unusable after junk: %q %v", buf[:n], err)
	}
}

func TestHelperErrControlEndsStream(t *testing.T) {
	m := NewManager()
	c, helper := pair(t, m, "s1")
	ctx := context.Background()

	stream, err := c.OpenStream(ctx, "", 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	open := readOpen(t, helper)

	msg, _ := json.Marshal(protocol.TunnelErr{
		Type: protocol.TypeTunnelErr, ID: open.ID, Message: "connection refused",
	})
	if err := helper.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("helper write: %v", err)
	}
	buf := make([]byte, 8)
	if _, err := stream.Read(buf); err != io.EOF {
		t.Errorf("read after err control = %v, want EOF", err)
	}
}

func TestLocalCloseSendsEnd(t *testing.T) {
	m := NewManager()
	c, helper := pair(t, m, "s1")
	ctx := context.Background()

	stream, err := c.OpenStream(ctx, "", 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	open := readOpen(t, helper)

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	typ, frame, err := helper.Read(ctx)
	if err != nil || typ != websocket.MessageBinary {
		t.Fatalf("helper read: %v %v", typ, err)
	}
	ft, id, _, err := protocol.DecodeFrame(frame)
	if err != nil || ft != protocol.FrameEnd || id != open.ID {
		t.Errorf("close frame = %d %d %v", ft, id, err)
	}
	if _, err := stream.Write([]byte("x")); err == nil {
		t.Errorf("write after close succeeded")
	}
}
