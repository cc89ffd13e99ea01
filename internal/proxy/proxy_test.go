package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kcosr/termstation-sub005/internal/protocol"
	"github.com/kcosr/termstation-sub005/internal/tunnel"
)

// fakeHelper registers a carrier for sessionID and runs fn against the
// helper side of the connection, the way the in-session agent would.
func fakeHelper(t *testing.T, m *tunnel.Manager, sessionID string, fn func(helper *websocket.Conn)) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		m.Register(sessionID, conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	helper, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { helper.CloseNow() })
	go fn(helper)
}

// collectRequest reads the open control message then data frames until the
// upstream request head is complete, returning the stream id and raw bytes.
func collectRequest(t *testing.T, helper *websocket.Conn) (uint32, []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var streamID uint32
	var req bytes.Buffer
	for {
		typ, data, err := helper.Read(ctx)
		if err != nil {
			t.Errorf("helper read: %v", err)
			return 0, nil
		}
		if typ == websocket.MessageText {
			var open protocol.TunnelOpen
			if err := json.Unmarshal(data, &open); err != nil || open.Type != protocol.TypeTunnelOpen {
				t.Errorf("unexpected control: %s", data)
				return 0, nil
			}
			streamID = open.ID
			continue
		}
		ft, id, payload, err := protocol.DecodeFrame(data)
		if err != nil || ft != protocol.FrameData || id != streamID {
			continue
		}
		req.Write(payload)
		if bytes.Contains(req.Bytes(), []byte("\r\n\r\n")) {
			return streamID, req.Bytes()
		}
	}
}

func respond(t *testing.T, helper *websocket.Conn, streamID uint32, response string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := helper.Write(ctx, websocket.MessageBinary,
		protocol.EncodeFrame(protocol.FrameData, streamID, []byte(response))); err != nil {
		t.Errorf("helper respond: %v", err)
	}
	if err := helper.Write(ctx, websocket.MessageBinary,
		protocol.EncodeFrame(protocol.FrameEnd, streamID, nil)); err != nil {
		t.Errorf("helper end: %v", err)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	m := tunnel.NewManager()
	p := New(m, 100, 100)

	gotReq := make(chan []byte, 1)
	fakeHelper(t, m, "s1", func(helper *websocket.Conn) {
		id, raw := collectRequest(t, helper)
		gotReq <- raw
		respond(t, helper, id, "HTTP/1.1 200 OK\r\n\r\nok")
	})

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.ServeHTTP(w, r, Request{
			SessionID: "s1",
			Port:      8080,
			Suffix:    "healthz",
			RawPrefix: "/api/sessions/web/service/8080",
		})
	}))
	defer front.Close()

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/whatever", nil)
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Te", "trailers")
	resp, err := front.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}

	raw := string(<-gotReq)
	if !strings.HasPrefix(raw, "GET /healthz HTTP/1.1\r\n") {
		t.Errorf("request line: %q", raw[:min(len(raw), 40)])
	}
	if !strings.Contains(raw, "Host: 127.0.0.1:8080\r\n") {
		t.Errorf("host not rewritten:\n%s", raw)
	}
	if !strings.Contains(raw, "X-Custom: kept") {
		t.Errorf("plain header dropped:\n%s", raw)
	}
	if strings.Contains(raw, "Te:") {
		t.Errorf("hop-by-hop header forwarded:\n%s", raw)
	}
	if !strings.Contains(raw, "X-Forwarded-Prefix: /api/sessions/web/service/8080") {
		t.Errorf("raw prefix not preserved:\n%s", raw)
	}
}

func TestNoTunnelIs503(t *testing.T) {
	p := New(tunnel.NewManager(), 100, 100)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	p.ServeHTTP(rec, req, Request{SessionID: "ghost", Port: 8080, Suffix: "x"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	m := tunnel.NewManager()
	p := New(m, 0.001, 1)
	fakeHelper(t, m, "s1", func(helper *websocket.Conn) {
		id, _ := collectRequest(t, helper)
		respond(t, helper, id, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	pr := Request{SessionID: "s1", Port: 8080, Suffix: "x"}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil), pr)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil), pr)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", rec.Code)
	}
}

func TestUpstreamSilenceIsBadGateway(t *testing.T) {
	m := tunnel.NewManager()
	p := New(m, 100, 100)
	p.responseTimeout = 100 * time.Millisecond

	fakeHelper(t, m, "s1", func(helper *websocket.Conn) {
		// Swallow the request and never answer.
		collectRequest(t, helper)
	})
	deadline := time.Now().Add(2 * time.Second)
	for m.Lookup("s1") == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil),
		Request{SessionID: "s1", Port: 8080, Suffix: "x"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("upstream silence status = %d, want 502", rec.Code)
	}
}

func TestUpgradeBridge(t *testing.T) {
	m := tunnel.NewManager()
	p := New(m, 100, 100)

	gotHandshake := make(chan []byte, 1)
	fakeHelper(t, m, "s1", func(helper *websocket.Conn) {
		id, raw := collectRequest(t, helper)
		gotHandshake <- raw
		ctx := context.Background()
		helper.Write(ctx, websocket.MessageBinary, protocol.EncodeFrame(
			protocol.FrameData, id,
			[]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")))
		// Echo one post-upgrade payload back verbatim.
		for {
			typ, data, err := helper.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			ft, fid, payload, err := protocol.DecodeFrame(data)
			if err != nil || ft != protocol.FrameData || fid != id {
				continue
			}
			helper.Write(ctx, websocket.MessageBinary,
				protocol.EncodeFrame(protocol.FrameData, id, payload))
			return
		}
	})

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.ServeUpgrade(w, r, Request{SessionID: "s1", Port: 9090, Suffix: "ws"})
	}))
	defer front.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(front.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	handshake := "GET /ws HTTP/1.1\r\n" +
		"Host: example\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(handshake)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil || !strings.Contains(status, "101") {
		t.Fatalf("status line = %q, %v", status, err)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	upstream := string(<-gotHandshake)
	if !strings.Contains(upstream, "Upgrade: websocket") ||
		!strings.Contains(upstream, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==") {
		t.Errorf("upgrade headers not preserved:\n%s", upstream)
	}
	if !strings.Contains(upstream, "Host: 127.0.0.1:9090") {
		t.Errorf("host not rewritten:\n%s", upstream)
	}

	// Post-upgrade bytes bridge transparently both ways.
	if _, err := conn.Write([]byte("frame-bytes")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echo := make([]byte, len("frame-bytes"))
	if _, err := io.ReadFull(br, echo); err != nil || string(echo) != "frame-bytes" {
		t.Errorf("echo = %q, %v", echo, err)
	}
}
