// Package proxy forwards HTTP and WebSocket-upgrade traffic into tunnel
// streams so services bound to loopback inside a session are reachable
// through the server.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/tunnel"
)

// firstByteTimeout bounds how long the upstream may stay silent before the
// request fails.
const firstByteTimeout = 15 * time.Second

// hopByHop lists headers that never cross the proxy (RFC 7230 section 6.1).
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy dispatches requests into per-session tunnel streams with a
// per-session rate limit.
type Proxy struct {
	tunnels *tunnel.Manager

	// responseTimeout bounds upstream first-byte silence.
	responseTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func New(tunnels *tunnel.Manager, requestsPerSec float64, burst int) *Proxy {
	if requestsPerSec <= 0 {
		requestsPerSec = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &Proxy{
		tunnels:         tunnels,
		responseTimeout: firstByteTimeout,
		limiters:        make(map[string]*rate.Limiter),
		rps:             rate.Limit(requestsPerSec),
		burst:           burst,
	}
}

func (p *Proxy) limiter(sessionID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[sessionID] = l
	}
	return l
}

// ForgetSession drops the session's limiter state.
func (p *Proxy) ForgetSession(sessionID string) {
	p.mu.Lock()
	delete(p.limiters, sessionID)
	p.mu.Unlock()
}

// Request carries the routing decision the server already made: the
// resolved session, the target port, the path suffix inside the service
// and the raw prefix as the client typed it (alias preserved), so upstream
// relative links stay mountable.
type Request struct {
	SessionID string
	Port      int
	Suffix    string
	RawPrefix string
}

// ServeHTTP proxies one plain HTTP exchange into a tunnel stream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, pr Request) {
	requestID := uuid.New().String()[:8]
	start := time.Now()

	carrier := p.tunnels.Lookup(pr.SessionID)
	if carrier == nil {
		http.Error(w, "no tunnel registered for session", http.StatusServiceUnavailable)
		return
	}
	if !p.limiter(pr.SessionID).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	stream, err := carrier.OpenStream(r.Context(), "", pr.Port)
	if err != nil {
		http.Error(w, fmt.Sprintf("open tunnel stream: %v", err), http.StatusBadGateway)
		return
	}
	defer stream.Close()

	// A client disconnect tears the stream down, which ends the upstream
	// request.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.Context().Done():
			stream.Close()
		case <-done:
		}
	}()

	up := &countingWriter{w: stream}
	if err := writeUpstreamRequest(up, r, pr); err != nil {
		http.Error(w, fmt.Sprintf("write upstream request: %v", err), http.StatusBadGateway)
		return
	}

	resp, err := readResponseWithTimeout(stream, r, p.responseTimeout)
	if err != nil {
		// Upstream silence, stream failure and a carrier lost mid-flight
		// are all bad-gateway conditions.
		http.Error(w, fmt.Sprintf("upstream: %v", err), http.StatusBadGateway)
		p.logCompletion(requestID, pr, r, http.StatusBadGateway, up.n, 0, start, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	downBytes, _ := io.Copy(w, resp.Body)

	p.logCompletion(requestID, pr, r, resp.StatusCode, up.n, downBytes, start, nil)
}

func (p *Proxy) logCompletion(requestID string, pr Request, r *http.Request,
	status int, up, down int64, start time.Time, err error) {

	fields := []any{
		"request_id", requestID,
		"session", pr.SessionID,
		"port", pr.Port,
		"method", r.Method,
		"path", pr.Suffix,
		"status", status,
		"bytes_up", up,
		"bytes_down", down,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	logger.Info("service proxy request", fields...)
}

// writeUpstreamRequest composes the minimal HTTP/1.1 request on the
// stream. The stdlib writer handles body framing (content-length or
// chunked) once the hop-by-hop headers are gone.
func writeUpstreamRequest(w io.Writer, r *http.Request, pr Request) error {
	target := fmt.Sprintf("127.0.0.1:%d", pr.Port)
	out := r.Clone(r.Context())
	out.URL = &url.URL{Path: "/" + pr.Suffix, RawQuery: r.URL.RawQuery}
	out.RequestURI = ""
	out.Host = target
	out.Close = true

	for _, h := range hopByHop {
		out.Header.Del(h)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", r.Host)
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		out.Header.Set("X-Forwarded-For", host)
	}
	out.Header.Set("X-Forwarded-Prefix", pr.RawPrefix)

	return out.Write(w)
}

var errUpstreamTimeout = errors.New("upstream did not respond before the deadline")

// readResponseWithTimeout parses the upstream response, failing if the
// upstream stays silent past the first-byte timeout.
func readResponseWithTimeout(stream io.ReadWriteCloser, r *http.Request, timeout time.Duration) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := http.ReadResponse(bufio.NewReader(stream), r)
		ch <- result{resp, err}
	}()
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(timeout):
		// Closing the stream unblocks the parser goroutine.
		stream.Close()
		return nil, errUpstreamTimeout
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
