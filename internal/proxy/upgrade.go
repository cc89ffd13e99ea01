package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kcosr/termstation-sub005/internal/logger"
)

// IsUpgrade reports whether the request asks for a protocol upgrade.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// ServeUpgrade bridges a WebSocket (or other Upgrade) handshake into a
// tunnel stream. After the handshake line is written the proxy is a
// transparent byte bridge; upstream frames are never parsed.
func (p *Proxy) ServeUpgrade(w http.ResponseWriter, r *http.Request, pr Request) {
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

	hj, ok := w.(http.Hijacker)
	if !ok {
		stream.Close()
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		stream.Close()
		http.Error(w, fmt.Sprintf("hijack: %v", err), http.StatusInternalServerError)
		return
	}
	defer conn.Close()
	defer stream.Close()

	if err := writeUpgradeRequest(stream, r, pr); err != nil {
		logger.Debug("upgrade proxy write failed", "session", pr.SessionID, "error", err)
		return
	}
	// Bytes the HTTP parser already read past the request head belong to
	// the upstream.
	if n := brw.Reader.Buffered(); n > 0 {
		residue := make([]byte, n)
		if _, err := io.ReadFull(brw.Reader, residue); err != nil {
			return
		}
		if _, err := stream.Write(residue); err != nil {
			return
		}
	}

	logger.Debug("upgrade bridge established", "session", pr.SessionID, "port", pr.Port)
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stream, conn)
		stream.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, stream)
		conn.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// writeUpgradeRequest composes the handshake by hand: Connection and
// Upgrade must survive even though they are hop-by-hop for plain requests.
func writeUpgradeRequest(w io.Writer, r *http.Request, pr Request) error {
	target := fmt.Sprintf("127.0.0.1:%d", pr.Port)
	path := "/" + pr.Suffix
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	for key, values := range r.Header {
		if keepForUpgrade(key) {
			for _, v := range values {
				fmt.Fprintf(&b, "%s: %s\r\n", key, v)
			}
			continue
		}
		if isHopByHop(key) || strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func keepForUpgrade(key string) bool {
	if strings.EqualFold(key, "Connection") || strings.EqualFold(key, "Upgrade") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(key), "sec-websocket-")
}
