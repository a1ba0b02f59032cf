// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package forwardproxy implements the classic plaintext forward-proxy
// path (component C10, design §4.11): a non-CONNECT request whose
// request-URI is absolute. No TLS is minted on this path.
package forwardproxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"grimm.is/warden/internal/perr"
	"grimm.is/warden/internal/pipeline"
	"grimm.is/warden/internal/policy"
)

// Serve answers plaintext forward-proxy HTTP requests read directly off
// conn. It hands conn to http.Serve through a listener that yields it
// exactly once, so net/http's own request parsing, keep-alive, and
// chunked-encoding handling apply instead of a hand-rolled reimplementation.
func (h *Handler) Serve(conn net.Conn) {
	_ = http.Serve(&oneConnListener{conn: conn, done: make(chan struct{})}, h)
}

type oneConnListener struct {
	conn net.Conn
	done chan struct{}
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, io.EOF
	default:
		close(l.done)
		return l.conn, nil
	}
}

func (l *oneConnListener) Close() error   { return nil }
func (l *oneConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// hopByHopHeaders are stripped before re-originating the request upstream,
// per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Handler serves absolute-URI HTTP requests as a classic forward proxy.
type Handler struct {
	Pipeline *pipeline.Pipeline
	Client   *http.Client
}

func (h *Handler) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// ServeHTTP implements http.Handler. r.URL is expected to be absolute
// (proxy request form); this handler does not serve CONNECT.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "not supported on this handler", http.StatusBadRequest)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute-form request-URI", http.StatusBadRequest)
		return
	}

	host := r.URL.Hostname()
	port := 80
	if r.URL.Scheme == "https" {
		port = 443
	}
	if p := r.URL.Port(); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	sourceIP := clientIP(r)
	out := h.Pipeline.Evaluate(policy.Request{
		Host:     host,
		Port:     port,
		Path:     r.URL.Path,
		Method:   r.Method,
		SourceIP: sourceIP,
	})
	if !out.Allowed {
		writeDenied(w, out)
		return
	}

	out.ApplyRequestHeaders(r.Header)
	stripHopByHop(r.Header)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""

	resp, err := h.client().Do(outReq)
	if err != nil {
		writeDenied(w, pipeline.Outcome{Err: perr.Wrap(err, perr.KindUpstreamConnect, "forward request")})
		return
	}
	defer resp.Body.Close()

	out.ApplyResponseHeaders(resp.Header)
	stripHopByHop(resp.Header)

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = copyBody(w, resp)
}

func copyBody(w http.ResponseWriter, resp *http.Response) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func writeDenied(w http.ResponseWriter, out pipeline.Outcome) {
	status := http.StatusForbidden
	if kind := perr.GetKind(out.Err); kind != perr.KindUnknown {
		status = kind.StatusCode()
	}
	if status == http.StatusTooManyRequests {
		if attrs := perr.GetAttributes(out.Err); attrs != nil {
			if ms, ok := attrs["retryAfterMs"].(int64); ok {
				seconds := (ms + 999) / 1000
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
			}
		}
	}
	msg := "forbidden"
	if out.Err != nil {
		msg = out.Err.Error()
	}
	http.Error(w, msg, status)
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
