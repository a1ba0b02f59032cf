// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tunnel implements the CONNECT-only tunnel handler (component
// C8, design §4.9): domain-level filtering followed by a raw bidirectional
// byte splice, with no request inspection once the tunnel is open.
package tunnel

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"grimm.is/warden/internal/connlimit"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/perr"
	"grimm.is/warden/internal/pipeline"
	"grimm.is/warden/internal/policy"
)

const (
	// DefaultDialTimeout bounds the upstream TCP dial.
	DefaultDialTimeout = 10 * time.Second
	// DefaultIdleTimeout resets on data in either direction; the splice is
	// torn down once it elapses with no traffic.
	DefaultIdleTimeout = 300 * time.Second
)

// Handler serves CONNECT requests by gating, matching, and then splicing
// raw bytes between the client and the dialed upstream.
type Handler struct {
	Pipeline    *pipeline.Pipeline
	ConnGate    *connlimit.Gate
	DialTimeout time.Duration
	IdleTimeout time.Duration
	Logger      *logging.Logger
}

func (h *Handler) dialTimeout() time.Duration {
	if h.DialTimeout > 0 {
		return h.DialTimeout
	}
	return DefaultDialTimeout
}

func (h *Handler) idleTimeout() time.Duration {
	if h.IdleTimeout > 0 {
		return h.IdleTimeout
	}
	return DefaultIdleTimeout
}

func (h *Handler) logger() *logging.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logging.Default()
}

// Serve handles one accepted client connection whose first line is a
// CONNECT request. It owns conn for the lifetime of the tunnel and closes
// it before returning.
func (h *Handler) Serve(conn net.Conn) {
	defer conn.Close()

	clientIP := remoteIP(conn)

	tok, ok := h.ConnGate.Acquire(clientIP)
	if !ok {
		writeStatusLine(conn, perr.KindConnectionLimit.StatusCode(), "")
		return
	}
	defer tok.Release()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		writeStatusLine(conn, http.StatusBadRequest, "")
		return
	}

	host, port, err := splitHostPort(req.Host)
	if err != nil {
		writeStatusLine(conn, http.StatusBadRequest, "")
		return
	}

	sourceIP := net.ParseIP(clientIP)
	out := h.Pipeline.Evaluate(policy.Request{Host: host, Port: port, SourceIP: sourceIP})
	if !out.Allowed {
		h.denyResponse(conn, out)
		return
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), h.dialTimeout())
	if err != nil {
		writeStatusLine(conn, perr.KindUpstreamConnect.StatusCode(), "")
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	splice(conn, upstream, h.idleTimeout())
}

func (h *Handler) denyResponse(conn net.Conn, out pipeline.Outcome) {
	status := http.StatusForbidden
	headers := ""
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
				headers = "Retry-After: " + strconv.FormatInt(seconds, 10) + "\r\n"
			}
		}
	}
	writeStatusLine(conn, status, headers)
}

func writeStatusLine(conn net.Conn, status int, extraHeaders string) {
	line := "HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n" + extraHeaders + "\r\n"
	_, _ = conn.Write([]byte(line))
}

func splitHostPort(authority string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// splice runs two independent byte pumps between a and b until either
// side errors or the connection goes idle past timeout. Both sockets are
// closed on return.
func splice(a, b net.Conn, timeout time.Duration) {
	done := make(chan struct{}, 2)

	pump := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			if timeout > 0 {
				_ = src.SetReadDeadline(time.Now().Add(timeout))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	go pump(b, a)
	go pump(a, b)

	<-done
	a.Close()
	b.Close()
	<-done
}
