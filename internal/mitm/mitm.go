// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mitm implements the MITM interceptor (component C9, design
// §4.10): after the CONNECT handshake, the proxy terminates TLS on the
// client socket using a per-host leaf certificate minted by
// internal/certauthority, runs the full request pipeline on each HTTP
// request the session carries, and re-originates admitted requests
// upstream over a fresh TLS connection.
package mitm

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grimm.is/warden/internal/certauthority"
	"grimm.is/warden/internal/connlimit"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/perr"
	"grimm.is/warden/internal/pipeline"
	"grimm.is/warden/internal/policy"
)

// Handler serves CONNECT requests by terminating TLS locally and
// inspecting each HTTP request the session carries.
type Handler struct {
	Pipeline    *pipeline.Pipeline
	ConnGate    *connlimit.Gate
	Certs       *certauthority.Cache
	DialTimeout time.Duration
	Logger      *logging.Logger
}

func (h *Handler) dialTimeout() time.Duration {
	if h.DialTimeout > 0 {
		return h.DialTimeout
	}
	return 10 * time.Second
}

func (h *Handler) logger() *logging.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logging.Default()
}

// Serve handles one accepted client connection whose first line is a
// CONNECT request, MITM-intercepting the tunnel it opens.
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
	if err != nil || req.Method != http.MethodConnect {
		writeStatusLine(conn, http.StatusBadRequest, "")
		return
	}

	host, port, err := splitHostPort(req.Host)
	if err != nil {
		writeStatusLine(conn, http.StatusBadRequest, "")
		return
	}

	sourceIP := net.ParseIP(clientIP)
	// Domain-only pre-check before minting a certificate or doing any TLS
	// work, mirroring C8's early-exit so a flatly denied host never costs
	// a handshake.
	preCheck := h.Pipeline.Evaluate(policy.Request{Host: host, Port: port, SourceIP: sourceIP})
	if !preCheck.Allowed {
		writeStatusLine(conn, http.StatusForbidden, "")
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	cert, err := h.Certs.Get(host)
	if err != nil {
		h.logger().Error("leaf cert mint failed", "host", host, "error", err)
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"}, // HTTP/2 MITM is out of scope
	})
	defer tlsConn.Close()
	if err := tlsConn.Handshake(); err != nil {
		return
	}

	h.serveRequests(tlsConn, host, port, sourceIP)
}

// serveRequests reads and serves HTTP/1.x requests off the now-TLS client
// connection, one pipeline evaluation per request, until the client
// closes the connection or a response demands the raw-splice fallback
// (a successful WebSocket upgrade).
func (h *Handler) serveRequests(tlsConn *tls.Conn, host string, port int, sourceIP net.IP) {
	br := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		isGRPC, svc, method := grpcDetails(req)
		out := h.Pipeline.Evaluate(policy.Request{
			Host:        host,
			Port:        port,
			Path:        req.URL.Path,
			Method:      req.Method,
			SourceIP:    sourceIP,
			IsGRPC:      isGRPC,
			GRPCService: svc,
			GRPCMethod:  method,
		})
		if !out.Allowed {
			writeDeniedResponse(tlsConn, out)
			io.Copy(io.Discard, req.Body)
			continue
		}

		if isWebSocketUpgrade(req) {
			if !h.proxyWebSocket(tlsConn, req, host, port, out) {
				return
			}
			continue
		}

		if !h.proxyOneRequest(tlsConn, req, host, port, out) {
			return
		}
	}
}

func (h *Handler) proxyOneRequest(client io.Writer, req *http.Request, host string, port int, out pipeline.Outcome) bool {
	out.ApplyRequestHeaders(req.Header)

	upstream, err := tls.DialWithDialer(&net.Dialer{Timeout: h.dialTimeout()}, "tcp", net.JoinHostPort(host, strconv.Itoa(port)), &tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}})
	if err != nil {
		writeDeniedResponse(client, pipeline.Outcome{Err: perr.Wrap(err, perr.KindUpstreamConnect, "dial upstream")})
		return true
	}
	defer upstream.Close()

	req.RequestURI = ""
	if err := req.Write(upstream); err != nil {
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		writeDeniedResponse(client, pipeline.Outcome{Err: perr.Wrap(err, perr.KindUpstreamConnect, "read upstream response")})
		return true
	}
	defer resp.Body.Close()

	out.ApplyResponseHeaders(resp.Header)
	return resp.Write(client) == nil
}

// proxyWebSocket re-originates the upgrade request upstream and, if the
// upstream admits the upgrade, drops into a raw byte splice for the
// remainder of the connection.
func (h *Handler) proxyWebSocket(client net.Conn, req *http.Request, host string, port int, out pipeline.Outcome) bool {
	out.ApplyRequestHeaders(req.Header)

	upstream, err := tls.DialWithDialer(&net.Dialer{Timeout: h.dialTimeout()}, "tcp", net.JoinHostPort(host, strconv.Itoa(port)), &tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}})
	if err != nil {
		writeDeniedResponse(client, pipeline.Outcome{Err: perr.Wrap(err, perr.KindUpstreamConnect, "dial upstream")})
		return true
	}

	req.RequestURI = ""
	if err := req.Write(upstream); err != nil {
		upstream.Close()
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		upstream.Close()
		return true
	}
	out.ApplyResponseHeaders(resp.Header)
	if err := resp.Write(client); err != nil {
		upstream.Close()
		return false
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		upstream.Close()
		return true
	}

	splice(client, upstream, 300*time.Second)
	return false
}

func isWebSocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

func grpcDetails(req *http.Request) (isGRPC bool, service, method string) {
	ct := req.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/grpc") {
		return false, "", ""
	}
	p := strings.TrimPrefix(req.URL.Path, "/")
	idx := strings.LastIndex(p, "/")
	if idx <= 0 || idx == len(p)-1 {
		return true, "", ""
	}
	return true, p[:idx], p[idx+1:]
}

func writeDeniedResponse(w io.Writer, out pipeline.Outcome) {
	status := http.StatusForbidden
	if kind := perr.GetKind(out.Err); kind != perr.KindUnknown {
		status = kind.StatusCode()
	}
	headers := ""
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
	writeStatusLineWriter(w, status, headers)
}

func writeStatusLine(conn net.Conn, status int, extraHeaders string) {
	writeStatusLineWriter(conn, status, extraHeaders)
}

func writeStatusLineWriter(w io.Writer, status int, extraHeaders string) {
	line := "HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n" + extraHeaders + "\r\n"
	_, _ = w.Write([]byte(line))
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

// splice runs two independent byte pumps between a and b, used for the
// post-upgrade WebSocket fallback.
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
