// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command warden runs the egress allowlist proxy.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"grimm.is/warden/internal/admin"
	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/certauthority"
	"grimm.is/warden/internal/connlimit"
	"grimm.is/warden/internal/forwardproxy"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/mitm"
	"grimm.is/warden/internal/pipeline"
	"grimm.is/warden/internal/ratelimit"
	"grimm.is/warden/internal/reload"
	"grimm.is/warden/internal/tunnel"
)

// Exit codes, per the proxy's documented startup contract.
const (
	exitOK          = 0
	exitConfigError = 1
	exitStartFailed = 2
)

func main() {
	configPath := flag.String("config", "./config/allowlist.json", "policy config file")
	host := flag.String("host", "127.0.0.1", "address to listen on")
	port := flag.String("port", "8080", "port to listen on")
	mode := flag.String("mode", "tunnel", "CONNECT handling mode: tunnel or mitm")
	adminPort := flag.String("admin-port", "", "admin surface port, bound on 127.0.0.1 (empty disables it)")
	watch := flag.Bool("watch", true, "watch the config file and hot-reload on change")
	caCert := flag.String("ca-cert", "./config/warden-ca.pem", "MITM root CA certificate (mode=mitm only)")
	caKey := flag.String("ca-key", "./config/warden-ca.key", "MITM root CA private key (mode=mitm only)")
	auditFile := flag.String("audit-log", "", "JSON-lines audit log file (empty disables file output)")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Output = os.Stderr
	logger := logging.New(logCfg).WithComponent("warden")
	logging.SetDefault(logger)

	if *mode != "tunnel" && *mode != "mitm" {
		logging.Error("invalid mode, must be tunnel or mitm", "mode", *mode)
		os.Exit(exitConfigError)
	}

	mgr, err := reload.New(*configPath, logger)
	if err != nil {
		logging.Error("failed to load policy config", "error", err)
		os.Exit(exitConfigError)
	}
	if *watch {
		if err := mgr.Watch(); err != nil {
			logging.Warn("config file watch unavailable, hot reload disabled", "error", err)
		}
	}
	defer mgr.Close()

	auditLogger, err := audit.NewLogger(logger, *auditFile)
	if err != nil {
		logging.Error("failed to open audit log", "error", err)
		os.Exit(exitConfigError)
	}
	defer auditLogger.Close()

	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 600, Burst: 60})
	connGate := connlimit.New(connlimit.Config{MaxGlobal: 4096, MaxPerIP: 256})

	pl := &pipeline.Pipeline{
		Snapshots: mgr,
		Limiter:   limiter,
		Audit:     auditLogger,
		RequestID: uuid.NewString,
	}

	var mitmHandler *mitm.Handler
	if *mode == "mitm" {
		ca, err := certauthority.LoadOrGenerate(*caCert, *caKey, "Warden Egress Proxy CA")
		if err != nil {
			logging.Error("failed to load or generate MITM root CA", "error", err)
			os.Exit(exitConfigError)
		}
		mitmHandler = &mitm.Handler{
			Pipeline: pl,
			ConnGate: connGate,
			Certs:    certauthority.NewCache(ca, certauthority.DefaultCacheSize, 24*time.Hour),
			Logger:   logger,
		}
	}
	tunnelHandler := &tunnel.Handler{Pipeline: pl, ConnGate: connGate, Logger: logger}
	forwardHandler := &forwardproxy.Handler{Pipeline: pl}

	var adminServer *admin.Server
	if *adminPort != "" {
		adminServer = admin.New(net.JoinHostPort("127.0.0.1", *adminPort), auditLogger, connGate, admin.NewMetrics(), logger)
		adminServer.Start()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(*host, *port))
	if err != nil {
		logging.Error("failed to listen", "error", err)
		os.Exit(exitStartFailed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info("received signal, shutting down", "signal", sig)
		cancel()
		ln.Close()
	}()

	logging.Info("warden proxy listening", "addr", ln.Addr().String(), "mode", *mode)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Warn("accept error", "error", err)
			continue
		}
		go dispatch(conn, *mode, tunnelHandler, mitmHandler, forwardHandler)
	}

	if adminServer != nil {
		_ = adminServer.Stop(5 * time.Second)
	}
	logging.Info("warden exited")
	os.Exit(exitOK)
}

// dispatch peeks the first line of conn to tell a CONNECT tunnel request
// apart from a plaintext absolute-URI forward-proxy request, since both
// arrive on the same listening port.
func dispatch(conn net.Conn, mode string, th *tunnel.Handler, mh *mitm.Handler, fh *forwardproxy.Handler) {
	pc := &peekConn{Conn: conn, br: bufio.NewReader(conn)}
	line, err := pc.br.Peek(8)
	if err != nil && err != io.EOF {
		conn.Close()
		return
	}
	if strings.HasPrefix(string(line), "CONNECT ") {
		if mode == "mitm" && mh != nil {
			mh.Serve(pc)
			return
		}
		th.Serve(pc)
		return
	}
	fh.Serve(pc)
}

// peekConn layers a bufio.Reader over a net.Conn so a few bytes can be
// inspected without consuming them from whatever reads the connection
// next.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}
