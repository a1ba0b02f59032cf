// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package forwardproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/pipeline"
	"grimm.is/warden/internal/policy"
)

func newTestHandler(t *testing.T, snap *policy.Snapshot, upstream *httptest.Server) *Handler {
	t.Helper()
	a, err := audit.NewLogger(logging.New(logging.DefaultConfig()), "")
	if err != nil {
		t.Fatal(err)
	}
	return &Handler{
		Pipeline: &pipeline.Pipeline{Snapshots: pipeline.FixedSnapshot{Snapshot: snap}, Audit: a},
		Client:   upstream.Client(),
	}
}

func TestForwardAllowedRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	host := upstream.Listener.Addr().String()
	hostOnly, _, _ := splitTestHostPort(host)

	snap, err := policy.Compile([]policy.Rule{{ID: "a", Domain: hostOnly}}, "deny")
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, snap, upstream)

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/anything", nil)
	req.RequestURI = ""
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hello from upstream" {
		t.Errorf("unexpected body: %q", w.Body.String())
	}
}

func TestForwardDeniedRequest(t *testing.T) {
	snap, err := policy.Compile(nil, "deny")
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, snap, httptest.NewServer(nil))

	req := httptest.NewRequest(http.MethodGet, "http://evil.com/path", nil)
	req.RequestURI = ""
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestRejectsNonAbsoluteURI(t *testing.T) {
	snap, err := policy.Compile(nil, "deny")
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, snap, httptest.NewServer(nil))

	req := httptest.NewRequest(http.MethodGet, "/relative/path", nil)
	req.RequestURI = ""
	req.URL.Scheme = ""
	req.URL.Host = ""
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-absolute URI, got %d", w.Code)
	}
}

func splitTestHostPort(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}
