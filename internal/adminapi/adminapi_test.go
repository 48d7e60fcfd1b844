package adminapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"betterfly/internal/registry"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "test" }

func TestHandleHealth(t *testing.T) {
	reg := registry.New()
	s := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestHandleSessionsReportsCounts(t *testing.T) {
	reg := registry.New()
	server, _ := net.Pipe()
	t.Cleanup(func() { server.Close() })
	reg.Stage(1, server, fakeAddr{})
	if _, err := reg.Promote(1, 1001, "Alice"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	server2, _ := net.Pipe()
	t.Cleanup(func() { server2.Close() })
	reg.Stage(2, server2, fakeAddr{})

	s := New(reg)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var body sessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Authenticated != 1 {
		t.Errorf("authenticated = %d, want 1", body.Authenticated)
	}
	if body.Staged != 1 {
		t.Errorf("staged = %d, want 1", body.Staged)
	}
}
