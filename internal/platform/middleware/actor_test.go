package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestActor_ExtractsHeaders(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", nil)
	req.Header.Set(ActorIDHeader, "nurse-42")
	req.Header.Set(ActorRoleHeader, "care_coordinator")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if got := ActorFromContext(ctx); got != "nurse-42" {
			t.Errorf("expected actor 'nurse-42', got %q", got)
		}
		if got := ActorRoleFromContext(ctx); got != "care_coordinator" {
			t.Errorf("expected role 'care_coordinator', got %q", got)
		}
		return c.String(http.StatusCreated, "ok")
	}

	mw := Actor(logger)
	h := mw(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestActor_RecordsAuditEntry(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/abc/acknowledge", nil)
	req.Header.Set(ActorIDHeader, "dr-lima")
	req.Header.Set(ActorRoleHeader, "physician")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-abc")

	var captured AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		captured = entry
		return nil
	})

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Actor(logger, recorder)
	h := mw(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.ActorID != "dr-lima" {
		t.Errorf("expected actor 'dr-lima', got %q", captured.ActorID)
	}
	if captured.ActorRole != "physician" {
		t.Errorf("expected role 'physician', got %q", captured.ActorRole)
	}
	if captured.Resource != "alerts" {
		t.Errorf("expected resource 'alerts', got %q", captured.Resource)
	}
	if captured.Action != "create" {
		t.Errorf("expected action 'create', got %q", captured.Action)
	}
	if captured.RequestID != "req-abc" {
		t.Errorf("expected request_id 'req-abc', got %q", captured.RequestID)
	}
}

func TestActor_SkipsNonAPIPaths(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	recorded := false
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		recorded = true
		return nil
	})

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Actor(logger, recorder)
	h := mw(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorded {
		t.Error("expected no audit entry for non-API path")
	}
}

func TestMethodToAction(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, "read"},
		{http.MethodHead, "read"},
		{http.MethodPost, "create"},
		{http.MethodPut, "update"},
		{http.MethodPatch, "update"},
		{http.MethodDelete, "delete"},
		{"TRACE", "read"},
	}
	for _, tt := range tests {
		if got := methodToAction(tt.method); got != tt.want {
			t.Errorf("methodToAction(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/alerts", "alerts"},
		{"/api/v1/alerts/123/steps", "alerts"},
		{"/api/v1/webhooks", "webhooks"},
		{"/api/v1/", "unknown"},
	}
	for _, tt := range tests {
		if got := resourceFromPath(tt.path); got != tt.want {
			t.Errorf("resourceFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
