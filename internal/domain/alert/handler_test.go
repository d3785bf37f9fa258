package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caresignal/caresignal/internal/platform/middleware"
)

func newTestHandler() (*Handler, *Service, *mockRepo, *mockPublisher) {
	repo := newMockRepo()
	pub := &mockPublisher{}
	svc := NewService(repo, pub)
	return NewHandler(svc), svc, repo, pub
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func createBody() string {
	return fmt.Sprintf(`{"subject_id":%q,"source_id":%q,"alert_type":"risk_threshold","category":"cardiovascular","risk_score":95}`,
		uuid.New(), uuid.New())
}

func TestHandler_Create(t *testing.T) {
	h, _, _, _ := newTestHandler()
	e := echo.New()

	req := jsonRequest(http.MethodPost, "/api/v1/alerts", createBody())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	var out ClinicalAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Priority != PriorityUrgent || out.Status != StatusPending || out.SLAHours != 4 {
		t.Errorf("unexpected alert: priority=%s status=%s sla_hours=%d", out.Priority, out.Status, out.SLAHours)
	}
	if out.ID == uuid.Nil {
		t.Error("response alert has no id")
	}
}

func TestHandler_Create_InvalidInput(t *testing.T) {
	h, _, _, _ := newTestHandler()
	e := echo.New()

	body := fmt.Sprintf(`{"subject_id":%q,"source_id":%q,"alert_type":"risk_threshold","category":"cardiovascular","risk_score":400}`,
		uuid.New(), uuid.New())
	req := jsonRequest(http.MethodPost, "/api/v1/alerts", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_Get(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()

	a := testInput(95, CategoryCardiovascular)
	mustCreate(t, svc, a)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.Get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out ClinicalAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != a.ID {
		t.Errorf("returned id = %s, want %s", out.ID, a.ID)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_Get_BadID(t *testing.T) {
	h, _, _, _ := newTestHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_Acknowledge(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()

	a := testInput(95, CategoryCardiovascular)
	mustCreate(t, svc, a)

	req := jsonRequest(http.MethodPost, "/", `{"version":1}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/acknowledge")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.Acknowledge(c); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	var out ClinicalAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAcknowledged || out.Version != 2 {
		t.Errorf("after acknowledge: status=%s version=%d", out.Status, out.Version)
	}
}

func TestHandler_Resolve_FromPendingConflicts(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()

	a := testInput(95, CategoryCardiovascular)
	mustCreate(t, svc, a)

	req := jsonRequest(http.MethodPost, "/", `{"version":1,"outcome":"successful"}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/resolve")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	err := h.Resolve(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending resolve, got %v", err)
	}
}

func TestHandler_StaleVersionConflicts(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()

	a := testInput(95, CategoryCardiovascular)
	mustCreate(t, svc, a)

	req := jsonRequest(http.MethodPost, "/", `{"version":9}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/acknowledge")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	err := h.Acknowledge(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale version, got %v", err)
	}
}

func TestHandler_List_FilterByStatus(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()
	ctx := context.Background()

	a1 := testInput(95, CategoryCardiovascular)
	mustCreate(t, svc, a1)
	a2 := testInput(80, CategoryRespiratory)
	mustCreate(t, svc, a2)
	if _, err := svc.Acknowledge(ctx, a2.ID, TransitionInput{ExpectedVersion: 1, Actor: "n"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?status=pending", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var out struct {
		Data  []*ClinicalAlert `json:"data"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || len(out.Data) != 1 || out.Data[0].ID != a1.ID {
		t.Errorf("filtered list wrong: total=%d len=%d", out.Total, len(out.Data))
	}
}

func TestHandler_ListSteps(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()
	ctx := context.Background()

	a := testInput(95, CategoryCardiovascular)
	mustCreate(t, svc, a)
	if _, err := svc.Acknowledge(ctx, a.ID, TransitionInput{ExpectedVersion: 1, Actor: "n"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/steps")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.ListSteps(c); err != nil {
		t.Fatalf("list steps: %v", err)
	}
	var steps []*WorkflowStep
	if err := json.Unmarshal(rec.Body.Bytes(), &steps); err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].ActionType != ActionAlertCreated || steps[1].ActionType != ActionAcknowledged {
		t.Errorf("step order wrong: %s, %s", steps[0].ActionType, steps[1].ActionType)
	}
}

func TestHandler_Signal(t *testing.T) {
	h, svc, _, pub := newTestHandler()
	e := echo.New()

	a := testInput(60, CategoryCardiovascular)
	mustCreate(t, svc, a)

	req := jsonRequest(http.MethodPost, "/", `{"signal_type":"critical_finding","signal_id":"lab-7","finding_code":"troponin_spike"}`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/signals")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.Signal(c); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := len(pub.byType("risk.critical_finding")); got != 1 {
		t.Errorf("critical finding events = %d, want 1", got)
	}
}

func TestHandler_Assign(t *testing.T) {
	h, svc, _, _ := newTestHandler()
	e := echo.New()

	a := testInput(60, CategoryCardiovascular)
	mustCreate(t, svc, a)
	member := uuid.New()

	req := jsonRequest(http.MethodPost, "/", fmt.Sprintf(`{"assignee_id":%q,"version":1}`, member))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/assign")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.Assign(c); err != nil {
		t.Fatalf("assign: %v", err)
	}
	var out ClinicalAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.AssignedTo == nil || *out.AssignedTo != member {
		t.Errorf("assigned_to = %v, want %s", out.AssignedTo, member)
	}
}

func TestHandler_ActorHeaderRecordedOnSteps(t *testing.T) {
	h, svc, repo, _ := newTestHandler()
	e := echo.New()

	a := testInput(60, CategoryCardiovascular)
	mustCreate(t, svc, a)

	req := jsonRequest(http.MethodPost, "/api/v1/alerts/"+a.ID.String()+"/acknowledge", `{"version":1}`)
	req.Header.Set(middleware.ActorIDHeader, "nurse-9")
	req.Header.Set(middleware.ActorRoleHeader, "nurse")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/alerts/:id/acknowledge")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	wrapped := middleware.Actor(zerolog.Nop())(h.Acknowledge)
	if err := wrapped(c); err != nil {
		t.Fatalf("acknowledge through actor middleware: %v", err)
	}

	steps, _ := repo.ListSteps(context.Background(), a.ID)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[1].Actor != "nurse-9" {
		t.Errorf("step actor = %s, want nurse-9", steps[1].Actor)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, _, _ := newTestHandler()
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/alerts":                 true,
		"GET /api/v1/alerts":                  true,
		"GET /api/v1/alerts/:id":              true,
		"GET /api/v1/alerts/:id/steps":        true,
		"POST /api/v1/alerts/:id/steps":       true,
		"POST /api/v1/alerts/:id/signals":     true,
		"POST /api/v1/alerts/:id/acknowledge": true,
		"POST /api/v1/alerts/:id/start":       true,
		"POST /api/v1/alerts/:id/resolve":     true,
		"POST /api/v1/alerts/:id/dismiss":     true,
		"POST /api/v1/alerts/:id/assign":      true,
	}
	for _, r := range e.Routes() {
		delete(want, r.Method+" "+r.Path)
	}
	if len(want) != 0 {
		t.Errorf("routes not registered: %v", want)
	}
}
