package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callrelay/internal/audit"
	"callrelay/internal/calls"
	"callrelay/internal/dispatch"

	"github.com/gin-gonic/gin"
)

type stubDispatcher struct {
	callID string
	err    error
	gotTo  string
	gotTxt string
}

func (s *stubDispatcher) StartCall(_ context.Context, to, text string) (string, error) {
	s.gotTo, s.gotTxt = to, text
	return s.callID, s.err
}

type stubTokens struct{ identity string }

func (s *stubTokens) IssueVoiceToken(_ time.Time, identity string) (string, error) {
	s.identity = identity
	return "jwt-token", nil
}

func newRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/start-call", h.StartCall)
	r.POST("/call", h.LegacyCall)
	r.POST("/push-text", h.PushText)
	r.POST("/calls/:call_id/text", h.PushText)
	r.GET("/calls/:call_id", h.GetCall)
	r.GET("/calls/:call_id/events", h.CallEvents)
	r.GET("/token", h.Token)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestStartCall(t *testing.T) {
	d := &stubDispatcher{callID: "CA123"}
	r := newRouter(Handlers{Dispatcher: d})

	w, out := do(t, r, http.MethodPost, "/start-call", map[string]string{"to": "+15551234567", "initial_text": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if out["call_id"] != "CA123" || d.gotTo != "+15551234567" || d.gotTxt != "hello" {
		t.Fatalf("unexpected result %v %+v", out, d)
	}
}

func TestStartCall_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", dispatch.ErrInvalidDestination), http.StatusBadRequest},
		{fmt.Errorf("%w: boom", dispatch.ErrCarrierRejected), http.StatusBadGateway},
		{dispatch.ErrCapacityExceeded, http.StatusTooManyRequests},
		{fmt.Errorf("register: %w", calls.ErrDuplicateSession), http.StatusConflict},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newRouter(Handlers{Dispatcher: &stubDispatcher{err: tc.err}})
		w, out := do(t, r, http.MethodPost, "/start-call", map[string]string{"to": "+15551234567"})
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
		if out["error"] == nil {
			t.Fatalf("expected error body")
		}
	}
}

func TestStartCall_InvalidJSON(t *testing.T) {
	r := newRouter(Handlers{Dispatcher: &stubDispatcher{}})
	w, _ := do(t, r, http.MethodPost, "/start-call", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLegacyCallEnvelope(t *testing.T) {
	r := newRouter(Handlers{Dispatcher: &stubDispatcher{callID: "CA9"}})
	w, out := do(t, r, http.MethodPost, "/call", map[string]string{"to": "+15551234567", "text": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if out["status"] != "success" || out["call_sid"] != "CA9" || out["message"] != "call initiated" {
		t.Fatalf("unexpected envelope %v", out)
	}
}

func TestPushText(t *testing.T) {
	reg := calls.NewRegistry()
	reg.Create("CA123", calls.WithInitialText("hello"))
	r := newRouter(Handlers{Submitter: calls.NewSubmitter(reg, 0), Sessions: reg})

	w, out := do(t, r, http.MethodPost, "/push-text", map[string]string{"call_id": "CA123", "text": "how are you"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if out["sequence"] != float64(1) {
		t.Fatalf("expected sequence 1, got %v", out["sequence"])
	}

	w, out = do(t, r, http.MethodPost, "/calls/CA123/text", map[string]string{"text": "again"})
	if w.Code != http.StatusAccepted || out["sequence"] != float64(2) {
		t.Fatalf("expected sequence 2 via path route, got %d %v", w.Code, out)
	}

	w, out = do(t, r, http.MethodGet, "/calls/CA123", nil)
	if w.Code != http.StatusOK || out["queue_depth"] != float64(3) || out["state"] != "initiated" {
		t.Fatalf("unexpected info %d %v", w.Code, out)
	}
}

func TestPushText_Errors(t *testing.T) {
	reg := calls.NewRegistry()
	reg.Create("CA1")
	r := newRouter(Handlers{Submitter: calls.NewSubmitter(reg, 0), Sessions: reg})

	if w, _ := do(t, r, http.MethodPost, "/push-text", map[string]string{"call_id": "CA999", "text": "hi"}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/push-text", map[string]string{"call_id": "CA1", "text": "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/push-text", map[string]string{"text": "hi"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing call_id, got %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodGet, "/calls/CA404", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestToken(t *testing.T) {
	tokens := &stubTokens{}
	r := newRouter(Handlers{Tokens: tokens})

	w, out := do(t, r, http.MethodGet, "/token?identity=alice", nil)
	if w.Code != http.StatusOK || out["token"] != "jwt-token" || tokens.identity != "alice" {
		t.Fatalf("unexpected token response %d %v", w.Code, out)
	}
}

func TestReadyz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", Healthz)
	r.GET("/readyz", Readyz(time.Second, map[string]CheckFunc{
		"carrier": func(context.Context) error { return nil },
		"redis":   func(context.Context) error { return errors.New("down") },
	}))

	if w, _ := do(t, r, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w, out := do(t, r, http.MethodGet, "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable || out["status"] != "not_ready" {
		t.Fatalf("expected not ready, got %d %v", w.Code, out)
	}
}

func TestCallEvents(t *testing.T) {
	reg := calls.NewRegistry()
	trail := audit.NewService(audit.NewMemoryRepo(100))
	r := newRouter(Handlers{
		Dispatcher: &stubDispatcher{callID: "CA123"},
		Submitter:  calls.NewSubmitter(reg, 0),
		Sessions:   reg,
		Audit:      trail,
	})

	if w, _ := do(t, r, http.MethodPost, "/start-call", map[string]string{"to": "+15551234567"}); w.Code != http.StatusCreated {
		t.Fatalf("start: %d", w.Code)
	}
	reg.Create("CA123")
	if w, _ := do(t, r, http.MethodPost, "/push-text", map[string]string{"call_id": "CA123", "text": "hi"}); w.Code != http.StatusAccepted {
		t.Fatalf("push: %d", w.Code)
	}

	w, out := do(t, r, http.MethodGet, "/calls/CA123/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events, _ := out["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", out)
	}
	first, _ := events[0].(map[string]any)
	if first["type"] != string(audit.EventTypeCallStarted) {
		t.Fatalf("unexpected first event %v", first)
	}
}
