package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/scenario"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateScenario(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	before := float64(time.Now().Unix())
	w := doRequest(t, h, http.MethodPost, "/api/scenarios/", `{"repo":"disk-fill"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)

	id, _ := body["sessionId"].(string)
	if !strings.HasPrefix(id, "clw-disk-fill-") {
		t.Errorf("sessionId = %q", id)
	}
	if body["websocketPath"] != WebsocketPath {
		t.Errorf("websocketPath = %v", body["websocketPath"])
	}
	end, _ := body["endTime"].(float64)
	if end < before+29*60 || end > before+31*60 {
		t.Errorf("endTime = %v, want about 30 minutes from now", end)
	}
	if !env.registry.Has(id) {
		t.Error("session not registered")
	}
}

func TestCreateScenarioBadRequests(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `nope`, http.StatusBadRequest},
		{"missing repo", `{}`, http.StatusBadRequest},
		{"validation", `{"repo":"bad repo"}`, http.StatusBadRequest},
		{"backend failure", `{"repo":"broken"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, h, http.MethodPost, "/api/scenarios/", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Error("response has no error field")
			}
		})
	}
	if env.registry.Len() != 0 {
		t.Errorf("registry has %d sessions after failures", env.registry.Len())
	}
}

func TestExtendTimer(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()
	id := env.createSession(t, "disk-fill")
	initial, _ := env.timers.Deadline(id)

	w := doRequest(t, h, http.MethodPost, "/api/scenarios/"+id+"/extend_timer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["message"] != "Timer extended successfully." {
		t.Errorf("message = %v", body["message"])
	}
	got, _ := body["newEndTime"].(float64)
	want := epochSeconds(initial.Add(30 * time.Minute))
	if got < want-1 || got > want+1 {
		t.Errorf("newEndTime = %v, want %v", got, want)
	}

	events, err := env.ledger.ForSession(id)
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == database.EventExtended {
			found = true
		}
	}
	if !found {
		t.Error("extension not recorded")
	}
}

func TestExtendTimerUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	w := doRequest(t, env.server.Router(), http.MethodPost, "/api/scenarios/clw-nope-00000000/extend_timer", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestExtendTimerWithoutTimer(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "disk-fill")
	env.timers.Remove(id)

	w := doRequest(t, env.server.Router(), http.MethodPost, "/api/scenarios/"+id+"/extend_timer", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetAndListScenarios(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()
	id := env.createSession(t, "disk-fill")
	env.createSession(t, "cpu-burn")

	w := doRequest(t, h, http.MethodGet, "/api/scenarios/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["sessionId"] != id || body["repo"] != "disk-fill" {
		t.Errorf("view = %v", body)
	}
	if body["status"] != string(scenario.StatusReady) {
		t.Errorf("status = %v, want ready", body["status"])
	}
	if body["hostAddress"] != "10.0.0.5" {
		t.Errorf("hostAddress = %v", body["hostAddress"])
	}
	if _, ok := body["endTime"].(float64); !ok {
		t.Errorf("endTime = %v, want a number", body["endTime"])
	}
	if body["terminalActive"] != false {
		t.Errorf("terminalActive = %v", body["terminalActive"])
	}
	if _, leaked := body["credential"]; leaked {
		t.Error("credential exposed in view")
	}

	w = doRequest(t, h, http.MethodGet, "/api/scenarios/", "")
	var list []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list has %d entries, want 2", len(list))
	}

	w = doRequest(t, h, http.MethodGet, "/api/scenarios/clw-nope-00000000", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown get status = %d, want 404", w.Code)
	}
}

func TestDeleteScenario(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()
	id := env.createSession(t, "disk-fill")

	w := doRequest(t, h, http.MethodDelete, "/api/scenarios/"+id, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if !waitFor(t, 2*time.Second, func() bool { return !env.registry.Has(id) }) {
		t.Fatal("session still registered after delete")
	}
	if !waitFor(t, 2*time.Second, func() bool { return env.destroyer.calls.Load() == 1 }) {
		t.Fatalf("destroy calls = %d, want 1", env.destroyer.calls.Load())
	}
	if _, ok := env.timers.Deadline(id); ok {
		t.Error("timer survived teardown")
	}

	w = doRequest(t, h, http.MethodDelete, "/api/scenarios/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestScenarioHistory(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Record("clw-a-1", "a", database.EventProvisioned, "10.0.0.1")
	env.ledger.Record("clw-b-2", "b", database.EventProvisioned, "10.0.0.2")

	w := doRequest(t, env.server.Router(), http.MethodGet, "/api/scenarios/history?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var events []database.ScenarioEvent
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "clw-b-2" {
		t.Errorf("events = %+v, want only the newest", events)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, "disk-fill")

	w := doRequest(t, env.server.Router(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" || body["backend"] != "fake" || body["sessions"] != float64(1) {
		t.Errorf("health = %v", body)
	}
}
