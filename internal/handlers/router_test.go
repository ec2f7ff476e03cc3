package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/database"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"github.com/justsurfingit/apply-scheduler/internal/notify"
	"github.com/justsurfingit/apply-scheduler/internal/services"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	db := database.NewTestDB(t)

	scheduler := services.NewSchedulerService(db, notify.NewLogNotifier(log), log, 5*time.Minute)
	jobs := services.NewJobService(db)
	pairing := services.NewPairingService(db, log, 10*time.Minute, 6, 5)
	importer := services.NewImportService(scheduler, jobs, services.NewMatcherService(db), nil, log, 30*time.Minute)

	rt := &Router{
		Log: log,
		Auth: middleware.AuthConfig{
			Tokens:  pairing,
			DevAuth: true,
			Log:     log,
		},
		PairLimiter: middleware.RateLimiterConfig{
			Limiter: middleware.NewMemoryLimiter(3, time.Hour),
			Limit:   3,
			Window:  time.Hour,
		},
		Jobs:      NewJobHandler(jobs, log),
		Schedules: NewScheduleHandler(scheduler, log),
		Pairing:   NewPairingHandler(pairing, log),
		Imports:   NewImportHandler(importer, log),
	}
	return rt.Engine()
}

type call struct {
	method, path string
	body         any
	user         string
	bearer       string
}

func do(t *testing.T, r *gin.Engine, c call) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(middleware.HeaderDevUserID, c.user)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("{")) {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", c.method, c.path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestHealth(t *testing.T) {
	code, body := do(t, newTestEngine(t), call{method: http.MethodGet, path: "/api/v1/health"})
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestScheduleLifecycle(t *testing.T) {
	r := newTestEngine(t)

	code, _ := do(t, r, call{method: http.MethodGet, path: "/api/v1/scheduler/schedules"})
	if code != http.StatusUnauthorized {
		t.Fatalf("anonymous list = %d", code)
	}

	code, job := do(t, r, call{method: http.MethodPost, path: "/api/v1/jobs", user: "alice",
		body: map[string]any{"company_name": "Acme", "role_title": "Backend Engineer"}})
	if code != http.StatusCreated {
		t.Fatalf("create job = %d %v", code, job)
	}
	jobID := job["id"]

	code, body := do(t, r, call{method: http.MethodPost, path: "/api/v1/scheduler/schedules", user: "alice",
		body: map[string]any{"job_id": jobID, "scheduled_at": time.Now().Add(48 * time.Hour)}})
	if code != http.StatusBadRequest {
		t.Fatalf("schedule without email = %d %v", code, body)
	}

	code, body = do(t, r, call{method: http.MethodPut, path: "/api/v1/scheduler/default-email", user: "alice",
		body: map[string]any{"email": "alice@example.com"}})
	if code != http.StatusOK {
		t.Fatalf("set default email = %d %v", code, body)
	}

	code, sch := do(t, r, call{method: http.MethodPost, path: "/api/v1/scheduler/schedules", user: "alice",
		body: map[string]any{"job_id": jobID, "scheduled_at": time.Now().Add(48 * time.Hour), "timezone": "America/New_York"}})
	if code != http.StatusCreated || sch["status"] != "scheduled" || sch["notification_email"] != "alice@example.com" {
		t.Fatalf("create schedule = %d %v", code, sch)
	}
	id := sch["id"].(string)

	code, body = do(t, r, call{method: http.MethodPost, path: "/api/v1/scheduler/schedules", user: "alice",
		body: map[string]any{"job_id": jobID, "scheduled_at": time.Now().Add(72 * time.Hour)}})
	if code != http.StatusConflict {
		t.Fatalf("second active schedule = %d %v", code, body)
	}

	code, _ = do(t, r, call{method: http.MethodPost, path: "/api/v1/scheduler/schedules/" + id + "/submit-now", user: "bob"})
	if code != http.StatusNotFound {
		t.Fatalf("other user's submit = %d", code)
	}

	code, body = do(t, r, call{method: http.MethodPost, path: "/api/v1/scheduler/schedules/" + id + "/submit-now", user: "alice"})
	if code != http.StatusOK || body["status"] != "submitted" {
		t.Fatalf("submit now = %d %v", code, body)
	}
	code, _ = do(t, r, call{method: http.MethodPost, path: "/api/v1/scheduler/schedules/" + id + "/submit-now", user: "alice"})
	if code != http.StatusConflict {
		t.Fatalf("second submit = %d", code)
	}
	code, _ = do(t, r, call{method: http.MethodDelete, path: "/api/v1/scheduler/schedules/" + id, user: "alice"})
	if code != http.StatusConflict {
		t.Fatalf("cancel submitted = %d", code)
	}

	code, stats := do(t, r, call{method: http.MethodGet, path: "/api/v1/scheduler/stats/submission-time", user: "alice"})
	if code != http.StatusOK || stats["total_submitted"] != float64(1) {
		t.Fatalf("stats = %d %v", code, stats)
	}
}

func TestBadJSON(t *testing.T) {
	r := newTestEngine(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{"))
	req.Header.Set(middleware.HeaderDevUserID, "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestPairingFlow(t *testing.T) {
	r := newTestEngine(t)

	code, start := do(t, r, call{method: http.MethodPost, path: "/api/v1/extension/pair/start", user: "alice",
		body: map[string]any{"device_name": "Chrome"}})
	if code != http.StatusCreated {
		t.Fatalf("start = %d %v", code, start)
	}
	pairingID := start["pairing_id"].(string)
	pairCode := start["code"].(string)

	wrong := "000000"
	if pairCode == wrong {
		wrong = "111111"
	}
	code, body := do(t, r, call{method: http.MethodPost, path: "/api/v1/extension/pair/complete",
		body: map[string]any{"pairing_id": pairingID, "code": wrong}})
	if code != http.StatusBadRequest || body["error"] != "pairing code is invalid or expired" {
		t.Fatalf("wrong code = %d %v", code, body)
	}

	code, cred := do(t, r, call{method: http.MethodPost, path: "/api/v1/extension/pair/complete",
		body: map[string]any{"pairing_id": pairingID, "code": pairCode}})
	if code != http.StatusOK || cred["user_id"] != "alice" {
		t.Fatalf("complete = %d %v", code, cred)
	}

	code, status := do(t, r, call{method: http.MethodGet, path: "/api/v1/extension/pair/status/" + pairingID, user: "alice"})
	if code != http.StatusOK || status["completed"] != true {
		t.Fatalf("status = %d %v", code, status)
	}
	code, _ = do(t, r, call{method: http.MethodGet, path: "/api/v1/extension/pair/status/" + pairingID, user: "bob"})
	if code != http.StatusNotFound {
		t.Fatalf("other user's status = %d", code)
	}

	// The minted token authenticates the extension as alice.
	code, imported := do(t, r, call{method: http.MethodPost, path: "/api/v1/import/extension", bearer: cred["token"].(string),
		body: map[string]any{"company": "Globex", "job_title": "SRE", "message_id": "m-1", "platform": "lever"}})
	if code != http.StatusCreated || imported["deduped"] != false {
		t.Fatalf("import = %d %v", code, imported)
	}
	code, again := do(t, r, call{method: http.MethodPost, path: "/api/v1/import/extension", bearer: cred["token"].(string),
		body: map[string]any{"company": "Globex", "job_title": "SRE", "message_id": "m-1", "platform": "lever"}})
	if code != http.StatusOK || again["deduped"] != true || again["reason"] != "message_id" {
		t.Fatalf("replay = %d %v", code, again)
	}

	code, _ = do(t, r, call{method: http.MethodGet, path: "/api/v1/jobs", bearer: "ext_unknown", user: "alice"})
	if code != http.StatusUnauthorized {
		t.Fatalf("bad bearer = %d", code)
	}

	// Third attempt this hour; the fourth is throttled.
	do(t, r, call{method: http.MethodPost, path: "/api/v1/extension/pair/complete", body: map[string]any{"pairing_id": "x", "code": "1"}})
	code, _ = do(t, r, call{method: http.MethodPost, path: "/api/v1/extension/pair/complete", body: map[string]any{"pairing_id": "x", "code": "1"}})
	if code != http.StatusTooManyRequests {
		t.Fatalf("throttled = %d", code)
	}
}

func TestPairCompleteLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	r := newTestEngine(t)
	counts := map[int]int{}
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/extension/pair/complete",
			bytes.NewBufferString(`{"pairing_id":"x","code":"123456"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.1.2.%d", i))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		counts[w.Code]++
	}
	if counts[http.StatusTooManyRequests] != 3 || counts[http.StatusBadRequest] != 3 {
		t.Fatalf("status counts = %v", counts)
	}
}
