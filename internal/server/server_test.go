package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/db"
	"github.com/zulandar/kite/internal/notify"
	"gorm.io/gorm"
)

const testToken = "hook-secret"

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func setupRouter(t *testing.T) (*gin.Engine, *gorm.DB, *recorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	rec := &recorder{}
	return newRouter(StartOpts{DB: gdb, WebhookToken: testToken, Notifier: rec}), gdb, rec
}

func webhookRequest(token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/buildkite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Buildkite-Token", token)
	}
	return req
}

const finishedPayload = `{
  "event": "build.finished",
  "build": {"id": "b-1", "number": 42, "state": "passed", "branch": "main", "message": "Ship it",
            "web_url": "https://buildkite.com/acme/app/builds/42"},
  "pipeline": {"slug": "app", "url": "https://api.buildkite.com/v2/organizations/acme/pipelines/app"}
}`

func TestStart_Validation(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("error = %v, want db is required", err)
	}
	_, gdb, _ := setupRouter(t)
	if err := Start(context.Background(), StartOpts{DB: gdb}); err == nil || !strings.Contains(err.Error(), "webhook token") {
		t.Errorf("error = %v, want webhook token required", err)
	}
}

func TestHealthz(t *testing.T) {
	router, _, _ := setupRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestWebhook_RejectsBadToken(t *testing.T) {
	router, _, _ := setupRouter(t)
	for _, token := range []string{"", "wrong"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, webhookRequest(token, finishedPayload))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, w.Code)
		}
	}
}

func TestWebhook_CachesAndNotifies(t *testing.T) {
	router, gdb, rec := setupRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(testToken, finishedPayload))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	builds, err := db.RecentBuilds(gdb, db.BuildFilter{Organization: "acme", Pipeline: "app"})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 || builds[0].Number != 42 || builds[0].State != "passed" {
		t.Errorf("cached builds = %+v", builds)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Title != "acme/app #42 passed" {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestWebhook_RunningDoesNotNotify(t *testing.T) {
	router, gdb, rec := setupRouter(t)
	body := `{"event": "build.running", "build": {"number": 3, "state": "running",
	          "web_url": "https://buildkite.com/widgets/api/builds/3"}}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(testToken, body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	builds, _ := db.RecentBuilds(gdb, db.BuildFilter{Organization: "widgets", Pipeline: "api"})
	if len(builds) != 1 {
		t.Errorf("expected build cached from web_url, got %+v", builds)
	}
	if len(rec.events) != 0 {
		t.Errorf("running build should not notify, got %+v", rec.events)
	}
}

func TestWebhook_IgnoresOtherEvents(t *testing.T) {
	router, _, _ := setupRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, webhookRequest(testToken, `{"event": "ping"}`))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ignored") {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestWebhook_BadPayload(t *testing.T) {
	router, _, _ := setupRouter(t)
	tests := map[string]string{
		"malformed":     `{"event": `,
		"missing build": `{"event": "build.started"}`,
		"no ref":        `{"event": "build.started", "build": {"number": 1}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, webhookRequest(testToken, body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestAPIBuilds(t *testing.T) {
	router, gdb, _ := setupRouter(t)
	err := db.UpsertBuilds(gdb, "acme", "app", []buildkite.Build{
		{Number: 1, State: "passed", Branch: "main"},
		{Number: 2, State: "failed", Branch: "dev"},
		{Number: 3, State: "running", Branch: "main"},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/builds?org=acme&pipeline=app&branch=main", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []buildkite.Build
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Number != 3 || got[1].Number != 1 {
		t.Errorf("builds = %+v", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/builds?limit=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestEvents_StreamsWebhookBuilds(t *testing.T) {
	router, _, _ := setupRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event: ") {
				return strings.TrimPrefix(l, "event: ")
			}
		}
		return ""
	}
	if ev := next(); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}

	hook, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/buildkite", strings.NewReader(finishedPayload))
	hook.Header.Set("X-Buildkite-Token", testToken)
	hook.Header.Set("Content-Type", "application/json")
	hookResp, err := http.DefaultClient.Do(hook)
	if err != nil {
		t.Fatal(err)
	}
	hookResp.Body.Close()

	if ev := next(); ev != "build.finished" {
		t.Errorf("streamed event = %q, want build.finished", ev)
	}
	if !lines.Scan() || !strings.Contains(lines.Text(), `"number":42`) {
		t.Errorf("data line = %q", lines.Text())
	}
}

func TestBuildRef(t *testing.T) {
	tests := []struct {
		name          string
		payload       webhookPayload
		org, pipeline string
		wantErr       bool
	}{
		{
			name: "pipeline url",
			payload: webhookPayload{
				Build:    &buildkite.Build{},
				Pipeline: &buildkite.Pipeline{URL: "https://api.buildkite.com/v2/organizations/acme/pipelines/app"},
			},
			org: "acme", pipeline: "app",
		},
		{
			name:    "web url fallback",
			payload: webhookPayload{Build: &buildkite.Build{WebURL: "https://buildkite.com/widgets/api/builds/9"}},
			org:     "widgets", pipeline: "api",
		},
		{
			name:    "nothing",
			payload: webhookPayload{Build: &buildkite.Build{}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			org, pipeline, err := buildRef(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if org != tt.org || pipeline != tt.pipeline {
				t.Errorf("got %s/%s, want %s/%s", org, pipeline, tt.org, tt.pipeline)
			}
		})
	}
}

func TestServe_ShutdownEndsEventStreams(t *testing.T) {
	router, _, _ := setupRouter(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- serve(ctx, ln, router, nil) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != "event: connected" {
		t.Fatalf("first line = %q, want connected event", lines.Text())
	}

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(shutdownTimeout):
		t.Fatal("serve did not return before the shutdown timeout")
	}
	if elapsed := time.Since(start); elapsed >= shutdownTimeout {
		t.Errorf("shutdown took %s", elapsed)
	}
	for lines.Scan() {
	}
}
