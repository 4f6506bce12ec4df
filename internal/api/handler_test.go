package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/georgeshao/mail-dam/internal/dispatcher"
	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/internal/metrics"
	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/internal/storage/sqlite"
	"github.com/georgeshao/mail-dam/pkg/types"
)

type testEnv struct {
	app     *fiber.App
	manager *dispatcher.Manager
}

// blockingSender holds every send until its context is cancelled.
type blockingSender struct{}

func (blockingSender) Name() string { return "blocking" }

func (blockingSender) Send(ctx context.Context, msg mailer.Message) ([]mailer.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func setupTestApp(t *testing.T, sender mailer.Sender) *testEnv {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	cfg := dispatcher.DefaultConfig()
	cfg.Delay = 0
	cfg.ResetDelay = time.Minute

	m := metrics.New()
	d := dispatcher.New(sender, cfg, dispatcher.WithMetrics(m))
	manager := dispatcher.NewManager(store, d)

	app := fiber.New()
	SetupRoutes(app, store, manager, m, nil)

	t.Cleanup(func() {
		// In-flight runs must finish before the store is closed.
		manager.Close()
		if closeErr := store.Close(); closeErr != nil {
			t.Logf("Failed to close store: %v", closeErr)
		}
	})

	return &testEnv{app: app, manager: manager}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", want, resp.StatusCode, string(body))
	}
}

func (e *testEnv) createTemplate(t *testing.T, body string) types.Template {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/templates", body)
	expectStatus(t, resp, http.StatusCreated)
	var tpl types.Template
	decode(t, resp, &tpl)
	return tpl
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))

	resp := env.do(t, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))

	resp := env.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, resp, http.StatusOK)

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "maildam_dispatch_active") {
		t.Errorf("Expected dispatcher metrics in output")
	}
}

func TestCreateTemplate(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))

	tpl := env.createTemplate(t, `{"name": "welcome", "description": "Welcome mail", "subject": "Hi {{.name}}", "body": "<p>Hello</p>"}`)

	if !strings.HasPrefix(tpl.ID, "tpl_") {
		t.Errorf("Unexpected ID: %s", tpl.ID)
	}
	if tpl.Name != "welcome" {
		t.Errorf("Name mismatch: got %s", tpl.Name)
	}
	if tpl.Format != types.FormatHTML {
		t.Errorf("Expected default format html, got %s", tpl.Format)
	}
}

func TestCreateTemplateDuplicate(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))

	body := `{"name": "welcome", "body": "<p>Hello</p>"}`
	env.createTemplate(t, body)

	resp := env.do(t, http.MethodPost, "/v1/templates", body)
	expectStatus(t, resp, http.StatusConflict)
}

func TestCreateTemplateRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"name":`},
		{"missing name", `{"body": "<p>Hello</p>"}`},
		{"empty body", `{"name": "empty", "body": "   "}`},
		{"unknown format", `{"name": "odd", "body": "x", "format": "pdf"}`},
		{"unparsable body", `{"name": "broken", "body": "{{.name"}`},
	}

	env := setupTestApp(t, mailer.NewNoopSender(nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/templates", tt.body)
			expectStatus(t, resp, http.StatusBadRequest)
		})
	}
}

func TestGetTemplate(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	created := env.createTemplate(t, `{"name": "welcome", "body": "<p>Hello</p>"}`)

	resp := env.do(t, http.MethodGet, "/v1/templates/"+created.ID, "")
	expectStatus(t, resp, http.StatusOK)

	var tpl types.Template
	decode(t, resp, &tpl)
	if tpl.Name != "welcome" {
		t.Errorf("Name mismatch: got %s", tpl.Name)
	}
	if tpl.Stats == nil {
		t.Error("Stats should be included")
	}
}

func TestGetTemplateNotFound(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))

	resp := env.do(t, http.MethodGet, "/v1/templates/tpl_missing", "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestListTemplates(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	env.createTemplate(t, `{"name": "b", "body": "x"}`)
	env.createTemplate(t, `{"name": "a", "body": "y"}`)

	resp := env.do(t, http.MethodGet, "/v1/templates", "")
	expectStatus(t, resp, http.StatusOK)

	var out struct {
		Templates []types.Template `json:"templates"`
	}
	decode(t, resp, &out)
	if len(out.Templates) != 2 {
		t.Errorf("Expected 2 templates, got %d", len(out.Templates))
	}
}

func TestUpdateTemplate(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	created := env.createTemplate(t, `{"name": "welcome", "subject": "Old", "body": "x"}`)

	resp := env.do(t, http.MethodPatch, "/v1/templates/"+created.ID, `{"subject": "New", "format": "markdown"}`)
	expectStatus(t, resp, http.StatusOK)

	var tpl types.Template
	decode(t, resp, &tpl)
	if tpl.Subject != "New" {
		t.Errorf("Subject not updated: got %s", tpl.Subject)
	}
	if tpl.Format != types.FormatMarkdown {
		t.Errorf("Format not updated: got %s", tpl.Format)
	}
	if tpl.Body != "x" {
		t.Errorf("Body should be unchanged, got %s", tpl.Body)
	}

	resp = env.do(t, http.MethodPatch, "/v1/templates/"+created.ID, `{"body": ""}`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodPatch, "/v1/templates/tpl_missing", `{"subject": "New"}`)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestPreviewTemplate(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	created := env.createTemplate(t, `{"name": "welcome", "subject": "Hi {{.name}}", "body": "# Hello {{.name}}", "format": "markdown", "variables": {"name": "there"}}`)

	resp := env.do(t, http.MethodPost, "/v1/templates/"+created.ID+"/preview", `{"variables": {"name": "Ada"}}`)
	expectStatus(t, resp, http.StatusOK)

	var preview types.PreviewResponse
	decode(t, resp, &preview)
	if preview.Subject != "Hi Ada" {
		t.Errorf("Subject mismatch: got %s", preview.Subject)
	}
	if !strings.Contains(preview.HTML, "<h1>Hello Ada</h1>") {
		t.Errorf("Rendered body missing heading: %s", preview.HTML)
	}
}

func TestDispatchLifecycle(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	tpl := env.createTemplate(t, `{"name": "welcome", "subject": "Hi", "body": "<p>Hello</p>"}`)

	resp := env.do(t, http.MethodGet, "/v1/dispatch/status", "")
	expectStatus(t, resp, http.StatusOK)
	var status types.StatusResponse
	decode(t, resp, &status)
	if status.Phase != types.PhaseIdle {
		t.Errorf("Expected idle phase, got %s", status.Phase)
	}

	body := `{"template_id": "` + tpl.ID + `", "recipients": ["a@example.com", "b@example.com"], "options": {"batch_size": 1, "delay_ms": 0}}`
	resp = env.do(t, http.MethodPost, "/v1/dispatches", body)
	expectStatus(t, resp, http.StatusAccepted)

	var started types.Dispatch
	decode(t, resp, &started)
	if !strings.HasPrefix(started.ID, "disp_") {
		t.Errorf("Unexpected dispatch ID: %s", started.ID)
	}
	if started.Status != types.StatusSending {
		t.Errorf("Expected sending, got %s", started.Status)
	}
	if started.Progress.Total != 2 {
		t.Errorf("Expected total 2, got %d", started.Progress.Total)
	}

	env.manager.Wait()

	resp = env.do(t, http.MethodGet, "/v1/dispatches/"+started.ID, "")
	expectStatus(t, resp, http.StatusOK)
	var finished types.Dispatch
	decode(t, resp, &finished)
	if finished.Status != types.StatusSucceeded {
		t.Errorf("Expected succeeded, got %s", finished.Status)
	}
	if finished.Progress.Sent != 2 || finished.Progress.Failed != 0 {
		t.Errorf("Unexpected progress: %+v", finished.Progress)
	}
	if finished.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	resp = env.do(t, http.MethodGet, "/v1/dispatches/"+started.ID+"/results", "")
	expectStatus(t, resp, http.StatusOK)
	var results types.ListResultsResponse
	decode(t, resp, &results)
	if len(results.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results.Results))
	}
	if results.Results[0].Email != "a@example.com" || !results.Results[0].Success {
		t.Errorf("Unexpected first result: %+v", results.Results[0])
	}

	resp = env.do(t, http.MethodGet, "/v1/dispatch/status", "")
	decode(t, resp, &status)
	if status.Phase != types.PhaseSuccess || status.DispatchID != started.ID {
		t.Errorf("Expected success for %s, got %+v", started.ID, status)
	}

	resp = env.do(t, http.MethodGet, "/v1/templates/"+tpl.ID, "")
	var withStats types.Template
	decode(t, resp, &withStats)
	if withStats.Stats == nil || withStats.Stats.Succeeded != 1 {
		t.Errorf("Unexpected stats: %+v", withStats.Stats)
	}
}

func TestStartDispatchRejected(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	tpl := env.createTemplate(t, `{"name": "welcome", "body": "<p>Hello</p>"}`)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"template_id":`, http.StatusBadRequest},
		{"missing template", `{"recipients": ["a@example.com"]}`, http.StatusBadRequest},
		{"unknown template", `{"template_id": "tpl_missing", "recipients": ["a@example.com"]}`, http.StatusNotFound},
		{"no recipients", `{"template_id": "` + tpl.ID + `", "recipients": []}`, http.StatusBadRequest},
		{"invalid recipient", `{"template_id": "` + tpl.ID + `", "recipients": ["not-an-address"]}`, http.StatusBadRequest},
		{"batch too large", `{"template_id": "` + tpl.ID + `", "recipients": ["a@example.com"], "options": {"batch_size": 101}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/dispatches", tt.body)
			expectStatus(t, resp, tt.want)
		})
	}

	resp := env.do(t, http.MethodGet, "/v1/dispatches", "")
	expectStatus(t, resp, http.StatusOK)
	var list types.ListDispatchesResponse
	decode(t, resp, &list)
	if list.Total != 0 {
		t.Errorf("Rejected dispatches must not be stored, got %d", list.Total)
	}
}

func TestCancelDispatch(t *testing.T) {
	env := setupTestApp(t, blockingSender{})
	tpl := env.createTemplate(t, `{"name": "welcome", "body": "<p>Hello</p>"}`)

	body := `{"template_id": "` + tpl.ID + `", "recipients": ["a@example.com", "b@example.com"]}`
	resp := env.do(t, http.MethodPost, "/v1/dispatches", body)
	expectStatus(t, resp, http.StatusAccepted)
	var started types.Dispatch
	decode(t, resp, &started)

	resp = env.do(t, http.MethodPost, "/v1/dispatches", body)
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodDelete, "/v1/templates/"+tpl.ID, "")
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodGet, "/v1/dispatch/status", "")
	var status types.StatusResponse
	decode(t, resp, &status)
	if status.Phase != types.PhaseSending {
		t.Errorf("Expected sending phase, got %s", status.Phase)
	}

	resp = env.do(t, http.MethodPost, "/v1/dispatches/"+started.ID+"/cancel", "")
	expectStatus(t, resp, http.StatusAccepted)

	env.manager.Wait()

	resp = env.do(t, http.MethodGet, "/v1/dispatches/"+started.ID, "")
	var finished types.Dispatch
	decode(t, resp, &finished)
	if finished.Status != types.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", finished.Status)
	}
	if finished.Progress.Failed != 2 {
		t.Errorf("Expected both recipients failed, got %+v", finished.Progress)
	}

	resp = env.do(t, http.MethodPost, "/v1/dispatches/"+started.ID+"/cancel", "")
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodPost, "/v1/dispatches/disp_missing/cancel", "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestListDispatches(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	tpl := env.createTemplate(t, `{"name": "welcome", "body": "<p>Hello</p>"}`)

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/v1/dispatches", `{"template_id": "`+tpl.ID+`", "recipients": ["a@example.com"]}`)
		expectStatus(t, resp, http.StatusAccepted)
		env.manager.Wait()
	}

	resp := env.do(t, http.MethodGet, "/v1/dispatches?limit=2&template_id="+tpl.ID, "")
	expectStatus(t, resp, http.StatusOK)
	var page types.ListDispatchesResponse
	decode(t, resp, &page)
	if page.Total != 3 || len(page.Dispatches) != 2 {
		t.Fatalf("Unexpected first page: total=%d len=%d", page.Total, len(page.Dispatches))
	}
	if page.NextCursor == nil {
		t.Fatal("Expected next cursor")
	}

	resp = env.do(t, http.MethodGet, "/v1/dispatches?limit=2&cursor="+url.QueryEscape(*page.NextCursor), "")
	expectStatus(t, resp, http.StatusOK)
	var next types.ListDispatchesResponse
	decode(t, resp, &next)
	if len(next.Dispatches) != 1 {
		t.Errorf("Expected 1 dispatch on second page, got %d", len(next.Dispatches))
	}
	if next.NextCursor != nil {
		t.Error("Last page should not have a cursor")
	}

	resp = env.do(t, http.MethodGet, "/v1/dispatches?status=succeeded", "")
	decode(t, resp, &page)
	if page.Total != 3 {
		t.Errorf("Expected 3 succeeded, got %d", page.Total)
	}

	for _, query := range []string{"status=bogus", "cursor=yesterday", "limit=0"} {
		resp = env.do(t, http.MethodGet, "/v1/dispatches?"+query, "")
		expectStatus(t, resp, http.StatusBadRequest)
	}
}

func TestDeleteTemplate(t *testing.T) {
	env := setupTestApp(t, mailer.NewNoopSender(nil))
	tpl := env.createTemplate(t, `{"name": "welcome", "body": "<p>Hello</p>"}`)

	resp := env.do(t, http.MethodPost, "/v1/dispatches", `{"template_id": "`+tpl.ID+`", "recipients": ["a@example.com"]}`)
	expectStatus(t, resp, http.StatusAccepted)
	var run types.Dispatch
	decode(t, resp, &run)
	env.manager.Wait()

	resp = env.do(t, http.MethodDelete, "/v1/templates/"+tpl.ID, "")
	expectStatus(t, resp, http.StatusOK)
	var deleted types.DeleteTemplateResponse
	decode(t, resp, &deleted)
	if deleted.DeletedRuns != 1 {
		t.Errorf("Expected 1 deleted run, got %d", deleted.DeletedRuns)
	}

	resp = env.do(t, http.MethodGet, "/v1/dispatches/"+run.ID, "")
	expectStatus(t, resp, http.StatusNotFound)

	resp = env.do(t, http.MethodDelete, "/v1/templates/"+tpl.ID, "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestRunCursorRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	cursor := encodeCursor(&storage.RunRecord{ID: "disp_42", CreatedAt: created})

	ts, id, err := parseCursor(cursor)
	if err != nil {
		t.Fatalf("parseCursor failed: %v", err)
	}
	if !ts.Equal(created) || id != "disp_42" {
		t.Errorf("Unexpected cursor parts: %v %q", ts, id)
	}

	ts, id, err = parseCursor("2026-03-01T12:00:00Z")
	if err != nil {
		t.Fatalf("parseCursor failed on bare timestamp: %v", err)
	}
	if id != "" || !ts.Equal(created.Truncate(time.Second)) {
		t.Errorf("Unexpected bare cursor parts: %v %q", ts, id)
	}

	if _, _, err := parseCursor("yesterday,disp_1"); err == nil {
		t.Error("Expected error for malformed cursor")
	}
}
