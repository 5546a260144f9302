package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/docsearch/internal/audit"
	"github.com/basket/docsearch/internal/bus"
	"github.com/basket/docsearch/internal/documents"
	"github.com/basket/docsearch/internal/gateway"
	"github.com/basket/docsearch/internal/index"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/orchestrator"
	"github.com/basket/docsearch/internal/otel"
	"github.com/basket/docsearch/internal/persistence"
)

const testAuthToken = "gateway-test-token"

type testEnv struct {
	ts   *httptest.Server
	mgr  *operations.Manager
	orch *orchestrator.Orchestrator
	bus  *bus.Bus
	docs *documents.Service
	dir  string
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestEnv(t *testing.T, initialize bool) *testEnv {
	t.Helper()
	root := t.TempDir()
	docsDir := filepath.Join(root, "docs")
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store, err := persistence.Open(filepath.Join(root, "operations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider, err := otel.Init(context.Background(), otel.Config{}, "v-test")
	if err != nil {
		t.Fatalf("otel: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	b := bus.New()
	mgr := operations.NewManager(store, operations.Config{Bus: b, Metrics: metrics})
	orch := orchestrator.New(orchestrator.Config{})
	t.Cleanup(func() { orch.Drain(2 * time.Second) })
	docs, err := documents.NewService(documents.Config{
		Operations:        mgr,
		Runner:            orch,
		Indexer:           index.New(index.Config{}),
		TargetDirectories: []string{docsDir},
		Bus:               b,
	})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if initialize {
		if err := docs.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}

	srv, err := gateway.New(gateway.Config{
		Operations:        mgr,
		Tasks:             orch,
		Documents:         docs,
		Bus:               b,
		AuthToken:         testAuthToken,
		ConfigFingerprint: "cfg-test",
		Settings: gateway.Settings{
			Version:           "v-test",
			TargetDirectories: []string{docsDir},
			FileExtensions:    []string{".txt", ".md"},
			SweepSchedule:     "@hourly",
		},
		Telemetry: provider,
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, mgr: mgr, orch: orch, bus: b, docs: docs, dir: docsDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authenticated bool) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s: %v", path, err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+testAuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func (e *testEnv) waitStatus(t *testing.T, id string, want operations.Status) {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool {
		op, err := e.mgr.Get(context.Background(), id)
		return err == nil && op.Status == want
	})
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t, true)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "healthy" || body["db_ok"] != true || body["ready"] != true {
		t.Fatalf("unexpected health payload %v", body)
	}
	if body["config_hash"] != "cfg-test" {
		t.Fatalf("config_hash = %v", body["config_hash"])
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("missing X-Trace-ID response header")
	}
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, true)
	resp, body := env.do(t, http.MethodGet, "/api/operations", nil, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body["success"] != false {
		t.Fatalf("unexpected body %v", body)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/operations", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestListOperations_ValidatesQuery(t *testing.T) {
	env := newTestEnv(t, true)
	if resp, _ := env.do(t, http.MethodGet, "/api/operations?status=bogus", nil, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status: got %d, want 400", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/operations?limit=abc", nil, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit: got %d, want 400", resp.StatusCode)
	}
}

func TestListOperations_FiltersAndCounts(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	first, _ := env.mgr.Create(ctx, "refresh_index", nil)
	if _, err := env.mgr.Create(ctx, "refresh_index", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.mgr.Cancel(ctx, first); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/api/operations?status=cancelled", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
	ops := body["operations"].([]any)
	if ops[0].(map[string]any)["id"] != first {
		t.Fatalf("unexpected operation %v", ops[0])
	}

	_, body = env.do(t, http.MethodGet, "/api/operations?limit=1", nil, true)
	if body["count"] != float64(1) {
		t.Fatalf("limit not applied: %v", body["count"])
	}
}

func TestGetOperation_NotFound(t *testing.T) {
	env := newTestEnv(t, true)
	resp, body := env.do(t, http.MethodGet, "/api/operations/refresh_index-00000000", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["error"] != "Operation refresh_index-00000000 not found" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestRefresh_PollUntilCompleted(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, "guide.md", "Cancellation is cooperative. Work stops at the next checkpoint.")

	resp, body := env.do(t, http.MethodPost, "/api/documents/refresh", nil, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	id, _ := body["operation_id"].(string)
	if !strings.HasPrefix(id, "refresh_index-") || body["status"] != "pending" {
		t.Fatalf("unexpected start payload %v", body)
	}

	var op map[string]any
	waitFor(t, 3*time.Second, func() bool {
		_, got := env.do(t, http.MethodGet, "/api/operations/"+id, nil, true)
		op, _ = got["operation"].(map[string]any)
		return op != nil && op["status"] == "completed"
	})
	if op["operation_type"] != "refresh_index" {
		t.Fatalf("operation_type = %v", op["operation_type"])
	}
	if _, ok := op["completed_at"].(float64); !ok {
		t.Fatalf("completed_at not an epoch number: %v", op["completed_at"])
	}
	result, _ := op["result"].(map[string]any)
	if result["document_count"] != float64(1) {
		t.Fatalf("result = %v", op["result"])
	}

	_, events := env.do(t, http.MethodGet, "/api/operations/"+id+"/events", nil, true)
	list, _ := events["events"].([]any)
	if len(list) == 0 {
		t.Fatal("expected transition events")
	}
	last := list[len(list)-1].(map[string]any)
	if last["state_to"] != "completed" {
		t.Fatalf("last event = %v", last)
	}

	_, search := env.do(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "checkpoint", "top_k": 3}, true)
	if search["count"] != float64(1) {
		t.Fatalf("search = %v", search)
	}
	hit := search["results"].([]any)[0].(map[string]any)
	if !strings.HasSuffix(hit["document"].(string), "guide.md") {
		t.Fatalf("hit = %v", hit)
	}
}

func TestAddDocuments_RequestValidation(t *testing.T) {
	env := newTestEnv(t, true)
	cases := map[string]any{
		"wrong type":     map[string]any{"file_paths": "a.txt"},
		"missing field":  map[string]any{},
		"empty list":     map[string]any{"file_paths": []string{}},
		"malformed json": "{",
		"no valid paths": map[string]any{"file_paths": []string{filepath.Join(env.dir, "absent.txt")}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, out := env.do(t, http.MethodPost, "/api/documents/add", body, true)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%v)", resp.StatusCode, out)
			}
		})
	}
}

func TestAddDocuments_Completes(t *testing.T) {
	env := newTestEnv(t, true)
	a := env.write(t, "a.txt", "Alpha.")
	b := env.write(t, "b.txt", "Beta.")
	resp, body := env.do(t, http.MethodPost, "/api/documents/add", map[string]any{"file_paths": []string{a, b}}, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d (%v)", resp.StatusCode, body)
	}
	id := body["operation_id"].(string)
	env.waitStatus(t, id, operations.StatusCompleted)
	op, _ := env.mgr.Get(context.Background(), id)
	if op.ProcessedItems != 2 || op.TotalItems == nil || *op.TotalItems != 2 {
		t.Fatalf("counters = %d/%v", op.ProcessedItems, op.TotalItems)
	}
}

func TestScan_ReportsUnindexedFiles(t *testing.T) {
	env := newTestEnv(t, true)
	a := env.write(t, "a.txt", "Alpha.")
	env.write(t, "skip.bin", "binary")

	resp, body := env.do(t, http.MethodGet, "/api/documents/scan", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, body)
	}
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1 (%v)", body["count"], body)
	}
	unindexed, _ := body["unindexed"].([]any)
	if len(unindexed) != 1 || unindexed[0] != a {
		t.Fatalf("unindexed = %v, want [%s]", unindexed, a)
	}

	_, started := env.do(t, http.MethodPost, "/api/documents/add", map[string]any{"file_paths": []string{a}}, true)
	env.waitStatus(t, started["operation_id"].(string), operations.StatusCompleted)

	_, body = env.do(t, http.MethodGet, "/api/documents/scan", nil, true)
	if unindexed, _ := body["unindexed"].([]any); len(unindexed) != 0 {
		t.Fatalf("unindexed after add = %v", unindexed)
	}
}

func TestScan_NotReady(t *testing.T) {
	env := newTestEnv(t, false)
	if resp, _ := env.do(t, http.MethodGet, "/api/documents/scan", nil, true); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("scan before ready: %d, want 503", resp.StatusCode)
	}
}

func TestSystemConfig_OmitsSecrets(t *testing.T) {
	env := newTestEnv(t, true)
	if resp, _ := env.do(t, http.MethodGet, "/api/system/config", nil, false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: %d, want 401", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodGet, "/api/system/config", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, body)
	}
	cfg, _ := body["config"].(map[string]any)
	if cfg["version"] != "v-test" || cfg["sweep_schedule"] != "@hourly" {
		t.Fatalf("config = %v", cfg)
	}
	if dirs, _ := cfg["target_directories"].([]any); len(dirs) != 1 || dirs[0] != env.dir {
		t.Fatalf("target_directories = %v", cfg["target_directories"])
	}
	if body["cleanup_after_hours"] != float64(24) {
		t.Fatalf("cleanup_after_hours = %v", body["cleanup_after_hours"])
	}
	env.mgr.SetRetentionAge(2 * time.Hour)
	if _, body = env.do(t, http.MethodGet, "/api/system/config", nil, true); body["cleanup_after_hours"] != float64(2) {
		t.Fatalf("retention not read live: %v", body["cleanup_after_hours"])
	}
	raw, _ := json.Marshal(body)
	if strings.Contains(string(raw), testAuthToken) {
		t.Fatalf("config leaks the auth token: %s", raw)
	}
}

func TestSystemMetrics_CountsTransitionsAndRequests(t *testing.T) {
	env := newTestEnv(t, true)
	env.write(t, "a.txt", "Alpha.")
	_, started := env.do(t, http.MethodPost, "/api/documents/refresh", nil, true)
	env.waitStatus(t, started["operation_id"].(string), operations.StatusCompleted)

	resp, body := env.do(t, http.MethodGet, "/api/system/metrics", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, body)
	}
	metrics, _ := body["metrics"].(map[string]any)
	transitions, _ := metrics["transitions"].(map[string]any)
	if transitions["completed"] != float64(1) || transitions["pending"] != float64(1) {
		t.Fatalf("transitions = %v", transitions)
	}
	if requests, _ := metrics["requests"].(float64); requests < 1 {
		t.Fatalf("requests = %v", metrics["requests"])
	}
}

func TestSearch_Validation(t *testing.T) {
	env := newTestEnv(t, true)
	if resp, _ := env.do(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "   "}, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank query: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "x", "top_k": 0}, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("top_k=0: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "x", "top_k": 2.5}, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("fractional top_k: %d", resp.StatusCode)
	}
}

func TestDocuments_NotReady(t *testing.T) {
	env := newTestEnv(t, false)
	_, stats := env.do(t, http.MethodGet, "/api/documents/stats", nil, true)
	if stats["status"] != "not_ready" {
		t.Fatalf("stats = %v", stats)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/documents/refresh", nil, true); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("refresh before ready: %d, want 503", resp.StatusCode)
	}
}

func TestCancelOperation(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	if resp, _ := env.do(t, http.MethodPost, "/api/operations/add_documents-ffffffff/cancel", nil, true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing id: %d, want 404", resp.StatusCode)
	}

	id, err := env.mgr.Create(ctx, "add_documents", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp, body := env.do(t, http.MethodPost, "/api/operations/"+id+"/cancel", nil, true)
	if resp.StatusCode != http.StatusOK || body["cancelled"] != true {
		t.Fatalf("cancel pending: %d %v", resp.StatusCode, body)
	}
	if body["message"] != "Operation "+id+" cancelled" {
		t.Fatalf("message = %v", body["message"])
	}

	// Cancelling again is not an error and leaves the record untouched.
	before, _ := env.mgr.Get(ctx, id)
	resp, body = env.do(t, http.MethodPost, "/api/operations/"+id+"/cancel", nil, true)
	if resp.StatusCode != http.StatusOK || body["cancelled"] != false {
		t.Fatalf("cancel terminal: %d %v", resp.StatusCode, body)
	}
	after, _ := env.mgr.Get(ctx, id)
	if !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Fatal("completed_at changed on repeated cancel")
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	done, _ := env.mgr.Create(ctx, "refresh_index", nil)
	if _, err := env.mgr.Cancel(ctx, done); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	pending, _ := env.mgr.Create(ctx, "refresh_index", nil)

	if resp, _ := env.do(t, http.MethodPost, "/api/operations/cleanup?hours=-1", nil, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative hours: %d", resp.StatusCode)
	}
	// Default retention keeps fresh records.
	_, body := env.do(t, http.MethodPost, "/api/operations/cleanup", nil, true)
	if body["deleted"] != float64(0) {
		t.Fatalf("default cleanup deleted %v", body["deleted"])
	}
	_, body = env.do(t, http.MethodPost, "/api/operations/cleanup?hours=0", nil, true)
	if body["deleted"] != float64(1) {
		t.Fatalf("hours=0 deleted %v, want 1", body["deleted"])
	}
	if _, err := env.mgr.Get(ctx, pending); err != nil {
		t.Fatalf("pending record removed: %v", err)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })
	env := newTestEnv(t, true)

	id, err := env.mgr.Create(context.Background(), "refresh_index", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.do(t, http.MethodPost, "/api/operations/"+id+"/cancel", nil, true)
	env.do(t, http.MethodPost, "/api/operations/cleanup?hours=0", nil, true)
	env.do(t, http.MethodPost, "/api/operations/cleanup", nil, false)

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 audit entries, got %d:\n%s", len(lines), raw)
	}
	wants := []struct{ decision, action string }{
		{"allow", "operations.cancel"},
		{"allow", "operations.cleanup"},
		{"deny", "api.request"},
	}
	for i, want := range wants {
		var e map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &e); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if e["decision"] != want.decision || e["action"] != want.action {
			t.Fatalf("entry %d = %v, want %s %s", i, e, want.decision, want.action)
		}
	}
}

func TestOperationStream_PushesStateChanges(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/operations"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAuthToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, 2*time.Second, func() bool { return env.bus.SubscriberCount() > 0 })

	_, body := env.do(t, http.MethodPost, "/api/documents/refresh", nil, true)
	id := body["operation_id"].(string)

	seen := map[string]bool{}
	for !seen["completed"] {
		var msg struct {
			Type string `json:"type"`
			Data struct {
				OperationID string `json:"operation_id"`
				NewStatus   string `json:"new_status"`
			} `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		if msg.Type != "state_changed" || msg.Data.OperationID != id {
			continue
		}
		seen[msg.Data.NewStatus] = true
	}
	if !seen["running"] {
		t.Fatalf("running transition not streamed: %v", seen)
	}
}

func TestOperationStream_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/operations"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}
