package smoke

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeDocs(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestSmoke_RefreshIsTrackedEndToEnd(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	docs := t.TempDir()
	writeDocs(t, docs, map[string]string{
		"alpha.txt": "Long running operations report progress. Clients poll the status endpoint.",
		"beta.md":   "The retention sweeper removes finished records. Pending work is never swept.",
	})
	writeConfig(t, home, "indexing:\n  target_directories:\n    - "+docs+"\n")

	d := startDaemon(t, bin, home)

	code, body := d.api(t, http.MethodPost, "/api/documents/refresh", nil)
	if code != http.StatusAccepted {
		t.Fatalf("refresh: %d %v", code, body)
	}
	id, _ := body["operation_id"].(string)
	if !strings.HasPrefix(id, "refresh_index-") {
		t.Fatalf("unexpected operation id %q", id)
	}
	op := d.waitStatus(t, id, "completed")
	result, _ := op["result"].(map[string]any)
	if result["document_count"] != float64(2) {
		t.Fatalf("expected 2 documents in result, got %v", result)
	}

	code, body = d.api(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "retention sweeper", "top_k": 1})
	if code != http.StatusOK {
		t.Fatalf("search: %d %v", code, body)
	}

	statusOut, err := d.cli(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, statusOut)
	}
	var health map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(statusOut)), &health); err != nil {
		t.Fatalf("status output not JSON: %v\n%s", err, statusOut)
	}
	if health["status"] != "healthy" || health["ready"] != true {
		t.Fatalf("unexpected health: %v", health)
	}

	listOut, err := d.cli(t, "ops", "list", "-status", "completed")
	if err != nil {
		t.Fatalf("ops list failed: %v\n%s", err, listOut)
	}
	if !strings.Contains(listOut, id) {
		t.Fatalf("ops list missing %s:\n%s", id, listOut)
	}

	// Records survive a restart.
	d.stop(t)
	d2 := startDaemon(t, bin, home)
	code, body = d2.api(t, http.MethodGet, "/api/operations/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get after restart: %d %v", code, body)
	}
}

func TestSmoke_CancelViaCLI(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	d := startDaemon(t, bin, home)

	// A nonexistent path yields a 400 and no operation.
	code, _ := d.api(t, http.MethodPost, "/api/documents/add", map[string]any{"file_paths": []string{"/does/not/exist.txt"}})
	if code != http.StatusBadRequest {
		t.Fatalf("add missing path: %d, want 400", code)
	}

	out, err := d.cli(t, "ops", "cancel", "refresh_index-00000000")
	if err == nil || !strings.Contains(out, "not found") {
		t.Fatalf("cancel unknown id should fail with not found: err=%v out=%s", err, out)
	}
}

func TestSmoke_RetentionSweepsFinishedRecords(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	writeConfig(t, home, "operations:\n  cleanup_after_hours: 0\n  sweep_schedule: \"@every 1s\"\n")
	d := startDaemon(t, bin, home)

	code, body := d.api(t, http.MethodPost, "/api/documents/refresh", nil)
	if code != http.StatusAccepted {
		t.Fatalf("refresh: %d %v", code, body)
	}
	id := body["operation_id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if code, _ := d.api(t, http.MethodGet, "/api/operations/"+id, nil); code == http.StatusNotFound {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("finished operation %s was never swept\noutput=%s", id, d.out.String())
}
