//go:build ignore

// sigkill_chaos verifies what survives a hard crash. It builds the daemon,
// starts it, writes a running operation straight into SQLite, SIGKILLs the
// daemon, restarts it, and checks that:
//   - the database is not corrupted (PRAGMA integrity_check)
//   - the running record is still running: nothing resumes or rewrites it
//   - the API can still cancel the orphaned record
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/docsearch/internal/persistence"
)

const (
	orphanID  = "refresh_index-c4a05c4a"
	authToken = "chaos-test-token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "docsearch")

	fmt.Println("BUILD docsearch binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/docsearch")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf("bind_addr: %q\nauth_token: %q\n", addr, authToken)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	daemonEnv := append(os.Environ(), "DOCSEARCH_HOME="+home)

	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath, "-daemon")
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Println("WAIT for /healthz...")
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	dbPath := filepath.Join(home, "operations.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("open store: %w", err)
	}
	now := time.Now()
	if err := store.InsertOperation(ctx, persistence.Operation{
		ID: orphanID, Type: "refresh_index", Status: persistence.OperationPending,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		store.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("insert operation: %w", err)
	}
	running := persistence.OperationRunning
	if _, err := store.UpdateOperation(ctx, orphanID, []persistence.OperationStatus{persistence.OperationPending}, persistence.OperationPatch{
		Status: &running, StartedAt: &now, UpdatedAt: now,
	}); err != nil {
		store.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("start operation: %w", err)
	}
	store.Close()
	fmt.Printf("RUNNING operation %s\n", orphanID)

	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	time.Sleep(500 * time.Millisecond)

	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath, "-daemon")
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	status, err := operationStatus(addr, orphanID)
	if err != nil {
		return err
	}
	fmt.Printf("ORPHAN operation %s status=%s\n", orphanID, status)
	if status != string(persistence.OperationRunning) {
		return fmt.Errorf("expected %s to stay running after restart, got %s", orphanID, status)
	}

	if err := post(addr, "/api/operations/"+orphanID+"/cancel"); err != nil {
		return err
	}
	status, err = operationStatus(addr, orphanID)
	if err != nil {
		return err
	}
	fmt.Printf("CANCELLED operation %s status=%s\n", orphanID, status)
	if status != string(persistence.OperationCancelled) {
		return fmt.Errorf("expected %s to be cancelled, got %s", orphanID, status)
	}

	store2, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer store2.Close()
	var integrityResult string
	if err := store2.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func operationStatus(addr, id string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/operations/%s", addr, id), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get operation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get operation: HTTP %d", resp.StatusCode)
	}
	var body struct {
		Operation struct {
			Status string `json:"status"`
		} `json:"operation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode operation: %w", err)
	}
	return body.Operation.Status, nil
}

func post(addr, path string) error {
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: HTTP %d", path, resp.StatusCode)
	}
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
