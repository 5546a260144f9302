package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/docsearch/internal/config"
	"github.com/basket/docsearch/internal/opsclient"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(cfg config.Config) *opsclient.Client {
	return opsclient.New(cfg.BindAddr, cfg.AuthToken)
}

func TestWriteStartupFailure(t *testing.T) {
	var buf bytes.Buffer
	writeStartupFailure(&buf, "E_STORE_OPEN", `open "x.db": permission denied`)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("startup failure is not JSON: %v\n%s", err, buf.String())
	}
	if record["reason_code"] != "E_STORE_OPEN" {
		t.Fatalf("unexpected reason_code: %v", record["reason_code"])
	}
	if record["component"] != "runtime" || record["level"] != "ERROR" {
		t.Fatalf("unexpected record: %v", record)
	}
	if _, err := time.Parse(time.RFC3339Nano, record["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
}

func TestFatalStartupWrapsReasonCode(t *testing.T) {
	cause := errors.New("disk full")
	err := fatalStartup(slogDiscard(), "E_STORE_OPEN", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "E_STORE_OPEN") {
		t.Fatalf("expected reason code prefix, got %q", err.Error())
	}
}

func TestHumanAge(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 5 * time.Second, want: "5s ago"},
		{in: 3 * time.Minute, want: "3m ago"},
		{in: 5 * time.Hour, want: "5h ago"},
		{in: 72 * time.Hour, want: "3d ago"},
	}
	for _, tt := range tests {
		if got := humanAge(tt.in); got != tt.want {
			t.Errorf("humanAge(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHealthCounts(t *testing.T) {
	counts := healthCounts(map[string]any{
		"operations": map[string]any{"running": float64(2), "failed": float64(1), "bogus": "x"},
	})
	if counts["running"] != 2 || counts["failed"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if _, ok := counts["bogus"]; ok {
		t.Fatal("non-numeric counts should be skipped")
	}
	if len(healthCounts(nil)) != 0 {
		t.Fatal("nil health should yield no counts")
	}
}

func TestRunDoctorCommand(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	var out bytes.Buffer

	if code := runDoctorCommand(context.Background(), []string{"--bogus"}, &out); code != 2 {
		t.Fatalf("unknown flag: got exit code %d, want 2", code)
	}

	code := runDoctorCommand(context.Background(), []string{"-json"}, &out)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0:\n%s", code, out.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("doctor output is not JSON: %v", err)
	}
	if len(diag.Results) != 6 {
		t.Fatalf("expected 6 checks, got %+v", diag.Results)
	}
	for _, r := range diag.Results {
		if r.Name == "Daemon" && r.Status != "WARN" {
			t.Fatalf("expected unreachable daemon WARN, got %s", r.Status)
		}
	}
}
