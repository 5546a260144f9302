// Package audit appends one JSON line per operator action to
// <home>/logs/audit.jsonl. Records are best effort: a failed write never
// fails the action being recorded.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/docsearch/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one entry. It is a no-op before Init apart from the deny counter.
func Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
		TraceID:   shared.TraceID(ctx),
	})
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
