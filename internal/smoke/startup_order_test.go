package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	d := startDaemon(t, bin, home)
	d.stop(t)

	logPath := filepath.Join(home, "logs", "system.jsonl")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	shutdownLine := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "shutdown complete" {
			shutdownLine = lineNo
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"logger_ready",
		"store_opened",
		"index_ready",
		"retention_started",
		"ready",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, d.out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
	if shutdownLine <= phases["ready"] {
		t.Fatalf("expected shutdown complete after ready, got line %d", shutdownLine)
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildBinary(t)
	home := t.TempDir()
	writeConfig(t, home, "operations:\n  sweep_schedule: \"whenever\"\n")

	cmd := exec.Command(bin, "-daemon")
	cmd.Env = append(os.Environ(),
		"DOCSEARCH_HOME="+home,
		"DOCSEARCH_BIND_ADDR="+pickFreeAddr(t),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected startup failure for invalid sweep schedule")
	}

	combined := out.String()
	for _, want := range []string{
		`"reason_code":"E_CONFIG_LOAD"`,
		`"msg":"startup failure"`,
		`"component":"runtime"`,
		`"level":"ERROR"`,
	} {
		if !strings.Contains(combined, want) {
			t.Fatalf("expected %s in output\ncombined=%s", want, combined)
		}
	}
}
