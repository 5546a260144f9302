package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/docsearch/internal/config"
	"github.com/basket/docsearch/internal/persistence"
	"github.com/basket/docsearch/internal/retention"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// HealthProbe fetches the running daemon's /healthz payload.
type HealthProbe func(ctx context.Context) (map[string]any, error)

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. probe may be nil, in which case the
// daemon is treated as not running.
func Run(ctx context.Context, cfg *config.Config, version string, probe HealthProbe) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	daemon, daemonUp := checkDaemon(ctx, cfg, probe)
	d.Results = append(d.Results,
		checkConfig(ctx, cfg),
		checkPermissions(ctx, cfg),
		checkDatabase(ctx, cfg, daemonUp),
		checkTargetDirectories(ctx, cfg),
		checkSweepSchedule(ctx, cfg),
		daemon,
	)
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if !cfg.FileExists {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml not found; using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkDatabase opens the operations store and summarizes it. Running records
// while no daemon is up are left over from a process that died mid-task; they
// are never resumed.
func checkDatabase(ctx context.Context, cfg *config.Config, daemonUp bool) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, _, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema check failed: %v", err)}
	}
	counts, err := store.CountOperations(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	detail := fmt.Sprintf("path=%s schema=v%d operations=%d", cfg.DBPath(), version, total)

	stale := counts[persistence.OperationRunning] + counts[persistence.OperationPending]
	if stale > 0 && !daemonUp {
		return CheckResult{
			Name:    "Database",
			Status:  "WARN",
			Message: fmt.Sprintf("%d unfinished operations with no daemon running", stale),
			Detail:  detail + "; they will not resume. Start the daemon and run `docsearch ops cancel <id>` to close them out",
		}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Store opened and schema current", Detail: detail}
}

func checkTargetDirectories(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Documents", Status: "SKIP", Message: "Config missing"}
	}
	dirs := cfg.Indexing.TargetDirectories
	if len(dirs) == 0 {
		return CheckResult{
			Name:    "Documents",
			Status:  "WARN",
			Message: "No target directories configured",
			Detail:  "Set indexing.target_directories in config.yaml; refresh has nothing to index",
		}
	}
	var problems []string
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s: %v", dir, err))
		case !info.IsDir():
			problems = append(problems, fmt.Sprintf("%s: not a directory", dir))
		}
	}
	if len(problems) > 0 {
		return CheckResult{
			Name:    "Documents",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d target directories unavailable", len(problems), len(dirs)),
			Detail:  strings.Join(problems, "; "),
		}
	}
	return CheckResult{Name: "Documents", Status: "PASS", Message: fmt.Sprintf("%d target directories readable", len(dirs))}
}

func checkSweepSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: "SKIP", Message: "Config missing"}
	}
	sched, err := retention.ParseSchedule(cfg.Operations.SweepSchedule)
	if err != nil {
		return CheckResult{Name: "Retention", Status: "FAIL", Message: err.Error()}
	}
	next := sched.Next(time.Now())
	msg := fmt.Sprintf("Finished operations older than %s are swept", cfg.RetentionAge())
	if cfg.RetentionAge() == 0 {
		msg = "Every finished operation is swept"
	}
	return CheckResult{
		Name:    "Retention",
		Status:  "PASS",
		Message: msg,
		Detail:  fmt.Sprintf("schedule=%q next=%s", cfg.Operations.SweepSchedule, next.Format(time.RFC3339)),
	}
}

func checkDaemon(ctx context.Context, cfg *config.Config, probe HealthProbe) (CheckResult, bool) {
	if cfg == nil || probe == nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "No health probe"}, false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	health, err := probe(probeCtx)
	latency := time.Since(start)
	if err != nil && len(health) == 0 {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: fmt.Sprintf("Not reachable at %s", cfg.BindAddr),
			Detail:  err.Error(),
		}, false
	}
	if err != nil {
		return CheckResult{
			Name:    "Daemon",
			Status:  "FAIL",
			Message: fmt.Sprintf("Unhealthy at %s", cfg.BindAddr),
			Detail:  err.Error(),
		}, true
	}
	return CheckResult{
		Name:    "Daemon",
		Status:  "PASS",
		Message: fmt.Sprintf("Healthy at %s (%dms)", cfg.BindAddr, latency.Milliseconds()),
		Detail:  fmt.Sprintf("live_tasks=%v ready=%v", health["live_tasks"], health["ready"]),
	}, true
}
