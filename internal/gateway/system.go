package gateway

import (
	"net/http"
)

// Settings is the configuration a client may read. Secrets and the bind
// address are left out.
type Settings struct {
	Version             string   `json:"version"`
	TargetDirectories   []string `json:"target_directories"`
	FileExtensions      []string `json:"file_extensions"`
	SentencesPerChunk   int      `json:"sentences_per_chunk"`
	OverlapSentences    int      `json:"overlap_sentences"`
	SweepSchedule       string   `json:"sweep_schedule"`
	BlockingWorkers     int      `json:"blocking_workers"`
	DrainTimeoutSeconds int      `json:"drain_timeout_seconds"`
}

func (s *Server) handleSystemConfig(w http.ResponseWriter, _ *http.Request) {
	settings := s.cfg.Settings
	if settings.TargetDirectories == nil {
		settings.TargetDirectories = []string{}
	}
	if settings.FileExtensions == nil {
		settings.FileExtensions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"config":  settings,
		// Retention is reloadable, so it is read live.
		"cleanup_after_hours": s.cfg.Operations.RetentionAge().Hours(),
		"config_hash":         s.cfg.ConfigFingerprint,
	})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	totals, err := s.cfg.Telemetry.Totals(r.Context())
	if err != nil {
		s.internalError(w, r, "metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"metrics": totals,
	})
}
