package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/basket/docsearch/internal/documents"
	"github.com/basket/docsearch/internal/orchestrator"
)

const defaultTopK = 10

type addDocumentsRequest struct {
	FilePaths []string `json:"file_paths"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchHit struct {
	Document string  `json:"document"`
	ChunkID  string  `json:"chunk_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	started, err := s.cfg.Documents.RefreshIndex(r.Context())
	if err != nil {
		s.startError(w, r, "refresh index", err)
		return
	}
	writeStarted(w, started)
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var req addDocumentsRequest
	if !decodeValidated(w, r, s.schemas.addDocuments, &req) {
		return
	}
	if len(req.FilePaths) == 0 {
		writeError(w, http.StatusBadRequest, "No file paths provided")
		return
	}
	started, err := s.cfg.Documents.AddDocuments(r.Context(), req.FilePaths)
	if err != nil {
		s.startError(w, r, "add documents", err)
		return
	}
	writeStarted(w, started)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Documents.Ready() {
		writeError(w, http.StatusServiceUnavailable, documents.ErrNotReady.Error())
		return
	}
	var req searchRequest
	if !decodeValidated(w, r, s.schemas.search, &req) {
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query cannot be empty")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	results := s.cfg.Documents.Search(query, topK)
	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			Document: res.Chunk.Document,
			ChunkID:  res.Chunk.ID,
			Text:     res.Chunk.Text,
			Score:    res.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"query":   query,
		"results": hits,
		"count":   len(hits),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Documents.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "not_ready", "document_count": 0})
		return
	}
	payload := s.cfg.Documents.Stats().Map()
	payload["status"] = "ready"
	payload["target_directories"] = s.cfg.Documents.TargetDirectories()
	writeJSON(w, http.StatusOK, payload)
}

// handleScan lists indexable files under the target directories and which
// of them the index does not hold yet.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	files, err := s.cfg.Documents.Scan(r.Context())
	if err != nil {
		s.startError(w, r, "scan", err)
		return
	}
	indexed := map[string]struct{}{}
	for _, path := range s.cfg.Documents.Documents() {
		indexed[path] = struct{}{}
	}
	unindexed := []string{}
	for _, path := range files {
		if _, ok := indexed[path]; !ok {
			unindexed = append(unindexed, path)
		}
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"files":     files,
		"count":     len(files),
		"unindexed": unindexed,
	})
}

func writeStarted(w http.ResponseWriter, started documents.Started) {
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"operation_id": started.OperationID,
		"message":      started.Message,
		"status":       started.Status,
	})
}

func (s *Server) startError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, documents.ErrNotReady), errors.Is(err, orchestrator.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, documents.ErrNoValidPaths):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, op, err)
	}
}
