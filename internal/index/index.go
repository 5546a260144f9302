// Package index is the in-process document index behind the document
// service: sentence chunking plus a TF-IDF ranker held in memory. Its calls
// block and cannot be interrupted, like the embedding backends it stands in for.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrEmptyDocument   = errors.New("document has no indexable text")
)

type Config struct {
	Extensions        []string
	SentencesPerChunk int
	OverlapSentences  int
	MaxFileBytes      int64
}

type Stats struct {
	Documents   int       `json:"document_count"`
	Chunks      int       `json:"chunk_count"`
	Terms       int       `json:"term_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Map renders s as an operation result payload.
func (s Stats) Map() map[string]any {
	out := map[string]any{
		"document_count": s.Documents,
		"chunk_count":    s.Chunks,
		"term_count":     s.Terms,
	}
	if !s.LastUpdated.IsZero() {
		out["last_updated"] = float64(s.LastUpdated.UnixNano()) / 1e9
	}
	return out
}

type document struct {
	path   string
	chunks []Chunk
	freqs  []map[string]int
}

type Index struct {
	cfg Config

	mu          sync.RWMutex
	docs        map[string]*document
	df          map[string]int
	lastUpdated time.Time
}

func New(cfg Config) *Index {
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = []string{".txt", ".md"}
	}
	cfg.Extensions = make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Extensions = append(cfg.Extensions, ext)
	}
	if cfg.SentencesPerChunk <= 0 {
		cfg.SentencesPerChunk = 5
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 16 << 20
	}
	return &Index{cfg: cfg, docs: map[string]*document{}, df: map[string]int{}}
}

// Supported reports whether path has an indexable extension.
func (ix *Index) Supported(path string) bool {
	return slices.Contains(ix.cfg.Extensions, strings.ToLower(filepath.Ext(path)))
}

// Scan lists indexable files under dirs, sorted. Missing directories are skipped.
func (ix *Index) Scan(dirs []string) ([]string, error) {
	seen := map[string]struct{}{}
	var files []string
	for _, dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !ix.Supported(path) {
				return nil
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			if _, dup := seen[abs]; !dup {
				seen[abs] = struct{}{}
				files = append(files, abs)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Refresh rebuilds the index from every indexable file under dirs. Files
// that cannot be loaded are skipped; the rebuilt index replaces the old one
// in a single step.
func (ix *Index) Refresh(dirs []string) (Stats, error) {
	files, err := ix.Scan(dirs)
	if err != nil {
		return Stats{}, err
	}
	docs := make(map[string]*document, len(files))
	for _, path := range files {
		doc, err := ix.load(path)
		if err != nil {
			continue
		}
		docs[doc.path] = doc
	}
	df := map[string]int{}
	for _, doc := range docs {
		addDF(df, doc, 1)
	}

	ix.mu.Lock()
	ix.docs = docs
	ix.df = df
	ix.lastUpdated = time.Now()
	ix.mu.Unlock()
	return ix.Stats(), nil
}

// AddDocument loads and indexes one file, replacing an earlier copy of it.
func (ix *Index) AddDocument(path string) error {
	doc, err := ix.load(path)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.docs[doc.path]; ok {
		addDF(ix.df, old, -1)
	}
	ix.docs[doc.path] = doc
	addDF(ix.df, doc, 1)
	ix.lastUpdated = time.Now()
	return nil
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := Stats{Documents: len(ix.docs), Terms: len(ix.df), LastUpdated: ix.lastUpdated}
	for _, doc := range ix.docs {
		st.Chunks += len(doc.chunks)
	}
	return st
}

// Documents returns the indexed file paths, sorted.
func (ix *Index) Documents() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.docs))
	for path := range ix.docs {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Search returns the topK chunks most similar to query.
func (ix *Index) Search(query string, topK int) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var (
		chunks []Chunk
		freqs  []map[string]int
	)
	for _, doc := range ix.docs {
		chunks = append(chunks, doc.chunks...)
		freqs = append(freqs, doc.freqs...)
	}
	return rank(chunks, freqs, ix.df, query, topK)
}

func (ix *Index) load(path string) (*document, error) {
	if !ix.Supported(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFile)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, ErrUnsupportedFile)
	}
	if info.Size() > ix.cfg.MaxFileBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, ix.cfg.MaxFileBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	chunks := chunkSentences(abs, string(data), ix.cfg.SentencesPerChunk, ix.cfg.OverlapSentences)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyDocument)
	}
	doc := &document{path: abs, chunks: chunks, freqs: make([]map[string]int, len(chunks))}
	for i, c := range chunks {
		doc.freqs[i] = termFrequencies(c.Text)
	}
	return doc, nil
}

// addDF adjusts document frequencies by sign for every distinct term in
// each of doc's chunks.
func addDF(df map[string]int, doc *document, sign int) {
	for _, freq := range doc.freqs {
		for term := range freq {
			df[term] += sign
			if df[term] <= 0 {
				delete(df, term)
			}
		}
	}
}
