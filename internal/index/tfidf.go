package index

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those",
		"from", "up", "down", "over", "under", "so", "such", "into", "about", "can", "will", "just", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, tok := range raw {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func termFrequencies(text string) map[string]int {
	tf := make(map[string]int)
	for _, tok := range tokenize(text) {
		tf[tok]++
	}
	return tf
}

// Result is a scored chunk.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// rank scores every chunk against query with smoothed TF-IDF cosine
// similarity and returns the topK best, highest first. Ties break on chunk id.
func rank(chunks []Chunk, freqs []map[string]int, df map[string]int, query string, topK int) []Result {
	if topK <= 0 {
		topK = 5
	}
	n := float64(len(chunks))
	idf := func(term string) float64 {
		return math.Log((1+n)/(1+float64(df[term]))) + 1
	}

	queryVec := map[string]float64{}
	for term, count := range termFrequencies(query) {
		queryVec[term] = float64(count) * idf(term)
	}
	qNorm := norm(queryVec)
	if qNorm == 0 {
		return []Result{}
	}

	results := make([]Result, 0, len(chunks))
	for i, chunk := range chunks {
		var dot, docNormSq float64
		for term, count := range freqs[i] {
			w := float64(count) * idf(term)
			docNormSq += w * w
			dot += w * queryVec[term]
		}
		if dot == 0 || docNormSq == 0 {
			continue
		}
		results = append(results, Result{Chunk: chunk, Score: dot / (qNorm * math.Sqrt(docNormSq))})
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].Chunk.ID < results[b].Chunk.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func norm(v map[string]float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
