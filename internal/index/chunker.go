package index

import (
	"regexp"
	"strconv"
	"strings"
)

var sentencePattern = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)

// Chunk is a run of consecutive sentences from one document.
type Chunk struct {
	ID       string `json:"id"`
	Document string `json:"document"`
	Text     string `json:"text"`
	Ordinal  int    `json:"ordinal"`
}

// chunkSentences splits content into chunks of perChunk sentences where
// consecutive chunks share overlap sentences. Text without sentence
// punctuation becomes a single chunk.
func chunkSentences(docPath, content string, perChunk, overlap int) []Chunk {
	if perChunk <= 0 {
		perChunk = 5
	}
	if overlap < 0 || overlap >= perChunk {
		overlap = 0
	}
	sentences := sentencePattern.FindAllString(content, -1)
	if tail := trailingText(content, sentences); tail != "" {
		sentences = append(sentences, tail)
	}
	cleaned := sentences[:0]
	for _, s := range sentences {
		if s = strings.Join(strings.Fields(s), " "); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	var chunks []Chunk
	for start, ordinal := 0, 0; start < len(cleaned); ordinal++ {
		end := min(start+perChunk, len(cleaned))
		chunks = append(chunks, Chunk{
			ID:       docPath + ":" + strconv.Itoa(ordinal),
			Document: docPath,
			Text:     strings.Join(cleaned[start:end], " "),
			Ordinal:  ordinal,
		})
		if end == len(cleaned) {
			break
		}
		start = end - overlap
	}
	return chunks
}

// trailingText returns content after the last terminated sentence.
func trailingText(content string, sentences []string) string {
	consumed := 0
	for _, s := range sentences {
		idx := strings.Index(content[consumed:], s)
		if idx < 0 {
			break
		}
		consumed += idx + len(s)
	}
	return strings.TrimSpace(content[consumed:])
}
