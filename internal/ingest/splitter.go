package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultChunkTokens   = 1000
	defaultOverlapTokens = 200
)

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+\s*|[^.!?]+$`)

// Splitter cuts page text into token-bounded passages. Boundaries fall on
// sentence ends where possible, with a token overlap carried between
// consecutive passages so context survives the cut.
type Splitter struct {
	encoding      *tiktoken.Tiktoken
	chunkTokens   int
	overlapTokens int
}

func NewSplitter(chunkTokens, overlapTokens int) (*Splitter, error) {
	if chunkTokens <= 0 {
		chunkTokens = defaultChunkTokens
	}
	if overlapTokens < 0 || overlapTokens >= chunkTokens {
		overlapTokens = defaultOverlapTokens
	}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load token encoding: %w", err)
	}
	return &Splitter{
		encoding:      encoding,
		chunkTokens:   chunkTokens,
		overlapTokens: overlapTokens,
	}, nil
}

func (s *Splitter) countTokens(text string) int {
	return len(s.encoding.Encode(text, nil, nil))
}

// Split returns passages of at most chunkTokens tokens each. Empty input
// yields no passages.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.countTokens(text) <= s.chunkTokens {
		return []string{text}
	}

	sentences := sentencePattern.FindAllString(text, -1)
	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		part := strings.TrimSpace(strings.Join(current, ""))
		if part != "" {
			chunks = append(chunks, part)
		}
		current, currentTokens = s.overlapTail(current)
	}

	for _, sentence := range sentences {
		n := s.countTokens(sentence)
		if n > s.chunkTokens {
			if len(current) > 0 {
				flush()
			}
			hard := s.hardSplit(sentence)
			chunks = append(chunks, hard...)
			current = []string{hard[len(hard)-1]}
			current, currentTokens = s.overlapTail(current)
			continue
		}
		if currentTokens+n > s.chunkTokens && len(current) > 0 {
			flush()
		}
		current = append(current, sentence)
		currentTokens += n
	}
	if part := strings.TrimSpace(strings.Join(current, "")); part != "" {
		// skip a trailing chunk that is pure overlap of the previous one
		if len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], part) {
			chunks = append(chunks, part)
		}
	}
	return chunks
}

// overlapTail keeps trailing sentences worth up to overlapTokens tokens as
// the seed of the next passage.
func (s *Splitter) overlapTail(sentences []string) ([]string, int) {
	if s.overlapTokens <= 0 || len(sentences) == 0 {
		return nil, 0
	}
	var tail []string
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		n := s.countTokens(sentences[i])
		if total+n > s.overlapTokens {
			break
		}
		tail = append([]string{sentences[i]}, tail...)
		total += n
	}
	return tail, total
}

// hardSplit slices a single over-long sentence on raw token windows.
func (s *Splitter) hardSplit(sentence string) []string {
	tokens := s.encoding.Encode(sentence, nil, nil)
	step := s.chunkTokens - s.overlapTokens
	if step <= 0 {
		step = s.chunkTokens
	}
	var parts []string
	for start := 0; start < len(tokens); start += step {
		end := start + s.chunkTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		part := strings.TrimSpace(s.encoding.Decode(tokens[start:end]))
		if part != "" {
			parts = append(parts, part)
		}
		if end == len(tokens) {
			break
		}
	}
	return parts
}
