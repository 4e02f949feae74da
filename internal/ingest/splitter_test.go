package ingest

import (
	"strings"
	"testing"
)

func newTestSplitter(t *testing.T, chunkTokens, overlapTokens int) *Splitter {
	t.Helper()
	s, err := NewSplitter(chunkTokens, overlapTokens)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	return s
}

func TestSplitEmptyText(t *testing.T) {
	s := newTestSplitter(t, 100, 20)
	if got := s.Split("   \n  "); got != nil {
		t.Fatalf("Split(blank) = %v, want nil", got)
	}
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := newTestSplitter(t, 100, 20)
	text := "The grid operator reported stable load. No outages were logged."
	got := s.Split(text)
	if len(got) != 1 {
		t.Fatalf("chunks = %d, want 1", len(got))
	}
	if got[0] != text {
		t.Fatalf("chunk = %q, want original text", got[0])
	}
}

func TestSplitRespectsTokenBudget(t *testing.T) {
	s := newTestSplitter(t, 50, 10)
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Sensors on the north array recorded a small voltage drift overnight. ")
	}
	chunks := s.Split(b.String())
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want multiple", len(chunks))
	}
	for i, chunk := range chunks {
		if n := s.countTokens(chunk); n > 50 {
			t.Fatalf("chunk %d has %d tokens, budget 50", i, n)
		}
	}
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	s := newTestSplitter(t, 50, 25)
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Sensors on the north array recorded a small voltage drift overnight. ")
	}
	chunks := s.Split(b.String())
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want multiple", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		first := strings.SplitN(chunks[i], ".", 2)[0]
		if !strings.Contains(chunks[i-1], first) {
			t.Fatalf("chunk %d does not begin inside chunk %d", i, i-1)
		}
	}
}

func TestSplitHardSplitsOverlongSentence(t *testing.T) {
	s := newTestSplitter(t, 30, 5)
	// one sentence, no boundary to cut on
	text := strings.Repeat("telemetry ", 200)
	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want multiple", len(chunks))
	}
	for i, chunk := range chunks {
		if n := s.countTokens(chunk); n > 30 {
			t.Fatalf("chunk %d has %d tokens, budget 30", i, n)
		}
	}
}

func TestNormalizeTextCollapsesWhitespace(t *testing.T) {
	got := normalizeText("  a\x00b\n\n  c\t d  ")
	want := "a b c d"
	if got != want {
		t.Fatalf("normalizeText = %q, want %q", got, want)
	}
}
