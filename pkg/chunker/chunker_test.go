package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("create chunker: %v", err)
	}
	return c
}

func TestCountTokensNonZero(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)
	if n := c.CountTokens("the quick brown fox jumps over the lazy dog"); n == 0 {
		t.Error("token count of non-empty text is zero")
	}
	if n := c.CountTokens(""); n != 0 {
		t.Errorf("token count of empty text = %d", n)
	}
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)
	chunks := c.Split("a short document", "doc1")

	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Text != "a short document" {
		t.Errorf("text = %q", chunks[0].Text)
	}
	if chunks[0].Index != 0 || chunks[0].SourceID != "doc1" {
		t.Errorf("chunk metadata = %+v", chunks[0])
	}
}

func TestSplitEmptyText(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)
	if chunks := c.Split("   \n ", "doc1"); chunks != nil {
		t.Errorf("whitespace-only text produced %d chunks", len(chunks))
	}
}

func TestSplitRespectsMaxChunkSize(t *testing.T) {
	c := newTestChunker(t, Config{
		MaxChunkSize:    50,
		MinChunkSize:    10,
		ChunkOverlap:    5,
		MaxChunksPerDoc: 100,
	})

	para := "The deployment pipeline runs nightly and publishes artifacts to the internal registry. "
	text := strings.Repeat(para+"\n\n", 30)

	chunks := c.Split(text, "doc1")
	if len(chunks) < 2 {
		t.Fatalf("long text produced only %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 50 {
			t.Errorf("chunk %d has %d tokens, limit 50", i, ch.TokenCount)
		}
		if ch.Index != i {
			t.Errorf("chunk %d carries index %d", i, ch.Index)
		}
	}
}

func TestSplitCapsChunkCount(t *testing.T) {
	c := newTestChunker(t, Config{
		MaxChunkSize:    20,
		MinChunkSize:    5,
		ChunkOverlap:    2,
		MaxChunksPerDoc: 3,
	})

	text := strings.Repeat("Sentence about the release process goes here. \n\n", 50)
	chunks := c.Split(text, "doc1")

	if len(chunks) > 3 {
		t.Errorf("chunks = %d, cap 3", len(chunks))
	}
}

func TestSplitUnbrokenText(t *testing.T) {
	c := newTestChunker(t, Config{
		MaxChunkSize:    30,
		MinChunkSize:    5,
		ChunkOverlap:    5,
		MaxChunksPerDoc: 100,
	})

	// No separators at all forces the character-level split path.
	text := strings.Repeat("x", 2000)
	chunks := c.Split(text, "doc1")

	if len(chunks) < 2 {
		t.Fatalf("unbroken text produced only %d chunks", len(chunks))
	}
}

func TestSplitUnbrokenMultibyteText(t *testing.T) {
	c := newTestChunker(t, Config{
		MaxChunkSize:    30,
		MinChunkSize:    5,
		ChunkOverlap:    5,
		MaxChunksPerDoc: 100,
	})

	// Separator-free multibyte text exercises the hard-split path; every
	// chunk must still be valid UTF-8.
	text := strings.Repeat("日本語のテキスト", 300)
	chunks := c.Split(text, "doc1")

	if len(chunks) < 2 {
		t.Fatalf("unbroken text produced only %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if !utf8.ValidString(ch.Text) {
			t.Errorf("chunk %d was split mid-rune", i)
		}
	}
}

func TestFitToContextWholeChunks(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)

	chunks := []Chunk{
		{Text: "a", Index: 0, TokenCount: 100},
		{Text: "b", Index: 1, TokenCount: 100},
		{Text: "c", Index: 2, TokenCount: 100},
	}

	got := c.FitToContext(chunks, 250)
	// Two whole chunks fit; 50 tokens of budget remain, under
	// MinChunkSize, so no partial third chunk.
	if len(got) != 2 {
		t.Fatalf("fit = %d chunks, want 2", len(got))
	}
	if got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("fit kept wrong chunks: %+v", got)
	}
}

func TestFitToContextPartialChunk(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)

	long := strings.Repeat("release notes for the quarterly deployment window ", 100)
	chunks := []Chunk{
		{Text: long, Index: 0, TokenCount: c.CountTokens(long)},
	}

	got := c.FitToContext(chunks, 150)
	if len(got) != 1 {
		t.Fatalf("fit = %d chunks, want 1 partial", len(got))
	}
	if len(got[0].Text) >= len(long) {
		t.Error("partial chunk was not truncated")
	}
}

func TestFitToContextPartialKeepsRunesWhole(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)

	long := strings.Repeat("国際化対応のリリースノート ", 200)
	chunks := []Chunk{{Text: long, Index: 0, TokenCount: c.CountTokens(long)}}

	got := c.FitToContext(chunks, 150)
	if len(got) != 1 {
		t.Fatalf("fit = %d chunks, want 1 partial", len(got))
	}
	if !utf8.ValidString(got[0].Text) {
		t.Error("partial chunk was cut mid-rune")
	}
}

func TestFitToContextEmptyBudget(t *testing.T) {
	c := newTestChunker(t, DefaultConfig)
	chunks := []Chunk{{Text: "a", TokenCount: 100}}

	if got := c.FitToContext(chunks, 0); len(got) != 0 {
		t.Errorf("zero budget returned %d chunks", len(got))
	}
}
