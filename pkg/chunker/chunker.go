// Package chunker splits retrieved documents into token-bounded chunks
// for LLM context assembly. Splitting is recursive over a separator
// hierarchy so chunk boundaries fall on the most natural break available;
// only pathological runs of unbroken text get hard character splits.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"atlas/pkg/logx"
)

// separators is the split hierarchy, tried coarsest first.
var separators = []string{ //nolint:gochecknoglobals
	"\n\n\n",
	"\n\n",
	"\n",
	". ",
	"! ",
	"? ",
	"; ",
	", ",
	" ",
}

// Config tunes chunk sizing. Sizes are in tokens.
type Config struct {
	MaxChunkSize    int
	MinChunkSize    int
	ChunkOverlap    int
	MaxChunksPerDoc int
}

// DefaultConfig provides the standard chunk sizing.
var DefaultConfig = Config{ //nolint:gochecknoglobals
	MaxChunkSize:    512,
	MinChunkSize:    100,
	ChunkOverlap:    50,
	MaxChunksPerDoc: 20,
}

// Chunk is one token-bounded piece of a source document.
type Chunk struct {
	Text       string `json:"text"`
	Index      int    `json:"index"`
	TokenCount int    `json:"token_count"`
	SourceID   string `json:"source_id,omitempty"`
}

// Chunker splits text using exact token counts from the tiktoken codec.
type Chunker struct {
	config Config
	codec  tokenizer.Codec
	logger *logx.Logger
}

// New creates a chunker. All supported answer models approximate well
// with the GPT-4 encoding.
func New(cfg Config) (*Chunker, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("create tokenizer codec: %w", err)
	}
	return &Chunker{
		config: cfg,
		codec:  codec,
		logger: logx.NewLogger("chunker"),
	}, nil
}

// CountTokens returns the token count of text, falling back to a 4-chars
// per token estimate if the codec fails.
func (c *Chunker) CountTokens(text string) int {
	if c.codec == nil {
		return len(text) / 4
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Split breaks text into chunks of at most MaxChunkSize tokens. Adjacent
// fragments are greedily merged so chunks stay close to the maximum; the
// final fragment may fall below MinChunkSize. The chunk count is capped
// at MaxChunksPerDoc.
func (c *Chunker) Split(text, sourceID string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if c.CountTokens(text) <= c.config.MaxChunkSize {
		return []Chunk{{
			Text:       text,
			Index:      0,
			TokenCount: c.CountTokens(text),
			SourceID:   sourceID,
		}}
	}

	fragments := c.split(text, 0)
	merged := c.merge(fragments)

	if len(merged) > c.config.MaxChunksPerDoc {
		c.logger.Debug("document %s truncated from %d to %d chunks", sourceID, len(merged), c.config.MaxChunksPerDoc)
		merged = merged[:c.config.MaxChunksPerDoc]
	}

	chunks := make([]Chunk, len(merged))
	for i, m := range merged {
		chunks[i] = Chunk{
			Text:       m,
			Index:      i,
			TokenCount: c.CountTokens(m),
			SourceID:   sourceID,
		}
	}
	return chunks
}

// split recursively divides text at the coarsest separator that produces
// fragments under the limit.
func (c *Chunker) split(text string, sepIndex int) []string {
	if c.CountTokens(text) <= c.config.MaxChunkSize {
		return []string{text}
	}
	if sepIndex >= len(separators) {
		return c.forceSplit(text)
	}

	sep := separators[sepIndex]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return c.split(text, sepIndex+1)
	}

	// Re-attach the separator to keep sentence punctuation intact.
	var out []string
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i < len(parts)-1 {
			part += sep
		}
		if c.CountTokens(part) > c.config.MaxChunkSize {
			out = append(out, c.split(part, sepIndex+1)...)
		} else {
			out = append(out, part)
		}
	}
	return out
}

// forceSplit hard-splits text that contains no usable separator, carrying
// ChunkOverlap tokens of trailing context into each following piece.
func (c *Chunker) forceSplit(text string) []string {
	// Approximate characters per token for stepping through the text.
	total := c.CountTokens(text)
	if total == 0 {
		return nil
	}
	charsPerToken := len(text) / total
	if charsPerToken < 1 {
		charsPerToken = 1
	}

	step := (c.config.MaxChunkSize - c.config.ChunkOverlap) * charsPerToken
	size := c.config.MaxChunkSize * charsPerToken
	if step < 1 {
		step = 1
	}

	// Both cut points get aligned to rune boundaries so a hard split
	// never tears a multi-byte character.
	var out []string
	for start := 0; start < len(text); start += step {
		for start < len(text) && !utf8.RuneStart(text[start]) {
			start++
		}
		if start >= len(text) {
			break
		}
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
	}
	return out
}

// merge greedily combines consecutive fragments while they fit under
// MaxChunkSize together.
func (c *Chunker) merge(fragments []string) []string {
	var out []string
	var current strings.Builder
	currentTokens := 0

	for _, frag := range fragments {
		t := c.CountTokens(frag)
		if currentTokens > 0 && currentTokens+t > c.config.MaxChunkSize {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(frag)
		currentTokens += t
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// FitToContext selects whole chunks, in order, until the token budget is
// spent. If the next chunk does not fit but at least MinChunkSize tokens
// of budget remain, a truncated partial of that chunk is included.
func (c *Chunker) FitToContext(chunks []Chunk, budget int) []Chunk {
	var out []Chunk
	remaining := budget

	for _, ch := range chunks {
		if ch.TokenCount <= remaining {
			out = append(out, ch)
			remaining -= ch.TokenCount
			continue
		}
		if remaining >= c.config.MinChunkSize {
			partial := c.truncateToTokens(ch.Text, remaining)
			out = append(out, Chunk{
				Text:       partial,
				Index:      ch.Index,
				TokenCount: c.CountTokens(partial),
				SourceID:   ch.SourceID,
			})
		}
		break
	}
	return out
}

// truncateToTokens cuts text to roughly the given token budget. The cut
// is proportional by characters with a safety margin, not token-exact.
func (c *Chunker) truncateToTokens(text string, limit int) string {
	current := c.CountTokens(text)
	if current <= limit {
		return text
	}

	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	if charLimit < 0 {
		charLimit = 0
	}
	for charLimit > 0 && !utf8.RuneStart(text[charLimit]) {
		charLimit--
	}
	return text[:charLimit] + "..."
}
