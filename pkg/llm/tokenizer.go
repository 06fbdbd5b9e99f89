package llm

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the BPE encoding used for budget estimates.
const DefaultEncoding = "cl100k_base"

// charsPerToken approximates English prose when no encoding is available.
const charsPerToken = 4

// Tokenizer counts and truncates text in model tokens.
// It falls back to a character heuristic when the BPE ranks cannot be loaded
// (tiktoken fetches them on first use).
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the default encoding, falling back to the heuristic on error.
func NewTokenizer(logger *zap.Logger) *Tokenizer {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		logger.Warn("Tokenizer encoding unavailable, using character heuristic",
			zap.String("encoding", DefaultEncoding),
			zap.Error(err))
		return &Tokenizer{}
	}
	return &Tokenizer{enc: enc}
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if t == nil || t.enc == nil {
		runes := len([]rune(text))
		return (runes + charsPerToken - 1) / charsPerToken
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate returns the longest prefix of text that fits in maxTokens.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if t == nil || t.enc == nil {
		runes := []rune(text)
		if limit := maxTokens * charsPerToken; len(runes) > limit {
			return string(runes[:limit])
		}
		return text
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.enc.Decode(tokens[:maxTokens])
}
