package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizer_HeuristicFallback(t *testing.T) {
	tok := &Tokenizer{}

	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("abc"))
	assert.Equal(t, 3, tok.Count(strings.Repeat("a", 10)))

	text := strings.Repeat("word ", 100)
	cut := tok.Truncate(text, 10)
	assert.Len(t, cut, 40)
	assert.True(t, strings.HasPrefix(text, cut))

	assert.Equal(t, "short", tok.Truncate("short", 10))
	assert.Equal(t, "", tok.Truncate("anything", 0))
}

func TestTokenizer_NilIsUsable(t *testing.T) {
	var tok *Tokenizer
	assert.Equal(t, 2, tok.Count("12345678"))
}
