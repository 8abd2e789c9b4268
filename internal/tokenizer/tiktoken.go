package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TikToken wraps the pkoukk/tiktoken-go library. Some converted checkpoints
// ship no vocabulary files and instead declare a tiktoken encoding name in
// their tokenizer config; this wrapper covers that fallback.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken creates a tokenizer for a named tiktoken encoding, such as
// "cl100k_base" or "r50k_base".
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: encoding, name: encodingName}, nil
}

// Encode converts text to token IDs.
func (t *TikToken) Encode(text string) ([]int32, error) {
	tokens := t.encoding.Encode(text, nil, nil)
	result := make([]int32, len(tokens))
	for i, tok := range tokens {
		result[i] = int32(tok) //nolint:gosec // G115: vocab sizes fit in int32
	}
	return result, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	intTokens := make([]int, len(tokens))
	for i, tok := range tokens {
		intTokens[i] = int(tok)
	}
	return t.encoding.Decode(intTokens), nil
}

// VocabSize is unknown for tiktoken encodings; returns 0.
func (t *TikToken) VocabSize() int {
	return 0
}

// Name returns the encoding name.
func (t *TikToken) Name() string {
	return t.name
}
