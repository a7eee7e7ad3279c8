// Package utils provides tiktoken-based token counting used to budget
// gateway sessions.
package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens for session budgeting. Every supported model
// is approximated with the GPT-4 encoding; the budget is a resource bound,
// not a billing figure, so the approximation is fine.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. The model name is advisory; all
// models map to the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, falling back to the
// chars/4 estimate when the codec is missing or fails.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits in limit tokens.
func (tc *TokenCounter) WithinLimit(text string, limit int) bool {
	return tc.CountTokens(text) <= limit
}
