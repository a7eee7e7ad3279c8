// Package chat posts messages for this agent and scans outbound text for
// leaked credentials before it reaches a shared chat.
package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// RedactionMarker replaces each detected secret in outbound text.
const RedactionMarker = "[redacted]"

// SecretScanner checks outbound text for credentials.
type SecretScanner interface {
	// Scan returns the redacted text and whether any redactions occurred.
	Scan(ctx context.Context, text string) (redactedText string, hadRedactions bool, err error)
}

// PatternScanner detects the credential shapes this process actually
// holds: provider API keys, the realtime bearer token, and anything that
// looks like a pasted private key.
type PatternScanner struct {
	patterns []*regexp.Regexp
}

// NewPatternScanner creates a scanner with the default patterns.
func NewPatternScanner() *PatternScanner {
	return &PatternScanner{patterns: compileDefaultPatterns()}
}

func compileDefaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// Anthropic API keys
		`sk-ant-[A-Za-z0-9_-]{95,}`,

		// OpenAI API keys
		`sk-proj-[A-Za-z0-9_-]{48,}`,
		`sk-[A-Za-z0-9]{48}`,

		// Google API keys
		`AIza[0-9A-Za-z_-]{35}`,

		// Bearer tokens (realtime endpoint auth)
		`Bearer\s+[A-Za-z0-9._-]{20,}`,

		// Generic key/secret assignments
		`api[_-]?key[_-]?[:=]\s*['"]?[A-Za-z0-9_-]{20,}['"]?`,
		`secret[_-]?[:=]\s*['"]?[A-Za-z0-9_-]{20,}['"]?`,

		// Private keys (PEM format)
		`-----BEGIN\s+(?:RSA|DSA|EC|OPENSSH|PGP)\s+PRIVATE\s+KEY-----`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

// Scan checks the text for secrets and redacts them. Pattern order
// matters: provider-specific shapes run before the generic assignments so
// a key is replaced whole instead of in fragments.
func (s *PatternScanner) Scan(ctx context.Context, text string) (string, bool, error) {
	hadRedactions := false
	redactedText := text

	for _, pattern := range s.patterns {
		select {
		case <-ctx.Done():
			return "", false, fmt.Errorf("scan interrupted: %w", ctx.Err())
		default:
		}

		matches := pattern.FindAllStringIndex(redactedText, -1)
		if len(matches) == 0 {
			continue
		}
		hadRedactions = true

		// Replace matches from end to start to preserve indices
		for i := len(matches) - 1; i >= 0; i-- {
			start, end := matches[i][0], matches[i][1]
			redactedText = redactedText[:start] + RedactionMarker + redactedText[end:]
		}
	}

	return redactedText, hadRedactions, nil
}

// RedactSecrets applies the scanner and appends a visible note when
// anything was removed.
func RedactSecrets(ctx context.Context, scanner SecretScanner, text string) (string, error) {
	redacted, hadRedactions, err := scanner.Scan(ctx, text)
	if err != nil {
		// Fail-open: return original text on scanner error
		return text, fmt.Errorf("secret scanner error: %w", err)
	}

	if hadRedactions {
		note := " (Note: content redacted by scanner)"
		if !strings.HasSuffix(redacted, note) {
			redacted += note
		}
	}

	return redacted, nil
}
