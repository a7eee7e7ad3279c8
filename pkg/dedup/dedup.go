// Package dedup provides bounded time-to-live sets used to see each
// identifier or content fingerprint at most once.
package dedup

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Window is a bounded set of keys with a fixed TTL. Mark is an atomic
// check-and-insert: the first call for a key within the TTL returns false,
// every later call returns true until the entry expires.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	expiry  map[string]time.Time
}

const defaultMaxSize = 5000

// NewWindow creates a window with the given TTL. maxSize bounds the number
// of live entries; 0 uses the default (5000).
func NewWindow(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Window{
		ttl:     ttl,
		maxSize: maxSize,
		expiry:  make(map[string]time.Time),
	}
}

// Mark records key and reports whether it was already present and live.
func (w *Window) Mark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.sweep(now)

	if exp, ok := w.expiry[key]; ok && exp.After(now) {
		return true
	}

	if len(w.expiry) >= w.maxSize {
		w.evictOldest()
	}
	w.expiry[key] = now.Add(w.ttl)
	return false
}

// Contains reports whether key is present and live, without inserting.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	exp, ok := w.expiry[key]
	return ok && exp.After(time.Now())
}

// Len returns the number of live entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweep(time.Now())
	return len(w.expiry)
}

// Clear drops all entries.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expiry = make(map[string]time.Time)
}

// sweep removes expired entries. Must be called with mu held.
func (w *Window) sweep(now time.Time) {
	for k, exp := range w.expiry {
		if !exp.After(now) {
			delete(w.expiry, k)
		}
	}
}

// evictOldest drops the entry closest to expiry. Must be called with mu held.
func (w *Window) evictOldest() {
	var oldestKey string
	var oldestExp time.Time
	first := true
	for k, exp := range w.expiry {
		if first || exp.Before(oldestExp) {
			oldestKey, oldestExp = k, exp
			first = false
		}
	}
	if !first {
		delete(w.expiry, oldestKey)
	}
}

// ContentKey builds the fingerprint for an inbound user message:
// chat_id|user_id|first-80-chars-of-text. Catches duplicate row inserts
// that arrive under fresh message ids.
func ContentKey(chatID, userID, text string) string {
	return fmt.Sprintf("%s|%s|%s", chatID, userID, truncateRunes(text, 80))
}

// PeerKey builds the fingerprint for a peer-chat record:
// speaker|first-120-chars.
func PeerKey(speaker, content string) string {
	return fmt.Sprintf("%s|%s", speaker, truncateRunes(content, 120))
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
