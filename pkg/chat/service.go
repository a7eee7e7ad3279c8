package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/logx"
	"tandem/pkg/persistence"
)

const (
	// DefaultMaxMessageChars is the default maximum length for a chat message.
	DefaultMaxMessageChars = 4096

	// MaxSummaryChars caps a response summary before it is stored.
	MaxSummaryChars = 500

	// TruncationSuffix is appended to messages that exceed the max length.
	TruncationSuffix = " … [truncated]"
)

// Service posts messages on behalf of this agent and reads the shared
// chats back. User-visible posts get size enforcement and secret
// redaction; coordination posts carry JSON records and are never rewritten.
type Service struct {
	store   *persistence.Store
	scanner SecretScanner
	logger  *logx.Logger
	speaker string
	coordID string
	maxMsg  int
}

// NewService creates a chat service writing as the given speaker.
func NewService(store *persistence.Store, cfg config.ChatConfig, speaker string) *Service {
	maxMsg := cfg.MaxMsgChars
	if maxMsg <= 0 {
		maxMsg = DefaultMaxMessageChars
	}
	return &Service{
		store:   store,
		scanner: NewPatternScanner(),
		logger:  logx.NewLogger("chat"),
		speaker: speaker,
		coordID: cfg.CoordChatID,
		maxMsg:  maxMsg,
	}
}

// Speaker returns the name this service posts under.
func (s *Service) Speaker() string {
	return s.speaker
}

// CoordChatID returns the shared coordination chat id.
func (s *Service) CoordChatID() string {
	return s.coordID
}

// Post writes a user-visible message to a chat. Oversized text is
// truncated with a marker; leaked credentials are redacted before the
// message leaves the process.
func (s *Service) Post(ctx context.Context, chatID, text string) (*persistence.ChatMessage, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}

	original := len(text)
	text = Truncate(text, s.maxMsg)
	if len(text) != original {
		s.logger.Debug("Truncated message to %s (original: %d chars, max: %d)", chatID, original, s.maxMsg)
	}

	redacted, err := RedactSecrets(ctx, s.scanner, text)
	if err != nil {
		// Fail-open: post the original text rather than dropping the reply
		s.logger.Error("Secret scanner failed for post to %s: %v (using original text)", chatID, err)
	} else {
		text = redacted
	}

	msg := &persistence.ChatMessage{ChatID: chatID, Speaker: s.speaker, Content: text}
	if err := s.store.InsertChatMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to post to %s: %w", chatID, err)
	}

	s.logger.Debug("Posted message id=%s chat=%s length=%d", msg.ID, chatID, len(text))
	return msg, nil
}

// PostCoordination writes one negotiation record to the coordination
// chat. The payload is already encoded JSON; it is posted verbatim and
// rejected outright when oversized, a truncated record would be garbage.
func (s *Service) PostCoordination(ctx context.Context, payload string) (*persistence.ChatMessage, error) {
	if len(payload) > s.maxMsg {
		return nil, fmt.Errorf("coordination record too large: %d chars (max %d)", len(payload), s.maxMsg)
	}

	msg := &persistence.ChatMessage{ChatID: s.coordID, Speaker: s.speaker, Content: payload}
	if err := s.store.InsertChatMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to post coordination record: %w", err)
	}
	return msg, nil
}

// CoordinationHistory returns the newest limit records from the
// coordination chat in chronological order.
func (s *Service) CoordinationHistory(ctx context.Context, limit int) ([]*persistence.ChatMessage, error) {
	msgs, err := s.store.RecentChatMessages(ctx, s.coordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load coordination history: %w", err)
	}
	return msgs, nil
}

// RecentMessages returns the newest limit messages of any chat in
// chronological order.
func (s *Service) RecentMessages(ctx context.Context, chatID string, limit int) ([]*persistence.ChatMessage, error) {
	msgs, err := s.store.RecentChatMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", chatID, err)
	}
	return msgs, nil
}

// WriteResponseSummary records this agent's post-dispatch digest for a
// round. Summaries are capped so peers never pay more than a few hundred
// chars to read them.
func (s *Service) WriteResponseSummary(ctx context.Context, roundID, content, sourceChatID string) error {
	summary := &persistence.ResponseSummary{
		CoordChatID:  s.coordID,
		RoundID:      roundID,
		Speaker:      s.speaker,
		Content:      Truncate(content, MaxSummaryChars),
		SourceChatID: sourceChatID,
	}
	if err := s.store.InsertResponseSummary(ctx, summary); err != nil {
		return fmt.Errorf("failed to write summary for round %s: %w", roundID, err)
	}
	s.logger.Debug("Wrote response summary round=%s length=%d", roundID, len(summary.Content))
	return nil
}

// WaitForResponseSummary polls until the given speaker has written a
// summary for the round, or the context expires. Synthesis waits ride on
// this with their own deadline in the context.
func (s *Service) WaitForResponseSummary(ctx context.Context, roundID, speaker string, pollInterval time.Duration) (*persistence.ResponseSummary, error) {
	s.logger.Debug("Waiting for summary round=%s speaker=%s (poll interval: %v)", roundID, speaker, pollInterval)

	// Check once up front so an already-written summary returns without
	// waiting a full tick.
	if summary, err := s.store.ResponseSummaryFor(ctx, s.coordID, roundID, speaker); err == nil {
		return summary, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for summary from %s: %w", speaker, ctx.Err())

		case <-ticker.C:
			summary, err := s.store.ResponseSummaryFor(ctx, s.coordID, roundID, speaker)
			if err == nil {
				s.logger.Debug("Summary arrived round=%s speaker=%s", roundID, speaker)
				return summary, nil
			}
			if !isNotFound(err) {
				s.logger.Warn("Error polling summary for round %s: %v", roundID, err)
			}
		}
	}
}

// RoundSummaries returns every response summary written for a round, in
// write order.
func (s *Service) RoundSummaries(ctx context.Context, roundID string) ([]*persistence.ResponseSummary, error) {
	summaries, err := s.store.RoundSummaries(ctx, s.coordID, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load summaries for round %s: %w", roundID, err)
	}
	return summaries, nil
}

// SummariesForRounds returns the response summaries for several rounds
// in one query, grouped by round id.
func (s *Service) SummariesForRounds(ctx context.Context, roundIDs []string) (map[string][]*persistence.ResponseSummary, error) {
	summaries, err := s.store.SummariesForRounds(ctx, s.coordID, roundIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load summaries for %d rounds: %w", len(roundIDs), err)
	}
	return summaries, nil
}

// SummarySpeakers returns the distinct agent names seen in the summary
// sink. The history loader uses this to discover peers.
func (s *Service) SummarySpeakers(ctx context.Context) ([]string, error) {
	speakers, err := s.store.SummarySpeakers(ctx, s.coordID)
	if err != nil {
		return nil, fmt.Errorf("failed to discover summary speakers: %w", err)
	}
	return speakers, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, persistence.ErrNotFound)
}

// Truncate cuts text to at most max bytes without splitting a rune,
// marking the cut. Text within the limit passes through untouched.
func Truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max - len(TruncationSuffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + TruncationSuffix
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Mentions extracts the @names referenced in a message, in order of
// appearance.
func Mentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// MentionsAgent reports whether the text @-mentions the given name.
func MentionsAgent(text, name string) bool {
	for _, mention := range Mentions(text) {
		if mention == name {
			return true
		}
	}
	return false
}
