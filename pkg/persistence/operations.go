package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = fmt.Errorf("persistence: row not found")

// InsertDispatchRow inserts a deliverable row for a bot. Re-inserting the
// same (bot, message) pair is a no-op so backend retries stay harmless.
func (s *Store) InsertDispatchRow(ctx context.Context, row *DispatchRow) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := row.Status
	if status == "" {
		status = RowPending
	}

	query := s.rebind(`
		INSERT INTO dispatch_rows (bot_id, message_id, chat_id, user_id, speaker, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, message_id) DO NOTHING
	`)

	_, err := s.db.ExecContext(ctx, query,
		row.BotID, row.MessageID, row.ChatID, row.UserID, row.Speaker,
		row.Content, status, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch row %s: %w", row.MessageID, err)
	}
	return nil
}

// PendingRows returns the bot's unhandled rows in arrival order.
func (s *Store) PendingRows(ctx context.Context, botID string) ([]*DispatchRow, error) {
	query := s.rebind(`
		SELECT bot_id, message_id, chat_id, user_id, speaker, content, status, created_at, handled_at
		FROM dispatch_rows
		WHERE bot_id = ? AND status = ?
		ORDER BY created_at ASC, message_id ASC
	`)

	rows, err := s.db.QueryContext(ctx, query, botID, RowPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rows for %s: %w", botID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DispatchRow
	for rows.Next() {
		row, err := scanDispatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending rows: %w", err)
	}
	return out, nil
}

// ClaimRow flips one row from pending to handled. It returns true only
// when this call performed the flip; a false result with nil error means
// another path (another process, or the poll racing the fast path) already
// claimed the row.
func (s *Store) ClaimRow(ctx context.Context, botID, messageID string) (bool, error) {
	query := s.rebind(`
		UPDATE dispatch_rows
		SET status = ?, handled_at = ?
		WHERE bot_id = ? AND message_id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, RowHandled, nowMillis(), botID, messageID, RowPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim row %s: %w", messageID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkHandledBefore bulk-claims every pending row created strictly before
// the cutoff, without delivering them. Used once at boot to quarantine
// messages that predate this process.
func (s *Store) MarkHandledBefore(ctx context.Context, botID string, cutoff time.Time) (int64, error) {
	query := s.rebind(`
		UPDATE dispatch_rows
		SET status = ?, handled_at = ?
		WHERE bot_id = ? AND status = ? AND created_at < ?
	`)

	result, err := s.db.ExecContext(ctx, query, RowHandled, nowMillis(), botID, RowPending, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to quarantine rows for %s: %w", botID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// DispatchRowByID returns one row regardless of status.
func (s *Store) DispatchRowByID(ctx context.Context, botID, messageID string) (*DispatchRow, error) {
	query := s.rebind(`
		SELECT bot_id, message_id, chat_id, user_id, speaker, content, status, created_at, handled_at
		FROM dispatch_rows
		WHERE bot_id = ? AND message_id = ?
	`)

	row, err := scanDispatchRow(s.db.QueryRowContext(ctx, query, botID, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row, nil
}

// InsertChatMessage appends a message to a chat's log.
func (s *Store) InsertChatMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
		msg.CreatedAt = createdAt
	}

	query := s.rebind(`
		INSERT INTO chat_messages (id, chat_id, speaker, user_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.Speaker, msg.UserID, msg.Content, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message %s: %w", msg.ID, err)
	}
	return nil
}

// RecentChatMessages returns the newest limit messages of a chat in
// chronological order.
func (s *Store) RecentChatMessages(ctx context.Context, chatID string, limit int) ([]*ChatMessage, error) {
	query := s.rebind(`
		SELECT id, chat_id, speaker, user_id, content, created_at
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages for %s: %w", chatID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Speaker, &msg.UserID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat messages: %w", err)
	}

	// Newest-first from the query; flip to chronological for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// InsertResponseSummary records a post-dispatch digest for a round.
func (s *Store) InsertResponseSummary(ctx context.Context, summary *ResponseSummary) error {
	if summary.ID == "" {
		summary.ID = NewMessageID()
	}
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
		summary.CreatedAt = createdAt
	}

	query := s.rebind(`
		INSERT INTO response_summaries (id, coord_chat_id, round_id, speaker, content, source_chat_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		summary.ID, summary.CoordChatID, summary.RoundID, summary.Speaker,
		summary.Content, summary.SourceChatID, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert response summary for round %s: %w", summary.RoundID, err)
	}
	return nil
}

// ResponseSummaryFor returns the newest summary a speaker wrote for a
// round, or ErrNotFound while the speaker is still working.
func (s *Store) ResponseSummaryFor(ctx context.Context, coordChatID, roundID, speaker string) (*ResponseSummary, error) {
	query := s.rebind(`
		SELECT id, coord_chat_id, round_id, speaker, content, source_chat_id, created_at
		FROM response_summaries
		WHERE coord_chat_id = ? AND round_id = ? AND speaker = ?
		ORDER BY created_at DESC
		LIMIT 1
	`)

	var summary ResponseSummary
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, coordChatID, roundID, speaker).Scan(
		&summary.ID, &summary.CoordChatID, &summary.RoundID, &summary.Speaker,
		&summary.Content, &summary.SourceChatID, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query response summary for round %s: %w", roundID, err)
	}
	summary.CreatedAt = fromMillis(createdAt)
	return &summary, nil
}

// RoundSummaries returns every summary recorded for a round in write order.
func (s *Store) RoundSummaries(ctx context.Context, coordChatID, roundID string) ([]*ResponseSummary, error) {
	query := s.rebind(`
		SELECT id, coord_chat_id, round_id, speaker, content, source_chat_id, created_at
		FROM response_summaries
		WHERE coord_chat_id = ? AND round_id = ?
		ORDER BY created_at ASC, id ASC
	`)

	rows, err := s.db.QueryContext(ctx, query, coordChatID, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries for round %s: %w", roundID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ResponseSummary
	for rows.Next() {
		var summary ResponseSummary
		var createdAt int64
		if err := rows.Scan(
			&summary.ID, &summary.CoordChatID, &summary.RoundID, &summary.Speaker,
			&summary.Content, &summary.SourceChatID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan response summary: %w", err)
		}
		summary.CreatedAt = fromMillis(createdAt)
		out = append(out, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response summaries: %w", err)
	}
	return out, nil
}

// SummariesForRounds returns the summaries for several rounds in one
// query, grouped by round id, each group in write order.
func (s *Store) SummariesForRounds(ctx context.Context, coordChatID string, roundIDs []string) (map[string][]*ResponseSummary, error) {
	out := make(map[string][]*ResponseSummary, len(roundIDs))
	if len(roundIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roundIDs)), ",")
	query := s.rebind(fmt.Sprintf(`
		SELECT id, coord_chat_id, round_id, speaker, content, source_chat_id, created_at
		FROM response_summaries
		WHERE coord_chat_id = ? AND round_id IN (%s)
		ORDER BY created_at ASC, id ASC
	`, placeholders))

	args := make([]any, 0, len(roundIDs)+1)
	args = append(args, coordChatID)
	for _, id := range roundIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries for %d rounds: %w", len(roundIDs), err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var summary ResponseSummary
		var createdAt int64
		if err := rows.Scan(
			&summary.ID, &summary.CoordChatID, &summary.RoundID, &summary.Speaker,
			&summary.Content, &summary.SourceChatID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan response summary: %w", err)
		}
		summary.CreatedAt = fromMillis(createdAt)
		out[summary.RoundID] = append(out[summary.RoundID], &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response summaries: %w", err)
	}
	return out, nil
}

// SummarySpeakers returns the distinct speaker names that have written
// response summaries in a coordination chat. Peer discovery rides on this.
func (s *Store) SummarySpeakers(ctx context.Context, coordChatID string) ([]string, error) {
	query := s.rebind(`
		SELECT DISTINCT speaker
		FROM response_summaries
		WHERE coord_chat_id = ?
		ORDER BY speaker ASC
	`)

	rows, err := s.db.QueryContext(ctx, query, coordChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary speakers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var speaker string
		if err := rows.Scan(&speaker); err != nil {
			return nil, fmt.Errorf("failed to scan summary speaker: %w", err)
		}
		out = append(out, speaker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary speakers: %w", err)
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDispatchRow(sc scanner) (*DispatchRow, error) {
	var row DispatchRow
	var createdAt int64
	var handledAt sql.NullInt64

	err := sc.Scan(
		&row.BotID, &row.MessageID, &row.ChatID, &row.UserID, &row.Speaker,
		&row.Content, &row.Status, &createdAt, &handledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dispatch row: %w", err)
	}

	row.CreatedAt = fromMillis(createdAt)
	if handledAt.Valid {
		t := fromMillis(handledAt.Int64)
		row.HandledAt = &t
	}
	return &row, nil
}
