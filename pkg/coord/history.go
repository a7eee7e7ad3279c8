package coord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tandem/pkg/chat"
	"tandem/pkg/logx"
	"tandem/pkg/proto"
)

// History load bounds. Failures and overruns degrade to shorter context,
// never to a failed round.
const (
	historyRecordLimit = 50
	historyRoundLimit  = 5
	historyCharLimit   = 8000

	peerRepliesPerAgent = 2
	peerReplyCharLimit  = 500
	peerRepliesCharCap  = 4000
	peerReplyScanDepth  = 50

	historyLoadTimeout = 3 * time.Second
)

// HistoryLoader reads prior rounds and peer replies out of the chat store
// to enrich proposal prompts. Every read is best-effort: errors log and
// return empty strings.
type HistoryLoader struct {
	svc    *chat.Service
	logger *logx.Logger
}

// NewHistoryLoader creates a loader over the chat service.
func NewHistoryLoader(svc *chat.Service) *HistoryLoader {
	return &HistoryLoader{
		svc:    svc,
		logger: logx.NewLogger("history"),
	}
}

// LoadCoordinationHistory summarizes recent rounds from the coordination
// chat, skipping excludeRoundID, capped by round count and total chars.
func (l *HistoryLoader) LoadCoordinationHistory(ctx context.Context, excludeRoundID string) string {
	ctx, cancel := context.WithTimeout(ctx, historyLoadTimeout)
	defer cancel()

	msgs, err := l.svc.CoordinationHistory(ctx, historyRecordLimit)
	if err != nil {
		l.logger.Warn("Coordination history load failed: %v", err)
		return ""
	}

	// Group parseable records by round, preserving first-seen round order.
	type roundLines struct {
		id    string
		lines []string
	}
	var rounds []*roundLines
	byID := make(map[string]*roundLines)

	for _, msg := range msgs {
		rec, err := proto.Parse([]byte(msg.Content))
		if err != nil {
			continue // non-record chatter in the coordination chat
		}
		if rec.RoundID == "" || rec.RoundID == excludeRoundID {
			continue
		}

		group := byID[rec.RoundID]
		if group == nil {
			group = &roundLines{id: rec.RoundID}
			byID[rec.RoundID] = group
			rounds = append(rounds, group)
		}

		switch rec.Kind {
		case proto.KindRoundStart:
			group.lines = append(group.lines,
				fmt.Sprintf("  trigger: %s", firstChars(rec.TriggerContent, 120)))
		case proto.KindMicroPropose:
			if rec.Proposal != nil {
				group.lines = append(group.lines,
					fmt.Sprintf("  %s proposed angle=%q conf=%.2f", msg.Speaker, rec.Proposal.Angle, rec.Proposal.Confidence))
			}
		case proto.KindResolved:
			group.lines = append(group.lines,
				fmt.Sprintf("  resolved mode=%s winner=%s (%s)", rec.Mode, rec.Winner, firstChars(rec.Reason, 100)))
		}
	}

	// Newest rounds last in chat order; keep the most recent N.
	if len(rounds) > historyRoundLimit {
		rounds = rounds[len(rounds)-historyRoundLimit:]
	}

	// One query covers every retained round. A failure degrades to rounds
	// without reply lines rather than eating the rest of the window on
	// per-round trips.
	ids := make([]string, 0, len(rounds))
	for _, group := range rounds {
		if len(group.lines) > 0 {
			ids = append(ids, group.id)
		}
	}
	summariesByRound, err := l.svc.SummariesForRounds(ctx, ids)
	if err != nil {
		l.logger.Warn("Round summary load failed: %v", err)
		summariesByRound = nil
	}

	var b strings.Builder
	for _, group := range rounds {
		if len(group.lines) == 0 {
			continue
		}
		entry := fmt.Sprintf("round %s:\n%s\n", group.id, strings.Join(group.lines, "\n"))
		for _, s := range summariesByRound[group.id] {
			entry += fmt.Sprintf("  %s replied: %s\n", s.Speaker, firstChars(s.Content, 120))
		}
		if b.Len()+len(entry) > historyCharLimit {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

// LoadRecentPeerReplies collects other agents' recent replies in the
// source chat: peers discovered from the summary sink, a couple of replies
// each, bounded overall.
func (l *HistoryLoader) LoadRecentPeerReplies(ctx context.Context, sourceChatID, myName string) string {
	if sourceChatID == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, historyLoadTimeout)
	defer cancel()

	speakers, err := l.svc.SummarySpeakers(ctx)
	if err != nil {
		l.logger.Warn("Peer discovery failed: %v", err)
		return ""
	}
	var peers []string
	for _, speaker := range speakers {
		if speaker != myName {
			peers = append(peers, speaker)
		}
	}
	if len(peers) == 0 {
		return ""
	}

	msgs, err := l.svc.RecentMessages(ctx, sourceChatID, peerReplyScanDepth)
	if err != nil {
		l.logger.Warn("Peer reply load failed for %s: %v", sourceChatID, err)
		return ""
	}

	var b strings.Builder
	for _, peer := range peers {
		count := 0
		// Walk newest-first for the most recent replies.
		for i := len(msgs) - 1; i >= 0 && count < peerRepliesPerAgent; i-- {
			if msgs[i].Speaker != peer {
				continue
			}
			line := fmt.Sprintf("%s: %s\n", peer, firstChars(msgs[i].Content, peerReplyCharLimit))
			if b.Len()+len(line) > peerRepliesCharCap {
				return b.String()
			}
			b.WriteString(line)
			count++
		}
	}
	return b.String()
}

// WriteResponseSummary records this agent's reply digest, fire-and-forget.
func (l *HistoryLoader) WriteResponseSummary(ctx context.Context, roundID, content, sourceChatID string) {
	if err := l.svc.WriteResponseSummary(ctx, roundID, content, sourceChatID); err != nil {
		l.logger.Warn("Response summary write failed for round %s: %v", roundID, err)
	}
}

func firstChars(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
