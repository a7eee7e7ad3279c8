package coord

import (
	"encoding/json"
	"fmt"
	"strings"

	"tandem/pkg/proto"
)

// buildProposalPrompt assembles the micro-proposal prompt: the trigger,
// whatever context loaded in time, and a strict JSON answer contract.
func buildProposalPrompt(state *RoundState, myName, registerContext string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, one of several assistants sharing a chat. A user just wrote:\n\n%s\n\n",
		myName, state.TriggerContent)

	if state.CoordHistory != "" {
		fmt.Fprintf(&b, "Recent coordination rounds:\n%s\n", state.CoordHistory)
	}
	if state.RecentPeerReplies != "" {
		fmt.Fprintf(&b, "Recent peer replies in this chat:\n%s\n", state.RecentPeerReplies)
	}
	if registerContext != "" {
		fmt.Fprintf(&b, "Chat context: %s\n", registerContext)
	}

	b.WriteString(`
Assess how well you could answer this message. Reply with ONLY a JSON object:
{"angle": "<short label for your approach>", "confidence": <0..1>, "covers": ["<topic>", ...], "solo_sufficient": <bool>, "builds_on_other": <bool>}

confidence is your honest fit for this message, not general capability.
covers lists the topics your answer would address.
Set builds_on_other true only if your best answer would extend a peer's.`)

	return b.String()
}

// parseProposal extracts a proposal from a model reply, tolerating fenced
// code blocks and prose around the JSON object.
func parseProposal(reply string) (proto.Proposal, error) {
	var p proto.Proposal

	raw := extractJSON(reply)
	if raw == "" {
		return p, fmt.Errorf("no JSON object in proposal reply")
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("failed to parse proposal JSON: %w", err)
	}
	if strings.TrimSpace(p.Angle) == "" {
		return p, fmt.Errorf("proposal missing angle")
	}
	return p.Clamped(), nil
}

// extractJSON returns the outermost {...} span of a reply, stripping
// markdown fences first.
func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "```") {
		reply = strings.TrimPrefix(reply, "```json")
		reply = strings.TrimPrefix(reply, "```")
		if idx := strings.LastIndex(reply, "```"); idx >= 0 {
			reply = reply[:idx]
		}
	}

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end <= start {
		return ""
	}
	return reply[start : end+1]
}

// Decision contexts prepended to the user text by the holder.

func soloWinnerContext(result FilterResult, myName, otherName string) string {
	mine := result.Proposals[myName]
	other := result.Proposals[otherName]
	return fmt.Sprintf("[coordination resolved. your angle: %s; peer angle: %s; you were selected (%s).]",
		mine.Angle, other.Angle, result.Reason)
}

func parallelContext(result FilterResult, myName, otherName string) string {
	mine := result.Proposals[myName]
	other := result.Proposals[otherName]
	return fmt.Sprintf("[coordination resolved: parallel. focus on your unique angle: %s. %s is covering: %s. do not duplicate their coverage.]",
		mine.Angle, otherName, other.Angle)
}

func synthesisWinnerContext(result FilterResult, myName, otherName string) string {
	mine := result.Proposals[myName]
	return fmt.Sprintf("[coordination resolved: synthesis. you go first; %s will build on your response. your angle: %s.]",
		otherName, mine.Angle)
}

// synthesisBuildContext frames the runner-up's reply around the winner's.
func synthesisBuildContext(wait *WaitForResponse, winnerReply string) string {
	return fmt.Sprintf("[coordination resolved: synthesis. %s already replied:\n%s\nbuild on their response from your angle: %s. do not repeat what they said.]",
		wait.WinnerName, winnerReply, wait.MyProposal.Angle)
}

// synthesisFallbackContext is the parallel-style framing used when the
// winner's summary never arrives inside the wait window.
func synthesisFallbackContext(wait *WaitForResponse) string {
	return fmt.Sprintf("[coordination resolved: synthesis, but %s's reply was not observed in time. answer from your own angle: %s. %s is covering: %s.]",
		wait.WinnerName, wait.MyProposal.Angle, wait.WinnerName, wait.OtherProposal.Angle)
}
