package coord

import "tandem/pkg/proto"

// Decision is what the engine raises to the dispatch holder once a round
// settles (or fails open).
type Decision struct {
	RoundID          string
	TriggerMessageID string

	// PeerName is the other agent in the round, when known. The holder's
	// defer reconciliation uses it for the alphabetical tiebreak.
	PeerName string

	// ShouldRespond asks the holder to dispatch the held user message.
	ShouldRespond bool

	// SynthesizeContext, when set, is prepended to the user text so the
	// reply carries the negotiated framing.
	SynthesizeContext string

	// CancelPending deletes the held message without replying: the peer
	// won solo.
	CancelPending bool

	// WaitForResponse defers the reply until the winner's response
	// summary lands (synthesis runner-up), with a bounded wait.
	WaitForResponse *WaitForResponse
}

// WaitForResponse carries what the synthesis runner-up needs to build on
// the winner's reply.
type WaitForResponse struct {
	WinnerName    string
	MyProposal    proto.Proposal
	OtherProposal proto.Proposal
}

// BuildContext frames the runner-up's reply around the winner's response.
func (w *WaitForResponse) BuildContext(winnerReply string) string {
	return synthesisBuildContext(w, winnerReply)
}

// FallbackContext is the parallel-style framing used when the winner's
// reply never arrived inside the wait window.
func (w *WaitForResponse) FallbackContext() string {
	return synthesisFallbackContext(w)
}

// InitialDefer reports whether the decision is the hold-and-see shape:
// no respond, no cancel, no wait. The holder re-arms a shorter backstop.
func (d Decision) InitialDefer() bool {
	return !d.ShouldRespond && !d.CancelPending && d.WaitForResponse == nil
}
