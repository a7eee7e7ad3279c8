// Package coord implements the negotiation core: the pure proposal filter,
// the per-round state store, the coordination engine that drives rounds to
// a dispatch decision, and the history loader that enriches proposal
// prompts. Two peers running this code against the same pair of proposals
// compute the same outcome; the filter's determinism stands in for an
// ordering protocol between them.
package coord

import (
	"fmt"
	"strings"

	"tandem/pkg/config"
	"tandem/pkg/proto"
)

// FilterResult is the outcome of one filter run.
type FilterResult struct {
	Mode      string // proto.ModeSolo | ModeParallel | ModeSynthesis
	Winner    string
	RunnerUp  string
	Reason    string
	Proposals map[string]proto.Proposal // both proposals keyed by agent name
}

// Thresholds hold the routing constants. Both peers must run identical
// values or PeerAgreement breaks.
type Thresholds struct {
	Gap     float64 // confidence gap forcing solo
	Overlap float64 // similarity at or above which angles are "the same"
	High    float64 // confidence floor for parallel/synthesis
	Low     float64 // confidence ceiling for the both-weak solo rule
	Synth   float64 // confidence floor for synthesis
	Epsilon float64 // tie width for the lexicographic tiebreak
}

// ThresholdsFrom pulls the filter constants out of configuration.
func ThresholdsFrom(cfg config.CoordinationConfig) Thresholds {
	return Thresholds{
		Gap:     cfg.ConfidenceGap,
		Overlap: cfg.Overlap,
		High:    cfg.High,
		Low:     cfg.Low,
		Synth:   cfg.Synth,
		Epsilon: cfg.Epsilon,
	}
}

// Filter routes two proposals to a dispatch mode. Pure: no register reads,
// no timers, no I/O. Swapping the argument order swaps nothing but which
// name the caller considers "mine".
func Filter(mine, other proto.Proposal, myName, otherName string, th Thresholds) FilterResult {
	mine = mine.Clamped()
	other = other.Clamped()

	winner, runnerUp := pickWinner(mine, other, myName, otherName, th.Epsilon)
	delta := mine.Confidence - other.Confidence
	if delta < 0 {
		delta = -delta
	}
	sim := Similarity(mine, other)

	result := FilterResult{
		Winner:   winner,
		RunnerUp: runnerUp,
		Proposals: map[string]proto.Proposal{
			myName:    mine,
			otherName: other,
		},
	}

	switch {
	case delta > th.Gap:
		result.Mode = proto.ModeSolo
		result.Reason = fmt.Sprintf("confidence gap %.2f exceeds %.2f; %s leads", delta, th.Gap, winner)

	case mine.Confidence > th.High && other.Confidence > th.High && sim < th.Overlap:
		result.Mode = proto.ModeParallel
		result.Reason = fmt.Sprintf("both confident (%.2f/%.2f) with distinct angles (sim %.2f < %.2f)",
			mine.Confidence, other.Confidence, sim, th.Overlap)

	case mine.Confidence > th.Synth && other.Confidence > th.Synth && sim >= th.Overlap &&
		(mine.BuildsOnOther || other.BuildsOnOther):
		result.Mode = proto.ModeSynthesis
		result.Reason = fmt.Sprintf("both strong (%.2f/%.2f) on overlapping angles (sim %.2f) with build-on intent",
			mine.Confidence, other.Confidence, sim)

	case mine.Confidence > th.High && other.Confidence > th.High && sim >= th.Overlap:
		result.Mode = proto.ModeSolo
		result.Reason = fmt.Sprintf("overlapping angles (sim %.2f >= %.2f); %s covers it alone", sim, th.Overlap, winner)

	case mine.Confidence < th.Low && other.Confidence < th.Low:
		result.Mode = proto.ModeSolo
		result.Reason = fmt.Sprintf("both weak (%.2f/%.2f below %.2f); %s answers best-effort",
			mine.Confidence, other.Confidence, th.Low, winner)

	default:
		result.Mode = proto.ModeSolo
		result.Reason = fmt.Sprintf("no routing rule matched (conf %.2f/%.2f, sim %.2f); defaulting to %s solo",
			mine.Confidence, other.Confidence, sim, winner)
	}

	return result
}

// pickWinner selects by confidence, breaking near-ties lexicographically so
// both peers agree without talking.
func pickWinner(mine, other proto.Proposal, myName, otherName string, epsilon float64) (winner, runnerUp string) {
	delta := mine.Confidence - other.Confidence
	if delta > -epsilon && delta < epsilon {
		if myName < otherName {
			return myName, otherName
		}
		return otherName, myName
	}
	if delta > 0 {
		return myName, otherName
	}
	return otherName, myName
}

// Similarity measures angle overlap as the Jaccard index over tokens longer
// than two characters drawn from the angle plus covered topics. Both token
// sets empty compares as identical; exactly one empty as disjoint.
func Similarity(a, b proto.Proposal) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(p proto.Proposal) map[string]bool {
	text := p.Angle + " " + strings.Join(p.Covers, " ")
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}
