package provider

import (
	"math"
	"strings"
)

// Signals are the request characteristics scoring reads. They are computed
// once per selection so every backend is scored against the same view.
type Signals struct {
	EstimatedTokens int
	NeedsVision     bool
	NeedsSpeed      bool
	NeedsQuality    bool
}

// ScoringStrategy turns capabilities plus request signals into a score.
// Isolated behind an interface so fallback ordering stays independent of
// the keyword heuristics.
type ScoringStrategy interface {
	Score(caps Capabilities, sig Signals) float64
}

// WeightedScorer is the default strategy: context fit dominates, then
// vision, speed/quality preferences, and a cost term.
type WeightedScorer struct{}

func (WeightedScorer) Score(caps Capabilities, sig Signals) float64 {
	score := 0.0

	// Context length match (higher is better)
	if caps.MaxContextTokens >= sig.EstimatedTokens {
		score += 10.0
	} else {
		score -= 20.0 // Penalty for insufficient context
	}

	if sig.NeedsVision && caps.SupportsVision {
		score += 5.0
	}

	if sig.NeedsSpeed {
		switch caps.Speed {
		case SpeedFast:
			score += 5.0
		case SpeedMedium:
			score += 2.0
		}
	}

	if sig.NeedsQuality {
		switch caps.Quality {
		case QualityHigh:
			score += 5.0
		case QualityMedium:
			score += 2.0
		}
	}

	// Cost efficiency (lower cost = higher score)
	if avg := caps.Cost.Average(); avg > 0 {
		score += (0.01 / avg) * 2.0
	}

	return score
}

var speedKeywords = []string{"explain", "summarize", "translate", "format"}

var qualityKeywords = []string{"architecture", "design", "complex", "critical", "production", "security"}

var visionKeywords = []string{"image", "screenshot", "visual", "design"}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg"}

// ComputeSignals derives scoring signals from a request. Token estimation
// uses the rough 1-token-per-4-characters rule over all message and file
// content.
func ComputeSignals(req *Request) Signals {
	var chars int
	var text strings.Builder
	for _, m := range req.Messages {
		chars += len(m.Content)
		text.WriteString(strings.ToLower(m.Content))
	}
	for _, f := range req.Files {
		chars += len(f.Content)
	}
	lower := text.String()

	sig := Signals{
		EstimatedTokens: int(math.Ceil(float64(chars) / 4.0)),
	}

	for _, kw := range visionKeywords {
		if strings.Contains(lower, kw) {
			sig.NeedsVision = true
			break
		}
	}
	if !sig.NeedsVision {
		for _, f := range req.Files {
			for _, ext := range imageExtensions {
				if strings.HasSuffix(strings.ToLower(f.Path), ext) {
					sig.NeedsVision = true
				}
			}
		}
	}

	for _, kw := range speedKeywords {
		if strings.Contains(lower, kw) {
			sig.NeedsSpeed = true
			break
		}
	}
	for _, kw := range qualityKeywords {
		if strings.Contains(lower, kw) {
			sig.NeedsQuality = true
			break
		}
	}

	return sig
}
