package oracle

import (
	"context"
	"encoding/json"
	"log"
)

// IntentResult is the gated classification outcome
type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// IntentClassifier classifies message intent. The oracle is only asked for
// DISPUTE or NOT_DISPUTE plus a confidence score; the deterministic gate
// downgrades low-confidence DISPUTE results to AMBIGUOUS because the oracle
// is not trusted to self-certify borderline cases.
type IntentClassifier struct {
	llm       Completer
	threshold float64
}

// NewIntentClassifier creates an intent classification adapter with the given
// confidence threshold.
func NewIntentClassifier(llm Completer, threshold float64) *IntentClassifier {
	return &IntentClassifier{llm: llm, threshold: threshold}
}

// Classify never fails: malformed oracle output defaults to AMBIGUOUS with
// confidence 0 and an explanatory reason.
func (c *IntentClassifier) Classify(ctx context.Context, subject, body string) IntentResult {
	raw, err := c.llm.Complete(ctx, BuildIntentPrompt(subject, body))
	if err != nil {
		log.Printf("Intent oracle failed, defaulting to AMBIGUOUS: %v", err)
		return IntentResult{Intent: "AMBIGUOUS", Confidence: 0, Reason: "intent oracle unavailable"}
	}

	var parsed IntentResult
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &parsed); err != nil {
		log.Printf("Intent oracle returned unparseable JSON, defaulting to AMBIGUOUS: %v", err)
		return IntentResult{Intent: "AMBIGUOUS", Confidence: 0, Reason: "could not parse oracle response"}
	}

	parsed.Confidence = clamp01(parsed.Confidence)

	switch parsed.Intent {
	case "DISPUTE", "NOT_DISPUTE", "AMBIGUOUS":
	default:
		return IntentResult{Intent: "AMBIGUOUS", Confidence: 0, Reason: "invalid intent value from oracle"}
	}

	// Confidence gate: a borderline DISPUTE is demoted rather than trusted.
	// The oracle's confidence is kept as-is; zero is reserved for output we
	// could not parse at all.
	if parsed.Intent == "DISPUTE" && parsed.Confidence < c.threshold {
		parsed.Intent = "AMBIGUOUS"
		if parsed.Reason != "" {
			parsed.Reason = "low-confidence dispute: " + parsed.Reason
		} else {
			parsed.Reason = "low-confidence dispute"
		}
	}

	return parsed
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
