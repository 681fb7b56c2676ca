package oracle

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/disputeflow/disputeflow/internal/database"
)

// Decision actions
const (
	DecisionMatch = "MATCH"
	DecisionNew   = "NEW"
)

// Decision is the validated tie-break outcome. DisputeID is set only for a
// verified MATCH.
type Decision struct {
	Action    string
	DisputeID *uuid.UUID
	Reason    string
}

// DecisionMaker asks the oracle whether a message continues one of the
// shortlisted cases. An oracle-supplied id is never trusted without
// cross-checking the shortlist; every failure mode falls back to NEW.
type DecisionMaker struct {
	llm Completer
}

// NewDecisionMaker creates a decision adapter
func NewDecisionMaker(llm Completer) *DecisionMaker {
	return &DecisionMaker{llm: llm}
}

type rawDecision struct {
	Action    string `json:"action"`
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason"`
}

// Decide never fails; the most conservative outcome is a NEW case.
func (d *DecisionMaker) Decide(ctx context.Context, subject, body string, candidates []database.CaseCandidate) Decision {
	raw, err := d.llm.Complete(ctx, BuildDecisionPrompt(subject, body, candidates))
	if err != nil {
		log.Printf("Decision oracle failed, defaulting to NEW: %v", err)
		return Decision{Action: DecisionNew, Reason: "decision oracle unavailable"}
	}

	var parsed rawDecision
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &parsed); err != nil {
		log.Printf("Decision oracle returned unparseable JSON, defaulting to NEW: %v", err)
		return Decision{Action: DecisionNew, Reason: "could not parse oracle response"}
	}

	switch parsed.Action {
	case DecisionNew:
		return Decision{Action: DecisionNew, Reason: parsed.Reason}
	case DecisionMatch:
	default:
		log.Printf("Decision oracle returned invalid action %q, defaulting to NEW", parsed.Action)
		return Decision{Action: DecisionNew, Reason: "invalid action from oracle"}
	}

	id, err := uuid.Parse(parsed.DisputeID)
	if err != nil {
		return Decision{Action: DecisionNew, Reason: "MATCH without a valid dispute id"}
	}
	for _, c := range candidates {
		if c.ID == id {
			return Decision{Action: DecisionMatch, DisputeID: &id, Reason: parsed.Reason}
		}
	}

	log.Printf("Decision oracle named dispute %s outside the shortlist, defaulting to NEW", id)
	return Decision{Action: DecisionNew, Reason: "oracle named a dispute outside the shortlist"}
}
