package services

import "github.com/google/uuid"

// OutcomeKind tags the terminal result of one message's pipeline run.
type OutcomeKind int

const (
	KindNone OutcomeKind = iota
	KindMatchedThread
	KindHardMatch
	KindSimilarityMatch
	KindNewCase
	KindClarificationSent
	KindWaiting
	KindDropped
	KindNotDispute
)

// String returns the log-friendly name of the outcome kind
func (k OutcomeKind) String() string {
	switch k {
	case KindMatchedThread:
		return "MATCHED_THREAD"
	case KindHardMatch:
		return "HARD_MATCH"
	case KindSimilarityMatch:
		return "SIMILARITY_MATCH"
	case KindNewCase:
		return "NEW_CASE"
	case KindClarificationSent:
		return "CLARIFICATION_SENT"
	case KindWaiting:
		return "WAITING"
	case KindDropped:
		return "DROPPED"
	case KindNotDispute:
		return "NOT_DISPUTE"
	default:
		return "NONE"
	}
}

// IsDispute reports whether the outcome attached the message to a dispute
// case (new or existing). This drives the was_dispute ledger tag.
func (k OutcomeKind) IsDispute() bool {
	switch k {
	case KindMatchedThread, KindHardMatch, KindSimilarityMatch, KindNewCase:
		return true
	default:
		return false
	}
}

// Outcome is the tagged result of a pipeline run, carrying only the fields
// its kind needs.
type Outcome struct {
	Kind      OutcomeKind
	DisputeID *uuid.UUID
	Reason    string
}
