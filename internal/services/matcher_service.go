package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/oracle"
)

// DecisionOracle asks the reasoning model whether a message belongs to one
// of the shortlisted cases.
type DecisionOracle interface {
	Decide(ctx context.Context, subject, body string, candidates []database.CaseCandidate) oracle.Decision
}

// MatcherService resolves which dispute case, if any, a message belongs to.
// Its steps run in fixed precedence: thread continuity, then exact invoice
// match against open case summaries, then embedding similarity refined by
// the decision oracle. The cheap deterministic steps run first so the
// oracle is only consulted when nothing else settles the question.
type MatcherService struct {
	store    *database.Store
	embedder oracle.Embedder
	decider  DecisionOracle
	k        int
}

func NewMatcherService(store *database.Store, embedder oracle.Embedder, decider DecisionOracle, candidateLimit int) *MatcherService {
	return &MatcherService{store: store, embedder: embedder, decider: decider, k: candidateLimit}
}

// MatchThread finds the open case already linked to messages on the given
// thread. Returns (nil, nil) when the thread is new.
func (m *MatcherService) MatchThread(supplierID uuid.UUID, threadID string) (*database.DisputeCase, error) {
	return m.store.FindDisputeByThread(supplierID, threadID)
}

// MatchHard scans the supplier's open cases for one whose summary contains
// the extracted invoice number verbatim. Returns (nil, nil) when no case
// mentions it.
func (m *MatcherService) MatchHard(supplierID uuid.UUID, invoice string) (*database.DisputeCase, error) {
	if invoice == "" {
		return nil, nil
	}
	cases, err := m.store.OpenCases(supplierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open cases: %w", err)
	}
	for i := range cases {
		if strings.Contains(cases[i].Summary, invoice) {
			return &cases[i], nil
		}
	}
	return nil, nil
}

// ResolveBySimilarity embeds the message, shortlists the supplier's nearest
// open cases and lets the decision oracle pick MATCH or NEW. Every failure
// mode degrades to NEW: a duplicate case is recoverable, a silently wrong
// attachment is not.
func (m *MatcherService) ResolveBySimilarity(ctx context.Context, supplierID uuid.UUID, msg *database.MessageRecord) (oracle.Decision, error) {
	emb, err := m.embedder.Embed(ctx, oracle.EmbeddingInput(msg.Subject, msg.Body))
	if err != nil {
		log.Printf("Embedding oracle failed for message %s: %v", msg.ExternalID, err)
		return oracle.Decision{Action: oracle.DecisionNew, Reason: "embedding unavailable"}, nil
	}
	vec := pgvector.NewVector(emb)
	msg.Embedding = &vec
	if err := m.store.SaveMessage(msg); err != nil {
		return oracle.Decision{}, fmt.Errorf("failed to store message embedding: %w", err)
	}

	candidates, err := m.store.CandidateCases(supplierID, emb, m.k)
	if err != nil {
		return oracle.Decision{}, fmt.Errorf("failed to shortlist candidate cases: %w", err)
	}
	if len(candidates) == 0 {
		return oracle.Decision{Action: oracle.DecisionNew, Reason: "no similar disputes found"}, nil
	}

	return m.decider.Decide(ctx, msg.Subject, msg.Body, candidates), nil
}
