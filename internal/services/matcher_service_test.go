package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/oracle"
)

func TestMatcherService_MatchHard(t *testing.T) {
	db := setupTestDB(t)
	store := database.NewStore(db)
	supplier := createTestSupplier(t, db)
	m := NewMatcherService(store, &fakeEmbedder{}, &fakeDecider{}, 3)

	c := &database.DisputeCase{SupplierID: supplier.ID, Status: database.CaseStatusOpen,
		Summary: "Dispute for invoice INV-9123 (purchase order PO-554), disputed amount 120.50 EUR."}
	if err := store.CreateCase(c); err != nil {
		t.Fatalf("failed to create case: %v", err)
	}

	got, err := m.MatchHard(supplier.ID, "INV-9123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != c.ID {
		t.Error("expected the case quoting the invoice")
	}

	got, err = m.MatchHard(supplier.ID, "INV-0000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected no match for an unquoted invoice")
	}

	got, err = m.MatchHard(supplier.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("empty invoice must never match")
	}
}

func TestMatcherService_SimilarityNoCandidatesSkipsOracle(t *testing.T) {
	db := setupTestDB(t)
	store := database.NewStore(db)
	supplier := createTestSupplier(t, db)
	decider := &fakeDecider{}
	m := NewMatcherService(store, &fakeEmbedder{}, decider, 3)

	msg := &database.MessageRecord{SupplierID: supplier.ID, ExternalID: "msg-1", Subject: "s", Body: "b", ReceivedAt: time.Now()}
	if err := store.CreateMessage(msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	decision, err := m.ResolveBySimilarity(context.Background(), supplier.ID, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action != oracle.DecisionNew {
		t.Errorf("expected NEW with no candidates, got %s", decision.Action)
	}
	if decider.calls != 0 {
		t.Error("decision oracle consulted despite an empty shortlist")
	}

	// The message embedding was persisted for future similarity runs.
	var reloaded database.MessageRecord
	if err := db.First(&reloaded, "id = ?", msg.ID).Error; err != nil {
		t.Fatalf("failed to reload message: %v", err)
	}
	if reloaded.Embedding == nil || len(reloaded.Embedding.Slice()) == 0 {
		t.Error("message embedding not stored")
	}
}

func TestMatcherService_SimilarityConsultsOracleWithShortlist(t *testing.T) {
	db := setupTestDB(t)
	store := database.NewStore(db)
	supplier := createTestSupplier(t, db)

	near := &database.DisputeCase{SupplierID: supplier.ID, Status: database.CaseStatusOpen, Summary: "near",
		SummaryEmbedding: vecPtr(1, 0, 0)}
	if err := store.CreateCase(near); err != nil {
		t.Fatalf("failed to create case: %v", err)
	}

	decider := &fakeDecider{decision: oracle.Decision{Action: oracle.DecisionMatch, DisputeID: &near.ID, Reason: "same issue"}}
	m := NewMatcherService(store, &fakeEmbedder{vector: []float32{1, 0, 0}}, decider, 3)

	msg := &database.MessageRecord{SupplierID: supplier.ID, ExternalID: "msg-1", Subject: "s", Body: "b", ReceivedAt: time.Now()}
	if err := store.CreateMessage(msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	decision, err := m.ResolveBySimilarity(context.Background(), supplier.ID, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action != oracle.DecisionMatch || decision.DisputeID == nil || *decision.DisputeID != near.ID {
		t.Error("expected the oracle's MATCH to pass through")
	}
	if decider.calls != 1 {
		t.Fatalf("expected one oracle consultation, got %d", decider.calls)
	}
	if len(decider.lastCandidates) != 1 || decider.lastCandidates[0].ID != near.ID {
		t.Error("oracle not given the expected shortlist")
	}
}

func TestMatcherService_EmbeddingFailureFallsBackToNew(t *testing.T) {
	db := setupTestDB(t)
	store := database.NewStore(db)
	supplier := createTestSupplier(t, db)
	decider := &fakeDecider{}
	m := NewMatcherService(store, &fakeEmbedder{err: errors.New("oracle down")}, decider, 3)

	msg := &database.MessageRecord{SupplierID: supplier.ID, ExternalID: "msg-1", Subject: "s", Body: "b", ReceivedAt: time.Now()}
	if err := store.CreateMessage(msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	decision, err := m.ResolveBySimilarity(context.Background(), supplier.ID, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action != oracle.DecisionNew {
		t.Errorf("expected conservative NEW on embedding failure, got %s", decision.Action)
	}
	if decider.calls != 0 {
		t.Error("decision oracle consulted without an embedding")
	}
}
