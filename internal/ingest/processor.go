package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/oracle"
	"github.com/disputeflow/disputeflow/internal/services"
	"github.com/disputeflow/disputeflow/internal/utils"
)

// Processor runs one inbound message through the full pipeline: supplier
// resolution, the idempotency gate, thread continuity, intent triage,
// fact extraction, intake aggregation and dispute matching. Every path
// through Process reaches exactly one terminal decision per message.
type Processor struct {
	store     *database.Store
	suppliers *services.SupplierService
	intents   IntentOracle
	facts     FactOracle
	intakes   *services.IntakeService
	matcher   *services.MatcherService
	summaries *services.SummaryService
	clarifier *services.ClarificationService
}

func NewProcessor(
	store *database.Store,
	suppliers *services.SupplierService,
	intents IntentOracle,
	facts FactOracle,
	intakes *services.IntakeService,
	matcher *services.MatcherService,
	summaries *services.SummaryService,
	clarifier *services.ClarificationService,
) *Processor {
	return &Processor{
		store:     store,
		suppliers: suppliers,
		intents:   intents,
		facts:     facts,
		intakes:   intakes,
		matcher:   matcher,
		summaries: summaries,
		clarifier: clarifier,
	}
}

// Process handles one inbound message end to end. Messages from unknown
// senders and already-processed messages return a zero outcome with no
// database writes. A non-nil error means the terminal decision was reached
// and committed but clarification delivery failed.
func (p *Processor) Process(ctx context.Context, in InboundMessage) (services.Outcome, error) {
	supplier, err := p.suppliers.ResolveSender(in.Sender)
	if err != nil {
		return services.Outcome{}, fmt.Errorf("failed to resolve sender %q: %w", in.Sender, err)
	}
	if supplier == nil {
		log.Printf("Skipping message %s from unknown sender %q", in.ExternalID, in.Sender)
		return services.Outcome{}, nil
	}

	processed, err := p.store.AlreadyProcessed(in.ExternalID)
	if err != nil {
		return services.Outcome{}, fmt.Errorf("failed to check processing ledger: %w", err)
	}
	if processed {
		log.Printf("Message %s already processed, skipping", in.ExternalID)
		return services.Outcome{}, nil
	}

	msg := &database.MessageRecord{
		SupplierID: supplier.ID,
		ExternalID: in.ExternalID,
		ThreadID:   in.ThreadID,
		Sender:     in.Sender,
		Subject:    in.Subject,
		Body:       utils.NormalizeBody(in.Body),
		ReceivedAt: in.ReceivedAt,
	}
	if err := p.store.CreateMessage(msg); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return services.Outcome{}, fmt.Errorf("failed to store message %s: %w", in.ExternalID, err)
		}
		// The record already exists. If the ledger entry exists too, the
		// other run finished and this delivery is a replay. Without a
		// ledger entry a prior run died mid-pipeline (or is still in
		// flight): resume with the stored record. Every downstream write
		// is write-once, so re-executing the remainder is safe either way.
		processed, perr := p.store.AlreadyProcessed(in.ExternalID)
		if perr != nil {
			return services.Outcome{}, fmt.Errorf("failed to check processing ledger: %w", perr)
		}
		if processed {
			log.Printf("Message %s already processed, skipping", in.ExternalID)
			return services.Outcome{}, nil
		}
		existing, ferr := p.store.FindMessageByExternalID(in.ExternalID)
		if ferr != nil {
			return services.Outcome{}, fmt.Errorf("failed to load message %s: %w", in.ExternalID, ferr)
		}
		if existing == nil {
			return services.Outcome{}, fmt.Errorf("message %s vanished between insert conflict and lookup", in.ExternalID)
		}
		log.Printf("Resuming message %s, stored but never ledgered", in.ExternalID)
		msg = existing
	}

	// Thread continuity short-circuits everything else, including the
	// intent oracle: a reply on a dispute thread belongs to that dispute.
	dispute, err := p.matcher.MatchThread(supplier.ID, msg.ThreadID)
	if err != nil {
		return services.Outcome{}, err
	}
	if dispute != nil {
		msg.IntentStatus = database.IntentDispute
		msg.IntentConfidence = 1.0
		msg.IntentReason = "matched via existing thread"
		if err := p.store.SaveMessage(msg); err != nil {
			return services.Outcome{}, fmt.Errorf("failed to save message %s: %w", msg.ExternalID, err)
		}
		outcome := services.Outcome{Kind: services.KindMatchedThread, DisputeID: &dispute.ID, Reason: "reply on existing dispute thread"}
		return p.attach(ctx, msg, dispute.ID, outcome)
	}

	intent := p.intents.Classify(ctx, msg.Subject, msg.Body)
	msg.IntentStatus = intent.Intent
	msg.IntentConfidence = intent.Confidence
	msg.IntentReason = intent.Reason
	if err := p.store.SaveMessage(msg); err != nil {
		return services.Outcome{}, fmt.Errorf("failed to save message %s: %w", msg.ExternalID, err)
	}

	switch intent.Intent {
	case database.IntentNotDispute:
		outcome := services.Outcome{Kind: services.KindNotDispute, Reason: intent.Reason}
		return p.finish(ctx, msg, outcome, nil)
	case database.IntentDispute:
		return p.processDispute(ctx, supplier, msg)
	default:
		return p.processAmbiguous(ctx, supplier, msg)
	}
}

// processAmbiguous asks the supplier what they actually need, subject to
// the per-thread rate limit.
func (p *Processor) processAmbiguous(ctx context.Context, supplier *database.Supplier, msg *database.MessageRecord) (services.Outcome, error) {
	req, err := p.clarifier.Prepare(ctx, supplier, msg, nil, nil)
	if err != nil {
		return services.Outcome{}, err
	}
	if req == nil {
		outcome := services.Outcome{Kind: services.KindWaiting, Reason: "clarification recently sent, awaiting reply"}
		return p.finish(ctx, msg, outcome, nil)
	}
	outcome := services.Outcome{Kind: services.KindClarificationSent, Reason: "intent unclear"}
	return p.finish(ctx, msg, outcome, req)
}

func (p *Processor) processDispute(ctx context.Context, supplier *database.Supplier, msg *database.MessageRecord) (services.Outcome, error) {
	extraction := p.facts.Extract(ctx, msg.Subject, msg.Body)
	msg.Facts = extractionToJSONB(extraction)
	if err := p.store.SaveMessage(msg); err != nil {
		return services.Outcome{}, fmt.Errorf("failed to save facts for message %s: %w", msg.ExternalID, err)
	}

	invoice := extraction.Facts.PrimaryInvoice()
	po := extraction.Facts.PrimaryPO()

	// An invoice number quoted by an existing open case settles the match
	// without any oracle call, and without opening a second intake for a
	// key that already produced a case.
	if invoice != "" {
		hard, err := p.matcher.MatchHard(supplier.ID, invoice)
		if err != nil {
			return services.Outcome{}, err
		}
		if hard != nil {
			outcome := services.Outcome{Kind: services.KindHardMatch, DisputeID: &hard.ID, Reason: fmt.Sprintf("open case references invoice %s", invoice)}
			return p.attach(ctx, msg, hard.ID, outcome)
		}
	}

	if invoice != "" || po != "" {
		outcome, pending, err := p.intakes.Process(ctx, supplier, msg, extraction)
		if err != nil {
			return services.Outcome{}, err
		}
		return p.finish(ctx, msg, outcome, pending)
	}

	// No business key at all: fall back to similarity matching.
	decision, err := p.matcher.ResolveBySimilarity(ctx, supplier.ID, msg)
	if err != nil {
		return services.Outcome{}, err
	}
	if decision.Action == oracle.DecisionMatch && decision.DisputeID != nil {
		outcome := services.Outcome{Kind: services.KindSimilarityMatch, DisputeID: decision.DisputeID, Reason: decision.Reason}
		return p.attach(ctx, msg, *decision.DisputeID, outcome)
	}

	dispute := &database.DisputeCase{
		SupplierID: supplier.ID,
		Status:     database.CaseStatusOpen,
	}
	dispute.Summary = p.summaries.SummarizeNewMessage(ctx, msg)
	dispute.SummaryEmbedding = p.summaries.EmbedSummary(ctx, dispute.Summary)
	if err := p.store.CreateCase(dispute); err != nil {
		return services.Outcome{}, fmt.Errorf("failed to create dispute case: %w", err)
	}
	if err := p.store.LinkMessageToCase(msg.ID, dispute.ID); err != nil {
		return services.Outcome{}, fmt.Errorf("failed to link message to case %s: %w", dispute.ID, err)
	}
	log.Printf("Created dispute case %s for message %s (%s)", dispute.ID, msg.ExternalID, decision.Reason)
	outcome := services.Outcome{Kind: services.KindNewCase, DisputeID: &dispute.ID, Reason: decision.Reason}
	return p.finish(ctx, msg, outcome, nil)
}

// attach links a message to an existing case, refreshes the case summary
// and finishes the run.
func (p *Processor) attach(ctx context.Context, msg *database.MessageRecord, disputeID uuid.UUID, outcome services.Outcome) (services.Outcome, error) {
	if err := p.store.LinkMessageToCase(msg.ID, disputeID); err != nil {
		return services.Outcome{}, fmt.Errorf("failed to link message to case %s: %w", disputeID, err)
	}
	if err := p.summaries.RefreshCaseSummary(ctx, disputeID); err != nil {
		log.Printf("Failed to refresh summary for case %s: %v", disputeID, err)
	}
	return p.finish(ctx, msg, outcome, nil)
}

// finish writes the processing ledger entry and then, last of all, delivers
// any pending clarification. Ledger first: a transport failure must not
// cause the message to be reprocessed from scratch.
func (p *Processor) finish(ctx context.Context, msg *database.MessageRecord, outcome services.Outcome, pending *services.ClarificationRequest) (services.Outcome, error) {
	if err := p.store.RecordProcessed(msg.ExternalID, outcome.Kind.IsDispute()); err != nil {
		return services.Outcome{}, fmt.Errorf("failed to record processed message %s: %w", msg.ExternalID, err)
	}
	log.Printf("Processed message %s: %s (%s)", msg.ExternalID, outcome.Kind, outcome.Reason)
	if pending != nil {
		if err := p.clarifier.Deliver(ctx, pending); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func extractionToJSONB(extraction oracle.Extraction) database.JSONB {
	raw, err := json.Marshal(extraction)
	if err != nil {
		log.Printf("Failed to marshal extraction for persistence: %v", err)
		return nil
	}
	var out database.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Printf("Failed to convert extraction to JSONB: %v", err)
		return nil
	}
	return out
}
