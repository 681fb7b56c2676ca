package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/oracle"
)

// IntakeService runs the intake state machine: one active intake per
// supplier and business key, absorbing partial facts until the required
// fields are complete or the clarification budget runs out.
type IntakeService struct {
	store     *database.Store
	summaries *SummaryService
	clarifier *ClarificationService
	notifier  Notifier
	max       int
}

func NewIntakeService(store *database.Store, summaries *SummaryService, clarifier *ClarificationService, notifier Notifier, maxClarifications int) *IntakeService {
	return &IntakeService{
		store:     store,
		summaries: summaries,
		clarifier: clarifier,
		notifier:  notifier,
		max:       maxClarifications,
	}
}

// Process absorbs a dispute message carrying a business key into its intake.
// A complete intake is promoted to a dispute case immediately; an incomplete
// one triggers the clarification policy. The returned request, when non-nil,
// is a clarification whose delivery the caller owes after it commits the
// processing ledger.
//
// Every intake write is guarded on the row still being active, so a run
// racing a terminal transition can never mutate a READY or DROPPED intake.
// When that happens the run reacts to the transition instead: a concurrent
// promotion absorbs the message into the new case, a concurrent drop frees
// the business key and the run retries once from lookup.
func (s *IntakeService) Process(ctx context.Context, supplier *database.Supplier, msg *database.MessageRecord, extraction oracle.Extraction) (Outcome, *ClarificationRequest, error) {
	outcome, req, retry, err := s.run(ctx, supplier, msg, extraction)
	if err != nil || !retry {
		return outcome, req, err
	}
	outcome, req, retry, err = s.run(ctx, supplier, msg, extraction)
	if err == nil && retry {
		return Outcome{}, nil, fmt.Errorf("intake for supplier %s kept reaching terminal states concurrently", supplier.ID)
	}
	return outcome, req, err
}

func (s *IntakeService) run(ctx context.Context, supplier *database.Supplier, msg *database.MessageRecord, extraction oracle.Extraction) (Outcome, *ClarificationRequest, bool, error) {
	invoice := extraction.Facts.PrimaryInvoice()
	po := extraction.Facts.PrimaryPO()
	amount, currency := extraction.Facts.Amount()
	reason := extraction.Facts.Reason()

	intake, err := s.store.FindActiveIntake(supplier.ID, invoice, po)
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("failed to look up active intake: %w", err)
	}

	if intake == nil {
		fresh := &database.Intake{
			SupplierID:    supplier.ID,
			ThreadID:      msg.ThreadID,
			RootMessageID: msg.ExternalID,
			Status:        database.IntakeStatusWaiting,
		}
		fresh.MergeFacts(invoice, po, amount, currency, reason)
		winner, created, err := s.store.CreateIntake(fresh)
		if err != nil {
			return Outcome{}, nil, false, fmt.Errorf("failed to create intake: %w", err)
		}
		intake = winner
		if created {
			log.Printf("Created intake %s for supplier %s (invoice=%q po=%q)", intake.ID, supplier.Name, invoice, po)
		} else {
			// Lost the creation race; fold our facts into the winner.
			if err := s.mergeAndSave(intake, invoice, po, amount, currency, reason); err != nil {
				if errors.Is(err, database.ErrIntakeStale) {
					return s.resolveStale(intake, msg)
				}
				return Outcome{}, nil, false, err
			}
		}
	} else {
		if err := s.mergeAndSave(intake, invoice, po, amount, currency, reason); err != nil {
			if errors.Is(err, database.ErrIntakeStale) {
				return s.resolveStale(intake, msg)
			}
			return Outcome{}, nil, false, err
		}
	}

	if intake.IsComplete() {
		return s.promote(ctx, intake, msg)
	}
	return s.handleIncomplete(ctx, supplier, intake, msg)
}

// resolveStale reacts to a terminal transition that won a race against this
// run. A promoted intake absorbs the message into its new case; a dropped
// intake freed the business key, so the caller retries from lookup.
func (s *IntakeService) resolveStale(intake *database.Intake, msg *database.MessageRecord) (Outcome, *ClarificationRequest, bool, error) {
	refreshed, err := s.store.RefetchIntake(intake.ID)
	if err != nil {
		return Outcome{}, nil, false, err
	}
	if refreshed.Status == database.IntakeStatusReady && refreshed.DisputeID != nil {
		if err := s.store.LinkMessageToCase(msg.ID, *refreshed.DisputeID); err != nil {
			return Outcome{}, nil, false, fmt.Errorf("failed to link message to case %s: %w", *refreshed.DisputeID, err)
		}
		log.Printf("Intake %s was promoted concurrently, attaching message %s to case %s", intake.ID, msg.ExternalID, *refreshed.DisputeID)
		return Outcome{Kind: KindHardMatch, DisputeID: refreshed.DisputeID, Reason: "intake promoted by a concurrent run"}, nil, false, nil
	}
	log.Printf("Intake %s reached %s concurrently, retrying from lookup", intake.ID, refreshed.Status)
	return Outcome{}, nil, true, nil
}

// mergeAndSave writes merged facts back through the status-guarded update,
// retrying once after a unique-key conflict by refetching and re-merging.
// A second conflict is surfaced; ErrIntakeStale passes through untouched.
func (s *IntakeService) mergeAndSave(intake *database.Intake, invoice, po string, amount *float64, currency, reason string) error {
	if !intake.MergeFacts(invoice, po, amount, currency, reason) {
		return nil
	}
	err := s.store.SaveActiveIntake(intake)
	if err == nil || errors.Is(err, database.ErrIntakeStale) {
		return err
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("failed to save intake %s: %w", intake.ID, err)
	}

	refreshed, rerr := s.store.RefetchIntake(intake.ID)
	if rerr != nil {
		return fmt.Errorf("failed to refetch intake %s after conflict: %w", intake.ID, rerr)
	}
	*intake = *refreshed
	if !intake.MergeFacts(invoice, po, amount, currency, reason) {
		return nil
	}
	if err := s.store.SaveActiveIntake(intake); err != nil {
		if errors.Is(err, database.ErrIntakeStale) {
			return err
		}
		return fmt.Errorf("failed to save intake %s after conflict retry: %w", intake.ID, err)
	}
	return nil
}

func (s *IntakeService) promote(ctx context.Context, intake *database.Intake, msg *database.MessageRecord) (Outcome, *ClarificationRequest, bool, error) {
	summary := s.summaries.BuildIntakeSummary(intake)
	dispute := &database.DisputeCase{
		SupplierID:       intake.SupplierID,
		Status:           database.CaseStatusOpen,
		Summary:          summary,
		SummaryEmbedding: s.summaries.EmbedSummary(ctx, summary),
	}
	if err := s.store.PromoteIntake(intake, dispute); err != nil {
		if errors.Is(err, database.ErrIntakeStale) {
			return s.resolveStale(intake, msg)
		}
		return Outcome{}, nil, false, fmt.Errorf("failed to promote intake %s: %w", intake.ID, err)
	}
	if err := s.store.LinkMessageToCase(msg.ID, dispute.ID); err != nil {
		return Outcome{}, nil, false, fmt.Errorf("failed to link message to case %s: %w", dispute.ID, err)
	}
	log.Printf("Promoted intake %s to dispute case %s", intake.ID, dispute.ID)
	return Outcome{Kind: KindNewCase, DisputeID: &dispute.ID, Reason: "intake complete, dispute case created"}, nil, false, nil
}

// handleIncomplete applies the clarification policy. The budget check runs
// before any new send: the five allowed clarifications all go out, and the
// drop transition fires on the next incomplete message after the fifth.
func (s *IntakeService) handleIncomplete(ctx context.Context, supplier *database.Supplier, intake *database.Intake, msg *database.MessageRecord) (Outcome, *ClarificationRequest, bool, error) {
	if intake.ClarificationCount >= s.max {
		if err := s.store.DropIntake(intake); err != nil {
			if errors.Is(err, database.ErrIntakeStale) {
				return s.resolveStale(intake, msg)
			}
			return Outcome{}, nil, false, fmt.Errorf("failed to drop intake %s: %w", intake.ID, err)
		}
		s.notifier.NotifyIntakeDropped(intake)
		log.Printf("Dropped intake %s after %d clarifications, still missing %v", intake.ID, intake.ClarificationCount, intake.MissingFields())
		return Outcome{Kind: KindDropped, Reason: "clarification budget exhausted"}, nil, false, nil
	}

	req, err := s.clarifier.Prepare(ctx, supplier, msg, intake.KnownFields(), intake.MissingFields())
	if err != nil {
		return Outcome{}, nil, false, err
	}
	if req == nil {
		return Outcome{Kind: KindWaiting, Reason: "clarification recently sent, awaiting reply"}, nil, false, nil
	}

	now := time.Now()
	intake.ClarificationCount++
	intake.LastClarificationAt = &now
	intake.Status = database.IntakeStatusClarifying
	if err := s.store.SaveActiveIntake(intake); err != nil {
		if errors.Is(err, database.ErrIntakeStale) {
			// The prepared reply is discarded: the intake's fate was
			// settled by the other run.
			return s.resolveStale(intake, msg)
		}
		return Outcome{}, nil, false, fmt.Errorf("failed to record clarification on intake %s: %w", intake.ID, err)
	}
	return Outcome{Kind: KindClarificationSent, Reason: fmt.Sprintf("clarification %d of %d", intake.ClarificationCount, s.max)}, req, false, nil
}
