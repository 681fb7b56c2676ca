package database

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIntakeConflict is returned when an intake insert hit a uniqueness
// violation and the subsequent requery found no active owner either. One
// rollback-and-requery is the contract; a second miss is a logic error.
var ErrIntakeConflict = errors.New("intake uniqueness conflict persisted after requery")

// ErrIntakeStale is returned by guarded intake updates when the row already
// reached READY or DROPPED in the database: a terminal intake is immutable,
// so the caller must refetch and react to the transition instead of writing.
var ErrIntakeStale = errors.New("intake reached a terminal state concurrently")

// activeIntakeStates are the statuses in which an intake may still be
// looked up by business key and mutated.
var activeIntakeStates = []IntakeStatus{IntakeStatusWaiting, IntakeStatusClarifying}

// Store provides the persistence operations the pipeline needs: the
// idempotency ledger, entity create/read/update with uniqueness enforcement,
// and nearest-neighbor search over case summary embeddings.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ========== Idempotency ledger ==========

// AlreadyProcessed reports whether the external message id is in the ledger.
func (s *Store) AlreadyProcessed(externalID string) (bool, error) {
	var count int64
	err := s.db.Model(&ProcessedMessage{}).Where("external_id = ?", externalID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordProcessed writes the ledger entry for a terminal decision. A
// concurrent duplicate insert is silently ignored: the first writer wins and
// the entry is immutable.
func (s *Store) RecordProcessed(externalID string, wasDispute bool) error {
	entry := ProcessedMessage{ExternalID: externalID, WasDispute: wasDispute}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

// ========== Suppliers ==========

// FindSupplierByDomain looks up a supplier by normalized email domain.
// Returns (nil, nil) when the domain is unknown.
func (s *Store) FindSupplierByDomain(domain string) (*Supplier, error) {
	var supplier Supplier
	err := s.db.Where("domain = ?", domain).First(&supplier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

// ========== Message records ==========

// CreateMessage inserts a message record. The unique index on external_id
// makes a concurrent insert of the same message fail with
// gorm.ErrDuplicatedKey, which callers treat as "another run owns this one".
func (s *Store) CreateMessage(msg *MessageRecord) error {
	return s.db.Create(msg).Error
}

// FindMessageByExternalID loads the stored record for an external message id.
// Returns (nil, nil) when no record exists.
func (s *Store) FindMessageByExternalID(externalID string) (*MessageRecord, error) {
	var msg MessageRecord
	err := s.db.Where("external_id = ?", externalID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SaveMessage persists pipeline updates to a message record.
func (s *Store) SaveMessage(msg *MessageRecord) error {
	return s.db.Save(msg).Error
}

// LinkMessageToCase sets the message's dispute reference as a single atomic
// field update. A reference, once set, is never cleared or overwritten.
func (s *Store) LinkMessageToCase(messageID, disputeID uuid.UUID) error {
	return s.db.Model(&MessageRecord{}).
		Where("id = ? AND dispute_id IS NULL", messageID).
		Update("dispute_id", disputeID).Error
}

// MarkClarificationSent records that a clarification reply went out for this
// message.
func (s *Store) MarkClarificationSent(messageID uuid.UUID, at time.Time) error {
	return s.db.Model(&MessageRecord{}).Where("id = ?", messageID).Updates(map[string]interface{}{
		"clarification_sent":    true,
		"clarification_sent_at": at,
	}).Error
}

// LastClarificationAt returns the most recent clarification timestamp on the
// thread, or nil when none was ever sent.
func (s *Store) LastClarificationAt(supplierID uuid.UUID, threadID string) (*time.Time, error) {
	if threadID == "" {
		return nil, nil
	}
	var msg MessageRecord
	err := s.db.Where("supplier_id = ? AND thread_id = ? AND clarification_sent = ?", supplierID, threadID, true).
		Order("clarification_sent_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg.ClarificationSentAt, nil
}

// FindDisputeByThread returns the case already linked to any message on the
// thread for this supplier, or nil when the thread is unlinked. A thread
// cannot legitimately split across two cases, so the first hit is
// authoritative.
func (s *Store) FindDisputeByThread(supplierID uuid.UUID, threadID string) (*DisputeCase, error) {
	if threadID == "" {
		return nil, nil
	}
	var msg MessageRecord
	err := s.db.Where("supplier_id = ? AND thread_id = ? AND dispute_id IS NOT NULL", supplierID, threadID).
		Order("received_at ASC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dispute DisputeCase
	if err := s.db.First(&dispute, "id = ?", *msg.DisputeID).Error; err != nil {
		return nil, err
	}
	return &dispute, nil
}

// CaseNarrativeMessages returns the linked messages that belong in the case
// narrative, in receipt order. Messages that triggered a clarification reply
// are excluded.
func (s *Store) CaseNarrativeMessages(disputeID uuid.UUID) ([]MessageRecord, error) {
	var messages []MessageRecord
	err := s.db.Where("dispute_id = ? AND clarification_sent = ?", disputeID, false).
		Order("received_at ASC").
		Find(&messages).Error
	return messages, err
}

// ========== Dispute cases ==========

// CreateCase inserts a new dispute case.
func (s *Store) CreateCase(c *DisputeCase) error {
	return s.db.Create(c).Error
}

// GetCase returns a case by id.
func (s *Store) GetCase(id uuid.UUID) (*DisputeCase, error) {
	var c DisputeCase
	if err := s.db.First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCaseSummary persists a recomputed summary and its embedding. A nil
// embedding keeps the column NULL; the case is then simply never shortlisted.
func (s *Store) UpdateCaseSummary(id uuid.UUID, summary string, embedding *pgvector.Vector) error {
	return s.db.Model(&DisputeCase{}).Where("id = ?", id).Updates(map[string]interface{}{
		"summary":           summary,
		"summary_embedding": embedding,
	}).Error
}

// OpenCases returns the supplier's OPEN cases, newest first.
func (s *Store) OpenCases(supplierID uuid.UUID) ([]DisputeCase, error) {
	var cases []DisputeCase
	err := s.db.Where("supplier_id = ? AND status = ?", supplierID, CaseStatusOpen).
		Order("created_at DESC").
		Find(&cases).Error
	return cases, err
}

// CaseCandidate is a shortlisted case for the decision oracle.
type CaseCandidate struct {
	ID       uuid.UUID `json:"id"`
	Summary  string    `json:"summary"`
	Distance float64   `json:"-"`
}

// CandidateCases returns the supplier's top-k OPEN cases by ascending cosine
// distance between the message embedding and each case's summary embedding.
// Ranking runs in Go over the supplier's open cases so the same path serves
// postgres and the in-memory sqlite used by tests.
func (s *Store) CandidateCases(supplierID uuid.UUID, embedding []float32, k int) ([]CaseCandidate, error) {
	cases, err := s.OpenCases(supplierID)
	if err != nil {
		return nil, err
	}

	var candidates []CaseCandidate
	for _, c := range cases {
		if c.SummaryEmbedding == nil {
			continue
		}
		summaryVec := c.SummaryEmbedding.Slice()
		if len(summaryVec) == 0 {
			continue
		}
		candidates = append(candidates, CaseCandidate{
			ID:       c.ID,
			Summary:  c.Summary,
			Distance: CosineDistance(embedding, summaryVec),
		})
	}

	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].Distance < candidates[b].Distance
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// CosineDistance returns 1 - cosine similarity. Vectors with zero norm or
// mismatched length get the maximum useful distance so they rank last.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// ========== Intakes ==========

// FindActiveIntake searches for a WAITING/CLARIFYING intake by business key.
// Invoice number takes lookup priority over purchase-order number.
func (s *Store) FindActiveIntake(supplierID uuid.UUID, invoice, po string) (*Intake, error) {
	if invoice != "" {
		var intake Intake
		err := s.db.Where("supplier_id = ? AND invoice_number = ? AND status IN ?", supplierID, invoice, activeIntakeStates).
			First(&intake).Error
		if err == nil {
			return &intake, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if po != "" {
		var intake Intake
		err := s.db.Where("supplier_id = ? AND purchase_order_number = ? AND status IN ?", supplierID, po, activeIntakeStates).
			First(&intake).Error
		if err == nil {
			return &intake, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// CreateIntake attempts the insert half of the compare-and-insert contract:
// on a uniqueness conflict the insert is rolled back and the now-existing
// active intake is re-read, yielding to the winner. The returned bool reports
// whether this call created the row.
func (s *Store) CreateIntake(intake *Intake) (*Intake, bool, error) {
	err := s.db.Create(intake).Error
	if err == nil {
		return intake, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}

	winner, ferr := s.FindActiveIntake(intake.SupplierID, intake.InvoiceNumber, intake.PurchaseOrderNumber)
	if ferr != nil {
		return nil, false, ferr
	}
	if winner == nil {
		return nil, false, ErrIntakeConflict
	}
	return winner, false, nil
}

// SaveActiveIntake persists intake mutations with a status guard: the update
// only lands while the row is still WAITING or CLARIFYING in the database.
// Returns ErrIntakeStale when a concurrent run promoted or dropped the intake
// first, so a stale in-memory copy can never revert a terminal transition.
func (s *Store) SaveActiveIntake(intake *Intake) error {
	res := s.db.Model(&Intake{}).
		Where("id = ? AND status IN ?", intake.ID, activeIntakeStates).
		Updates(map[string]interface{}{
			"thread_id":             intake.ThreadID,
			"invoice_number":        intake.InvoiceNumber,
			"purchase_order_number": intake.PurchaseOrderNumber,
			"amount":                intake.Amount,
			"currency":              intake.Currency,
			"reason":                intake.Reason,
			"status":                intake.Status,
			"clarification_count":   intake.ClarificationCount,
			"last_clarification_at": intake.LastClarificationAt,
			"active_invoice_key":    intake.ActiveInvoiceKey,
			"active_po_key":         intake.ActivePOKey,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIntakeStale
	}
	return nil
}

// PromoteIntake creates the dispute case and flips the intake to READY in one
// transaction, clearing the active-key guards so the business key is free for
// future intakes. The flip carries the same status guard as SaveActiveIntake:
// if another run reached a terminal state first the transaction rolls back,
// taking the case insert with it, and ErrIntakeStale is returned.
func (s *Store) PromoteIntake(intake *Intake, dispute *DisputeCase) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dispute).Error; err != nil {
			return err
		}
		res := tx.Model(&Intake{}).
			Where("id = ? AND status IN ?", intake.ID, activeIntakeStates).
			Updates(map[string]interface{}{
				"status":             IntakeStatusReady,
				"dispute_id":         dispute.ID,
				"active_invoice_key": nil,
				"active_po_key":      nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrIntakeStale
		}
		return nil
	})
}

// DropIntake flips the intake to DROPPED, its terminal failure state. Guarded
// like PromoteIntake; ErrIntakeStale means another run won a terminal
// transition first.
func (s *Store) DropIntake(intake *Intake) error {
	res := s.db.Model(&Intake{}).
		Where("id = ? AND status IN ?", intake.ID, activeIntakeStates).
		Updates(map[string]interface{}{
			"status":             IntakeStatusDropped,
			"active_invoice_key": nil,
			"active_po_key":      nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIntakeStale
	}
	return nil
}

// RefetchIntake re-reads an intake by id, used after a save conflict.
func (s *Store) RefetchIntake(id uuid.UUID) (*Intake, error) {
	var intake Intake
	if err := s.db.First(&intake, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to refetch intake %s: %w", id, err)
	}
	return &intake, nil
}
