package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/oracle"
	"github.com/disputeflow/disputeflow/internal/services"
)

type fakeIntent struct {
	result oracle.IntentResult
	calls  int
}

func (f *fakeIntent) Classify(ctx context.Context, subject, body string) oracle.IntentResult {
	f.calls++
	return f.result
}

type fakeFacts struct {
	extraction oracle.Extraction
	calls      int
}

func (f *fakeFacts) Extract(ctx context.Context, subject, body string) oracle.Extraction {
	f.calls++
	return f.extraction
}

type fakeEmbedder struct {
	vector []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.vector != nil {
		return f.vector, nil
	}
	return []float32{1, 0, 0}, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) SummarizeThread(ctx context.Context, thread string) (string, error) {
	return "summarized thread", nil
}

type fakeComposer struct{}

func (fakeComposer) Compose(ctx context.Context, known map[string]string, missing []string) (string, error) {
	return "Please send the missing details.", nil
}

type fakeDispatcher struct {
	sent []string
}

func (f *fakeDispatcher) SendReply(ctx context.Context, recipient, subject, body, threadID, replyToID string) error {
	f.sent = append(f.sent, subject)
	return nil
}

type fakeNotifier struct {
	dropped int
}

func (f *fakeNotifier) NotifyIntakeDropped(intake *database.Intake) { f.dropped++ }
func (f *fakeNotifier) NotifyTransportFailure(recipient, subject string, err error) {}

type fakeDecider struct {
	decision oracle.Decision
	calls    int
}

func (f *fakeDecider) Decide(ctx context.Context, subject, body string, candidates []database.CaseCandidate) oracle.Decision {
	f.calls++
	if f.decision.Action == "" {
		return oracle.Decision{Action: oracle.DecisionNew, Reason: "fake default"}
	}
	return f.decision
}

type pipelineFixture struct {
	db         *gorm.DB
	store      *database.Store
	supplier   *database.Supplier
	intent     *fakeIntent
	facts      *fakeFacts
	decider    *fakeDecider
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
	processor  *Processor
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	db, err := database.Connect(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	store := database.NewStore(db)
	supplier := &database.Supplier{Name: "Acme Industrial Parts", Domain: "acme-parts.example"}
	if err := db.Create(supplier).Error; err != nil {
		t.Fatalf("failed to create supplier: %v", err)
	}

	intent := &fakeIntent{result: oracle.IntentResult{Intent: database.IntentDispute, Confidence: 0.95, Reason: "test"}}
	facts := &fakeFacts{extraction: oracle.Extraction{Facts: oracle.EmptyFacts()}}
	decider := &fakeDecider{}
	dispatcher := &fakeDispatcher{}
	notifier := &fakeNotifier{}
	embedder := &fakeEmbedder{}

	suppliers := services.NewSupplierService(store)
	summaries := services.NewSummaryService(store, fakeSummarizer{}, embedder)
	clarifier := services.NewClarificationService(store, fakeComposer{}, dispatcher, notifier, 24*time.Hour)
	intakes := services.NewIntakeService(store, summaries, clarifier, notifier, database.MaxClarifications)
	matcher := services.NewMatcherService(store, embedder, decider, 3)
	processor := NewProcessor(store, suppliers, intent, facts, intakes, matcher, summaries, clarifier)

	return &pipelineFixture{
		db: db, store: store, supplier: supplier,
		intent: intent, facts: facts, decider: decider,
		dispatcher: dispatcher, notifier: notifier, processor: processor,
	}
}

func (f *pipelineFixture) setFacts(invoice, po string, amount *float64, currency, reason string) {
	facts := oracle.EmptyFacts()
	if invoice != "" {
		facts.CommercialIdentifiers.InvoiceNumbers = []string{invoice}
	}
	if po != "" {
		facts.CommercialIdentifiers.PurchaseOrderNumbers = []string{po}
	}
	facts.Financials.DisputedAmount.Value = amount
	facts.Financials.DisputedAmount.Currency = currency
	facts.Issue.Description = reason
	f.facts.extraction = oracle.Extraction{Facts: facts}
}

func inbound(externalID, threadID string) InboundMessage {
	return InboundMessage{
		ExternalID: externalID,
		ThreadID:   threadID,
		Sender:     "billing@acme-parts.example",
		Subject:    "Invoice problem",
		Body:       "There is a problem with our invoice.",
		ReceivedAt: time.Now(),
	}
}

func amountPtr(v float64) *float64 { return &v }

func TestProcessor_SameInvoiceJoinsExistingCase(t *testing.T) {
	f := newPipelineFixture(t)
	f.setFacts("INV-9123", "PO-554", amountPtr(120.50), "EUR", "shipment billed twice")

	first, err := f.processor.Process(context.Background(), inbound("msg-1", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Kind != services.KindNewCase {
		t.Fatalf("expected first message to create a case, got %s", first.Kind)
	}

	second, err := f.processor.Process(context.Background(), inbound("msg-2", "thread-2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != services.KindHardMatch {
		t.Fatalf("expected second message to hard-match, got %s", second.Kind)
	}
	if *second.DisputeID != *first.DisputeID {
		t.Error("second message attached to a different case")
	}
	if f.decider.calls != 0 {
		t.Error("decision oracle consulted for a deterministic match")
	}

	var caseCount int64
	f.db.Model(&database.DisputeCase{}).Count(&caseCount)
	if caseCount != 1 {
		t.Errorf("expected 1 case, got %d", caseCount)
	}
}

func TestProcessor_DifferentInvoicesSeparateCases(t *testing.T) {
	f := newPipelineFixture(t)

	f.setFacts("INV-9123", "PO-554", amountPtr(120.50), "EUR", "shipment billed twice")
	first, err := f.processor.Process(context.Background(), inbound("msg-1", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.setFacts("INV-8812", "PO-600", amountPtr(75.00), "EUR", "wrong unit price applied")
	second, err := f.processor.Process(context.Background(), inbound("msg-2", "thread-2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != services.KindNewCase {
		t.Fatalf("expected a second case, got %s", second.Kind)
	}
	if *second.DisputeID == *first.DisputeID {
		t.Error("unrelated invoices merged into one case")
	}
}

func TestProcessor_ThreadContinuitySkipsIntentOracle(t *testing.T) {
	f := newPipelineFixture(t)
	f.setFacts("INV-9123", "PO-554", amountPtr(120.50), "EUR", "shipment billed twice")

	first, err := f.processor.Process(context.Background(), inbound("msg-1", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	intentCallsBefore := f.intent.calls

	reply := inbound("msg-2", "thread-1")
	reply.Body = "Thanks, please confirm the credit note."
	second, err := f.processor.Process(context.Background(), reply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != services.KindMatchedThread {
		t.Fatalf("expected thread continuity, got %s", second.Kind)
	}
	if *second.DisputeID != *first.DisputeID {
		t.Error("reply attached to a different case")
	}
	if f.intent.calls != intentCallsBefore {
		t.Error("intent oracle consulted for a thread reply")
	}

	var reloaded database.MessageRecord
	if err := f.db.First(&reloaded, "external_id = ?", "msg-2").Error; err != nil {
		t.Fatalf("failed to reload message: %v", err)
	}
	if reloaded.IntentStatus != database.IntentDispute || reloaded.IntentConfidence != 1.0 {
		t.Error("thread reply not recorded as DISPUTE with full confidence")
	}
}

func TestProcessor_NotDisputeIsLedgeredAndIgnored(t *testing.T) {
	f := newPipelineFixture(t)
	f.intent.result = oracle.IntentResult{Intent: database.IntentNotDispute, Confidence: 0.97, Reason: "marketing mail"}

	outcome, err := f.processor.Process(context.Background(), inbound("msg-1", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != services.KindNotDispute {
		t.Fatalf("expected NOT_DISPUTE, got %s", outcome.Kind)
	}
	if f.facts.calls != 0 {
		t.Error("facts extracted for a non-dispute")
	}

	var entry database.ProcessedMessage
	if err := f.db.First(&entry, "external_id = ?", "msg-1").Error; err != nil {
		t.Fatalf("ledger entry missing: %v", err)
	}
	if entry.WasDispute {
		t.Error("non-dispute tagged as dispute in the ledger")
	}
}

func TestProcessor_AmbiguousTriggersClarification(t *testing.T) {
	f := newPipelineFixture(t)
	f.intent.result = oracle.IntentResult{Intent: database.IntentAmbiguous, Confidence: 0.4, Reason: "unclear"}

	outcome, err := f.processor.Process(context.Background(), inbound("msg-1", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != services.KindClarificationSent {
		t.Fatalf("expected CLARIFICATION_SENT, got %s", outcome.Kind)
	}
	if len(f.dispatcher.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(f.dispatcher.sent))
	}
	if f.dispatcher.sent[0] != "Re: Invoice problem - Clarification Required" {
		t.Errorf("unexpected reply subject: %q", f.dispatcher.sent[0])
	}

	// A second ambiguous message on the same thread inside the TTL window
	// waits instead of spamming the supplier.
	second, err := f.processor.Process(context.Background(), inbound("msg-2", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != services.KindWaiting {
		t.Fatalf("expected WAITING, got %s", second.Kind)
	}
	if len(f.dispatcher.sent) != 1 {
		t.Error("a second clarification went out within the TTL window")
	}
}

func TestProcessor_UnknownSenderLeavesNoTrace(t *testing.T) {
	f := newPipelineFixture(t)

	in := inbound("msg-1", "thread-1")
	in.Sender = "stranger@elsewhere.example"
	outcome, err := f.processor.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != services.KindNone {
		t.Fatalf("expected no outcome, got %s", outcome.Kind)
	}

	var msgCount, ledgerCount int64
	f.db.Model(&database.MessageRecord{}).Count(&msgCount)
	f.db.Model(&database.ProcessedMessage{}).Count(&ledgerCount)
	if msgCount != 0 || ledgerCount != 0 {
		t.Error("unknown sender left database traces")
	}
}

func TestProcessor_DoubleProcessingIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	f.setFacts("INV-9123", "PO-554", amountPtr(120.50), "EUR", "shipment billed twice")

	in := inbound("msg-1", "thread-1")
	first, err := f.processor.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Kind != services.KindNewCase {
		t.Fatalf("expected NEW_CASE, got %s", first.Kind)
	}
	factCalls := f.facts.calls

	second, err := f.processor.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != services.KindNone {
		t.Fatalf("expected replay to be skipped, got %s", second.Kind)
	}
	if f.facts.calls != factCalls {
		t.Error("replay reached the fact oracle")
	}

	var msgCount, caseCount int64
	f.db.Model(&database.MessageRecord{}).Count(&msgCount)
	f.db.Model(&database.DisputeCase{}).Count(&caseCount)
	if msgCount != 1 || caseCount != 1 {
		t.Errorf("replay created records: messages=%d cases=%d", msgCount, caseCount)
	}
}

func TestProcessor_ResumesStoredButUnledgeredMessage(t *testing.T) {
	f := newPipelineFixture(t)
	f.setFacts("INV-9123", "PO-554", amountPtr(120.50), "EUR", "shipment billed twice")

	// A previous run stored the message row and then died before writing
	// the ledger entry. The redelivered message must resume processing, not
	// be mistaken for a concurrent run's claim and silently skipped.
	in := inbound("msg-1", "thread-1")
	crashed := &database.MessageRecord{
		SupplierID: f.supplier.ID,
		ExternalID: in.ExternalID,
		ThreadID:   in.ThreadID,
		Sender:     in.Sender,
		Subject:    in.Subject,
		Body:       in.Body,
		ReceivedAt: in.ReceivedAt,
	}
	if err := f.store.CreateMessage(crashed); err != nil {
		t.Fatalf("failed to seed crashed message: %v", err)
	}

	outcome, err := f.processor.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != services.KindNewCase {
		t.Fatalf("expected the resumed message to create a case, got %s", outcome.Kind)
	}

	var entry database.ProcessedMessage
	if err := f.db.First(&entry, "external_id = ?", "msg-1").Error; err != nil {
		t.Fatalf("resumed message never reached the ledger: %v", err)
	}
	if !entry.WasDispute {
		t.Error("resumed dispute not tagged in the ledger")
	}

	var msgCount, caseCount int64
	f.db.Model(&database.MessageRecord{}).Count(&msgCount)
	f.db.Model(&database.DisputeCase{}).Count(&caseCount)
	if msgCount != 1 || caseCount != 1 {
		t.Errorf("resume duplicated records: messages=%d cases=%d", msgCount, caseCount)
	}
}

func TestProcessor_NoBusinessKeyFallsBackToSimilarity(t *testing.T) {
	f := newPipelineFixture(t)
	// Facts extraction yields neither invoice nor PO.
	f.setFacts("", "", nil, "", "charges look wrong")

	outcome, err := f.processor.Process(context.Background(), inbound("msg-1", "thread-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != services.KindNewCase {
		t.Fatalf("expected NEW case via similarity path, got %s", outcome.Kind)
	}
	if f.decider.calls != 0 {
		t.Error("decision oracle consulted with no open cases to shortlist")
	}

	dispute, err := f.store.GetCase(*outcome.DisputeID)
	if err != nil {
		t.Fatalf("failed to load case: %v", err)
	}
	if dispute.Summary != "summarized thread" {
		t.Errorf("expected oracle summary for keyless case, got %q", dispute.Summary)
	}

	// No intake should exist: the aggregation path needs a business key.
	var intakeCount int64
	f.db.Model(&database.Intake{}).Count(&intakeCount)
	if intakeCount != 0 {
		t.Errorf("keyless message opened an intake")
	}
}

func TestProcessor_IncompleteIntakeAcrossThreadsThenDropped(t *testing.T) {
	f := newPipelineFixture(t)
	f.setFacts("INV-5555", "", nil, "", "")

	// Five clarification rounds, each on a fresh thread so the TTL gate
	// never suppresses the send.
	for i := 1; i <= database.MaxClarifications; i++ {
		outcome, err := f.processor.Process(context.Background(), inbound(fmt.Sprintf("msg-%d", i), fmt.Sprintf("thread-%d", i)))
		if err != nil {
			t.Fatalf("message %d: unexpected error: %v", i, err)
		}
		if outcome.Kind != services.KindClarificationSent {
			t.Fatalf("message %d: expected CLARIFICATION_SENT, got %s", i, outcome.Kind)
		}
	}

	outcome, err := f.processor.Process(context.Background(), inbound("msg-final", "thread-final"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != services.KindDropped {
		t.Fatalf("expected DROPPED after exhausting the budget, got %s", outcome.Kind)
	}
	if f.notifier.dropped != 1 {
		t.Errorf("expected a drop notification, got %d", f.notifier.dropped)
	}
	if len(f.dispatcher.sent) != database.MaxClarifications {
		t.Errorf("expected exactly %d clarifications sent, got %d", database.MaxClarifications, len(f.dispatcher.sent))
	}
}
