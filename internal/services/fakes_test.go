package services

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/oracle"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Connect(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func createTestSupplier(t *testing.T, db *gorm.DB) *database.Supplier {
	supplier := &database.Supplier{Name: "Acme Industrial Parts", Domain: "acme-parts.example"}
	if err := db.Create(supplier).Error; err != nil {
		t.Fatalf("failed to create supplier: %v", err)
	}
	return supplier
}

func floatPtr(v float64) *float64 {
	return &v
}

func vecPtr(values ...float32) *pgvector.Vector {
	v := pgvector.NewVector(values)
	return &v
}

// fakeEmbedder returns a fixed vector, or an error when set.
type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.vector != nil {
		return f.vector, nil
	}
	return []float32{1, 0, 0}, nil
}

// fakeSummarizer echoes a canned summary and records its input.
type fakeSummarizer struct {
	summary string
	err     error
	threads []string
}

func (f *fakeSummarizer) SummarizeThread(ctx context.Context, thread string) (string, error) {
	f.threads = append(f.threads, thread)
	if f.err != nil {
		return "", f.err
	}
	if f.summary != "" {
		return f.summary, nil
	}
	return "summarized thread", nil
}

// fakeComposer returns a canned clarification body.
type fakeComposer struct {
	body  string
	err   error
	calls int

	lastKnown   map[string]string
	lastMissing []string
}

func (f *fakeComposer) Compose(ctx context.Context, known map[string]string, missing []string) (string, error) {
	f.calls++
	f.lastKnown = known
	f.lastMissing = missing
	if f.err != nil {
		return "", f.err
	}
	if f.body != "" {
		return f.body, nil
	}
	return "Could you send the missing details?", nil
}

// fakeDispatcher records sent replies and can simulate transport failure.
type sentReply struct {
	Recipient string
	Subject   string
	Body      string
	ThreadID  string
	ReplyToID string
}

type fakeDispatcher struct {
	err  error
	sent []sentReply
}

func (f *fakeDispatcher) SendReply(ctx context.Context, recipient, subject, body, threadID, replyToID string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentReply{recipient, subject, body, threadID, replyToID})
	return nil
}

// fakeNotifier records operational events.
type fakeNotifier struct {
	dropped           []*database.Intake
	transportFailures int
}

func (f *fakeNotifier) NotifyIntakeDropped(intake *database.Intake) {
	f.dropped = append(f.dropped, intake)
}

func (f *fakeNotifier) NotifyTransportFailure(recipient, subject string, err error) {
	f.transportFailures++
}

// fakeDecider returns a canned decision and records whether it was asked.
type fakeDecider struct {
	decision oracle.Decision
	calls    int

	lastCandidates []database.CaseCandidate
}

func (f *fakeDecider) Decide(ctx context.Context, subject, body string, candidates []database.CaseCandidate) oracle.Decision {
	f.calls++
	f.lastCandidates = candidates
	if f.decision.Action == "" {
		return oracle.Decision{Action: oracle.DecisionNew, Reason: "fake default"}
	}
	return f.decision
}
