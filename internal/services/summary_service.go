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
	"github.com/disputeflow/disputeflow/internal/utils"
)

// ThreadSummarizer condenses a message thread into case summary prose.
type ThreadSummarizer interface {
	SummarizeThread(ctx context.Context, thread string) (string, error)
}

// SummaryService maintains dispute case summaries and their embeddings.
type SummaryService struct {
	store      *database.Store
	summarizer ThreadSummarizer
	embedder   oracle.Embedder
}

func NewSummaryService(store *database.Store, summarizer ThreadSummarizer, embedder oracle.Embedder) *SummaryService {
	return &SummaryService{store: store, summarizer: summarizer, embedder: embedder}
}

// BuildIntakeSummary renders a deterministic case summary from a complete
// intake. No oracle involved: the four collected fields appear verbatim, so
// later messages quoting the same invoice number match on plain substring.
func (s *SummaryService) BuildIntakeSummary(intake *database.Intake) string {
	amount := database.FormatAmount(*intake.Amount, intake.Currency)
	return fmt.Sprintf("Dispute for invoice %s (purchase order %s), disputed amount %s. Reason: %s",
		intake.InvoiceNumber, intake.PurchaseOrderNumber, amount, intake.Reason)
}

// SummarizeNewMessage produces an opening summary for a case created from a
// single message. Falls back to subject plus truncated body when the oracle
// is unavailable.
func (s *SummaryService) SummarizeNewMessage(ctx context.Context, msg *database.MessageRecord) string {
	thread := fmt.Sprintf("Subject: %s\n%s", msg.Subject, msg.Body)
	summary, err := s.summarizer.SummarizeThread(ctx, thread)
	if err != nil {
		log.Printf("Summary oracle failed for message %s, using fallback: %v", msg.ExternalID, err)
		return strings.TrimSpace(msg.Subject + ": " + utils.TruncateText(msg.Body, 300))
	}
	return summary
}

// EmbedSummary returns the vector for a case summary, or nil when the
// embedding oracle is unavailable. The column stays NULL and the case simply
// never appears in similarity shortlists until a later refresh succeeds.
func (s *SummaryService) EmbedSummary(ctx context.Context, summary string) *pgvector.Vector {
	emb, err := s.embedder.Embed(ctx, oracle.EmbeddingInput("Dispute summary", summary))
	if err != nil {
		log.Printf("Embedding oracle failed for summary: %v", err)
		return nil
	}
	vec := pgvector.NewVector(emb)
	return &vec
}

// RefreshCaseSummary rebuilds a case summary from its full message narrative
// after a new message attaches. Clarification replies are excluded from the
// narrative. When the oracle fails the previous summary stands.
func (s *SummaryService) RefreshCaseSummary(ctx context.Context, disputeID uuid.UUID) error {
	dispute, err := s.store.GetCase(disputeID)
	if err != nil {
		return fmt.Errorf("failed to load case %s: %w", disputeID, err)
	}
	messages, err := s.store.CaseNarrativeMessages(disputeID)
	if err != nil {
		return fmt.Errorf("failed to load case narrative for %s: %w", disputeID, err)
	}
	if len(messages) == 0 {
		return nil
	}

	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "Subject: %s\n%s", msg.Subject, msg.Body)
	}

	summary, err := s.summarizer.SummarizeThread(ctx, b.String())
	if err != nil {
		log.Printf("Summary oracle failed for case %s, keeping previous summary: %v", disputeID, err)
		return nil
	}

	embedding := dispute.SummaryEmbedding
	if emb, err := s.embedder.Embed(ctx, oracle.EmbeddingInput("Dispute summary", summary)); err != nil {
		log.Printf("Embedding oracle failed for case %s, keeping previous embedding: %v", disputeID, err)
	} else {
		vec := pgvector.NewVector(emb)
		embedding = &vec
	}

	return s.store.UpdateCaseSummary(disputeID, summary, embedding)
}
