package ingest

import (
	"context"
	"time"

	"github.com/disputeflow/disputeflow/internal/oracle"
)

// InboundMessage is one supplier message as delivered by a source, before
// any normalization or persistence.
type InboundMessage struct {
	ExternalID string
	ThreadID   string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// MessageSource supplies batches of unprocessed inbound messages. Ack tells
// the source a message reached a terminal pipeline decision so it will not
// be fetched again.
type MessageSource interface {
	Fetch(ctx context.Context, max int) ([]InboundMessage, error)
	Ack(ctx context.Context, externalID string) error
}

// IntentOracle classifies an inbound message's intent.
type IntentOracle interface {
	Classify(ctx context.Context, subject, body string) oracle.IntentResult
}

// FactOracle extracts structured dispute facts from a message.
type FactOracle interface {
	Extract(ctx context.Context, subject, body string) oracle.Extraction
}
