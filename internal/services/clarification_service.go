package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/disputeflow/disputeflow/internal/database"
)

const clarificationMarker = " - Clarification Required"

const fallbackClarificationBody = "Thank you for your message. Could you please share the invoice number, " +
	"purchase order number, disputed amount and a short description of the issue so we can process your request?"

// ClarificationComposer drafts the body of a clarification reply.
type ClarificationComposer interface {
	Compose(ctx context.Context, known map[string]string, missing []string) (string, error)
}

// ReplyDispatcher delivers an outbound reply on the original thread.
type ReplyDispatcher interface {
	SendReply(ctx context.Context, recipient, subject, body, threadID, replyToID string) error
}

// ClarificationRequest is a composed reply whose database bookkeeping has
// already been committed. Delivery happens as the last step of the pipeline.
type ClarificationRequest struct {
	Recipient string
	Subject   string
	Body      string
	ThreadID  string
	ReplyToID string
}

// ClarificationService gates, composes and delivers clarification replies.
type ClarificationService struct {
	store      *database.Store
	composer   ClarificationComposer
	dispatcher ReplyDispatcher
	notifier   Notifier
	ttl        time.Duration
}

func NewClarificationService(store *database.Store, composer ClarificationComposer, dispatcher ReplyDispatcher, notifier Notifier, ttl time.Duration) *ClarificationService {
	return &ClarificationService{
		store:      store,
		composer:   composer,
		dispatcher: dispatcher,
		notifier:   notifier,
		ttl:        ttl,
	}
}

// BuildReplySubject produces the clarification subject for a thread. It is
// idempotent: feeding its own output back in yields the same subject, so
// repeated clarifications on one thread never stack prefixes or markers.
func BuildReplySubject(original string) string {
	subject := strings.TrimSpace(original)
	for {
		lower := strings.ToLower(subject)
		if strings.HasPrefix(lower, "re:") {
			subject = strings.TrimSpace(subject[3:])
			continue
		}
		break
	}
	for strings.HasSuffix(subject, clarificationMarker) {
		subject = strings.TrimSpace(strings.TrimSuffix(subject, clarificationMarker))
	}
	return "Re: " + subject + clarificationMarker
}

// Prepare applies the per-thread rate limit, composes the reply body and
// records the attempt on the message. It returns nil when a clarification
// already went out on this thread within the TTL window, meaning the caller
// should report WAITING instead of sending again.
//
// Delivery is deliberately not part of Prepare: all database state for the
// attempt is committed first, then the caller ships the reply with Deliver.
func (s *ClarificationService) Prepare(ctx context.Context, supplier *database.Supplier, msg *database.MessageRecord, known map[string]string, missing []string) (*ClarificationRequest, error) {
	last, err := s.store.LastClarificationAt(supplier.ID, msg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to check clarification history: %w", err)
	}
	if last != nil && time.Since(*last) < s.ttl {
		log.Printf("Clarification for thread %s suppressed, last sent %s ago", msg.ThreadID, time.Since(*last).Round(time.Minute))
		return nil, nil
	}

	body, err := s.composer.Compose(ctx, known, missing)
	if err != nil || strings.TrimSpace(body) == "" {
		if err != nil {
			log.Printf("Clarification composer failed, using fallback body: %v", err)
		}
		body = fallbackClarificationBody
	}

	now := time.Now()
	if err := s.store.MarkClarificationSent(msg.ID, now); err != nil {
		return nil, fmt.Errorf("failed to record clarification attempt: %w", err)
	}
	msg.ClarificationSent = true
	msg.ClarificationSentAt = &now

	return &ClarificationRequest{
		Recipient: msg.Sender,
		Subject:   BuildReplySubject(msg.Subject),
		Body:      body,
		ThreadID:  msg.ThreadID,
		ReplyToID: msg.ExternalID,
	}, nil
}

// Deliver ships a prepared clarification. Transport failures are reported to
// the notifier and returned; the database state committed by Prepare stands
// either way, so the message is never reprocessed from scratch.
func (s *ClarificationService) Deliver(ctx context.Context, req *ClarificationRequest) error {
	if err := s.dispatcher.SendReply(ctx, req.Recipient, req.Subject, req.Body, req.ThreadID, req.ReplyToID); err != nil {
		s.notifier.NotifyTransportFailure(req.Recipient, req.Subject, err)
		return fmt.Errorf("failed to send clarification reply: %w", err)
	}
	log.Printf("Sent clarification to %s on thread %s", req.Recipient, req.ThreadID)
	return nil
}
