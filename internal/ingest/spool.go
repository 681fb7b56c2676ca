package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// spoolMessage is the on-disk JSON shape of one inbound message.
type spoolMessage struct {
	ExternalID string    `json:"external_id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// SpoolSource reads inbound messages from JSON files dropped into a spool
// directory, one message per file. Acked messages move to a processed/
// subdirectory so a restart never refetches them.
type SpoolSource struct {
	dir string

	mu    sync.Mutex
	files map[string]string // external id -> file path
}

func NewSpoolSource(dir string) (*SpoolSource, error) {
	if err := os.MkdirAll(filepath.Join(dir, "processed"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &SpoolSource{dir: dir, files: make(map[string]string)}, nil
}

func (s *SpoolSource) Fetch(ctx context.Context, max int) ([]InboundMessage, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []InboundMessage
	for _, name := range names {
		if len(out) >= max {
			break
		}
		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Failed to read spool file %s: %v", name, err)
			continue
		}
		var sm spoolMessage
		if err := json.Unmarshal(raw, &sm); err != nil {
			log.Printf("Skipping malformed spool file %s: %v", name, err)
			continue
		}
		if sm.ExternalID == "" {
			sm.ExternalID = strings.TrimSuffix(name, ".json")
		}
		if sm.ThreadID == "" {
			sm.ThreadID = sm.ExternalID
		}
		if sm.ReceivedAt.IsZero() {
			sm.ReceivedAt = time.Now()
		}

		s.mu.Lock()
		s.files[sm.ExternalID] = path
		s.mu.Unlock()

		out = append(out, InboundMessage{
			ExternalID: sm.ExternalID,
			ThreadID:   sm.ThreadID,
			Sender:     sm.Sender,
			Subject:    sm.Subject,
			Body:       sm.Body,
			ReceivedAt: sm.ReceivedAt,
		})
	}
	return out, nil
}

func (s *SpoolSource) Ack(ctx context.Context, externalID string) error {
	s.mu.Lock()
	path, ok := s.files[externalID]
	delete(s.files, externalID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	dest := filepath.Join(s.dir, "processed", filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to move spool file for %s: %w", externalID, err)
	}
	return nil
}

// OutboxDispatcher writes outbound replies as JSON files into an outbox
// directory, one file per reply, for an external mailer to pick up.
type OutboxDispatcher struct {
	dir string
}

type outboxReply struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	ThreadID  string    `json:"thread_id"`
	ReplyToID string    `json:"reply_to_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

func NewOutboxDispatcher(dir string) (*OutboxDispatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &OutboxDispatcher{dir: dir}, nil
}

func (d *OutboxDispatcher) SendReply(ctx context.Context, recipient, subject, body, threadID, replyToID string) error {
	reply := outboxReply{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		ThreadID:  threadID,
		ReplyToID: replyToID,
		QueuedAt:  time.Now(),
	}
	raw, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	if err := os.WriteFile(filepath.Join(d.dir, name), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write outbox file: %w", err)
	}
	return nil
}
