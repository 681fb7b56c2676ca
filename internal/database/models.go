package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// EmbeddingDim is the output dimension of the embedding model (bge-m3).
const EmbeddingDim = 1024

// Supplier is a known counterparty, identified by its email domain.
type Supplier struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Domain    string    `gorm:"type:text;uniqueIndex;not null" json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID if none is set
func (s *Supplier) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// CaseStatus represents the lifecycle status of a dispute case
type CaseStatus string

const (
	CaseStatusOpen CaseStatus = "OPEN"
)

// DisputeCase is the canonical, long-lived record of one supplier issue.
// The summary and its embedding are recomputed as messages attach; the case
// itself is never deleted.
type DisputeCase struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	SupplierID       uuid.UUID        `gorm:"type:uuid;not null;index" json:"supplier_id"`
	Status           CaseStatus       `gorm:"type:varchar(20);not null;default:'OPEN'" json:"status"`
	Summary          string           `gorm:"type:text" json:"summary"`
	SummaryEmbedding *pgvector.Vector `gorm:"type:vector(1024)" json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// BeforeCreate assigns a UUID if none is set
func (d *DisputeCase) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Intent values persisted on a message record
const (
	IntentDispute    = "DISPUTE"
	IntentNotDispute = "NOT_DISPUTE"
	IntentAmbiguous  = "AMBIGUOUS"
)

// MessageRecord is the persisted view of one inbound message. Created once
// per unique external id; mutated only by the pipeline run that processed it.
type MessageRecord struct {
	ID                  uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	SupplierID          uuid.UUID        `gorm:"type:uuid;not null;index" json:"supplier_id"`
	DisputeID           *uuid.UUID       `gorm:"type:uuid;index" json:"dispute_id,omitempty"`
	ExternalID          string           `gorm:"type:varchar(255);uniqueIndex;not null" json:"external_id"`
	ThreadID            string           `gorm:"type:varchar(255);index" json:"thread_id"`
	Sender              string           `gorm:"type:varchar(255)" json:"sender"`
	Subject             string           `gorm:"type:text" json:"subject"`
	Body                string           `gorm:"type:text" json:"body"`
	Embedding           *pgvector.Vector `gorm:"type:vector(1024)" json:"-"`
	IntentStatus        string           `gorm:"type:varchar(20)" json:"intent_status"`
	IntentConfidence    float64          `json:"intent_confidence"`
	IntentReason        string           `gorm:"type:text" json:"intent_reason"`
	Facts               JSONB            `gorm:"type:jsonb" json:"facts,omitempty"`
	ClarificationSent   bool             `gorm:"not null;default:false" json:"clarification_sent"`
	ClarificationSentAt *time.Time       `json:"clarification_sent_at,omitempty"`
	ReceivedAt          time.Time        `gorm:"not null" json:"received_at"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// BeforeCreate assigns a UUID and receipt time if unset
func (m *MessageRecord) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	return nil
}

// ProcessedMessage is the idempotency ledger, keyed by external message id.
// Rows are immutable once created.
type ProcessedMessage struct {
	ExternalID  string    `gorm:"type:varchar(255);primaryKey" json:"external_id"`
	WasDispute  bool      `gorm:"not null;default:false" json:"was_dispute"`
	ProcessedAt time.Time `json:"processed_at"`
}

// BeforeCreate stamps the processing time
func (p *ProcessedMessage) BeforeCreate(tx *gorm.DB) error {
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = time.Now()
	}
	return nil
}

// TableName overrides for explicit table naming
func (Supplier) TableName() string {
	return "suppliers"
}

func (DisputeCase) TableName() string {
	return "dispute_cases"
}

func (MessageRecord) TableName() string {
	return "message_records"
}

func (ProcessedMessage) TableName() string {
	return "processed_messages"
}
