package database

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IntakeStatus represents the lifecycle status of an intake
type IntakeStatus string

const (
	IntakeStatusWaiting    IntakeStatus = "WAITING"
	IntakeStatusClarifying IntakeStatus = "CLARIFYING"
	IntakeStatusReady      IntakeStatus = "READY"
	IntakeStatusDropped    IntakeStatus = "DROPPED"
)

// MaxClarifications is the hard cap on clarification attempts per intake.
const MaxClarifications = 5

// placeholderReasons are reason texts too generic to count as informative.
var placeholderReasons = map[string]bool{
	"issue":         true,
	"invoice issue": true,
	"discrepancy":   true,
	"unknown":       true,
}

// Intake is a pending, not-yet-promoted aggregation of facts for one business
// case. Business fields are write-once: set on first non-empty value, never
// overwritten. Amount and currency are set atomically together.
//
// ActiveInvoiceKey/ActivePOKey mirror the business keys while the intake is
// WAITING or CLARIFYING and are cleared on terminal transition. The unique
// indexes on them enforce at most one active intake per (supplier, key)
// without blocking a later intake for the same invoice.
type Intake struct {
	ID                  uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	SupplierID          uuid.UUID    `gorm:"type:uuid;not null;index;uniqueIndex:ux_intakes_active_invoice,priority:1;uniqueIndex:ux_intakes_active_po,priority:1" json:"supplier_id"`
	ThreadID            string       `gorm:"type:varchar(255);index" json:"thread_id"`
	RootMessageID       string       `gorm:"type:varchar(255);not null" json:"root_message_id"`
	InvoiceNumber       string       `gorm:"type:varchar(255)" json:"invoice_number"`
	PurchaseOrderNumber string       `gorm:"type:varchar(255)" json:"purchase_order_number"`
	Amount              *float64     `json:"amount,omitempty"`
	Currency            string       `gorm:"type:varchar(10)" json:"currency"`
	Reason              string       `gorm:"type:text" json:"reason"`
	Status              IntakeStatus `gorm:"type:varchar(20);not null;default:'WAITING'" json:"status"`
	ClarificationCount  int          `gorm:"not null;default:0" json:"clarification_count"`
	LastClarificationAt *time.Time   `json:"last_clarification_at,omitempty"`
	DisputeID           *uuid.UUID   `gorm:"type:uuid" json:"dispute_id,omitempty"`
	ActiveInvoiceKey    *string      `gorm:"type:varchar(255);uniqueIndex:ux_intakes_active_invoice,priority:2" json:"-"`
	ActivePOKey         *string      `gorm:"type:varchar(255);uniqueIndex:ux_intakes_active_po,priority:2" json:"-"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// BeforeCreate assigns a UUID if none is set
func (i *Intake) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

func (Intake) TableName() string {
	return "intakes"
}

// IsActive reports whether the intake can still absorb messages.
func (i *Intake) IsActive() bool {
	return i.Status == IntakeStatusWaiting || i.Status == IntakeStatusClarifying
}

// IsTerminal reports whether the intake reached READY or DROPPED.
func (i *Intake) IsTerminal() bool {
	return i.Status == IntakeStatusReady || i.Status == IntakeStatusDropped
}

// IsComplete reports whether all four required fields are present.
// No partial credit: invoice, PO, amount and reason are all required.
func (i *Intake) IsComplete() bool {
	return i.InvoiceNumber != "" &&
		i.PurchaseOrderNumber != "" &&
		i.Amount != nil &&
		i.Reason != ""
}

// MissingFields returns the required slots still unfilled, in canonical order.
func (i *Intake) MissingFields() []string {
	var missing []string
	if i.InvoiceNumber == "" {
		missing = append(missing, "invoice_number")
	}
	if i.PurchaseOrderNumber == "" {
		missing = append(missing, "purchase_order_number")
	}
	if i.Amount == nil {
		missing = append(missing, "disputed_amount")
	}
	if i.Reason == "" {
		missing = append(missing, "reason")
	}
	return missing
}

// KnownFields returns the filled required slots as label/value pairs for
// clarification composition.
func (i *Intake) KnownFields() map[string]string {
	known := make(map[string]string)
	if i.InvoiceNumber != "" {
		known["invoice_number"] = i.InvoiceNumber
	}
	if i.PurchaseOrderNumber != "" {
		known["purchase_order_number"] = i.PurchaseOrderNumber
	}
	if i.Amount != nil {
		known["disputed_amount"] = FormatAmount(*i.Amount, i.Currency)
	}
	if i.Reason != "" {
		known["reason"] = i.Reason
	}
	return known
}

// MergeFacts applies write-once merge semantics and returns true if any field
// changed. Amount and currency are set together; a placeholder reason is
// rejected as non-informative. Terminal intakes are never mutated.
func (i *Intake) MergeFacts(invoice, po string, amount *float64, currency, reason string) bool {
	if i.IsTerminal() {
		return false
	}

	changed := false
	if i.InvoiceNumber == "" && invoice != "" {
		i.InvoiceNumber = invoice
		key := invoice
		i.ActiveInvoiceKey = &key
		changed = true
	}
	if i.PurchaseOrderNumber == "" && po != "" {
		i.PurchaseOrderNumber = po
		key := po
		i.ActivePOKey = &key
		changed = true
	}
	if i.Amount == nil && amount != nil {
		i.Amount = amount
		i.Currency = currency
		changed = true
	}
	if i.Reason == "" && reason != "" && !placeholderReasons[strings.ToLower(strings.TrimSpace(reason))] {
		i.Reason = reason
		changed = true
	}
	return changed
}

// FormatAmount renders an amount with its currency, e.g. "1250.00 EUR".
func FormatAmount(amount float64, currency string) string {
	if currency == "" {
		return strconv.FormatFloat(amount, 'f', 2, 64)
	}
	return strconv.FormatFloat(amount, 'f', 2, 64) + " " + currency
}
