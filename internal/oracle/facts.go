package oracle

import (
	"context"
	"encoding/json"
	"log"
	"strings"
)

// IssueCategory is the closed set of dispute categories
type IssueCategory string

const (
	IssueOvercharge   IssueCategory = "OVERCHARGE"
	IssueShortPayment IssueCategory = "SHORT_PAYMENT"
	IssueDuplicate    IssueCategory = "DUPLICATE"
	IssueTax          IssueCategory = "TAX"
	IssueUnknown      IssueCategory = "UNKNOWN"
)

// AmountDirection is the closed set of disputed-amount directions
type AmountDirection string

const (
	DirectionOvercharge   AmountDirection = "OVERCHARGE"
	DirectionUnderpayment AmountDirection = "UNDERPAYMENT"
	DirectionUnknown      AmountDirection = "UNKNOWN"
)

// RequestedActionType is the closed set of supplier-requested actions
type RequestedActionType string

const (
	ActionRevisedInvoice RequestedActionType = "REVISED_INVOICE"
	ActionPayment        RequestedActionType = "PAYMENT"
	ActionCreditNote     RequestedActionType = "CREDIT_NOTE"
	ActionClarification  RequestedActionType = "CLARIFICATION"
	ActionUnknown        RequestedActionType = "UNKNOWN"
)

// CommercialIdentifiers holds the document numbers mentioned in a message
type CommercialIdentifiers struct {
	InvoiceNumbers       []string `json:"invoice_numbers"`
	PurchaseOrderNumbers []string `json:"purchase_order_numbers"`
	CreditNoteNumbers    []string `json:"credit_note_numbers"`
}

// DisputedAmount is the contested amount with currency and direction
type DisputedAmount struct {
	Value     *float64        `json:"value"`
	Currency  string          `json:"currency"`
	Direction AmountDirection `json:"direction"`
}

// Financials holds the monetary facts of a dispute
type Financials struct {
	DisputedAmount DisputedAmount `json:"disputed_amount"`
	ExpectedAmount *float64       `json:"expected_amount"`
	PaidAmount     *float64       `json:"paid_amount"`
}

// Issue describes the problem category and free-text description
type Issue struct {
	Category    IssueCategory `json:"category"`
	Description string        `json:"description"`
}

// RequestedAction is what the supplier asks for
type RequestedAction struct {
	Type RequestedActionType `json:"type"`
}

// Facts is the canonical nested extraction structure
type Facts struct {
	CommercialIdentifiers CommercialIdentifiers `json:"commercial_identifiers"`
	Financials            Financials            `json:"financials"`
	Issue                 Issue                 `json:"issue"`
	RequestedAction       RequestedAction       `json:"requested_action"`
}

// Extraction is the adapter output: normalized facts plus the locally
// computed missing-field list. The list is never taken from the oracle.
type Extraction struct {
	Facts         Facts    `json:"facts"`
	MissingFields []string `json:"missing_fields"`
}

// EmptyFacts returns the canonical all-empty structure.
func EmptyFacts() Facts {
	return Facts{
		CommercialIdentifiers: CommercialIdentifiers{
			InvoiceNumbers:       []string{},
			PurchaseOrderNumbers: []string{},
			CreditNoteNumbers:    []string{},
		},
		Financials: Financials{
			DisputedAmount: DisputedAmount{Direction: DirectionUnknown},
		},
		Issue:           Issue{Category: IssueUnknown},
		RequestedAction: RequestedAction{Type: ActionUnknown},
	}
}

// firstValid returns the first list entry that is neither empty nor the
// UNKNOWN placeholder.
func firstValid(values []string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !strings.EqualFold(v, "UNKNOWN") {
			return v
		}
	}
	return ""
}

// PrimaryInvoice returns the first usable invoice number, or "".
func (f Facts) PrimaryInvoice() string {
	return firstValid(f.CommercialIdentifiers.InvoiceNumbers)
}

// PrimaryPO returns the first usable purchase-order number, or "".
func (f Facts) PrimaryPO() string {
	return firstValid(f.CommercialIdentifiers.PurchaseOrderNumbers)
}

// Amount returns the disputed amount value and currency, nil when absent.
func (f Facts) Amount() (*float64, string) {
	return f.Financials.DisputedAmount.Value, f.Financials.DisputedAmount.Currency
}

// Reason returns the issue description, or "".
func (f Facts) Reason() string {
	return strings.TrimSpace(f.Issue.Description)
}

// normalize coerces out-of-enum values to UNKNOWN and nils to empty lists.
func (f *Facts) normalize() {
	ci := &f.CommercialIdentifiers
	if ci.InvoiceNumbers == nil {
		ci.InvoiceNumbers = []string{}
	}
	if ci.PurchaseOrderNumbers == nil {
		ci.PurchaseOrderNumbers = []string{}
	}
	if ci.CreditNoteNumbers == nil {
		ci.CreditNoteNumbers = []string{}
	}

	switch f.Issue.Category {
	case IssueOvercharge, IssueShortPayment, IssueDuplicate, IssueTax, IssueUnknown:
	default:
		f.Issue.Category = IssueUnknown
	}

	switch f.Financials.DisputedAmount.Direction {
	case DirectionOvercharge, DirectionUnderpayment, DirectionUnknown:
	default:
		f.Financials.DisputedAmount.Direction = DirectionUnknown
	}

	switch f.RequestedAction.Type {
	case ActionRevisedInvoice, ActionPayment, ActionCreditNote, ActionClarification, ActionUnknown:
	default:
		f.RequestedAction.Type = ActionUnknown
	}
}

// computeMissingFields lists canonical slots that are empty or UNKNOWN after
// normalization.
func computeMissingFields(f Facts) []string {
	missing := []string{}
	if f.PrimaryInvoice() == "" {
		missing = append(missing, "invoice_number")
	}
	if f.PrimaryPO() == "" {
		missing = append(missing, "purchase_order_number")
	}
	if f.Financials.DisputedAmount.Value == nil {
		missing = append(missing, "disputed_amount")
	}
	if f.Reason() == "" {
		missing = append(missing, "reason")
	}
	if f.Issue.Category == IssueUnknown {
		missing = append(missing, "issue_category")
	}
	if f.RequestedAction.Type == ActionUnknown {
		missing = append(missing, "requested_action")
	}
	return missing
}

// FactExtractor extracts structured dispute facts from a message. It never
// fails: oracle errors and unparseable output yield the canonical all-empty
// structure. It never decides intent or routing.
type FactExtractor struct {
	llm Completer
}

// NewFactExtractor creates a fact extraction adapter
func NewFactExtractor(llm Completer) *FactExtractor {
	return &FactExtractor{llm: llm}
}

// Extract runs the oracle and normalizes its output against the canonical
// schema.
func (e *FactExtractor) Extract(ctx context.Context, subject, body string) Extraction {
	empty := Extraction{Facts: EmptyFacts(), MissingFields: computeMissingFields(EmptyFacts())}

	raw, err := e.llm.Complete(ctx, BuildFactPrompt(subject, body))
	if err != nil {
		log.Printf("Fact extraction oracle failed, returning empty facts: %v", err)
		return empty
	}

	var facts Facts
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &facts); err != nil {
		log.Printf("Fact extraction returned unparseable JSON, returning empty facts: %v", err)
		return empty
	}

	facts.normalize()
	return Extraction{Facts: facts, MissingFields: computeMissingFields(facts)}
}
