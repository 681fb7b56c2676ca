package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/utils"
)

// maxPromptBody caps how much of a message body goes into a prompt.
const maxPromptBody = 6000

const intentPromptTemplate = `You are an expert accounts-payable analyst.

Classify the intent of the following supplier email.

Rules:
- DISPUTE: the supplier raises a billing problem (wrong amount, duplicate invoice, missing payment, tax error, requested credit note).
- NOT_DISPUTE: anything else (greetings, newsletters, order confirmations, shipping notices).
- Base your answer only on the text provided. Do NOT invent facts.

EMAIL:
Subject: %s
Body:
%s

Respond ONLY in valid JSON with this schema:
{
  "intent": "DISPUTE" or "NOT_DISPUTE",
  "confidence": 0.0 to 1.0,
  "reason": "one short sentence"
}`

// BuildIntentPrompt creates the intent classification prompt
func BuildIntentPrompt(subject, body string) string {
	return fmt.Sprintf(intentPromptTemplate, subject, utils.TruncateForPrompt(body, maxPromptBody))
}

const factPromptTemplate = `You are an expert accounts-payable analyst.

Extract the structured dispute facts from the following supplier email.

Rules:
- Fill only what the email states. Use null, empty lists, or "UNKNOWN" for anything absent.
- Do NOT invent identifiers or amounts.

Respond ONLY in valid JSON matching this schema exactly:
%s

EMAIL:
Subject: %s
Body:
%s`

// BuildFactPrompt creates the fact extraction prompt with the canonical
// schema inlined, so the model mirrors the exact shape back.
func BuildFactPrompt(subject, body string) string {
	schema, _ := json.MarshalIndent(EmptyFacts(), "", "  ")
	return fmt.Sprintf(factPromptTemplate, string(schema), subject, utils.TruncateForPrompt(body, maxPromptBody))
}

const decisionPromptTemplate = `You are an expert accounts-payable dispute analyst.

Your task:
Decide whether the NEW EMAIL belongs to one of the EXISTING DISPUTES.

Rules:
- If the email is a continuation of the same issue (same invoice, same amounts, same problem), choose MATCH.
- If it is about a different invoice, a different issue, or a clearly new problem, choose NEW.
- If unsure, choose NEW.
- Do NOT invent facts.
- Base your decision only on the text provided.

EXISTING DISPUTES:
%s

NEW EMAIL:
Subject: %s
Body:
%s

Respond ONLY in valid JSON with this schema:
{
  "action": "MATCH" or "NEW",
  "dispute_id": "<dispute_id or null>",
  "reason": "one short sentence"
}`

// BuildDecisionPrompt creates the match-or-new decision prompt. Candidates
// are presented as id plus summary only.
func BuildDecisionPrompt(subject, body string, candidates []database.CaseCandidate) string {
	blocks := make([]string, 0, len(candidates))
	for _, c := range candidates {
		blocks = append(blocks, fmt.Sprintf("Dispute ID: %s\nSummary: %s", c.ID, c.Summary))
	}
	return fmt.Sprintf(decisionPromptTemplate,
		strings.Join(blocks, "\n\n"), subject, utils.TruncateForPrompt(body, maxPromptBody))
}

const threadSummaryPromptTemplate = `You are an expert in supplier dispute management.

Summarize the entire dispute thread concisely in 3-5 sentences.

Include:
- The main issue
- Key claims from supplier and your company
- Current status
- Important dates or amounts if relevant

Thread (chronological):
%s

Summary:`

// BuildThreadSummaryPrompt creates the summarization prompt for a case
// narrative.
func BuildThreadSummaryPrompt(thread string) string {
	return fmt.Sprintf(threadSummaryPromptTemplate, utils.TruncateForPrompt(thread, 24000))
}

const clarificationPromptTemplate = `You are a polite accounts-payable clerk writing to a supplier.

The supplier reported a billing issue but the following details are still missing: %s.

Details already provided (do NOT ask about these again):
%s

Write a short, courteous email body (no subject line, no signature) asking the supplier to provide exactly the missing details.`

// BuildClarificationPrompt creates the clarification composition prompt from
// known facts plus the specific missing-field list.
func BuildClarificationPrompt(known map[string]string, missing []string) string {
	knownLines := make([]string, 0, len(known))
	for _, field := range []string{"invoice_number", "purchase_order_number", "disputed_amount", "reason"} {
		if v, ok := known[field]; ok {
			knownLines = append(knownLines, fmt.Sprintf("- %s: %s", FieldLabel(field), v))
		}
	}
	if len(knownLines) == 0 {
		knownLines = append(knownLines, "- none")
	}

	labels := make([]string, 0, len(missing))
	for _, m := range missing {
		labels = append(labels, FieldLabel(m))
	}
	missingText := strings.Join(labels, ", ")
	if missingText == "" {
		missingText = "the nature of the request (we could not determine whether this concerns a billing dispute)"
	}

	return fmt.Sprintf(clarificationPromptTemplate,
		missingText, strings.Join(knownLines, "\n"))
}

// FieldLabel maps a canonical slot name to supplier-facing wording.
func FieldLabel(field string) string {
	switch field {
	case "invoice_number":
		return "invoice number"
	case "purchase_order_number":
		return "purchase order number"
	case "disputed_amount":
		return "disputed amount and currency"
	case "reason":
		return "a description of the issue"
	default:
		return strings.ReplaceAll(field, "_", " ")
	}
}
