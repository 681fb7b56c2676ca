package oracle

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer produces case narratives via the summarization oracle. Unlike
// the classification adapters it returns errors: the caller chooses the safe
// fallback (keep the old summary, or build a deterministic one).
type Summarizer struct {
	llm Completer
}

// NewSummarizer creates a summarization adapter
func NewSummarizer(llm Completer) *Summarizer {
	return &Summarizer{llm: llm}
}

// SummarizeThread summarizes a concatenated case narrative.
func (s *Summarizer) SummarizeThread(ctx context.Context, thread string) (string, error) {
	raw, err := s.llm.Complete(ctx, BuildThreadSummaryPrompt(thread))
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(raw)
	if summary == "" {
		return "", fmt.Errorf("summarization oracle returned empty output")
	}
	return summary, nil
}

// ClarificationWriter composes clarification request bodies from known facts
// plus the missing-field list. It never asks about a field already known.
type ClarificationWriter struct {
	llm Completer
}

// NewClarificationWriter creates a clarification composition adapter
func NewClarificationWriter(llm Completer) *ClarificationWriter {
	return &ClarificationWriter{llm: llm}
}

// Compose generates the request body text. Errors and empty output are left
// to the caller, which substitutes the deterministic fallback sentence.
func (w *ClarificationWriter) Compose(ctx context.Context, known map[string]string, missing []string) (string, error) {
	raw, err := w.llm.Complete(ctx, BuildClarificationPrompt(known, missing))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}
