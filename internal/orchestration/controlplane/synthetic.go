package controlplane

import (
	"fmt"
	"strings"

	"github.com/zjrosen/conductor/internal/host"
)

// Synthetic message statuses carried in part metadata.
const (
	SyntheticCompleted = "completed"
	SyntheticPlan      = "plan"
	SyntheticError     = "error"
	SyntheticQuestions = "questions"
)

// resultLabel picks the header label for a forwarded result.
// Plan replies are labelled so the orchestrator knows no code was touched.
func resultLabel(lastPromptAgent string) string {
	if lastPromptAgent == "plan" {
		return SyntheticPlan
	}
	return SyntheticCompleted
}

// syntheticHeader renders the bracketed first line of a forwarded message.
func syntheticHeader(childID, label string) string {
	return fmt.Sprintf("[Child session %s %s]", childID, label)
}

// syntheticPart builds the message part posted into the orchestrator session.
// The metadata carries the correlation fields tool callers key off.
func syntheticPart(childID, label, body string, meta map[string]any) host.MessagePart {
	metadata := map[string]any{
		"childSessionID": childID,
		"status":         label,
	}
	for k, v := range meta {
		metadata[k] = v
	}
	return host.MessagePart{
		Type:      "text",
		Text:      syntheticHeader(childID, label) + "\n\n" + strings.TrimSpace(body),
		Synthetic: true,
		Metadata:  metadata,
	}
}
