// Package forward correlates child assistant replies with outstanding
// orchestrator prompts via opaque forward tokens.
//
// The supervisor plants a token in each outgoing prompt and instructs the
// child to end its final reply with the exact token line. The resolver then
// scans the child's message history for the assistant turn that echoes the
// token, ignoring intermediate assistant messages emitted between tool calls.
package forward

import (
	"fmt"
	"strings"

	"github.com/zjrosen/conductor/internal/host"
)

// TokenLinePrefix introduces the token echo line in a child's final reply.
const TokenLinePrefix = "opencode_cc_forward_token: "

// TokenLine returns the exact line a child must emit to correlate its reply.
func TokenLine(token string) string {
	return TokenLinePrefix + token
}

// AppendTokenInstruction appends the echo instruction block to a prompt.
func AppendTokenInstruction(prompt, token string) string {
	return fmt.Sprintf(
		"%s\n\nWhen you have fully completed the request above, end your final reply with this exact line, alone on its own line:\n%s",
		strings.TrimRight(prompt, "\n"), TokenLine(token))
}

// Request identifies one pending correlation to resolve.
type Request struct {
	Token string
	// AfterMessageCount, when set, is the index scanning starts at.
	AfterMessageCount *int
	// AfterAssistantMessageID anchors the scan when the count is unknown.
	AfterAssistantMessageID string
}

// Result is the assistant turn that satisfies a request.
type Result struct {
	AssistantMessageID string
	// CleanedText is the reply with the token line removed.
	CleanedText string
}

// TriggerMarker snapshots "where the conversation is now" at prompt time, so
// the resolver never matches messages that predate the prompt.
type TriggerMarker struct {
	AfterMessageCount       int
	AfterAssistantMessageID string
}

// CreateTriggerMarker captures a marker from the child's current messages.
func CreateTriggerMarker(messages []host.Message) TriggerMarker {
	marker := TriggerMarker{AfterMessageCount: len(messages)}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			marker.AfterAssistantMessageID = messages[i].ID
			break
		}
	}
	return marker
}

// ExtractText concatenates a message's visible text parts.
func ExtractText(msg host.Message) string {
	var texts []string
	for _, part := range msg.Parts {
		if part.Type == "text" && !part.Ignored {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Resolve returns the forwardable assistant message for a request, if any.
//
// The scan starts at the request's anchor and walks forward; among matching
// messages the LAST one wins, because a child may echo the token early (for
// example quoting the instruction) before producing its real final reply.
// A match must still have non-empty text once the token line is stripped.
func Resolve(messages []host.Message, req Request) (Result, bool) {
	start := startIndex(messages, req)

	var (
		found  Result
		hasHit bool
	)
	for i := start; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role != "assistant" || msg.ID == "" {
			continue
		}

		text := ExtractText(msg)
		if !containsTokenLine(text, req.Token) {
			continue
		}
		cleaned := strings.TrimSpace(StripTokenLine(text, req.Token))
		if cleaned == "" {
			continue
		}

		found = Result{AssistantMessageID: msg.ID, CleanedText: cleaned}
		hasHit = true
	}

	return found, hasHit
}

// startIndex computes where the scan begins: the recorded message count if
// plausible, else just past the anchoring assistant message, else zero.
func startIndex(messages []host.Message, req Request) int {
	if req.AfterMessageCount != nil && *req.AfterMessageCount >= 0 && *req.AfterMessageCount <= len(messages) {
		return *req.AfterMessageCount
	}
	if req.AfterAssistantMessageID != "" {
		for i, msg := range messages {
			if msg.ID == req.AfterAssistantMessageID {
				return i + 1
			}
		}
	}
	return 0
}

// containsTokenLine reports whether text has the token echo on a line of its
// own. Partial matches sharing a line with other content do not count.
func containsTokenLine(text, token string) bool {
	want := TokenLine(token)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

// StripTokenLine removes lines that are exactly the token echo.
// Lines merely containing the token are preserved.
func StripTokenLine(text, token string) string {
	want := TokenLine(token)
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == want {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
