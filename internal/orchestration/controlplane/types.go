// Package controlplane supervises child worker sessions on behalf of an
// orchestrator session: it owns the durable child registry, the idle
// debouncer, and the forwarding of child replies back to the orchestrator.
package controlplane

import "strings"

// SchemaVersion is the current registry document version.
const SchemaVersion = 2

// TrackingState is a child's position in its lifecycle.
type TrackingState string

const (
	StateCreated        TrackingState = "created"
	StatePromptSent     TrackingState = "prompt_sent"
	StateResultReceived TrackingState = "result_received"
	StateError          TrackingState = "error"
)

// Progress is the derived, non-persisted view of a child's state.
type Progress string

const (
	ProgressDone    Progress = "done"
	ProgressRunning Progress = "running"
	ProgressPending Progress = "pending"
)

// DeriveProgress maps a tracking state plus the host's live busy flag to a
// progress value.
func DeriveProgress(state TrackingState, busy bool) Progress {
	if state == StateResultReceived || state == StateError {
		return ProgressDone
	}
	if busy {
		return ProgressRunning
	}
	return ProgressPending
}

// PendingForwardRequest is one outstanding obligation by a child to produce
// exactly one forwarded reply.
type PendingForwardRequest struct {
	ForwardToken string `json:"forwardToken"`
	CreatedAt    int64  `json:"createdAt"`
	// AfterMessageCount, when set, is the index the resolver scan starts at.
	AfterMessageCount *int `json:"afterMessageCount,omitempty"`
	// AfterAssistantMessageID anchors the scan when the count is unknown.
	AfterAssistantMessageID string `json:"afterAssistantMessageID,omitempty"`
}

// Registration holds the immutable identity of a child session.
type Registration struct {
	ChildSessionID        string `json:"childSessionID"`
	OrchestratorSessionID string `json:"orchestratorSessionID"`
	OrchestratorDirectory string `json:"orchestratorDirectory,omitempty"`
	Title                 string `json:"title,omitempty"`
	CreatedAt             int64  `json:"createdAt"`
	// WorkspaceDirectory is empty in fallback mode (child shares the
	// orchestrator's directory). Once set it never changes.
	WorkspaceDirectory string `json:"workspaceDirectory,omitempty"`
	WorkspaceBranch    string `json:"workspaceBranch,omitempty"`
}

// Tracking holds the mutable per-child state machine fields.
type Tracking struct {
	LastPromptAt                int64         `json:"lastPromptAt,omitempty"`
	LastPromptAgent             string        `json:"lastPromptAgent,omitempty"`
	LastResultAt                int64         `json:"lastResultAt,omitempty"`
	LastErrorAt                 int64         `json:"lastErrorAt,omitempty"`
	LastAssistantMessageAt      int64         `json:"lastAssistantMessageAt,omitempty"`
	LastAssistantMessageExcerpt string        `json:"lastAssistantMessageExcerpt,omitempty"`
	State                       TrackingState `json:"state"`
}

// ChildRecord is the durable unit: one child session and everything the
// supervisor knows about it.
type ChildRecord struct {
	Version                         int                     `json:"version"`
	Registration                    Registration            `json:"registration"`
	Tracking                        Tracking                `json:"tracking"`
	LastDeliveredAssistantMessageID string                  `json:"lastDeliveredAssistantMessageID,omitempty"`
	PendingForwardRequests          []PendingForwardRequest `json:"pendingForwardRequests"`
}

// LastActivityAt is the most recent of the record's timestamps.
func (r *ChildRecord) LastActivityAt() int64 {
	latest := r.Registration.CreatedAt
	for _, at := range []int64{
		r.Tracking.LastPromptAt,
		r.Tracking.LastResultAt,
		r.Tracking.LastErrorAt,
		r.Tracking.LastAssistantMessageAt,
	} {
		if at > latest {
			latest = at
		}
	}
	return latest
}

// clone returns a deep copy so callers can't mutate registry state.
func (r *ChildRecord) clone() *ChildRecord {
	cp := *r
	cp.PendingForwardRequests = make([]PendingForwardRequest, len(r.PendingForwardRequests))
	copy(cp.PendingForwardRequests, r.PendingForwardRequests)
	return &cp
}

// ExcerptLimit caps stored assistant-message excerpts.
const ExcerptLimit = 400

// ErrorLimit caps user-visible error strings in tool responses.
const ErrorLimit = 2000

// Truncate trims s and caps it at max runes, appending "..." when cut.
// For max <= 3 the suffix would not fit, so the raw prefix is returned.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
