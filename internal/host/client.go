// Package host talks to a running opencode server.
//
// Conductor never spawns model processes itself: every session lives in the
// host, and conductor drives them through the host's REST API and observes
// them through its SSE event stream.
package host

import "context"

// Session is an opencode session as reported by the host.
type Session struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentID,omitempty"` //nolint:tagliatelle // matches actual OpenCode API
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// CreateSessionRequest holds the parameters for creating a child session.
type CreateSessionRequest struct {
	ParentID  string
	Title     string
	Directory string
}

// MessagePart is one part of a session message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Ignored marks parts excluded from text extraction.
	Ignored bool `json:"ignored,omitempty"`
	// Synthetic marks supervisor-injected parts, with Metadata carrying
	// correlation fields (child session, forward token, status).
	Synthetic bool           `json:"synthetic,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TextPart builds a text message part.
func TextPart(text string) MessagePart {
	return MessagePart{Type: "text", Text: text}
}

// Message is a session message with its parts.
type Message struct {
	ID    string
	Role  string
	Parts []MessagePart
}

// PromptRequest holds the parameters for prompting a session.
// Directory scopes the request to a project when the host serves several.
type PromptRequest struct {
	Agent     string
	Model     string
	Directory string
	Parts     []MessagePart
}

// SessionStatus reports whether a session is currently working.
type SessionStatus struct {
	Type string `json:"type"` // "busy" or "idle"
}

// Busy reports whether the status marks the session as working.
func (s SessionStatus) Busy() bool { return s.Type == "busy" }

// Agent describes an agent configured on the host.
type Agent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// Client is the capability surface conductor needs from the host.
// Implementations must be safe for concurrent use.
type Client interface {
	// CreateSession creates a new session, optionally parented and rooted
	// in a specific directory.
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)

	// GetSession fetches a single session by ID.
	GetSession(ctx context.Context, sessionID string) (Session, error)

	// PromptAsync sends a prompt to a session without waiting for the
	// model turn to finish. Delivery failures are logged, not returned:
	// callers learn about turn outcomes through the event stream.
	PromptAsync(ctx context.Context, sessionID string, req PromptRequest) error

	// Prompt sends a prompt and waits for the host to accept it and run
	// the turn. Used for synthetic posts into the orchestrator session.
	Prompt(ctx context.Context, sessionID string, req PromptRequest) error

	// SessionStatuses reports busy/idle per session for the project
	// rooted at directory.
	SessionStatuses(ctx context.Context, directory string) (map[string]SessionStatus, error)

	// ListMessages returns every message in a session, oldest first.
	// directory scopes the lookup to a project; empty means the host default.
	ListMessages(ctx context.Context, sessionID, directory string) ([]Message, error)

	// RespondToPermission answers a pending permission request.
	// response is one of "once", "always", "reject".
	RespondToPermission(ctx context.Context, sessionID, permissionID, response string) error

	// Agents lists the agents configured on the host. Hosts without the
	// agent endpoint return an empty list and no error.
	Agents(ctx context.Context) ([]Agent, error)

	// Events subscribes to the host's event stream. The channel closes
	// when ctx is cancelled or the stream ends.
	Events(ctx context.Context) (<-chan Event, error)
}
