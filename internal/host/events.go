package host

import "encoding/json"

// EventType identifies a host event.
type EventType string

const (
	EventSessionIdle       EventType = "session.idle"
	EventSessionStatus     EventType = "session.status"
	EventSessionError      EventType = "session.error"
	EventMessageUpdated    EventType = "message.updated"
	EventPermissionUpdated EventType = "permission.updated"
	EventPermissionReplied EventType = "permission.replied"
)

// Event is a decoded host event.
type Event struct {
	Type      EventType
	SessionID string

	// MessageID is set for message.updated events.
	MessageID string
	// Role is the author of the updated message ("user" or "assistant").
	Role string

	// StatusType is set for session.status events ("busy" or "idle").
	StatusType string

	// Error is set for session.error events.
	Error string

	// Permission is set for permission.updated events.
	Permission *PermissionRequest
	// Reply is set for permission.replied events.
	Reply *PermissionReply

	// Raw is the undecoded event payload, kept for diagnostics.
	Raw []byte
}

// PermissionRequest describes a tool-permission prompt raised by a session.
type PermissionRequest struct {
	ID        string
	SessionID string
	Type      string
	Pattern   []string
}

// PermissionReply records the orchestrator's answer to a permission prompt.
type PermissionReply struct {
	SessionID    string
	PermissionID string
	Response     string
}

// hostEvent is the raw opencode SSE payload structure.
// The stream is JSONL with events of various types:
//
//	{"type":"session.idle","properties":{"sessionID":"ses_..."}}
//	{"type":"session.status","properties":{"sessionID":"ses_...","status":{"type":"busy"}}}
//	{"type":"session.error","properties":{"sessionID":"ses_...","error":{"name":"...","data":{"message":"..."}}}}
//	{"type":"message.updated","properties":{"info":{"id":"msg_...","role":"assistant","sessionID":"ses_..."}}}
//	{"type":"permission.updated","properties":{"id":"per_...","sessionID":"ses_...","type":"bash","pattern":["*"]}}
//	{"type":"permission.replied","properties":{"sessionID":"ses_...","permissionID":"per_...","response":"always"}}
type hostEvent struct {
	Type       string         `json:"type"`
	Properties hostEventProps `json:"properties"`
}

type hostEventProps struct {
	SessionID string `json:"sessionID,omitempty"` //nolint:tagliatelle // matches actual OpenCode API

	// session.status
	Status *SessionStatus `json:"status,omitempty"`

	// session.error
	Error *hostError `json:"error,omitempty"`

	// message.updated
	Info *hostMessageInfo `json:"info,omitempty"`

	// permission.updated
	ID      string          `json:"id,omitempty"`
	PermTyp string          `json:"type,omitempty"`
	Pattern json.RawMessage `json:"pattern,omitempty"`

	// permission.replied
	PermissionID string `json:"permissionID,omitempty"` //nolint:tagliatelle // matches actual OpenCode API
	Response     string `json:"response,omitempty"`
}

type hostError struct {
	Name string `json:"name,omitempty"`
	Data struct {
		Message string `json:"message,omitempty"`
	} `json:"data"`
}

type hostMessageInfo struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sessionID,omitempty"` //nolint:tagliatelle // matches actual OpenCode API
}

// ParseEvent decodes a single JSON event payload from the host stream.
// Unknown event types are passed through with only Type and SessionID set,
// for forward compatibility.
func ParseEvent(line []byte) (Event, error) {
	var raw hostEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}

	event := Event{
		Type:      EventType(raw.Type),
		SessionID: raw.Properties.SessionID,
	}
	event.Raw = make([]byte, len(line))
	copy(event.Raw, line)

	switch event.Type {
	case EventSessionStatus:
		if raw.Properties.Status != nil {
			event.StatusType = raw.Properties.Status.Type
		}

	case EventSessionError:
		if raw.Properties.Error != nil {
			event.Error = raw.Properties.Error.Data.Message
			if event.Error == "" {
				event.Error = raw.Properties.Error.Name
			}
		}

	case EventMessageUpdated:
		if raw.Properties.Info != nil {
			event.MessageID = raw.Properties.Info.ID
			event.Role = raw.Properties.Info.Role
			if event.SessionID == "" {
				event.SessionID = raw.Properties.Info.SessionID
			}
		}

	case EventPermissionUpdated:
		event.Permission = &PermissionRequest{
			ID:        raw.Properties.ID,
			SessionID: raw.Properties.SessionID,
			Type:      raw.Properties.PermTyp,
			Pattern:   decodePatterns(raw.Properties.Pattern),
		}

	case EventPermissionReplied:
		event.Reply = &PermissionReply{
			SessionID:    raw.Properties.SessionID,
			PermissionID: raw.Properties.PermissionID,
			Response:     raw.Properties.Response,
		}
	}

	return event, nil
}

// decodePatterns accepts the three shapes the host emits for a permission
// pattern: a single string, an array of strings, or nothing.
func decodePatterns(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}

	return nil
}
