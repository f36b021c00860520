// Package hostmock provides an in-memory host.Client for tests.
package hostmock

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/conductor/internal/host"
)

// Compile-time check that Mock implements host.Client.
var _ host.Client = (*Mock)(nil)

// PermissionResponse records one RespondToPermission call.
type PermissionResponse struct {
	SessionID    string
	PermissionID string
	Response     string
}

// Mock is an in-memory host. Tests create sessions through the Client
// interface, script message history with SetMessages, and inject host
// events with Emit.
type Mock struct {
	mu          sync.Mutex
	sessions    map[string]host.Session
	messages    map[string][]host.Message
	prompts     map[string][]host.PromptRequest
	syncPrompts map[string][]host.PromptRequest
	statuses    map[string]host.SessionStatus
	permissions []PermissionResponse
	agents      []host.Agent
	subscribers []chan host.Event
	nextID      int

	// CreateErr, when set, is returned by CreateSession.
	CreateErr error
	// PromptErr, when set, is returned by PromptAsync.
	PromptErr error
	// SyncPromptErr, when set, is returned by Prompt.
	SyncPromptErr error
}

// New creates an empty mock host.
func New() *Mock {
	return &Mock{
		sessions:    make(map[string]host.Session),
		messages:    make(map[string][]host.Message),
		prompts:     make(map[string][]host.PromptRequest),
		syncPrompts: make(map[string][]host.PromptRequest),
		statuses:    make(map[string]host.SessionStatus),
	}
}

// CreateSession registers a new session with a generated ID.
func (m *Mock) CreateSession(_ context.Context, req host.CreateSessionRequest) (host.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return host.Session{}, m.CreateErr
	}

	m.nextID++
	session := host.Session{
		ID:        fmt.Sprintf("ses_mock_%03d", m.nextID),
		ParentID:  req.ParentID,
		Title:     req.Title,
		Directory: req.Directory,
	}
	m.sessions[session.ID] = session
	return session, nil
}

// GetSession returns a previously created session.
func (m *Mock) GetSession(_ context.Context, sessionID string) (host.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return host.Session{}, fmt.Errorf("session %s not found", sessionID)
	}
	return session, nil
}

// PromptAsync records the prompt for later assertions.
func (m *Mock) PromptAsync(_ context.Context, sessionID string, req host.PromptRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PromptErr != nil {
		return m.PromptErr
	}
	m.prompts[sessionID] = append(m.prompts[sessionID], req)
	return nil
}

// Prompt records a synchronous prompt (synthetic posts in production).
func (m *Mock) Prompt(_ context.Context, sessionID string, req host.PromptRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SyncPromptErr != nil {
		return m.SyncPromptErr
	}
	m.syncPrompts[sessionID] = append(m.syncPrompts[sessionID], req)
	return nil
}

// SessionStatuses returns the scripted busy/idle map.
func (m *Mock) SessionStatuses(context.Context, string) (map[string]host.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]host.SessionStatus, len(m.statuses))
	for id, st := range m.statuses {
		out[id] = st
	}
	return out, nil
}

// ListMessages returns the scripted message history for a session.
func (m *Mock) ListMessages(_ context.Context, sessionID, _ string) ([]host.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	out := make([]host.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// RespondToPermission records the response.
func (m *Mock) RespondToPermission(_ context.Context, sessionID, permissionID, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.permissions = append(m.permissions, PermissionResponse{
		SessionID:    sessionID,
		PermissionID: permissionID,
		Response:     response,
	})
	return nil
}

// Agents returns the scripted agent list.
func (m *Mock) Agents(context.Context) ([]host.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]host.Agent(nil), m.agents...), nil
}

// Events returns a channel fed by Emit. It closes when ctx is cancelled.
func (m *Mock) Events(ctx context.Context) (<-chan host.Event, error) {
	ch := make(chan host.Event, 64)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subscribers {
			if sub == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

// --- Test scripting helpers ---

// SetMessages replaces the message history for a session.
func (m *Mock) SetMessages(sessionID string, msgs []host.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[sessionID] = append([]host.Message(nil), msgs...)
}

// AppendMessage adds one message to a session's history.
func (m *Mock) AppendMessage(sessionID string, msg host.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[sessionID] = append(m.messages[sessionID], msg)
}

// SetAgents replaces the scripted agent list.
func (m *Mock) SetAgents(agents []host.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append([]host.Agent(nil), agents...)
}

// Emit delivers an event to every active subscriber.
func (m *Mock) Emit(event host.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SetBusy scripts the busy/idle status of a session.
func (m *Mock) SetBusy(sessionID string, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := host.SessionStatus{Type: "idle"}
	if busy {
		status.Type = "busy"
	}
	m.statuses[sessionID] = status
}

// SyncPrompts returns the synchronous prompts posted to a session so far.
func (m *Mock) SyncPrompts(sessionID string) []host.PromptRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]host.PromptRequest(nil), m.syncPrompts[sessionID]...)
}

// Prompts returns the prompts delivered to a session so far.
func (m *Mock) Prompts(sessionID string) []host.PromptRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]host.PromptRequest(nil), m.prompts[sessionID]...)
}

// PermissionResponses returns every recorded permission response.
func (m *Mock) PermissionResponses() []PermissionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PermissionResponse(nil), m.permissions...)
}

// Sessions returns every created session.
func (m *Mock) Sessions() []host.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]host.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
