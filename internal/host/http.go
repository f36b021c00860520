package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zjrosen/conductor/internal/log"
)

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client against the opencode server REST API.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
	// streamc has no timeout: prompt turns and the SSE stream are long-lived.
	streamc *http.Client
}

// NewHTTPClient creates a client for the host at baseURL.
// timeout bounds individual request/response calls; zero means 30 seconds.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		streamc: &http.Client{},
	}
}

// CreateSession creates a new session on the host.
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	path := "/session"
	if req.Directory != "" {
		path += "?directory=" + url.QueryEscape(req.Directory)
	}

	body := map[string]string{}
	if req.ParentID != "" {
		body["parentID"] = req.ParentID
	}
	if req.Title != "" {
		body["title"] = req.Title
	}

	var session Session
	if err := c.doJSON(ctx, http.MethodPost, path, body, &session); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return session, nil
}

// GetSession fetches a single session by ID.
func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var session Session
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return Session{}, fmt.Errorf("fetching session %s: %w", sessionID, err)
	}
	return session, nil
}

// promptBody is the request payload for POST /session/:id/message.
type promptBody struct {
	Agent string        `json:"agent,omitempty"`
	Model string        `json:"model,omitempty"`
	Parts []MessagePart `json:"parts"`
}

// PromptAsync sends a prompt without waiting for the model turn to finish.
// The host blocks the message endpoint until the turn completes, so the
// request runs in a goroutine detached from the caller's cancellation.
// Failures are logged; outcomes surface through the event stream.
func (c *HTTPClient) PromptAsync(ctx context.Context, sessionID string, req PromptRequest) error {
	payload, err := json.Marshal(promptBody{Agent: req.Agent, Model: req.Model, Parts: req.Parts})
	if err != nil {
		return fmt.Errorf("encoding prompt: %w", err)
	}

	endpoint := c.messageEndpoint(sessionID, req.Directory)
	detached := context.WithoutCancel(ctx)

	go func() {
		httpReq, err := http.NewRequestWithContext(detached, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			log.ErrorErr(log.CatHost, "Failed to build prompt request", err, "session", sessionID)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.streamc.Do(httpReq)
		if err != nil {
			log.ErrorErr(log.CatHost, "Prompt delivery failed", err, "session", sessionID)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			log.Error(log.CatHost, "Prompt rejected by host", "session", sessionID, "status", resp.StatusCode)
		}
	}()

	return nil
}

// Prompt sends a prompt and waits for the turn to complete.
// Uses the untimed client: orchestrator turns can run for minutes.
func (c *HTTPClient) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	payload, err := json.Marshal(promptBody{Agent: req.Agent, Model: req.Model, Parts: req.Parts})
	if err != nil {
		return fmt.Errorf("encoding prompt: %w", err)
	}

	endpoint := c.messageEndpoint(sessionID, req.Directory)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building prompt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streamc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("prompting session %s: %w", sessionID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return nil
}

// SessionStatuses reports busy/idle per session for the project at directory.
func (c *HTTPClient) SessionStatuses(ctx context.Context, directory string) (map[string]SessionStatus, error) {
	path := "/session/status"
	if directory != "" {
		path += "?directory=" + url.QueryEscape(directory)
	}

	statuses := make(map[string]SessionStatus)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &statuses); err != nil {
		return nil, fmt.Errorf("fetching session statuses: %w", err)
	}
	return statuses, nil
}

// messageEnvelope is the raw shape of GET /session/:id/message entries.
type messageEnvelope struct {
	Info struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// ListMessages returns every message in a session, oldest first.
func (c *HTTPClient) ListMessages(ctx context.Context, sessionID, directory string) ([]Message, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if directory != "" {
		path += "?directory=" + url.QueryEscape(directory)
	}

	var envelopes []messageEnvelope
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &envelopes); err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", sessionID, err)
	}

	messages := make([]Message, 0, len(envelopes))
	for _, env := range envelopes {
		messages = append(messages, Message{
			ID:    env.Info.ID,
			Role:  env.Info.Role,
			Parts: env.Parts,
		})
	}
	return messages, nil
}

// RespondToPermission answers a pending permission request.
func (c *HTTPClient) RespondToPermission(ctx context.Context, sessionID, permissionID, response string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	body := map[string]string{"response": response}
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("responding to permission %s: %w", permissionID, err)
	}
	return nil
}

// Agents lists the agents configured on the host.
// Older hosts without the endpoint yield an empty list.
func (c *HTTPClient) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := c.doJSON(ctx, http.MethodGet, "/agent", nil, &agents)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// Events subscribes to the host SSE stream at /event.
func (c *HTTPClient) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("building event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			data, found := strings.CutPrefix(line, "data: ")
			if !found {
				continue // SSE comments, event names, blank separators
			}

			event, err := ParseEvent([]byte(data))
			if err != nil {
				log.Warn(log.CatHost, "Dropping undecodable host event", "error", err.Error())
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.ErrorErr(log.CatHost, "Event stream ended", err)
		}
	}()

	return events, nil
}

// messageEndpoint builds the message URL for a session, scoped to a
// project directory when one is set.
func (c *HTTPClient) messageEndpoint(sessionID, directory string) string {
	endpoint := c.baseURL + "/session/" + url.PathEscape(sessionID) + "/message"
	if directory != "" {
		endpoint += "?directory=" + url.QueryEscape(directory)
	}
	return endpoint
}

// statusError carries a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("host returned status %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// doJSON performs a JSON request/response round trip against the host.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
