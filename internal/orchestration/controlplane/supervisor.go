package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/conductor/internal/host"
	"github.com/zjrosen/conductor/internal/log"
	"github.com/zjrosen/conductor/internal/orchestration/forward"
	"github.com/zjrosen/conductor/internal/orchestration/promptops"
	"github.com/zjrosen/conductor/internal/orchestration/workspace"
)

// Validation errors surfaced to tool callers.
var (
	ErrUnknownChild     = errors.New("unknown child session")
	ErrNotOwnedByCaller = errors.New("child session is owned by a different orchestrator")
)

// hostCallTimeout bounds host calls made from timer callbacks, which have no
// caller-supplied context.
const hostCallTimeout = 30 * time.Second

// CreateResult is the session_create tool response.
type CreateResult struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionID"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// PromptResult is the session_prompt tool response.
type PromptResult struct {
	Status       string `json:"status"`
	SessionID    string `json:"sessionID"`
	Agent        string `json:"agent,omitempty"`
	ForwardToken string `json:"forwardToken"`
	// PathRewrite notes what the prompt path rewrite did, if anything.
	PathRewrite string `json:"pathRewrite,omitempty"`
}

// ChildStatus is the session_status tool response, and one session_list entry.
type ChildStatus struct {
	Status                 string        `json:"status"`
	SessionID              string        `json:"sessionID"`
	Title                  string        `json:"title,omitempty"`
	State                  TrackingState `json:"state"`
	Progress               Progress      `json:"progress"`
	StatusType             string        `json:"statusType"`
	CreatedAt              int64         `json:"createdAt"`
	LastPromptAt           int64         `json:"lastPromptAt,omitempty"`
	LastResultAt           int64         `json:"lastResultAt,omitempty"`
	LastErrorAt            int64         `json:"lastErrorAt,omitempty"`
	LastAssistantMessageAt int64         `json:"lastAssistantMessageAt,omitempty"`
	LastActivityAt         int64         `json:"lastActivityAt"`
	Excerpt                string        `json:"excerpt,omitempty"`
	WorkspaceDirectory     string        `json:"workspaceDirectory,omitempty"`
	WorkspaceBranch        string        `json:"workspaceBranch,omitempty"`
}

// ListResult is the session_list tool response.
type ListResult struct {
	Status   string        `json:"status"`
	Count    int           `json:"count"`
	Children []ChildStatus `json:"children"`
}

// Supervisor is the central controller: it wires the registry, debouncer,
// resolver, workspace provisioner, and the host client.
type Supervisor struct {
	registry   Registry
	host       host.Client
	workspaces *workspace.Provisioner
	repoRoot   string
	now        func() int64
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Registry   Registry
	Host       host.Client
	Workspaces *workspace.Provisioner
	// RepoRoot is the repository the orchestrator runs in; empty disables
	// isolated workspaces.
	RepoRoot string
	// Now is injectable for tests; nil selects wall-clock milliseconds.
	Now func() int64
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		registry:   cfg.Registry,
		host:       cfg.Host,
		workspaces: cfg.Workspaces,
		repoRoot:   cfg.RepoRoot,
		now:        cfg.Now,
	}
	if s.now == nil {
		s.now = func() int64 { return time.Now().UnixMilli() }
	}
	return s
}

// Create provisions a workspace and creates a child session in it.
func (s *Supervisor) Create(ctx context.Context, orchestratorID, orchestratorDir, title string) (CreateResult, error) {
	ctx, span := otel.Tracer("conductor/supervisor").Start(ctx, "supervisor.create")
	defer span.End()
	span.SetAttributes(attribute.String("orchestrator.id", orchestratorID))

	if s.registry.IsNestedOrchestrator(orchestratorID) {
		return CreateResult{}, ErrNestedOrchestrator
	}

	ws := s.workspaces.Provision(ctx, orchestratorID, title, orchestratorDir, s.repoRoot)

	directory := ws.Directory
	if directory == "" {
		directory = orchestratorDir
	}

	session, err := s.host.CreateSession(ctx, host.CreateSessionRequest{
		ParentID:  orchestratorID,
		Title:     title,
		Directory: directory,
	})
	if err != nil {
		s.workspaces.Cleanup(ws)
		return CreateResult{}, fmt.Errorf("create child session: %w", err)
	}

	reg := Registration{
		ChildSessionID:        session.ID,
		OrchestratorSessionID: orchestratorID,
		OrchestratorDirectory: orchestratorDir,
		Title:                 title,
		CreatedAt:             s.now(),
	}
	if ws.Kind == workspace.KindIsolated {
		reg.WorkspaceDirectory = ws.Directory
		reg.WorkspaceBranch = ws.Branch
	}
	if err := s.registry.Register(reg); err != nil {
		s.workspaces.Cleanup(ws)
		return CreateResult{}, err
	}

	log.Info(log.CatSupervisor, "Created child session",
		"child", session.ID, "orchestrator", orchestratorID, "workspace", string(ws.Kind))

	return CreateResult{
		Status:    "created",
		SessionID: session.ID,
		Title:     title,
		Directory: directory,
	}, nil
}

// Prompt sends a prompt to a child, planting a forward token so the reply can
// be correlated back to this request.
func (s *Supervisor) Prompt(ctx context.Context, orchestratorID, childID, prompt, agent string) (PromptResult, error) {
	ctx, span := otel.Tracer("conductor/supervisor").Start(ctx, "supervisor.prompt")
	defer span.End()
	span.SetAttributes(attribute.String("child.id", childID))

	if s.registry.IsNestedOrchestrator(orchestratorID) {
		return PromptResult{}, ErrNestedOrchestrator
	}
	if err := s.verifyOwnership(orchestratorID, childID); err != nil {
		return PromptResult{}, err
	}

	// Path rewrite is best-effort: fallback children share the
	// orchestrator's directory and get the prompt verbatim.
	rewriteNote := ""
	outgoing := prompt
	orchestratorDir, _ := s.registry.GetOrchestratorDirectory(childID)
	childDir := orchestratorDir
	if workspaceDir, ok := s.registry.GetChildWorkspaceDirectory(childID); ok && workspaceDir != "" {
		childDir = workspaceDir
		res := promptops.RewritePaths(prompt, orchestratorDir, workspaceDir)
		outgoing = res.Prompt
		if res.Rewritten > 0 {
			rewriteNote = fmt.Sprintf("rewrote %d path(s) into %s", res.Rewritten, workspaceDir)
		}
	}

	// Snapshot the conversation position so stale token echoes from earlier
	// turns can never satisfy this request. A failed fetch leaves both
	// anchors unset and the resolver scans from the start.
	pending := PendingForwardRequest{
		ForwardToken: uuid.NewString(),
		CreatedAt:    s.now(),
	}
	if messages, err := s.host.ListMessages(ctx, childID, childDir); err == nil {
		marker := forward.CreateTriggerMarker(messages)
		count := marker.AfterMessageCount
		pending.AfterMessageCount = &count
		pending.AfterAssistantMessageID = marker.AfterAssistantMessageID
	} else {
		log.Warn(log.CatSupervisor, "Trigger marker unavailable", "child", childID, "error", err.Error())
	}

	agent = s.resolveAgent(ctx, agent)

	s.registry.EnqueuePendingForward(childID, pending)

	err := s.host.PromptAsync(ctx, childID, host.PromptRequest{
		Agent:     agent,
		Directory: childDir,
		Parts:     []host.MessagePart{host.TextPart(forward.AppendTokenInstruction(outgoing, pending.ForwardToken))},
	})
	if err != nil {
		s.registry.RemovePendingForward(childID, pending.ForwardToken)
		return PromptResult{}, fmt.Errorf("prompt child session: %w", err)
	}

	s.registry.MarkPromptSent(childID, s.now(), agent)
	log.Info(log.CatSupervisor, "Prompt sent", "child", childID, "agent", agent, "token", pending.ForwardToken)

	return PromptResult{
		Status:       "prompt_sent",
		SessionID:    childID,
		Agent:        agent,
		ForwardToken: pending.ForwardToken,
		PathRewrite:  rewriteNote,
	}, nil
}

// resolveAgent accepts the caller's agent when the host knows it. A missing
// agent endpoint, a fetch error, or an empty agent list all degrade to
// accepting the caller's string verbatim.
func (s *Supervisor) resolveAgent(ctx context.Context, agent string) string {
	if agent == "" {
		return ""
	}
	agents, err := s.host.Agents(ctx)
	if err != nil || len(agents) == 0 {
		return agent
	}
	for _, a := range agents {
		if a.Name == agent {
			return agent
		}
	}
	log.Warn(log.CatSupervisor, "Unknown agent, using host default", "agent", agent)
	return ""
}

// HandleStableIdle runs when a child has stayed idle through the debounce
// window. It resolves the oldest pending forward request against the child's
// messages and, on a match, posts the reply into the orchestrator session.
// No match is not an error: the request stays queued for the next idle.
func (s *Supervisor) HandleStableIdle(childID string) {
	ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
	defer cancel()
	ctx, span := otel.Tracer("conductor/supervisor").Start(ctx, "supervisor.stable_idle")
	defer span.End()
	span.SetAttributes(attribute.String("child.id", childID))

	pending, ok := s.registry.PeekPendingForward(childID)
	if !ok {
		return
	}

	// The idle event is 5 seconds stale by now; re-verify against the host.
	if s.childBusy(ctx, childID) {
		log.Debug(log.CatSupervisor, "Child busy again, skipping delivery", "child", childID)
		return
	}

	messages, err := s.host.ListMessages(ctx, childID, s.childDirectory(childID))
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "Cannot list child messages", err, "child", childID)
		return
	}

	result, found := forward.Resolve(messages, forward.Request{
		Token:                   pending.ForwardToken,
		AfterMessageCount:       pending.AfterMessageCount,
		AfterAssistantMessageID: pending.AfterAssistantMessageID,
	})
	if !found {
		log.Debug(log.CatSupervisor, "No forwardable reply yet", "child", childID, "token", pending.ForwardToken)
		return
	}

	shifted, ok := s.registry.ShiftPendingForward(childID)
	if !ok {
		// Another delivery raced us and consumed the request.
		return
	}

	if record, ok := s.registry.Get(childID); ok &&
		record.LastDeliveredAssistantMessageID == result.AssistantMessageID {
		log.Debug(log.CatSupervisor, "Reply already delivered", "child", childID, "message", result.AssistantMessageID)
		return
	}

	agent, _ := s.registry.GetLastPromptAgent(childID)
	label := resultLabel(agent)
	part := syntheticPart(childID, label, result.CleanedText, map[string]any{
		"assistantMessageID": result.AssistantMessageID,
		"forwardToken":       shifted.ForwardToken,
	})

	if err := s.postToOrchestrator(ctx, childID, part); err != nil {
		log.ErrorErr(log.CatSupervisor, "Forward delivery failed", err, "child", childID)
		s.registry.MarkError(childID, s.now(), err.Error())
		return
	}

	if questions := promptops.ExtractQuestions(result.CleanedText); questions != "" {
		qPart := syntheticPart(childID, SyntheticQuestions, questions, map[string]any{
			"assistantMessageID": result.AssistantMessageID,
			"forwardToken":       shifted.ForwardToken,
		})
		if err := s.postToOrchestrator(ctx, childID, qPart); err != nil {
			log.ErrorErr(log.CatSupervisor, "Question delivery failed", err, "child", childID)
		}
	}

	s.registry.SetLastDeliveredAssistantMessageID(childID, result.AssistantMessageID)
	s.registry.MarkResultReceived(childID, s.now(), result.CleanedText)
	log.Info(log.CatSupervisor, "Forwarded child reply",
		"child", childID, "message", result.AssistantMessageID, "label", label)
}

// HandleSessionError runs on a session.error event for a tracked child. The
// error state is always recorded; a synthetic error message is posted only
// when a forward request is outstanding, consuming exactly one.
func (s *Supervisor) HandleSessionError(childID, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
	defer cancel()
	ctx, span := otel.Tracer("conductor/supervisor").Start(ctx, "supervisor.session_error")
	defer span.End()
	span.SetAttributes(attribute.String("child.id", childID))

	s.registry.MarkError(childID, s.now(), errMsg)

	shifted, ok := s.registry.ShiftPendingForward(childID)
	if !ok {
		return
	}

	part := syntheticPart(childID, SyntheticError, Truncate(errMsg, ErrorLimit), map[string]any{
		"forwardToken": shifted.ForwardToken,
	})
	if err := s.postToOrchestrator(ctx, childID, part); err != nil {
		log.ErrorErr(log.CatSupervisor, "Error delivery failed", err, "child", childID)
	}
}

// Status returns a snapshot of one child, verifying the caller owns it.
// refresh additionally pulls the child's latest assistant message to update
// the stored excerpt before snapshotting.
func (s *Supervisor) Status(ctx context.Context, orchestratorID, childID string, refresh bool) (ChildStatus, error) {
	record, ok := s.registry.Get(childID)
	if !ok {
		return ChildStatus{}, ErrUnknownChild
	}
	if record.Registration.OrchestratorSessionID != orchestratorID {
		return ChildStatus{}, ErrNotOwnedByCaller
	}

	if refresh {
		if excerpt, ok := s.latestAssistantText(ctx, childID); ok {
			s.registry.RecordObservedAssistantMessage(childID, s.now(), excerpt)
			if updated, ok := s.registry.Get(childID); ok {
				record = updated
			}
		}
	}

	busy := s.childBusy(ctx, childID)
	return s.snapshot(record, busy), nil
}

// List returns every child owned by the caller, oldest first.
func (s *Supervisor) List(ctx context.Context, orchestratorID string) ListResult {
	records := s.registry.List(orchestratorID)

	// One status fetch covers all children rooted in the orchestrator's
	// project; a failed fetch degrades every child to not-busy.
	statuses := map[string]host.SessionStatus{}
	if len(records) > 0 {
		dir := records[0].Registration.OrchestratorDirectory
		if fetched, err := s.host.SessionStatuses(ctx, dir); err == nil {
			statuses = fetched
		}
	}

	children := make([]ChildStatus, 0, len(records))
	for _, record := range records {
		children = append(children, s.snapshot(record, statuses[record.Registration.ChildSessionID].Busy()))
	}
	return ListResult{Status: "ok", Count: len(children), Children: children}
}

// Cleanup tears down a child's isolated workspace, if it has one.
func (s *Supervisor) Cleanup(childID string) {
	record, ok := s.registry.Get(childID)
	if !ok || record.Registration.WorkspaceDirectory == "" {
		return
	}
	s.workspaces.Cleanup(workspace.Workspace{
		Kind:      workspace.KindIsolated,
		Directory: record.Registration.WorkspaceDirectory,
		Branch:    record.Registration.WorkspaceBranch,
	})
}

func (s *Supervisor) verifyOwnership(orchestratorID, childID string) error {
	owner, ok := s.registry.GetOrchestratorSessionID(childID)
	if !ok {
		return ErrUnknownChild
	}
	if owner != orchestratorID {
		return ErrNotOwnedByCaller
	}
	return nil
}

// childDirectory is the directory the host should resolve the child in:
// its isolated workspace when it has one, the orchestrator's otherwise.
func (s *Supervisor) childDirectory(childID string) string {
	if dir, ok := s.registry.GetChildWorkspaceDirectory(childID); ok && dir != "" {
		return dir
	}
	dir, _ := s.registry.GetOrchestratorDirectory(childID)
	return dir
}

// childBusy asks the host whether the child is working right now.
// Unreachable hosts report not-busy; the resolver's no-match path catches
// premature deliveries anyway.
func (s *Supervisor) childBusy(ctx context.Context, childID string) bool {
	statuses, err := s.host.SessionStatuses(ctx, s.childDirectory(childID))
	if err != nil {
		return false
	}
	return statuses[childID].Busy()
}

// postToOrchestrator delivers a synthetic part into the child's orchestrator
// session, synchronously, scoped to the orchestrator's own directory.
func (s *Supervisor) postToOrchestrator(ctx context.Context, childID string, part host.MessagePart) error {
	orchestratorID, ok := s.registry.GetOrchestratorSessionID(childID)
	if !ok {
		return ErrUnknownChild
	}
	orchestratorDir, _ := s.registry.GetOrchestratorDirectory(childID)
	return s.host.Prompt(ctx, orchestratorID, host.PromptRequest{
		Directory: orchestratorDir,
		Parts:     []host.MessagePart{part},
	})
}

// latestAssistantText returns the text of the child's newest assistant message.
func (s *Supervisor) latestAssistantText(ctx context.Context, childID string) (string, bool) {
	messages, err := s.host.ListMessages(ctx, childID, s.childDirectory(childID))
	if err != nil {
		log.Warn(log.CatSupervisor, "Status refresh failed", "child", childID, "error", err.Error())
		return "", false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return forward.ExtractText(messages[i]), true
		}
	}
	return "", false
}

func (s *Supervisor) snapshot(record *ChildRecord, busy bool) ChildStatus {
	statusType := "idle"
	if busy {
		statusType = "busy"
	}
	return ChildStatus{
		Status:                 "ok",
		SessionID:              record.Registration.ChildSessionID,
		Title:                  record.Registration.Title,
		State:                  record.Tracking.State,
		Progress:               DeriveProgress(record.Tracking.State, busy),
		StatusType:             statusType,
		CreatedAt:              record.Registration.CreatedAt,
		LastPromptAt:           record.Tracking.LastPromptAt,
		LastResultAt:           record.Tracking.LastResultAt,
		LastErrorAt:            record.Tracking.LastErrorAt,
		LastAssistantMessageAt: record.Tracking.LastAssistantMessageAt,
		LastActivityAt:         record.LastActivityAt(),
		Excerpt:                record.Tracking.LastAssistantMessageExcerpt,
		WorkspaceDirectory:     record.Registration.WorkspaceDirectory,
		WorkspaceBranch:        record.Registration.WorkspaceBranch,
	}
}
