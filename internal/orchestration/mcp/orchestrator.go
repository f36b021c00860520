package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
	"github.com/zjrosen/conductor/internal/orchestration/tracing"
)

// serverInstructions tells the orchestrating model how the session tools
// compose.
const serverInstructions = `Conductor manages isolated child worker sessions.
Use session_create to start a worker, session_prompt to hand it work, and
session_status / session_list to inspect progress. Replies are forwarded back
into your session automatically once the worker finishes.`

// Orchestrator registers the four session_* tools against a supervisor.
// The caller identity (the orchestrator session this server serves) is fixed
// at construction: one conductor process per orchestrator session.
type Orchestrator struct {
	supervisor *controlplane.Supervisor

	sessionID string
	directory string
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Supervisor *controlplane.Supervisor
	// SessionID identifies the orchestrator session making tool calls.
	SessionID string
	// Directory is the orchestrator session's working directory.
	Directory string
}

// NewOrchestrator creates the tool surface for one orchestrator session.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		supervisor: cfg.Supervisor,
		sessionID:  cfg.SessionID,
		directory:  cfg.Directory,
	}
}

// Instructions returns the server instructions for initialization.
func (o *Orchestrator) Instructions() string { return serverInstructions }

// Register adds the session tools to the server.
func (o *Orchestrator) Register(server *Server) {
	server.RegisterTool(Tool{
		Name:        "session_create",
		Description: "Create an isolated child worker session. Returns the new session ID and its working directory.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"title": {Type: "string", Description: "Short human label for the child session"},
			},
		},
	}, o.handleSessionCreate)

	server.RegisterTool(Tool{
		Name:        "session_prompt",
		Description: "Send a prompt to a child session. The reply is forwarded back automatically when the child finishes.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"sessionID": {Type: "string", Description: "Child session ID from session_create"},
				"prompt":    {Type: "string", Description: "The work to hand to the child"},
				"agent":     {Type: "string", Description: "Agent to run the prompt with (e.g. build, plan); omit for the default"},
			},
			Required: []string{"sessionID", "prompt"},
		},
	}, o.handleSessionPrompt)

	server.RegisterTool(Tool{
		Name:        "session_status",
		Description: "Inspect one child session: state, progress, timestamps, and the latest reply excerpt.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"sessionID": {Type: "string", Description: "Child session ID"},
				"refresh":   {Type: "boolean", Description: "Fetch the child's latest message before reporting"},
			},
			Required: []string{"sessionID"},
		},
	}, o.handleSessionStatus)

	server.RegisterTool(Tool{
		Name:        "session_list",
		Description: "List every child session owned by this orchestrator, oldest first.",
		InputSchema: &InputSchema{Type: "object"},
	}, o.handleSessionList)
}

type sessionCreateArgs struct {
	Title string `json:"title"`
}

type sessionPromptArgs struct {
	SessionID string `json:"sessionID"`
	Prompt    string `json:"prompt"`
	Agent     string `json:"agent"`
}

type sessionStatusArgs struct {
	SessionID string `json:"sessionID"`
	Refresh   bool   `json:"refresh"`
}

func (o *Orchestrator) handleSessionCreate(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	ctx, span := otel.Tracer("conductor/mcp").Start(ctx, tracing.SpanPrefixTool+"session_create")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrOrchestratorID, o.sessionID))

	if err := o.checkIdentity(); err != nil {
		return errorJSON(err), nil
	}

	var args sessionCreateArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return errorJSON(fmt.Errorf("invalid arguments: %w", err)), nil
		}
	}

	result, err := o.supervisor.Create(ctx, o.sessionID, o.directory, args.Title)
	if err != nil {
		return errorJSON(err), nil
	}
	return resultJSON(result)
}

func (o *Orchestrator) handleSessionPrompt(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	ctx, span := otel.Tracer("conductor/mcp").Start(ctx, tracing.SpanPrefixTool+"session_prompt")
	defer span.End()

	if err := o.checkIdentity(); err != nil {
		return errorJSON(err), nil
	}

	var args sessionPromptArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorJSON(fmt.Errorf("invalid arguments: %w", err)), nil
	}
	if args.SessionID == "" || args.Prompt == "" {
		return errorJSON(errors.New("sessionID and prompt are required")), nil
	}
	span.SetAttributes(attribute.String(tracing.AttrChildID, args.SessionID))

	result, err := o.supervisor.Prompt(ctx, o.sessionID, args.SessionID, args.Prompt, args.Agent)
	if err != nil {
		return errorJSON(err), nil
	}
	return resultJSON(result)
}

func (o *Orchestrator) handleSessionStatus(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	ctx, span := otel.Tracer("conductor/mcp").Start(ctx, tracing.SpanPrefixTool+"session_status")
	defer span.End()

	if err := o.checkIdentity(); err != nil {
		return errorJSON(err), nil
	}

	var args sessionStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorJSON(fmt.Errorf("invalid arguments: %w", err)), nil
	}
	if args.SessionID == "" {
		return errorJSON(errors.New("sessionID is required")), nil
	}

	result, err := o.supervisor.Status(ctx, o.sessionID, args.SessionID, args.Refresh)
	if err != nil {
		return errorJSON(err), nil
	}
	return resultJSON(result)
}

func (o *Orchestrator) handleSessionList(ctx context.Context, _ json.RawMessage) (*ToolCallResult, error) {
	ctx, span := otel.Tracer("conductor/mcp").Start(ctx, tracing.SpanPrefixTool+"session_list")
	defer span.End()

	if err := o.checkIdentity(); err != nil {
		return errorJSON(err), nil
	}

	return resultJSON(o.supervisor.List(ctx, o.sessionID))
}

// checkIdentity rejects tool calls when the server was started without an
// orchestrator session binding.
func (o *Orchestrator) checkIdentity() error {
	if o.sessionID == "" {
		return errors.New("missing orchestrator session metadata")
	}
	return nil
}

// errorJSON renders an error as a {status:"error"} tool result, truncated so
// a pathological host error can't flood the orchestrator's context.
func errorJSON(err error) *ToolCallResult {
	payload := map[string]string{
		"status": "error",
		"error":  controlplane.Truncate(err.Error(), controlplane.ErrorLimit),
	}
	data, _ := json.Marshal(payload)
	return ErrorResult(string(data))
}

// resultJSON renders a tool response struct as JSON text content.
func resultJSON(v any) (*ToolCallResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return SuccessResult(string(data)), nil
}
