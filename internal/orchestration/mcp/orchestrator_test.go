package mcp

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conductor/internal/host/hostmock"
	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
	"github.com/zjrosen/conductor/internal/orchestration/workspace"
)

func newToolServer(t *testing.T, mock *hostmock.Mock) *Server {
	t.Helper()
	dir := t.TempDir()
	registry := controlplane.NewRegistry(controlplane.NewStore(
		filepath.Join(dir, "session-registry.json"),
		filepath.Join(dir, "session-registry"),
	))
	supervisor := controlplane.NewSupervisor(controlplane.SupervisorConfig{
		Registry:   registry,
		Host:       mock,
		Workspaces: workspace.NewProvisioner(workspace.Config{}),
	})

	server := NewServer("conductor", "test")
	NewOrchestrator(OrchestratorConfig{
		Supervisor: supervisor,
		SessionID:  "o1",
		Directory:  "/orch",
	}).Register(server)
	return server
}

// callTool invokes one tool through the JSON-RPC surface and decodes the
// JSON text payload into out.
func callTool(t *testing.T, s *Server, name, args string, out any) *ToolCallResult {
	t.Helper()

	params, err := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	require.NoError(t, err)

	result, rpcErr := s.handleToolsCall(params)
	require.Nil(t, rpcErr)

	call, ok := result.(*ToolCallResult)
	require.True(t, ok)
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(call.Content[0].Text), out))
	}
	return call
}

func TestOrchestrator_SessionCreate(t *testing.T) {
	mock := hostmock.New()
	s := newToolServer(t, mock)

	var created controlplane.CreateResult
	call := callTool(t, s, "session_create", `{"title":"worker one"}`, &created)

	require.False(t, call.IsError)
	require.Equal(t, "created", created.Status)
	require.NotEmpty(t, created.SessionID)
	require.Equal(t, "worker one", created.Title)
}

func TestOrchestrator_SessionPromptRoundTrip(t *testing.T) {
	mock := hostmock.New()
	s := newToolServer(t, mock)

	var created controlplane.CreateResult
	callTool(t, s, "session_create", `{"title":"w"}`, &created)

	var sent controlplane.PromptResult
	args, _ := json.Marshal(map[string]string{
		"sessionID": created.SessionID,
		"prompt":    "Run the tests",
		"agent":     "build",
	})
	call := callTool(t, s, "session_prompt", string(args), &sent)

	require.False(t, call.IsError)
	require.Equal(t, "prompt_sent", sent.Status)
	require.NotEmpty(t, sent.ForwardToken)

	prompts := mock.Prompts(created.SessionID)
	require.Len(t, prompts, 1)
	require.Contains(t, prompts[0].Parts[0].Text, "Run the tests")
}

func TestOrchestrator_SessionPromptValidation(t *testing.T) {
	mock := hostmock.New()
	s := newToolServer(t, mock)

	var payload map[string]string
	call := callTool(t, s, "session_prompt", `{"prompt":"no session"}`, &payload)

	require.True(t, call.IsError)
	require.Equal(t, "error", payload["status"])
}

func TestOrchestrator_SessionPromptUnknownChild(t *testing.T) {
	mock := hostmock.New()
	s := newToolServer(t, mock)

	var payload map[string]string
	call := callTool(t, s, "session_prompt", `{"sessionID":"ses_ghost","prompt":"x"}`, &payload)

	require.True(t, call.IsError)
	require.Contains(t, payload["error"], "unknown child")
}

func TestOrchestrator_SessionStatusAndList(t *testing.T) {
	mock := hostmock.New()
	s := newToolServer(t, mock)

	var created controlplane.CreateResult
	callTool(t, s, "session_create", `{"title":"w"}`, &created)

	var status controlplane.ChildStatus
	args, _ := json.Marshal(map[string]any{"sessionID": created.SessionID})
	callTool(t, s, "session_status", string(args), &status)
	require.Equal(t, "ok", status.Status)
	require.Equal(t, controlplane.StateCreated, status.State)

	var list controlplane.ListResult
	callTool(t, s, "session_list", `{}`, &list)
	require.Equal(t, 1, list.Count)
	require.Equal(t, created.SessionID, list.Children[0].SessionID)
}

func TestOrchestrator_MissingIdentityRefused(t *testing.T) {
	mock := hostmock.New()
	dir := t.TempDir()
	registry := controlplane.NewRegistry(controlplane.NewStore(
		filepath.Join(dir, "session-registry.json"), ""))
	supervisor := controlplane.NewSupervisor(controlplane.SupervisorConfig{
		Registry:   registry,
		Host:       mock,
		Workspaces: workspace.NewProvisioner(workspace.Config{}),
	})

	server := NewServer("conductor", "test")
	NewOrchestrator(OrchestratorConfig{Supervisor: supervisor}).Register(server)

	var payload map[string]string
	call := callTool(t, server, "session_create", `{}`, &payload)
	require.True(t, call.IsError)
	require.Contains(t, payload["error"], "metadata")
}

func TestOrchestrator_ToolsRegistered(t *testing.T) {
	mock := hostmock.New()
	s := newToolServer(t, mock)

	result, rpcErr := s.handleToolsList()
	require.Nil(t, rpcErr)

	list, ok := result.(ToolsListResult)
	require.True(t, ok)

	names := map[string]bool{}
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"session_create", "session_prompt", "session_status", "session_list"} {
		require.True(t, names[want], want)
	}
}
