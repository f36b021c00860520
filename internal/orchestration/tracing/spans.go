package tracing

// Span attribute keys used across conductor.
const (
	AttrSessionID      = "session.id"
	AttrOrchestratorID = "orchestrator.id"
	AttrChildID        = "child.id"
	AttrForwardToken   = "forward.token"
	AttrToolName       = "mcp.tool.name"
	AttrAgent          = "agent"
	AttrErrorMessage   = "error.message"
)

// Span name prefixes.
const (
	SpanPrefixTool       = "tool."
	SpanPrefixSupervisor = "supervisor."
)
