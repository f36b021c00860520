package presentation

import (
	"time"

	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
)

// ChildDTO represents a tracked child session for presentation
type ChildDTO struct {
	SessionID       string        `json:"sessionID"`
	Orchestrator    string        `json:"orchestrator"`
	Title           string        `json:"title,omitempty"`
	State           string        `json:"state"`
	Progress        string        `json:"progress"`
	CreatedAt       string        `json:"createdAt"`
	LastActivityAt  string        `json:"lastActivityAt"`
	PendingForwards int           `json:"pendingForwards"`
	Workspace       *WorkspaceDTO `json:"workspace,omitempty"`
	Excerpt         string        `json:"excerpt,omitempty"`
}

// WorkspaceDTO describes a child's isolated worktree, when one exists
type WorkspaceDTO struct {
	Directory string `json:"directory"`
	Branch    string `json:"branch,omitempty"`
}

// FromChildRecord converts a registry record to a DTO.
// Progress is derived from tracking state alone: the CLI reads the registry
// from disk and has no live busy signal from the host.
func FromChildRecord(record *controlplane.ChildRecord) ChildDTO {
	dto := ChildDTO{
		SessionID:       record.Registration.ChildSessionID,
		Orchestrator:    record.Registration.OrchestratorSessionID,
		Title:           record.Registration.Title,
		State:           string(record.Tracking.State),
		Progress:        string(controlplane.DeriveProgress(record.Tracking.State, false)),
		CreatedAt:       formatMillis(record.Registration.CreatedAt),
		LastActivityAt:  formatMillis(record.LastActivityAt()),
		PendingForwards: len(record.PendingForwardRequests),
		Excerpt:         record.Tracking.LastAssistantMessageExcerpt,
	}
	if record.Registration.WorkspaceDirectory != "" {
		dto.Workspace = &WorkspaceDTO{
			Directory: record.Registration.WorkspaceDirectory,
			Branch:    record.Registration.WorkspaceBranch,
		}
	}
	return dto
}

// FromChildRecords converts a slice of registry records to DTOs
func FromChildRecords(records []*controlplane.ChildRecord) []ChildDTO {
	dtos := make([]ChildDTO, len(records))
	for i, record := range records {
		dtos[i] = FromChildRecord(record)
	}
	return dtos
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
