package controlplane

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/conductor/internal/log"
)

// Registration errors surfaced to tool callers.
var (
	// ErrEmptyOrchestrator indicates a registration without an owner.
	ErrEmptyOrchestrator = errors.New("orchestrator session ID is empty")

	// ErrNestedOrchestrator indicates the would-be orchestrator is itself
	// a tracked child session. Nested orchestration is rejected.
	ErrNestedOrchestrator = errors.New("nested orchestration is not supported")
)

// Registry is the durable child-session store.
//
// Every mutator is a no-op when the target child is unknown, and none of
// them surface disk errors: persistence is best-effort (see Store).
type Registry interface {
	// Register records a child session. Idempotent by child ID: on
	// re-registration createdAt, tracking, pending requests, and an
	// already-set workspace directory all survive.
	Register(reg Registration) error

	// Get returns a copy of a child record.
	Get(childID string) (*ChildRecord, bool)

	// List returns the children owned by an orchestrator, oldest first.
	List(orchestratorID string) []*ChildRecord

	// ListAll returns every tracked child, oldest first.
	ListAll() []*ChildRecord

	MarkPromptSent(childID string, at int64, agent string)
	MarkResultReceived(childID string, at int64, excerpt string)
	MarkError(childID string, at int64, excerpt string)
	RecordObservedAssistantMessage(childID string, at int64, excerpt string)

	EnqueuePendingForward(childID string, req PendingForwardRequest)
	PeekPendingForward(childID string) (PendingForwardRequest, bool)
	ShiftPendingForward(childID string) (PendingForwardRequest, bool)
	RemovePendingForward(childID, forwardToken string) bool
	HasPendingForward(childID string) bool

	SetLastDeliveredAssistantMessageID(childID, messageID string)

	ComputeLastActivityAt(childID string) int64

	GetOrchestratorSessionID(childID string) (string, bool)
	GetOrchestratorDirectory(childID string) (string, bool)
	GetChildWorkspaceDirectory(childID string) (string, bool)
	GetLastPromptAgent(childID string) (string, bool)
	IsTrackedChildSession(sessionID string) bool
	// IsNestedOrchestrator reports whether a session acting as an
	// orchestrator is itself somebody's child.
	IsNestedOrchestrator(sessionID string) bool
}

// Compile-time check that fileRegistry implements Registry.
var _ Registry = (*fileRegistry)(nil)

// fileRegistry implements Registry over a Store with read-modify-write
// mutations. The mutex serializes in-process writers; cross-process safety
// rests on rename atomicity.
type fileRegistry struct {
	store *Store
	mu    sync.Mutex
	now   func() int64
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store *Store) Registry {
	return &fileRegistry{
		store: store,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// update runs a read-modify-write cycle against the target child.
// fn is only called when the child exists.
func (r *fileRegistry) update(childID string, fn func(record *ChildRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.store.Load()
	record, ok := doc.Sessions[childID]
	if !ok {
		log.Debug(log.CatRegistry, "Ignoring mutation for unknown child", "child", childID)
		return
	}
	fn(record)
	r.store.Save(doc)
}

// Register records a child session, enforcing the nested-orchestration and
// empty-owner guards.
func (r *fileRegistry) Register(reg Registration) error {
	if reg.OrchestratorSessionID == "" {
		return ErrEmptyOrchestrator
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.store.Load()

	if _, isChild := doc.Sessions[reg.OrchestratorSessionID]; isChild {
		return ErrNestedOrchestrator
	}

	if reg.CreatedAt == 0 {
		reg.CreatedAt = r.now()
	}

	if existing, ok := doc.Sessions[reg.ChildSessionID]; ok {
		// Re-registration: identity fields may be refreshed, but
		// createdAt, tracking, the pending queue, and a previously
		// assigned workspace directory are preserved. Fields the
		// caller leaves empty keep their prior values.
		reg.CreatedAt = existing.Registration.CreatedAt
		if existing.Registration.WorkspaceDirectory != "" {
			reg.WorkspaceDirectory = existing.Registration.WorkspaceDirectory
			reg.WorkspaceBranch = existing.Registration.WorkspaceBranch
		}
		if reg.Title == "" {
			reg.Title = existing.Registration.Title
		}
		if reg.OrchestratorDirectory == "" {
			reg.OrchestratorDirectory = existing.Registration.OrchestratorDirectory
		}
		existing.Registration = reg
	} else {
		doc.Sessions[reg.ChildSessionID] = &ChildRecord{
			Version:                SchemaVersion,
			Registration:           reg,
			Tracking:               Tracking{State: StateCreated},
			PendingForwardRequests: []PendingForwardRequest{},
		}
	}

	r.store.Save(doc)
	log.Info(log.CatRegistry, "Registered child session",
		"child", reg.ChildSessionID, "orchestrator", reg.OrchestratorSessionID)
	return nil
}

func (r *fileRegistry) Get(childID string) (*ChildRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.store.Load().Sessions[childID]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

func (r *fileRegistry) List(orchestratorID string) []*ChildRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ChildRecord
	for _, record := range r.store.Load().Sessions {
		if record.Registration.OrchestratorSessionID == orchestratorID {
			out = append(out, record.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Registration.CreatedAt < out[j].Registration.CreatedAt
	})
	return out
}

func (r *fileRegistry) ListAll() []*ChildRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ChildRecord
	for _, record := range r.store.Load().Sessions {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Registration.CreatedAt < out[j].Registration.CreatedAt
	})
	return out
}

func (r *fileRegistry) MarkPromptSent(childID string, at int64, agent string) {
	r.update(childID, func(record *ChildRecord) {
		record.Tracking.State = StatePromptSent
		record.Tracking.LastPromptAt = at
		record.Tracking.LastPromptAgent = agent
	})
}

func (r *fileRegistry) MarkResultReceived(childID string, at int64, excerpt string) {
	r.update(childID, func(record *ChildRecord) {
		record.Tracking.State = StateResultReceived
		record.Tracking.LastResultAt = at
		record.Tracking.LastAssistantMessageAt = at
		record.Tracking.LastAssistantMessageExcerpt = Truncate(excerpt, ExcerptLimit)
	})
}

func (r *fileRegistry) MarkError(childID string, at int64, excerpt string) {
	r.update(childID, func(record *ChildRecord) {
		record.Tracking.State = StateError
		record.Tracking.LastErrorAt = at
		record.Tracking.LastAssistantMessageExcerpt = Truncate(excerpt, ExcerptLimit)
	})
}

func (r *fileRegistry) RecordObservedAssistantMessage(childID string, at int64, excerpt string) {
	r.update(childID, func(record *ChildRecord) {
		record.Tracking.LastAssistantMessageAt = at
		record.Tracking.LastAssistantMessageExcerpt = Truncate(excerpt, ExcerptLimit)
	})
}

func (r *fileRegistry) EnqueuePendingForward(childID string, req PendingForwardRequest) {
	r.update(childID, func(record *ChildRecord) {
		// Tokens are unique within the queue.
		for _, existing := range record.PendingForwardRequests {
			if existing.ForwardToken == req.ForwardToken {
				return
			}
		}
		record.PendingForwardRequests = append(record.PendingForwardRequests, req)
	})
}

func (r *fileRegistry) PeekPendingForward(childID string) (PendingForwardRequest, bool) {
	record, ok := r.Get(childID)
	if !ok || len(record.PendingForwardRequests) == 0 {
		return PendingForwardRequest{}, false
	}
	return record.PendingForwardRequests[0], true
}

func (r *fileRegistry) ShiftPendingForward(childID string) (PendingForwardRequest, bool) {
	var (
		shifted PendingForwardRequest
		ok      bool
	)
	r.update(childID, func(record *ChildRecord) {
		if len(record.PendingForwardRequests) == 0 {
			return
		}
		shifted = record.PendingForwardRequests[0]
		record.PendingForwardRequests = record.PendingForwardRequests[1:]
		ok = true
	})
	return shifted, ok
}

func (r *fileRegistry) RemovePendingForward(childID, forwardToken string) bool {
	removed := false
	r.update(childID, func(record *ChildRecord) {
		for i, req := range record.PendingForwardRequests {
			if req.ForwardToken == forwardToken {
				record.PendingForwardRequests = append(
					record.PendingForwardRequests[:i],
					record.PendingForwardRequests[i+1:]...)
				removed = true
				return
			}
		}
	})
	return removed
}

func (r *fileRegistry) HasPendingForward(childID string) bool {
	_, ok := r.PeekPendingForward(childID)
	return ok
}

// SetLastDeliveredAssistantMessageID advances the delivery watermark.
// Host message IDs sort lexicographically by creation time, so the watermark
// never moves backwards.
func (r *fileRegistry) SetLastDeliveredAssistantMessageID(childID, messageID string) {
	r.update(childID, func(record *ChildRecord) {
		if messageID == "" || messageID < record.LastDeliveredAssistantMessageID {
			return
		}
		record.LastDeliveredAssistantMessageID = messageID
	})
}

func (r *fileRegistry) ComputeLastActivityAt(childID string) int64 {
	record, ok := r.Get(childID)
	if !ok {
		return 0
	}
	return record.LastActivityAt()
}

func (r *fileRegistry) GetOrchestratorSessionID(childID string) (string, bool) {
	record, ok := r.Get(childID)
	if !ok {
		return "", false
	}
	return record.Registration.OrchestratorSessionID, true
}

func (r *fileRegistry) GetOrchestratorDirectory(childID string) (string, bool) {
	record, ok := r.Get(childID)
	if !ok {
		return "", false
	}
	return record.Registration.OrchestratorDirectory, true
}

func (r *fileRegistry) GetChildWorkspaceDirectory(childID string) (string, bool) {
	record, ok := r.Get(childID)
	if !ok {
		return "", false
	}
	return record.Registration.WorkspaceDirectory, true
}

func (r *fileRegistry) GetLastPromptAgent(childID string) (string, bool) {
	record, ok := r.Get(childID)
	if !ok {
		return "", false
	}
	return record.Tracking.LastPromptAgent, true
}

func (r *fileRegistry) IsTrackedChildSession(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

func (r *fileRegistry) IsNestedOrchestrator(sessionID string) bool {
	return r.IsTrackedChildSession(sessionID)
}
