package controlplane

import (
	"context"

	"github.com/zjrosen/conductor/internal/host"
	"github.com/zjrosen/conductor/internal/log"
	"github.com/zjrosen/conductor/internal/orchestration/permission"
)

// EventRouter consumes the host's event stream and routes each event to the
// debouncer, the supervisor's error path, or the permission cache. Events
// for sessions that are not tracked children are ignored, except permission
// prompts in orchestrator sessions, which seed the decision cache.
type EventRouter struct {
	registry    Registry
	debouncer   *Debouncer
	permissions *permission.Cache
	host        host.Client
}

// NewEventRouter creates a router over the given collaborators.
func NewEventRouter(registry Registry, debouncer *Debouncer, permissions *permission.Cache, hostClient host.Client) *EventRouter {
	return &EventRouter{
		registry:    registry,
		debouncer:   debouncer,
		permissions: permissions,
		host:        hostClient,
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (r *EventRouter) Run(ctx context.Context, events <-chan host.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.route(ctx, event)
		}
	}
}

func (r *EventRouter) route(ctx context.Context, event host.Event) {
	switch event.Type {
	case host.EventSessionIdle:
		if r.registry.IsTrackedChildSession(event.SessionID) {
			r.debouncer.OnEvent(event.SessionID, EventIdle, "")
		}

	case host.EventSessionStatus:
		if !r.registry.IsTrackedChildSession(event.SessionID) {
			return
		}
		// Only busy transitions matter here: they preempt an armed timer.
		// Idle arrives as its own event.
		if event.StatusType == "busy" {
			r.debouncer.OnEvent(event.SessionID, EventBusy, "")
		}

	case host.EventSessionError:
		if r.registry.IsTrackedChildSession(event.SessionID) {
			r.debouncer.OnEvent(event.SessionID, EventError, event.Error)
		}

	case host.EventPermissionUpdated:
		r.routePermission(ctx, event)

	case host.EventPermissionReplied:
		if event.Reply != nil {
			r.permissions.RecordReply(event.Reply.PermissionID, event.Reply.Response)
		}
	}
}

// routePermission answers a child's permission prompt from the orchestrator's
// standing decisions, or captures an orchestrator's own prompt so the
// eventual reply can be recorded.
func (r *EventRouter) routePermission(ctx context.Context, event host.Event) {
	perm := event.Permission
	if perm == nil {
		return
	}

	orchestratorID, isChild := r.registry.GetOrchestratorSessionID(perm.SessionID)
	if !isChild {
		r.permissions.Capture(perm.SessionID, *perm)
		return
	}

	decision := r.permissions.Lookup(orchestratorID, perm.Type, perm.Pattern)
	if decision == permission.DecisionNone {
		return
	}

	response := "once"
	if decision == permission.DecisionDeny {
		response = "reject"
	}
	if err := r.host.RespondToPermission(ctx, perm.SessionID, perm.ID, response); err != nil {
		log.ErrorErr(log.CatPermission, "Auto-response failed", err,
			"child", perm.SessionID, "permission", perm.ID)
		return
	}
	log.Info(log.CatPermission, "Answered child permission from cache",
		"child", perm.SessionID, "type", perm.Type, "response", response)
}
