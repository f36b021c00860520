// Package permission remembers an orchestrator's standing permission
// decisions so child sessions inherit them instead of re-asking.
package permission

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/conductor/internal/host"
	"github.com/zjrosen/conductor/internal/log"
)

// Decision is the cached verdict for a permission lookup.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	// DecisionNone means no standing rule covers the request.
	DecisionNone Decision = "none"
)

// Host reply values that create standing rules. "once" grants are
// deliberately not cached.
const (
	ResponseAlways = "always"
	ResponseReject = "reject"
)

const (
	// pendingTTL bounds how long a captured request waits for its reply.
	pendingTTL      = 15 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// capturedRequest is a permission prompt seen on the event stream, held
// until the orchestrator's reply arrives.
type capturedRequest struct {
	orchestratorID string
	permType       string
	patterns       []string
}

// ruleSet holds one orchestrator's standing decisions, keyed by
// type+"\x00"+pattern. A key lives in at most one of the two sets.
type ruleSet struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// Cache correlates permission prompts with their replies and serves
// standing allow/deny rules per orchestrator session.
type Cache struct {
	mu      sync.Mutex
	rules   map[string]*ruleSet
	pending *gocache.Cache
}

// NewCache creates an empty decision cache.
func NewCache() *Cache {
	return &Cache{
		rules:   make(map[string]*ruleSet),
		pending: gocache.New(pendingTTL, cleanupInterval),
	}
}

// Capture records a permission prompt awaiting the orchestrator's reply.
// Requests without an ID or orchestrator cannot be correlated and are dropped.
func (c *Cache) Capture(orchestratorID string, req host.PermissionRequest) {
	if req.ID == "" || orchestratorID == "" {
		return
	}
	c.pending.Set(req.ID, capturedRequest{
		orchestratorID: orchestratorID,
		permType:       req.Type,
		patterns:       normalizePatterns(req.Pattern),
	}, gocache.DefaultExpiration)
}

// RecordReply applies the orchestrator's reply to a captured request.
// "always" creates allow rules, "reject" creates deny rules; every other
// response (one-shot grants included) leaves no trace.
func (c *Cache) RecordReply(permissionID, response string) {
	raw, ok := c.pending.Get(permissionID)
	if !ok {
		return
	}
	c.pending.Delete(permissionID)
	req := raw.(capturedRequest)

	var allow bool
	switch response {
	case ResponseAlways:
		allow = true
	case ResponseReject:
		allow = false
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.rules[req.orchestratorID]
	if set == nil {
		set = &ruleSet{allow: make(map[string]struct{}), deny: make(map[string]struct{})}
		c.rules[req.orchestratorID] = set
	}

	for _, pattern := range req.patterns {
		key := ruleKey(req.permType, pattern)
		if allow {
			delete(set.deny, key)
			set.allow[key] = struct{}{}
		} else {
			delete(set.allow, key)
			set.deny[key] = struct{}{}
		}
	}

	log.Debug(log.CatPermission, "Recorded standing decision",
		"orchestrator", req.orchestratorID, "type", req.permType,
		"patterns", len(req.patterns), "allow", allow)
}

// Lookup returns the standing decision for a permission request against an
// orchestrator's rules. Deny rules dominate: one denied pattern denies the
// whole request, otherwise one allowed pattern allows it.
func (c *Cache) Lookup(orchestratorID, permType string, pattern []string) Decision {
	patterns := normalizePatterns(pattern)

	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.rules[orchestratorID]
	if set == nil {
		return DecisionNone
	}

	for _, p := range patterns {
		if _, denied := set.deny[ruleKey(permType, p)]; denied {
			return DecisionDeny
		}
	}
	for _, p := range patterns {
		if _, allowed := set.allow[ruleKey(permType, p)]; allowed {
			return DecisionAllow
		}
	}
	return DecisionNone
}

// Forget drops all standing rules for an orchestrator session.
func (c *Cache) Forget(orchestratorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, orchestratorID)
}

func ruleKey(permType, pattern string) string {
	return permType + "\x00" + pattern
}

// normalizePatterns maps a missing pattern to the single empty pattern so
// pattern-less permission types still produce a stable rule key.
func normalizePatterns(patterns []string) []string {
	if len(patterns) == 0 {
		return []string{""}
	}
	return patterns
}
