package controlplane

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func register(t *testing.T, r Registry, childID, orchestratorID string) {
	t.Helper()
	require.NoError(t, r.Register(Registration{
		ChildSessionID:        childID,
		OrchestratorSessionID: orchestratorID,
		Title:                 "worker",
	}))
}

// === Registration ===

func TestRegistry_Register_EmptyOrchestratorRejected(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Registration{ChildSessionID: "c1"})
	require.ErrorIs(t, err, ErrEmptyOrchestrator)
}

func TestRegistry_Register_NestedOrchestratorRejected(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "c1", "o1")

	err := r.Register(Registration{ChildSessionID: "c2", OrchestratorSessionID: "c1"})
	require.ErrorIs(t, err, ErrNestedOrchestrator)
	require.True(t, r.IsNestedOrchestrator("c1"))
	require.False(t, r.IsNestedOrchestrator("o1"))
}

func TestRegistry_Register_PreservesStateOnReRegistration(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Registration{
		ChildSessionID:        "c1",
		OrchestratorSessionID: "o1",
		OrchestratorDirectory: "/orch",
		CreatedAt:             1000,
		WorkspaceDirectory:    "/ws/c1",
		WorkspaceBranch:       "wt_c1",
	}))
	r.MarkPromptSent("c1", 2000, "build")
	r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: "T"})

	// Re-register with a new title, omitting workspace and directory.
	require.NoError(t, r.Register(Registration{
		ChildSessionID:        "c1",
		OrchestratorSessionID: "o1",
		Title:                 "renamed",
		CreatedAt:             9999,
	}))

	record, ok := r.Get("c1")
	require.True(t, ok)
	require.Equal(t, "renamed", record.Registration.Title)
	require.Equal(t, int64(1000), record.Registration.CreatedAt, "createdAt survives")
	require.Equal(t, "/orch", record.Registration.OrchestratorDirectory, "omitted fields keep prior values")
	require.Equal(t, "/ws/c1", record.Registration.WorkspaceDirectory, "workspace directory is immutable once set")
	require.Equal(t, "wt_c1", record.Registration.WorkspaceBranch)
	require.Equal(t, StatePromptSent, record.Tracking.State, "tracking survives")
	require.True(t, r.HasPendingForward("c1"), "pending queue survives")
}

func TestRegistry_List_FiltersByOrchestratorOldestFirst(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Registration{ChildSessionID: "c2", OrchestratorSessionID: "o1", CreatedAt: 2000}))
	require.NoError(t, r.Register(Registration{ChildSessionID: "c1", OrchestratorSessionID: "o1", CreatedAt: 1000}))
	require.NoError(t, r.Register(Registration{ChildSessionID: "x1", OrchestratorSessionID: "o2", CreatedAt: 500}))

	children := r.List("o1")
	require.Len(t, children, 2)
	require.Equal(t, "c1", children[0].Registration.ChildSessionID)
	require.Equal(t, "c2", children[1].Registration.ChildSessionID)
}

func TestRegistry_ListAll_CrossesOrchestratorsOldestFirst(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Registration{ChildSessionID: "c2", OrchestratorSessionID: "o1", CreatedAt: 2000}))
	require.NoError(t, r.Register(Registration{ChildSessionID: "x1", OrchestratorSessionID: "o2", CreatedAt: 500}))
	require.NoError(t, r.Register(Registration{ChildSessionID: "c1", OrchestratorSessionID: "o1", CreatedAt: 1000}))

	all := r.ListAll()
	require.Len(t, all, 3)
	require.Equal(t, "x1", all[0].Registration.ChildSessionID)
	require.Equal(t, "c1", all[1].Registration.ChildSessionID)
	require.Equal(t, "c2", all[2].Registration.ChildSessionID)
}

// === Mutators on unknown children ===

func TestRegistry_MutatorsNoopOnUnknownChild(t *testing.T) {
	r := newTestRegistry(t)

	r.MarkPromptSent("ghost", 1, "build")
	r.MarkResultReceived("ghost", 1, "x")
	r.MarkError("ghost", 1, "x")
	r.EnqueuePendingForward("ghost", PendingForwardRequest{ForwardToken: "T"})
	r.SetLastDeliveredAssistantMessageID("ghost", "msg_1")

	_, ok := r.Get("ghost")
	require.False(t, ok)
	require.False(t, r.HasPendingForward("ghost"))
}

// === Tracking ===

func TestRegistry_StateTransitions(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "c1", "o1")

	r.MarkPromptSent("c1", 1000, "plan")
	record, _ := r.Get("c1")
	require.Equal(t, StatePromptSent, record.Tracking.State)
	agent, ok := r.GetLastPromptAgent("c1")
	require.True(t, ok)
	require.Equal(t, "plan", agent)

	r.MarkResultReceived("c1", 2000, "the result")
	record, _ = r.Get("c1")
	require.Equal(t, StateResultReceived, record.Tracking.State)
	require.Equal(t, "the result", record.Tracking.LastAssistantMessageExcerpt)
	require.Equal(t, int64(2000), record.Tracking.LastResultAt)

	// Error and back to prompt_sent: re-prompting is always allowed.
	r.MarkError("c1", 3000, "boom")
	r.MarkPromptSent("c1", 4000, "build")
	record, _ = r.Get("c1")
	require.Equal(t, StatePromptSent, record.Tracking.State)
	require.Equal(t, int64(4000), r.ComputeLastActivityAt("c1"))
}

func TestRegistry_ExcerptTruncatedAt400(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "c1", "o1")

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	r.MarkResultReceived("c1", 1000, string(long))

	record, _ := r.Get("c1")
	require.Len(t, record.Tracking.LastAssistantMessageExcerpt, 400)
	require.Equal(t, "...", record.Tracking.LastAssistantMessageExcerpt[397:])
}

// === Pending forward queue ===

func TestRegistry_PendingForwardFIFO(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "c1", "o1")

	r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: "T1"})
	r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: "T2"})
	r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: "T1"}) // duplicate, dropped

	head, ok := r.PeekPendingForward("c1")
	require.True(t, ok)
	require.Equal(t, "T1", head.ForwardToken)

	shifted, ok := r.ShiftPendingForward("c1")
	require.True(t, ok)
	require.Equal(t, "T1", shifted.ForwardToken)

	shifted, ok = r.ShiftPendingForward("c1")
	require.True(t, ok)
	require.Equal(t, "T2", shifted.ForwardToken)

	_, ok = r.ShiftPendingForward("c1")
	require.False(t, ok)
}

func TestRegistry_RemovePendingForwardByToken(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "c1", "o1")

	r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: "T1"})
	r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: "T2"})

	require.True(t, r.RemovePendingForward("c1", "T1"))
	require.False(t, r.RemovePendingForward("c1", "T1"))

	head, ok := r.PeekPendingForward("c1")
	require.True(t, ok)
	require.Equal(t, "T2", head.ForwardToken)
}

// === Delivery watermark ===

func TestRegistry_WatermarkOnlyAdvances(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "c1", "o1")

	r.SetLastDeliveredAssistantMessageID("c1", "msg_05")
	r.SetLastDeliveredAssistantMessageID("c1", "msg_03") // behind, ignored
	r.SetLastDeliveredAssistantMessageID("c1", "")       // empty, ignored

	record, _ := r.Get("c1")
	require.Equal(t, "msg_05", record.LastDeliveredAssistantMessageID)

	r.SetLastDeliveredAssistantMessageID("c1", "msg_09")
	record, _ = r.Get("c1")
	require.Equal(t, "msg_09", record.LastDeliveredAssistantMessageID)
}

// === Property tests ===

// The pending queue is FIFO with unique tokens: any sequence of enqueues and
// shifts drains in enqueue order with duplicates dropped.
func TestRegistry_PendingQueueIsFIFO_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Registration{
			ChildSessionID:        "c1",
			OrchestratorSessionID: "o1",
		}))

		tokens := rapid.SliceOfN(rapid.SampledFrom([]string{
			"T1", "T2", "T3", "T4", "T5",
		}), 1, 12).Draw(rt, "tokens")

		var want []string
		seen := map[string]bool{}
		for _, token := range tokens {
			r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: token})
			if !seen[token] {
				seen[token] = true
				want = append(want, token)
			}
		}

		var got []string
		for {
			req, ok := r.ShiftPendingForward("c1")
			if !ok {
				break
			}
			got = append(got, req.ForwardToken)
		}
		require.Equal(rt, want, got)
	})
}

// The delivery watermark never moves backwards under any update sequence.
func TestRegistry_WatermarkMonotonic_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Registration{
			ChildSessionID:        "c1",
			OrchestratorSessionID: "o1",
		}))

		ids := rapid.SliceOfN(rapid.IntRange(0, 99), 1, 20).Draw(rt, "ids")

		high := ""
		for _, n := range ids {
			id := fmt.Sprintf("msg_%02d", n)
			r.SetLastDeliveredAssistantMessageID("c1", id)
			if id > high {
				high = id
			}
			record, ok := r.Get("c1")
			require.True(rt, ok)
			require.Equal(rt, high, record.LastDeliveredAssistantMessageID)
		}
	})
}

// Shifting and removing never reorder the survivors.
func TestRegistry_RemovePreservesOrder_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.Register(Registration{
			ChildSessionID:        "c1",
			OrchestratorSessionID: "o1",
		}))

		n := rapid.IntRange(2, 8).Draw(rt, "n")
		var tokens []string
		for i := 0; i < n; i++ {
			token := fmt.Sprintf("T%d", i)
			tokens = append(tokens, token)
			r.EnqueuePendingForward("c1", PendingForwardRequest{ForwardToken: token})
		}

		victim := rapid.IntRange(0, n-1).Draw(rt, "victim")
		require.True(rt, r.RemovePendingForward("c1", tokens[victim]))

		var want []string
		for i, token := range tokens {
			if i != victim {
				want = append(want, token)
			}
		}

		var got []string
		for {
			req, ok := r.ShiftPendingForward("c1")
			if !ok {
				break
			}
			got = append(got, req.ForwardToken)
		}
		require.Equal(rt, want, got)
	})
}
