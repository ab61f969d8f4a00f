package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/loom/internal/loomerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndLoadSession(t *testing.T) {
	s := openTestStore(t)

	sess := &Session{
		ID:          "sess-1",
		Requirement: "add combo system",
		Status:      StatusPlanning,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.SaveSession(sess))

	got, err := s.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, "add combo system", got.Requirement)
	require.Equal(t, StatusPlanning, got.Status)

	// A fresh load from disk returns exactly what was written.
	require.NoError(t, s.ReloadFromFiles())
	got, err = s.Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, "add combo system", got.Requirement)
}

func TestStore_GetMissingSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("nope")
	require.Error(t, err)
	require.Equal(t, loomerr.CodeSessionNotFound, loomerr.CodeOf(err))
}

func TestStore_DeleteSessionGuardsLiveWorkflow(t *testing.T) {
	s := openTestStore(t)

	sess := &Session{ID: "sess-1", Status: StatusExecuting, LiveWorkflowID: "wf-1"}
	require.NoError(t, s.SaveSession(sess))

	require.Error(t, s.DeleteSession("sess-1"), "deleting with a live workflow is rejected")

	sess.LiveWorkflowID = ""
	require.NoError(t, s.SaveSession(sess))
	require.NoError(t, s.DeleteSession("sess-1"))

	_, err := s.Get("sess-1")
	require.Error(t, err)
}

func TestStore_PlanVersioning(t *testing.T) {
	s := openTestStore(t)

	path1, err := s.WritePlan("sess-1", 1, []byte("# plan v1"))
	require.NoError(t, err)
	require.FileExists(t, path1)

	path2, err := s.WritePlan("sess-1", 2, []byte("# plan v2"))
	require.NoError(t, err)

	// History is append-only: overwriting a version fails.
	_, err = s.WritePlan("sess-1", 1, []byte("clobber"))
	require.Error(t, err)

	v1, err := s.ReadPlan(path1)
	require.NoError(t, err)
	require.Equal(t, "# plan v1", string(v1))
	v2, err := s.ReadPlan(path2)
	require.NoError(t, err)
	require.Equal(t, "# plan v2", string(v2))
}

func TestStore_CheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)

	ck := &Checkpoint{
		WorkflowID: "wf-1",
		SessionID:  "sess-1",
		Graph:      "execute",
		Completed:  []string{"a", "b"},
		Vars:       map[string]any{"n": float64(3)},
		Results:    map[string]map[string]any{"b": {"out": "x"}},
		Fired:      map[string][]string{"b": {"out"}},
	}
	require.NoError(t, s.SaveCheckpoint(ck))

	got, ok, err := s.LoadCheckpoint("sess-1", "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, got.Completed)
	require.Equal(t, float64(3), got.Vars["n"])
	require.Equal(t, "x", got.Results["b"]["out"])

	require.NoError(t, s.DeleteCheckpoint("sess-1", "wf-1"))
	_, ok, err = s.LoadCheckpoint("sess-1", "wf-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_PoolRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadPool()
	require.NoError(t, err)
	require.False(t, ok)

	state := PoolState{
		Size:    2,
		Counter: 2,
		Slots: []SlotState{
			{Name: "agent-1", State: "available"},
			{Name: "agent-2", State: "busy", WorkflowID: "wf-1", RoleID: "engineer"},
		},
	}
	require.NoError(t, s.SavePool(state))

	got, ok, err := s.LoadPool()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.Size)
	require.Len(t, got.Slots, 2)
	require.Equal(t, "agent-2", got.Slots[1].Name)
}

func TestStore_CompletedSessionsArchive(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveSession(&Session{ID: id, Status: StatusExecuting}))
	}
	require.NoError(t, s.SaveSession(&Session{ID: "a", Requirement: "one", Status: StatusCompleted}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveSession(&Session{ID: "b", Requirement: "two", Status: StatusFailed}))

	entries, err := s.GetCompletedSessions(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].SessionID, "most recently completed first")

	entries, err = s.GetCompletedSessions(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Rebuilding from files keeps the index consistent.
	require.NoError(t, s.ReloadFromFiles())
	entries, err = s.GetCompletedSessions(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestStore_LockHeldByLiveDaemon(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, Options{})
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(dir, Options{})
	require.Error(t, err)
	require.Equal(t, loomerr.CodeLockHeld, loomerr.CodeOf(err))
}

func TestStore_StaleLockIsBroken(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "_AiDevLog")
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, ".cache"), 0750))

	// A lock from a dead pid, stale beyond any TTL.
	stale := `{"pid": 4194304, "acquiredAt": "2020-01-01T00:00:00Z", "refreshedAt": "2020-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(workDir, ".cache", lockFileName), []byte(stale), 0644))

	s, err := Open(dir, Options{})
	require.NoError(t, err, "stale lock must be broken")
	_ = s.Close()
}

func TestStore_ChangeNotificationsDebounced(t *testing.T) {
	s := openTestStore(t)

	// A burst of writes yields a bounded number of notifications.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.SaveSession(&Session{ID: "sess-1", Status: StatusPlanning}))
	}

	count := 0
	deadline := time.After(700 * time.Millisecond)
	for {
		select {
		case <-s.Changes():
			count++
		case <-deadline:
			require.GreaterOrEqual(t, count, 1)
			require.LessOrEqual(t, count, 3, "10 writes in a burst must coalesce")
			return
		}
	}
}

func TestWriteFileAtomic_NeverPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	require.NoError(t, writeFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, writeFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestStore_ReadAfterWriteProperty checks that any read after a successful
// write returns that write's content until a subsequent write completes.
func TestStore_ReadAfterWriteProperty(t *testing.T) {
	s := openTestStore(t)

	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`sess-[a-z]{1,8}`).Draw(t, "id")
		requirement := rapid.StringN(0, 64, 64).Draw(t, "requirement")

		sess := &Session{ID: id, Requirement: requirement, Status: StatusPlanning}
		require.NoError(t, s.SaveSession(sess))

		got, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, requirement, got.Requirement)

		require.NoError(t, s.ReloadFromFiles())
		got, err = s.Get(id)
		require.NoError(t, err)
		require.Equal(t, requirement, got.Requirement)
	})
}
