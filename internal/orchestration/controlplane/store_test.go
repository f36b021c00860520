package controlplane

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(
		filepath.Join(dir, "session-registry.json"),
		filepath.Join(dir, "session-registry"),
	)
}

func sampleRecord(childID string) *ChildRecord {
	return &ChildRecord{
		Version: SchemaVersion,
		Registration: Registration{
			ChildSessionID:        childID,
			OrchestratorSessionID: "o1",
			Title:                 "worker",
			CreatedAt:             1000,
		},
		Tracking:               Tracking{State: StatePromptSent, LastPromptAt: 2000},
		PendingForwardRequests: []PendingForwardRequest{{ForwardToken: "T", CreatedAt: 2000}},
	}
}

// === Load ===

func TestStore_Load_MissingFileIsEmpty(t *testing.T) {
	store := newTestStore(t)

	doc := store.Load()
	require.Equal(t, SchemaVersion, doc.Version)
	require.Empty(t, doc.Sessions)
}

func TestStore_Load_CorruptFileIsEmpty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	doc := store.Load()
	require.Empty(t, doc.Sessions)
}

func TestStore_Load_UnknownVersionIsEmpty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(),
		[]byte(`{"version":99,"sessions":{"c1":{"registration":{"childSessionID":"c1"}}}}`), 0o600))

	doc := store.Load()
	require.Empty(t, doc.Sessions)
}

func TestStore_Load_V1NormalizedWithDefaults(t *testing.T) {
	store := newTestStore(t)
	// A v1 document: no state, no pending queue, no child ID inside the record.
	require.NoError(t, os.WriteFile(store.Path(),
		[]byte(`{"version":1,"sessions":{"c1":{"registration":{"orchestratorSessionID":"o1"}}}}`), 0o600))

	doc := store.Load()
	record, ok := doc.Sessions["c1"]
	require.True(t, ok)
	require.Equal(t, "c1", record.Registration.ChildSessionID)
	require.Equal(t, StateCreated, record.Tracking.State)
	require.NotNil(t, record.PendingForwardRequests)
	require.Equal(t, SchemaVersion, record.Version)
}

// === Save ===

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	doc := emptyDocument()
	doc.Sessions["c1"] = sampleRecord("c1")
	store.Save(doc)

	loaded := store.Load()
	require.Len(t, loaded.Sessions, 1)
	require.Equal(t, doc.Sessions["c1"], loaded.Sessions["c1"])
}

func TestStore_Save_LeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)

	doc := emptyDocument()
	doc.Sessions["c1"] = sampleRecord("c1")
	store.Save(doc)
	store.Save(doc)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(store.Path()), entries[0].Name())
}

func TestStore_Save_SwallowsWriteFailures(t *testing.T) {
	// Pointing the store at a path whose parent is a file makes every write
	// fail; Save must not panic and Load stays empty.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	store := NewStore(filepath.Join(blocker, "registry.json"), "")
	doc := emptyDocument()
	doc.Sessions["c1"] = sampleRecord("c1")
	store.Save(doc)

	require.Empty(t, store.Load().Sessions)
}

// === Legacy migration ===

func TestStore_MigratesLegacyDirectoryOnce(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "session-registry")
	require.NoError(t, os.MkdirAll(legacyDir, 0o750))

	for _, id := range []string{"c1", "c2"} {
		data, err := json.Marshal(sampleRecord(id))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(legacyDir, id+".json"), data, 0o600))
	}
	// Non-record files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "README"), []byte("x"), 0o600))

	store := NewStore(filepath.Join(dir, "session-registry.json"), legacyDir)
	doc := store.Load()
	require.Len(t, doc.Sessions, 2)
	require.Equal(t, "c1", doc.Sessions["c1"].Registration.ChildSessionID)

	// The source directory is retired and the document is now canonical.
	_, err := os.Stat(legacyDir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(legacyDir + ".migrated")
	require.NoError(t, err)
	_, err = os.Stat(store.Path())
	require.NoError(t, err)

	// A second load reads the document, not the retired directory.
	require.Len(t, store.Load().Sessions, 2)
}

func TestStore_CanonicalFileWinsOverLegacyDirectory(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "session-registry")
	require.NoError(t, os.MkdirAll(legacyDir, 0o750))
	data, err := json.Marshal(sampleRecord("legacy"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "legacy.json"), data, 0o600))

	store := NewStore(filepath.Join(dir, "session-registry.json"), legacyDir)
	doc := emptyDocument()
	doc.Sessions["current"] = sampleRecord("current")
	store.Save(doc)

	loaded := store.Load()
	require.Contains(t, loaded.Sessions, "current")
	require.NotContains(t, loaded.Sessions, "legacy")
}

func TestStore_EmptyLegacyDirectoryIgnored(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "session-registry")
	require.NoError(t, os.MkdirAll(legacyDir, 0o750))

	store := NewStore(filepath.Join(dir, "session-registry.json"), legacyDir)
	require.Empty(t, store.Load().Sessions)

	// Nothing to migrate: the directory stays put.
	_, err := os.Stat(legacyDir)
	require.NoError(t, err)
}
