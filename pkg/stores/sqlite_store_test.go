package stores

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// setupTestStore creates a file-backed store under a test temp directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "ipamctl.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func testSession(id, inputHash string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:              id,
		InputHash:       inputHash,
		Source:          "records.csv",
		Status:          SessionStatusRunning,
		TotalOperations: 4,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func successResult(opID string, kind engine.OperationKind, batchSeq int) *engine.OperationResult {
	now := time.Now().UTC()
	return &engine.OperationResult{
		OperationID:  opID,
		Kind:         kind,
		ResourceType: "address",
		Path:         "default/10.0.0.0/8/10.1.0.0/16/10.1.2.3",
		Status:       engine.StatusSucceeded,
		Success:      true,
		ResourceID:   4242,
		After:        map[string]interface{}{"address": "10.1.2.3", "name": "web01"},
		Attempts:     1,
		BatchSeq:     batchSeq,
		StartedAt:    now,
		CompletedAt:  now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "ipamctl.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that the embedded migrations create the schema
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"sessions", "changelog", "checkpoints", "resolver_cache"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestSessionCRUD tests session create, read, update and delete
func TestSessionCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := testSession("11111111-0000-0000-0000-000000000001", "hash-a")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	retrieved, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}

	if retrieved.ID != session.ID {
		t.Errorf("expected ID %s, got %s", session.ID, retrieved.ID)
	}
	if retrieved.InputHash != session.InputHash {
		t.Errorf("expected InputHash %s, got %s", session.InputHash, retrieved.InputHash)
	}
	if retrieved.Source != session.Source {
		t.Errorf("expected Source %s, got %s", session.Source, retrieved.Source)
	}
	if retrieved.Status != SessionStatusRunning {
		t.Errorf("expected Status %s, got %s", SessionStatusRunning, retrieved.Status)
	}
	if retrieved.TotalOperations != session.TotalOperations {
		t.Errorf("expected TotalOperations %d, got %d", session.TotalOperations, retrieved.TotalOperations)
	}
	if retrieved.CompletedAt != nil {
		t.Errorf("expected nil CompletedAt, got %v", retrieved.CompletedAt)
	}

	errMsg := "remote unreachable"
	if err := store.UpdateSessionStatus(ctx, session.ID, SessionStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update session status: %v", err)
	}

	updated, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get updated session: %v", err)
	}

	if updated.Status != SessionStatusFailed {
		t.Errorf("expected Status %s, got %s", SessionStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set for a terminal status")
	}

	sessions, err := store.ListSessions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}

	if err := store.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	_, err = store.GetSession(ctx, session.ID)
	if err == nil {
		t.Error("expected error when getting deleted session")
	}
}

// TestUpdateSessionStatusNotFound tests updating a nonexistent session
func TestUpdateSessionStatusNotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpdateSessionStatus(context.Background(), "missing", SessionStatusCompleted, nil)
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

// TestFindResumable tests locating incomplete sessions by input hash
func TestFindResumable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	finished := testSession("11111111-0000-0000-0000-000000000002", "hash-b")
	finished.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := store.CreateSession(ctx, finished); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, finished.ID, SessionStatusCompleted, nil); err != nil {
		t.Fatalf("failed to complete session: %v", err)
	}

	interrupted := testSession("11111111-0000-0000-0000-000000000003", "hash-b")
	interrupted.StartedAt = time.Now().UTC().Add(-1 * time.Hour)
	if err := store.CreateSession(ctx, interrupted); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	other := testSession("11111111-0000-0000-0000-000000000004", "hash-c")
	if err := store.CreateSession(ctx, other); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	found, err := store.FindResumable(ctx, "hash-b")
	if err != nil {
		t.Fatalf("failed to find resumable session: %v", err)
	}
	if found == nil {
		t.Fatal("expected a resumable session, got nil")
	}
	if found.ID != interrupted.ID {
		t.Errorf("expected session %s, got %s", interrupted.ID, found.ID)
	}

	none, err := store.FindResumable(ctx, "hash-unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown hash, got %s", none.ID)
	}

	if err := store.UpdateSessionStatus(ctx, interrupted.ID, SessionStatusFailed, nil); err != nil {
		t.Fatalf("failed to fail session: %v", err)
	}

	gone, err := store.FindResumable(ctx, "hash-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gone != nil {
		t.Errorf("expected nil after session became terminal, got %s", gone.ID)
	}
}

// TestAppendResultAndCompletedOperations tests the checkpoint sink contract
func TestAppendResultAndCompletedOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := testSession("11111111-0000-0000-0000-000000000005", "hash-d")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := store.AppendResult(ctx, session.ID, successResult("row-1", engine.OperationCreate, 0)); err != nil {
		t.Fatalf("failed to append result: %v", err)
	}
	if err := store.AppendResult(ctx, session.ID, successResult("row-2", engine.OperationUpdate, 0)); err != nil {
		t.Fatalf("failed to append result: %v", err)
	}

	failed := successResult("row-3", engine.OperationDelete, 1)
	failed.Status = engine.StatusFailed
	failed.Success = false
	failed.Error = engine.NewTransientError("remote timeout", nil)
	if err := store.AppendResult(ctx, session.ID, failed); err != nil {
		t.Fatalf("failed to append failed result: %v", err)
	}

	dryRun := successResult("row-4", engine.OperationCreate, 1)
	dryRun.DryRun = true
	if err := store.AppendResult(ctx, session.ID, dryRun); err != nil {
		t.Fatalf("failed to append dry-run result: %v", err)
	}

	completed, err := store.CompletedOperations(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to load completed operations: %v", err)
	}

	if len(completed) != 2 {
		t.Errorf("expected 2 completed operations, got %d", len(completed))
	}
	if !completed["row-1"] || !completed["row-2"] {
		t.Errorf("expected row-1 and row-2 completed, got %v", completed)
	}
	if completed["row-3"] {
		t.Error("failed operation must not count as completed")
	}
	if completed["row-4"] {
		t.Error("dry-run operation must not count as completed")
	}
}

// TestMarkBatchComplete tests checkpoint recording and replacement
func TestMarkBatchComplete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := testSession("11111111-0000-0000-0000-000000000006", "hash-e")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := store.MarkBatchComplete(ctx, session.ID, 0, []string{"row-1"}); err != nil {
		t.Fatalf("failed to mark batch complete: %v", err)
	}
	if err := store.MarkBatchComplete(ctx, session.ID, 1, nil); err != nil {
		t.Fatalf("failed to mark empty batch complete: %v", err)
	}

	// Replaying a batch replaces its checkpoint.
	if err := store.MarkBatchComplete(ctx, session.ID, 0, []string{"row-1", "row-2"}); err != nil {
		t.Fatalf("failed to replace checkpoint: %v", err)
	}

	checkpoints, err := store.ListCheckpoints(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list checkpoints: %v", err)
	}

	if len(checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(checkpoints))
	}
	if checkpoints[0].BatchSeq != 0 || checkpoints[1].BatchSeq != 1 {
		t.Errorf("expected batch order 0,1; got %d,%d", checkpoints[0].BatchSeq, checkpoints[1].BatchSeq)
	}
	if len(checkpoints[0].OperationIDs) != 2 {
		t.Errorf("expected 2 operation ids in replaced checkpoint, got %v", checkpoints[0].OperationIDs)
	}
	if len(checkpoints[1].OperationIDs) != 0 {
		t.Errorf("expected no operation ids for empty batch, got %v", checkpoints[1].OperationIDs)
	}
}

// TestChangelogForSession tests changelog persistence and ordering
func TestChangelogForSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := testSession("11111111-0000-0000-0000-000000000007", "hash-f")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	created := successResult("row-1", engine.OperationCreate, 0)
	if err := store.AppendResult(ctx, session.ID, created); err != nil {
		t.Fatalf("failed to append create result: %v", err)
	}

	updated := successResult("row-2", engine.OperationUpdate, 1)
	updated.Before = map[string]interface{}{"name": "old"}
	updated.After = map[string]interface{}{"name": "new"}
	if err := store.AppendResult(ctx, session.ID, updated); err != nil {
		t.Fatalf("failed to append update result: %v", err)
	}

	failed := successResult("row-3", engine.OperationDelete, 2)
	failed.Status = engine.StatusFailed
	failed.Success = false
	failed.Error = engine.NewPermanentError("resource is protected", nil)
	failed.Before = map[string]interface{}{"cidr": "10.0.0.0/8"}
	failed.After = nil
	if err := store.AppendResult(ctx, session.ID, failed); err != nil {
		t.Fatalf("failed to append delete result: %v", err)
	}

	entries, err := store.ChangelogForSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to load changelog: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 changelog entries, got %d", len(entries))
	}

	first := entries[0]
	if first.OperationID != "row-1" {
		t.Errorf("expected row-1 first, got %s", first.OperationID)
	}
	if first.Kind != engine.OperationCreate {
		t.Errorf("expected kind %s, got %s", engine.OperationCreate, first.Kind)
	}
	if first.Status != engine.StatusSucceeded {
		t.Errorf("expected status %s, got %s", engine.StatusSucceeded, first.Status)
	}
	if !first.Success {
		t.Error("expected first entry to be successful")
	}
	if first.ResourceID != 4242 {
		t.Errorf("expected ResourceID 4242, got %d", first.ResourceID)
	}
	if first.Before != nil {
		t.Errorf("expected nil before state for create, got %v", *first.Before)
	}

	second := entries[1]
	if second.Before == nil || second.After == nil {
		t.Fatal("expected before and after state on update entry")
	}
	var before map[string]interface{}
	if err := json.Unmarshal([]byte(*second.Before), &before); err != nil {
		t.Fatalf("failed to decode before state: %v", err)
	}
	if before["name"] != "old" {
		t.Errorf("expected before name old, got %v", before["name"])
	}

	third := entries[2]
	if third.Success {
		t.Error("expected third entry to be a failure")
	}
	if third.Error == nil || *third.Error == "" {
		t.Error("expected error text on failed entry")
	}
	if third.BatchSeq != 2 {
		t.Errorf("expected batch 2, got %d", third.BatchSeq)
	}
}

// TestResolverCache tests cache hit, refresh and invalidation
func TestResolverCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cache := store.ResolverCache(time.Hour)

	path := "default/10.0.0.0/8/10.1.0.0/16"

	if _, hit, err := cache.Get(ctx, path, "network"); err != nil || hit {
		t.Fatalf("expected clean miss, got hit=%v err=%v", hit, err)
	}

	if err := cache.Put(ctx, path, "network", 100); err != nil {
		t.Fatalf("failed to put cache entry: %v", err)
	}
	if err := cache.Put(ctx, path, "block", 200); err != nil {
		t.Fatalf("failed to put cache entry: %v", err)
	}

	id, hit, err := cache.Get(ctx, path, "network")
	if err != nil {
		t.Fatalf("failed to get cache entry: %v", err)
	}
	if !hit || id != 100 {
		t.Errorf("expected hit with id 100, got hit=%v id=%d", hit, id)
	}

	// Refresh replaces the stored identifier.
	if err := cache.Put(ctx, path, "network", 101); err != nil {
		t.Fatalf("failed to refresh cache entry: %v", err)
	}
	id, hit, err = cache.Get(ctx, path, "network")
	if err != nil {
		t.Fatalf("failed to get refreshed entry: %v", err)
	}
	if !hit || id != 101 {
		t.Errorf("expected refreshed id 101, got hit=%v id=%d", hit, id)
	}

	// Invalidation drops every type at the path.
	if err := cache.Invalidate(ctx, path); err != nil {
		t.Fatalf("failed to invalidate: %v", err)
	}
	if _, hit, _ := cache.Get(ctx, path, "network"); hit {
		t.Error("expected miss for network after invalidation")
	}
	if _, hit, _ := cache.Get(ctx, path, "block"); hit {
		t.Error("expected miss for block after invalidation")
	}

	// Invalidating an absent path is not an error.
	if err := cache.Invalidate(ctx, "default/never-cached"); err != nil {
		t.Errorf("unexpected error invalidating absent path: %v", err)
	}
}

// TestResolverCacheExpiry tests that expired rows are invisible and purgeable
func TestResolverCacheExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cache := store.ResolverCache(time.Hour)

	expired := time.Now().UTC().Add(-time.Hour).Format(sqliteTimeLayout)
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO resolver_cache (path, resource_type, resource_id, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"default/10.9.0.0/24", "network", int64(7), expired, expired)
	if err != nil {
		t.Fatalf("failed to seed expired entry: %v", err)
	}

	if err := cache.Put(ctx, "default/10.8.0.0/24", "network", 8); err != nil {
		t.Fatalf("failed to put live entry: %v", err)
	}

	if _, hit, err := cache.Get(ctx, "default/10.9.0.0/24", "network"); err != nil || hit {
		t.Errorf("expected expired entry to miss, got hit=%v err=%v", hit, err)
	}

	purged, err := store.PurgeExpiredCache(ctx)
	if err != nil {
		t.Fatalf("failed to purge expired entries: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged row, got %d", purged)
	}

	// The live entry survives the purge.
	if _, hit, err := cache.Get(ctx, "default/10.8.0.0/24", "network"); err != nil || !hit {
		t.Errorf("expected live entry to survive purge, got hit=%v err=%v", hit, err)
	}
}

// TestResolverCacheNoTTL tests that a non-positive TTL disables expiry
func TestResolverCacheNoTTL(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cache := store.ResolverCache(0)

	if err := cache.Put(ctx, "default/10.7.0.0/24", "network", 9); err != nil {
		t.Fatalf("failed to put entry: %v", err)
	}

	var expiresAt *string
	err := store.db.QueryRowContext(ctx,
		`SELECT expires_at FROM resolver_cache WHERE path = ? AND resource_type = ?`,
		"default/10.7.0.0/24", "network").Scan(&expiresAt)
	if err != nil {
		t.Fatalf("failed to read entry: %v", err)
	}
	if expiresAt != nil {
		t.Errorf("expected NULL expires_at, got %v", *expiresAt)
	}

	purged, err := store.PurgeExpiredCache(ctx)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if purged != 0 {
		t.Errorf("expected 0 purged rows, got %d", purged)
	}
}

// TestCascadeDelete tests that deleting a session removes its dependents
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := testSession("11111111-0000-0000-0000-000000000008", "hash-g")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := store.AppendResult(ctx, session.ID, successResult("row-1", engine.OperationCreate, 0)); err != nil {
		t.Fatalf("failed to append result: %v", err)
	}
	if err := store.MarkBatchComplete(ctx, session.ID, 0, []string{"row-1"}); err != nil {
		t.Fatalf("failed to mark batch complete: %v", err)
	}

	if err := store.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changelog WHERE session_id = ?`, session.ID).Scan(&count); err != nil {
		t.Fatalf("failed to count changelog rows: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 changelog rows after cascade, got %d", count)
	}

	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE session_id = ?`, session.ID).Scan(&count); err != nil {
		t.Fatalf("failed to count checkpoint rows: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 checkpoint rows after cascade, got %d", count)
	}
}
