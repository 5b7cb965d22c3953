package store_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/db"
	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/migrate"
	"github.com/fall-development-rob/cto-flow-sub000/internal/store"
)

func newStore(t *testing.T) (*store.Store, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := &store.Store{DB: conn, Now: func() time.Time { return now }}
	return s, &now
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	in := map[string]any{"cursor": "abc", "count": float64(3)}
	if err := s.Put(ctx, "ep-1", "sync", in, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out map[string]any
	if err := s.Get(ctx, "ep-1", "sync", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: %v vs %v", in, out)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "ep-1", "k", "one", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "ep-2", "k", "two", 0); err != nil {
		t.Fatal(err)
	}
	var v string
	if err := s.Get(ctx, "ep-2", "k", &v); err != nil || v != "two" {
		t.Fatalf("got %q/%v, want two", v, err)
	}
	if err := s.DeleteNamespace(ctx, "ep-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Get(ctx, "ep-1", "k", &v); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after namespace delete", err)
	}
	if err := s.Get(ctx, "ep-2", "k", &v); err != nil {
		t.Fatalf("other namespace affected: %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, now := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "ep-1", "ephemeral", 42, time.Minute); err != nil {
		t.Fatal(err)
	}
	var v int
	if err := s.Get(ctx, "ep-1", "ephemeral", &v); err != nil || v != 42 {
		t.Fatalf("fresh key: %v/%v", v, err)
	}

	*now = now.Add(2 * time.Minute)
	if err := s.Get(ctx, "ep-1", "ephemeral", &v); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
	keys, err := s.Keys(ctx, "ep-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("expired keys still listed: %v", keys)
	}
}

func TestSweep(t *testing.T) {
	s, now := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "ep-1", "short", 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "ep-1", "durable", 2, 0); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Hour)
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	keys, err := s.Keys(ctx, "ep-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "durable" {
		t.Fatalf("keys after sweep: %v", keys)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	assignee := "a1"
	snap := store.Snapshot{
		Epic: domain.Epic{
			ID: "ep-1", Title: "rollout", State: domain.EpicActive, Version: 4,
			Objectives: []string{"ship auth"},
			CreatedAt:  "2026-02-01T00:00:00Z", UpdatedAt: "2026-02-01T00:00:00Z",
		},
		Assignments: []domain.Assignment{{
			ID: "asg-1", IssueID: "iss-1", AgentID: assignee, Score: 72,
			ClaimedAt: "2026-02-01T00:00:00Z",
		}},
		Reviews: []domain.ReviewRecord{{
			ID: "rev-1", IssueID: "iss-1", ReviewerID: "a2", AuthorID: assignee,
			Composite: 0.92, Decision: "approved", CreatedAt: "2026-02-01T00:00:00Z",
		}},
		Blocked: []domain.BlockedTaskRecord{{
			IssueID: "iss-2", AgentID: assignee, Reason: domain.StallNoActivity,
			State: domain.EscalationDetected, StalledSeconds: 1200,
			DetectedAt: "2026-02-01T00:00:00Z", UpdatedAt: "2026-02-01T00:00:00Z",
		}},
	}
	if err := s.SaveSnapshot(ctx, snap, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadSnapshot(ctx, "ep-1", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got.Epic, snap.Epic) {
		t.Fatalf("epic mismatch:\n got %+v\nwant %+v", got.Epic, snap.Epic)
	}
	if !reflect.DeepEqual(got.Assignments, snap.Assignments) {
		t.Fatalf("assignments mismatch: %+v", got.Assignments)
	}
	if !reflect.DeepEqual(got.Reviews, snap.Reviews) {
		t.Fatalf("reviews mismatch: %+v", got.Reviews)
	}
	if !reflect.DeepEqual(got.Blocked, snap.Blocked) {
		t.Fatalf("blocked mismatch: %+v", got.Blocked)
	}
}

func TestSnapshotVersionFloor(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	snap := store.Snapshot{Epic: domain.Epic{ID: "ep-1", State: domain.EpicActive, Version: 2}}
	if err := s.SaveSnapshot(ctx, snap, 0); err != nil {
		t.Fatal(err)
	}
	// the live epic moved on since the snapshot was taken
	got, err := s.LoadSnapshot(ctx, "ep-1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if got.Epic.Version != 7 {
		t.Fatalf("version = %d, want floored at live value 7", got.Epic.Version)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.LoadSnapshot(context.Background(), "ep-none", 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
