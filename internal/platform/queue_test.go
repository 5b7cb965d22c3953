package platform_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/db"
	"github.com/fall-development-rob/cto-flow-sub000/internal/migrate"
	"github.com/fall-development-rob/cto-flow-sub000/internal/platform"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

type recorder struct {
	mu     sync.Mutex
	events []platform.InboundEvent
}

func (r *recorder) handle(_ context.Context, ev platform.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.ID
	}
	return out
}

func newQueue(t *testing.T) (*platform.Queue, *recorder) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := &recorder{}
	q := platform.NewQueue(repo.Repo{DB: conn}, rec.handle, nil)
	return q, rec
}

func TestEnqueueDeduplicatesByID(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	issue := platform.RemoteIssue{Ref: "org/repo#1", Title: "first"}
	ev := platform.InboundEvent{ID: "d-1", Type: platform.EventIssueCreated, IssueRef: issue.Ref, Issue: issue}
	if err := q.Enqueue(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := q.Enqueue(ctx, ev); !errors.Is(err, platform.ErrStaleEvent) {
		t.Fatalf("redelivery err = %v, want ErrStaleEvent", err)
	}
	q.Close()
	if got := rec.ids(); len(got) != 1 || got[0] != "d-1" {
		t.Fatalf("processed %v, want exactly [d-1]", got)
	}
}

func TestEnqueueReprocessesChangedContent(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	// poll producers reuse a stable id; a content change must reprocess
	first := platform.InboundEvent{
		ID: "poll:org/repo#2", Type: platform.EventIssueEdited, IssueRef: "org/repo#2",
		Issue: platform.RemoteIssue{Ref: "org/repo#2", Title: "v1"},
	}
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	same := first
	if err := q.Enqueue(ctx, same); !errors.Is(err, platform.ErrStaleEvent) {
		t.Fatalf("unchanged poll err = %v, want ErrStaleEvent", err)
	}
	changed := first
	changed.Issue.Title = "v2"
	changed.Fingerprint = platform.Fingerprint(changed.Issue)
	if err := q.Enqueue(ctx, changed); err != nil {
		t.Fatalf("changed poll: %v", err)
	}
	q.Close()
	if got := rec.ids(); len(got) != 2 {
		t.Fatalf("processed %v, want two deliveries", got)
	}
}

func TestQueuePreservesPerIssueOrder(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		issue := platform.RemoteIssue{Ref: "org/repo#3", Title: "rev", Body: string(rune('a' + i))}
		ev := platform.InboundEvent{
			ID:       string(rune('0' + i)),
			Type:     platform.EventIssueEdited,
			IssueRef: issue.Ref,
			Issue:    issue,
		}
		if err := q.Enqueue(ctx, ev); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	q.Close()

	got := rec.ids()
	if len(got) != 5 {
		t.Fatalf("processed %d events, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("per-issue order violated: %v", got)
		}
	}
}

func TestFingerprintStability(t *testing.T) {
	issue := platform.RemoteIssue{Ref: "org/repo#4", Title: "x", Labels: []string{"lang:go"}}
	if platform.Fingerprint(issue) != platform.Fingerprint(issue) {
		t.Fatal("fingerprint must be deterministic")
	}
	changed := issue
	changed.Title = "y"
	if platform.Fingerprint(issue) == platform.Fingerprint(changed) {
		t.Fatal("fingerprint must change with content")
	}
}

func TestNewDeliveryIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := platform.NewDeliveryID(time.Now())
		if seen[id] {
			t.Fatalf("duplicate delivery id %s", id)
		}
		seen[id] = true
	}
}
