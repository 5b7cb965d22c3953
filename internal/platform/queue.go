package platform

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

// Inbound event types, shared by webhook and poll producers.
const (
	EventIssueCreated  = "issue.created"
	EventIssueEdited   = "issue.edited"
	EventIssueClosed   = "issue.closed"
	EventIssueLabeled  = "issue.labeled"
	EventIssueAssigned = "issue.assigned"
)

// InboundEvent is the single normalized shape both delivery modes produce.
// Downstream processing never sees whether it arrived by push or poll.
type InboundEvent struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	IssueRef    string      `json:"issue_ref"`
	Issue       RemoteIssue `json:"issue"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	ReceivedAt  string      `json:"received_at"`
}

// NewDeliveryID mints an id for producers whose payloads lack one.
func NewDeliveryID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// Fingerprint hashes the issue content for conditional-fetch freshness.
func Fingerprint(issue RemoteIssue) string {
	b, _ := json.Marshal(issue)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Handler processes one deduplicated inbound event.
type Handler func(ctx context.Context, ev InboundEvent) error

// Queue serializes inbound events per issue while letting distinct issues
// proceed independently. Dedup happens at enqueue time so producers can
// drop stale deliveries before any goroutine is spent on them.
type Queue struct {
	Repo    repo.Repo
	Handler Handler
	Log     *slog.Logger
	Now     func() time.Time

	mu      sync.Mutex
	perRef  map[string]chan InboundEvent
	wg      sync.WaitGroup
	closed  bool
	baseCtx context.Context
}

func NewQueue(r repo.Repo, h Handler, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{Repo: r, Handler: h, Log: log, perRef: map[string]chan InboundEvent{}}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue deduplicates and dispatches an event to its per-issue lane.
// Returns ErrStaleEvent for duplicate ids or unchanged content.
func (q *Queue) Enqueue(ctx context.Context, ev InboundEvent) error {
	if ev.ID == "" {
		ev.ID = NewDeliveryID(q.now())
	}
	if ev.Fingerprint == "" {
		ev.Fingerprint = Fingerprint(ev.Issue)
	}
	if ev.ReceivedAt == "" {
		ev.ReceivedAt = q.now().UTC().Format(time.RFC3339)
	}
	process, err := q.Repo.MarkInboundEvent(ctx, ev.ID, ev.Fingerprint, ev.ReceivedAt)
	if err != nil {
		return err
	}
	if !process {
		return ErrStaleEvent
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return context.Canceled
	}
	lane, ok := q.perRef[ev.IssueRef]
	if !ok {
		lane = make(chan InboundEvent, 64)
		q.perRef[ev.IssueRef] = lane
		q.wg.Add(1)
		go q.drain(lane)
	}
	q.mu.Unlock()

	select {
	case lane <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain(lane chan InboundEvent) {
	defer q.wg.Done()
	for ev := range lane {
		if err := q.Handler(context.Background(), ev); err != nil {
			q.Log.Warn("inbound event handler failed", "event", ev.ID, "issue", ev.IssueRef, "err", err)
		}
	}
}

// Close stops accepting events and waits for in-flight lanes to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.perRef {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
