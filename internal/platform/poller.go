package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Poller is the pull producer: it periodically lists issues for each
// watched epic ref and feeds the same queue the webhook receiver feeds.
// Unchanged issues are filtered out by the queue's fingerprint check.
type Poller struct {
	Tracker  Tracker
	Queue    *Queue
	Log      *slog.Logger
	Interval time.Duration
	Retry    RetryPolicy
	// EpicRefs lists the external refs to watch.
	EpicRefs func(ctx context.Context) ([]string, error)
	Now      func() time.Time
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass, fanning out across epic refs.
func (p *Poller) Poll(ctx context.Context) {
	refs, err := p.EpicRefs(ctx)
	if err != nil {
		p.log().Warn("poll: listing epic refs failed", "err", err)
		return
	}
	wp := pool.New().WithContext(ctx).WithMaxGoroutines(4)
	for _, ref := range refs {
		ref := ref
		wp.Go(func(ctx context.Context) error {
			p.pollEpic(ctx, ref)
			return nil
		})
	}
	_ = wp.Wait()
}

func (p *Poller) pollEpic(ctx context.Context, epicRef string) {
	var issues []RemoteIssue
	err := p.Retry.Do(ctx, func() error {
		var lerr error
		issues, lerr = p.Tracker.ListIssues(ctx, epicRef)
		return lerr
	})
	if err != nil {
		// Degraded sync: continue on last-known local state.
		p.log().Warn("poll failed after retries; using local state", "epic", epicRef, "err", err)
		return
	}
	for _, issue := range issues {
		ev := InboundEvent{
			// Stable per-issue id so redeliveries dedup by fingerprint.
			ID:       "poll:" + issue.Ref,
			Type:     EventIssueEdited,
			IssueRef: issue.Ref,
			Issue:    issue,
		}
		if err := p.Queue.Enqueue(ctx, ev); err != nil && err != ErrStaleEvent {
			p.log().Warn("poll enqueue failed", "issue", issue.Ref, "err", err)
		}
	}
}
