// Package correlate finds the run a fire-and-forget dispatch created.
//
// The remote listing is shared and eventually consistent, and the trigger call
// carries no correlation token. The only usable signal is time: any run created at or
// after the dispatch instant is a candidate. One candidate is a match. Several
// candidates mean concurrent dispatches raced, and the newest one is returned as a
// best guess flagged ambiguous. Polling is read-only and safe to repeat.
package correlate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"runrelay/internal/domain"
	"runrelay/internal/remote"
)

// DispatchEvent limits listings to runs started by workflow_dispatch.
const DispatchEvent = "workflow_dispatch"

// Lister is the read side of the remote system.
type Lister interface {
	ListRuns(ctx context.Context, q remote.ListQuery) ([]domain.RemoteRun, error)
}

// Schedule is the ordered list of waits before each listing query.
type Schedule []time.Duration

// ZeroSchedule is n immediate attempts.
func ZeroSchedule(n int) Schedule {
	return make(Schedule, n)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Query identifies what to look for.
type Query struct {
	Workflow     string
	Branch       string
	DispatchedAt time.Time
}

// Outcome is the result of a correlation pass. Run is nil unless Status is matched
// or ambiguous.
type Outcome struct {
	Status       domain.CorrelationStatus
	Run          *domain.RemoteRun
	Candidates   int
	Attempts     int
	Diagnostic   string
	DispatchedAt time.Time
	Err          error
}

type Poller struct {
	Lister      Lister
	Schedule    Schedule
	MaxAttempts int
	MaxWait     time.Duration
	PageSize    int
	Sleep       Sleeper
	Now         func() time.Time
	Logger      *slog.Logger

	// ClockSkew is how far the local clock may run ahead of the remote one. Runs
	// created up to this long before the dispatch instant still count as candidates.
	ClockSkew time.Duration
}

func (p Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Poller) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (p Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Poller) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	if len(p.Schedule) > 0 {
		return len(p.Schedule)
	}
	return 1
}

// Correlate waits according to the schedule and polls until a candidate appears, the
// attempts run out, or MaxWait is spent. Waits are capped to the remaining budget.
func (p Poller) Correlate(ctx context.Context, q Query) Outcome {
	out := p.correlate(ctx, q)
	out.DispatchedAt = q.DispatchedAt
	return out
}

func (p Poller) correlate(ctx context.Context, q Query) Outcome {
	window := domain.CorrelationWindow{
		DispatchedAt: q.DispatchedAt,
		MaxAttempts:  p.maxAttempts(),
		Schedule:     p.Schedule,
	}
	start := p.now()
	for window.Remaining() {
		delay := window.DelayBefore(window.AttemptsMade)
		if p.MaxWait > 0 {
			left := p.MaxWait - p.now().Sub(start)
			if left <= 0 {
				break
			}
			if delay > left {
				delay = left
			}
		}
		if err := p.sleep(ctx, delay); err != nil {
			return abandoned(window.AttemptsMade, err)
		}
		window.AttemptsMade++
		runs, err := p.Lister.ListRuns(ctx, remote.ListQuery{
			Workflow: q.Workflow,
			Branch:   q.Branch,
			Event:    DispatchEvent,
			PerPage:  p.PageSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				return abandoned(window.AttemptsMade, ctx.Err())
			}
			p.logger().Warn("run lookup failed", "workflow", q.Workflow, "attempt", window.AttemptsMade, "error", err)
			return Outcome{
				Status:     domain.CorrelationLookupFailed,
				Attempts:   window.AttemptsMade,
				Diagnostic: "run lookup failed: " + err.Error(),
				Err:        err,
			}
		}
		out := SelectWithin(runs, q.DispatchedAt, p.ClockSkew)
		out.Attempts = window.AttemptsMade
		if out.Status != domain.CorrelationNotYetVisible {
			p.logger().Info("run correlated", "workflow", q.Workflow, "status", out.Status,
				"run_id", out.Run.ID, "candidates", out.Candidates, "attempts", out.Attempts)
			return out
		}
		p.logger().Debug("no candidate run yet", "workflow", q.Workflow, "attempt", window.AttemptsMade)
	}
	return Outcome{
		Status:     domain.CorrelationNotYetVisible,
		Attempts:   window.AttemptsMade,
		Diagnostic: "no run created at or after the dispatch appeared within the correlation window",
	}
}

func abandoned(attempts int, err error) Outcome {
	diag := "correlation wait abandoned"
	if errors.Is(err, context.DeadlineExceeded) {
		diag = "correlation wait timed out"
	}
	return Outcome{
		Status:     domain.CorrelationNotYetVisible,
		Attempts:   attempts,
		Diagnostic: diag,
	}
}

// Select applies the candidate rule with no allowance for clock skew.
func Select(runs []domain.RemoteRun, dispatchedAt time.Time) Outcome {
	return SelectWithin(runs, dispatchedAt, 0)
}

// SelectWithin applies the candidate rule to one listing. Remote timestamps carry
// whole seconds, so the dispatch instant, moved back by skew, is truncated before
// comparing. Among several candidates the newest wins; equal timestamps fall back to
// the larger run id.
func SelectWithin(runs []domain.RemoteRun, dispatchedAt time.Time, skew time.Duration) Outcome {
	if skew < 0 {
		skew = 0
	}
	threshold := dispatchedAt.UTC().Add(-skew).Truncate(time.Second)
	var candidates []domain.RemoteRun
	for _, r := range runs {
		if r.CreatedAt.IsZero() || r.CreatedAt.Before(threshold) {
			continue
		}
		candidates = append(candidates, r)
	}
	switch len(candidates) {
	case 0:
		return Outcome{Status: domain.CorrelationNotYetVisible, DispatchedAt: dispatchedAt}
	case 1:
		run := candidates[0]
		return Outcome{Status: domain.CorrelationMatched, Run: &run, Candidates: 1, DispatchedAt: dispatchedAt}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
	run := candidates[0]
	return Outcome{
		Status:       domain.CorrelationAmbiguous,
		Run:          &run,
		Candidates:   len(candidates),
		Diagnostic:   "multiple runs were created after the dispatch; the newest was chosen",
		DispatchedAt: dispatchedAt,
	}
}
