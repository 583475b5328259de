package correlate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runrelay/internal/correlate"
	"runrelay/internal/domain"
	"runrelay/internal/remote"
)

var dispatchedAt = time.Date(2026, 3, 1, 12, 0, 0, 400_000_000, time.UTC)

type fakeLister struct {
	mu      sync.Mutex
	pages   [][]domain.RemoteRun
	err     error
	queries []remote.ListQuery
}

func (f *fakeLister) ListRuns(ctx context.Context, q remote.ListQuery) ([]domain.RemoteRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	return page, nil
}

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func run(id int64, at time.Time) domain.RemoteRun {
	return domain.RemoteRun{ID: id, CreatedAt: at, Status: domain.RunQueued, HTMLURL: "https://github.com/o/r/actions/runs/" + strconv.FormatInt(id, 10)}
}

func newPoller(l correlate.Lister, sleeps *recordedSleeps, schedule correlate.Schedule, attempts int) correlate.Poller {
	return correlate.Poller{
		Lister:      l,
		Schedule:    schedule,
		MaxAttempts: attempts,
		PageSize:    10,
		Sleep:       sleeps.sleep,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCorrelateMatchedOnFirstAttempt(t *testing.T) {
	l := &fakeLister{pages: [][]domain.RemoteRun{{
		run(7, dispatchedAt.Add(2*time.Second)),
		run(6, dispatchedAt.Add(-time.Minute)),
	}}}
	sleeps := &recordedSleeps{}
	p := newPoller(l, sleeps, correlate.Schedule{9 * time.Second, 3 * time.Second}, 5)

	out := p.Correlate(context.Background(), correlate.Query{Workflow: "model.yml", Branch: "main", DispatchedAt: dispatchedAt})

	assert.Equal(t, domain.CorrelationMatched, out.Status)
	require.NotNil(t, out.Run)
	assert.EqualValues(t, 7, out.Run.ID)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []time.Duration{9 * time.Second}, sleeps.waits)
	require.Len(t, l.queries, 1)
	assert.Equal(t, remote.ListQuery{Workflow: "model.yml", Branch: "main", Event: correlate.DispatchEvent, PerPage: 10}, l.queries[0])
}

func TestCorrelateSameSecondRunIsCandidate(t *testing.T) {
	l := &fakeLister{pages: [][]domain.RemoteRun{{run(9, dispatchedAt.Truncate(time.Second))}}}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(1), 1)

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationMatched, out.Status)
}

func TestCorrelateAmbiguousPicksNewest(t *testing.T) {
	l := &fakeLister{pages: [][]domain.RemoteRun{{
		run(10, dispatchedAt.Add(time.Second)),
		run(12, dispatchedAt.Add(3*time.Second)),
		run(11, dispatchedAt.Add(3*time.Second)),
	}}}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(1), 1)

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationAmbiguous, out.Status)
	require.NotNil(t, out.Run)
	assert.EqualValues(t, 12, out.Run.ID)
	assert.Equal(t, 3, out.Candidates)
	assert.NotEmpty(t, out.Diagnostic)
}

func TestCorrelateNotYetVisibleAfterAllAttempts(t *testing.T) {
	l := &fakeLister{pages: [][]domain.RemoteRun{{run(1, dispatchedAt.Add(-time.Hour))}}}
	sleeps := &recordedSleeps{}
	p := newPoller(l, sleeps, correlate.Schedule{9 * time.Second, 3 * time.Second, 5 * time.Second}, 5)

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationNotYetVisible, out.Status)
	assert.Nil(t, out.Run)
	assert.Equal(t, 5, out.Attempts)
	assert.Len(t, l.queries, 5)
	// the last delay repeats once the schedule runs out
	assert.Equal(t, []time.Duration{9 * time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeps.waits)
}

func TestCorrelateBecomesVisibleLater(t *testing.T) {
	l := &fakeLister{pages: [][]domain.RemoteRun{
		{},
		{},
		{run(5, dispatchedAt.Add(4*time.Second))},
	}}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(5), 5)

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationMatched, out.Status)
	assert.Equal(t, 3, out.Attempts)
}

func TestCorrelateLookupFailedStopsImmediately(t *testing.T) {
	l := &fakeLister{err: &remote.APIError{StatusCode: 500, Message: "boom"}}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(5), 5)

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationLookupFailed, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, l.queries, 1)
	var apiErr *remote.APIError
	assert.True(t, errors.As(out.Err, &apiErr))
}

func TestCorrelateCancelledWaitIsNotYetVisible(t *testing.T) {
	l := &fakeLister{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newPoller(l, &recordedSleeps{}, correlate.Schedule{time.Second}, 3)

	out := p.Correlate(ctx, correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationNotYetVisible, out.Status)
	assert.Equal(t, 0, out.Attempts)
	assert.Empty(t, l.queries)
}

func TestCorrelateMaxWaitCapsDelays(t *testing.T) {
	now := dispatchedAt
	l := &fakeLister{}
	var waits []time.Duration
	p := correlate.Poller{
		Lister:      l,
		Schedule:    correlate.Schedule{9 * time.Second, 9 * time.Second},
		MaxAttempts: 5,
		MaxWait:     12 * time.Second,
		Now:         func() time.Time { return now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			now = now.Add(d)
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationNotYetVisible, out.Status)
	assert.Equal(t, []time.Duration{9 * time.Second, 3 * time.Second}, waits)
	assert.Equal(t, 2, out.Attempts)
}

func TestCorrelateIsRepeatable(t *testing.T) {
	page := []domain.RemoteRun{run(3, dispatchedAt.Add(time.Second))}
	l := &fakeLister{pages: [][]domain.RemoteRun{page}}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(1), 1)
	q := correlate.Query{DispatchedAt: dispatchedAt}

	first := p.Correlate(context.Background(), q)
	second := p.Correlate(context.Background(), q)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Run, second.Run)
}

func TestSelectIgnoresZeroTimestamps(t *testing.T) {
	out := correlate.Select([]domain.RemoteRun{{ID: 1}}, dispatchedAt)
	assert.Equal(t, domain.CorrelationNotYetVisible, out.Status)
	assert.Nil(t, out.Run)
}

func TestSelectWithinAllowsClockSkew(t *testing.T) {
	behind := run(3, time.Date(2026, 3, 1, 11, 59, 59, 0, time.UTC))
	tooOld := run(2, time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC))
	runs := []domain.RemoteRun{behind, tooOld}

	assert.Equal(t, domain.CorrelationNotYetVisible, correlate.Select(runs, dispatchedAt).Status)

	out := correlate.SelectWithin(runs, dispatchedAt, time.Second)
	assert.Equal(t, domain.CorrelationMatched, out.Status)
	require.NotNil(t, out.Run)
	assert.EqualValues(t, 3, out.Run.ID)

	assert.Equal(t, domain.CorrelationNotYetVisible, correlate.SelectWithin(runs, dispatchedAt, -time.Hour).Status, "negative skew is ignored")
}

func TestCorrelateUsesClockSkew(t *testing.T) {
	l := &fakeLister{pages: [][]domain.RemoteRun{{run(4, dispatchedAt.Add(-900*time.Millisecond).Truncate(time.Second))}}}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(1), 1)
	p.ClockSkew = time.Second

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationMatched, out.Status)
	assert.Equal(t, dispatchedAt, out.DispatchedAt)
}

func TestCorrelateReportsDispatchInstant(t *testing.T) {
	l := &fakeLister{}
	p := newPoller(l, &recordedSleeps{}, correlate.ZeroSchedule(2), 2)

	out := p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationNotYetVisible, out.Status)
	assert.Equal(t, dispatchedAt, out.DispatchedAt)

	l.err = errors.New("boom")
	out = p.Correlate(context.Background(), correlate.Query{DispatchedAt: dispatchedAt})
	assert.Equal(t, domain.CorrelationLookupFailed, out.Status)
	assert.Equal(t, dispatchedAt, out.DispatchedAt)
}
