package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runrelay/internal/correlate"
	"runrelay/internal/domain"
	"runrelay/internal/notify"
)

type memStore struct {
	mu        sync.Mutex
	pending   []domain.Subscription
	delivered map[string]time.Time
	recorded  map[string]int64
}

func (m *memStore) RecordRun(ctx context.Context, id string, run domain.RemoteRun, status domain.CorrelationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded == nil {
		m.recorded = map[string]int64{}
	}
	m.recorded[id] = run.ID
	return nil
}

type stubRechecker struct {
	queries []correlate.Query
	outcome correlate.Outcome
}

func (s *stubRechecker) Correlate(ctx context.Context, q correlate.Query) correlate.Outcome {
	s.queries = append(s.queries, q)
	return s.outcome
}

func (m *memStore) PendingSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscription
	for _, s := range m.pending {
		if _, done := m.delivered[s.ID]; !done {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delivered == nil {
		m.delivered = map[string]time.Time{}
	}
	m.delivered[id] = at
	return nil
}

func subscription(id string) domain.Subscription {
	runID := int64(9)
	return domain.Subscription{
		ID:                id,
		Contact:           id + "@example.com",
		Workflow:          "run.yml",
		Ref:               "main",
		RunID:             &runID,
		RunURL:            "https://github.com/acme/models/actions/runs/9",
		CorrelationStatus: domain.CorrelationMatched,
		DispatchedAt:      "2026-03-01T12:00:00Z",
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDeliverPendingPostsAndMarks(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
		headers  []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := &memStore{pending: []domain.Subscription{subscription("a"), subscription("b")}}
	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	d := &notify.Deliverer{Store: store, URL: srv.URL, Secret: "s3cret", Logger: quietLogger(), Now: func() time.Time { return at }}

	n, err := d.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, received, 2)
	assert.Equal(t, "a", received[0]["subscription_id"])
	assert.Equal(t, "a@example.com", received[0]["contact"])
	assert.EqualValues(t, 9, received[0]["run_id"])
	assert.Equal(t, "matched", received[0]["correlation_status"])
	assert.Equal(t, "a", headers[0].Get("X-Runrelay-Delivery"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Runrelay-Secret"))
	assert.Equal(t, at, store.delivered["a"])

	n, err = d.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "delivered subscriptions are not resent")
}

func TestDeliverPendingStopsAtFirstFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &memStore{pending: []domain.Subscription{subscription("a"), subscription("b")}}
	d := &notify.Deliverer{Store: store, URL: srv.URL, Logger: quietLogger()}

	n, err := d.DeliverPending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
	assert.Empty(t, store.delivered)
}

func TestRunWithoutURLReturnsImmediately(t *testing.T) {
	d := &notify.Deliverer{Store: &memStore{}}
	require.NoError(t, d.Run(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &memStore{pending: []domain.Subscription{subscription("a")}}
	d := &notify.Deliverer{Store: store, URL: srv.URL, Interval: 10 * time.Millisecond, Logger: quietLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.delivered["a"]
		return ok
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("deliverer did not stop")
	}
}

func TestDeliverPendingResolvesLateRun(t *testing.T) {
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received = append(received, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	late := subscription("late")
	late.RunID = nil
	late.RunURL = ""
	late.CorrelationStatus = domain.CorrelationNotYetVisible
	late.DispatchedAt = "2026-03-01T12:00:00.25Z"
	store := &memStore{pending: []domain.Subscription{late}}
	recheck := &stubRechecker{outcome: correlate.Outcome{
		Status: domain.CorrelationMatched,
		Run:    &domain.RemoteRun{ID: 31, HTMLURL: "https://github.com/acme/models/actions/runs/31"},
	}}
	d := &notify.Deliverer{Store: store, URL: srv.URL, Logger: quietLogger(), Rechecker: recheck, FilterByBranch: true}

	n, err := d.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, recheck.queries, 1)
	assert.Equal(t, correlate.Query{
		Workflow:     "run.yml",
		Branch:       "main",
		DispatchedAt: time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC),
	}, recheck.queries[0])
	require.Len(t, received, 1)
	assert.EqualValues(t, 31, received[0]["run_id"])
	assert.Equal(t, "matched", received[0]["correlation_status"])
	assert.Equal(t, "https://github.com/acme/models/actions/runs/31", received[0]["run_url"])
	assert.EqualValues(t, 31, store.recorded["late"])
}

func TestDeliverPendingSendsUnresolvedRun(t *testing.T) {
	var received []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received = append(received, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	late := subscription("late")
	late.RunID = nil
	late.CorrelationStatus = domain.CorrelationLookupFailed
	known := subscription("known")
	store := &memStore{pending: []domain.Subscription{late, known}}
	recheck := &stubRechecker{outcome: correlate.Outcome{Status: domain.CorrelationNotYetVisible}}
	d := &notify.Deliverer{Store: store, URL: srv.URL, Logger: quietLogger(), Rechecker: recheck}

	n, err := d.DeliverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, recheck.queries, 1, "subscriptions with a run are not rechecked")
	assert.Empty(t, recheck.queries[0].Branch)
	require.Len(t, received, 2)
	assert.Nil(t, received[0]["run_id"])
	assert.Equal(t, "lookup_failed", received[0]["correlation_status"])
	assert.Empty(t, store.recorded)
}
