// Package notify forwards contact subscriptions to an outbound webhook, which owns the
// actual message (mail, chat). Delivery is at-least-once: a subscription is marked
// delivered only after a 2xx answer.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"runrelay/internal/correlate"
	"runrelay/internal/domain"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Store is the subscription persistence the deliverer drains.
type Store interface {
	PendingSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// RunRecorder is implemented by stores that keep a run found after the
// subscription was stored.
type RunRecorder interface {
	RecordRun(ctx context.Context, id string, run domain.RemoteRun, status domain.CorrelationStatus) error
}

// Rechecker runs one correlation pass for a stored dispatch.
type Rechecker interface {
	Correlate(ctx context.Context, q correlate.Query) correlate.Outcome
}

type Deliverer struct {
	Store    Store
	URL      string
	Secret   string
	Interval time.Duration
	Timeout  time.Duration
	Batch    int
	Client   *http.Client
	Logger   *slog.Logger
	Now      func() time.Time

	// Rechecker, when set, looks up the run once more for subscriptions stored
	// without one. FilterByBranch limits that lookup to the subscription's ref.
	Rechecker      Rechecker
	FilterByBranch bool
}

func (d *Deliverer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deliverer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run delivers on every tick until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	if strings.TrimSpace(d.URL) == "" {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DeliverPending(ctx); err != nil && ctx.Err() == nil {
			d.logger().Warn("notify: delivery round failed", "url", d.URL, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverPending posts undelivered subscriptions in creation order and stops at the
// first failure so ordering is preserved across retries.
func (d *Deliverer) DeliverPending(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	pending, err := d.Store.PendingSubscriptions(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("fetch pending subscriptions: %w", err)
	}
	delivered := 0
	for _, s := range pending {
		s = d.resolve(ctx, s)
		if err := d.post(ctx, s); err != nil {
			return delivered, fmt.Errorf("deliver %s: %w", s.ID, err)
		}
		if err := d.Store.MarkDelivered(ctx, s.ID, d.now()); err != nil {
			return delivered, fmt.Errorf("mark %s delivered: %w", s.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

// resolve fills in the run of a subscription stored before the run was visible.
// Whatever the recheck finds, the subscription is still delivered.
func (d *Deliverer) resolve(ctx context.Context, s domain.Subscription) domain.Subscription {
	if s.RunID != nil || d.Rechecker == nil {
		return s
	}
	at, err := time.Parse(time.RFC3339Nano, s.DispatchedAt)
	if err != nil {
		d.logger().Warn("notify: unreadable dispatch time", "subscription_id", s.ID, "dispatched_at", s.DispatchedAt)
		return s
	}
	q := correlate.Query{Workflow: s.Workflow, DispatchedAt: at}
	if d.FilterByBranch {
		q.Branch = s.Ref
	}
	out := d.Rechecker.Correlate(ctx, q)
	if out.Run == nil {
		return s
	}
	id := out.Run.ID
	s.RunID = &id
	s.RunURL = out.Run.HTMLURL
	s.CorrelationStatus = out.Status
	if rec, ok := d.Store.(RunRecorder); ok {
		if err := rec.RecordRun(ctx, s.ID, *out.Run, out.Status); err != nil {
			d.logger().Warn("notify: record run failed", "subscription_id", s.ID, "error", err)
		}
	}
	d.logger().Info("notify: run resolved before delivery", "subscription_id", s.ID, "run_id", id, "status", out.Status)
	return s
}

type notification struct {
	SubscriptionID    string                   `json:"subscription_id"`
	Contact           string                   `json:"contact"`
	Workflow          string                   `json:"workflow"`
	Ref               string                   `json:"ref"`
	RunID             *int64                   `json:"run_id"`
	RunURL            string                   `json:"run_url,omitempty"`
	CorrelationStatus domain.CorrelationStatus `json:"correlation_status"`
	DispatchedAt      string                   `json:"dispatched_at"`
}

func (d *Deliverer) post(ctx context.Context, s domain.Subscription) error {
	data, err := json.Marshal(notification{
		SubscriptionID:    s.ID,
		Contact:           s.Contact,
		Workflow:          s.Workflow,
		Ref:               s.Ref,
		RunID:             s.RunID,
		RunURL:            s.RunURL,
		CorrelationStatus: s.CorrelationStatus,
		DispatchedAt:      s.DispatchedAt,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Runrelay-Delivery", s.ID)
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set("X-Runrelay-Secret", d.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
