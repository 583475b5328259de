package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"runrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const subscriptionColumns = `id,contact,workflow,ref,run_id,COALESCE(run_url,''),correlation_status,dispatched_at,created_at,delivered_at`

// AddSubscription stores a contact registration.
func (r Repo) AddSubscription(ctx context.Context, s domain.Subscription) error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id required")
	}
	if strings.TrimSpace(s.Contact) == "" {
		return errors.New("contact required")
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO subscriptions(id,contact,workflow,ref,run_id,run_url,correlation_status,dispatched_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Contact, s.Workflow, s.Ref, nullableInt(s.RunID), nullable(s.RunURL), string(s.CorrelationStatus), s.DispatchedAt, s.CreatedAt)
	return err
}

// GetSubscription fetches one subscription by id.
func (r Repo) GetSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=?`, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, ErrNotFound
	}
	return s, err
}

// ListSubscriptions returns the newest subscriptions first.
func (r Repo) ListSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC, id LIMIT ?`, limit)
}

// PendingSubscriptions returns undelivered subscriptions oldest first.
func (r Repo) PendingSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE delivered_at IS NULL ORDER BY created_at ASC, id LIMIT ?`, limit)
}

// MarkDelivered stamps a subscription as delivered.
func (r Repo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE subscriptions SET delivered_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRun attaches a run found after the subscription was stored.
func (r Repo) RecordRun(ctx context.Context, id string, run domain.RemoteRun, status domain.CorrelationStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE subscriptions SET run_id=?, run_url=?, correlation_status=? WHERE id=?`,
		run.ID, nullable(run.HTMLURL), string(status), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) query(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (domain.Subscription, error) {
	var (
		s         domain.Subscription
		runID     sql.NullInt64
		status    string
		delivered sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Contact, &s.Workflow, &s.Ref, &runID, &s.RunURL, &status, &s.DispatchedAt, &s.CreatedAt, &delivered); err != nil {
		return domain.Subscription{}, err
	}
	if runID.Valid {
		id := runID.Int64
		s.RunID = &id
	}
	if delivered.Valid {
		v := delivered.String
		s.DeliveredAt = &v
	}
	s.CorrelationStatus = domain.CorrelationStatus(status)
	return s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
