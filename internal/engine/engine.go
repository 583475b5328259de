// Package engine runs the trigger sequence: normalize, dispatch, correlate, respond.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"runrelay/internal/correlate"
	"runrelay/internal/dispatch"
	"runrelay/internal/domain"
	"runrelay/internal/metrics"
	"runrelay/internal/payload"
	"runrelay/internal/response"
)

type Normalizer interface {
	Normalize(raw []byte, hint payload.Encoding) (domain.Submission, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Dispatched, error)
}

type Correlator interface {
	Correlate(ctx context.Context, q correlate.Query) correlate.Outcome
}

// SubscriptionStore records contact addresses against dispatches. It sits outside the
// trigger sequence: a failure to store is logged and never changes the response.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, s domain.Subscription) error
}

// Target is the workflow every trigger goes to.
type Target struct {
	Owner          string
	Repo           string
	Workflow       string
	Ref            string
	FilterByBranch bool
}

func (t Target) branchFilter() string {
	if t.FilterByBranch {
		return t.Ref
	}
	return ""
}

type Engine struct {
	Normalizer    Normalizer
	Dispatcher    Dispatcher
	Correlator    Correlator
	Rechecker     Correlator
	Target        Target
	Subscriptions SubscriptionStore
	// Lookups coalesces concurrent identical lookups into one listing call. Optional.
	Lookups       *singleflight.Group
	LookupTimeout time.Duration
	Metrics       *metrics.Collector
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

const defaultLookupTimeout = 30 * time.Second

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Trigger handles one submission end to end. Validation failures return before any
// network call and dispatch failures return before correlation.
func (e Engine) Trigger(ctx context.Context, raw []byte, hint payload.Encoding) response.Response {
	sub, err := e.Normalizer.Normalize(raw, hint)
	if err != nil {
		e.Metrics.RecordRejectedInput(rejectReason(err))
		e.logger().Info("trigger request refused", "error", err)
		return response.FromError(err)
	}

	req := domain.DispatchRequest{
		Owner:    e.Target.Owner,
		Repo:     e.Target.Repo,
		Workflow: e.Target.Workflow,
		Ref:      e.Target.Ref,
		Params:   sub.Params,
	}
	started := e.now()
	dispatched, err := e.Dispatcher.Dispatch(ctx, req)
	e.Metrics.RecordDispatch(dispatchOutcome(err), e.now().Sub(started))
	if err != nil {
		return response.FromError(err)
	}

	correlateStart := e.now()
	outcome := e.Correlator.Correlate(ctx, correlate.Query{
		Workflow:     req.Workflow,
		Branch:       e.Target.branchFilter(),
		DispatchedAt: dispatched.DispatchedAt,
	})
	e.Metrics.RecordCorrelation(string(outcome.Status), outcome.Attempts, e.now().Sub(correlateStart))
	outcome.DispatchedAt = dispatched.DispatchedAt

	resp := response.Build(nil, outcome)
	if sub.Contact != "" {
		e.subscribe(context.WithoutCancel(ctx), sub.Contact, dispatched, resp.Envelope)
	}
	return resp
}

// Lookup repeats correlation once, without waiting, for a caller that got
// not_yet_visible and polls on its own schedule. It has no side effects.
func (e Engine) Lookup(ctx context.Context, since time.Time, branch string) response.Response {
	if branch == "" {
		branch = e.Target.branchFilter()
	}
	checker := e.Rechecker
	if checker == nil {
		checker = e.Correlator
	}
	q := correlate.Query{
		Workflow:     e.Target.Workflow,
		Branch:       branch,
		DispatchedAt: since,
	}
	var outcome correlate.Outcome
	if e.Lookups == nil {
		outcome = checker.Correlate(ctx, q)
	} else {
		outcome = e.sharedLookup(ctx, checker, q)
	}
	outcome.DispatchedAt = since
	return response.FromOutcome(outcome)
}

// sharedLookup joins callers asking about the same branch and second. The shared pass
// runs detached from any one caller, bounded by LookupTimeout; each caller stops
// waiting when its own context ends.
func (e Engine) sharedLookup(ctx context.Context, checker Correlator, q correlate.Query) correlate.Outcome {
	timeout := e.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	key := q.Branch + "|" + q.DispatchedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	ch := e.Lookups.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return checker.Correlate(shared, q), nil
	})
	select {
	case res := <-ch:
		return res.Val.(correlate.Outcome)
	case <-ctx.Done():
		return correlate.Outcome{
			Status:     domain.CorrelationNotYetVisible,
			Diagnostic: "correlation wait abandoned",
		}
	}
}

func (e Engine) subscribe(ctx context.Context, contact string, d domain.Dispatched, env domain.ResultEnvelope) {
	if e.Subscriptions == nil {
		e.logger().Info("contact supplied but no subscription store configured", "workflow", d.Request.Workflow)
		return
	}
	s := domain.Subscription{
		ID:                e.newID(),
		Contact:           contact,
		Workflow:          d.Request.Workflow,
		Ref:               d.Request.Ref,
		CorrelationStatus: env.CorrelationStatus,
		DispatchedAt:      d.DispatchedAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:         e.now().UTC().Format(time.RFC3339),
	}
	if env.Run != nil {
		id := env.Run.ID
		s.RunID = &id
		s.RunURL = env.Run.HTMLURL
	}
	if err := e.Subscriptions.AddSubscription(ctx, s); err != nil {
		e.logger().Error("store subscription failed", "subscription_id", s.ID, "error", err)
		return
	}
	e.logger().Info("subscription registered", "subscription_id", s.ID, "run_id", s.RunID)
}

func rejectReason(err error) string {
	var (
		malformed *payload.MalformedError
		missing   *payload.MissingParameterError
		unknown   *payload.UnknownParameterError
	)
	switch {
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &missing):
		return "missing_parameter"
	case errors.As(err, &unknown):
		return "unknown_parameter"
	default:
		return "other"
	}
}

func dispatchOutcome(err error) string {
	var (
		notConfig   *dispatch.ConfigurationError
		rejected    *dispatch.RejectedError
		unavailable *dispatch.UnavailableError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &notConfig):
		return "not_configured"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &unavailable):
		return "unavailable"
	default:
		return "error"
	}
}
