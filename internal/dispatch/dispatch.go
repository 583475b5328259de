// Package dispatch fires workflow triggers and classifies their failures.
//
// A trigger is fire-and-forget: success means the remote system enqueued the job, and
// nothing identifies the run it will create. Failures are never retried here. A lost
// acknowledgement looks identical to an outage, so a blind retry could start the job
// twice; the caller decides.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"runrelay/internal/domain"
	"runrelay/internal/remote"
)

// Trigger is the remote call a Client wraps.
type Trigger interface {
	Dispatch(ctx context.Context, in remote.DispatchInput) error
}

// ConfigurationError means the client cannot call the remote system at all.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "dispatch not configured: " + e.Reason }

// RejectedError is a remote client-side refusal (bad inputs, unknown ref, auth).
type RejectedError struct {
	StatusCode int
	Diagnostic string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("dispatch rejected (status %d): %s", e.StatusCode, e.Diagnostic)
}

// UnavailableError is an outage, timeout or 5xx. StatusCode is zero when no response
// was received. The job may or may not have been enqueued.
type UnavailableError struct {
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch unavailable (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

type Client struct {
	Remote            Trigger
	CredentialPresent bool
	Now               func() time.Time
	Logger            *slog.Logger
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Dispatch calls the remote trigger exactly once.
func (c Client) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Dispatched, error) {
	if !c.CredentialPresent {
		return domain.Dispatched{}, &ConfigurationError{Reason: "github credential is not configured"}
	}
	if c.Remote == nil {
		return domain.Dispatched{}, &ConfigurationError{Reason: "no remote trigger"}
	}
	dispatchedAt := c.now().UTC()
	err := c.Remote.Dispatch(ctx, remote.DispatchInput{
		Workflow: req.Workflow,
		Ref:      req.Ref,
		Inputs:   req.Params.Map(),
	})
	if err != nil {
		classified := classify(err)
		c.logger().Warn("workflow dispatch failed", "workflow", req.Workflow, "ref", req.Ref, "error", classified)
		return domain.Dispatched{}, classified
	}
	c.logger().Info("workflow dispatched", "workflow", req.Workflow, "ref", req.Ref, "dispatched_at", dispatchedAt)
	return domain.Dispatched{Request: req, DispatchedAt: dispatchedAt}, nil
}

func classify(err error) error {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return &UnavailableError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return &RejectedError{StatusCode: apiErr.StatusCode, Diagnostic: apiErr.Message}
	}
	unavailable := &UnavailableError{Err: err}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		unavailable.Timeout = true
	}
	return unavailable
}
