// Package response maps trigger results to the externally visible envelope.
//
// The trigger outcome and the correlation outcome are reported separately: once a
// dispatch has succeeded the response is a 200 whatever correlation found, with the
// uncertainty spelled out in correlation_status.
package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"runrelay/internal/correlate"
	"runrelay/internal/dispatch"
	"runrelay/internal/domain"
	"runrelay/internal/payload"
)

type Run struct {
	ID        int64            `json:"id"`
	CreatedAt time.Time        `json:"created_at" format:"date-time"`
	HTMLURL   string           `json:"html_url"`
	Status    domain.RunStatus `json:"status" enum:"queued,in_progress,completed,failed,unknown"`
}

// Success is the 200 body.
type Success struct {
	Message           string                   `json:"message"`
	Triggered         bool                     `json:"triggered"`
	CorrelationStatus domain.CorrelationStatus `json:"correlation_status" enum:"matched,ambiguous,not_yet_visible,lookup_failed"`
	Diagnostic        string                   `json:"diagnostic,omitempty"`
	// DispatchedAt is the instant candidates were measured against. Pass it back as
	// `since` to look the run up again.
	DispatchedAt time.Time `json:"dispatched_at" format:"date-time"`
	Run          *Run      `json:"run"`
}

// Failure is the 4xx/5xx body.
type Failure struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Response is a built reply. Exactly one of Success and Failure is set.
type Response struct {
	Status   int
	Envelope domain.ResultEnvelope
	Success  *Success
	Failure  *Failure
}

// Build combines the dispatch error (nil on success) with the correlation outcome,
// which is ignored when dispatch failed.
func Build(dispatchErr error, outcome correlate.Outcome) Response {
	if dispatchErr != nil {
		return FromError(dispatchErr)
	}
	return FromOutcome(outcome)
}

var messages = map[domain.CorrelationStatus]string{
	domain.CorrelationMatched:       "Workflow triggered successfully",
	domain.CorrelationAmbiguous:     "Workflow triggered; run identification is ambiguous",
	domain.CorrelationNotYetVisible: "Workflow triggered; run not yet visible",
	domain.CorrelationLookupFailed:  "Workflow triggered; run lookup failed",
}

// FromOutcome builds the success reply for a dispatched trigger.
func FromOutcome(o correlate.Outcome) Response {
	status := o.Status
	if status == "" {
		status = domain.CorrelationNotYetVisible
	}
	var run *domain.RemoteRun
	if status == domain.CorrelationMatched || status == domain.CorrelationAmbiguous {
		run = o.Run
	}
	body := &Success{
		Message:           messages[status],
		Triggered:         true,
		CorrelationStatus: status,
		Diagnostic:        o.Diagnostic,
		DispatchedAt:      o.DispatchedAt,
	}
	if run != nil {
		body.Run = &Run{ID: run.ID, CreatedAt: run.CreatedAt, HTMLURL: run.HTMLURL, Status: run.Status}
	}
	return Response{
		Status: http.StatusOK,
		Envelope: domain.ResultEnvelope{
			Triggered:         true,
			Run:               run,
			CorrelationStatus: status,
			Diagnostic:        o.Diagnostic,
			DispatchedAt:      o.DispatchedAt,
		},
		Success: body,
	}
}

// FromError maps validation and dispatch failures.
func FromError(err error) Response {
	status, failure := classify(err)
	return Response{
		Status:   status,
		Envelope: domain.ResultEnvelope{Triggered: false, Diagnostic: failure.Details},
		Failure:  &failure,
	}
}

func classify(err error) (int, Failure) {
	var (
		malformed   *payload.MalformedError
		missing     *payload.MissingParameterError
		unknown     *payload.UnknownParameterError
		notConfig   *dispatch.ConfigurationError
		rejected    *dispatch.RejectedError
		unavailable *dispatch.UnavailableError
	)
	switch {
	case errors.As(err, &malformed):
		if malformed.Reason == "missing request body" {
			return http.StatusBadRequest, Failure{Error: "Missing request body"}
		}
		return http.StatusBadRequest, Failure{Error: "Invalid request body", Details: detail(malformed)}
	case errors.As(err, &missing):
		return http.StatusBadRequest, Failure{Error: "Missing required parameter: " + missing.Name}
	case errors.As(err, &unknown):
		return http.StatusBadRequest, Failure{Error: "Unknown parameters", Details: strings.Join(unknown.Names, ", ")}
	case errors.As(err, &notConfig):
		return http.StatusInternalServerError, Failure{Error: "Workflow dispatch is not configured", Details: notConfig.Reason}
	case errors.As(err, &rejected):
		code := rejected.StatusCode
		if code < 400 || code > 499 {
			code = http.StatusBadRequest
		}
		return code, Failure{Error: "Workflow dispatch rejected", Details: rejected.Diagnostic}
	case errors.As(err, &unavailable):
		code := http.StatusBadGateway
		if unavailable.StatusCode == 0 {
			code = http.StatusServiceUnavailable
		}
		return code, Failure{
			Error:   "Workflow dispatch unavailable",
			Details: fmt.Sprintf("%v; the job may still have been enqueued, check for a new run before retrying", unavailable.Err),
		}
	default:
		return http.StatusInternalServerError, Failure{Error: "Failed to trigger workflow", Details: err.Error()}
	}
}

func detail(e *payload.MalformedError) string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}
