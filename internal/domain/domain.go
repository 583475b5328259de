package domain

import (
	"sort"
	"time"
)

// RunStatus is the coarse lifecycle state of a remote run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunUnknown    RunStatus = "unknown"
)

// CorrelationStatus reports how confidently a run was tied to a dispatch.
type CorrelationStatus string

const (
	CorrelationMatched       CorrelationStatus = "matched"
	CorrelationAmbiguous     CorrelationStatus = "ambiguous"
	CorrelationNotYetVisible CorrelationStatus = "not_yet_visible"
	CorrelationLookupFailed  CorrelationStatus = "lookup_failed"
)

// ParameterSet holds normalized, string-valued job parameters. The zero value is empty.
type ParameterSet struct {
	values map[string]string
}

// NewParameterSet copies values into an immutable set.
func NewParameterSet(values map[string]string) ParameterSet {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return ParameterSet{values: cp}
}

func (p ParameterSet) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p ParameterSet) Len() int { return len(p.values) }

// Keys returns the parameter names in sorted order.
func (p ParameterSet) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the underlying values.
func (p ParameterSet) Map() map[string]string {
	cp := make(map[string]string, len(p.values))
	for k, v := range p.values {
		cp[k] = v
	}
	return cp
}

// Equal reports whether both sets hold the same keys and values.
func (p ParameterSet) Equal(other ParameterSet) bool {
	if len(p.values) != len(other.values) {
		return false
	}
	for k, v := range p.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Submission is a normalized inbound request.
type Submission struct {
	Params  ParameterSet
	Contact string
	Dropped []string
}

// DispatchRequest is everything needed for one trigger call.
type DispatchRequest struct {
	Owner    string
	Repo     string
	Workflow string
	Ref      string
	Params   ParameterSet
}

// Dispatched records an enqueued dispatch.
type Dispatched struct {
	Request      DispatchRequest
	DispatchedAt time.Time
}

type RemoteRun struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	Status    RunStatus `json:"status" enum:"queued,in_progress,completed,failed,unknown"`
	HTMLURL   string    `json:"html_url"`
	Branch    string    `json:"head_branch,omitempty"`
}

// CorrelationWindow tracks one request's polling budget.
type CorrelationWindow struct {
	DispatchedAt time.Time
	AttemptsMade int
	MaxAttempts  int
	Schedule     []time.Duration
}

// Remaining reports whether another listing query is allowed.
func (w CorrelationWindow) Remaining() bool {
	return w.AttemptsMade < w.MaxAttempts
}

// DelayBefore returns the wait preceding the given zero-based attempt. Attempts past the
// end of the schedule reuse its last entry.
func (w CorrelationWindow) DelayBefore(attempt int) time.Duration {
	if len(w.Schedule) == 0 {
		return 0
	}
	if attempt >= len(w.Schedule) {
		return w.Schedule[len(w.Schedule)-1]
	}
	return w.Schedule[attempt]
}

type ResultEnvelope struct {
	Triggered         bool
	Run               *RemoteRun
	CorrelationStatus CorrelationStatus
	Diagnostic        string
	DispatchedAt      time.Time
}

// Subscription ties a contact address to a dispatch and, when known, its run.
type Subscription struct {
	ID                string            `json:"id"`
	Contact           string            `json:"contact"`
	Workflow          string            `json:"workflow"`
	Ref               string            `json:"ref"`
	RunID             *int64            `json:"run_id,omitempty"`
	RunURL            string            `json:"run_url,omitempty"`
	CorrelationStatus CorrelationStatus `json:"correlation_status"`
	DispatchedAt      string            `json:"dispatched_at" format:"date-time"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	DeliveredAt       *string           `json:"delivered_at,omitempty" format:"date-time"`
}
