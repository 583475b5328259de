package server

import (
	"runrelay/internal/domain"
	"runrelay/internal/response"
)

// Request payloads

type TriggerInput struct {
	Encoding string `header:"X-Payload-Encoding" doc:"Body encoding: auto, json or base64. Detected from the body when omitted"`
	RawBody  []byte
}

type LookupInput struct {
	Since  string `query:"since" required:"true" doc:"RFC 3339 instant taken just before the dispatch"`
	Branch string `query:"branch" doc:"Branch filter; defaults to the configured ref when branch filtering is on"`
}

// Response payloads

type TriggerOutput struct {
	Body response.Success
}

type LookupBody struct {
	CorrelationStatus domain.CorrelationStatus `json:"correlation_status" enum:"matched,ambiguous,not_yet_visible,lookup_failed"`
	Diagnostic        string                   `json:"diagnostic,omitempty"`
	Run               *response.Run            `json:"run"`
}

type LookupOutput struct {
	Body LookupBody
}

func lookupBody(r response.Response) LookupBody {
	return LookupBody{
		CorrelationStatus: r.Success.CorrelationStatus,
		Diagnostic:        r.Success.Diagnostic,
		Run:               r.Success.Run,
	}
}
