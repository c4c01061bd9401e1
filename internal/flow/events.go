package flow

import "time"

// RequestEvent is the request-seen lifecycle event from the proxy
// runtime. Body carries at most the runtime's capture limit; Truncated
// reports whether the original body was larger.
type RequestEvent struct {
	FlowID    string
	At        time.Time
	Method    string
	Host      string
	Path      string
	Headers   []Header
	Body      []byte
	Truncated bool
}

// ResponseEvent is the response-seen lifecycle event. TTFB is the time
// to first body byte when the runtime measured it, zero otherwise.
type ResponseEvent struct {
	FlowID     string
	At         time.Time
	StatusCode int
	Headers    []Header
	Body       []byte
	Truncated  bool
	TTFB       time.Duration
}

// ErrorEvent is the error-seen lifecycle event for a flow that will
// never produce a response.
type ErrorEvent struct {
	FlowID  string
	At      time.Time
	Message string
}

// Events is the capability interface the pipeline registers with the
// proxy runtime. Implementations must return promptly: no network or
// storage I/O, no blocking on downstream consumers.
type Events interface {
	OnRequest(RequestEvent)
	OnResponse(ResponseEvent)
	OnError(ErrorEvent)
}
