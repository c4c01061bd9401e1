package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowscribe/flowscribe/internal/correlation"
	"github.com/flowscribe/flowscribe/internal/flow"
	"github.com/flowscribe/flowscribe/internal/pathutil"
)

func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var correlationID string
		r, correlationID = correlation.EnsureRequest(r)
		if correlationID != "" {
			w.Header().Set(correlation.HeaderName, correlationID)
		}

		start := time.Now()
		recorder := newStatusResponseWriter(w)
		next.ServeHTTP(recorder, r)
		logger.InfoContext(r.Context(),
			"request complete",
			"correlation_id", correlationID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

const defaultCaptureMaxBytes = 1 << 20

// captureMiddleware observes one route's exchanges and emits flow
// lifecycle events: OnRequest before the upstream call with the bounded
// request body, then exactly one of OnResponse or OnError. Events carry
// the upstream host and the prefix-stripped path so records describe the
// provider exchange, not the local listener.
func captureMiddleware(route Route, upstreamHost string, options HandlerOptions, next http.Handler) http.Handler {
	if options.Events == nil && options.OnExchange == nil {
		return next
	}

	maxBytes := options.CaptureMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultCaptureMaxBytes
	}
	captureBodies := options.Events != nil

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flowID := uuid.NewString()
		start := time.Now()

		requestBody := []byte(nil)
		requestTruncated := false
		if captureBodies {
			captured, restored, truncated, err := captureRequestBody(r.Body, maxBytes)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			requestBody = captured
			requestTruncated = truncated
			r.Body = restored
		}

		if options.Events != nil {
			options.Events.OnRequest(flow.RequestEvent{
				FlowID:    flowID,
				At:        start,
				Method:    r.Method,
				Host:      upstreamHost,
				Path:      pathutil.StripPathPrefix(r.URL.Path, route.Prefix),
				Headers:   headersFromHTTP(r.Header),
				Body:      requestBody,
				Truncated: requestTruncated,
			})
		}

		holder := &upstreamError{}
		r = r.WithContext(withUpstreamError(r.Context(), holder))
		recorder := newCaptureResponseWriter(w, maxBytes, captureBodies, start)

		if options.Events != nil {
			// Mid-stream upstream failures surface as ErrAbortHandler
			// panics after headers are written. Complete the flow before
			// the panic continues to the server.
			defer func() {
				if p := recover(); p != nil {
					options.Events.OnError(flow.ErrorEvent{
						FlowID:  flowID,
						At:      time.Now(),
						Message: "upstream stream aborted",
					})
					panic(p)
				}
			}()
		}

		next.ServeHTTP(recorder, r)

		statusCode := recorder.StatusCode()
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		if options.OnExchange != nil {
			options.OnExchange(route.Name, statusCode, time.Since(start))
		}
		if options.Events == nil {
			return
		}

		if holder.err != nil {
			options.Events.OnError(flow.ErrorEvent{
				FlowID:  flowID,
				At:      time.Now(),
				Message: holder.err.Error(),
			})
			return
		}

		var ttfb time.Duration
		if recorder.IsStreaming() {
			// Measured from handler entry to the first upstream write so it
			// reflects perceived latency for streaming clients.
			ttfb = recorder.TimeToFirstWrite()
		}
		options.Events.OnResponse(flow.ResponseEvent{
			FlowID:     flowID,
			At:         time.Now(),
			StatusCode: statusCode,
			Headers:    headersFromHTTP(recorder.Header()),
			Body:       recorder.Body(),
			Truncated:  recorder.BodyTruncated(),
			TTFB:       ttfb,
		})
	})
}

// headersFromHTTP flattens an http.Header map into the ordered pair form
// flow records carry. Names are sorted for stable output; repeated
// values keep their wire order within a name.
func headersFromHTTP(h http.Header) []flow.Header {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]flow.Header, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, flow.Header{Name: name, Value: value})
		}
	}
	return out
}

type readerWithCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readerWithCloser) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func captureRequestBody(body io.ReadCloser, maxBodySize int) ([]byte, io.ReadCloser, bool, error) {
	if body == nil {
		return nil, http.NoBody, false, nil
	}
	if maxBodySize < 0 {
		maxBodySize = 0
	}

	limited := &io.LimitedReader{R: body, N: int64(maxBodySize) + 1}
	prefix, err := io.ReadAll(limited)
	if err != nil {
		_ = body.Close()
		return nil, nil, false, err
	}

	captured := limitBytes(prefix, maxBodySize)
	truncated := len(prefix) > maxBodySize
	// Replay bytes consumed for capture, then continue streaming from the original body.
	restored := &readerWithCloser{
		Reader: io.MultiReader(bytes.NewReader(prefix), body),
		closer: body,
	}
	return captured, restored, truncated, nil
}

func limitBytes(data []byte, max int) []byte {
	if len(data) <= max {
		copied := make([]byte, len(data))
		copy(copied, data)
		return copied
	}
	copied := make([]byte, max)
	copy(copied, data[:max])
	return copied
}

type captureResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	maxBodySize int
	captureBody bool
	body        bytes.Buffer
	streaming   bool
	stream      StreamBuffer
	truncated   bool
	startedAt   time.Time
	firstWrite  time.Duration
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newStatusResponseWriter(w http.ResponseWriter) *statusResponseWriter {
	return &statusResponseWriter{ResponseWriter: w}
}

func (w *statusResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusResponseWriter) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func newCaptureResponseWriter(w http.ResponseWriter, maxBodySize int, captureBody bool, startedAt time.Time) *captureResponseWriter {
	return &captureResponseWriter{
		ResponseWriter: w,
		maxBodySize:    maxBodySize,
		captureBody:    captureBody,
		stream:         newStreamBuffer(maxBodySize),
		startedAt:      startedAt,
		firstWrite:     -1,
	}
}

func (w *captureResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *captureResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.streaming = IsSSE(w.Header())
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *captureResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	if !w.streaming {
		w.streaming = IsSSE(w.Header())
	}

	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		if w.firstWrite < 0 {
			w.firstWrite = time.Since(w.startedAt)
		}
		w.capture(p[:n])
	}
	return n, err
}

func (w *captureResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *captureResponseWriter) StatusCode() int {
	return w.statusCode
}

func (w *captureResponseWriter) Body() []byte {
	if !w.captureBody {
		return nil
	}
	if w.streaming {
		return w.stream.Bytes()
	}
	return limitBytes(w.body.Bytes(), w.maxBodySize)
}

func (w *captureResponseWriter) capture(p []byte) {
	if !w.captureBody {
		return
	}
	if w.streaming {
		w.stream.Add(p)
		if w.stream.Truncated() {
			w.truncated = true
		}
		return
	}

	remaining := w.maxBodySize - w.body.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return
	}
	if len(p) > remaining {
		w.truncated = true
		p = p[:remaining]
	}
	_, _ = w.body.Write(p)
}

func (w *captureResponseWriter) IsStreaming() bool {
	return w.streaming || IsSSE(w.Header())
}

func (w *captureResponseWriter) StreamChunkCount() int {
	return w.stream.Count()
}

// TimeToFirstWrite is the delay from handler entry to the first response
// byte, zero when nothing was written.
func (w *captureResponseWriter) TimeToFirstWrite() time.Duration {
	if w.firstWrite < 0 {
		return 0
	}
	return w.firstWrite
}

func (w *captureResponseWriter) BodyTruncated() bool {
	return w.truncated
}
