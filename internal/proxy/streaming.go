package proxy

import (
	"net/http"
	"strings"
)

// IsSSE reports whether headers describe a server-sent event stream.
func IsSSE(headers http.Header) bool {
	ct := strings.ToLower(headers.Get("Content-Type"))
	return strings.Contains(ct, "text/event-stream")
}

// StreamBuffer accumulates response chunks up to a byte bound while
// counting every chunk it saw, so capture knows both the retained
// prefix and whether the wire carried more.
type StreamBuffer struct {
	limit     int
	buf       []byte
	chunks    int
	truncated bool
}

func newStreamBuffer(maxBytes int) StreamBuffer {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return StreamBuffer{limit: maxBytes}
}

// Add copies as much of chunk as still fits. Chunks are never retained,
// so callers may reuse their buffers between writes.
func (b *StreamBuffer) Add(chunk []byte) {
	b.chunks++
	if len(chunk) == 0 {
		return
	}
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		b.truncated = true
	}
	b.buf = append(b.buf, chunk...)
}

// Bytes returns a copy of the retained prefix.
func (b *StreamBuffer) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Count reports how many chunks Add saw, including dropped ones.
func (b *StreamBuffer) Count() int { return b.chunks }

// Truncated reports whether any byte was dropped.
func (b *StreamBuffer) Truncated() bool { return b.truncated }
