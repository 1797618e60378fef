// Package sse renders a query.StreamEvent channel as the four-frame
// Server-Sent Events grammar (citations, chunk, completed, error), and
// relies on the request context's cancellation (set by the gin/net/http
// stack on client disconnect) to unwind the upstream call cleanly.
package sse

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/study-abroad-rag/internal/domain/query"
)

// Write streams events onto c's response as SSE frames in arrival order.
// It returns once the channel closes (either completed or error was the
// last frame sent). The caller must already have cancelled context
// propagation set up (gin closes c.Request.Context() on disconnect).
func Write(c *gin.Context, events <-chan query.StreamEvent) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeFrame(c, "error", map[string]string{"message": "streaming not supported"})
		return
	}

	for ev := range events {
		switch ev.Kind {
		case query.StreamCitations:
			writeFrame(c, "citations", ev.Citations)
		case query.StreamChunk:
			writeFrame(c, "chunk", map[string]string{"delta": ev.Delta})
		case query.StreamCompleted:
			writeFrame(c, "completed", ev.Completed)
		case query.StreamError:
			writeFrame(c, "error", map[string]string{"message": ev.Message})
		}
		flusher.Flush()
	}
}

func writeFrame(c *gin.Context, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.Writer.Write([]byte("event: " + event + "\n"))
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(body)
	c.Writer.Write([]byte("\n\n"))
}
