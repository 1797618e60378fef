package sse

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yanqian/study-abroad-rag/internal/domain/query"
)

func TestWriteRendersFramesInOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/v1/query?stream=true", nil)

	events := make(chan query.StreamEvent, 3)
	events <- query.StreamEvent{Kind: query.StreamCitations, Citations: []query.Citation{{ChunkID: "c1"}}}
	events <- query.StreamEvent{Kind: query.StreamChunk, Delta: "hello"}
	events <- query.StreamEvent{Kind: query.StreamCompleted, Completed: &query.Response{Answer: "hello"}}
	close(events)

	Write(c, events)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: citations\n"))
	require.Contains(t, body, "event: chunk\ndata: {\"delta\":\"hello\"}")
	require.Contains(t, body, "event: completed\n")
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
