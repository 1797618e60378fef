package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnswerStreamEmitsCitationsThenChunksThenCompleted(t *testing.T) {
	svc, _ := newTestService(t)
	events, err := svc.AnswerStream(context.Background(), Request{
		UserID:   "u1",
		Question: "How long does visa processing take?",
		Language: "en",
		UseRAG:   true,
		TopK:     5,
		KCite:    2,
	})
	require.NoError(t, err)

	var kinds []StreamEventKind
	var completed *Response
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == StreamCompleted {
			completed = ev.Completed
		}
	}
	require.Equal(t, StreamCitations, kinds[0])
	require.Equal(t, StreamCompleted, kinds[len(kinds)-1])
	require.NotNil(t, completed)
	require.NotEmpty(t, completed.Citations)
}

func TestAnswerStreamCancellationEndsWithError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.AnswerStream(ctx, Request{
		UserID:   "u1",
		Question: "How long does visa processing take?",
		Language: "en",
		UseRAG:   true,
	})
	require.NoError(t, err)

	cancel()
	var lastKind StreamEventKind
	for ev := range events {
		lastKind = ev.Kind
	}
	require.Equal(t, StreamError, lastKind)
	// generation loop exits immediately on a pre-cancelled context.
	time.Sleep(10 * time.Millisecond)
}
