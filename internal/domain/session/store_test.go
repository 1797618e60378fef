package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertAllocatesSession(t *testing.T) {
	s := New(0, nil)
	st, err := s.Upsert(context.Background(), "user-1", "", "en", nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, st.SessionID)
	require.Equal(t, "en", st.Language)
}

func TestUpsertResetThenSet(t *testing.T) {
	s := New(0, nil)
	catalog := []SlotSchema{{Name: "destination", Kind: SlotString}}
	st, err := s.Upsert(context.Background(), "user-1", "", "en", map[string]any{"destination": "uk"}, nil, catalog)
	require.NoError(t, err)

	st, err = s.Upsert(context.Background(), "user-1", st.SessionID, "en", map[string]any{"destination": "canada"}, []string{"destination"}, catalog)
	require.NoError(t, err)
	require.Equal(t, "canada", st.Slots["destination"].Str)
}

func TestUpsertInvalidSlotRetainsPriorValue(t *testing.T) {
	s := New(0, nil)
	catalog := []SlotSchema{{Name: "budget", Kind: SlotInt, MinInt: int64Ptr(0)}}
	st, err := s.Upsert(context.Background(), "user-1", "", "en", map[string]any{"budget": 100}, nil, catalog)
	require.NoError(t, err)

	st, err = s.Upsert(context.Background(), "user-1", st.SessionID, "en", map[string]any{"budget": -5}, nil, catalog)
	require.NoError(t, err)
	require.Equal(t, int64(100), st.Slots["budget"].Int)
	require.NotEmpty(t, st.SlotErrors["budget"])
}

func TestDeleteRemovesSession(t *testing.T) {
	s := New(0, nil)
	st, _ := s.Upsert(context.Background(), "user-1", "", "en", nil, nil, nil)
	require.NoError(t, s.Delete(context.Background(), "user-1", st.SessionID))
	_, ok, _ := s.Get(context.Background(), "user-1", st.SessionID)
	require.False(t, ok)
}

func TestWithSessionLockSerializesConcurrentTurns(t *testing.T) {
	log := &orderingLog{}
	s := New(0, log)
	st, err := s.Upsert(context.Background(), "user-1", "", "en", nil, nil, nil)
	require.NoError(t, err)

	start := make(chan struct{})
	done := make(chan struct{}, 2)

	runTurn := func(label string, genDelay time.Duration) {
		err := s.WithSessionLock("user-1", st.SessionID, func(ops LockedOps) error {
			<-start
			if err := ops.Append(context.Background(), Message{SessionID: st.SessionID, Role: RoleUser, Content: label + "-user"}); err != nil {
				return err
			}
			time.Sleep(genDelay)
			return ops.Append(context.Background(), Message{SessionID: st.SessionID, Role: RoleAssistant, Content: label + "-assistant"})
		})
		require.NoError(t, err)
		done <- struct{}{}
	}

	go runTurn("slow", 20*time.Millisecond)
	go runTurn("fast", 0)
	close(start)
	<-done
	<-done

	msgs, err := log.ListBySession(context.Background(), st.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	// Whichever turn's WithSessionLock ran first, its user+assistant pair
	// must be adjacent — never interleaved with the other turn's pair.
	require.Equal(t, msgs[0].Content[:len(msgs[0].Content)-len("-user")], msgs[1].Content[:len(msgs[1].Content)-len("-assistant")])
	require.Equal(t, msgs[2].Content[:len(msgs[2].Content)-len("-user")], msgs[3].Content[:len(msgs[3].Content)-len("-assistant")])
}

// orderingLog is a minimal MessageLog recording append order without the
// full memlog package (avoids an import cycle from domain into infra).
type orderingLog struct {
	mu       sync.Mutex
	messages []Message
}

func (l *orderingLog) Append(_ context.Context, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
	return nil
}

func (l *orderingLog) ListBySession(_ context.Context, sessionID string) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Message
	for _, m := range l.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func int64Ptr(v int64) *int64 { return &v }
