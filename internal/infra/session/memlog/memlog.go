// Package memlog is the in-memory MessageLog used for offline/tests.
package memlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yanqian/study-abroad-rag/internal/domain/session"
)

// Log is a mutex-guarded, append-only in-memory message log.
type Log struct {
	mu       sync.Mutex
	messages map[string][]session.Message
}

// New constructs an empty in-memory message log.
func New() *Log {
	return &Log{messages: make(map[string][]session.Message)}
}

func (l *Log) Append(_ context.Context, msg session.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	l.messages[msg.SessionID] = append(l.messages[msg.SessionID], msg)
	return nil
}

func (l *Log) ListBySession(_ context.Context, sessionID string) ([]session.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Message(nil), l.messages[sessionID]...), nil
}

var _ session.MessageLog = (*Log)(nil)
