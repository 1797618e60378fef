package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
)

// MessageLog persists append-only conversational turns for a session.
type MessageLog interface {
	Append(ctx context.Context, msg Message) error
	ListBySession(ctx context.Context, sessionID string) ([]Message, error)
}

// entry bundles a session's state with its own mutex, so mutations on one
// session never block another (spec §5: per-session mutex; cross-session
// operations are independent).
type entry struct {
	mu    sync.Mutex
	state State
}

// Store is the in-memory owner of the session map. A short global read
// lock guards the map itself (for List/GC); each session's mutations are
// serialized by its own per-entry mutex.
type Store struct {
	mapMu sync.RWMutex
	byID  map[string]*entry

	ttl  time.Duration
	logs MessageLog
}

// New constructs a session store with the configured inactivity TTL.
// ttl<=0 disables GC eligibility entirely.
func New(ttl time.Duration, logs MessageLog) *Store {
	return &Store{byID: make(map[string]*entry), ttl: ttl, logs: logs}
}

// Upsert allocates a new session (session_id missing or unknown) or merges
// into an existing one. reset_slots clears listed slot names first, then
// slotUpdates are validated against catalog and applied — a turn naming a
// slot in both reset and updates ends up with the new value (reset-then-set).
func (s *Store) Upsert(ctx context.Context, userID, sessionID, language string, slotUpdates map[string]any, resetSlots []string, catalog []SlotSchema) (State, error) {
	e := s.resolveOrCreate(userID, sessionID, language)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Slots == nil {
		e.state.Slots = make(map[string]SlotValue)
	}
	if e.state.SlotErrors == nil {
		e.state.SlotErrors = make(map[string]string)
	}
	if language != "" {
		e.state.Language = language
	}

	for _, name := range resetSlots {
		delete(e.state.Slots, name)
		delete(e.state.SlotErrors, name)
	}

	schemaByName := make(map[string]SlotSchema, len(catalog))
	for _, sc := range catalog {
		schemaByName[sc.Name] = sc
	}
	for name, raw := range slotUpdates {
		schema, ok := schemaByName[name]
		if !ok {
			// Unknown slot names are accepted as opaque strings rather
			// than rejected outright — the catalog may lag new slots.
			if str, ok := raw.(string); ok {
				e.state.Slots[name] = SlotValue{Kind: SlotString, Str: str}
			}
			continue
		}
		value, errMsg := ValidateSlot(schema, raw)
		if errMsg != "" {
			// Invalid values populate slot_errors; prior value retained,
			// never silently overwritten.
			e.state.SlotErrors[name] = errMsg
			continue
		}
		delete(e.state.SlotErrors, name)
		e.state.Slots[name] = value
	}

	e.state.UpdatedAt = time.Now()
	return cloneState(e.state), nil
}

// Get resolves a session, applying lazy TTL eligibility: an expired
// session is still returned (callers retain history-referencing sessions)
// but Store.IsExpired reports it as GC-eligible.
func (s *Store) Get(_ context.Context, userID, sessionID string) (State, bool, error) {
	s.mapMu.RLock()
	e, ok := s.byID[sessionID]
	s.mapMu.RUnlock()
	if !ok {
		return State{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.UserID != userID {
		return State{}, false, nil
	}
	return cloneState(e.state), true, nil
}

// UpdateMetadata touches title/pinned/archived without affecting slots.
func (s *Store) UpdateMetadata(_ context.Context, userID, sessionID string, title *string, pinned, archived *bool) (State, error) {
	s.mapMu.RLock()
	e, ok := s.byID[sessionID]
	s.mapMu.RUnlock()
	if !ok {
		return State{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.UserID != userID {
		return State{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}
	if title != nil {
		e.state.Title = *title
	}
	if pinned != nil {
		e.state.Pinned = *pinned
	}
	if archived != nil {
		e.state.Archived = *archived
	}
	e.state.UpdatedAt = time.Now()
	return cloneState(e.state), nil
}

// Delete removes the session from the store. Messages already appended to
// the MessageLog are not removed.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	s.mapMu.Lock()
	e, ok := s.byID[sessionID]
	if ok && e.state.UserID == userID {
		delete(s.byID, sessionID)
	}
	s.mapMu.Unlock()
	if !ok {
		return apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}
	return nil
}

// IsExpired reports whether a session is eligible for GC given the
// configured TTL; archived/pinned sessions or those still referenced by
// messages are left to the caller to protect.
func (s *Store) IsExpired(st State) bool {
	if s.ttl <= 0 {
		return false
	}
	return time.Since(st.UpdatedAt) > s.ttl
}

// AppendMessage persists one conversational turn and, for assistant
// messages, tracks the consecutive low-confidence streak used to decide
// review_suggested (two low-confidence turns in a row).
//
// Callers that append more than one message for a single turn (a user
// message followed later by its assistant reply) should use
// WithSessionLock instead: two AppendMessage calls straddling a slow
// generation give a concurrent request on the same session a window to
// interleave its own turn in between.
func (s *Store) AppendMessage(ctx context.Context, userID, sessionID string, msg Message) error {
	s.mapMu.RLock()
	e, ok := s.byID[sessionID]
	s.mapMu.RUnlock()
	if !ok {
		return apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}

	e.mu.Lock()
	if e.state.UserID != userID {
		e.mu.Unlock()
		return apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}
	applyAppend(&e.state, msg)
	e.mu.Unlock()

	if s.logs == nil {
		return nil
	}
	return s.logs.Append(ctx, msg)
}

// applyAppend updates in-memory state for a message append; callers hold
// the entry's mutex already, whether via AppendMessage or WithSessionLock.
func applyAppend(st *State, msg Message) {
	if msg.Role == RoleAssistant {
		if msg.LowConfidence {
			st.LowConfidenceStreak++
		} else {
			st.LowConfidenceStreak = 0
		}
	}
	st.UpdatedAt = time.Now()
}

// LowConfidenceStreak returns the session's current consecutive
// low-confidence assistant-turn count, read under the session's lock.
func (s *Store) LowConfidenceStreak(sessionID string) int {
	s.mapMu.RLock()
	e, ok := s.byID[sessionID]
	s.mapMu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.LowConfidenceStreak
}

// LockedOps is handed to a WithSessionLock callback. It lets the callback
// mutate and inspect the session without re-acquiring the per-entry mutex
// WithSessionLock already holds — calling back into AppendMessage or
// LowConfidenceStreak from inside fn would self-deadlock, since entry.mu is
// a plain sync.Mutex and is not reentrant.
type LockedOps struct {
	// Append persists msg and updates in-memory state (low-confidence
	// streak, updated_at) under the held lock. Takes its own ctx (rather
	// than one fixed at WithSessionLock's call) so a cancellation-path
	// persist can use context.Background() while a normal-path persist
	// uses the request's context.
	Append func(ctx context.Context, msg Message) error
	// LowConfidenceStreak reads the current streak under the held lock.
	LowConfidenceStreak func() int
}

// WithSessionLock resolves sessionID and runs fn while holding its mutex,
// so a whole turn — user message, generation, assistant message — commits
// as one ordered unit. Without this, a slow turn's assistant append can
// land after a faster concurrent turn's on the same session, interleaving
// the two turns' messages out of order (spec §5/§8 property 8).
func (s *Store) WithSessionLock(userID, sessionID string, fn func(LockedOps) error) error {
	s.mapMu.RLock()
	e, ok := s.byID[sessionID]
	s.mapMu.RUnlock()
	if !ok {
		return apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.UserID != userID {
		return apperrors.Wrap(apperrors.CodeNotFound, "session not found", nil)
	}

	ops := LockedOps{
		Append: func(ctx context.Context, msg Message) error {
			applyAppend(&e.state, msg)
			if s.logs == nil {
				return nil
			}
			return s.logs.Append(ctx, msg)
		},
		LowConfidenceStreak: func() int {
			return e.state.LowConfidenceStreak
		},
	}
	return fn(ops)
}

func (s *Store) resolveOrCreate(userID, sessionID, language string) *entry {
	if sessionID != "" {
		s.mapMu.RLock()
		e, ok := s.byID[sessionID]
		s.mapMu.RUnlock()
		if ok {
			return e
		}
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if sessionID != "" {
		if e, ok := s.byID[sessionID]; ok {
			return e
		}
	} else {
		sessionID = uuid.NewString()
	}
	e := &entry{state: State{
		SessionID: sessionID,
		UserID:    userID,
		Language:  language,
		Slots:     make(map[string]SlotValue),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}}
	s.byID[sessionID] = e
	return e
}

func cloneState(st State) State {
	out := st
	out.Slots = make(map[string]SlotValue, len(st.Slots))
	for k, v := range st.Slots {
		out.Slots[k] = v
	}
	out.SlotErrors = make(map[string]string, len(st.SlotErrors))
	for k, v := range st.SlotErrors {
		out.SlotErrors[k] = v
	}
	return out
}
