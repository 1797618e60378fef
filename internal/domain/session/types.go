// Package session implements per-user session state: slots, TTL, and the
// per-session serialization discipline C7 relies on for message ordering.
package session

import "time"

// SlotKind discriminates the SlotValue sum type.
type SlotKind string

const (
	SlotString SlotKind = "str"
	SlotInt    SlotKind = "int"
	SlotFloat  SlotKind = "float"
	SlotEnum   SlotKind = "enum"
	SlotDate   SlotKind = "date"
)

// SlotValue is a tagged union over the slot types the spec names:
// String, Int, Float, Enum, Date. Only the field matching Kind is set.
type SlotValue struct {
	Kind   SlotKind  `json:"kind"`
	Str    string    `json:"str,omitempty"`
	Int    int64     `json:"int,omitempty"`
	Float  float64   `json:"float,omitempty"`
	Enum   string    `json:"enum,omitempty"`
	Date   time.Time `json:"date,omitempty"`
}

// SlotSchema describes one named slot's type and optional constraints.
type SlotSchema struct {
	Name     string
	Kind     SlotKind
	Required bool
	EnumSet  []string // valid values when Kind == SlotEnum
	MinInt   *int64
	MaxInt   *int64
	MinFloat *float64
	MaxFloat *float64
}

// State is the per-session record: slots, validation errors, and
// metadata. TTL is enforced lazily on access, not by a background sweep.
type State struct {
	SessionID  string               `json:"session_id"`
	UserID     string               `json:"user_id"`
	Language   string               `json:"language"`
	Slots      map[string]SlotValue `json:"slots"`
	SlotErrors map[string]string    `json:"slot_errors,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Title      string               `json:"title,omitempty"`
	Pinned     bool                 `json:"pinned,omitempty"`
	Archived   bool                 `json:"archived,omitempty"`

	// LowConfidenceStreak tracks consecutive low_confidence turns so the
	// orchestrator can raise review_suggested once it persists across two
	// turns (spec §4.7 step 9).
	LowConfidenceStreak int `json:"-"`
}

// Role distinguishes the two message authors the spec names.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one append-only conversational turn.
type Message struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Language       string    `json:"language"`
	CitationIDs    []string  `json:"citations,omitempty"`
	Diagnostics    map[string]any `json:"diagnostics,omitempty"`
	LowConfidence  bool      `json:"low_confidence,omitempty"`
	Attachments    []string  `json:"attachments,omitempty"`
}
