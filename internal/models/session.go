package models

import "time"

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session is mid-flow.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates the flow finished normally.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusExpired indicates the sweep retired an idle session.
	SessionStatusExpired SessionStatus = "expired"
)

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(st SessionStatus) bool {
	switch st {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusExpired:
		return true
	default:
		return false
	}
}

// SessionMessage is one append-only log entry on a session.
type SessionMessage struct {
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	Step      string    `json:"step,omitempty"`
	Time      time.Time `json:"time"`
}

// Session is the live state of one user progressing through a flow.
// At most one Active session exists per (PhoneNumber, Account) pair.
type Session struct {
	ID          string            `json:"id"`
	PhoneNumber string            `json:"phone_number"`
	Account     string            `json:"account"`
	FlowID      string            `json:"flow_id"`
	CurrentStep string            `json:"current_step"`
	Data        map[string]string `json:"data,omitempty"`
	Status      SessionStatus     `json:"status"`
	// Version guards concurrent read-modify-write cycles; SaveSession fails
	// with ErrSessionConflict when the stored version no longer matches.
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SetData stores a captured value under the step's field key.
func (s *Session) SetData(key, value string) {
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	s.Data[key] = value
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}
