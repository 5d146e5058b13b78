package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a LiveSession.
type SessionStatus string

const (
	StatusCreated  SessionStatus = "CREATED"
	StatusLive     SessionStatus = "LIVE"
	StatusEnded    SessionStatus = "ENDED"
	StatusError    SessionStatus = "ERROR"
	StatusCanceled SessionStatus = "CANCELED"
)

// TerminalStatuses are the states a session never leaves.
var TerminalStatuses = []SessionStatus{StatusEnded, StatusCanceled, StatusError}

// Terminal reports whether s is ENDED, CANCELED or ERROR.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusLive, StatusEnded, StatusError, StatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo enforces monotonic progress: CREATED may go anywhere but
// back to CREATED, LIVE may only terminate, terminal states are final.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if !next.Valid() || next == StatusCreated || s.Terminal() {
		return false
	}
	if s == StatusLive {
		return next.Terminal()
	}
	return s == StatusCreated
}

// LiveSession is an append-only record of a reserved broadcast.
type LiveSession struct {
	ID              string        `json:"id"`
	Provider        Provider      `json:"provider"`
	ChannelID       string        `json:"channelId"`
	PlatformLiveID  string        `json:"platformLiveId"`
	Status          SessionStatus `json:"status"`
	ServerURL       string        `json:"serverUrl,omitempty"`
	StreamKey       string        `json:"streamKey,omitempty"`
	SecureStreamURL string        `json:"secureStreamUrl,omitempty"`
	PermalinkURL    string        `json:"permalinkUrl,omitempty"`
	MatchID         string        `json:"matchId,omitempty"`
	Logs            []string      `json:"logs,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
}

// TransitionError is returned when a status change would move backwards.
type TransitionError struct {
	SessionID string
	From, To  SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// LogLine formats a timestamped session log entry.
func LogLine(at time.Time, format string, args ...any) string {
	return at.UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
}
