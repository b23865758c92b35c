// Package audit is the append-only authentication and accounting log.
package audit

import (
	"time"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Level is the severity shown in the dashboard log view.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Type is the log category.
type Type string

const (
	TypeAuth   Type = "auth"
	TypeAcct   Type = "acct"
	TypeSystem Type = "system"
)

// Result is the outcome of an authentication attempt.
type Result string

const (
	ResultAccept Result = "Accept"
	ResultReject Result = "Reject"
)

// Accounting actions recorded on acct entries.
const (
	ActionStart         = "start"
	ActionInterimUpdate = "interim-update"
	ActionStop          = "stop"
	ActionReap          = "reap"
)

// Entry is one immutable log record.
type Entry struct {
	// Seq is the insertion sequence assigned by the storage.
	Seq uint64 `json:"-"`

	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`

	Username         string `json:"user,omitempty"`
	CallingStationID string `json:"ip,omitempty"`
	NASIdentifier    string `json:"nas,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`

	Action        string `json:"action,omitempty"`
	Result        Result `json:"result,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	Anomaly       string `json:"anomaly,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// Filter selects log entries. All set fields must match.
type Filter struct {
	Level    Level
	Type     Type
	Result   Result
	Username string
	Since    time.Time
	Until    time.Time

	// Limit <= 0 returns every match.
	Limit  int
	Offset int
}

// Validate rejects unknown enum values and inverted ranges.
func (f Filter) Validate() error {
	switch f.Level {
	case "", LevelInfo, LevelWarning, LevelError:
	default:
		return apperr.InvalidArgument("unknown log level %q", f.Level)
	}
	switch f.Type {
	case "", TypeAuth, TypeAcct, TypeSystem:
	default:
		return apperr.InvalidArgument("unknown log type %q", f.Type)
	}
	switch f.Result {
	case "", ResultAccept, ResultReject:
	default:
		return apperr.InvalidArgument("unknown auth result %q", f.Result)
	}
	if f.Offset < 0 {
		return apperr.InvalidArgument("offset must not be negative")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return apperr.InvalidArgument("until precedes since")
	}
	return nil
}

// Matches reports whether e passes every filter condition.
func (f Filter) Matches(e *Entry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.Username != "" && e.Username != f.Username {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
