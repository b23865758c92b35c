package state

import (
	"time"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Status is the lifecycle state of an accounting session.
type Status string

const (
	StatusActive  Status = "Active"
	StatusStopped Status = "Stopped"
)

// Key identifies a session. It is immutable once the session exists.
type Key struct {
	NASIdentifier string `json:"nasIdentifier"`
	SessionID     string `json:"acctSessionId"`
}

func (k Key) String() string {
	return k.NASIdentifier + "/" + k.SessionID
}

// Session is one subscriber connection as seen through RADIUS accounting.
type Session struct {
	NASIdentifier    string     `json:"nasIdentifier"`
	AcctSessionID    string     `json:"acctSessionId"`
	Username         string     `json:"username"`
	FramedIPAddress  string     `json:"framedIpAddress,omitempty"`
	CallingStationID string     `json:"callingStationId,omitempty"`
	StartTime        time.Time  `json:"startTime"`
	LastUpdateTime   time.Time  `json:"lastUpdateTime"`
	StopTime         *time.Time `json:"stopTime,omitempty"`
	InputOctets      uint64     `json:"inputOctets"`
	OutputOctets     uint64     `json:"outputOctets"`
	Status           Status     `json:"status"`
	InferredStart    bool       `json:"inferredStart"`
	InferredStop     bool       `json:"inferredStop"`
}

// Key returns the session identity.
func (s *Session) Key() Key {
	return Key{NASIdentifier: s.NASIdentifier, SessionID: s.AcctSessionID}
}

// Clone returns a deep copy so callers never share the stored record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StopTime != nil {
		t := *s.StopTime
		c.StopTime = &t
	}
	return &c
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// TotalOctets is input plus output octets.
func (s *Session) TotalOctets() uint64 {
	return s.InputOctets + s.OutputOctets
}

// Duration is the length of a stopped session, or zero while active.
func (s *Session) Duration() time.Duration {
	if s.StopTime == nil {
		return 0
	}
	return s.StopTime.Sub(s.StartTime)
}

// Overlaps reports whether the session was open at any instant of
// [since, until]. Zero bounds are open-ended.
func (s *Session) Overlaps(since, until time.Time) bool {
	if !until.IsZero() && s.StartTime.After(until) {
		return false
	}
	if !since.IsZero() && s.StopTime != nil && s.StopTime.Before(since) {
		return false
	}
	return true
}

// Validate checks the record invariants enforced on every write.
func (s *Session) Validate() error {
	if s.NASIdentifier == "" || s.AcctSessionID == "" {
		return apperr.InvalidArgument("session identity requires nasIdentifier and acctSessionId")
	}
	switch s.Status {
	case StatusActive:
		if s.StopTime != nil {
			return apperr.InvalidArgument("active session %s has a stop time", s.Key())
		}
	case StatusStopped:
		if s.StopTime == nil {
			return apperr.InvalidArgument("stopped session %s has no stop time", s.Key())
		}
	default:
		return apperr.InvalidArgument("session %s has unknown status %q", s.Key(), s.Status)
	}
	if s.LastUpdateTime.Before(s.StartTime) {
		return apperr.InvalidArgument("session %s last update precedes start", s.Key())
	}
	return nil
}

// StoreStats holds store counters.
type StoreStats struct {
	Sessions       int    `json:"sessions"`
	ActiveSessions int    `json:"active_sessions"`
	Reads          uint64 `json:"reads"`
	Writes         uint64 `json:"writes"`
}
