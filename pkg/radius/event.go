package radius

import (
	"strings"
	"time"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// AcctStatusType is the RADIUS Acct-Status-Type value (RFC 2866).
type AcctStatusType uint32

const (
	AcctStatusStart         AcctStatusType = 1
	AcctStatusStop          AcctStatusType = 2
	AcctStatusInterimUpdate AcctStatusType = 3
	AcctStatusAccountingOn  AcctStatusType = 7
	AcctStatusAccountingOff AcctStatusType = 8
)

func (t AcctStatusType) String() string {
	switch t {
	case AcctStatusStart:
		return audit.ActionStart
	case AcctStatusStop:
		return audit.ActionStop
	case AcctStatusInterimUpdate:
		return audit.ActionInterimUpdate
	case AcctStatusAccountingOn:
		return "accounting-on"
	case AcctStatusAccountingOff:
		return "accounting-off"
	default:
		return "unknown"
	}
}

// ParseAcctStatusType accepts the names used by FreeRADIUS and the numeric
// RFC values.
func ParseAcctStatusType(s string) (AcctStatusType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start", "1":
		return AcctStatusStart, nil
	case "stop", "2":
		return AcctStatusStop, nil
	case "interim-update", "interim_update", "alive", "3":
		return AcctStatusInterimUpdate, nil
	}
	return 0, apperr.InvalidArgument("unknown accounting status type %q", s)
}

// Event is one accounting request from a NAS.
type Event struct {
	StatusType       AcctStatusType
	NASIdentifier    string
	SessionID        string
	Username         string
	FramedIPAddress  string
	CallingStationID string
	Timestamp        time.Time
	InputOctets      uint64
	OutputOctets     uint64
}

// Key returns the session identity the event applies to.
func (e Event) Key() state.Key {
	return state.Key{NASIdentifier: e.NASIdentifier, SessionID: e.SessionID}
}

// Validate checks the fields every event needs.
func (e Event) Validate() error {
	if e.NASIdentifier == "" {
		return apperr.InvalidArgument("nasIdentifier is required")
	}
	if e.SessionID == "" {
		return apperr.InvalidArgument("acctSessionId is required")
	}
	switch e.StatusType {
	case AcctStatusStart, AcctStatusStop, AcctStatusInterimUpdate:
	default:
		return apperr.InvalidArgument("unsupported accounting status type %d", e.StatusType)
	}
	return nil
}

// AuthEvent is one authentication attempt outcome.
type AuthEvent struct {
	Timestamp        time.Time
	Username         string
	NASIdentifier    string
	CallingStationID string
	Result           audit.Result
	FailureReason    string
}

// Validate checks the fields every auth event needs.
func (a AuthEvent) Validate() error {
	if a.Username == "" {
		return apperr.InvalidArgument("username is required")
	}
	switch a.Result {
	case audit.ResultAccept, audit.ResultReject:
	default:
		return apperr.InvalidArgument("result must be Accept or Reject, got %q", a.Result)
	}
	return nil
}
