package radius

import (
	"time"

	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// Transition names what applying an event did to the session.
type Transition string

const (
	TransitionCreated Transition = "created"
	TransitionUpdated Transition = "updated"
	TransitionStopped Transition = "stopped"
	TransitionIgnored Transition = "ignored"
)

// Anomaly is an absorbed irregularity in the accounting stream.
type Anomaly string

const (
	AnomalyDuplicateEvent   Anomaly = "duplicate_event"
	AnomalyDuplicateStart   Anomaly = "duplicate_start"
	AnomalyDecreasingOctets Anomaly = "decreasing_octets"
	AnomalyMissingStart     Anomaly = "missing_start"
	AnomalyOutOfOrder       Anomaly = "out_of_order"
)

// Next computes the session that results from applying ev to cur, where
// cur is nil for a key never seen before. It never mutates cur. For an
// ignored event next is cur.
//
//	NonExistent + Start         -> Active (octets zero)
//	NonExistent + Interim       -> Active, inferred start
//	NonExistent + Stop          -> Stopped, inferred start
//	Active      + Start         -> unchanged, duplicate start
//	Active      + Interim       -> Active, octets never decrease
//	Active      + Stop          -> Stopped
//	Stopped     + any           -> unchanged, duplicate event
func Next(cur *state.Session, ev Event) (next *state.Session, tr Transition, anomalies []Anomaly) {
	if cur == nil {
		return create(ev)
	}
	if !cur.Active() {
		return cur, TransitionIgnored, []Anomaly{AnomalyDuplicateEvent}
	}

	switch ev.StatusType {
	case AcctStatusStart:
		return cur, TransitionIgnored, []Anomaly{AnomalyDuplicateStart}

	case AcctStatusInterimUpdate:
		next = cur.Clone()
		ts := ev.Timestamp
		if ts.Before(next.LastUpdateTime) {
			ts = next.LastUpdateTime
			anomalies = append(anomalies, AnomalyOutOfOrder)
		}
		if ev.InputOctets < next.InputOctets || ev.OutputOctets < next.OutputOctets {
			anomalies = append(anomalies, AnomalyDecreasingOctets)
		} else {
			next.InputOctets = ev.InputOctets
			next.OutputOctets = ev.OutputOctets
		}
		next.LastUpdateTime = ts
		fillAttributes(next, ev)
		return next, TransitionUpdated, anomalies

	case AcctStatusStop:
		next = cur.Clone()
		ts := ev.Timestamp
		if ts.Before(next.LastUpdateTime) {
			ts = next.LastUpdateTime
			anomalies = append(anomalies, AnomalyOutOfOrder)
		}
		if ev.InputOctets < next.InputOctets || ev.OutputOctets < next.OutputOctets {
			anomalies = append(anomalies, AnomalyDecreasingOctets)
		}
		next.InputOctets = max(next.InputOctets, ev.InputOctets)
		next.OutputOctets = max(next.OutputOctets, ev.OutputOctets)
		next.LastUpdateTime = ts
		next.StopTime = &ts
		next.Status = state.StatusStopped
		fillAttributes(next, ev)
		return next, TransitionStopped, anomalies
	}

	return cur, TransitionIgnored, nil
}

func create(ev Event) (*state.Session, Transition, []Anomaly) {
	s := &state.Session{
		NASIdentifier:    ev.NASIdentifier,
		AcctSessionID:    ev.SessionID,
		Username:         ev.Username,
		FramedIPAddress:  ev.FramedIPAddress,
		CallingStationID: ev.CallingStationID,
		StartTime:        ev.Timestamp,
		LastUpdateTime:   ev.Timestamp,
		Status:           state.StatusActive,
	}

	switch ev.StatusType {
	case AcctStatusStart:
		return s, TransitionCreated, nil
	case AcctStatusInterimUpdate:
		s.InputOctets = ev.InputOctets
		s.OutputOctets = ev.OutputOctets
		s.InferredStart = true
		return s, TransitionCreated, []Anomaly{AnomalyMissingStart}
	default:
		stop := ev.Timestamp
		s.InputOctets = ev.InputOctets
		s.OutputOctets = ev.OutputOctets
		s.InferredStart = true
		s.StopTime = &stop
		s.Status = state.StatusStopped
		return s, TransitionStopped, []Anomaly{AnomalyMissingStart}
	}
}

// expire closes an Active session whose last update is older than timeout
// at now. The stop time is the moment the session went silent plus the
// timeout, never now.
func expire(cur *state.Session, timeout time.Duration, now time.Time) (*state.Session, Transition) {
	if cur == nil || !cur.Active() || now.Sub(cur.LastUpdateTime) <= timeout {
		return cur, TransitionIgnored
	}
	next := cur.Clone()
	stop := cur.LastUpdateTime.Add(timeout)
	next.StopTime = &stop
	next.Status = state.StatusStopped
	next.InferredStop = true
	return next, TransitionStopped
}

// fillAttributes copies identifying attributes a Start may have lacked.
func fillAttributes(s *state.Session, ev Event) {
	if s.Username == "" {
		s.Username = ev.Username
	}
	if s.FramedIPAddress == "" {
		s.FramedIPAddress = ev.FramedIPAddress
	}
	if s.CallingStationID == "" {
		s.CallingStationID = ev.CallingStationID
	}
}
