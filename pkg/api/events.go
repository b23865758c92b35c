package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/radius"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// accountingRequest mirrors the JSON an rlm_rest accounting forwarder
// posts. Gigawords carry the high 32 bits of each octet counter.
type accountingRequest struct {
	StatusType       string     `json:"statusType" binding:"required"`
	NASIdentifier    string     `json:"nasIdentifier" binding:"required"`
	AcctSessionID    string     `json:"acctSessionId" binding:"required"`
	Username         string     `json:"username"`
	FramedIPAddress  string     `json:"framedIpAddress" binding:"omitempty,ip"`
	CallingStationID string     `json:"callingStationId"`
	Timestamp        *time.Time `json:"timestamp"`
	InputOctets      uint64     `json:"inputOctets"`
	OutputOctets     uint64     `json:"outputOctets"`
	InputGigawords   uint32     `json:"inputGigawords"`
	OutputGigawords  uint32     `json:"outputGigawords"`
}

type accountingResponse struct {
	Transition radius.Transition `json:"transition"`
	Anomalies  []radius.Anomaly  `json:"anomalies"`
	Session    *state.Session    `json:"session"`
}

type authRequest struct {
	Username         string       `json:"username" binding:"required"`
	NASIdentifier    string       `json:"nasIdentifier"`
	CallingStationID string       `json:"callingStationId"`
	Result           audit.Result `json:"result" binding:"required,oneof=Accept Reject"`
	FailureReason    string       `json:"failureReason"`
	Timestamp        *time.Time   `json:"timestamp"`
}

// POST /events/accounting applies one accounting event. Anomalies are
// reported in the body, never as an error status.
func (s *Server) postAccounting(c *gin.Context) {
	var req accountingRequest
	if !bind(c, &req) {
		return
	}
	statusType, err := radius.ParseAcctStatusType(req.StatusType)
	if err != nil {
		writeError(c, err)
		return
	}

	ev := radius.Event{
		StatusType:       statusType,
		NASIdentifier:    req.NASIdentifier,
		SessionID:        req.AcctSessionID,
		Username:         req.Username,
		FramedIPAddress:  req.FramedIPAddress,
		CallingStationID: req.CallingStationID,
		InputOctets:      uint64(req.InputGigawords)<<32 + req.InputOctets,
		OutputOctets:     uint64(req.OutputGigawords)<<32 + req.OutputOctets,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	out, err := s.deps.Engine.Apply(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	anomalies := out.Anomalies
	if anomalies == nil {
		anomalies = []radius.Anomaly{}
	}
	c.JSON(http.StatusOK, accountingResponse{
		Transition: out.Transition,
		Anomalies:  anomalies,
		Session:    out.Session,
	})
}

// POST /events/auth records one authentication outcome.
func (s *Server) postAuth(c *gin.Context) {
	var req authRequest
	if !bind(c, &req) {
		return
	}
	ev := radius.AuthEvent{
		Username:         req.Username,
		NASIdentifier:    req.NASIdentifier,
		CallingStationID: req.CallingStationID,
		Result:           req.Result,
		FailureReason:    req.FailureReason,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	if err := s.deps.Engine.RecordAuth(c.Request.Context(), ev); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result{Success: true, Message: "Authentication recorded"})
}
