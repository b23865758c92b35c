package radius

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
	"github.com/codelaboratoryltd/radius-ledger/pkg/metrics"
)

// ServerConfig configures the RADIUS accounting listener.
type ServerConfig struct {
	Addr string `json:"addr"`

	// ApplyTimeout bounds one accounting event; the NAS retransmits after
	// its own timeout when no response arrives.
	ApplyTimeout time.Duration `json:"apply_timeout"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":1813",
		ApplyTimeout: 3 * time.Second,
	}
}

// AccountingServer receives Accounting-Request packets over UDP and feeds
// them to the Engine. The request authenticator is verified by the packet
// server with the shared secret of the sending NAS.
type AccountingServer struct {
	config  ServerConfig
	engine  *Engine
	server  *radius.PacketServer
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewAccountingServer creates the listener. secrets resolves the shared
// secret by source address; an empty secret drops the packet.
func NewAccountingServer(config ServerConfig, engine *Engine, secrets radius.SecretSource, m *metrics.Metrics, logger *zap.Logger) *AccountingServer {
	defaults := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = defaults.ApplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &AccountingServer{
		config:  config,
		engine:  engine,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
	s.server = &radius.PacketServer{
		Addr:         config.Addr,
		Network:      "udp",
		SecretSource: secrets,
		Handler:      s,
	}
	return s
}

// ListenAndServe listens on the configured address.
func (s *AccountingServer) ListenAndServe() error {
	s.logger.Info("RADIUS accounting listener starting", zap.String("addr", s.config.Addr))
	return s.server.ListenAndServe()
}

// Serve handles packets from an existing connection.
func (s *AccountingServer) Serve(conn net.PacketConn) error {
	return s.server.Serve(conn)
}

// Shutdown stops the listener and waits for in-flight handlers.
func (s *AccountingServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeRADIUS implements radius.Handler.
func (s *AccountingServer) ServeRADIUS(w radius.ResponseWriter, r *radius.Request) {
	switch r.Code {
	case radius.CodeAccountingRequest:
		s.handleAccounting(w, r)

	case radius.CodeStatusServer:
		if !verifyMessageAuthenticator(r.Packet, r.Secret) {
			s.metrics.RecordRADIUSPacket(r.Code.String(), "bad_authenticator")
			s.logger.Warn("Dropping Status-Server with invalid Message-Authenticator",
				zap.String("remote", r.RemoteAddr.String()),
			)
			return
		}
		s.respond(w, r, radius.CodeAccountingResponse)

	default:
		s.metrics.RecordRADIUSPacket(r.Code.String(), "unsupported")
		s.logger.Debug("Dropping unsupported RADIUS code",
			zap.String("code", r.Code.String()),
			zap.String("remote", r.RemoteAddr.String()),
		)
	}
}

func (s *AccountingServer) handleAccounting(w radius.ResponseWriter, r *radius.Request) {
	statusType, err := rfc2866.AcctStatusType_Lookup(r.Packet)
	if err != nil {
		s.metrics.RecordRADIUSPacket(r.Code.String(), "invalid")
		s.logger.Warn("Accounting-Request without Acct-Status-Type",
			zap.String("remote", r.RemoteAddr.String()),
		)
		return
	}

	switch AcctStatusType(statusType) {
	case AcctStatusAccountingOn, AcctStatusAccountingOff:
		s.logger.Info("NAS accounting state change",
			zap.String("remote", r.RemoteAddr.String()),
			zap.String("status_type", AcctStatusType(statusType).String()),
		)
		s.respond(w, r, radius.CodeAccountingResponse)
		return
	}

	ev := EventFromPacket(r.Packet, r.RemoteAddr, s.now())

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ApplyTimeout)
	defer cancel()

	if _, err := s.engine.Apply(ctx, ev); err != nil {
		outcome := "error"
		if errors.Is(err, apperr.ErrInvalidArgument) {
			outcome = "invalid"
		}
		s.metrics.RecordRADIUSPacket(r.Code.String(), outcome)
		// No response: the NAS retransmits and nothing is lost.
		s.logger.Warn("Accounting-Request not applied",
			zap.String("remote", r.RemoteAddr.String()),
			zap.String("session_id", ev.SessionID),
			zap.Error(err),
		)
		return
	}
	s.respond(w, r, radius.CodeAccountingResponse)
}

func (s *AccountingServer) respond(w radius.ResponseWriter, r *radius.Request, code radius.Code) {
	if err := w.Write(r.Response(code)); err != nil {
		s.metrics.RecordRADIUSPacket(r.Code.String(), "write_error")
		s.logger.Warn("Failed to send RADIUS response",
			zap.String("remote", r.RemoteAddr.String()),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordRADIUSPacket(r.Code.String(), "ok")
}

// EventFromPacket maps Accounting-Request attributes to an Event. The NAS
// is identified by NAS-Identifier, then NAS-IP-Address, then the source
// address. The event time is Event-Timestamp minus Acct-Delay-Time when
// present, else now.
func EventFromPacket(p *radius.Packet, remote net.Addr, now time.Time) Event {
	ev := Event{
		StatusType:       AcctStatusType(rfc2866.AcctStatusType_Get(p)),
		Username:         rfc2865.UserName_GetString(p),
		CallingStationID: rfc2865.CallingStationID_GetString(p),
		InputOctets:      uint64(rfc2869.AcctInputGigawords_Get(p))<<32 | uint64(rfc2866.AcctInputOctets_Get(p)),
		OutputOctets:     uint64(rfc2869.AcctOutputGigawords_Get(p))<<32 | uint64(rfc2866.AcctOutputOctets_Get(p)),
		Timestamp:        now,
	}
	ev.SessionID, _ = rfc2866.AcctSessionID_LookupString(p)

	if ip, err := rfc2865.FramedIPAddress_Lookup(p); err == nil {
		ev.FramedIPAddress = ip.String()
	}

	ev.NASIdentifier = rfc2865.NASIdentifier_GetString(p)
	if ev.NASIdentifier == "" {
		if ip, err := rfc2865.NASIPAddress_Lookup(p); err == nil {
			ev.NASIdentifier = ip.String()
		} else if remote != nil {
			ev.NASIdentifier = hostOf(remote)
		}
	}

	// Event-Timestamp is already the NAS-side time. Acct-Delay-Time only
	// corrects the arrival time, and grows on every retransmission.
	if ts, err := rfc2869.EventTimestamp_Lookup(p); err == nil && !ts.IsZero() {
		ev.Timestamp = ts
	} else if delay := rfc2866.AcctDelayTime_Get(p); delay > 0 {
		ev.Timestamp = ev.Timestamp.Add(-time.Duration(delay) * time.Second)
	}
	return ev
}

func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
