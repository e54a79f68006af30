// Package sip is the SIP transport of the outbound SBC. It accepts INVITEs
// from feature servers, hands them to a call handler and carries the
// resulting dialogs.
package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/sbc-outbound/internal/callsession"
	"github.com/flowpbx/sbc-outbound/internal/config"
	"golang.org/x/time/rate"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER"

// CallHandler runs an admitted INVITE to completion.
type CallHandler interface {
	HandleInvite(ctx context.Context, call callsession.InboundCall) error
}

// Server wraps the sipgo SIP stack.
type Server struct {
	cfg      *config.Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialer   *Dialer
	dialogs  *DialogManager
	pending  *pendingInvites
	limiter  *SourceLimiter
	calls    CallHandler
	draining atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("sbc-outbound"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	dialogs := NewDialogManager(logger)
	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialer:  NewDialer(client, dialogs, cfg.PublicAddress, logger),
		dialogs: dialogs,
		pending: newPendingInvites(),
		limiter: NewSourceLimiter(LimitConfig{
			Rate:  rate.Limit(cfg.InviteRatePerSec),
			Burst: cfg.InviteBurst,
		}, logger),
		logger: logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnBye(s.handleInDialog)
	s.srv.OnInfo(s.handleInDialog)
	s.srv.OnRequest(sip.REFER, s.handleInDialog)
	s.srv.OnOptions(s.handleOptions)
}

// Dialer returns the outbound side of the transport.
func (s *Server) Dialer() *Dialer {
	return s.dialer
}

// Dialogs returns the table of established dialogs.
func (s *Server) Dialogs() *DialogManager {
	return s.dialogs
}

// Drain stops admitting new calls. INVITEs are answered 503 from now on.
func (s *Server) Drain() {
	if s.draining.CompareAndSwap(false, true) {
		s.logger.Info("sip server draining", "pending", s.pending.count(), "dialogs", s.dialogs.Count())
	}
}

// Draining reports whether Drain was called.
func (s *Server) Draining() bool {
	return s.draining.Load()
}

// Start begins listening on configured transports and hands new INVITEs to
// calls.
func (s *Server) Start(ctx context.Context, calls CallHandler) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.calls = calls

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(s.ctx, network, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		tlsAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPTLSPort)
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", "tls", "addr", tlsAddr)
			if err := s.srv.ListenAndServeTLS(s.ctx, "tls", tlsAddr, tlsCfg); err != nil {
				s.logger.Error("sip listener stopped", "transport", "tls", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts down all SIP listeners and waits for them.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.limiter.Stop()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

func (s *Server) reject(req *sip.Request, tx sip.ServerTransaction, code int, reason string, headers ...sip.Header) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response",
			"call_id", callID(req),
			"status", code,
			"error", err,
		)
	}
}

// handleInvite admits a new outbound call or routes a re-INVITE to its
// dialog.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if toTag(req) != "" {
		s.handleInDialog(req, tx)
		return
	}

	id := callID(req)
	source := sourceHost(req)
	if s.Draining() {
		s.logger.Info("rejecting invite while draining", "call_id", id, "source", source)
		s.reject(req, tx, 503, "Service Unavailable")
		return
	}
	if ok, retryAfter := s.limiter.Allow(source); !ok {
		s.logger.Warn("invite rate limit exceeded", "call_id", id, "source", source)
		s.reject(req, tx, 503, "Service Unavailable",
			sip.NewHeader("Retry-After", strconv.Itoa(retryAfter)))
		return
	}
	s.reject(req, tx, 100, "Trying")

	call := newInboundCall(s, req, tx)
	s.pending.add(call)

	go func() {
		<-tx.Done()
		if !call.Responded() {
			call.logger.Info("invite transaction ended before a final response")
			s.pending.take(id)
			call.cancel()
		}
	}()

	go func() {
		defer s.pending.take(id)
		if err := s.calls.HandleInvite(s.ctx, call); err != nil {
			call.logger.Info("outbound call not connected", "error", err)
		}
	}()
}

// handleCancel aborts a pending INVITE.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	call := s.pending.take(id)
	if call == nil {
		s.reject(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.reject(req, tx, 200, "OK")
	call.logger.Info("pending call canceled")
	call.cancel()
}

// handleInDialog dispatches BYE, INFO, REFER and re-INVITE to the dialog
// they belong to.
func (s *Server) handleInDialog(req *sip.Request, tx sip.ServerTransaction) {
	l := s.dialogs.Match(req)
	if l == nil {
		s.logger.Debug("in-dialog request for unknown dialog",
			"method", req.Method.String(),
			"call_id", callID(req),
			"source", req.Source(),
		)
		s.reject(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	l.receive(s.ctx, req, tx)
}

// handleACK confirms an answered dialog. ACK has no response.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	if s.dialogs.Match(req) == nil {
		s.logger.Debug("ack for unknown dialog", "call_id", callID(req), "source", req.Source())
		return
	}
	s.logger.Debug("sip ack received", "call_id", callID(req))
}

// handleOptions answers keepalive pings. A draining node reports 503 so
// feature servers stop selecting it.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if s.Draining() {
		s.reject(req, tx, 503, "Service Unavailable")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
