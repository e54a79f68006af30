package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/database/models"
	"github.com/flowpbx/sbc-outbound/internal/media"
	"github.com/flowpbx/sbc-outbound/internal/recording"
	"github.com/flowpbx/sbc-outbound/internal/routing"
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
	"github.com/google/uuid"
)

// Termination reasons recorded for calls that never connect.
const (
	ReasonEarlyMedia      = "early media lockout"
	ReasonCallerAbandoned = "caller abandoned"
	ReasonInternalError   = "internal error"
	ReasonSRTP            = "srtp lockout"
	ReasonNoCandidates    = "no more candidates"
	ReasonNoRelay         = "no media relay"

	reasonCallerHungUp = "caller hungup"
	reasonCalleeHungUp = "called party hungup"
)

// Headers never copied from one leg to the other.
var immutableHeaders = map[string]bool{
	"via":            true,
	"from":           true,
	"to":             true,
	"call-id":        true,
	"cseq":           true,
	"max-forwards":   true,
	"content-length": true,
	"content-type":   true,
}

// Headers that steer this SBC and stop here.
var internalHeaders = map[string]bool{
	"contact":                 true,
	"route":                   true,
	"record-route":            true,
	"authorization":           true,
	"proxy-authorization":     true,
	"x-account-sid":           true,
	"x-application-sid":       true,
	"x-record-all-calls":      true,
	"x-jambonz-routing":       true,
	"x-requested-carrier-sid": true,
	"x-voip-carrier-sid":      true,
	"x-override-to":           true,
	"x-sip-proxy":             true,
	"x-ms-teams-fqdn":         true,
	"x-ms-teams-tenant-fqdn":  true,
}

// failureHeaders selects the headers of a callee's final failure that are
// passed back to the caller. Challenges such as Proxy-Authenticate go
// through so the caller can retry with credentials.
func failureHeaders(in []Header) []Header {
	var out []Header
	for _, h := range filterHeaders(in) {
		if !internalHeaders[strings.ToLower(h.Name)] {
			out = append(out, h)
		}
	}
	return out
}

// Session is one outbound call, from the first relay offer until both legs
// are gone.
type Session struct {
	id       string
	callID   string
	rt       *Runtime
	call     InboundCall
	req      *Request
	decision *routing.Decision
	admitted *Admitted
	logger   *slog.Logger

	relay         Relay
	media         *MediaSession
	calleePrivate bool

	canceled   atomic.Bool
	earlyMedia bool
	mediaGone  sync.Once
	cdr        *models.CDR

	// negotiate serializes offer/answer exchanges on the bridged call.
	negotiate sync.Mutex

	mu            sync.Mutex
	uas           Dialog
	uac           Dialog
	connectedAt   time.Time
	mediaReleased bool
	destroyed     bool
	recorder      recording.Recorder
}

func newSession(rt *Runtime, call InboundCall, decision *routing.Decision, admitted *Admitted) *Session {
	req := call.Request()
	id := uuid.NewString()
	return &Session{
		id:       id,
		callID:   req.CallID,
		rt:       rt,
		call:     call,
		req:      req,
		decision: decision,
		admitted: admitted,
		logger:   rt.logger.With("call_id", req.CallID, "session", id, "target", string(decision.Target)),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Connect anchors media, dials candidates in order until one answers, and
// bridges the call. Failures are answered to the caller before returning.
func (s *Session) Connect(ctx context.Context) error {
	relay, ok := s.rt.relays.Acquire()
	if !ok {
		s.logger.Error("no media relay available")
		s.respond(480, "Temporarily Unavailable")
		s.admitted.Ledger.Release(ctx)
		s.rt.metrics.CallFailed(ReasonNoRelay)
		return ErrNoRelay
	}
	s.relay = relay

	record := s.req.Header(HeaderRecordAll) != "" || s.admitted.Account.RecordAllCalls
	s.media = newMediaSession(s.callID, s.rt.opts.MediaSecurity, record, s.decision.RequiresSRTP())

	sdp := string(s.req.Body)
	if reordered, err := media.ReorderCodecs(sdp, s.rt.opts.CodecOrder); err != nil {
		s.logger.Warn("codec reorder failed, offering sdp as received", "error", err)
	} else {
		sdp = reordered
	}

	offerPublic := s.decision.AnyPublic()
	direction := directionPrivate
	if offerPublic {
		direction = directionPublic
	}
	offer, err := s.relayCall(ctx, rtpengine.CmdOffer, s.relay.Offer, s.media.Offer(s.req.FromTag, sdp, direction))
	if err != nil {
		s.fail(ctx, err, ReasonInternalError)
		return err
	}

	select {
	case <-s.call.Canceled():
		s.logger.Info("caller canceled before dialing")
		s.canceled.Store(true)
		s.deleteMedia(ctx)
		s.admitted.Ledger.Release(ctx)
		s.rt.metrics.CallFailed(ReasonCallerAbandoned)
		return ErrCanceled
	default:
	}

	candidates := s.decision.Candidates
	for i, cand := range candidates {
		last := i == len(candidates)-1
		logger := s.logger.With("candidate", cand.URI, "attempt", i+1)

		if s.isCanceled() {
			s.fail(ctx, ErrCanceled, ReasonCallerAbandoned)
			return ErrCanceled
		}

		if cand.Private && offerPublic {
			logger.Info("re-anchoring media for private network candidate")
			offer, err = s.relayCall(ctx, rtpengine.CmdOffer, s.relay.Offer, s.media.Offer(s.req.FromTag, sdp, directionPrivate))
			if err != nil {
				s.fail(ctx, err, ReasonInternalError)
				return err
			}
			offerPublic = false
		}

		uac, answer, err := s.attempt(ctx, cand, offer.SDP, last)
		if err == nil {
			return s.bridge(ctx, cand, uac, answer)
		}

		if reason, final := s.classify(err, cand, last); final {
			logger.Info("call attempt failed", "error", err, "reason", reason)
			s.fail(ctx, err, reason)
			return err
		}
		logger.Info("call attempt failed, trying next candidate", "error", err)
		s.rt.metrics.Crankback()
	}

	// No candidates at all.
	err = &SIPError{Status: 603, Reason: "Decline"}
	s.fail(ctx, err, ReasonNoCandidates)
	return err
}

// classify decides whether a failed attempt ends the call, and why.
func (s *Session) classify(err error, cand routing.Candidate, last bool) (string, bool) {
	status := sipStatus(err)
	switch {
	case s.earlyMedia:
		return ReasonEarlyMedia, true
	case s.isCanceled() || status == 487 || errors.Is(err, ErrCanceled):
		return ReasonCallerAbandoned, true
	case status == 0:
		return ReasonInternalError, true
	case cand.Gateway != nil && cand.Gateway.SRTP:
		return ReasonSRTP, true
	case last:
		return ReasonNoCandidates, true
	}
	return "", false
}

func (s *Session) isCanceled() bool {
	if s.canceled.Load() {
		return true
	}
	select {
	case <-s.call.Canceled():
		s.canceled.Store(true)
		return true
	default:
		return false
	}
}

// attempt dials one candidate and waits for a final response. On success it
// returns the callee dialog and the relay's SDP for the caller. Only the last
// candidate reads and records the invite-in-progress identity, so a retried
// INVITE for the same inbound call (after a challenge, say) continues the
// Call-ID and CSeq the carrier saw.
func (s *Session) attempt(ctx context.Context, cand routing.Candidate, offerSDP string, last bool) (Dialog, string, error) {
	dr := s.dialRequest(cand, offerSDP)
	if last && s.rt.invites != nil {
		rec, err := s.rt.invites.GetInviteInProgress(ctx, s.callID)
		switch {
		case err != nil:
			s.logger.Warn("invite-in-progress lookup failed", "error", err)
		case rec != nil:
			dr.CallID = rec.CallID
			dr.CSeq = rec.CSeq + 1
		}
	}

	if s.cdr == nil {
		s.cdr = s.newCDR(cand)
	}
	s.cdr.RemoteHost = cand.Host()
	s.cdr.Trunk = trunkName(s.decision, cand)

	att, err := s.rt.transport.Dial(ctx, dr)
	if err != nil {
		return nil, "", fmt.Errorf("dialing %s: %w", cand.URI, err)
	}
	if last && s.rt.invites != nil {
		rec := cache.InviteInProgress{CallID: att.CallID(), CSeq: att.CSeq()}
		if err := s.rt.invites.PutInviteInProgress(ctx, s.callID, rec); err != nil {
			s.logger.Warn("invite-in-progress store failed", "error", err)
		}
	}
	s.cdr.SipCallID = att.CallID()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.call.Canceled():
			s.canceled.Store(true)
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := att.Cancel(cctx); err != nil {
				s.logger.Warn("failed to cancel outbound invite", "error", err)
			}
		case <-done:
		}
	}()

	for {
		resp, err := att.Next(ctx)
		if err != nil {
			return nil, "", err
		}
		switch {
		case resp.Status < 200:
			if err := s.provisional(ctx, resp); err != nil {
				return nil, "", err
			}
		case resp.Status < 300:
			ans, err := s.relayCall(ctx, rtpengine.CmdAnswer, s.relay.Answer, s.media.Answer(s.req.FromTag, resp.ToTag, string(resp.Body)))
			uac, cerr := att.Confirm(ctx, resp)
			if err != nil {
				if cerr == nil {
					if derr := uac.Destroy(ctx); derr != nil {
						s.logger.Warn("failed to hang up callee after relay failure", "error", derr)
					}
				}
				return nil, "", err
			}
			if cerr != nil {
				return nil, "", fmt.Errorf("acknowledging answer: %w", cerr)
			}
			return uac, ans.SDP, nil
		default:
			return nil, "", &SIPError{Status: resp.Status, Reason: resp.Reason, Headers: failureHeaders(resp.Headers)}
		}
	}
}

// provisional relays ringing or early media to the caller.
func (s *Session) provisional(ctx context.Context, resp *Response) error {
	if resp.Status != 180 && resp.Status != 183 {
		return nil
	}
	if len(resp.Body) == 0 {
		if err := s.call.Respond(180, "Ringing", nil); err != nil {
			s.logger.Warn("failed to relay ringing", "error", err)
		}
		return nil
	}
	s.earlyMedia = true
	ans, err := s.relayCall(ctx, rtpengine.CmdAnswer, s.relay.Answer, s.media.Answer(s.req.FromTag, resp.ToTag, string(resp.Body)))
	if err != nil {
		return err
	}
	if err := s.call.Respond(183, "Session Progress", []byte(ans.SDP)); err != nil {
		s.logger.Warn("failed to relay early media", "error", err)
	}
	return nil
}

func (s *Session) dialRequest(cand routing.Candidate, offerSDP string) DialRequest {
	transport := cand.Transport()
	if transport == "" {
		transport = s.decision.Protocol
	}
	if transport == "" || transport == "ws" || transport == "wss" {
		transport = "udp"
	}
	fromHost := s.decision.FromHost
	if fromHost == "" {
		fromHost = s.rt.opts.PublicAddress(transport)
	}

	var headers []Header
	for _, h := range s.req.Headers {
		name := strings.ToLower(h.Name)
		if immutableHeaders[name] || internalHeaders[name] {
			continue
		}
		headers = append(headers, h)
	}
	dr := DialRequest{
		URI:        cand.URI,
		Proxy:      cand.Proxy,
		Transport:  transport,
		CallerUser: s.req.FromUser,
		CallerName: s.req.FromDisplay,
		FromHost:   fromHost,
		Headers:    headers,
		Body:       []byte(offerSDP),
	}
	if gw := cand.Gateway; gw != nil {
		if gw.Diversion != "" {
			dr.Headers = append(dr.Headers, Header{Name: "Diversion", Value: gw.Diversion})
		}
		dr.Auth = gw.Auth
	}
	return dr
}

// bridge answers the caller and puts the call into its active state.
func (s *Session) bridge(ctx context.Context, cand routing.Candidate, uac Dialog, answerSDP string) error {
	uas, err := s.call.Answer(ctx, []byte(answerSDP))
	if err != nil {
		s.logger.Error("failed to answer caller", "error", err)
		if derr := uac.Destroy(ctx); derr != nil {
			s.logger.Warn("failed to hang up callee", "error", derr)
		}
		s.fail(ctx, err, ReasonInternalError)
		return err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.uas = uas
	s.uac = uac
	s.connectedAt = now
	s.calleePrivate = cand.Private
	s.mu.Unlock()

	s.cdr.Answered = true
	s.cdr.AnsweredAt = &now
	s.cdr.SipStatus = 200

	s.rt.registry.Add(s)
	uas.Handle(s)
	uac.Handle(s)
	s.relay.SubscribeDTMF(s.callID, s.onDTMF)

	s.logger.Info("call connected", "candidate", cand.URI, "trunk", s.cdr.Trunk)
	s.rt.metrics.CallAnswered(s.cdr.Trunk)
	s.rt.metrics.ActiveCalls(s.rt.registry.Count())
	return nil
}

// fail ends a call that never connected.
func (s *Session) fail(ctx context.Context, err error, reason string) {
	status, phrase := 500, "Server Internal Error"
	var headers []Header
	var se *SIPError
	switch {
	case errors.As(err, &se):
		status, phrase, headers = se.Status, se.Reason, se.Headers
	case errors.Is(err, ErrCanceled):
		status, phrase = 487, "Request Terminated"
	}
	if !s.call.Responded() {
		s.respond(status, phrase, headers...)
	}

	s.deleteMedia(ctx)

	if s.cdr != nil && status != 401 && status != 407 {
		s.cdr.SipStatus = status
		s.cdr.TerminationReason = reason
		s.cdr.TerminatedAt = time.Now().UTC()
		s.writeCDR()
	}
	s.admitted.Ledger.Release(ctx)
	s.rt.metrics.CallFailed(reason)
}

func (s *Session) respond(status int, reason string, headers ...Header) {
	if err := s.call.Respond(status, reason, nil, headers...); err != nil {
		s.logger.Warn("failed to send final response", "status", status, "error", err)
	}
}

// deleteMedia releases the call on the relay. Only the first call has any
// effect.
func (s *Session) deleteMedia(ctx context.Context) {
	if s.relay == nil || s.media == nil {
		return
	}
	s.mediaGone.Do(func() {
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
		}
		resp, err := s.relay.Delete(ctx, s.media.Delete(s.req.FromTag))
		switch {
		case err != nil:
			s.logger.Warn("relay delete failed", "error", err)
		case !resp.OK():
			s.logger.Warn("relay delete rejected", "result", resp.String())
		}
	})
}

// relayCall runs one relay command and converts a non-ok result into a
// *RelayError.
func (s *Session) relayCall(ctx context.Context, command string, fn func(context.Context, rtpengine.Opts) (*rtpengine.Response, error), opts rtpengine.Opts) (*rtpengine.Response, error) {
	resp, err := fn(ctx, opts)
	if err != nil {
		s.logger.Error("relay command failed", "command", command, "error", err)
		return nil, fmt.Errorf("relay %s: %w", command, err)
	}
	if !resp.OK() {
		s.logger.Error("relay command rejected", "command", command, "result", resp.Result, "reason", resp.ErrorReason)
		return nil, &RelayError{Command: command, Result: resp.Result, Reason: resp.ErrorReason}
	}
	return resp, nil
}

func (s *Session) newCDR(cand routing.Candidate) *models.CDR {
	return &models.CDR{
		CallSid:            s.req.Header(HeaderCallSid),
		SipCallID:          s.callID,
		AccountSid:         s.admitted.Account.AccountSid,
		ServiceProviderSid: s.admitted.Account.ServiceProviderSid,
		ApplicationSid:     s.admitted.ApplicationSid,
		From:               s.req.FromUser,
		To:                 s.req.URI,
		Direction:          "outbound",
		Host:               s.rt.opts.PublicAddress(cand.Transport()),
		AttemptedAt:        time.Now().UTC(),
		Target:             string(s.decision.Target),
	}
}

func (s *Session) writeCDR() {
	if s.rt.cdrs == nil || s.cdr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rt.cdrs.WriteCDR(ctx, s.cdr); err != nil {
		s.logger.Error("writing cdr failed", "error", err)
	}
}

func trunkName(d *routing.Decision, cand routing.Candidate) string {
	if cand.Gateway != nil && cand.Gateway.CarrierName != "" {
		return cand.Gateway.CarrierName
	}
	return string(d.Target)
}
