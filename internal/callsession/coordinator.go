package callsession

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/media"
	"github.com/flowpbx/sbc-outbound/internal/recording"
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
)

// X-Reason values carried by control INFO requests and re-INVITEs.
const (
	controlReleaseMedia   = "release-media"
	controlAnchorMedia    = "anchor-media"
	controlMute           = "mute"
	controlUnmute         = "unmute"
	controlStartRecording = "startcallrecording"
	controlStopRecording  = "stopcallrecording"
	controlPauseRecording = "pausecallrecording"
	controlResumeRecord   = "resumecallrecording"
	controlDTMF           = "dtmf"
)

const (
	headerSrsURL         = "X-Srs-Url"
	headerSrsRecordingID = "X-Srs-Recording-Id"
	headerDTMFDigit      = "X-Dtmf-Digit"
	headerDTMFDuration   = "X-Dtmf-Duration"
	headerReferTo        = "Refer-To"
	contextTransferMark  = "context-"
)

var (
	replyOK          = Reply{Status: 200, Reason: "OK"}
	replyBadRequest  = Reply{Status: 400, Reason: "Bad Request"}
	replyNotAccepted = Reply{Status: 488, Reason: "Not Acceptable Here"}
	replyServerError = Reply{Status: 500, Reason: "Server Internal Error"}
	replyNoDialog    = Reply{Status: 481, Reason: "Call/Transaction Does Not Exist"}
)

// HandleRequest dispatches an in-dialog request received on either leg.
func (s *Session) HandleRequest(ctx context.Context, from Dialog, req *Request) Reply {
	peer, fromCaller, ok := s.legs(from)
	if !ok {
		return replyNoDialog
	}
	switch req.Method {
	case "INVITE":
		return s.reinvite(ctx, from, peer, fromCaller, req)
	case "REFER":
		return s.refer(ctx, peer, fromCaller, req)
	case "INFO":
		return s.info(ctx, from, peer, req)
	default:
		return s.proxy(ctx, peer, req)
	}
}

// legs returns the peer of from and whether from faces the caller.
func (s *Session) legs(from Dialog) (Dialog, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.uas != nil && s.uac != nil && from.ID() == s.uas.ID():
		return s.uac, true, true
	case s.uas != nil && s.uac != nil && from.ID() == s.uac.ID():
		return s.uas, false, true
	}
	return nil, false, false
}

// reinvite renegotiates media for a re-INVITE from either leg. A
// release-media or anchor-media instruction is answered locally from the
// peer's last SDP unless the callee uses SRTP.
func (s *Session) reinvite(ctx context.Context, from, peer Dialog, fromCaller bool, req *Request) Reply {
	s.negotiate.Lock()
	defer s.negotiate.Unlock()

	fromTag, toTag := from.RemoteTag(), peer.RemoteTag()
	control := strings.ToLower(req.Header(HeaderReason))
	anchoring := control == controlReleaseMedia || control == controlAnchorMedia

	direction := s.reinviteDirection(fromCaller)
	reoffer, reanswer := s.media.ReofferFromCallee, s.media.ReanswerFromCallee
	if fromCaller {
		reoffer, reanswer = s.media.ReofferFromCaller, s.media.ReanswerFromCaller
	}
	offerOpts := reoffer(fromTag, toTag, string(req.Body), direction)

	if anchoring && !s.media.SRTP() {
		if _, err := s.relayCall(ctx, rtpengine.CmdOffer, s.relay.Offer, anchorFlags(offerOpts)); err != nil {
			return replyNotAccepted
		}
		ans, err := s.relayCall(ctx, rtpengine.CmdAnswer, s.relay.Answer, anchorFlags(reanswer(fromTag, toTag, string(peer.RemoteSDP()))))
		if err != nil {
			return replyNotAccepted
		}
		s.mu.Lock()
		s.mediaReleased = control == controlReleaseMedia
		s.mu.Unlock()
		s.logger.Info("media anchoring changed locally", "instruction", control)
		return Reply{Status: 200, Reason: "OK", ContentType: "application/sdp", Body: []byte(ans.SDP)}
	}

	offer, err := s.relayCall(ctx, rtpengine.CmdOffer, s.relay.Offer, offerOpts)
	if err != nil {
		return replyNotAccepted
	}
	remote, err := peer.Modify(ctx, []byte(offer.SDP))
	if err != nil {
		s.logger.Warn("re-invite to peer failed", "error", err)
		var se *SIPError
		if errors.As(err, &se) {
			return Reply{Status: se.Status, Reason: se.Reason}
		}
		return replyServerError
	}
	ans, err := s.relayCall(ctx, rtpengine.CmdAnswer, s.relay.Answer, reanswer(fromTag, toTag, string(remote)))
	if err != nil {
		return replyNotAccepted
	}
	return Reply{Status: 200, Reason: "OK", ContentType: "application/sdp", Body: []byte(ans.SDP)}
}

// reinviteDirection reports the relay interfaces for an offer from one side.
// The caller side is always on the private network.
func (s *Session) reinviteDirection(fromCaller bool) []string {
	callee := "public"
	if s.calleePrivate {
		callee = "private"
	}
	if fromCaller {
		return []string{"private", callee}
	}
	return []string{callee, "private"}
}

// refer forwards a transfer request to the peer, except a callee-side REFER
// to a "context-" target, which hands the call to a new application
// instance.
func (s *Session) refer(ctx context.Context, peer Dialog, fromCaller bool, req *Request) Reply {
	referTo := req.Header(headerReferTo)
	if !fromCaller && strings.Contains(referTo, contextTransferMark) {
		go s.handoff(referTo, req)
		return Reply{Status: 202, Reason: "Accepted"}
	}
	return s.proxy(ctx, peer, req)
}

// handoff replaces the callee leg with a new dialog toward target and
// reanchors media between the caller and the new leg.
func (s *Session) handoff(referTo string, req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 32*time.Second)
	defer cancel()

	s.mu.Lock()
	old, uas := s.uac, s.uas
	s.mu.Unlock()
	if old == nil || uas == nil {
		return
	}

	uri := referTo
	if start, end := strings.Index(uri, "<"), strings.Index(uri, ">"); start >= 0 && end > start {
		uri = uri[start+1 : end]
	}
	logger := s.logger.With("refer_to", uri)

	transport := "udp"
	if strings.Contains(strings.ToLower(uri), "transport=tcp") {
		transport = "tcp"
	}
	next, err := s.rt.transport.DialUAC(ctx, DialRequest{
		URI:        uri,
		Transport:  transport,
		CallerUser: s.req.FromUser,
		CallerName: s.req.FromDisplay,
		FromHost:   s.rt.opts.PublicAddress(transport),
		Headers:    proxyHeaders(req),
		Body:       old.LocalSDP(),
	})
	if err != nil {
		logger.Warn("context transfer failed", "error", err)
		return
	}

	s.negotiate.Lock()
	defer s.negotiate.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		if err := next.Destroy(ctx); err != nil {
			logger.Warn("failed to hang up transfer leg", "error", err)
		}
		return
	}
	s.uac = next
	s.mu.Unlock()
	next.Handle(s)

	if err := old.Destroy(ctx); err != nil {
		logger.Warn("failed to hang up replaced leg", "error", err)
	}

	fromTag, toTag := next.RemoteTag(), uas.RemoteTag()
	offer, err := s.relayCall(ctx, rtpengine.CmdOffer, s.relay.Offer,
		s.media.ReofferFromCallee(fromTag, toTag, string(next.RemoteSDP()), s.reinviteDirection(false)))
	if err != nil {
		return
	}
	answer := uas.RemoteSDP()
	if offer.SDP != string(uas.LocalSDP()) {
		if answer, err = uas.Modify(ctx, []byte(offer.SDP)); err != nil {
			logger.Warn("re-invite to caller after transfer failed", "error", err)
			return
		}
	}
	if _, err := s.relayCall(ctx, rtpengine.CmdAnswer, s.relay.Answer, s.media.ReanswerFromCallee(fromTag, toTag, string(answer))); err != nil {
		return
	}
	logger.Info("call handed off")
}

// info handles an INFO request: control instructions, DTMF, or anything else
// passed to the peer.
func (s *Session) info(ctx context.Context, from, peer Dialog, req *Request) Reply {
	if control := req.Header(HeaderReason); control != "" {
		return s.control(ctx, strings.ToLower(control), req)
	}
	if media.IsDTMFContentType(req.ContentType) {
		s.mu.Lock()
		released := s.mediaReleased
		s.mu.Unlock()
		if released {
			return s.proxy(ctx, peer, req)
		}
		dtmf, err := media.ParseSIPInfoDTMF(req.ContentType, req.Body)
		if err != nil {
			s.logger.Debug("unparseable dtmf info", "error", err)
			return replyBadRequest
		}
		if err := s.playDTMF(ctx, from.RemoteTag(), dtmf.Signal, dtmf.Duration); err != nil {
			return replyServerError
		}
		return replyOK
	}
	return s.proxy(ctx, peer, req)
}

func (s *Session) control(ctx context.Context, control string, req *Request) Reply {
	switch control {
	case controlMute, controlUnmute:
		_, tag, ok := s.bridgedTags()
		if !ok {
			return replyNoDialog
		}
		opts := s.media.Tagged(tag)
		mediaFn, dtmfFn := s.relay.BlockMedia, s.relay.BlockDTMF
		mediaCmd, dtmfCmd := rtpengine.CmdBlockMedia, rtpengine.CmdBlockDTMF
		if control == controlUnmute {
			mediaFn, dtmfFn = s.relay.UnblockMedia, s.relay.UnblockDTMF
			mediaCmd, dtmfCmd = rtpengine.CmdUnblockMedia, rtpengine.CmdUnblockDTMF
		}
		if _, err := s.relayCall(ctx, mediaCmd, mediaFn, opts); err != nil {
			return replyServerError
		}
		if _, err := s.relayCall(ctx, dtmfCmd, dtmfFn, opts); err != nil {
			return replyServerError
		}
		return replyOK

	case controlStartRecording, controlStopRecording, controlPauseRecording, controlResumeRecord:
		if err := s.recordingControl(ctx, control, req); err != nil {
			s.logger.Info("recording request failed", "instruction", control, "error", err)
			if errors.Is(err, errCallEnded) {
				return replyNoDialog
			}
			return replyBadRequest
		}
		return replyOK

	case controlDTMF:
		digit := req.Header(headerDTMFDigit)
		if !media.IsValidDTMFSignal(digit) {
			return replyBadRequest
		}
		duration, _ := strconv.Atoi(req.Header(headerDTMFDuration))
		_, tag, ok := s.bridgedTags()
		if !ok {
			return replyNoDialog
		}
		if err := s.playDTMF(ctx, tag, digit, duration); err != nil {
			return replyServerError
		}
		return replyOK
	}
	s.logger.Debug("ignoring unknown info instruction", "instruction", control)
	return replyOK
}

func (s *Session) playDTMF(ctx context.Context, fromTag, digit string, duration int) error {
	if duration <= 0 {
		duration = media.DefaultDTMFDuration
	}
	opts := s.media.Tagged(fromTag)
	opts["code"] = digit
	opts["duration"] = duration
	_, err := s.relayCall(ctx, rtpengine.CmdPlayDTMF, s.relay.PlayDTMF, opts)
	return err
}

var (
	errNoRecordingService = errors.New("recording not configured")
	errCallEnded          = errors.New("call already ended")
)

// bridgedTags returns the remote tags of the caller and callee legs, or
// false once the call has been torn down.
func (s *Session) bridgedTags() (caller, callee string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.uas == nil || s.uac == nil {
		return "", "", false
	}
	return s.uas.RemoteTag(), s.uac.RemoteTag(), true
}

// recordingControl runs a recording instruction, bounded by the recording
// timeout.
func (s *Session) recordingControl(ctx context.Context, control string, req *Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.rt.opts.RecordingTimeout)
	defer cancel()

	s.mu.Lock()
	rec := s.recorder
	s.mu.Unlock()

	switch control {
	case controlStartRecording:
		if rec != nil {
			return errors.New("recording already in progress")
		}
		if s.rt.recordings == nil {
			return errNoRecordingService
		}
		var urls []string
		for _, u := range strings.Split(req.Header(headerSrsURL), ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		fromTag, toTag, ok := s.bridgedTags()
		if !ok {
			return errCallEnded
		}
		started, err := s.rt.recordings.Start(ctx, recording.Request{
			URLs:        urls,
			RecordingID: req.Header(headerSrsRecordingID),
			CallSid:     req.Header(HeaderCallSid),
			CallID:      s.callID,
			FromTag:     fromTag,
			ToTag:       toTag,
			AccountSid:  s.admitted.Account.AccountSid,
			Caller:      s.req.FromUser,
			Callee:      s.req.URI,
			Relay:       s.relay,
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			// teardown has already run and will not stop it.
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rt.opts.RecordingTimeout)
			defer cancel()
			if err := started.Stop(stopCtx); err != nil {
				s.logger.Warn("failed to stop recording started after hangup", "error", err)
			}
			return errCallEnded
		}
		s.recorder = started
		s.mu.Unlock()
		return nil

	case controlStopRecording:
		if rec == nil {
			return recording.ErrNotActive
		}
		s.mu.Lock()
		s.recorder = nil
		s.mu.Unlock()
		return rec.Stop(ctx)

	case controlPauseRecording:
		if rec == nil {
			return recording.ErrNotActive
		}
		return rec.Pause(ctx)

	default:
		if rec == nil {
			return recording.ErrNotActive
		}
		return rec.Resume(ctx)
	}
}

// proxy relays an in-dialog request to the peer and returns its answer.
func (s *Session) proxy(ctx context.Context, peer Dialog, req *Request) Reply {
	resp, err := peer.Request(ctx, req.Method, req.Body, req.ContentType, proxyHeaders(req)...)
	if err != nil {
		s.logger.Warn("proxying request to peer failed", "method", req.Method, "error", err)
		return replyServerError
	}
	return Reply{
		Status:      resp.Status,
		Reason:      resp.Reason,
		ContentType: resp.ContentType,
		Headers:     filterHeaders(resp.Headers),
		Body:        resp.Body,
	}
}

func proxyHeaders(req *Request) []Header {
	return filterHeaders(req.Headers)
}

func filterHeaders(in []Header) []Header {
	var out []Header
	for _, h := range in {
		if immutableHeaders[strings.ToLower(h.Name)] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// HandleDestroy tears the call down after a BYE on either leg.
func (s *Session) HandleDestroy(from Dialog, req *Request) {
	peer, fromCaller, ok := s.legs(from)
	if !ok {
		return
	}
	reason := reasonCalleeHungUp
	if fromCaller {
		reason = reasonCallerHungUp
	}
	var headers []Header
	if req != nil {
		for _, h := range req.Headers {
			name := strings.ToLower(h.Name)
			if strings.HasPrefix(name, "x-") || name == "reason" {
				headers = append(headers, h)
			}
		}
	}
	s.teardown(peer, reason, headers)
}

// Hangup ends an active call from this side, sending BYE on both legs.
func (s *Session) Hangup(ctx context.Context) {
	s.mu.Lock()
	uas := s.uas
	s.mu.Unlock()
	if uas == nil {
		return
	}
	if err := uas.Destroy(ctx); err != nil {
		s.logger.Warn("failed to hang up caller", "error", err)
	}
	s.teardown(nil, "system hangup", nil)
}

// teardown releases everything held by an active call. peer, if not nil,
// is sent BYE.
func (s *Session) teardown(peer Dialog, reason string, headers []Header) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	uac, rec, connectedAt := s.uac, s.recorder, s.connectedAt
	s.uas, s.uac, s.recorder = nil, nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.deleteMedia(ctx)
	s.relay.UnsubscribeDTMF(s.callID)

	if peer == nil {
		peer = uac
	}
	if peer != nil {
		if err := peer.Destroy(ctx, headers...); err != nil {
			s.logger.Warn("failed to hang up peer", "error", err)
		}
	}
	s.admitted.Ledger.Release(ctx)

	if rec != nil {
		if err := rec.Stop(ctx); err != nil && !errors.Is(err, recording.ErrNotActive) {
			s.logger.Warn("failed to stop recording", "error", err)
		}
	}

	now := time.Now().UTC()
	s.cdr.TerminatedAt = now
	s.cdr.Duration = int(now.Sub(connectedAt).Round(time.Second) / time.Second)
	s.cdr.TerminationReason = reason
	s.writeCDR()

	s.rt.registry.Remove(s)
	s.rt.metrics.ActiveCalls(s.rt.registry.Count())
	s.logger.Info("call ended", "reason", reason, "duration", s.cdr.Duration)
}

// onDTMF forwards a digit detected by the relay to the caller, unless it
// came from the caller in the first place.
func (s *Session) onDTMF(ev rtpengine.DTMFEvent) {
	s.mu.Lock()
	uas := s.uas
	s.mu.Unlock()
	if uas == nil || ev.SourceTag == uas.RemoteTag() {
		return
	}
	digit := ev.Digit()
	if digit == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	body := media.FormatDTMFRelay(digit, ev.Duration)
	if _, err := uas.Request(ctx, "INFO", body, "application/dtmf-relay"); err != nil {
		s.logger.Warn("failed to forward dtmf to caller", "digit", digit, "error", err)
	}
}
