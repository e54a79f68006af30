package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/sbc-outbound/internal/callsession"
	"github.com/google/uuid"
)

// errDialogTerminated is returned for requests on a leg that has hung up.
var errDialogTerminated = errors.New("dialog terminated")

// leg is one established dialog, either toward the caller (answered by us)
// or toward a carrier (answered by them). It builds in-dialog requests from
// the identity captured at setup.
type leg struct {
	client  *sipgo.Client
	dialogs *DialogManager
	logger  *slog.Logger

	id        string
	callID    string
	localTag  string
	remoteTag string
	from      *sip.FromHeader
	to        *sip.ToHeader
	target    sip.Uri
	contact   sip.Uri
	routes    []string
	transport string
	cseq      atomic.Uint32

	mu           sync.Mutex
	localSDP     []byte
	remoteSDP    []byte
	handler      callsession.DialogHandler
	remoteHangup *callsession.Request
	terminated   bool
}

func newLeg(client *sipgo.Client, dialogs *DialogManager, logger *slog.Logger) *leg {
	return &leg{
		client:  client,
		dialogs: dialogs,
		logger:  logger,
		id:      uuid.NewString(),
	}
}

// uasLeg builds the caller-facing dialog from the INVITE we answered.
func uasLeg(client *sipgo.Client, dialogs *DialogManager, logger *slog.Logger, invite *sip.Request, localTag string, contact sip.Uri) *leg {
	l := newLeg(client, dialogs, logger)
	l.callID = callID(invite)
	l.localTag = localTag
	l.contact = contact
	l.transport = invite.Transport()

	if to := invite.To(); to != nil {
		l.from = &sip.FromHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone()}
		l.from.Params.Add("tag", localTag)
	}
	if from := invite.From(); from != nil {
		l.remoteTag, _ = from.Params.Get("tag")
		l.to = &sip.ToHeader{DisplayName: from.DisplayName, Address: *from.Address.Clone()}
		l.to.Params.Add("tag", l.remoteTag)
		l.target = *from.Address.Clone()
	}
	if c := invite.Contact(); c != nil {
		l.target = *c.Address.Clone()
	}
	for _, rr := range invite.GetHeaders("Record-Route") {
		l.routes = append(l.routes, rr.Value())
	}
	if cseq := invite.CSeq(); cseq != nil {
		l.cseq.Store(cseq.SeqNo + 100)
	}
	return l
}

// uacLeg builds the carrier-facing dialog from our INVITE and its 2xx.
func uacLeg(client *sipgo.Client, dialogs *DialogManager, logger *slog.Logger, invite *sip.Request, res *sip.Response) *leg {
	l := newLeg(client, dialogs, logger)
	l.callID = callID(invite)
	l.transport = invite.Transport()
	l.target = *invite.Recipient.Clone()

	if from := invite.From(); from != nil {
		l.localTag, _ = from.Params.Get("tag")
		l.from = sip.HeaderClone(from).(*sip.FromHeader)
	}
	if to := res.To(); to != nil {
		l.remoteTag, _ = to.Params.Get("tag")
		l.to = sip.HeaderClone(to).(*sip.ToHeader)
	}
	if c := invite.Contact(); c != nil {
		l.contact = *c.Address.Clone()
	}
	if c := res.Contact(); c != nil {
		l.target = *c.Address.Clone()
	}
	rrs := res.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		l.routes = append(l.routes, rrs[i].Value())
	}
	if cseq := invite.CSeq(); cseq != nil {
		l.cseq.Store(cseq.SeqNo)
	}
	return l
}

func (l *leg) ID() string        { return l.id }
func (l *leg) CallID() string    { return l.callID }
func (l *leg) LocalTag() string  { return l.localTag }
func (l *leg) RemoteTag() string { return l.remoteTag }

func (l *leg) LocalSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localSDP
}

func (l *leg) RemoteSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSDP
}

func (l *leg) setSDP(local, remote []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if local != nil {
		l.localSDP = local
	}
	if remote != nil {
		l.remoteSDP = remote
	}
}

// Handle installs the receiver for in-dialog requests. A BYE that arrived
// before a handler was installed is delivered immediately.
func (l *leg) Handle(h callsession.DialogHandler) {
	l.mu.Lock()
	l.handler = h
	pending := l.remoteHangup
	l.remoteHangup = nil
	l.mu.Unlock()

	if pending != nil {
		go h.HandleDestroy(l, pending)
	}
}

// newRequest builds an in-dialog request with the next local CSeq.
func (l *leg) newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *l.target.Clone())
	if l.transport != "" {
		req.SetTransport(l.transport)
	}
	for _, r := range l.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}
	if l.from != nil {
		req.AppendHeader(sip.HeaderClone(l.from))
	}
	if l.to != nil {
		req.AppendHeader(sip.HeaderClone(l.to))
	}
	cid := sip.CallIDHeader(l.callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.cseq.Add(1), MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if l.contact.Host != "" {
		req.AppendHeader(&sip.ContactHeader{Address: *l.contact.Clone()})
	}
	return req
}

// roundTrip sends req and waits for its final response.
func (l *leg) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := l.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				return nil, fmt.Errorf("%s transaction error: %w", req.Method, txErr)
			}
			return nil, fmt.Errorf("%s transaction ended without final response", req.Method)
		case res := <-tx.Responses():
			if res == nil || res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

func (l *leg) isTerminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}

// Modify sends a re-INVITE and returns the remote answer.
func (l *leg) Modify(ctx context.Context, sdp []byte) ([]byte, error) {
	if l.isTerminated() {
		return nil, errDialogTerminated
	}
	req := l.newRequest(sip.INVITE)
	setBody(req, sdp, contentTypeSDP)

	res, err := l.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, &callsession.SIPError{Status: res.StatusCode, Reason: res.Reason}
	}
	if err := l.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		l.logger.Warn("failed to send ack for re-invite", "call_id", l.callID, "error", err)
	}
	l.setSDP(sdp, res.Body())
	return res.Body(), nil
}

// Request sends an in-dialog request such as INFO or REFER.
func (l *leg) Request(ctx context.Context, method string, body []byte, contentType string, headers ...callsession.Header) (*callsession.Response, error) {
	if l.isTerminated() {
		return nil, errDialogTerminated
	}
	req := l.newRequest(sip.RequestMethod(method))
	appendHeaders(req, headers)
	setBody(req, body, contentType)

	res, err := l.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return toResponse(res), nil
}

// Destroy sends BYE. It is a no-op once either side has hung up.
func (l *leg) Destroy(ctx context.Context, headers ...callsession.Header) error {
	l.mu.Lock()
	if l.terminated {
		l.mu.Unlock()
		return nil
	}
	l.terminated = true
	l.mu.Unlock()
	l.dialogs.Remove(l)

	req := l.newRequest(sip.BYE)
	appendHeaders(req, headers)
	res, err := l.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		l.logger.Debug("bye rejected", "call_id", l.callID, "status", res.StatusCode)
	}
	return nil
}

// receive handles a request arriving on this dialog.
func (l *leg) receive(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	view := toRequest(req)

	if req.Method == sip.BYE {
		l.respond(req, tx, callsession.Reply{Status: 200, Reason: "OK"})
		l.mu.Lock()
		if l.terminated {
			l.mu.Unlock()
			return
		}
		l.terminated = true
		h := l.handler
		if h == nil {
			l.remoteHangup = view
		}
		l.mu.Unlock()
		l.dialogs.Remove(l)
		if h != nil {
			h.HandleDestroy(l, view)
		}
		return
	}

	l.mu.Lock()
	h := l.handler
	terminated := l.terminated
	l.mu.Unlock()
	switch {
	case terminated:
		l.respond(req, tx, callsession.Reply{Status: 481, Reason: "Call/Transaction Does Not Exist"})
		return
	case h == nil:
		l.respond(req, tx, callsession.Reply{Status: 491, Reason: "Request Pending"})
		return
	}

	reply := h.HandleRequest(ctx, l, view)
	if req.Method == sip.INVITE && reply.Status >= 200 && reply.Status < 300 {
		l.setSDP(reply.Body, req.Body())
	}
	l.respond(req, tx, reply)
}

func (l *leg) respond(req *sip.Request, tx sip.ServerTransaction, reply callsession.Reply) {
	if reply.Status == 0 {
		reply.Status, reply.Reason = 200, "OK"
	}
	res := sip.NewResponseFromRequest(req, reply.Status, reply.Reason, nil)
	appendHeaders(res, reply.Headers)
	setBody(res, reply.Body, reply.ContentType)
	if req.Method == sip.INVITE && reply.Status < 300 && l.contact.Host != "" {
		res.AppendHeader(&sip.ContactHeader{Address: *l.contact.Clone()})
	}
	if err := tx.Respond(res); err != nil {
		l.logger.Error("failed to respond to in-dialog request",
			"call_id", l.callID,
			"method", req.Method.String(),
			"error", err,
		)
	}
}

// DialogManager tracks established dialogs so in-dialog requests can be
// matched to their leg. Dialogs are keyed by Call-ID and local tag.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*leg
	logger  *slog.Logger
}

// NewDialogManager creates an empty dialog table.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*leg),
		logger:  logger.With("subsystem", "dialog"),
	}
}

func dialogKey(callID, localTag string) string {
	return callID + ";" + localTag
}

// Add registers an established dialog.
func (dm *DialogManager) Add(l *leg) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.dialogs[dialogKey(l.callID, l.localTag)] = l
	dm.logger.Debug("dialog created",
		"call_id", l.callID,
		"local_tag", l.localTag,
		"remote_tag", l.remoteTag,
	)
}

// Remove drops a dialog.
func (dm *DialogManager) Remove(l *leg) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	key := dialogKey(l.callID, l.localTag)
	if dm.dialogs[key] == l {
		delete(dm.dialogs, key)
		dm.logger.Debug("dialog removed", "call_id", l.callID, "local_tag", l.localTag)
	}
}

// Match returns the dialog an in-dialog request belongs to, or nil.
func (dm *DialogManager) Match(req *sip.Request) *leg {
	tag := toTag(req)
	if tag == "" {
		return nil
	}
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[dialogKey(callID(req), tag)]
}

// Count returns the number of established dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core
// (not the transaction layer). The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion
	ack.SetTransport(inviteReq.Transport())

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	return ack
}
