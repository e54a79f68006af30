package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/sbc-outbound/internal/callsession"
	"github.com/flowpbx/sbc-outbound/internal/recording"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// Dialer places outbound INVITEs toward carriers, registered users and
// recording servers. It implements callsession.Transport.
type Dialer struct {
	client  *sipgo.Client
	dialogs *DialogManager
	public  func(transport string) string
	logger  *slog.Logger
}

// NewDialer creates a dialer sending through client. public returns the
// address advertised in Contact for a transport.
func NewDialer(client *sipgo.Client, dialogs *DialogManager, public func(string) string, logger *slog.Logger) *Dialer {
	return &Dialer{
		client:  client,
		dialogs: dialogs,
		public:  public,
		logger:  logger.With("subsystem", "dialer"),
	}
}

// Dial sends an INVITE and returns the attempt in flight.
func (d *Dialer) Dial(ctx context.Context, req callsession.DialRequest) (callsession.Attempt, error) {
	a, err := d.dial(ctx, req, contentTypeSDP)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Dialer) dial(ctx context.Context, dr callsession.DialRequest, contentType string) (*attempt, error) {
	invite, err := d.buildInvite(dr, contentType)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("sending outbound invite",
		"call_id", callID(invite),
		"recipient", dr.URI,
		"proxy", dr.Proxy,
		"transport", dr.Transport,
	)

	tx, err := d.client.TransactionRequest(ctx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite to %s: %w", dr.URI, err)
	}
	return &attempt{d: d, dr: dr, req: invite, tx: tx}, nil
}

// buildInvite constructs the INVITE for a dial request. From and Contact
// carry the caller identity on our public address; To is the target.
func (d *Dialer) buildInvite(dr callsession.DialRequest, contentType string) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(dr.URI, &recipient); err != nil {
		return nil, fmt.Errorf("parsing request uri %q: %w", dr.URI, err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	transport := strings.ToLower(dr.Transport)
	if transport != "" {
		req.SetTransport(strings.ToUpper(transport))
	}
	if dr.Proxy != "" {
		var proxy sip.Uri
		if err := sip.ParseUri(dr.Proxy, &proxy); err != nil {
			return nil, fmt.Errorf("parsing proxy uri %q: %w", dr.Proxy, err)
		}
		req.SetDestination(hostPort(proxy, transport))
	}

	public := d.public(transport)
	fromHost := dr.FromHost
	if fromHost == "" {
		fromHost = public
	}
	from := &sip.FromHeader{
		DisplayName: dr.CallerName,
		Address:     sip.Uri{Scheme: "sip", User: dr.CallerUser, Host: fromHost},
	}
	if recipient.Scheme == "sips" {
		from.Address.Scheme = "sips"
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *recipient.Clone()})
	req.AppendHeader(&sip.ContactHeader{Address: contactURI(dr.CallerUser, public, transport)})

	id := dr.CallID
	if id == "" {
		id = uuid.NewString()
	}
	cid := sip.CallIDHeader(id)
	req.AppendHeader(&cid)
	seq := dr.CSeq
	if seq == 0 {
		seq = 1
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE})

	appendHeaders(req, dr.Headers)
	setBody(req, dr.Body, contentType)
	return req, nil
}

// DialUAC places a standalone call and waits for it to be answered.
func (d *Dialer) DialUAC(ctx context.Context, dr callsession.DialRequest) (callsession.Dialog, error) {
	l, err := d.dialUAC(ctx, dr, contentTypeSDP)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *Dialer) dialUAC(ctx context.Context, dr callsession.DialRequest, contentType string) (*leg, error) {
	a, err := d.dial(ctx, dr, contentType)
	if err != nil {
		return nil, err
	}
	for {
		res, err := a.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case res.Status < 200:
			continue
		case res.Status < 300:
			return a.confirm(ctx)
		default:
			return nil, &callsession.SIPError{Status: res.Status, Reason: res.Reason}
		}
	}
}

// attempt is one outbound INVITE client transaction, including a single
// digest-authenticated retry.
type attempt struct {
	d  *Dialer
	dr callsession.DialRequest

	mu         sync.Mutex
	req        *sip.Request
	tx         sip.ClientTransaction
	final      *sip.Response
	authTried  bool
	cancelSent bool
}

func (a *attempt) current() (*sip.Request, sip.ClientTransaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.req, a.tx
}

func (a *attempt) CallID() string {
	req, _ := a.current()
	return callID(req)
}

func (a *attempt) CSeq() uint32 {
	req, _ := a.current()
	if cseq := req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}

// Next blocks for the next provisional or final response. A 401/407 is
// answered once with credentials when the gateway has them.
func (a *attempt) Next(ctx context.Context) (*callsession.Response, error) {
	for {
		req, tx := a.current()

		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return nil, ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return nil, fmt.Errorf("invite transaction error: %w", txErr)
			}
			return nil, fmt.Errorf("invite transaction ended without final response")
		case res = <-tx.Responses():
		}
		if res == nil {
			continue
		}

		a.d.logger.Debug("outbound invite response",
			"call_id", callID(req),
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue
		case res.StatusCode == 401 || res.StatusCode == 407:
			retried, err := a.authenticate(ctx, req, res)
			if err != nil {
				return nil, err
			}
			if retried {
				continue
			}
			tx.Terminate()
		case res.StatusCode >= 300:
			tx.Terminate()
		case res.StatusCode >= 200:
			a.mu.Lock()
			a.final = res
			a.mu.Unlock()
		}
		return toResponse(res), nil
	}
}

// authenticate re-sends the INVITE with digest credentials. It reports
// false when no credentials apply and the challenge is final.
func (a *attempt) authenticate(ctx context.Context, origReq *sip.Request, challengeRes *sip.Response) (bool, error) {
	a.mu.Lock()
	tried := a.authTried
	a.authTried = true
	a.mu.Unlock()
	if a.dr.Auth == nil || a.dr.Auth.Username == "" || tried {
		return false, nil
	}

	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challengeRes.GetHeader(authHeader)
	if wwwAuth == nil {
		return false, fmt.Errorf("gateway sent %d but no %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return false, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: a.dr.Auth.Username,
		Password: a.dr.Auth.Password,
	})
	if err != nil {
		return false, fmt.Errorf("computing digest: %w", err)
	}

	a.d.logger.Debug("re-sending outbound invite with auth",
		"call_id", callID(origReq),
		"status", challengeRes.StatusCode,
	)

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := a.d.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return false, fmt.Errorf("sending authenticated invite: %w", err)
	}

	a.mu.Lock()
	old := a.tx
	a.req = authReq
	a.tx = authTx
	a.mu.Unlock()
	old.Terminate()
	return true, nil
}

// Confirm acknowledges the 2xx returned by Next and returns the dialog.
func (a *attempt) Confirm(ctx context.Context, final *callsession.Response) (callsession.Dialog, error) {
	l, err := a.confirm(ctx)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (a *attempt) confirm(ctx context.Context) (*leg, error) {
	a.mu.Lock()
	req, tx, res := a.req, a.tx, a.final
	a.mu.Unlock()
	if res == nil {
		return nil, errors.New("no 2xx response to confirm")
	}
	defer tx.Terminate()

	if err := a.d.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		return nil, fmt.Errorf("sending ack: %w", err)
	}

	l := uacLeg(a.d.client, a.d.dialogs, a.d.logger.With("call_id", callID(req)), req, res)
	l.setSDP(req.Body(), res.Body())
	a.d.dialogs.Add(l)
	return l, nil
}

// Cancel sends CANCEL for the INVITE in flight. The 487 still arrives
// through Next.
func (a *attempt) Cancel(ctx context.Context) error {
	a.mu.Lock()
	if a.cancelSent || a.final != nil {
		a.mu.Unlock()
		return nil
	}
	a.cancelSent = true
	invite := a.req
	a.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())
	if dest := invite.Destination(); dest != "" {
		cancelReq.SetDestination(dest)
	}
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("Route", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cancelTx, err := a.d.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	defer cancelTx.Terminate()

	select {
	case res := <-cancelTx.Responses():
		if res != nil {
			a.d.logger.Debug("cancel response", "call_id", callID(invite), "status", res.StatusCode)
		}
	case <-cancelTx.Done():
	case <-ctx.Done():
	}
	return nil
}

// RecordingDialer adapts a Dialer to recording.Dialer for SIPREC legs.
type RecordingDialer struct {
	d        *Dialer
	fromUser string
}

// NewRecordingDialer creates a recording dialer whose INVITEs come from user.
func NewRecordingDialer(d *Dialer, user string) *RecordingDialer {
	return &RecordingDialer{d: d, fromUser: user}
}

// Invite places the call to a recording server.
func (r *RecordingDialer) Invite(ctx context.Context, target string, body []byte, contentType string, headers map[string]string) (recording.Leg, []byte, error) {
	dr := callsession.DialRequest{
		URI:        target,
		CallerUser: r.fromUser,
		Body:       body,
	}
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		dr.Headers = append(dr.Headers, callsession.Header{Name: name, Value: headers[name]})
	}
	l, err := r.d.dialUAC(ctx, dr, contentType)
	if err != nil {
		return nil, nil, err
	}
	return recordingLeg{l}, l.RemoteSDP(), nil
}

type recordingLeg struct {
	l *leg
}

func (r recordingLeg) Modify(ctx context.Context, sdp []byte) ([]byte, error) {
	return r.l.Modify(ctx, sdp)
}

func (r recordingLeg) Destroy(ctx context.Context) error {
	return r.l.Destroy(ctx)
}
