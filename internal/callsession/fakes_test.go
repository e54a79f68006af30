package callsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/database/models"
	"github.com/flowpbx/sbc-outbound/internal/recording"
	"github.com/flowpbx/sbc-outbound/internal/routing"
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const callerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.20\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.20\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

const (
	relayOfferSDP  = "relay-offer-sdp"
	relayAnswerSDP = "relay-answer-sdp"
	calleeSDP      = "callee-sdp"
	callerTag      = "caller-tag"
	calleeTag      = "callee-tag"
)

type relayCmd struct {
	name string
	opts rtpengine.Opts
}

type fakeRelay struct {
	mu     sync.Mutex
	cmds   []relayCmd
	fail   map[string]bool
	dtmf   func(rtpengine.DTMFEvent)
	dtmfOn bool
	onCmd  func(name string)
}

func (r *fakeRelay) do(name string, opts rtpengine.Opts) (*rtpengine.Response, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, relayCmd{name: name, opts: opts})
	failed := r.fail[name]
	hook := r.onCmd
	r.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	if failed {
		return &rtpengine.Response{Result: "error", ErrorReason: "boom"}, nil
	}
	resp := &rtpengine.Response{Result: "ok"}
	switch name {
	case rtpengine.CmdOffer:
		resp.SDP = relayOfferSDP
	case rtpengine.CmdAnswer:
		resp.SDP = relayAnswerSDP
	}
	return resp, nil
}

func (r *fakeRelay) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c.name == name {
			n++
		}
	}
	return n
}

// opts returns the options of every call to the named command.
func (r *fakeRelay) opts(name string) []rtpengine.Opts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rtpengine.Opts
	for _, c := range r.cmds {
		if c.name == name {
			out = append(out, c.opts)
		}
	}
	return out
}

func (r *fakeRelay) Offer(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdOffer, o)
}

func (r *fakeRelay) Answer(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdAnswer, o)
}

func (r *fakeRelay) Delete(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdDelete, o)
}

func (r *fakeRelay) BlockMedia(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdBlockMedia, o)
}

func (r *fakeRelay) UnblockMedia(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdUnblockMedia, o)
}

func (r *fakeRelay) BlockDTMF(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdBlockDTMF, o)
}

func (r *fakeRelay) UnblockDTMF(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdUnblockDTMF, o)
}

func (r *fakeRelay) PlayDTMF(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdPlayDTMF, o)
}

func (r *fakeRelay) SubscribeRequest(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdSubscribeRequest, o)
}

func (r *fakeRelay) SubscribeAnswer(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdSubscribeAnswer, o)
}

func (r *fakeRelay) Unsubscribe(ctx context.Context, o rtpengine.Opts) (*rtpengine.Response, error) {
	return r.do(rtpengine.CmdUnsubscribe, o)
}

func (r *fakeRelay) SubscribeDTMF(callID string, fn func(rtpengine.DTMFEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dtmf = fn
	r.dtmfOn = true
}

func (r *fakeRelay) UnsubscribeDTMF(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dtmfOn = false
}

type fakePool struct {
	relay *fakeRelay
}

func (p *fakePool) Acquire() (Relay, bool) {
	if p.relay == nil {
		return nil, false
	}
	return p.relay, true
}

type sentRequest struct {
	method      string
	body        []byte
	contentType string
	headers     []Header
}

type fakeDialog struct {
	id        string
	callID    string
	remoteTag string

	mu           sync.Mutex
	localSDP     []byte
	remoteSDP    []byte
	modified     [][]byte
	modifyAnswer []byte
	requests     []sentRequest
	destroyed    int
	handler      DialogHandler
}

func (d *fakeDialog) ID() string        { return d.id }
func (d *fakeDialog) CallID() string    { return d.callID }
func (d *fakeDialog) LocalTag() string  { return d.id + "-local" }
func (d *fakeDialog) RemoteTag() string { return d.remoteTag }

func (d *fakeDialog) LocalSDP() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSDP
}

func (d *fakeDialog) RemoteSDP() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

func (d *fakeDialog) Modify(ctx context.Context, sdp []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modified = append(d.modified, sdp)
	d.localSDP = sdp
	return d.modifyAnswer, nil
}

func (d *fakeDialog) Request(ctx context.Context, method string, body []byte, contentType string, headers ...Header) (*Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, sentRequest{method: method, body: body, contentType: contentType, headers: headers})
	return &Response{Status: 200, Reason: "OK"}, nil
}

func (d *fakeDialog) Destroy(ctx context.Context, headers ...Header) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

func (d *fakeDialog) Handle(h DialogHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *fakeDialog) Handler() DialogHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

func (d *fakeDialog) Sent() []sentRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentRequest(nil), d.requests...)
}

func (d *fakeDialog) Destroyed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

type fakeCall struct {
	req       *Request
	canceled  chan struct{}
	cancelOne sync.Once
	onRespond func(status int)

	mu       sync.Mutex
	statuses []int
	final    int
	headers  []Header
	uas      *fakeDialog
}

func newFakeCall() *fakeCall {
	return &fakeCall{
		req: &Request{
			Method:      "INVITE",
			URI:         "sip:15083084809@sbc.example.com",
			CallID:      "inbound-1",
			FromUser:    "15551230000",
			FromTag:     callerTag,
			ContentType: "application/sdp",
			Headers: []Header{
				{Name: "Via", Value: "SIP/2.0/UDP 10.0.0.20"},
				{Name: HeaderAccountSid, Value: "acct-1"},
				{Name: HeaderCallSid, Value: "call-sid-1"},
				{Name: "X-Custom", Value: "keep"},
			},
			Body: []byte(callerSDP),
		},
		canceled: make(chan struct{}),
	}
}

func (c *fakeCall) Request() *Request         { return c.req }
func (c *fakeCall) Canceled() <-chan struct{} { return c.canceled }

func (c *fakeCall) cancel() {
	c.cancelOne.Do(func() { close(c.canceled) })
}

func (c *fakeCall) Responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final != 0
}

func (c *fakeCall) Respond(status int, reason string, body []byte, headers ...Header) error {
	c.mu.Lock()
	c.statuses = append(c.statuses, status)
	if status >= 200 {
		c.final = status
		c.headers = headers
	}
	hook := c.onRespond
	c.mu.Unlock()
	if hook != nil {
		hook(status)
	}
	return nil
}

func (c *fakeCall) Answer(ctx context.Context, sdp []byte, headers ...Header) (Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.final = 200
	c.statuses = append(c.statuses, 200)
	c.uas = &fakeDialog{id: "uas", callID: c.req.CallID, remoteTag: c.req.FromTag, localSDP: sdp, remoteSDP: c.req.Body}
	return c.uas, nil
}

func (c *fakeCall) Final() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

func (c *fakeCall) Statuses() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.statuses...)
}

func (c *fakeCall) UAS() *fakeDialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uas
}

type fakeAttempt struct {
	callID    string
	cseq      uint32
	uac       *fakeDialog
	mu        sync.Mutex
	responses []*Response
	canceled  bool
}

func (a *fakeAttempt) CallID() string { return a.callID }
func (a *fakeAttempt) CSeq() uint32   { return a.cseq }

func (a *fakeAttempt) Next(ctx context.Context) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.responses) == 0 {
		return nil, errors.New("transaction terminated")
	}
	resp := a.responses[0]
	a.responses = a.responses[1:]
	return resp, nil
}

func (a *fakeAttempt) Confirm(ctx context.Context, final *Response) (Dialog, error) {
	a.uac.remoteTag = final.ToTag
	a.uac.remoteSDP = final.Body
	return a.uac, nil
}

func (a *fakeAttempt) Cancel(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled = true
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	attempts []*fakeAttempt
	dialed   []DialRequest
	uacNext  *fakeDialog
	uacDials []DialRequest
}

func (t *fakeTransport) Dial(ctx context.Context, req DialRequest) (Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialed = append(t.dialed, req)
	i := len(t.dialed) - 1
	if i >= len(t.attempts) || t.attempts[i] == nil {
		return nil, errors.New("connection refused")
	}
	a := t.attempts[i]
	if a.callID == "" {
		a.callID = req.CallID
		if a.callID == "" {
			a.callID = "outbound-1"
		}
		a.cseq = req.CSeq
		if a.cseq == 0 {
			a.cseq = 1
		}
	}
	return a, nil
}

func (t *fakeTransport) DialUAC(ctx context.Context, req DialRequest) (Dialog, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uacDials = append(t.uacDials, req)
	if t.uacNext == nil {
		return nil, errors.New("no answer")
	}
	return t.uacNext, nil
}

func (t *fakeTransport) Dialed() []DialRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DialRequest(nil), t.dialed...)
}

type fakeResolver struct {
	decision *routing.Decision
	err      error
}

func (r *fakeResolver) Resolve(ctx context.Context, req routing.Request) (*routing.Decision, error) {
	return r.decision, r.err
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	incrs  int
	decrs  int
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (c *fakeCounter) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incrs++
	c.counts[key]++
	return c.counts[key], nil
}

func (c *fakeCounter) Decr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decrs++
	c.counts[key]--
	return c.counts[key], nil
}

func (c *fakeCounter) get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type fakeAccounts struct {
	accounts   map[string]*models.Account
	limits     *models.CallLimits
	capacities []models.AccountCapacity
	err        error
}

func (f *fakeAccounts) LookupAccountBySid(ctx context.Context, sid string) (*models.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts[sid], nil
}

func (f *fakeAccounts) LookupAccountCapacitiesBySid(ctx context.Context, sid string) ([]models.AccountCapacity, error) {
	return f.capacities, nil
}

func (f *fakeAccounts) QueryCallLimits(ctx context.Context, spSid, accountSid string) (*models.CallLimits, error) {
	return f.limits, nil
}

type fakeAlerts struct {
	alerts []*models.Alert
}

func (f *fakeAlerts) WriteAlert(ctx context.Context, a *models.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

type fakeCDRs struct {
	mu   sync.Mutex
	cdrs []models.CDR
}

func (f *fakeCDRs) WriteCDR(ctx context.Context, cdr *models.CDR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cdrs = append(f.cdrs, *cdr)
	return nil
}

func (f *fakeCDRs) All() []models.CDR {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CDR(nil), f.cdrs...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	stops  int
	pauses int
}

func (r *fakeRecorder) Start(ctx context.Context) error { return nil }

func (r *fakeRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
	return nil
}

func (r *fakeRecorder) Resume(ctx context.Context) error { return nil }

func (r *fakeRecorder) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// fakeRecordings hands out rec. With hang set, Start waits for its context
// to end; with gate set, it waits for gate to close.
type fakeRecordings struct {
	rec     *fakeRecorder
	hang    bool
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeRecordings) Start(ctx context.Context, req recording.Request) (recording.Recorder, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.rec, nil
}

type fakeInvites struct {
	mu   sync.Mutex
	recs map[string]cache.InviteInProgress
}

func (f *fakeInvites) PutInviteInProgress(ctx context.Context, callID string, rec cache.InviteInProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recs == nil {
		f.recs = make(map[string]cache.InviteInProgress)
	}
	f.recs[callID] = rec
	return nil
}

func (f *fakeInvites) GetInviteInProgress(ctx context.Context, callID string) (*cache.InviteInProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[callID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

type harness struct {
	rt        *Runtime
	relay     *fakeRelay
	transport *fakeTransport
	counter   *fakeCounter
	cdrs      *fakeCDRs
	invites   *fakeInvites
	accounts  *fakeAccounts
	alerts    *fakeAlerts
}

func newHarness(decision *routing.Decision, attempts ...*fakeAttempt) *harness {
	h := &harness{
		relay:     &fakeRelay{fail: map[string]bool{}},
		transport: &fakeTransport{attempts: attempts},
		counter:   newFakeCounter(),
		cdrs:      &fakeCDRs{},
		invites:   &fakeInvites{},
		accounts: &fakeAccounts{
			accounts: map[string]*models.Account{
				"acct-1": {AccountSid: "acct-1", ServiceProviderSid: "sp-1"},
			},
		},
		alerts: &fakeAlerts{},
	}
	admission := NewAdmission(h.accounts, h.counter, h.alerts, AdmissionOptions{
		TrackAccount:         true,
		TrackServiceProvider: true,
	}, testLogger)
	h.rt = NewRuntime(Deps{
		Admission: admission,
		Resolver:  &fakeResolver{decision: decision},
		Relays:    &fakePool{relay: h.relay},
		Transport: h.transport,
		Invites:   h.invites,
		CDRs:      h.cdrs,
	}, Options{
		PublicAddress: func(string) string { return "192.0.2.10:5060" },
	}, testLogger)
	return h
}

// balanced fails the test unless every counter increment has been undone.
func (h *harness) balanced(t *testing.T) {
	t.Helper()
	for _, key := range []string{"acct-1:sessions", "sp-1:sessions"} {
		if n := h.counter.get(key); n != 0 {
			t.Errorf("counter %s = %d, want 0", key, n)
		}
	}
}

func gateway(carrier string) *routing.Gateway {
	return &routing.Gateway{CarrierName: carrier, Transport: "udp", Scheme: "sip"}
}

func lcrDecision(cands ...routing.Candidate) *routing.Decision {
	return &routing.Decision{Target: routing.TargetLCR, Candidates: cands}
}

func answered(uac *fakeDialog, extra ...*Response) *fakeAttempt {
	responses := append(extra, &Response{Status: 200, Reason: "OK", ToTag: calleeTag, ContentType: "application/sdp", Body: []byte(calleeSDP)})
	return &fakeAttempt{uac: uac, responses: responses}
}

func rejected(status int, reason string, extra ...*Response) *fakeAttempt {
	return &fakeAttempt{uac: &fakeDialog{id: "unused"}, responses: append(extra, &Response{Status: status, Reason: reason})}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
