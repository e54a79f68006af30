package callsession

import (
	"context"
	"strings"

	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/database/models"
	"github.com/flowpbx/sbc-outbound/internal/recording"
	"github.com/flowpbx/sbc-outbound/internal/routing"
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
)

// Header is a single SIP header.
type Header struct {
	Name  string
	Value string
}

// Request is a SIP request as seen by a session, independent of the stack
// that received it.
type Request struct {
	Method      string
	URI         string
	CallID      string
	FromUser    string
	FromDisplay string
	FromTag     string
	ContentType string
	Headers     []Header
	Body        []byte
}

// Header returns the first value of the named header (case-insensitive).
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Response is a SIP response received on an outbound attempt or an
// in-dialog request.
type Response struct {
	Status      int
	Reason      string
	ToTag       string
	ContentType string
	Headers     []Header
	Body        []byte
}

// Reply is the answer a session gives to an in-dialog request.
type Reply struct {
	Status      int
	Reason      string
	ContentType string
	Headers     []Header
	Body        []byte
}

// InboundCall is the caller-facing INVITE server transaction.
type InboundCall interface {
	Request() *Request
	// Canceled is closed when the caller sends CANCEL. The transport answers
	// the INVITE with 487 itself.
	Canceled() <-chan struct{}
	// Responded reports whether a final response has been sent.
	Responded() bool
	// Respond sends a provisional or final non-2xx response.
	Respond(status int, reason string, body []byte, headers ...Header) error
	// Answer sends 200 OK with the given SDP and returns the resulting dialog.
	Answer(ctx context.Context, sdp []byte, headers ...Header) (Dialog, error)
}

// DialRequest describes an outbound INVITE. CallID and CSeq reuse a previous
// dialog identity when set.
type DialRequest struct {
	URI        string
	Proxy      string
	Transport  string
	CallerUser string
	CallerName string
	FromHost   string
	CallID     string
	CSeq       uint32
	Headers    []Header
	Body       []byte
	Auth       *routing.Auth
}

// Attempt is an outbound INVITE client transaction in flight.
type Attempt interface {
	CallID() string
	CSeq() uint32
	// Next blocks for the next provisional or final response.
	Next(ctx context.Context) (*Response, error)
	// Confirm acknowledges a 2xx final response and returns the dialog.
	Confirm(ctx context.Context, final *Response) (Dialog, error)
	// Cancel sends CANCEL; the final response still arrives through Next.
	Cancel(ctx context.Context) error
}

// Transport creates outbound legs.
type Transport interface {
	Dial(ctx context.Context, req DialRequest) (Attempt, error)
	// DialUAC places a standalone call and waits for it to be answered.
	DialUAC(ctx context.Context, req DialRequest) (Dialog, error)
}

// Dialog is one established leg of a bridged call.
type Dialog interface {
	ID() string
	CallID() string
	LocalTag() string
	RemoteTag() string
	LocalSDP() []byte
	RemoteSDP() []byte
	// Modify sends a re-INVITE with sdp and returns the remote answer.
	Modify(ctx context.Context, sdp []byte) ([]byte, error)
	// Request sends an in-dialog request such as INFO or REFER.
	Request(ctx context.Context, method string, body []byte, contentType string, headers ...Header) (*Response, error)
	// Destroy sends BYE.
	Destroy(ctx context.Context, headers ...Header) error
	// Handle installs the receiver for in-dialog requests and BYE.
	Handle(h DialogHandler)
}

// DialogHandler receives requests arriving on an established leg.
type DialogHandler interface {
	HandleRequest(ctx context.Context, from Dialog, req *Request) Reply
	HandleDestroy(from Dialog, req *Request)
}

// Relay is a media relay session handle.
type Relay interface {
	Offer(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	Answer(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	Delete(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	BlockMedia(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	UnblockMedia(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	BlockDTMF(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	UnblockDTMF(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	PlayDTMF(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	SubscribeRequest(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	SubscribeAnswer(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	Unsubscribe(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	SubscribeDTMF(callID string, fn func(rtpengine.DTMFEvent))
	UnsubscribeDTMF(callID string)
}

// RelayPool hands out relays.
type RelayPool interface {
	Acquire() (Relay, bool)
}

// Resolver produces routing decisions.
type Resolver interface {
	Resolve(ctx context.Context, req routing.Request) (*routing.Decision, error)
}

// InviteCache remembers the dialog identity of outbound INVITEs.
type InviteCache interface {
	PutInviteInProgress(ctx context.Context, inboundCallID string, rec cache.InviteInProgress) error
	GetInviteInProgress(ctx context.Context, inboundCallID string) (*cache.InviteInProgress, error)
}

// CDRWriter persists call detail records.
type CDRWriter interface {
	WriteCDR(ctx context.Context, cdr *models.CDR) error
}

// Recordings starts call recordings.
type Recordings interface {
	Start(ctx context.Context, req recording.Request) (recording.Recorder, error)
}

// Metrics receives call lifecycle counters.
type Metrics interface {
	CallAttempt(target string)
	CallAnswered(carrier string)
	CallFailed(reason string)
	Crankback()
	ActiveCalls(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CallAttempt(string)  {}
func (NopMetrics) CallAnswered(string) {}
func (NopMetrics) CallFailed(string)   {}
func (NopMetrics) Crankback()          {}
func (NopMetrics) ActiveCalls(int)     {}
