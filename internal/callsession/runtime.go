// Package callsession runs outbound calls: admission, routing, crankback
// across candidates, media anchoring on the relay, and the bridged call
// until teardown.
package callsession

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/routing"
)

// Options are the per-process call handling settings.
type Options struct {
	// PublicAddress returns the SBC's advertised host:port for a transport.
	PublicAddress    func(transport string) string
	CodecOrder       []string
	MediaSecurity    string
	RecordingTimeout time.Duration
}

// Deps are the collaborators a Runtime needs. Recordings, CDRs, Invites and
// Metrics are optional.
type Deps struct {
	Admission  *Admission
	Resolver   Resolver
	Relays     RelayPool
	Transport  Transport
	Invites    InviteCache
	CDRs       CDRWriter
	Recordings Recordings
	Metrics    Metrics
}

// Runtime owns the state shared by all sessions of one process.
type Runtime struct {
	admission  *Admission
	resolver   Resolver
	relays     RelayPool
	transport  Transport
	invites    InviteCache
	cdrs       CDRWriter
	recordings Recordings
	metrics    Metrics
	opts       Options
	registry   *Registry
	logger     *slog.Logger
}

// NewRuntime creates a Runtime.
func NewRuntime(deps Deps, opts Options, logger *slog.Logger) *Runtime {
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	if opts.RecordingTimeout <= 0 {
		opts.RecordingTimeout = 2 * time.Second
	}
	if opts.PublicAddress == nil {
		opts.PublicAddress = func(string) string { return "" }
	}
	return &Runtime{
		admission:  deps.Admission,
		resolver:   deps.Resolver,
		relays:     deps.Relays,
		transport:  deps.Transport,
		invites:    deps.Invites,
		cdrs:       deps.CDRs,
		recordings: deps.Recordings,
		metrics:    deps.Metrics,
		opts:       opts,
		registry:   NewRegistry(),
		logger:     logger.With("subsystem", "callsession"),
	}
}

// Registry returns the active call registry.
func (rt *Runtime) Registry() *Registry {
	return rt.registry
}

// HandleInvite processes an outbound call request end to end: admission,
// routing, then the call session. It returns once the call is bridged or
// has failed; every failure has already been answered to the caller.
func (rt *Runtime) HandleInvite(ctx context.Context, call InboundCall) error {
	req := call.Request()
	logger := rt.logger.With("call_id", req.CallID)

	admitted, err := rt.admission.Admit(ctx, req, call.Canceled())
	if err != nil {
		rt.reject(call, err)
		return err
	}

	decision, err := rt.resolver.Resolve(ctx, routing.Request{
		URI:        req.URI,
		AccountSid: admitted.Account.AccountSid,
		Headers:    req,
	})
	if err != nil {
		admitted.Ledger.Release(ctx)
		status, reason := routing.StatusCode(err)
		var headers []Header
		var redirect *routing.RedirectError
		if errors.As(err, &redirect) {
			headers = append(headers, Header{Name: "Contact", Value: redirect.Contact})
		}
		logger.Info("routing failed", "status", status, "error", err)
		if !call.Responded() {
			if rerr := call.Respond(status, reason, nil, headers...); rerr != nil {
				logger.Warn("failed to send final response", "error", rerr)
			}
		}
		rt.metrics.CallFailed(reason)
		return err
	}
	rt.metrics.CallAttempt(string(decision.Target))

	s := newSession(rt, call, decision, admitted)
	return s.Connect(ctx)
}

func (rt *Runtime) reject(call InboundCall, err error) {
	if call.Responded() {
		return
	}
	status, reason := 500, "Server Internal Error"
	var headers []Header
	var se *SIPError
	switch {
	case errors.As(err, &se):
		status, reason, headers = se.Status, se.Reason, se.Headers
	case errors.Is(err, ErrCanceled):
		status, reason = 487, "Request Terminated"
	}
	if rerr := call.Respond(status, reason, nil, headers...); rerr != nil {
		rt.logger.Warn("failed to send final response", "call_id", call.Request().CallID, "error", rerr)
	}
	rt.metrics.CallFailed(reason)
}
