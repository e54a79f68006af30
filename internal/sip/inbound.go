package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/sbc-outbound/internal/callsession"
)

var errAlreadyResponded = errors.New("final response already sent")

// inboundCall is the INVITE server transaction from the feature server. It
// implements callsession.InboundCall.
type inboundCall struct {
	srv      *Server
	req      *sip.Request
	tx       sip.ServerTransaction
	view     *callsession.Request
	callID   string
	contact  sip.Uri
	logger   *slog.Logger
	canceled chan struct{}

	cancelOnce sync.Once
	mu         sync.Mutex
	localTag   string
	responded  bool
}

func newInboundCall(s *Server, req *sip.Request, tx sip.ServerTransaction) *inboundCall {
	id := callID(req)
	transport := req.Transport()
	return &inboundCall{
		srv:      s,
		req:      req,
		tx:       tx,
		view:     toRequest(req),
		callID:   id,
		contact:  contactURI("", s.cfg.PublicAddress(transport), transport),
		logger:   s.logger.With("call_id", id),
		canceled: make(chan struct{}),
		localTag: sip.GenerateTagN(16),
	}
}

func (c *inboundCall) Request() *callsession.Request {
	return c.view
}

func (c *inboundCall) Canceled() <-chan struct{} {
	return c.canceled
}

func (c *inboundCall) Responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responded
}

// claim marks the transaction as finally answered. It fails if a final
// response was already sent.
func (c *inboundCall) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responded {
		return errAlreadyResponded
	}
	c.responded = true
	return nil
}

// response builds a response carrying our To tag. A tag the stack already
// placed on the response is adopted so every response shares one tag.
func (c *inboundCall) response(status int, reason string, body []byte, headers []callsession.Header) *sip.Response {
	res := sip.NewResponseFromRequest(c.req, status, reason, nil)
	if to := res.To(); to != nil && status > 100 {
		c.mu.Lock()
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			c.localTag = tag
		} else {
			to.Params.Add("tag", c.localTag)
		}
		c.mu.Unlock()
	}
	appendHeaders(res, headers)
	setBody(res, body, contentTypeSDP)
	return res
}

func (c *inboundCall) Respond(status int, reason string, body []byte, headers ...callsession.Header) error {
	if status >= 200 {
		if err := c.claim(); err != nil {
			return err
		}
		c.srv.pending.take(c.callID)
	} else if c.Responded() {
		return errAlreadyResponded
	}

	if err := c.tx.Respond(c.response(status, reason, body, headers)); err != nil {
		return fmt.Errorf("responding %d: %w", status, err)
	}
	return nil
}

func (c *inboundCall) Answer(ctx context.Context, sdp []byte, headers ...callsession.Header) (callsession.Dialog, error) {
	if err := c.claim(); err != nil {
		return nil, err
	}
	c.srv.pending.take(c.callID)

	res := c.response(200, "OK", sdp, headers)
	res.AppendHeader(&sip.ContactHeader{Address: *c.contact.Clone()})
	if err := c.tx.Respond(res); err != nil {
		return nil, fmt.Errorf("answering caller: %w", err)
	}

	c.mu.Lock()
	tag := c.localTag
	c.mu.Unlock()

	l := uasLeg(c.srv.client, c.srv.dialogs, c.logger, c.req, tag, c.contact)
	l.setSDP(sdp, c.req.Body())
	c.srv.dialogs.Add(l)
	return l, nil
}

// cancel signals the session and terminates the INVITE with 487 unless a
// final response already went out.
func (c *inboundCall) cancel() {
	c.cancelOnce.Do(func() { close(c.canceled) })
	if c.claim() != nil {
		return
	}
	if err := c.tx.Respond(c.response(487, "Request Terminated", nil, nil)); err != nil {
		c.logger.Debug("failed to send 487 to caller", "error", err)
	}
}
