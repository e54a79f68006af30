package recording

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"sync"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/media"
	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
	"github.com/google/uuid"
)

const metadataContentType = "application/rs-metadata+xml"

// Client records one call to one SIPREC server.
type Client struct {
	dialer Dialer
	target string
	req    Request
	logger *slog.Logger

	mu        sync.Mutex
	leg       Leg
	sdp       string
	toTag     string
	sessionID string
	paused    bool
}

// NewClient creates a SIPREC client for target.
func NewClient(dialer Dialer, target string, req Request, logger *slog.Logger) *Client {
	return &Client{
		dialer: dialer,
		target: target,
		req:    req,
		logger: logger.With("call_id", req.CallID, "srs", target),
	}
}

// Start taps the call on the relay and invites the recording server.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leg != nil {
		return nil
	}

	sub, err := c.req.Relay.SubscribeRequest(ctx, rtpengine.Opts{
		"call-id":   c.req.CallID,
		"from-tags": []string{c.req.FromTag, c.req.ToTag},
		"flags":     []string{"all", "SIPREC"},
	})
	if err != nil {
		return fmt.Errorf("subscribe request: %w", err)
	}
	if !sub.OK() {
		return fmt.Errorf("subscribe request: %s", sub)
	}
	toTag, _ := sub.Raw["to-tag"].(string)

	sessionID := uuid.NewString()
	body, contentType, err := buildMultipart(sub.SDP, c.metadata(sessionID))
	if err != nil {
		return err
	}

	headers := map[string]string{
		"X-Call-Sid":       c.req.CallSid,
		"X-Account-Sid":    c.req.AccountSid,
		"X-Recording-Id":   c.req.RecordingID,
		"X-Srs-Session-Id": sessionID,
	}
	leg, answer, err := c.dialer.Invite(ctx, c.target, body, contentType, headers)
	if err != nil {
		c.unsubscribe(ctx, toTag)
		return fmt.Errorf("inviting recording server: %w", err)
	}

	ans, err := c.req.Relay.SubscribeAnswer(ctx, rtpengine.Opts{
		"call-id": c.req.CallID,
		"to-tag":  toTag,
		"sdp":     string(answer),
		"flags":   []string{"allow transcoding"},
	})
	if err == nil && !ans.OK() {
		err = fmt.Errorf("%s", ans)
	}
	if err != nil {
		if derr := leg.Destroy(ctx); derr != nil {
			c.logger.Warn("failed to hang up recording leg", "error", derr)
		}
		c.unsubscribe(ctx, toTag)
		return fmt.Errorf("subscribe answer: %w", err)
	}

	c.leg = leg
	c.sdp = sub.SDP
	c.toTag = toTag
	c.sessionID = sessionID
	c.paused = false
	c.logger.Info("recording started", "recording_id", c.req.RecordingID, "session_id", sessionID)
	return nil
}

// Stop hangs up the recording leg and removes the tap.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leg == nil {
		return ErrNotActive
	}
	err := c.leg.Destroy(ctx)
	c.unsubscribe(ctx, c.toTag)
	c.leg = nil
	c.logger.Info("recording stopped", "recording_id", c.req.RecordingID)
	if err != nil {
		return fmt.Errorf("hanging up recording leg: %w", err)
	}
	return nil
}

// Pause re-invites the recording server with inactive media.
func (c *Client) Pause(ctx context.Context) error {
	return c.setDirection(ctx, media.DirInactive, true)
}

// Resume re-invites the recording server with send-only media.
func (c *Client) Resume(ctx context.Context) error {
	return c.setDirection(ctx, media.DirSendOnly, false)
}

func (c *Client) setDirection(ctx context.Context, dir string, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leg == nil {
		return ErrNotActive
	}
	if c.paused == paused {
		return nil
	}
	offer, err := media.SetDirection(c.sdp, dir)
	if err != nil {
		return err
	}
	if _, err := c.leg.Modify(ctx, []byte(offer)); err != nil {
		return fmt.Errorf("re-inviting recording server: %w", err)
	}
	c.paused = paused
	return nil
}

func (c *Client) unsubscribe(ctx context.Context, toTag string) {
	if toTag == "" {
		return
	}
	// The call context may already be done.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	resp, err := c.req.Relay.Unsubscribe(ctx, rtpengine.Opts{"call-id": c.req.CallID, "to-tag": toTag})
	if err != nil {
		c.logger.Warn("relay unsubscribe failed", "error", err)
	} else if !resp.OK() {
		c.logger.Warn("relay unsubscribe rejected", "result", resp.String())
	}
}

// rs-metadata document (RFC 7865), reduced to the elements recording
// servers rely on.
type recordingMetadata struct {
	XMLName      xml.Name              `xml:"urn:ietf:params:xml:ns:recording:1 recording"`
	DataMode     string                `xml:"datamode"`
	Session      metadataSession       `xml:"session"`
	Participants []metadataParticipant `xml:"participant"`
	Streams      []metadataStream      `xml:"stream"`
}

type metadataSession struct {
	ID      string `xml:"session_id,attr"`
	SIPSID  string `xml:"sipSessionID"`
	StartAt string `xml:"start-time"`
}

type metadataParticipant struct {
	ID     string         `xml:"participant_id,attr"`
	NameID metadataNameID `xml:"nameID"`
}

type metadataNameID struct {
	AOR  string `xml:"aor,attr"`
	Name string `xml:"name"`
}

type metadataStream struct {
	ID      string `xml:"stream_id,attr"`
	Session string `xml:"session_id,attr"`
	Label   string `xml:"label"`
}

func (c *Client) metadata(sessionID string) recordingMetadata {
	return recordingMetadata{
		DataMode: "complete",
		Session: metadataSession{
			ID:      sessionID,
			SIPSID:  c.req.CallID,
			StartAt: time.Now().UTC().Format(time.RFC3339),
		},
		Participants: []metadataParticipant{
			{ID: c.req.FromTag, NameID: metadataNameID{AOR: c.req.Caller, Name: c.req.Caller}},
			{ID: c.req.ToTag, NameID: metadataNameID{AOR: c.req.Callee, Name: c.req.Callee}},
		},
		Streams: []metadataStream{
			{ID: c.req.FromTag, Session: sessionID, Label: "1"},
			{ID: c.req.ToTag, Session: sessionID, Label: "2"},
		},
	}
}

// buildMultipart renders the SIPREC INVITE body: the relay's SDP offer and
// the recording metadata.
func buildMultipart(sdp string, meta recordingMetadata) ([]byte, string, error) {
	doc, err := xml.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encoding recording metadata: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	sdpPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/sdp"}})
	if err != nil {
		return nil, "", err
	}
	sdpPart.Write([]byte(sdp))

	metaPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {metadataContentType},
		"Content-Disposition": {"recording-session"},
	})
	if err != nil {
		return nil, "", err
	}
	metaPart.Write([]byte(xml.Header))
	metaPart.Write(doc)

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed;boundary=" + w.Boundary(), nil
}
