package rtpengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

var (
	// ErrTimeout is returned when the relay does not reply in time.
	ErrTimeout = errors.New("rtpengine: request timed out")
	// ErrNoRelays is returned when the pool has no members.
	ErrNoRelays = errors.New("rtpengine: no relays available")
	// ErrClosed is returned for requests on a closed client.
	ErrClosed = errors.New("rtpengine: client closed")
)

const (
	defaultTimeout    = 3 * time.Second
	initialRetransmit = 500 * time.Millisecond
	maxDatagram       = 65535
)

// Client talks to a single relay over UDP. Requests are retransmitted with
// exponential backoff until a reply carrying the same cookie arrives or the
// timeout elapses.
type Client struct {
	addr    string
	conn    *net.UDPConn
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool
	done    chan struct{}
}

// Dial opens a UDP socket toward the relay at addr (host:port).
func Dial(addr string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving relay address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		addr:    addr,
		conn:    conn,
		timeout: timeout,
		logger:  logger.With("subsystem", "rtpengine", "relay", addr),
		pending: make(map[string]chan []byte),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Addr returns the relay address.
func (c *Client) Addr() string {
	return c.addr
}

// Close stops the reader and fails any outstanding request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// Do sends a command with its options and waits for the reply.
func (c *Client) Do(ctx context.Context, command string, opts Opts) (*Response, error) {
	cookie, err := newCookie()
	if err != nil {
		return nil, err
	}

	dict := opts.With(Opts{"command": command})
	var buf bytes.Buffer
	buf.WriteString(cookie)
	buf.WriteByte(' ')
	if err := bencode.Marshal(&buf, map[string]any(dict)); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", command, err)
	}
	msg := buf.Bytes()

	ch := make(chan []byte, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[cookie] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
	}()

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	interval := initialRetransmit
	retransmit := time.NewTimer(interval)
	defer retransmit.Stop()

	if _, err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}
	c.logger.Debug("relay request sent", "command", command, "call_id", opts.String("call-id"))

	for {
		select {
		case body, ok := <-ch:
			if !ok {
				return nil, ErrClosed
			}
			return decodeReply(command, body)
		case <-retransmit.C:
			if _, err := c.conn.Write(msg); err != nil {
				return nil, fmt.Errorf("resending %s: %w", command, err)
			}
			interval *= 2
			retransmit.Reset(interval)
		case <-deadline.C:
			return nil, fmt.Errorf("%s to %s: %w", command, c.addr, ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			for cookie, ch := range c.pending {
				close(ch)
				delete(c.pending, cookie)
			}
			c.mu.Unlock()
			if !closed {
				c.logger.Error("relay read failed", "error", err)
			}
			return
		}

		cookie, body, ok := bytes.Cut(buf[:n], []byte{' '})
		if !ok {
			c.logger.Warn("discarding malformed relay reply", "size", n)
			continue
		}
		c.mu.Lock()
		ch, found := c.pending[string(cookie)]
		if found {
			delete(c.pending, string(cookie))
		}
		c.mu.Unlock()
		if !found {
			// Late reply to a retransmitted request that already completed.
			continue
		}
		ch <- bytes.Clone(body)
	}
}

func decodeReply(command string, body []byte) (*Response, error) {
	v, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", command, err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decoding %s reply: not a dictionary", command)
	}
	return responseFromDict(dict), nil
}

func newCookie() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating cookie: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Ping checks that the relay is answering.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, CmdPing, Opts{})
	if err != nil {
		return err
	}
	if resp.Result != "pong" {
		return fmt.Errorf("unexpected ping result %q", resp.Result)
	}
	return nil
}

func (c *Client) Offer(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdOffer, opts)
}

func (c *Client) Answer(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdAnswer, opts)
}

func (c *Client) Delete(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdDelete, opts)
}

func (c *Client) BlockMedia(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdBlockMedia, opts)
}

func (c *Client) UnblockMedia(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdUnblockMedia, opts)
}

func (c *Client) BlockDTMF(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdBlockDTMF, opts)
}

func (c *Client) UnblockDTMF(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdUnblockDTMF, opts)
}

// PlayDTMF injects a digit; opts carry "code" and "duration" in ms.
func (c *Client) PlayDTMF(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdPlayDTMF, opts)
}

// SubscribeRequest asks the relay for an offer forking the call's media to a
// recording server.
func (c *Client) SubscribeRequest(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdSubscribeRequest, opts)
}

func (c *Client) SubscribeAnswer(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdSubscribeAnswer, opts)
}

func (c *Client) Unsubscribe(ctx context.Context, opts Opts) (*Response, error) {
	return c.Do(ctx, CmdUnsubscribe, opts)
}
