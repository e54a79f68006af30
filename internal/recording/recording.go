// Package recording forks call media to SIPREC recording servers.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowpbx/sbc-outbound/internal/rtpengine"
)

// ErrNotActive is returned for control operations on a recorder that never
// started or has already stopped.
var ErrNotActive = errors.New("recording not active")

// Recorder controls one recording.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Relay is the part of the media relay used to tap a call.
type Relay interface {
	SubscribeRequest(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	SubscribeAnswer(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
	Unsubscribe(ctx context.Context, opts rtpengine.Opts) (*rtpengine.Response, error)
}

// Leg is the dialog toward a recording server.
type Leg interface {
	Modify(ctx context.Context, sdp []byte) ([]byte, error)
	Destroy(ctx context.Context) error
}

// Dialer places the INVITE toward a recording server and returns the
// established leg together with the server's SDP answer.
type Dialer interface {
	Invite(ctx context.Context, target string, body []byte, contentType string, headers map[string]string) (Leg, []byte, error)
}

// Request describes a recording to start. FromTag and ToTag identify the
// two parties of the relayed call.
type Request struct {
	URLs        []string
	RecordingID string
	CallSid     string
	CallID      string
	FromTag     string
	ToTag       string
	AccountSid  string
	Caller      string
	Callee      string
	Relay       Relay
}

// Service creates recorders.
type Service struct {
	dialer Dialer
	logger *slog.Logger
}

// NewService creates a recording service placing calls through dialer.
func NewService(dialer Dialer, logger *slog.Logger) *Service {
	return &Service{dialer: dialer, logger: logger.With("subsystem", "recording")}
}

// Start begins recording to every URL in req and returns once one of them
// is active.
func (s *Service) Start(ctx context.Context, req Request) (Recorder, error) {
	if len(req.URLs) == 0 {
		return nil, fmt.Errorf("no recording server url")
	}
	if req.Relay == nil {
		return nil, fmt.Errorf("no media relay for call %s", req.CallID)
	}
	recorders := make([]Recorder, 0, len(req.URLs))
	for _, u := range req.URLs {
		recorders = append(recorders, NewClient(s.dialer, u, req, s.logger))
	}
	f := NewFanout(recorders, s.logger)
	if err := f.Start(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Fanout starts several recorders at once and keeps the first that
// becomes active. The rest are stopped.
type Fanout struct {
	recorders []Recorder
	logger    *slog.Logger

	mu     sync.Mutex
	winner Recorder
}

// NewFanout wraps recorders.
func NewFanout(recorders []Recorder, logger *slog.Logger) *Fanout {
	return &Fanout{recorders: recorders, logger: logger}
}

type startResult struct {
	rec Recorder
	err error
}

// Start starts every recorder concurrently. It returns when one succeeds or
// all have failed.
func (f *Fanout) Start(ctx context.Context) error {
	results := make(chan startResult, len(f.recorders))
	for _, r := range f.recorders {
		go func(r Recorder) {
			results <- startResult{rec: r, err: r.Start(ctx)}
		}(r)
	}

	var errs []error
	var winner Recorder
	for range f.recorders {
		res := <-results
		switch {
		case res.err != nil:
			errs = append(errs, res.err)
		case winner == nil:
			winner = res.rec
			f.mu.Lock()
			f.winner = winner
			f.mu.Unlock()
			go f.stopLosers(results, len(f.recorders)-len(errs)-1)
			return nil
		}
	}
	return fmt.Errorf("starting recording: %w", errors.Join(errs...))
}

// stopLosers drains the remaining start results and stops any recorder that
// also came up.
func (f *Fanout) stopLosers(results <-chan startResult, remaining int) {
	for range remaining {
		res := <-results
		if res.err != nil {
			continue
		}
		if err := res.rec.Stop(context.Background()); err != nil {
			f.logger.Warn("failed to stop redundant recorder", "error", err)
		}
	}
}

func (f *Fanout) active() (Recorder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.winner == nil {
		return nil, ErrNotActive
	}
	return f.winner, nil
}

func (f *Fanout) Stop(ctx context.Context) error {
	r, err := f.active()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.winner = nil
	f.mu.Unlock()
	return r.Stop(ctx)
}

func (f *Fanout) Pause(ctx context.Context) error {
	r, err := f.active()
	if err != nil {
		return err
	}
	return r.Pause(ctx)
}

func (f *Fanout) Resume(ctx context.Context) error {
	r, err := f.active()
	if err != nil {
		return err
	}
	return r.Resume(ctx)
}
