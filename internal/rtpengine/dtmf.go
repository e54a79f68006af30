package rtpengine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// DTMFEvent is a digit the relay detected in a call's media, as delivered to
// its dtmf-log-dest socket.
type DTMFEvent struct {
	CallID    string `json:"callid"`
	SourceTag string `json:"source_tag"`
	Type      string `json:"type"`
	Event     int    `json:"event"`
	Duration  int    `json:"duration"`
	Volume    int    `json:"volume"`
}

// Digit returns the event as a DTMF character.
func (e DTMFEvent) Digit() string {
	const digits = "0123456789*#ABCD"
	if e.Event < 0 || e.Event >= len(digits) {
		return ""
	}
	return digits[e.Event : e.Event+1]
}

// DTMFListener receives DTMF event datagrams and dispatches them to the
// subscriber registered for the event's Call-ID.
type DTMFListener struct {
	conn   net.PacketConn
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]func(DTMFEvent)
}

// ListenDTMF opens the UDP socket the relay reports DTMF events to.
func ListenDTMF(addr string, logger *slog.Logger) (*DTMFListener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for dtmf events on %s: %w", addr, err)
	}
	l := &DTMFListener{
		conn:   conn,
		logger: logger.With("subsystem", "dtmf_events"),
		subs:   make(map[string]func(DTMFEvent)),
	}
	go l.serve()
	l.logger.Info("dtmf event listener started", "addr", conn.LocalAddr().String())
	return l, nil
}

// Addr returns the bound address.
func (l *DTMFListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Subscribe registers fn for events on callID, replacing any prior one.
func (l *DTMFListener) Subscribe(callID string, fn func(DTMFEvent)) {
	l.mu.Lock()
	l.subs[callID] = fn
	l.mu.Unlock()
}

// Unsubscribe removes the subscription for callID.
func (l *DTMFListener) Unsubscribe(callID string) {
	l.mu.Lock()
	delete(l.subs, callID)
	l.mu.Unlock()
}

// Close stops the listener.
func (l *DTMFListener) Close() error {
	return l.conn.Close()
}

func (l *DTMFListener) serve() {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var ev DTMFEvent
		if err := json.Unmarshal(buf[:n], &ev); err != nil {
			l.logger.Warn("discarding malformed dtmf event", "error", err)
			continue
		}
		l.mu.RLock()
		fn := l.subs[ev.CallID]
		l.mu.RUnlock()
		if fn == nil {
			l.logger.Debug("dtmf event for unknown call", "call_id", ev.CallID)
			continue
		}
		go fn(ev)
	}
}
