package sip

import "sync"

// pendingInvites holds inbound INVITEs without a final response, keyed by
// Call-ID, so a CANCEL can find its transaction.
type pendingInvites struct {
	mu    sync.Mutex
	calls map[string]*inboundCall
}

func newPendingInvites() *pendingInvites {
	return &pendingInvites{calls: make(map[string]*inboundCall)}
}

func (p *pendingInvites) add(c *inboundCall) {
	p.mu.Lock()
	p.calls[c.callID] = c
	p.mu.Unlock()
}

// take removes and returns the call, or nil. Only one of a racing
// CANCEL and final response gets it.
func (p *pendingInvites) take(callID string) *inboundCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.calls[callID]
	delete(p.calls, callID)
	return c
}

func (p *pendingInvites) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
