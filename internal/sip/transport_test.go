package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func newInvite(callID, fromTag string, cseq uint32) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "15083084809", Host: "203.0.113.5", Port: 5060})
	from := &sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.10"}}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "15083084809", Host: "203.0.113.5"}})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.10", Port: 5060}})
	return req
}

func newAnswer(invite *sip.Request, toTag string) *sip.Response {
	res := sip.NewResponse(200, "OK")
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy1.example.com;lr>"))
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:proxy2.example.com;lr>"))
	res.AppendHeader(sip.HeaderClone(invite.From()))
	to := &sip.ToHeader{Address: invite.To().Address}
	to.Params.Add("tag", toTag)
	res.AppendHeader(to)
	res.AppendHeader(sip.HeaderClone(invite.CallID()))
	res.AppendHeader(sip.HeaderClone(invite.CSeq()))
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "carrier", Host: "198.51.100.7", Port: 5080}})
	return res
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		name      string
		uri       sip.Uri
		transport string
		want      string
	}{
		{"default port", sip.Uri{Scheme: "sip", Host: "10.0.0.1"}, "udp", "10.0.0.1:5060"},
		{"explicit port", sip.Uri{Scheme: "sip", Host: "10.0.0.1", Port: 5080}, "udp", "10.0.0.1:5080"},
		{"tls default", sip.Uri{Scheme: "sip", Host: "sbc.example.com"}, "tls", "sbc.example.com:5061"},
		{"sips default", sip.Uri{Scheme: "sips", Host: "sbc.example.com"}, "", "sbc.example.com:5061"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostPort(tt.uri, tt.transport); got != tt.want {
				t.Errorf("hostPort() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContactURI(t *testing.T) {
	tests := []struct {
		name          string
		public        string
		transport     string
		wantScheme    string
		wantHost      string
		wantPort      int
		wantTransport string
	}{
		{"udp", "192.0.2.10:5060", "udp", "sip", "192.0.2.10", 5060, ""},
		{"tcp", "192.0.2.10:5060", "TCP", "sip", "192.0.2.10", 5060, "tcp"},
		{"tls", "sbc.example.com:5061", "tls", "sips", "sbc.example.com", 5061, ""},
		{"host only", "sbc.example.com", "udp", "sip", "sbc.example.com", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := contactURI("alice", tt.public, tt.transport)
			if u.Scheme != tt.wantScheme || u.Host != tt.wantHost || u.Port != tt.wantPort {
				t.Errorf("contactURI() = %s:%s:%d, want %s:%s:%d",
					u.Scheme, u.Host, u.Port, tt.wantScheme, tt.wantHost, tt.wantPort)
			}
			if u.User != "alice" {
				t.Errorf("user = %q, want %q", u.User, "alice")
			}
			got, _ := u.UriParams.Get("transport")
			if got != tt.wantTransport {
				t.Errorf("transport param = %q, want %q", got, tt.wantTransport)
			}
		})
	}
}

func TestToRequest(t *testing.T) {
	req := newInvite("call-1", "abc", 1)
	req.AppendHeader(sip.NewHeader("X-Account-Sid", "acct-1"))
	req.SetBody([]byte("v=0\r\n"))

	view := toRequest(req)
	if view.Method != "INVITE" {
		t.Errorf("method = %q, want INVITE", view.Method)
	}
	if view.CallID != "call-1" {
		t.Errorf("call id = %q, want call-1", view.CallID)
	}
	if view.FromUser != "alice" || view.FromTag != "abc" {
		t.Errorf("from = %q;tag=%q, want alice;tag=abc", view.FromUser, view.FromTag)
	}
	if got := view.Header("x-account-sid"); got != "acct-1" {
		t.Errorf("X-Account-Sid = %q, want acct-1", got)
	}
	if string(view.Body) != "v=0\r\n" {
		t.Errorf("body = %q", view.Body)
	}
}

func TestDialogManagerMatch(t *testing.T) {
	dm := NewDialogManager(testLogger())
	l := &leg{callID: "call-1", localTag: "ours", remoteTag: "theirs"}
	dm.Add(l)

	bye := sip.NewRequest(sip.BYE, sip.Uri{Scheme: "sip", Host: "192.0.2.10"})
	cid := sip.CallIDHeader("call-1")
	bye.AppendHeader(&cid)
	to := &sip.ToHeader{Address: sip.Uri{Scheme: "sip", Host: "192.0.2.10"}}
	to.Params.Add("tag", "ours")
	bye.AppendHeader(to)

	if got := dm.Match(bye); got != l {
		t.Fatalf("Match() = %v, want the registered leg", got)
	}

	other := sip.NewRequest(sip.BYE, sip.Uri{Scheme: "sip", Host: "192.0.2.10"})
	other.AppendHeader(&cid)
	otherTo := &sip.ToHeader{Address: sip.Uri{Scheme: "sip", Host: "192.0.2.10"}}
	otherTo.Params.Add("tag", "someone-else")
	other.AppendHeader(otherTo)
	if got := dm.Match(other); got != nil {
		t.Errorf("Match() with unknown tag = %v, want nil", got)
	}

	dm.Remove(l)
	if got := dm.Match(bye); got != nil {
		t.Errorf("Match() after Remove = %v, want nil", got)
	}
	if dm.Count() != 0 {
		t.Errorf("Count() = %d, want 0", dm.Count())
	}
}

func TestUACLegRequests(t *testing.T) {
	invite := newInvite("call-1", "ours", 7)
	res := newAnswer(invite, "theirs")
	l := uacLeg(nil, NewDialogManager(testLogger()), testLogger(), invite, res)

	if l.LocalTag() != "ours" || l.RemoteTag() != "theirs" {
		t.Fatalf("tags = %q/%q, want ours/theirs", l.LocalTag(), l.RemoteTag())
	}

	bye := l.newRequest(sip.BYE)
	if bye.Recipient.Host != "198.51.100.7" || bye.Recipient.Port != 5080 {
		t.Errorf("request uri = %s:%d, want the remote contact", bye.Recipient.Host, bye.Recipient.Port)
	}
	if cseq := bye.CSeq(); cseq == nil || cseq.SeqNo != 8 || cseq.MethodName != sip.BYE {
		t.Errorf("cseq = %v, want 8 BYE", cseq)
	}
	if tag, _ := bye.From().Params.Get("tag"); tag != "ours" {
		t.Errorf("from tag = %q, want ours", tag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "theirs" {
		t.Errorf("to tag = %q, want theirs", tag)
	}
	if got := callID(bye); got != "call-1" {
		t.Errorf("call id = %q, want call-1", got)
	}

	routes := bye.GetHeaders("Route")
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}
	if routes[0].Value() != "<sip:proxy2.example.com;lr>" {
		t.Errorf("first route = %q, want the last record-route", routes[0].Value())
	}

	info := l.newRequest(sip.INFO)
	if cseq := info.CSeq(); cseq == nil || cseq.SeqNo != 9 {
		t.Errorf("second request cseq = %v, want 9", cseq)
	}
}

func TestUASLegSwapsIdentity(t *testing.T) {
	invite := newInvite("call-2", "caller-tag", 3)
	invite.AppendHeader(sip.NewHeader("Record-Route", "<sip:fs.example.com;lr>"))
	contact := sip.Uri{Scheme: "sip", Host: "192.0.2.99", Port: 5060}
	l := uasLeg(nil, NewDialogManager(testLogger()), testLogger(), invite, "sbc-tag", contact)

	bye := l.newRequest(sip.BYE)
	if tag, _ := bye.From().Params.Get("tag"); tag != "sbc-tag" {
		t.Errorf("from tag = %q, want sbc-tag", tag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "caller-tag" {
		t.Errorf("to tag = %q, want caller-tag", tag)
	}
	if bye.Recipient.Host != "192.0.2.10" {
		t.Errorf("request uri host = %q, want the caller contact", bye.Recipient.Host)
	}
	if routes := bye.GetHeaders("Route"); len(routes) != 1 {
		t.Errorf("routes = %d, want 1", len(routes))
	}
	if l.RemoteTag() != "caller-tag" {
		t.Errorf("remote tag = %q, want caller-tag", l.RemoteTag())
	}
}

func TestBuildACKFor2xx(t *testing.T) {
	invite := newInvite("call-3", "ours", 2)
	res := newAnswer(invite, "theirs")

	ack := buildACKFor2xx(invite, res)
	if ack.Method != sip.ACK {
		t.Errorf("method = %s, want ACK", ack.Method)
	}
	if ack.Recipient.Host != "198.51.100.7" {
		t.Errorf("request uri host = %q, want the 2xx contact", ack.Recipient.Host)
	}
	if cseq := ack.CSeq(); cseq == nil || cseq.SeqNo != 2 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %v, want 2 ACK", cseq)
	}
	if tag, _ := ack.To().Params.Get("tag"); tag != "theirs" {
		t.Errorf("to tag = %q, want theirs", tag)
	}
}

func TestPendingInvitesTake(t *testing.T) {
	p := newPendingInvites()
	call := &inboundCall{callID: "call-4", canceled: make(chan struct{}), responded: true}
	p.add(call)

	if n := p.count(); n != 1 {
		t.Fatalf("count() = %d, want 1", n)
	}
	got := p.take("call-4")
	if got != call {
		t.Fatalf("take() = %p, want %p", got, call)
	}
	got.cancel()
	select {
	case <-call.Canceled():
	default:
		t.Error("Canceled() not closed")
	}
	if p.take("call-4") != nil {
		t.Error("second take() returned the call")
	}
	if n := p.count(); n != 0 {
		t.Errorf("count() = %d, want 0", n)
	}
}
