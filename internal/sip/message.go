package sip

import (
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/sbc-outbound/internal/callsession"
)

const contentTypeSDP = "application/sdp"

// toRequest converts a sipgo request into the stack-independent view used by
// call sessions. Every header is carried, in order.
func toRequest(req *sip.Request) *callsession.Request {
	view := &callsession.Request{
		Method: req.Method.String(),
		URI:    req.Recipient.String(),
		Body:   req.Body(),
	}
	if cid := req.CallID(); cid != nil {
		view.CallID = cid.Value()
	}
	if from := req.From(); from != nil {
		view.FromUser = from.Address.User
		view.FromDisplay = from.DisplayName
		view.FromTag, _ = from.Params.Get("tag")
	}
	if ct := req.ContentType(); ct != nil {
		view.ContentType = ct.Value()
	}
	for _, h := range req.Headers() {
		view.Headers = append(view.Headers, callsession.Header{Name: h.Name(), Value: h.Value()})
	}
	return view
}

// toResponse converts a sipgo response.
func toResponse(res *sip.Response) *callsession.Response {
	view := &callsession.Response{
		Status: res.StatusCode,
		Reason: res.Reason,
		Body:   res.Body(),
	}
	if to := res.To(); to != nil {
		view.ToTag, _ = to.Params.Get("tag")
	}
	if ct := res.ContentType(); ct != nil {
		view.ContentType = ct.Value()
	}
	for _, h := range res.Headers() {
		view.Headers = append(view.Headers, callsession.Header{Name: h.Name(), Value: h.Value()})
	}
	return view
}

// messageWriter is implemented by both requests and responses.
type messageWriter interface {
	AppendHeader(h sip.Header)
	SetBody(body []byte)
}

// appendHeaders copies session headers onto an outgoing message.
func appendHeaders(msg messageWriter, headers []callsession.Header) {
	for _, h := range headers {
		msg.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
}

// setBody sets a body together with its Content-Type. An empty content type
// means SDP.
func setBody(msg messageWriter, body []byte, contentType string) {
	if len(body) == 0 {
		return
	}
	if contentType == "" {
		contentType = contentTypeSDP
	}
	msg.SetBody(body)
	msg.AppendHeader(sip.NewHeader("Content-Type", contentType))
}

// sourceHost extracts the IP address (without port) from the request's source.
func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

// toTag returns the tag of the To header, empty for out-of-dialog requests.
func toTag(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

func callID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// contactURI builds the Contact advertised on a transport from a public
// "host[:port]" address.
func contactURI(user, public, transport string) sip.Uri {
	u := sip.Uri{Scheme: "sip", User: user, Host: public}
	if host, port, err := net.SplitHostPort(public); err == nil {
		u.Host = host
		u.Port, _ = strconv.Atoi(port)
	}
	switch t := strings.ToLower(transport); t {
	case "", "udp":
	case "tls":
		u.Scheme = "sips"
	default:
		u.UriParams.Add("transport", t)
	}
	return u
}

// hostPort returns the address a request to u is sent to.
func hostPort(u sip.Uri, transport string) string {
	port := u.Port
	if port == 0 {
		port = 5060
		if strings.EqualFold(transport, "tls") || u.Scheme == "sips" {
			port = 5061
		}
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}
