package routing

import (
	"net"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// selectHostPort picks the first non-loopback host:port for protocol from a
// comma separated list of proto/ip:port entries, as advertised by an SBC.
func selectHostPort(list, protocol string) (string, bool) {
	for _, entry := range strings.Split(list, ",") {
		proto, hostport, ok := strings.Cut(strings.TrimSpace(entry), "/")
		if !ok || !strings.EqualFold(proto, protocol) {
			continue
		}
		host, _, err := net.SplitHostPort(hostport)
		if err != nil || host == "127.0.0.1" {
			continue
		}
		return hostport, true
	}
	return "", false
}

// candidateHost returns the host that signaling will actually be sent to:
// the outbound proxy if there is one, else the request URI host.
func candidateHost(c Candidate) string {
	target := c.URI
	if c.Proxy != "" {
		target = c.Proxy
	}
	return uriHost(target)
}

// Host returns the host signaling for c is sent to.
func (c Candidate) Host() string {
	return candidateHost(c)
}

func uriHost(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "<>")
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		raw = "sip:" + raw
	}
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return ""
	}
	return u.Host
}
