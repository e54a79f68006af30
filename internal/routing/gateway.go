package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

// gatewayTransport maps a gateway protocol (udp, tcp, tls, tls/srtp, ...)
// to the SIP transport parameter. UDP is the default and is left implicit.
func gatewayTransport(protocol string) string {
	p := strings.ToLower(protocol)
	switch {
	case strings.HasPrefix(p, "tls"):
		return "tls"
	case strings.HasPrefix(p, "tcp"):
		return "tcp"
	default:
		return "udp"
	}
}

func gatewayHostPort(gw models.SipGateway) string {
	if gw.Port == 0 || gw.Port == 5060 {
		return gw.Host
	}
	return gw.Host + ":" + strconv.Itoa(gw.Port)
}

// dialedNumber applies the carrier's tech prefix and E.164 plus policy.
func dialedNumber(carrier *models.Carrier, number string) string {
	plus := ""
	if carrier.E164LeadingPlus && !strings.HasPrefix(number, "+") {
		plus = "+"
	}
	return carrier.TechPrefix + plus + number
}

// diversionHeader renders the Diversion header for carriers that require one.
func diversionHeader(carrier *models.Carrier, host string) string {
	if carrier.Diversion == "" {
		return ""
	}
	div := carrier.Diversion
	if !strings.HasPrefix(div, "+") && carrier.E164LeadingPlus {
		div = "+" + div
	}
	return fmt.Sprintf("<sip:%s@%s>;reason=unknown;counter=1;privacy=off", div, host)
}

// buildGatewayCandidate computes the destination for one carrier gateway.
// When the carrier registers with us, the request URI targets the
// registration realm and the gateway itself becomes the outbound proxy.
func buildGatewayCandidate(carrier *models.Carrier, gw models.SipGateway, number string, bestEffortTLS bool) Candidate {
	transport := gatewayTransport(gw.Protocol)
	hostport := gatewayHostPort(gw)

	scheme := "sip"
	if transport == "tls" && carrier.UseSipsScheme && !bestEffortTLS {
		scheme = "sips"
	}
	params := ""
	if transport != "udp" {
		params = ";transport=" + transport
	}
	user := dialedNumber(carrier, number)

	cand := Candidate{
		Gateway: &Gateway{
			Sid:         gw.SipGatewaySid,
			CarrierSid:  carrier.VoipCarrierSid,
			CarrierName: carrier.Name,
			HostPort:    hostport,
			Transport:   transport,
			Scheme:      scheme,
			Diversion:   diversionHeader(carrier, gw.Host),
			SRTP:        strings.Contains(strings.ToLower(gw.Protocol), "srtp"),
		},
	}
	if carrier.RegisterUsername != "" || carrier.RegisterPassword != "" {
		cand.Gateway.Auth = &Auth{Username: carrier.RegisterUsername, Password: carrier.RegisterPassword}
	}

	if carrier.RequiresRegister && carrier.RegisterSipRealm != "" {
		cand.URI = fmt.Sprintf("%s:%s@%s", scheme, user, carrier.RegisterSipRealm)
		cand.Proxy = fmt.Sprintf("%s:%s%s", scheme, hostport, params)
		return cand
	}
	cand.URI = fmt.Sprintf("%s:%s@%s%s", scheme, user, hostport, params)
	return cand
}
