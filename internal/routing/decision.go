package routing

// Target classifies where an outbound call is headed.
type Target string

const (
	TargetUser    Target = "user"
	TargetForward Target = "forward"
	TargetTeams   Target = "teams"
	TargetLCR     Target = "lcr"
)

// Values of the X-Jambonz-Routing header.
const (
	RoutingUser  = "user"
	RoutingSIP   = "sip"
	RoutingTeams = "teams"
	RoutingPhone = "phone"
)

// Request headers consulted while routing.
const (
	HeaderRouting          = "X-Jambonz-Routing"
	HeaderRequestedCarrier = "X-Requested-Carrier-Sid"
	HeaderInboundCarrier   = "X-Voip-Carrier-Sid"
	HeaderOverrideTo       = "X-Override-To"
	HeaderSIPProxy         = "X-SIP-Proxy"
	HeaderTeamsFQDN        = "X-MS-Teams-FQDN"
	HeaderTeamsTenantFQDN  = "X-MS-Teams-Tenant-FQDN"
)

// Auth holds digest credentials for a carrier.
type Auth struct {
	Username string
	Password string
}

// Gateway is the carrier metadata attached to an LCR candidate.
type Gateway struct {
	Sid         string
	CarrierSid  string
	CarrierName string
	HostPort    string
	Transport   string // udp, tcp or tls
	Scheme      string // sip or sips
	Diversion   string // rendered Diversion header value, if any
	Auth        *Auth
	SRTP        bool
}

// Candidate is one destination to try, in order.
type Candidate struct {
	URI     string
	Proxy   string
	Private bool
	Gateway *Gateway
}

// Transport returns the signaling transport for the candidate.
func (c Candidate) Transport() string {
	if c.Gateway != nil {
		return c.Gateway.Transport
	}
	return ""
}

// Decision is the immutable result of routing one call.
type Decision struct {
	Target     Target
	Candidates []Candidate
	// FromHost overrides the host of the outbound From and Contact headers.
	FromHost string
	// Protocol is the transport a registered user connected with.
	Protocol string
}

// AnyPublic reports whether at least one candidate is on a public network.
func (d *Decision) AnyPublic() bool {
	for _, c := range d.Candidates {
		if !c.Private {
			return true
		}
	}
	return false
}

// RequiresSRTP reports whether the candidate set needs encrypted media.
// Mixed sets are not supported, so any SRTP gateway upgrades the whole call.
func (d *Decision) RequiresSRTP() bool {
	for _, c := range d.Candidates {
		if c.Gateway != nil && c.Gateway.SRTP {
			return true
		}
	}
	return false
}

// UsesWebSocket reports whether a registered user is reached over ws or wss.
func (d *Decision) UsesWebSocket() bool {
	return d.Protocol == "ws" || d.Protocol == "wss"
}
