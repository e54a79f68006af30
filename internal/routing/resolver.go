// Package routing decides where an outbound call goes: a registered device,
// a SIP URI passed through as-is, Microsoft Teams, or a carrier chosen by
// least-cost routing. The result is an ordered list of candidates to dial.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/database"
	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

var teamsGateways = []string{
	"sip.pstnhub.microsoft.com",
	"sip2.pstnhub.microsoft.com",
	"sip3.pstnhub.microsoft.com",
}

var phoneNumber = regexp.MustCompile(`^\+?[0-9]+$`)

const minPhoneNumberLength = 8

// HeaderSource exposes the headers of the inbound request.
type HeaderSource interface {
	Header(name string) string
}

// Registrar finds live device registrations.
type Registrar interface {
	LookupRegistration(ctx context.Context, aor string) (*cache.Registration, error)
}

// Blacklist reports gateways that must be skipped.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, gatewaySid string) (bool, error)
}

// RealmLookup finds the account owning a SIP domain.
type RealmLookup interface {
	LookupAccountBySipRealm(ctx context.Context, realm string) (*models.Account, error)
}

// Options configures a Resolver.
type Options struct {
	// LocalAddresses are this SBC's signaling addresses as proto/ip:port.
	LocalAddresses []string
	// BestEffortTLS disables the sips scheme even when a carrier asks for it.
	BestEffortTLS bool
}

// Request is the part of an inbound INVITE that routing looks at.
type Request struct {
	URI        string
	AccountSid string
	Headers    HeaderSource
}

func (r Request) header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return strings.TrimSpace(r.Headers.Header(name))
}

// Resolver produces routing decisions.
type Resolver struct {
	carriers   database.CarrierRepository
	realms     RealmLookup
	registrar  Registrar
	blacklist  Blacklist
	classifier *Classifier
	opts       Options
	logger     *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(carriers database.CarrierRepository, realms RealmLookup, registrar Registrar,
	blacklist Blacklist, classifier *Classifier, opts Options, logger *slog.Logger) *Resolver {
	return &Resolver{
		carriers:   carriers,
		realms:     realms,
		registrar:  registrar,
		blacklist:  blacklist,
		classifier: classifier,
		opts:       opts,
		logger:     logger.With("subsystem", "routing"),
	}
}

// Resolve classifies the call and returns its ordered candidates. Failures
// are one of the package's sentinel errors or a *RedirectError.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Decision, error) {
	var uri sip.Uri
	if err := sip.ParseUri(req.URI, &uri); err != nil {
		return nil, fmt.Errorf("parsing request uri %q: %w", req.URI, ErrInvalidDestination)
	}

	desired := strings.ToLower(req.header(HeaderRouting))
	var reg *cache.Registration
	if desired == "" {
		var err error
		desired, reg, err = r.infer(ctx, req, uri)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("inferred routing", "routing", desired, "uri", req.URI)
	}

	switch desired {
	case RoutingUser:
		return r.resolveUser(ctx, req, uri, reg)
	case RoutingSIP:
		return r.resolveForward(ctx, req), nil
	case RoutingTeams:
		return r.resolveTeams(ctx, req, uri), nil
	case RoutingPhone:
		return r.resolveLCR(ctx, req, uri)
	default:
		return nil, fmt.Errorf("unknown routing %q: %w", desired, ErrInvalidDestination)
	}
}

// infer picks a routing mode for requests that do not name one.
func (r *Resolver) infer(ctx context.Context, req Request, uri sip.Uri) (string, *cache.Registration, error) {
	if req.header(HeaderTeamsFQDN) != "" && req.header(HeaderTeamsTenantFQDN) != "" {
		return RoutingTeams, nil, nil
	}
	if uri.User == "" || uri.Host == "" {
		return "", nil, ErrInvalidDestination
	}

	_, ipErr := netip.ParseAddr(uri.Host)
	isDomain := ipErr != nil
	if isDomain {
		reg, err := r.registrar.LookupRegistration(ctx, uri.User+"@"+uri.Host)
		if err != nil {
			return "", nil, fmt.Errorf("querying registration: %w", err)
		}
		if reg != nil {
			return RoutingUser, reg, nil
		}
		account, err := r.realms.LookupAccountBySipRealm(ctx, uri.Host)
		if err != nil {
			return "", nil, fmt.Errorf("looking up sip realm: %w", err)
		}
		if account != nil {
			return "", nil, fmt.Errorf("unregistered user in realm %s: %w", uri.Host, ErrNotFound)
		}
	}
	if isDomain || !r.isLocalHost(uri.Host) {
		return RoutingSIP, nil, nil
	}
	if phoneNumber.MatchString(uri.User) && len(uri.User) >= minPhoneNumberLength {
		return RoutingPhone, nil, nil
	}
	return "", nil, fmt.Errorf("cannot route %s: %w", uri.User, ErrNotFound)
}

func (r *Resolver) resolveUser(ctx context.Context, req Request, uri sip.Uri, reg *cache.Registration) (*Decision, error) {
	if uri.User == "" || uri.Host == "" {
		return nil, ErrInvalidDestination
	}
	if reg == nil {
		var err error
		reg, err = r.registrar.LookupRegistration(ctx, uri.User+"@"+uri.Host)
		if err != nil {
			return nil, fmt.Errorf("querying registration: %w", err)
		}
		if reg == nil {
			return nil, fmt.Errorf("%s@%s is not registered: %w", uri.User, uri.Host, ErrNotFound)
		}
	}

	if !r.isLocalSBC(reg.SBCAddress) {
		hostport, ok := selectHostPort(reg.SBCAddress, "tcp")
		if !ok {
			hostport, ok = selectHostPort(reg.SBCAddress, "udp")
		}
		if !ok {
			return nil, fmt.Errorf("no usable address for sbc %q: %w", reg.SBCAddress, ErrNotFound)
		}
		return nil, &RedirectError{Contact: "<sip:" + hostport + ">"}
	}

	cand := Candidate{URI: reg.Contact, Proxy: reg.Proxy}
	if override := req.header(HeaderOverrideTo); override != "" {
		cand.URI = override
	}
	d := &Decision{Target: TargetUser, Protocol: reg.Protocol}
	if !d.UsesWebSocket() {
		cand.Private = r.classifier.IsPrivate(ctx, candidateHost(cand))
	}
	d.Candidates = []Candidate{cand}
	return d, nil
}

func (r *Resolver) resolveForward(ctx context.Context, req Request) *Decision {
	cand := Candidate{URI: req.URI, Proxy: req.header(HeaderSIPProxy)}
	return &Decision{
		Target:     TargetForward,
		Candidates: r.classifier.Order(ctx, []Candidate{cand}),
	}
}

func (r *Resolver) resolveTeams(ctx context.Context, req Request, uri sip.Uri) *Decision {
	suffix := ";transport=tls"
	if strings.Contains(req.URI, "voicemail") {
		suffix += ";opaque=app:voicemail"
	}
	cands := make([]Candidate, 0, len(teamsGateways))
	for _, host := range teamsGateways {
		cands = append(cands, Candidate{
			URI:     fmt.Sprintf("sip:%s@%s%s", uri.User, host, suffix),
			Gateway: &Gateway{HostPort: host, Transport: "tls", Scheme: "sip", CarrierName: "Microsoft Teams"},
		})
	}
	return &Decision{
		Target:     TargetTeams,
		Candidates: r.classifier.Order(ctx, cands),
		FromHost:   req.header(HeaderTeamsTenantFQDN),
	}
}

func (r *Resolver) resolveLCR(ctx context.Context, req Request, uri sip.Uri) (*Decision, error) {
	number := uri.User
	if number == "" {
		return nil, ErrInvalidDestination
	}
	logger := r.logger.With("account_sid", req.AccountSid, "number", number)

	carrierSid, err := r.selectCarrier(ctx, req, number)
	if err != nil {
		return nil, err
	}
	if carrierSid == "" {
		return nil, ErrNoRouteFound
	}
	carrier, err := r.carriers.LookupCarrierBySid(ctx, carrierSid)
	if err != nil {
		return nil, fmt.Errorf("looking up carrier %s: %w", carrierSid, err)
	}
	if carrier == nil {
		logger.Warn("selected carrier does not exist", "carrier", carrierSid)
		return nil, ErrNoRouteFound
	}

	gateways, err := r.outboundGateways(ctx, carrierSid)
	if err != nil {
		return nil, err
	}
	if len(gateways) == 0 {
		logger.Info("carrier has no usable outbound gateways", "carrier", carrier.Name)
		return nil, ErrNoGatewaysAvailable
	}

	cands := make([]Candidate, 0, len(gateways))
	for _, gw := range gateways {
		cands = append(cands, buildGatewayCandidate(carrier, gw, number, r.opts.BestEffortTLS))
	}
	logger.Info("lcr selected carrier", "carrier", carrier.Name, "gateways", len(cands))
	return &Decision{Target: TargetLCR, Candidates: r.classifier.Order(ctx, cands)}, nil
}

// selectCarrier walks the carrier preference chain. It returns "" when no
// carrier applies.
func (r *Resolver) selectCarrier(ctx context.Context, req Request, number string) (string, error) {
	if sid := req.header(HeaderRequestedCarrier); sid != "" {
		return sid, nil
	}

	sid, err := r.carriers.LookupCarrierByAccountLcr(ctx, req.AccountSid, number)
	if err != nil {
		return "", fmt.Errorf("performing lcr: %w", err)
	}
	if sid != "" {
		return sid, nil
	}

	if inbound := req.header(HeaderInboundCarrier); inbound != "" {
		gws, err := r.outboundGateways(ctx, inbound)
		if err != nil {
			return "", err
		}
		if len(gws) > 0 {
			return inbound, nil
		}
	}

	sid, err = r.carriers.LookupOutboundCarrierForAccount(ctx, req.AccountSid)
	if err != nil {
		return "", fmt.Errorf("looking up default carrier: %w", err)
	}
	return sid, nil
}

// outboundGateways returns a carrier's outbound gateways minus blacklisted ones.
func (r *Resolver) outboundGateways(ctx context.Context, carrierSid string) ([]models.SipGateway, error) {
	all, err := r.carriers.LookupSipGatewaysByCarrier(ctx, carrierSid)
	if err != nil {
		return nil, fmt.Errorf("looking up gateways for %s: %w", carrierSid, err)
	}
	out := make([]models.SipGateway, 0, len(all))
	for _, gw := range all {
		if !gw.Outbound {
			continue
		}
		blocked, err := r.blacklist.IsBlacklisted(ctx, gw.SipGatewaySid)
		if err != nil {
			r.logger.Warn("blacklist check failed", "gateway_sid", gw.SipGatewaySid, "error", err)
		}
		if blocked {
			r.logger.Info("skipping blacklisted gateway", "gateway_sid", gw.SipGatewaySid, "host", gw.Host)
			continue
		}
		out = append(out, gw)
	}
	return out, nil
}

// isLocalSBC reports whether an SBC address list (proto/ip:port entries)
// belongs to this node.
func (r *Resolver) isLocalSBC(addresses string) bool {
	if len(r.opts.LocalAddresses) == 0 {
		return true
	}
	for _, entry := range strings.Split(addresses, ",") {
		entry = strings.TrimSpace(entry)
		for _, local := range r.opts.LocalAddresses {
			if strings.EqualFold(entry, local) {
				return true
			}
		}
	}
	return false
}

// isLocalHost reports whether host is one of this node's signaling addresses.
func (r *Resolver) isLocalHost(host string) bool {
	for _, local := range r.opts.LocalAddresses {
		_, hostport, ok := strings.Cut(local, "/")
		if !ok {
			hostport = local
		}
		if hostport == host || strings.HasPrefix(hostport, host+":") {
			return true
		}
	}
	return false
}
