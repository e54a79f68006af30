package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type headers map[string]string

func (h headers) Header(name string) string { return h[name] }

type fakeCarriers struct {
	defaultCarrier string
	lcr            map[string]string // number -> carrier sid
	carriers       map[string]*models.Carrier
	gateways       map[string][]models.SipGateway
}

func (f *fakeCarriers) LookupOutboundCarrierForAccount(ctx context.Context, accountSid string) (string, error) {
	return f.defaultCarrier, nil
}

func (f *fakeCarriers) LookupCarrierByAccountLcr(ctx context.Context, accountSid, number string) (string, error) {
	return f.lcr[number], nil
}

func (f *fakeCarriers) LookupCarrierBySid(ctx context.Context, sid string) (*models.Carrier, error) {
	return f.carriers[sid], nil
}

func (f *fakeCarriers) LookupSipGatewaysByCarrier(ctx context.Context, sid string) ([]models.SipGateway, error) {
	return f.gateways[sid], nil
}

type fakeRegistrar map[string]*cache.Registration

func (f fakeRegistrar) LookupRegistration(ctx context.Context, aor string) (*cache.Registration, error) {
	return f[aor], nil
}

type fakeBlacklist map[string]bool

func (f fakeBlacklist) IsBlacklisted(ctx context.Context, sid string) (bool, error) {
	return f[sid], nil
}

type fakeRealms map[string]*models.Account

func (f fakeRealms) LookupAccountBySipRealm(ctx context.Context, realm string) (*models.Account, error) {
	return f[realm], nil
}

type fixture struct {
	carriers  *fakeCarriers
	registrar fakeRegistrar
	blacklist fakeBlacklist
	realms    fakeRealms
}

func newFixture() *fixture {
	return &fixture{
		carriers: &fakeCarriers{
			lcr: map[string]string{"15083084809": "c1"},
			carriers: map[string]*models.Carrier{
				"c1": {VoipCarrierSid: "c1", Name: "carrier one", IsActive: true},
				"c2": {VoipCarrierSid: "c2", Name: "carrier two", IsActive: true},
				"c3": {VoipCarrierSid: "c3", Name: "inbound carrier", IsActive: true},
			},
			gateways: map[string][]models.SipGateway{
				"c1": {
					{SipGatewaySid: "g1", Host: "10.0.0.1", Port: 5060, Protocol: "udp", Outbound: true, IsActive: true},
					{SipGatewaySid: "g2", Host: "203.0.113.5", Port: 5060, Protocol: "udp", Outbound: true, IsActive: true},
					{SipGatewaySid: "g3", Host: "198.51.100.7", Port: 5060, Protocol: "udp", Outbound: false, IsActive: true},
				},
				"c2": {
					{SipGatewaySid: "g4", Host: "198.51.100.20", Port: 5060, Protocol: "udp", Outbound: true, IsActive: true},
				},
				"c3": {
					{SipGatewaySid: "g5", Host: "198.51.100.30", Port: 5060, Protocol: "udp", Outbound: true, IsActive: true},
				},
			},
		},
		registrar: fakeRegistrar{},
		blacklist: fakeBlacklist{},
		realms: fakeRealms{
			"acme.example.com": {AccountSid: "acct1", SipRealm: "acme.example.com"},
		},
	}
}

func (f *fixture) resolver() *Resolver {
	cl := NewClassifier([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}, testLogger)
	cl.lookup = func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}
	opts := Options{LocalAddresses: []string{"udp/10.0.0.5:5060", "tcp/10.0.0.5:5060"}}
	return NewResolver(f.carriers, f.realms, f.registrar, f.blacklist, cl, opts, testLogger)
}

func phoneRequest(number string) Request {
	return Request{
		URI:        "sip:" + number + "@10.0.0.5",
		AccountSid: "acct1",
		Headers:    headers{HeaderRouting: RoutingPhone},
	}
}

func TestResolveLCROrdersPublicFirst(t *testing.T) {
	f := newFixture()
	d, err := f.resolver().Resolve(context.Background(), phoneRequest("15083084809"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if d.Target != TargetLCR {
		t.Errorf("Target = %q, want %q", d.Target, TargetLCR)
	}
	want := []struct {
		uri     string
		private bool
	}{
		{"sip:15083084809@203.0.113.5", false},
		{"sip:15083084809@10.0.0.1", true},
	}
	if len(d.Candidates) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(d.Candidates), len(want), d.Candidates)
	}
	for i, w := range want {
		c := d.Candidates[i]
		if c.URI != w.uri || c.Private != w.private {
			t.Errorf("candidate[%d] = %q private=%v, want %q private=%v", i, c.URI, c.Private, w.uri, w.private)
		}
		if c.Gateway == nil || c.Gateway.CarrierName != "carrier one" {
			t.Errorf("candidate[%d] gateway = %+v", i, c.Gateway)
		}
	}
	if !d.AnyPublic() {
		t.Error("AnyPublic() = false, want true")
	}
}

func TestResolveLCRCarrierPreference(t *testing.T) {
	tests := []struct {
		name        string
		number      string
		hdrs        headers
		defaultSid  string
		wantCarrier string
		wantErr     error
	}{
		{
			name:        "requested carrier wins",
			number:      "15083084809",
			hdrs:        headers{HeaderRouting: RoutingPhone, HeaderRequestedCarrier: "c2"},
			wantCarrier: "carrier two",
		},
		{
			name:        "lcr match",
			number:      "15083084809",
			hdrs:        headers{HeaderRouting: RoutingPhone, HeaderInboundCarrier: "c3"},
			defaultSid:  "c2",
			wantCarrier: "carrier one",
		},
		{
			name:        "inbound carrier before default",
			number:      "33123456789",
			hdrs:        headers{HeaderRouting: RoutingPhone, HeaderInboundCarrier: "c3"},
			defaultSid:  "c2",
			wantCarrier: "inbound carrier",
		},
		{
			name:        "default carrier",
			number:      "33123456789",
			hdrs:        headers{HeaderRouting: RoutingPhone},
			defaultSid:  "c2",
			wantCarrier: "carrier two",
		},
		{
			name:    "no carrier",
			number:  "33123456789",
			hdrs:    headers{HeaderRouting: RoutingPhone},
			wantErr: ErrNoRouteFound,
		},
		{
			name:    "requested carrier missing",
			number:  "15083084809",
			hdrs:    headers{HeaderRouting: RoutingPhone, HeaderRequestedCarrier: "nope"},
			wantErr: ErrNoRouteFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.carriers.defaultCarrier = tt.defaultSid
			req := Request{URI: "sip:" + tt.number + "@10.0.0.5", AccountSid: "acct1", Headers: tt.hdrs}
			d, err := f.resolver().Resolve(context.Background(), req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if got := d.Candidates[0].Gateway.CarrierName; got != tt.wantCarrier {
				t.Errorf("carrier = %q, want %q", got, tt.wantCarrier)
			}
		})
	}
}

func TestResolveLCRSkipsBlacklisted(t *testing.T) {
	f := newFixture()
	f.blacklist["g2"] = true
	d, err := f.resolver().Resolve(context.Background(), phoneRequest("15083084809"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(d.Candidates) != 1 || d.Candidates[0].Gateway.Sid != "g1" {
		t.Errorf("candidates = %+v, want only g1", d.Candidates)
	}

	f.blacklist["g1"] = true
	_, err = f.resolver().Resolve(context.Background(), phoneRequest("15083084809"))
	if !errors.Is(err, ErrNoGatewaysAvailable) {
		t.Errorf("Resolve() error = %v, want ErrNoGatewaysAvailable", err)
	}
}

func TestResolveUser(t *testing.T) {
	f := newFixture()
	f.registrar["alice@acme.example.com"] = &cache.Registration{
		Contact:    "sip:alice@192.168.1.20:5060",
		SBCAddress: "udp/10.0.0.5:5060",
		Protocol:   "udp",
	}
	f.registrar["bob@acme.example.com"] = &cache.Registration{
		Contact:    "sip:bob@192.168.1.21:5060;transport=ws",
		SBCAddress: "udp/10.0.0.5:5060",
		Protocol:   "wss",
	}
	f.registrar["carol@acme.example.com"] = &cache.Registration{
		Contact:    "sip:carol@192.168.1.22:5060",
		SBCAddress: "udp/127.0.0.1:5060,udp/10.0.1.9:5060,tcp/10.0.1.9:5060",
		Protocol:   "udp",
	}
	r := f.resolver()
	ctx := context.Background()

	t.Run("registered here", func(t *testing.T) {
		d, err := r.Resolve(ctx, Request{URI: "sip:alice@acme.example.com", AccountSid: "acct1"})
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if d.Target != TargetUser || len(d.Candidates) != 1 {
			t.Fatalf("decision = %+v", d)
		}
		c := d.Candidates[0]
		if c.URI != "sip:alice@192.168.1.20:5060" || !c.Private {
			t.Errorf("candidate = %+v, want private contact", c)
		}
	})

	t.Run("override destination", func(t *testing.T) {
		req := Request{
			URI:     "sip:alice@acme.example.com",
			Headers: headers{HeaderRouting: RoutingUser, HeaderOverrideTo: "sip:alice@203.0.113.50"},
		}
		d, err := r.Resolve(ctx, req)
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if c := d.Candidates[0]; c.URI != "sip:alice@203.0.113.50" || c.Private {
			t.Errorf("candidate = %+v", c)
		}
	})

	t.Run("websocket never private", func(t *testing.T) {
		d, err := r.Resolve(ctx, Request{URI: "sip:bob@acme.example.com"})
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if !d.UsesWebSocket() || d.Candidates[0].Private {
			t.Errorf("decision = %+v, want websocket public candidate", d)
		}
	})

	t.Run("registered elsewhere", func(t *testing.T) {
		_, err := r.Resolve(ctx, Request{URI: "sip:carol@acme.example.com"})
		var redirect *RedirectError
		if !errors.As(err, &redirect) {
			t.Fatalf("Resolve() error = %v, want *RedirectError", err)
		}
		if redirect.Contact != "<sip:10.0.1.9:5060>" {
			t.Errorf("Contact = %q, want <sip:10.0.1.9:5060>", redirect.Contact)
		}
		if code, _ := StatusCode(err); code != 302 {
			t.Errorf("StatusCode() = %d, want 302", code)
		}
	})

	t.Run("explicit user not registered", func(t *testing.T) {
		req := Request{URI: "sip:dave@acme.example.com", Headers: headers{HeaderRouting: RoutingUser}}
		if _, err := r.Resolve(ctx, req); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestResolveInference(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		hdrs       headers
		wantTarget Target
		wantStatus int
	}{
		{"unregistered user in our realm", "sip:dave@acme.example.com", nil, "", 404},
		{"foreign domain", "sip:dave@partner.example.net", nil, TargetForward, 0},
		{"foreign ip", "sip:1234@198.51.100.99", nil, TargetForward, 0},
		{"local ip with phone number", "sip:+15083084809@10.0.0.5", nil, TargetLCR, 0},
		{"local ip with short number", "sip:1234@10.0.0.5", nil, "", 404},
		{"local ip with non numeric user", "sip:bob1234567@10.0.0.5", nil, "", 404},
		{
			"teams headers",
			"sip:+15083084809@10.0.0.5",
			headers{HeaderTeamsFQDN: "sbc.contoso.com", HeaderTeamsTenantFQDN: "tenant.contoso.com"},
			TargetTeams, 0,
		},
		{"missing user", "sip:10.0.0.5", nil, "", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.carriers.lcr["+15083084809"] = "c1"
			req := Request{URI: tt.uri, AccountSid: "acct1", Headers: tt.hdrs}
			d, err := f.resolver().Resolve(context.Background(), req)
			if tt.wantStatus != 0 {
				if err == nil {
					t.Fatalf("Resolve() = %+v, want error", d)
				}
				if code, _ := StatusCode(err); code != tt.wantStatus {
					t.Errorf("StatusCode(%v) = %d, want %d", err, code, tt.wantStatus)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if d.Target != tt.wantTarget {
				t.Errorf("Target = %q, want %q", d.Target, tt.wantTarget)
			}
		})
	}
}

func TestResolveForward(t *testing.T) {
	f := newFixture()
	req := Request{
		URI:     "sip:bob@partner.example.net;transport=tcp",
		Headers: headers{HeaderRouting: RoutingSIP, HeaderSIPProxy: "sip:10.1.1.1:5080"},
	}
	d, err := f.resolver().Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(d.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(d.Candidates))
	}
	c := d.Candidates[0]
	if c.URI != req.URI {
		t.Errorf("URI = %q, want %q", c.URI, req.URI)
	}
	if c.Proxy != "sip:10.1.1.1:5080" || !c.Private {
		t.Errorf("candidate = %+v, want private proxy", c)
	}
}

func TestResolveTeams(t *testing.T) {
	f := newFixture()
	req := Request{
		URI: "sip:+15083084809@10.0.0.5;voicemail",
		Headers: headers{
			HeaderRouting:         RoutingTeams,
			HeaderTeamsTenantFQDN: "tenant.contoso.com",
		},
	}
	d, err := f.resolver().Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if d.FromHost != "tenant.contoso.com" {
		t.Errorf("FromHost = %q", d.FromHost)
	}
	want := []string{
		"sip:+15083084809@sip.pstnhub.microsoft.com;transport=tls;opaque=app:voicemail",
		"sip:+15083084809@sip2.pstnhub.microsoft.com;transport=tls;opaque=app:voicemail",
		"sip:+15083084809@sip3.pstnhub.microsoft.com;transport=tls;opaque=app:voicemail",
	}
	if len(d.Candidates) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(d.Candidates), len(want))
	}
	for i, w := range want {
		if d.Candidates[i].URI != w {
			t.Errorf("candidate[%d] = %q, want %q", i, d.Candidates[i].URI, w)
		}
		if d.Candidates[i].Transport() != "tls" {
			t.Errorf("candidate[%d] transport = %q, want tls", i, d.Candidates[i].Transport())
		}
	}
}

func TestBuildGatewayCandidate(t *testing.T) {
	tests := []struct {
		name       string
		carrier    models.Carrier
		gw         models.SipGateway
		bestEffort bool
		wantURI    string
		wantProxy  string
		wantSRTP   bool
	}{
		{
			name:    "udp with tech prefix",
			carrier: models.Carrier{Name: "c", TechPrefix: "99"},
			gw:      models.SipGateway{Host: "1.2.3.4", Port: 5060, Protocol: "udp"},
			wantURI: "sip:991508@1.2.3.4",
		},
		{
			name:    "tls with sips and plus",
			carrier: models.Carrier{Name: "c", UseSipsScheme: true, E164LeadingPlus: true},
			gw:      models.SipGateway{Host: "1.2.3.4", Port: 5061, Protocol: "tls"},
			wantURI: "sips:+1508@1.2.3.4:5061;transport=tls",
		},
		{
			name:       "best effort tls keeps sip scheme",
			carrier:    models.Carrier{Name: "c", UseSipsScheme: true},
			gw:         models.SipGateway{Host: "1.2.3.4", Port: 5061, Protocol: "tls"},
			bestEffort: true,
			wantURI:    "sip:1508@1.2.3.4:5061;transport=tls",
		},
		{
			name:      "registering carrier uses realm and proxy",
			carrier:   models.Carrier{Name: "c", RequiresRegister: true, RegisterSipRealm: "realm.example.com"},
			gw:        models.SipGateway{Host: "1.2.3.4", Port: 5080, Protocol: "tcp"},
			wantURI:   "sip:1508@realm.example.com",
			wantProxy: "sip:1.2.3.4:5080;transport=tcp",
		},
		{
			name:     "srtp gateway",
			carrier:  models.Carrier{Name: "c"},
			gw:       models.SipGateway{Host: "1.2.3.4", Protocol: "tls/srtp"},
			wantURI:  "sip:1508@1.2.3.4;transport=tls",
			wantSRTP: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := buildGatewayCandidate(&tt.carrier, tt.gw, "1508", tt.bestEffort)
			if c.URI != tt.wantURI {
				t.Errorf("URI = %q, want %q", c.URI, tt.wantURI)
			}
			if c.Proxy != tt.wantProxy {
				t.Errorf("Proxy = %q, want %q", c.Proxy, tt.wantProxy)
			}
			if c.Gateway.SRTP != tt.wantSRTP {
				t.Errorf("SRTP = %v, want %v", c.Gateway.SRTP, tt.wantSRTP)
			}
		})
	}
}

func TestDiversionHeader(t *testing.T) {
	carrier := &models.Carrier{Diversion: "15551112222", E164LeadingPlus: true}
	c := buildGatewayCandidate(carrier, models.SipGateway{Host: "1.2.3.4", Protocol: "udp"}, "1508", false)
	want := "<sip:+15551112222@1.2.3.4>;reason=unknown;counter=1;privacy=off"
	if c.Gateway.Diversion != want {
		t.Errorf("Diversion = %q, want %q", c.Gateway.Diversion, want)
	}
	if c.Gateway.Auth != nil {
		t.Errorf("Auth = %+v, want nil without credentials", c.Gateway.Auth)
	}
}

func TestSelectHostPort(t *testing.T) {
	tests := []struct {
		list     string
		protocol string
		want     string
		wantOK   bool
	}{
		{"udp/10.0.0.1:5060,tcp/10.0.0.1:5060", "tcp", "10.0.0.1:5060", true},
		{"tcp/127.0.0.1:5060,tcp/10.0.0.2:5060", "tcp", "10.0.0.2:5060", true},
		{"udp/10.0.0.1:5060", "tcp", "", false},
		{"garbage", "udp", "", false},
		{"", "udp", "", false},
	}
	for _, tt := range tests {
		got, ok := selectHostPort(tt.list, tt.protocol)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("selectHostPort(%q, %q) = %q, %v, want %q, %v", tt.list, tt.protocol, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&RedirectError{Contact: "<sip:10.0.0.1:5060>"}, 302},
		{ErrInvalidDestination, 400},
		{ErrNotFound, 404},
		{ErrNoRouteFound, 603},
		{ErrNoGatewaysAvailable, 603},
		{errors.New("database down"), 500},
	}
	for _, tt := range tests {
		if got, _ := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestClassifierOrderStable(t *testing.T) {
	cl := NewClassifier([]netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}, testLogger)
	cl.lookup = func(ctx context.Context, host string) ([]string, error) {
		if host == "pbx.internal" {
			return []string{"172.16.5.5"}, nil
		}
		return []string{"198.51.100.1"}, nil
	}
	in := []Candidate{
		{URI: "sip:a@172.16.0.1"},
		{URI: "sip:b@carrier.example.com"},
		{URI: "sip:c@pbx.internal"},
		{URI: "sip:d@203.0.113.9", Proxy: "sip:172.20.0.1:5060"},
		{URI: "sip:e@198.51.100.2"},
	}
	got := cl.Order(context.Background(), in)
	want := []string{"sip:b@carrier.example.com", "sip:e@198.51.100.2", "sip:a@172.16.0.1", "sip:c@pbx.internal", "sip:d@203.0.113.9"}
	for i, w := range want {
		if got[i].URI != w {
			t.Errorf("Order()[%d] = %q, want %q", i, got[i].URI, w)
		}
	}
	if got[0].Private || !got[4].Private {
		t.Errorf("private flags wrong: %+v", got)
	}
}
