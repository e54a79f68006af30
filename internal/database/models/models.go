package models

import "time"

// Account is a tenant placing outbound calls through the SBC.
type Account struct {
	AccountSid         string
	Name               string
	ServiceProviderSid string
	SipRealm           string
	VoipCarrierSid     string // default outbound carrier, may be empty
	RecordAllCalls     bool
	IsActive           bool
	CreatedAt          time.Time
}

// AccountCapacity is a purchased quantity for a capacity category
// (e.g. "voice_call_session") that overrides the configured call limit.
type AccountCapacity struct {
	AccountSid string
	Category   string
	Quantity   int
}

// CallLimits are the configured concurrent call limits. Zero means unlimited.
type CallLimits struct {
	AccountLimit         int
	ServiceProviderLimit int
}

// Carrier represents a VoIP carrier with its outbound dialing policy.
type Carrier struct {
	VoipCarrierSid     string
	Name               string
	AccountSid         string // empty for service-provider wide carriers
	ServiceProviderSid string
	IsActive           bool
	E164LeadingPlus    bool
	TechPrefix         string
	Diversion          string
	UseSipsScheme      bool
	RequiresRegister   bool
	RegisterUsername   string
	RegisterPassword   string
	RegisterSipRealm   string
}

// SipGateway is a single signaling endpoint belonging to a carrier.
type SipGateway struct {
	SipGatewaySid  string
	VoipCarrierSid string
	Host           string
	Port           int
	Protocol       string // udp, tcp, tls, tls/srtp, udp/srtp, ...
	Inbound        bool
	Outbound       bool
	IsActive       bool
}

// LcrRoute maps a dialed-number pattern to a carrier for an account or
// service provider.
type LcrRoute struct {
	LcrRouteSid        string
	AccountSid         string
	ServiceProviderSid string
	Regex              string
	Priority           int
	VoipCarrierSid     string
}

// TeamsFQDN is a Microsoft Teams tenant domain provisioned for an account.
type TeamsFQDN struct {
	FQDN       string
	AccountSid string
}

// SystemInformation holds the globally managed settings that are reloaded
// periodically.
type SystemInformation struct {
	PrivateNetworkCIDR string
	LogLevel           string
}

// CDR represents a call detail record for an outbound call attempt.
type CDR struct {
	ID                 int64
	CallSid            string
	SipCallID          string
	AccountSid         string
	ServiceProviderSid string
	ApplicationSid     string
	From               string
	To                 string
	Direction          string
	Host               string
	RemoteHost         string
	Trunk              string
	SipStatus          int
	Answered           bool
	AttemptedAt        time.Time
	AnsweredAt         *time.Time
	TerminatedAt       time.Time
	Duration           int // seconds
	TerminationReason  string
	Target             string
}

// Alert is an operator-facing notification such as a call limit breach.
type Alert struct {
	ID                 int64
	AccountSid         string
	ServiceProviderSid string
	Type               string
	Detail             string
	Count              int
	CreatedAt          time.Time
}
