package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the outbound SBC.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	SIPPort    int
	SIPTLSPort int
	TLSCert    string
	TLSKey     string
	LogLevel   string
	LogFormat  string // log output format: "text" or "json"

	// Public addresses advertised in From/Contact, per transport (host or host:port).
	PublicUDP string
	PublicTCP string
	PublicTLS string
	PublicWSS string

	// SBCAddresses is the comma-separated "proto/ip:port" list identifying this node.
	// Registrations owned by any other address are redirected.
	SBCAddresses string

	PrivateNetworkCIDR string // comma-separated CIDRs treated as private network
	CodecOrder         string // comma-separated codec preference, e.g. "PCMU,PCMA,opus"
	MediaSecurity      string // "strict-source" or "handover"
	BestEffortTLS      bool   // never use the sips scheme even if the carrier asks for it

	TrackAccountCalls bool
	TrackSPCalls      bool
	TrackAppCalls     bool
	MinCallLimit      int

	RecordingTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RelayHosts        string // comma-separated host:port list of media relays
	RelayDNSName      string // optional DNS name polled for relay members
	RelayPort         int    // NG port used for members discovered via DNS
	RelayRefresh      time.Duration
	RelayTimeout      time.Duration
	DTMFListenAddr    string // UDP address receiving relay DTMF event datagrams
	CDRPostgresDSN    string // optional; CDRs go to sqlite when empty
	SystemInfoRefresh time.Duration
	InviteRatePerSec  float64
	InviteBurst       int
	DrainTimeout      time.Duration
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 3000
	defaultSIPPort          = 5060
	defaultSIPTLSPort       = 5061
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultMediaSecurity    = "handover"
	defaultRecordingTimeout = 3 * time.Second
	defaultRedisAddr        = "127.0.0.1:6379"
	defaultRelayHosts       = "127.0.0.1:22222"
	defaultRelayPort        = 22222
	defaultRelayRefresh     = 30 * time.Second
	defaultRelayTimeout     = 5 * time.Second
	defaultDTMFListenAddr   = "0.0.0.0:22224"
	defaultSystemRefresh    = 5 * time.Minute
	defaultInviteRate       = 50
	defaultInviteBurst      = 100
	defaultDrainTimeout     = 0
)

// envPrefix is the prefix for all SBC environment variables.
const envPrefix = "SBC_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sbc-outbound", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the lookup database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP health/metrics listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PublicUDP, "sip-public-udp", "", "public address advertised for udp")
	fs.StringVar(&cfg.PublicTCP, "sip-public-tcp", "", "public address advertised for tcp")
	fs.StringVar(&cfg.PublicTLS, "sip-public-tls", "", "public address advertised for tls")
	fs.StringVar(&cfg.PublicWSS, "sip-public-wss", "", "public address advertised for wss")
	fs.StringVar(&cfg.SBCAddresses, "sbc-addresses", "", "comma-separated proto/ip:port addresses owned by this node")
	fs.StringVar(&cfg.PrivateNetworkCIDR, "private-network-cidr", "", "comma-separated private network CIDRs")
	fs.StringVar(&cfg.CodecOrder, "codec-order", "", "comma-separated codec preference order for outbound offers")
	fs.StringVar(&cfg.MediaSecurity, "media-security", defaultMediaSecurity, "media latching mode (strict-source, handover)")
	fs.BoolVar(&cfg.BestEffortTLS, "best-effort-tls", false, "never use the sips scheme toward carriers")
	fs.BoolVar(&cfg.TrackAccountCalls, "track-account-calls", true, "count in-progress calls per account")
	fs.BoolVar(&cfg.TrackSPCalls, "track-sp-calls", false, "count in-progress calls per service provider")
	fs.BoolVar(&cfg.TrackAppCalls, "track-app-calls", false, "count in-progress calls per application")
	fs.IntVar(&cfg.MinCallLimit, "min-call-limit", 0, "lowest effective call limit when a limit is configured")
	fs.DurationVar(&cfg.RecordingTimeout, "recording-timeout", defaultRecordingTimeout, "time to wait for the recording service")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis address for counters and caches")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.RelayHosts, "relay-hosts", defaultRelayHosts, "comma-separated media relay NG addresses")
	fs.StringVar(&cfg.RelayDNSName, "relay-dns-name", "", "DNS name resolving to media relay members")
	fs.IntVar(&cfg.RelayPort, "relay-port", defaultRelayPort, "NG port for relays discovered via DNS")
	fs.DurationVar(&cfg.RelayRefresh, "relay-refresh", defaultRelayRefresh, "interval between relay DNS lookups")
	fs.DurationVar(&cfg.RelayTimeout, "relay-timeout", defaultRelayTimeout, "timeout for a single relay command")
	fs.StringVar(&cfg.DTMFListenAddr, "dtmf-listen-addr", defaultDTMFListenAddr, "UDP address for relay DTMF events")
	fs.StringVar(&cfg.CDRPostgresDSN, "cdr-postgres-dsn", "", "postgres DSN for CDRs and alerts (sqlite when empty)")
	fs.DurationVar(&cfg.SystemInfoRefresh, "system-info-refresh", defaultSystemRefresh, "interval between system information reloads")
	fs.Float64Var(&cfg.InviteRatePerSec, "invite-rate", defaultInviteRate, "INVITEs per second allowed per source address")
	fs.IntVar(&cfg.InviteBurst, "invite-burst", defaultInviteBurst, "INVITE burst allowed per source address")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", defaultDrainTimeout, "maximum wait for active calls on shutdown (0 waits forever)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its SBC_ environment variable, e.g. relay-dns-name → SBC_RELAY_DNS_NAME.
// Values go through flag.Value.Set so they are parsed exactly like CLI input.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			firstErr = fmt.Errorf("parsing %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPTLSPort < 1 || c.SIPTLSPort > 65535 {
		return fmt.Errorf("sip-tls-port must be between 1 and 65535, got %d", c.SIPTLSPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	switch c.MediaSecurity {
	case "strict-source", "handover":
	default:
		return fmt.Errorf("media-security must be one of strict-source, handover; got %q", c.MediaSecurity)
	}

	if _, err := c.PrivateNetworks(); err != nil {
		return err
	}
	if c.MinCallLimit < 0 {
		return fmt.Errorf("min-call-limit must not be negative, got %d", c.MinCallLimit)
	}
	if c.RelayHosts == "" && c.RelayDNSName == "" {
		return fmt.Errorf("one of relay-hosts or relay-dns-name is required")
	}
	if c.RelayPort < 1 || c.RelayPort > 65535 {
		return fmt.Errorf("relay-port must be between 1 and 65535, got %d", c.RelayPort)
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("relay-timeout must be positive")
	}
	if c.InviteRatePerSec <= 0 || c.InviteBurst < 1 {
		return fmt.Errorf("invite-rate and invite-burst must be positive")
	}
	return nil
}

// PrivateNetworks parses the private network CIDR list.
func (c *Config) PrivateNetworks() ([]netip.Prefix, error) {
	return ParseCIDRs(c.PrivateNetworkCIDR)
}

// ParseCIDRs parses a comma-separated CIDR list. Empty entries are skipped.
func ParseCIDRs(list string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, s := range splitList(list) {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid private network cidr %q: %w", s, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// Codecs returns the codec preference order.
func (c *Config) Codecs() []string {
	return splitList(c.CodecOrder)
}

// Relays returns the static relay address list.
func (c *Config) Relays() []string {
	return splitList(c.RelayHosts)
}

// LocalSBCAddresses returns the proto/ip:port entries owned by this node.
func (c *Config) LocalSBCAddresses() []string {
	return splitList(c.SBCAddresses)
}

// PublicAddress returns the advertised address for a transport, falling back
// to the udp address and finally to the machine hostname.
func (c *Config) PublicAddress(transport string) string {
	var addr string
	switch strings.ToLower(transport) {
	case "tcp":
		addr = c.PublicTCP
	case "tls":
		addr = c.PublicTLS
	case "ws", "wss":
		addr = c.PublicWSS
	default:
		addr = c.PublicUDP
	}
	if addr == "" {
		addr = c.PublicUDP
	}
	if addr == "" {
		addr = c.SIPHost()
	}
	return addr
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) writing at the level held by lvl.
func (c *Config) SlogHandler(w *os.File, lvl *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLevel(c.LogLevel)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
