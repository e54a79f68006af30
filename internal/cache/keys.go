package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	blacklistSet        = "blacklisted-sip-gateways"
	invitePrefix        = "invite-in-progress:"
	registrationKey     = "user:"
	sessionsSuffix      = ":sessions"
	inviteInProgressTTL = 5 * time.Second
)

// SessionsKey is the counter key tracking calls in progress for a sid
// (account, service provider or application).
func SessionsKey(sid string) string {
	return sid + sessionsSuffix
}

// IsBlacklisted reports whether a SIP gateway has been flagged as unreachable.
func (c *Cache) IsBlacklisted(ctx context.Context, gatewaySid string) (bool, error) {
	return c.IsMember(ctx, blacklistSet, gatewaySid)
}

// Blacklist flags a SIP gateway so routing skips it.
func (c *Cache) Blacklist(ctx context.Context, gatewaySids ...string) error {
	return c.AddToSet(ctx, blacklistSet, gatewaySids...)
}

// InviteInProgress records the dialog identity of an outbound INVITE sent on
// behalf of an inbound call so a final retry can reuse it.
type InviteInProgress struct {
	CallID string
	CSeq   uint32
}

// PutInviteInProgress stores the record keyed by the inbound Call-ID.
func (c *Cache) PutInviteInProgress(ctx context.Context, inboundCallID string, rec InviteInProgress) error {
	return c.CreateHash(ctx, invitePrefix+inboundCallID, map[string]any{
		"callId": rec.CallID,
		"cseq":   strconv.FormatUint(uint64(rec.CSeq), 10),
	}, inviteInProgressTTL)
}

// GetInviteInProgress returns the cached record, or ErrNotFound once it has
// expired.
func (c *Cache) GetInviteInProgress(ctx context.Context, inboundCallID string) (*InviteInProgress, error) {
	fields, err := c.RetrieveHash(ctx, invitePrefix+inboundCallID)
	if err != nil {
		return nil, err
	}
	cseq, err := strconv.ParseUint(fields["cseq"], 10, 32)
	if err != nil || fields["callId"] == "" {
		return nil, ErrNotFound
	}
	return &InviteInProgress{CallID: fields["callId"], CSeq: uint32(cseq)}, nil
}

// Registration is a device registration as written by the registrar.
type Registration struct {
	Contact    string
	SBCAddress string
	Protocol   string
	Proxy      string
}

// LookupRegistration returns the live registration for an address-of-record,
// or nil when the device is not registered.
func (c *Cache) LookupRegistration(ctx context.Context, aor string) (*Registration, error) {
	fields, err := c.RetrieveHash(ctx, registrationKey+aor)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	reg := &Registration{
		Contact:    fields["contact"],
		SBCAddress: fields["sbcAddress"],
		Protocol:   strings.ToLower(fields["protocol"]),
		Proxy:      fields["proxy"],
	}
	if reg.Contact == "" {
		return nil, nil
	}
	return reg, nil
}

// AddRegistration writes a registration. The registrar owns this data; the
// SBC only uses it in tests and tooling.
func (c *Cache) AddRegistration(ctx context.Context, aor string, reg Registration, ttl time.Duration) error {
	return c.CreateHash(ctx, registrationKey+aor, map[string]any{
		"contact":    reg.Contact,
		"sbcAddress": reg.SBCAddress,
		"protocol":   reg.Protocol,
		"proxy":      reg.Proxy,
	}, ttl)
}
