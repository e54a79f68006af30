package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

// carrierRepo implements CarrierRepository.
type carrierRepo struct {
	db *DB
}

// NewCarrierRepository creates a new CarrierRepository.
func NewCarrierRepository(db *DB) CarrierRepository {
	return &carrierRepo{db: db}
}

// LookupOutboundCarrierForAccount returns the carrier an account dials out
// through when no LCR route matches: the account's default carrier if set,
// otherwise the first active carrier owned by the account or its service
// provider that has an outbound gateway. Returns "" when none exists.
func (r *carrierRepo) LookupOutboundCarrierForAccount(ctx context.Context, accountSid string) (string, error) {
	var sid string
	err := r.db.QueryRowContext(ctx,
		`SELECT vc.voip_carrier_sid
		 FROM accounts a
		 JOIN voip_carriers vc ON vc.voip_carrier_sid = a.voip_carrier_sid
		 WHERE a.account_sid = ? AND vc.is_active = 1`, accountSid).Scan(&sid)
	if err == nil {
		return sid, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("querying default carrier: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT vc.voip_carrier_sid
		 FROM voip_carriers vc
		 JOIN accounts a ON a.account_sid = ?
		 WHERE vc.is_active = 1
		   AND (vc.account_sid = a.account_sid
		        OR (vc.account_sid IS NULL AND vc.service_provider_sid = a.service_provider_sid))
		   AND EXISTS (SELECT 1 FROM sip_gateways g
		               WHERE g.voip_carrier_sid = vc.voip_carrier_sid
		                 AND g.outbound = 1 AND g.is_active = 1)
		 ORDER BY CASE WHEN vc.account_sid IS NULL THEN 1 ELSE 0 END, vc.name
		 LIMIT 1`, accountSid).Scan(&sid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying outbound carrier: %w", err)
	}
	return sid, nil
}

// LookupCarrierByAccountLcr matches the dialed number against the LCR routes
// of the account, then of its service provider, in priority order. Returns ""
// when no route matches.
func (r *carrierRepo) LookupCarrierByAccountLcr(ctx context.Context, accountSid, number string) (string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT l.regex, l.voip_carrier_sid
		 FROM lcr_routes l
		 JOIN accounts a ON a.account_sid = ?
		 WHERE l.account_sid = a.account_sid
		    OR (l.account_sid IS NULL AND l.service_provider_sid = a.service_provider_sid)
		 ORDER BY CASE WHEN l.account_sid IS NULL THEN 1 ELSE 0 END, l.priority`, accountSid)
	if err != nil {
		return "", fmt.Errorf("querying lcr routes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pattern, carrierSid string
		if err := rows.Scan(&pattern, &carrierSid); err != nil {
			return "", fmt.Errorf("scanning lcr route row: %w", err)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("skipping lcr route with invalid regex", "regex", pattern, "error", err)
			continue
		}
		if re.MatchString(number) {
			return carrierSid, nil
		}
	}
	return "", rows.Err()
}

// LookupCarrierBySid returns a carrier, or nil if it does not exist.
func (r *carrierRepo) LookupCarrierBySid(ctx context.Context, carrierSid string) (*models.Carrier, error) {
	var c models.Carrier
	err := r.db.QueryRowContext(ctx,
		`SELECT voip_carrier_sid, name, COALESCE(account_sid, ''), COALESCE(service_provider_sid, ''),
		 is_active, e164_leading_plus, tech_prefix, diversion, use_sips_scheme,
		 requires_register, register_username, register_password, register_sip_realm
		 FROM voip_carriers WHERE voip_carrier_sid = ?`, carrierSid,
	).Scan(&c.VoipCarrierSid, &c.Name, &c.AccountSid, &c.ServiceProviderSid,
		&c.IsActive, &c.E164LeadingPlus, &c.TechPrefix, &c.Diversion, &c.UseSipsScheme,
		&c.RequiresRegister, &c.RegisterUsername, &c.RegisterPassword, &c.RegisterSipRealm)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning carrier: %w", err)
	}
	return &c, nil
}

// LookupSipGatewaysByCarrier returns the active gateways of a carrier.
func (r *carrierRepo) LookupSipGatewaysByCarrier(ctx context.Context, carrierSid string) ([]models.SipGateway, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sip_gateway_sid, voip_carrier_sid, host, port, protocol, inbound, outbound, is_active
		 FROM sip_gateways WHERE voip_carrier_sid = ? AND is_active = 1
		 ORDER BY rowid`, carrierSid)
	if err != nil {
		return nil, fmt.Errorf("querying sip gateways: %w", err)
	}
	defer rows.Close()

	var gateways []models.SipGateway
	for rows.Next() {
		var g models.SipGateway
		if err := rows.Scan(&g.SipGatewaySid, &g.VoipCarrierSid, &g.Host, &g.Port,
			&g.Protocol, &g.Inbound, &g.Outbound, &g.IsActive); err != nil {
			return nil, fmt.Errorf("scanning sip gateway row: %w", err)
		}
		gateways = append(gateways, g)
	}
	return gateways, rows.Err()
}
