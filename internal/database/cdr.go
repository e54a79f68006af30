package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

// cdrRepo implements CDRRepository and AlertRepository on sqlite. It is the
// fallback sink when no Postgres DSN is configured.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *DB) AlertRepository {
	return &cdrRepo{db: db}
}

// WriteCDR inserts a call detail record.
func (r *cdrRepo) WriteCDR(ctx context.Context, cdr *models.CDR) error {
	if cdr.Direction == "" {
		cdr.Direction = "outbound"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_sid, sip_callid, account_sid, service_provider_sid,
		 application_sid, "from", "to", direction, host, remote_host, trunk, sip_status,
		 answered, attempted_at, answered_at, terminated_at, duration, termination_reason, target)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallSid, cdr.SipCallID, cdr.AccountSid, cdr.ServiceProviderSid,
		cdr.ApplicationSid, cdr.From, cdr.To, cdr.Direction, cdr.Host, cdr.RemoteHost,
		cdr.Trunk, cdr.SipStatus, cdr.Answered, cdr.AttemptedAt, cdr.AnsweredAt,
		cdr.TerminatedAt, cdr.Duration, cdr.TerminationReason, cdr.Target,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

// ListBySipCallID returns every CDR written for a SIP Call-ID.
func (r *cdrRepo) ListBySipCallID(ctx context.Context, callID string) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, sip_callid, COALESCE(account_sid, ''), COALESCE(service_provider_sid, ''),
		 COALESCE(application_sid, ''), COALESCE("from", ''), COALESCE("to", ''), direction,
		 COALESCE(host, ''), COALESCE(remote_host, ''), COALESCE(trunk, ''), sip_status, answered,
		 attempted_at, answered_at, terminated_at, duration, COALESCE(termination_reason, ''),
		 COALESCE(target, '')
		 FROM cdrs WHERE sip_callid = ? ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := rows.Scan(&c.ID, &c.CallSid, &c.SipCallID, &c.AccountSid, &c.ServiceProviderSid,
			&c.ApplicationSid, &c.From, &c.To, &c.Direction, &c.Host, &c.RemoteHost, &c.Trunk,
			&c.SipStatus, &c.Answered, &c.AttemptedAt, &c.AnsweredAt, &c.TerminatedAt,
			&c.Duration, &c.TerminationReason, &c.Target); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	return cdrs, rows.Err()
}

// WriteAlert inserts an operator alert.
func (r *cdrRepo) WriteAlert(ctx context.Context, alert *models.Alert) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO alerts (account_sid, service_provider_sid, type, detail, count)
		 VALUES (?, ?, ?, ?, ?)`,
		alert.AccountSid, alert.ServiceProviderSid, alert.Type, alert.Detail, alert.Count,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	alert.ID = id
	return nil
}
